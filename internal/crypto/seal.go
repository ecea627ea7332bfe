package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/box"

	"kryptera/internal/domain"
)

// SealOverhead is the sealed-box expansion: ephemeral public key plus the
// box MAC.
const SealOverhead = box.AnonymousOverhead

// Seal encrypts plaintext to pub as an anonymous sealed box. Anyone holding
// the private half can open it; nothing about the sender is revealed.
func Seal(pub domain.X25519Public, plaintext []byte) ([]byte, error) {
	pk := [32]byte(pub)
	return box.SealAnonymous(nil, plaintext, &pk, rand.Reader)
}

// Open decrypts a sealed box with the given key pair. ok is false when the
// blob was not sealed to this key or fails authentication.
func Open(kp domain.KeyPair, blob []byte) (plaintext []byte, ok bool) {
	pk := [32]byte(kp.Pub)
	sk := [32]byte(kp.Priv)
	return box.OpenAnonymous(nil, blob, &pk, &sk)
}
