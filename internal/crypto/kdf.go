package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of every symmetric key derived here.
	KeySize = 32
	// SaltSize is the KEK salt length persisted by the store.
	SaltSize = 16
)

// HKDF expands secret into n bytes with HKDF-SHA256 under the given salt and
// domain-separation label. Distinct labels yield independent outputs.
func HKDF(secret, salt []byte, label string, n int) []byte {
	r := hkdf.New(sha256.New, secret, salt, []byte(label))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		// Only reachable if n exceeds the HKDF output limit, which no
		// caller here approaches.
		panic("crypto: hkdf expand: " + err.Error())
	}
	return out
}

// DeriveKEK derives a key-encryption key from a passphrase and salt with
// Argon2id.
func DeriveKEK(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, KeySize)
}
