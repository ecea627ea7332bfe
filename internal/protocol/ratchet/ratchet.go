package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"kryptera/internal/crypto"
	"kryptera/internal/domain"
	"kryptera/internal/util/memzero"
)

const (
	rootLabel    = "kryptera-rk"
	chainLabel   = "kryptera-ck"
	messageLabel = "kryptera-msg"

	// DefaultMaxSkip is the skip limit used when callers have no
	// configured bound.
	DefaultMaxSkip = 1000
)

var errUninitialised = errors.New("ratchet: uninitialised session")

// Initiate seeds the sending chain of s from the X3DH root key, ratcheting
// against the peer's signed prekey. It fills only the ratchet fields; the
// caller owns identity and metadata. Takes ownership of root and wipes it.
func Initiate(s *domain.Session, root []byte, peerSPK domain.X25519Public) error {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return fmt.Errorf("%w: ratchet key: %v", domain.ErrKeyGeneration, err)
	}

	dh, err := crypto.DH(priv, peerSPK)
	if err != nil {
		return err
	}
	newRoot, sendCK := deriveRoot(root, dh[:])
	memzero.ZeroAll(dh[:], root)

	s.RootKey = newRoot
	s.SendRatchet = domain.KeyPair{Pub: pub, Priv: priv}
	s.PeerRatchet = &peerSPK
	s.SendChain = domain.ChainKey{Key: sendCK}
	s.RecvChain = nil
	s.PrevCounter = 0
	s.Skipped = make(map[string]domain.SkippedKey)
	return nil
}

// Respond seeds the receiving chain of s from the X3DH root key, using the
// private half of the signed prekey the initiator ratcheted against and the
// ratchet public key from their first header. The sending chain stays empty
// until the first outbound message performs the deferred DH step. Takes
// ownership of root and wipes it.
func Respond(s *domain.Session, root []byte, spkPriv domain.X25519Private, senderRatchet domain.X25519Public) error {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return fmt.Errorf("%w: ratchet key: %v", domain.ErrKeyGeneration, err)
	}

	dh, err := crypto.DH(spkPriv, senderRatchet)
	if err != nil {
		return err
	}
	newRoot, recvCK := deriveRoot(root, dh[:])
	memzero.ZeroAll(dh[:], root)

	s.RootKey = newRoot
	s.SendRatchet = domain.KeyPair{Pub: pub, Priv: priv}
	s.PeerRatchet = &senderRatchet
	s.SendChain = domain.ChainKey{}
	s.RecvChain = &domain.ChainKey{Key: recvCK}
	s.PrevCounter = 0
	s.Skipped = make(map[string]domain.SkippedKey)
	return nil
}

// Encrypt produces the header, ciphertext and MAC for plaintext, advancing
// the sending chain. A responder's first send performs the deferred DH step
// against the initiator's ratchet key.
func Encrypt(s *domain.Session, ad, plaintext []byte) (domain.RatchetHeader, []byte, []byte, error) {
	if len(s.SendChain.Key) == 0 {
		if s.PeerRatchet == nil {
			return domain.RatchetHeader{}, nil, nil, errUninitialised
		}
		dh, err := crypto.DH(s.SendRatchet.Priv, *s.PeerRatchet)
		if err != nil {
			return domain.RatchetHeader{}, nil, nil, err
		}
		newRoot, sendCK := deriveRoot(s.RootKey, dh[:])
		memzero.ZeroAll(dh[:], s.RootKey)

		s.PrevCounter = s.SendChain.Index
		s.RootKey = newRoot
		s.SendChain = domain.ChainKey{Key: sendCK}
	}

	h := domain.RatchetHeader{
		DH: s.SendRatchet.Pub.Slice(),
		PN: s.PrevCounter,
		N:  s.SendChain.Index,
	}
	mk := advanceChain(&s.SendChain)
	ct, mac, err := sealMessage(mk, h, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, nil, err
	}
	s.MessagesSent++
	return h, ct, mac, nil
}

// Decrypt authenticates and opens a message, advancing the receiving state.
// All mutations are staged on a clone and committed only on success: any
// error leaves s exactly as it was. maxSkip bounds how far the receiving
// chain may be advanced past missing messages in one call.
func Decrypt(s *domain.Session, ad []byte, h domain.RatchetHeader, ct, mac []byte, maxSkip uint32) ([]byte, error) {
	if len(h.DH) != 32 {
		return nil, fmt.Errorf("%w: malformed ratchet header", domain.ErrAuthenticationFailed)
	}

	st := s.Clone()
	mk, err := receivingKey(st, h, maxSkip)
	if err != nil {
		return nil, err
	}
	pt, err := openMessage(mk, h, ad, ct, mac)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.MessagesReceived++

	// Wipe the superseded buffers before swapping in the staged state.
	s.Wipe()
	*s = *st
	return pt, nil
}

// receivingKey resolves the message key for h on the staged state: from the
// skipped cache, from the current chain, or after a DH ratchet step.
func receivingKey(st *domain.Session, h domain.RatchetHeader, maxSkip uint32) ([]byte, error) {
	if st.PeerRatchet != nil && equal32(st.PeerRatchet.Slice(), h.DH) {
		if sk, ok := st.Skipped[skippedKeyID(h.DH, h.N)]; ok {
			delete(st.Skipped, skippedKeyID(h.DH, h.N))
			return sk.Key, nil
		}
		if st.RecvChain == nil || h.N < st.RecvChain.Index {
			// The key for this index was already consumed.
			return nil, fmt.Errorf("%w: message key no longer available", domain.ErrAuthenticationFailed)
		}
		if err := skipAhead(st, h.N, maxSkip); err != nil {
			return nil, err
		}
		return advanceChain(st.RecvChain), nil
	}

	// New ratchet key from the peer: close out the old receiving chain,
	// then step both chains from a fresh root.
	if st.RecvChain != nil {
		if sk, ok := st.Skipped[skippedKeyID(h.DH, h.N)]; ok {
			// Message from a chain two or more steps back.
			delete(st.Skipped, skippedKeyID(h.DH, h.N))
			return sk.Key, nil
		}
		if err := skipAhead(st, h.PN, maxSkip); err != nil {
			return nil, err
		}
	} else if h.PN != 0 {
		return nil, fmt.Errorf("%w: previous chain never existed", domain.ErrAuthenticationFailed)
	}
	if err := ratchetStep(st, h); err != nil {
		return nil, err
	}
	if err := skipAhead(st, h.N, maxSkip); err != nil {
		return nil, err
	}
	return advanceChain(st.RecvChain), nil
}

// ratchetStep performs a DH ratchet step against the new peer key: a new
// receiving chain keyed by our current pair, a fresh pair, and a new sending
// chain keyed by it.
func ratchetStep(st *domain.Session, h domain.RatchetHeader) error {
	var newPeer domain.X25519Public
	copy(newPeer[:], h.DH)

	dh, err := crypto.DH(st.SendRatchet.Priv, newPeer)
	if err != nil {
		return err
	}
	rk2, recvCK := deriveRoot(st.RootKey, dh[:])
	memzero.ZeroAll(dh[:], st.RootKey)

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		memzero.ZeroAll(rk2, recvCK)
		return fmt.Errorf("%w: ratchet key: %v", domain.ErrKeyGeneration, err)
	}
	dh2, err := crypto.DH(priv, newPeer)
	if err != nil {
		memzero.ZeroAll(rk2, recvCK)
		return err
	}
	rk3, sendCK := deriveRoot(rk2, dh2[:])
	memzero.ZeroAll(dh2[:], rk2, st.SendChain.Key)

	st.PrevCounter = st.SendChain.Index
	st.RootKey = rk3
	st.SendRatchet = domain.KeyPair{Pub: pub, Priv: priv}
	st.PeerRatchet = &newPeer
	st.RecvChain = &domain.ChainKey{Key: recvCK}
	st.SendChain = domain.ChainKey{Key: sendCK}
	return nil
}

// skipAhead derives and caches message keys for the receiving chain up to
// (but excluding) index until.
func skipAhead(st *domain.Session, until, maxSkip uint32) error {
	if st.RecvChain == nil || until <= st.RecvChain.Index {
		return nil
	}
	if until-st.RecvChain.Index > maxSkip {
		return fmt.Errorf("%w: %d outstanding, limit %d",
			domain.ErrTooManySkippedMessages, until-st.RecvChain.Index, maxSkip)
	}
	now := time.Now()
	for st.RecvChain.Index < until {
		id := skippedKeyID(st.PeerRatchet.Slice(), st.RecvChain.Index)
		st.Skipped[id] = domain.SkippedKey{Key: advanceChain(st.RecvChain), SeenAt: now}
	}
	return nil
}

// --- key derivation ---

// deriveRoot advances the root KDF with a DH output, yielding the next root
// key and a chain key.
func deriveRoot(root, dh []byte) (newRoot, chainKey []byte) {
	okm := crypto.HKDF(dh, root, rootLabel, 2*crypto.KeySize)
	return okm[:crypto.KeySize], okm[crypto.KeySize:]
}

// advanceChain consumes the chain key, replacing it irreversibly, and
// returns the message key for the position it held.
func advanceChain(c *domain.ChainKey) []byte {
	okm := crypto.HKDF(c.Key, nil, chainLabel, 2*crypto.KeySize)
	memzero.Zero(c.Key)
	c.Key = okm[:crypto.KeySize]
	c.Index++
	return okm[crypto.KeySize:]
}

// messageKeys expands a message key into independent cipher key, MAC key
// and nonce.
func messageKeys(mk []byte) (encKey, macKey, nonce []byte) {
	okm := crypto.HKDF(mk, nil, messageLabel, 2*crypto.KeySize+chacha20poly1305.NonceSize)
	return okm[:crypto.KeySize], okm[crypto.KeySize : 2*crypto.KeySize], okm[2*crypto.KeySize:]
}

func sealMessage(mk []byte, h domain.RatchetHeader, ad, plaintext []byte) (ct, mac []byte, err error) {
	encKey, macKey, nonce := messageKeys(mk)
	defer memzero.ZeroAll(encKey, macKey)

	aead, err := chacha20poly1305.New(encKey)
	if err != nil {
		return nil, nil, err
	}
	hb := headerBytes(h)
	ct = aead.Seal(nil, nonce, plaintext, append(append([]byte(nil), ad...), hb...))

	m := hmac.New(sha256.New, macKey)
	m.Write(hb)
	m.Write(ct)
	return ct, m.Sum(nil), nil
}

func openMessage(mk []byte, h domain.RatchetHeader, ad, ct, mac []byte) ([]byte, error) {
	encKey, macKey, nonce := messageKeys(mk)
	defer memzero.ZeroAll(encKey, macKey)

	hb := headerBytes(h)
	m := hmac.New(sha256.New, macKey)
	m.Write(hb)
	m.Write(ct)
	if !hmac.Equal(m.Sum(nil), mac) {
		return nil, fmt.Errorf("%w: bad message MAC", domain.ErrAuthenticationFailed)
	}

	aead, err := chacha20poly1305.New(encKey)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ct, append(append([]byte(nil), ad...), hb...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthenticationFailed, err)
	}
	return pt, nil
}

func headerBytes(h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(h.DH)+8)
	out = append(out, h.DH...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	out = append(out, b[:]...)
	return out
}

// skippedKeyID is hex so the map survives CBOR and JSON round-trips.
func skippedKeyID(peer []byte, n uint32) string {
	return fmt.Sprintf("%x:%d", peer, n)
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
