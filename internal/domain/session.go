package domain

import (
	"time"

	"kryptera/internal/util/memzero"
)

// SessionID identifies a pairwise session: one peer user on one of their
// devices.
type SessionID string

// NewSessionID builds the canonical session id for a peer device.
func NewSessionID(peerUserID, deviceID string) SessionID {
	return SessionID(peerUserID + "/" + deviceID)
}

func (id SessionID) String() string { return string(id) }

// ChainKey is one KDF chain: the current key and the index of the next
// message key it will produce. The index resets at every DH ratchet step.
type ChainKey struct {
	Key   []byte
	Index uint32
}

// SkippedKey is a cached message key for an out-of-order message, kept until
// the message arrives, the cache evicts it, or it expires.
type SkippedKey struct {
	Key    []byte
	SeenAt time.Time
}

// Session is the full Double Ratchet state for one peer device, plus the
// metadata the engine needs to persist and age it.
//
// Counter semantics: SendChain.Index / RecvChain.Index are the per-chain
// positions carried in headers and reset at each DH ratchet step;
// MessagesSent and MessagesReceived are lifetime totals and only increase.
type Session struct {
	ID           SessionID
	PeerUserID   string
	PeerDeviceID string

	// PeerIdentityKey authenticates who the ratchet was keyed against.
	PeerIdentityKey X25519Public

	// AD is the handshake-bound associated data: initiator identity public
	// followed by responder identity public. Both directions authenticate
	// it with every message.
	AD []byte

	RootKey   []byte
	SendChain ChainKey
	RecvChain *ChainKey

	// SendRatchet is our current DH ratchet pair; PeerRatchet is the last
	// ratchet public seen from the peer (nil until the first inbound step
	// for a responder that never received one).
	SendRatchet KeyPair
	PeerRatchet *X25519Public

	PrevCounter      uint32
	MessagesSent     uint32
	MessagesReceived uint32

	// Skipped caches message keys for out-of-order delivery, keyed by the
	// hex peer ratchet public and the message index.
	Skipped map[string]SkippedKey

	// Pending echoes the handshake parameters on every outbound message
	// until the first inbound message proves the peer has the session.
	Pending *PreKeyMessage

	CreatedAt    time.Time
	LastActivity time.Time
}

// Clone returns a deep copy. Decryption stages its mutations on a clone and
// commits only on success.
func (s *Session) Clone() *Session {
	c := *s
	c.AD = append([]byte(nil), s.AD...)
	c.RootKey = append([]byte(nil), s.RootKey...)
	c.SendChain = ChainKey{Key: append([]byte(nil), s.SendChain.Key...), Index: s.SendChain.Index}
	if s.RecvChain != nil {
		rc := ChainKey{Key: append([]byte(nil), s.RecvChain.Key...), Index: s.RecvChain.Index}
		c.RecvChain = &rc
	}
	if s.PeerRatchet != nil {
		pr := *s.PeerRatchet
		c.PeerRatchet = &pr
	}
	c.Skipped = make(map[string]SkippedKey, len(s.Skipped))
	for k, v := range s.Skipped {
		c.Skipped[k] = SkippedKey{Key: append([]byte(nil), v.Key...), SeenAt: v.SeenAt}
	}
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	return &c
}

// Wipe zeroes all key material held by the session. The session must not be
// used afterwards.
func (s *Session) Wipe() {
	memzero.Zero(s.RootKey)
	memzero.Zero(s.SendChain.Key)
	if s.RecvChain != nil {
		memzero.Zero(s.RecvChain.Key)
	}
	for _, sk := range s.Skipped {
		memzero.Zero(sk.Key)
	}
	s.SendRatchet.Priv = X25519Private{}
}
