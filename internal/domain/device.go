package domain

import "time"

// SignedPreKey is the published half of a signed prekey, carrying an Ed25519
// signature by the owning device's signing key over the public key bytes.
type SignedPreKey struct {
	ID        string       `json:"id"`
	Pub       X25519Public `json:"pub"`
	Sig       []byte       `json:"sig"`
	CreatedAt time.Time    `json:"created_at"`
}

// OneTimePreKey is the published half of a one-time prekey. Each is consumed
// by at most one handshake.
type OneTimePreKey struct {
	ID  string       `json:"id"`
	Pub X25519Public `json:"pub"`
}

// SignedPreKeyPair is the locally stored signed prekey with its private half.
type SignedPreKeyPair struct {
	ID        string
	Priv      X25519Private
	Pub       X25519Public
	Sig       []byte
	CreatedAt time.Time
}

// Published strips the pair down to its directory form.
func (p SignedPreKeyPair) Published() SignedPreKey {
	return SignedPreKey{ID: p.ID, Pub: p.Pub, Sig: p.Sig, CreatedAt: p.CreatedAt}
}

// OneTimePreKeyPair is a locally stored one-time prekey with its private half.
type OneTimePreKeyPair struct {
	ID   string
	Priv X25519Private
	Pub  X25519Public
}

// Published strips the pair down to its directory form.
func (p OneTimePreKeyPair) Published() OneTimePreKey {
	return OneTimePreKey{ID: p.ID, Pub: p.Pub}
}

// PublishedRotatingKey is the public half of a device's current rotating key
// as it appears in the directory. Peers seal to Pub; superseded versions are
// only ever known locally.
type PublishedRotatingKey struct {
	ID        string       `json:"id"`
	Pub       X25519Public `json:"pub"`
	Version   int          `json:"version"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// DeviceRecord is what a device publishes to the directory: everything a peer
// needs to open a session with it. Only public material appears here.
type DeviceRecord struct {
	UserID         string                `json:"user_id"`
	DeviceID       string                `json:"device_id"`
	DeviceName     string                `json:"device_name,omitempty"`
	IdentityKey    X25519Public          `json:"identity_key"`
	SigningKey     Ed25519Public         `json:"signing_key"`
	SignedPreKey   SignedPreKey          `json:"signed_pre_key"`
	OneTimePreKeys []OneTimePreKey       `json:"one_time_pre_keys,omitempty"`
	RotatingKey    *PublishedRotatingKey `json:"rotating_key,omitempty"`
	RegistrationID uint32                `json:"registration_id"`
	RegisteredAt   time.Time             `json:"registered_at"`
	LastSeenAt     time.Time             `json:"last_seen_at"`
}
