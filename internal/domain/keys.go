package domain

import (
	"encoding/base64"
	"fmt"
	"time"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

func (p X25519Public) Slice() []byte { return p[:] }

// MarshalText encodes the key as base64 for JSON wire formats.
func (p X25519Public) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(p[:])), nil
}

// UnmarshalText mirrors MarshalText.
func (p *X25519Public) UnmarshalText(b []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("x25519 public: want 32 bytes, got %d", len(raw))
	}
	copy(p[:], raw)
	return nil
}

// X25519Private is a Curve25519 private key. It has no text form: private
// material leaves the process only through the encrypted store.
type X25519Private [32]byte

func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is a signing public key.
type Ed25519Public [32]byte

func (p Ed25519Public) Slice() []byte { return p[:] }

// MarshalText encodes the key as base64 for JSON wire formats.
func (p Ed25519Public) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(p[:])), nil
}

// UnmarshalText mirrors MarshalText.
func (p *Ed25519Public) UnmarshalText(b []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("ed25519 public: want 32 bytes, got %d", len(raw))
	}
	copy(p[:], raw)
	return nil
}

// Ed25519Private is a signing private key (ed25519.PrivateKey layout).
type Ed25519Private [64]byte

func (k Ed25519Private) Slice() []byte { return k[:] }

// KeyPair couples an X25519 public key with its private half.
type KeyPair struct {
	Pub  X25519Public
	Priv X25519Private
}

// Identity holds the long-term keys of the local device.
type Identity struct {
	XPub   X25519Public
	XPriv  X25519Private
	EdPub  Ed25519Public
	EdPriv Ed25519Private

	// RegistrationID distinguishes reinstalls of the same device id.
	RegistrationID uint32
	CreatedAt      time.Time
}

// RotatingKey is a time-boxed auxiliary key pair. Exactly one rotating key is
// active at a time; superseded keys are retained for backward decryption until
// pruned.
type RotatingKey struct {
	ID        string
	Key       KeyPair
	CreatedAt time.Time
	ExpiresAt time.Time
	Version   int
	Active    bool
}

// Expired reports whether the key has passed its expiry at the given time.
func (k RotatingKey) Expired(now time.Time) bool { return now.After(k.ExpiresAt) }

// Published strips the key down to its directory form.
func (k RotatingKey) Published() PublishedRotatingKey {
	return PublishedRotatingKey{ID: k.ID, Pub: k.Key.Pub, Version: k.Version, ExpiresAt: k.ExpiresAt}
}
