package domain

import (
	"context"
	"time"
)

// SecureStore is the encrypted storage boundary. Keys are path-like strings
// ("sessions/alice/tablet"); values are opaque encrypted-at-rest blobs.
// Implementations must be safe for concurrent use.
type SecureStore interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	// List returns the keys under prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// IdentityStore persists the local device identity.
type IdentityStore interface {
	SaveIdentity(ctx context.Context, id Identity) error
	LoadIdentity(ctx context.Context) (Identity, bool, error)
}

// PreKeyStore manages signed and one-time prekey pairs. It is the only
// component that ever sees their private halves.
type PreKeyStore interface {
	SaveSignedPreKey(ctx context.Context, pair SignedPreKeyPair) error
	LoadSignedPreKey(ctx context.Context, id string) (SignedPreKeyPair, bool, error)
	SetCurrentSignedPreKeyID(ctx context.Context, id string) error
	CurrentSignedPreKeyID(ctx context.Context) (string, bool, error)

	SaveOneTimePreKeys(ctx context.Context, pairs []OneTimePreKeyPair) error
	// ConsumeOneTimePreKey removes the pair on load; a consumed or unknown
	// id returns ok=false.
	ConsumeOneTimePreKey(ctx context.Context, id string) (OneTimePreKeyPair, bool, error)
	ListOneTimePreKeys(ctx context.Context) ([]OneTimePreKey, error)
}

// RotatingKeyStore persists the rotating key set. Replace writes the whole
// set in one transaction so a crashed rotation can never leave the device
// keyless or with two active keys.
type RotatingKeyStore interface {
	ReplaceRotatingKeys(ctx context.Context, keys []RotatingKey) error
	// ListRotatingKeys returns all retained keys, newest version first.
	ListRotatingKeys(ctx context.Context) ([]RotatingKey, error)
	ActiveRotatingKey(ctx context.Context) (RotatingKey, bool, error)
}

// SessionStore persists ratchet sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, s *Session) error
	LoadSession(ctx context.Context, id SessionID) (*Session, bool, error)
	DeleteSession(ctx context.Context, id SessionID) error
	ListSessionIDs(ctx context.Context) ([]SessionID, error)
	// ExpireSessions deletes sessions whose LastActivity is before cutoff
	// and reports how many were removed.
	ExpireSessions(ctx context.Context, cutoff time.Time) (int, error)
}

// Directory is the external device directory. The channel is assumed
// authenticated; this engine only defines the contract.
type Directory interface {
	PublishDeviceBundle(ctx context.Context, rec DeviceRecord) error
	FetchDeviceBundles(ctx context.Context, userID string) ([]DeviceRecord, error)
	// ConsumeOneTimePreKey tells the directory a one-time prekey was used
	// so it is never handed out again.
	ConsumeOneTimePreKey(ctx context.Context, userID, deviceID, keyID string) error
}

// Transport is the store-and-forward path for envelopes. Only the CLI layer
// uses it; the engine never depends on it.
type Transport interface {
	SendEnvelope(ctx context.Context, env Envelope) error
	FetchEnvelopes(ctx context.Context, userID, deviceID string, limit int) ([]Envelope, error)
	AckEnvelopes(ctx context.Context, userID, deviceID string, count int) error
}

// AuditSink receives security-relevant events. It is strictly one-way: a
// slow or failing sink must never block or fail a cryptographic operation,
// so implementations swallow their own errors.
type AuditSink interface {
	LogEvent(eventType, description string, metadata map[string]string)
}

// MessageSink receives decrypted plaintexts. Higher layers implement it so
// the engine never needs a reference back into them.
type MessageSink interface {
	DeliverMessage(ctx context.Context, msg DecryptedMessage) error
}

// SessionCacheInvalidator drops all in-memory session state. Restoring an
// identity uses it: sessions derived from the old keys are stale.
type SessionCacheInvalidator interface {
	InvalidateSessionCache()
}
