package domain

import "time"

// RatchetHeader accompanies every ciphertext. It is authenticated (as AEAD
// associated data and under the message MAC) but sent in the clear.
type RatchetHeader struct {
	// DH is the sender's current ratchet public key (32 bytes).
	DH []byte `json:"dh"`
	// PN is the length of the sender's previous sending chain.
	PN uint32 `json:"pn"`
	// N is the index of this message in the current sending chain.
	N uint32 `json:"n"`
}

// PreKeyMessage carries the X3DH parameters the responder needs to derive the
// shared root key. It rides along with outbound messages until the first
// reply confirms the responder has the session.
type PreKeyMessage struct {
	UserID          string       `json:"user_id"`
	DeviceID        string       `json:"device_id"`
	IdentityKey     X25519Public `json:"identity_key"`
	EphemeralKey    X25519Public `json:"ephemeral_key"`
	SignedPreKeyID  string       `json:"signed_pre_key_id"`
	OneTimePreKeyID string       `json:"one_time_pre_key_id,omitempty"`
	RegistrationID  uint32       `json:"registration_id"`
}

// EncryptedMessage is the engine's output: header, ciphertext and MAC, plus
// the optional handshake echo for session bootstrap.
type EncryptedMessage struct {
	Header     RatchetHeader  `json:"header"`
	Ciphertext []byte         `json:"ciphertext"`
	MAC        []byte         `json:"mac"`
	PreKey     *PreKeyMessage `json:"pre_key,omitempty"`
}

// Envelope wraps an EncryptedMessage for store-and-forward transport between
// user/device pairs. The engine itself never depends on it.
type Envelope struct {
	FromUserID   string           `json:"from_user_id"`
	FromDeviceID string           `json:"from_device_id"`
	ToUserID     string           `json:"to_user_id"`
	ToDeviceID   string           `json:"to_device_id"`
	Message      EncryptedMessage `json:"message"`
	Timestamp    time.Time        `json:"timestamp"`
}

// DecryptedMessage pairs a plaintext with its provenance.
type DecryptedMessage struct {
	FromUserID   string
	FromDeviceID string
	Plaintext    []byte
	Timestamp    time.Time
}
