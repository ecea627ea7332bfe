package domain

import "errors"

// The closed error set of the engine. Callers discriminate with errors.Is;
// everything else wraps one of these or is a programming error.
var (
	// ErrKeyGeneration reports an entropy or curve failure while creating
	// key material.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrPeerBundleInvalid reports a device bundle whose signed prekey
	// signature does not verify, or that is structurally unusable.
	ErrPeerBundleInvalid = errors.New("peer bundle invalid")

	// ErrSessionNotFound reports an operation on a session id with no
	// established session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAuthenticationFailed reports a MAC or AEAD verification failure.
	// State is never mutated when it is returned.
	ErrAuthenticationFailed = errors.New("message authentication failed")

	// ErrTooManySkippedMessages reports a header that would require
	// advancing the receiving chain beyond the skip limit.
	ErrTooManySkippedMessages = errors.New("too many skipped messages")

	// ErrKeyExhausted reports a handshake referencing prekeys this device
	// no longer holds.
	ErrKeyExhausted = errors.New("no usable pre-key for handshake")

	// ErrRotationFailure reports a rotation that could not complete; the
	// previous key remains active.
	ErrRotationFailure = errors.New("key rotation failed")

	// ErrStorageFailure reports an I/O or decode failure in the secure
	// store, distinct from integrity failures.
	ErrStorageFailure = errors.New("secure storage failure")
)
