// Package identity manages the local device identity: the long-term X25519
// agreement pair, the Ed25519 signing pair, and the registration id that
// distinguishes reinstalls of the same device.
//
// Identities are only ever created or replaced explicitly. Restoring one
// invalidates every cached session, because sessions derived from the old
// keys are stale.
package identity
