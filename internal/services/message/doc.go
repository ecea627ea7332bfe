// Package message is the engine callers encrypt and decrypt through. It
// drives the ratchet under the per-session lock, persists every mutation,
// carries the handshake echo until the peer confirms, and ages out skipped
// message keys and idle sessions.
package message
