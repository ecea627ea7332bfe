// Package prekey manages the device's published key material: the signed
// prekey (reused until rotated), the one-time prekey pool (each consumed by
// at most one handshake), and assembly of the directory bundle that peers
// fetch to open sessions.
//
// Re-publishing after a replenish or rotation goes through Publish; the
// directory always serves the most recently published bundle.
package prekey
