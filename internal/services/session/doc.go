// Package session establishes and tracks pairwise ratchet sessions.
//
// The establisher runs X3DH from either side, owns the in-memory session
// cache, and hands out the per-session locks that serialize every operation
// touching a session's ratchet state. One session exists per peer device;
// establishing again replaces it.
package session
