// Package ratchet implements the Double Ratchet state machine over
// domain.Session.
//
// Each message advances a KDF chain so message keys are forward secure: a
// chain key is consumed exactly once and irreversibly replaced. When a
// header carries a ratchet public key that differs from the one on record,
// both sides derive fresh chains from a new root via DH (the DH ratchet
// step). Out-of-order messages are served from a skipped-key cache bounded
// by a per-call skip limit; the engine layer additionally prunes the cache
// by capacity and age.
//
// Decrypt stages all mutations on a clone of the session and commits only
// after authentication succeeds, so a forged or replayed message can never
// move counters or chains.
//
// Concurrency: Session is not safe for concurrent use. Callers serialise
// access per session.
package ratchet
