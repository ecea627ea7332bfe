// Package store is the secure-storage boundary: everything the engine
// persists goes through it, encrypted at rest.
//
// SecureDB implements domain.SecureStore on a single bbolt file. Every value
// is sealed with ChaCha20-Poly1305 under a key-encryption key derived from
// the passphrase with Argon2id; the KEK itself lives in a memguard locked
// buffer for the lifetime of the handle. KeyStore and SessionStore are typed
// layers over that boundary, serialising records as CBOR. KeyStore is the
// only component that ever sees private key bytes.
package store
