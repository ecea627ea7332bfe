// Package crypto exposes the primitives kryptera is built on.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie-Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - HKDF-SHA256 expansion with domain-separation labels (HKDF)
//   - Passphrase key derivation for the encrypted store (DeriveKEK)
//   - Anonymous sealed boxes for rotating keys (Seal, Open)
//   - Short public-key fingerprints for display and logging (Fingerprint)
//
// All key material uses the fixed-size array types from internal/domain to
// avoid accidental reallocation. Callers wipe transient secrets with
// util/memzero when they are done with them.
package crypto
