// Package x3dh implements the X3DH key agreement used to bootstrap a Double
// Ratchet session between two devices.
//
// # Overview
//
// X3DH lets an initiator derive a shared 32-byte root key with a responder
// who has published a device bundle. The bundle contains:
//   - Identity key (X25519) and signing key (Ed25519)
//   - Signed prekey (X25519) with its Ed25519 signature
//   - Optional one-time prekeys (X25519)
//
// # Flows
//
// Initiator:
//  1. Verify the signed prekey signature against the bundle's signing key.
//  2. Generate an ephemeral X25519 key pair.
//  3. Compute DH(IKa, SPKb), DH(EKa, IKb), DH(EKa, SPKb) and, when a
//     one-time prekey is available, DH(EKa, OPKb).
//  4. HKDF over the concatenated DH outputs to produce the root key.
//  5. Return the root key, the prekey ids used, and the ephemeral public to
//     echo in the PreKeyMessage.
//
// Responder:
//  1. Receive the PreKeyMessage (initiator identity, ephemeral, prekey ids).
//  2. Look up the signed prekey private; consume the one-time prekey if one
//     was referenced.
//  3. Compute the mirrored DH set and HKDF the same transcript to the
//     identical root key.
//
// Only public material ever crosses the wire. One-time prekeys, when mixed
// in, ensure the handshake includes a value deleted after first use.
package x3dh
