// Package crypto exposes the minimal primitives used by parley.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie-Hellman (GenerateX25519,
//     PublicX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - HKDF-SHA256 derivations for X3DH, the ratchet root chain and the
//     symmetric chains (DeriveSharedSecret, KDFRoot, KDFChain)
//   - XChaCha20-Poly1305 sealing with random nonces (Seal, Open)
//   - Short public-key fingerprints and peer identifiers (Fingerprint, PeerIDOf)
//
// # Notes
//
// Keys are the fixed-size array types defined in internal/domain. Callers
// own every secret they receive and wipe it with internal/util/memzero when
// done.
package crypto
