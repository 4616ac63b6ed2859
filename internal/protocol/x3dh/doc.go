// Package x3dh implements the X3DH key agreement used to bootstrap a ratchet
// session between two peers.
//
// # Overview
//
// X3DH lets an initiator derive a shared 32-byte secret with a responder who
// has published a prekey bundle. The bundle contains:
//   - Identity keys (X25519 for DH, Ed25519 for signing)
//   - Signed prekey (X25519) and its Ed25519 signature
//   - At most one one-time prekey (X25519)
//
// # Flows
//
// Initiator:
//  1. Verify the signed prekey signature (ErrInvalidBundle on failure).
//  2. Generate an ephemeral X25519 key pair.
//  3. Compute DH values (IKa·SPKb, EKa·IKb, EKa·SPKb[, EKa·OPKb]).
//  4. HKDF over 0xFF×32 followed by the DH transcript, with a zero salt.
//  5. Wipe every DH output and the ephemeral private key; return the secret
//     and a Header naming the prekeys used.
//
// Responder:
//  1. Parse the Header from the first message.
//  2. Look up the signed prekey and consume the one-time prekey, if named.
//     A consumed or unknown one-time prekey fails with ErrUnknownOneTimePreKey.
//  3. Compute the mirrored DH set (SPKb·IKa, IKb·EKa, SPKb·EKa[, OPKb·EKa]).
//  4. HKDF the same transcript to the identical secret.
//
// The associated data of every later message is IKa ‖ SIGa ‖ IKb ‖ SIGb.
package x3dh
