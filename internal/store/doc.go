// Package store persists engine state.
//
// Stores deal in opaque records: serialized identities, prekey pools,
// ratchet sessions and group records. FileStore writes one file per record
// under the configured home directory; MemoryStore keeps them in memory.
//
// Secret-bearing records are sealed twice over. The identity is sealed under
// a scrypt-derived passphrase key, and it carries a random storage key. Every
// other record goes through Sealed, which wraps it in a storage envelope
// (version | nonce | XChaCha20-Poly1305 ciphertext) under that storage key.
package store
