// Package identity holds the long-term keys of a device.
//
// An Identity owns an Ed25519 signing key pair, which defines the peer id
// (hex SHA-256 of the public key), an X25519 key pair used in X3DH, a random
// storage key for at-rest sealing, and the prekey pool. Signed prekeys are
// signed over a context label, the identity DH key and the prekey, so a
// bundle cannot pair one device's signing key with another's DH key.
//
// Nothing here performs I/O.
package identity
