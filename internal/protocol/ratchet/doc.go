// Package ratchet implements the Double Ratchet algorithm following Signal's design.
//
// The algorithm maintains a root key and two message chains (send and receive).
// Each message advances a KDF chain so that keys are forward secure. When a party
// changes its DH ratchet public key, both sides derive new chain keys from a new
// root derived via DH.
//
// The initiator starts with the responder's signed prekey as the remote
// ratchet key; the responder starts with the signed prekey pair as its own.
//
// Messages that arrive out of order are decrypted with keys derived ahead of
// time, at most SkipWindow ahead of the receiving chain, and held in a
// bounded cache keyed by sender ratchet key and counter. Every message key is
// used at most once and wiped afterwards, as are replaced chain keys, root
// keys and DH outputs. Decrypt works on a copy of the state, so a message that
// fails to authenticate changes nothing.
//
// Concurrency: Session serialises Encrypt and Decrypt internally. Different
// sessions are independent.
package ratchet
