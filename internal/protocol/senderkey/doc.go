// Package senderkey implements per-sender group chains.
//
// Each member owns one State per group: a symmetric chain key stepped with
// HKDF for every message and an Ed25519 key that signs every ciphertext.
// Members receive a Distribution over their pairwise sessions and build a
// receive-only State from it. A distribution taken at counter N cannot
// decrypt messages sent before N.
//
// The group and sender identifiers are bound into both the AEAD associated
// data and the signed bytes. Signatures are checked before decryption and a
// rejected message leaves the State unchanged.
package senderkey
