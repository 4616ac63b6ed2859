// Package prekey keeps the local prekey pool persisted, topped up and
// published.
//
// Service implements x3dh.PreKeySource so inbound handshakes consume
// one-time prekeys through it; each consumption is written to the store
// before the handshake proceeds, so a crash cannot resurrect a used key.
package prekey
