// Package group runs sender-key group messaging for the local peer.
//
// Each member encrypts group messages with its own sender key and hands
// that key to the other members over their pairwise sessions, together
// with the member list. A member learns about other members only from
// those distributions. Receivers keep a few superseded generations per
// sender so messages sent before a rotation remain readable.
//
// Removing a member rotates the local key at once; other members rotate
// theirs before their next send once they see the shorter member list.
package group
