// Package session owns the pairwise sessions of the local identity.
//
// It runs X3DH in both roles, drives the ratchet for each peer and keeps
// every session persisted through a domain.SessionStore. Operations on one
// peer are serialized; different peers proceed in parallel.
//
// Until the peer replies, every outgoing message carries the X3DH header so
// the responder can build its side from whichever message arrives first.
// Repeated decryption failures from one peer are counted and, past a
// threshold, reported as errs.ErrResetRecommended.
package session
