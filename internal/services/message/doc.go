// Package message connects the session and group layers to a transport.
//
// Outgoing pairwise messages start a handshake on demand. Incoming
// envelopes are routed by their frame kind: group frames to the group
// layer, everything else to the pairwise session, whose content is either
// application data or a sender-key distribution for the group layer.
package message
