// Package wire frames the payloads peers exchange inside domain.Envelope.
//
// An envelope payload starts with a Kind byte. Plaintext inside a pairwise
// session starts with a ContentType byte so sender-key distributions can
// share the channel with application data.
package wire
