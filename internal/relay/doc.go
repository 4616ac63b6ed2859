// Package relay is the development relay: an untrusted prekey directory and
// store-and-forward queue.
//
// Hub holds the state in memory and implements domain.Directory and
// domain.Transport directly, which is how tests and single-process setups
// use it. Server exposes a Hub over JSON/HTTP with gin, and Client speaks
// that API with resty, implementing the same two interfaces.
//
// Routes:
//
//	POST /v1/bundles                publish prekey bundles
//	GET  /v1/bundles/:peer          take one bundle (one-time prekey handed out once)
//	POST /v1/messages/:peer         queue an envelope
//	GET  /v1/messages/:peer?limit=N peek queued envelopes
//	POST /v1/messages/:peer/ack     drop the first N envelopes
//
// The relay only ever sees public keys and ciphertext.
package relay
