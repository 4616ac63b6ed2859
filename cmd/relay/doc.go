// Package main runs the in-memory HTTP relay used by parley. It hands out
// published prekey bundles and queues encrypted envelopes for recipients
// until they fetch and acknowledge them.
//
// HTTP API
//
//	POST /v1/bundles
//	    Publish a batch of prekey bundles. Every bundle's signed prekey
//	    signature and peer id are verified before it is accepted.
//
//	GET /v1/bundles/{peer}
//	    Hand out one bundle for {peer}. Each one-time prekey is handed out
//	    at most once; when none are left the bundle carries only the signed
//	    prekey.
//
//	POST /v1/messages/{peer}
//	    Enqueue an Envelope destined to {peer}.
//
//	GET /v1/messages/{peer}?limit=N
//	    Return up to N queued Envelopes for {peer} without removing them.
//
//	POST /v1/messages/{peer}/ack { "count": N }
//	    Drop the first N queued envelopes for {peer}.
//
//	GET /metrics, GET /healthz
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Responses are JSON. Non-2xx statuses carry a short error message.
//   - Every request is logged with method, route, status and duration.
//     Bodies are never logged.
//   - The relay never sees plaintext or private keys; it only stores
//     ciphertext and public bundles.
package main
