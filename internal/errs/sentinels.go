// Package errs contains sentinel errors shared by the protocol and service
// layers, plus the retryable/fatal classification callers act on.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBundle indicates a prekey bundle whose signed prekey does not
	// verify against the advertised identity.
	ErrInvalidBundle = errors.New("invalid prekey bundle")

	// ErrInvalidSignature indicates an Ed25519 signature that does not verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrSessionNotFound indicates there is no ratchet state for the peer.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDecryptionFailed indicates a message that could not be authenticated
	// or decrypted.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUnknownOneTimePreKey indicates a handshake naming a one-time prekey
	// that was already consumed or never existed.
	ErrUnknownOneTimePreKey = errors.New("unknown one-time prekey")

	// ErrNotFound indicates a missing stored record or directory entry.
	ErrNotFound = errors.New("not found")

	// ErrGroupFull indicates a group already at its member limit.
	ErrGroupFull = errors.New("group is full")

	// ErrNotMember indicates an operation naming a peer outside the group.
	ErrNotMember = errors.New("not a group member")

	// ErrResetRecommended is attached to decryption failures once a peer has
	// produced too many of them in a row.
	ErrResetRecommended = errors.New("session reset recommended")
)

// The errors below are decryption failures with a more specific cause.
// errors.Is(err, ErrDecryptionFailed) holds for each of them.
var (
	ErrReplayedMessage    = fmt.Errorf("replayed message: %w", ErrDecryptionFailed)
	ErrSkipWindowExceeded = fmt.Errorf("skip window exceeded: %w", ErrDecryptionFailed)
	ErrMalformed          = fmt.Errorf("malformed message: %w", ErrDecryptionFailed)
)

// ErrSenderKeyNotFound means no sender-key state is held for a group sender.
// It is a kind of missing session: the sender must redistribute its key.
var ErrSenderKeyNotFound = fmt.Errorf("sender key: %w", ErrSessionNotFound)
