package errs

import "errors"

// Class tells a caller what to do with a failed engine operation.
type Class int

const (
	// ClassNone is the class of a nil error.
	ClassNone Class = iota
	// ClassRetryable failures clear once the caller re-establishes state,
	// for example by running a new handshake with a fresh bundle.
	ClassRetryable
	// ClassFatal failures reject the message or bundle for good.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// ClassOf maps err onto a Class. Unknown errors are fatal.
func ClassOf(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrUnknownOneTimePreKey),
		errors.Is(err, ErrNotFound):
		return ClassRetryable
	default:
		return ClassFatal
	}
}

// Reason returns a short stable label for err, used for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrReplayedMessage):
		return "replay"
	case errors.Is(err, ErrSkipWindowExceeded):
		return "skip_window"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrDecryptionFailed):
		return "decrypt"
	case errors.Is(err, ErrInvalidSignature):
		return "signature"
	case errors.Is(err, ErrInvalidBundle):
		return "bundle"
	case errors.Is(err, ErrUnknownOneTimePreKey):
		return "unknown_prekey"
	case errors.Is(err, ErrSessionNotFound):
		return "no_session"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	case errors.Is(err, ErrGroupFull):
		return "group_full"
	default:
		return "other"
	}
}
