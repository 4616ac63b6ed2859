package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"parley/internal/errs"
)

func TestClassOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want errs.Class
	}{
		{"nil", nil, errs.ClassNone},
		{"no session", fmt.Errorf("peer x: %w", errs.ErrSessionNotFound), errs.ClassRetryable},
		{"sender key", errs.ErrSenderKeyNotFound, errs.ClassRetryable},
		{"unknown opk", errs.ErrUnknownOneTimePreKey, errs.ClassRetryable},
		{"bundle", errs.ErrInvalidBundle, errs.ClassFatal},
		{"replay", errs.ErrReplayedMessage, errs.ClassFatal},
		{"window", errs.ErrSkipWindowExceeded, errs.ClassFatal},
		{"unknown", errors.New("boom"), errs.ClassFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errs.ClassOf(tc.err))
		})
	}
}

func TestSpecificFailuresAreDecryptionFailures(t *testing.T) {
	t.Parallel()

	for _, err := range []error{errs.ErrReplayedMessage, errs.ErrSkipWindowExceeded, errs.ErrMalformed} {
		assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
	}
	assert.NotErrorIs(t, errs.ErrDecryptionFailed, errs.ErrReplayedMessage)
	assert.Equal(t, "replay", errs.Reason(fmt.Errorf("x: %w", errs.ErrReplayedMessage)))
	assert.Equal(t, "decrypt", errs.Reason(errs.ErrDecryptionFailed))
}

func TestReason(t *testing.T) {
	t.Parallel()

	reset := fmt.Errorf("%w: %w", errs.ErrResetRecommended, errs.ErrDecryptionFailed)
	assert.Equal(t, "decrypt", errs.Reason(reset))
	assert.Equal(t, "no_session", errs.Reason(errs.ErrSenderKeyNotFound))
	assert.Equal(t, "not_member", errs.Reason(errs.ErrNotMember))
	assert.Equal(t, "group_full", errs.Reason(errs.ErrGroupFull))
	assert.Equal(t, "other", errs.Reason(errors.New("disk full")))
	assert.Equal(t, "ok", errs.Reason(nil))
}
