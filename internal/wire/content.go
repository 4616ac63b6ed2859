package wire

import (
	"fmt"

	"parley/internal/errs"
)

// ContentType tags plaintext carried inside a pairwise session.
type ContentType byte

const (
	ContentApplication  ContentType = 1
	ContentDistribution ContentType = 2
)

// Content prefixes body with its type.
func Content(t ContentType, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(t))
	return append(out, body...)
}

// ParseContent splits a pairwise plaintext into type and body.
func ParseContent(b []byte) (ContentType, []byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("empty content: %w", errs.ErrMalformed)
	}
	t := ContentType(b[0])
	if t != ContentApplication && t != ContentDistribution {
		return 0, nil, fmt.Errorf("content type %d: %w", b[0], errs.ErrMalformed)
	}
	return t, b[1:], nil
}
