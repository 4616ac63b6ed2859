package domain

import (
	"encoding/base64"
	"fmt"
)

// ------------- X25519 -------------

type X25519Private [32]byte
type X25519Public [32]byte

// IsZero reports whether the key is unset.
func (k X25519Public) IsZero() bool { return k == X25519Public{} }

func (k X25519Public) MarshalText() ([]byte, error) { return marshalKey(k[:]) }

func (k *X25519Public) UnmarshalText(b []byte) error { return unmarshalKey(k[:], b, "X25519 public") }

// ------------- Ed25519 -------------

type Ed25519Private [64]byte
type Ed25519Public [32]byte

func (k Ed25519Public) MarshalText() ([]byte, error) { return marshalKey(k[:]) }

func (k *Ed25519Public) UnmarshalText(b []byte) error {
	return unmarshalKey(k[:], b, "Ed25519 public")
}

// Public keys travel as standard base64 in JSON.
func marshalKey(k []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(k)))
	base64.StdEncoding.Encode(out, k)
	return out, nil
}

func unmarshalKey(dst, text []byte, what string) error {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(raw, text)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n != len(dst) {
		return fmt.Errorf("%s: want %d bytes, got %d", what, len(dst), n)
	}
	copy(dst, raw[:n])
	return nil
}
