package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"

	"parley/internal/domain"
	"parley/internal/util/memzero"
)

// ErrLowOrderPoint is returned when a Diffie-Hellman output is all zeros.
var ErrLowOrderPoint = errors.New("x25519: low order point")

// GenerateX25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateX25519() (priv domain.X25519Private, pub domain.X25519Public, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	clamp(&priv)
	pub, err = PublicX25519(priv)
	return
}

// PublicX25519 derives the public key of priv.
func PublicX25519(priv domain.X25519Private) (pub domain.X25519Public, err error) {
	pb, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], pb)
	memzero.Zero(pb)
	return pub, nil
}

// DH computes X25519 Diffie-Hellman. Callers wipe the result when done.
func DH(priv domain.X25519Private, pub domain.X25519Public) (out [32]byte, err error) {
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, ErrLowOrderPoint
	}
	copy(out[:], secret)
	memzero.Zero(secret)
	return out, nil
}

// WipeX25519 zeroes a private key in place.
func WipeX25519(k *domain.X25519Private) { memzero.Zero(k[:]) }

func clamp(k *domain.X25519Private) {
	kb := k[:]
	kb[0] &= 248
	kb[31] &= 127
	kb[31] |= 64
}
