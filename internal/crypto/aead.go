package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the XChaCha20-Poly1305 nonce size. Nonces are random.
const NonceSize = chacha20poly1305.NonceSizeX

// ErrAuth is returned when a ciphertext fails authentication.
var ErrAuth = errors.New("aead: authentication failed")

// NewNonce returns a fresh random nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Seal encrypts plaintext under key with XChaCha20-Poly1305.
func Seal(key, nonce, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open authenticates and decrypts ciphertext. Any failure is ErrAuth.
func Open(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrAuth
	}
	if len(nonce) != NonceSize {
		return nil, ErrAuth
	}
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrAuth
	}
	return pt, nil
}
