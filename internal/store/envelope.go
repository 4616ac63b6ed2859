package store

import (
	"fmt"

	"parley/internal/crypto"
	"parley/internal/errs"
)

// EnvelopeVersion is the leading byte of every sealed record.
const EnvelopeVersion = 1

const envelopeOverhead = 1 + crypto.NonceSize

// EncryptForStorage seals plaintext under key as
// version | nonce | ciphertext with a fresh random nonce.
func EncryptForStorage(key, plaintext []byte) ([]byte, error) {
	return EncryptRecord(key, "", plaintext)
}

// DecryptForStorage opens a blob written by EncryptForStorage.
func DecryptForStorage(key, blob []byte) ([]byte, error) {
	return DecryptRecord(key, "", blob)
}

// EncryptRecord is EncryptForStorage with label bound into the
// authenticated data. The blob opens only under the same label.
func EncryptRecord(key []byte, label string, plaintext []byte) ([]byte, error) {
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("storage key: %d bytes", len(key))
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, envelopeOverhead+len(plaintext)+16)
	out = append(out, EnvelopeVersion)
	out = append(out, nonce...)
	ct, err := crypto.Seal(key, nonce, plaintext, recordAD(label))
	if err != nil {
		return nil, err
	}
	return append(out, ct...), nil
}

// DecryptRecord opens a blob written by EncryptRecord under label.
func DecryptRecord(key []byte, label string, blob []byte) ([]byte, error) {
	if len(blob) < envelopeOverhead+16 {
		return nil, fmt.Errorf("storage envelope: %d bytes: %w", len(blob), errs.ErrMalformed)
	}
	if blob[0] != EnvelopeVersion {
		return nil, fmt.Errorf("storage envelope version %d: %w", blob[0], errs.ErrMalformed)
	}
	pt, err := crypto.Open(key, blob[1:envelopeOverhead], blob[envelopeOverhead:], recordAD(label))
	if err != nil {
		return nil, fmt.Errorf("storage envelope: %w", errs.ErrDecryptionFailed)
	}
	return pt, nil
}

func recordAD(label string) []byte {
	return append([]byte{EnvelopeVersion}, label...)
}
