package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"parley/internal/crypto"
	"parley/internal/util/memzero"
)

// keystoreFormatVersion is the passphrase blob version written to disk.
const keystoreFormatVersion = 1

// ErrWrongPassphrase is returned when the passphrase is wrong or the sealed
// identity was modified.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted identity")

// blob is the on-disk JSON structure holding the KDF parameters and a
// storage envelope sealed under the derived key.
type blob struct {
	V        int    `json:"v"`
	Salt     []byte `json:"salt"`
	N        int    `json:"scrypt_N"`
	R        int    `json:"scrypt_r"`
	P        int    `json:"scrypt_p"`
	Envelope []byte `json:"envelope"`
}

// ScryptParams tunes passphrase key derivation.
type ScryptParams struct {
	N, R, P int
}

// DefaultScryptParams are used for identities written by this package.
var DefaultScryptParams = ScryptParams{N: 1 << 15, R: 8, P: 1}

// sealWithPassphrase derives a key from passphrase and seals raw.
func sealWithPassphrase(passphrase string, raw []byte, kdf ScryptParams) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt[:], kdf.N, kdf.R, kdf.P, crypto.KeySize)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	env, err := EncryptForStorage(key, raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(blob{
		V:        keystoreFormatVersion,
		Salt:     salt[:],
		N:        kdf.N,
		R:        kdf.R,
		P:        kdf.P,
		Envelope: env,
	})
}

// openWithPassphrase opens a blob written by sealWithPassphrase.
func openWithPassphrase(passphrase string, b []byte) ([]byte, error) {
	var bl blob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, fmt.Errorf("decode keystore: %w", err)
	}
	if bl.V != keystoreFormatVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", bl.V)
	}
	key, err := scrypt.Key([]byte(passphrase), bl.Salt, bl.N, bl.R, bl.P, crypto.KeySize)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	pt, err := DecryptForStorage(key, bl.Envelope)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}
