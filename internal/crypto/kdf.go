package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"parley/internal/util/memzero"
)

// KeySize is the size of root, chain and message keys.
const KeySize = 32

// HKDF info labels. Changing any of them breaks compatibility with stored
// sessions and peers.
const (
	InfoX3DH           = "parley/x3dh/v1"
	InfoRatchetRoot    = "parley/ratchet/root/v1"
	InfoRatchetChain   = "parley/ratchet/chain/v1"
	InfoSenderKeyChain = "parley/senderkey/chain/v1"
)

// DeriveSharedSecret runs the X3DH KDF over the concatenated DH outputs.
// The input is prefixed with 32 0xFF bytes and the salt is all zeros.
func DeriveSharedSecret(dhs []byte) []byte {
	ikm := make([]byte, 0, KeySize+len(dhs))
	for i := 0; i < KeySize; i++ {
		ikm = append(ikm, 0xFF)
	}
	ikm = append(ikm, dhs...)
	out := expand(ikm, make([]byte, sha256.Size), InfoX3DH, KeySize)
	memzero.Zero(ikm)
	return out[0]
}

// KDFRoot advances the root key with a fresh DH output, returning the next
// root key and a new chain key.
func KDFRoot(rk, dh []byte) (newRK, ck []byte) {
	out := expand(dh, rk, InfoRatchetRoot, KeySize, KeySize)
	return out[0], out[1]
}

// KDFChain advances a symmetric chain, returning the next chain key and the
// message key for the current step. info separates independent chain types.
func KDFChain(ck []byte, info string) (nextCK, mk []byte) {
	out := expand(ck, nil, info, KeySize, KeySize)
	return out[0], out[1]
}

func expand(ikm, salt []byte, info string, sizes ...int) [][]byte {
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([][]byte, len(sizes))
	for i, n := range sizes {
		out[i] = make([]byte, n)
		// HKDF-SHA256 yields up to 8160 bytes; reads here cannot fail.
		_, _ = io.ReadFull(r, out[i])
	}
	return out
}
