package senderkey

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"parley/internal/crypto"
	"parley/internal/domain"
	"parley/internal/errs"
)

const (
	Version       = 1
	HeaderSize    = 1 + 4 + 4
	SignatureSize = 64

	minMessageSize = HeaderSize + crypto.NonceSize + 16 + SignatureSize
)

// Header identifies the chain generation and position of a group message.
type Header struct {
	KeyID   uint32
	Counter uint32
}

// AppendBinary appends version | key_id | counter to b.
func (h Header) AppendBinary(b []byte) []byte {
	b = append(b, Version)
	b = binary.BigEndian.AppendUint32(b, h.KeyID)
	return binary.BigEndian.AppendUint32(b, h.Counter)
}

// Message is a parsed sender-key message.
type Message struct {
	Header     Header
	Nonce      []byte
	Ciphertext []byte
	Signature  []byte

	// signed covers everything before the signature.
	signed []byte
}

// ParseMessage splits raw into its parts without copying.
func ParseMessage(raw []byte) (Message, error) {
	if len(raw) < minMessageSize {
		return Message{}, fmt.Errorf("sender key message: %d bytes: %w", len(raw), errs.ErrMalformed)
	}
	if raw[0] != Version {
		return Message{}, fmt.Errorf("sender key message version %d: %w", raw[0], errs.ErrMalformed)
	}
	sigAt := len(raw) - SignatureSize
	return Message{
		Header: Header{
			KeyID:   binary.BigEndian.Uint32(raw[1:5]),
			Counter: binary.BigEndian.Uint32(raw[5:9]),
		},
		Nonce:      raw[HeaderSize : HeaderSize+crypto.NonceSize],
		Ciphertext: raw[HeaderSize+crypto.NonceSize : sigAt],
		Signature:  raw[sigAt:],
		signed:     raw[:sigAt],
	}, nil
}

// Distribution carries a sender's chain state to a group member. It must
// only travel inside a pairwise session.
type Distribution struct {
	Group      domain.GroupID       `cbor:"1,keyasint"`
	KeyID      uint32               `cbor:"2,keyasint"`
	Counter    uint32               `cbor:"3,keyasint"`
	ChainKey   []byte               `cbor:"4,keyasint"`
	SigningKey domain.Ed25519Public `cbor:"5,keyasint"`
}

func (d Distribution) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(d)
}

// ParseDistribution decodes a Distribution and checks its key sizes.
func ParseDistribution(b []byte) (Distribution, error) {
	var d Distribution
	if err := cbor.Unmarshal(b, &d); err != nil {
		return Distribution{}, fmt.Errorf("decode distribution: %v: %w", err, errs.ErrMalformed)
	}
	if d.Group == "" || len(d.ChainKey) != crypto.KeySize {
		return Distribution{}, fmt.Errorf("distribution fields: %w", errs.ErrMalformed)
	}
	return d, nil
}
