package x3dh

import (
	"encoding/binary"
	"fmt"

	"parley/internal/domain"
	"parley/internal/errs"
)

// HeaderSize is the encoded size of a Header.
//
//	identity_dh(32) | identity_sign(32) | ephemeral(32) | spk_id(4) | flags(1) | opk_id(4)
const HeaderSize = 32 + 32 + 32 + 4 + 1 + 4

const flagOneTimePreKey = 0x01

// Header travels in front of the initiator's first message.
type Header struct {
	IdentityKey      domain.X25519Public
	SigningKey       domain.Ed25519Public
	EphemeralKey     domain.X25519Public
	SignedPreKeyID   domain.PreKeyID
	HasOneTimePreKey bool
	OneTimePreKeyID  domain.PreKeyID
}

// AppendBinary appends the fixed-size encoding of h to b.
func (h Header) AppendBinary(b []byte) []byte {
	b = append(b, h.IdentityKey[:]...)
	b = append(b, h.SigningKey[:]...)
	b = append(b, h.EphemeralKey[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(h.SignedPreKeyID))
	var flags byte
	if h.HasOneTimePreKey {
		flags |= flagOneTimePreKey
	}
	b = append(b, flags)
	return binary.BigEndian.AppendUint32(b, uint32(h.OneTimePreKeyID))
}

// ParseHeader decodes a header from the front of b and returns the rest.
func ParseHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, fmt.Errorf("x3dh header: %d bytes: %w", len(b), errs.ErrMalformed)
	}
	var h Header
	copy(h.IdentityKey[:], b[0:32])
	copy(h.SigningKey[:], b[32:64])
	copy(h.EphemeralKey[:], b[64:96])
	h.SignedPreKeyID = domain.PreKeyID(binary.BigEndian.Uint32(b[96:100]))
	flags := b[100]
	if flags&^flagOneTimePreKey != 0 {
		return Header{}, nil, fmt.Errorf("x3dh header flags %#x: %w", flags, errs.ErrMalformed)
	}
	h.HasOneTimePreKey = flags&flagOneTimePreKey != 0
	h.OneTimePreKeyID = domain.PreKeyID(binary.BigEndian.Uint32(b[101:105]))
	return h, b[HeaderSize:], nil
}
