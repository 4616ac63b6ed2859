package ratchet

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"parley/internal/crypto"
	"parley/internal/domain"
	"parley/internal/errs"
)

// Version is the wire version of ratchet messages.
const Version = 1

// HeaderSize is the encoded header size. The encoded header is authenticated
// as associated data.
//
//	version(1) | ratchet_key(32) | prev_counter(4) | counter(4)
const HeaderSize = 1 + 32 + 4 + 4

// minMessageSize covers header, nonce and an empty ciphertext's tag.
const minMessageSize = HeaderSize + crypto.NonceSize + chacha20poly1305.Overhead

// Header is the cleartext part of a ratchet message.
type Header struct {
	RatchetKey  domain.X25519Public
	PrevCounter uint32
	Counter     uint32
}

// AppendBinary appends the encoded header to b.
func (h Header) AppendBinary(b []byte) []byte {
	b = append(b, Version)
	b = append(b, h.RatchetKey[:]...)
	b = binary.BigEndian.AppendUint32(b, h.PrevCounter)
	return binary.BigEndian.AppendUint32(b, h.Counter)
}

// Message is a decoded ratchet message.
type Message struct {
	Header     Header
	Nonce      []byte
	Ciphertext []byte
}

// MarshalBinary encodes m as header | nonce | ciphertext.
func (m Message) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, HeaderSize+len(m.Nonce)+len(m.Ciphertext))
	b = m.Header.AppendBinary(b)
	b = append(b, m.Nonce...)
	return append(b, m.Ciphertext...), nil
}

// ParseMessage decodes b. Slices in the result alias b.
func ParseMessage(b []byte) (Message, error) {
	if len(b) < minMessageSize {
		return Message{}, fmt.Errorf("ratchet message: %d bytes: %w", len(b), errs.ErrMalformed)
	}
	if b[0] != Version {
		return Message{}, fmt.Errorf("ratchet message version %d: %w", b[0], errs.ErrMalformed)
	}
	var m Message
	copy(m.Header.RatchetKey[:], b[1:33])
	m.Header.PrevCounter = binary.BigEndian.Uint32(b[33:37])
	m.Header.Counter = binary.BigEndian.Uint32(b[37:41])
	m.Nonce = b[HeaderSize : HeaderSize+crypto.NonceSize]
	m.Ciphertext = b[HeaderSize+crypto.NonceSize:]
	return m, nil
}
