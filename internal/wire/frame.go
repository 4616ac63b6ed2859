package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/protocol/x3dh"
)

// Kind tags the body of a peer envelope payload.
type Kind byte

const (
	KindPreKey  Kind = 1 // x3dh header ‖ ratchet message
	KindRatchet Kind = 2
	KindGroup   Kind = 3 // len16 group | group | len16 sender | sender | sender-key message
)

func (k Kind) String() string {
	switch k {
	case KindPreKey:
		return "prekey"
	case KindRatchet:
		return "ratchet"
	case KindGroup:
		return "group"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Frame is a decoded envelope payload. Header is set for KindPreKey; Group
// and Sender for KindGroup. Body aliases the input.
type Frame struct {
	Kind   Kind
	Header x3dh.Header
	Group  domain.GroupID
	Sender domain.PeerID
	Body   []byte
}

// PreKey frames the first message of a new session.
func PreKey(h x3dh.Header, msg []byte) []byte {
	out := make([]byte, 0, 1+x3dh.HeaderSize+len(msg))
	out = append(out, byte(KindPreKey))
	out = h.AppendBinary(out)
	return append(out, msg...)
}

// Ratchet frames a message on an established session.
func Ratchet(msg []byte) []byte {
	out := make([]byte, 0, 1+len(msg))
	out = append(out, byte(KindRatchet))
	return append(out, msg...)
}

// Group frames a sender-key message.
func Group(group domain.GroupID, sender domain.PeerID, msg []byte) ([]byte, error) {
	if len(group) > math.MaxUint16 || len(sender) > math.MaxUint16 {
		return nil, fmt.Errorf("group frame: identifier too long")
	}
	out := make([]byte, 0, 5+len(group)+len(sender)+len(msg))
	out = append(out, byte(KindGroup))
	out = binary.BigEndian.AppendUint16(out, uint16(len(group)))
	out = append(out, group...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sender)))
	out = append(out, sender...)
	return append(out, msg...), nil
}

// Decode parses an envelope payload.
func Decode(b []byte) (Frame, error) {
	if len(b) < 2 {
		return Frame{}, fmt.Errorf("frame: %d bytes: %w", len(b), errs.ErrMalformed)
	}
	f := Frame{Kind: Kind(b[0])}
	rest := b[1:]
	switch f.Kind {
	case KindPreKey:
		h, body, err := x3dh.ParseHeader(rest)
		if err != nil {
			return Frame{}, err
		}
		f.Header, f.Body = h, body
	case KindRatchet:
		f.Body = rest
	case KindGroup:
		group, rest, err := readString(rest)
		if err != nil {
			return Frame{}, err
		}
		sender, rest, err := readString(rest)
		if err != nil {
			return Frame{}, err
		}
		f.Group, f.Sender, f.Body = domain.GroupID(group), domain.PeerID(sender), rest
	default:
		return Frame{}, fmt.Errorf("frame %s: %w", f.Kind, errs.ErrMalformed)
	}
	return f, nil
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("frame string length: %w", errs.ErrMalformed)
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, fmt.Errorf("frame string: want %d bytes: %w", n, errs.ErrMalformed)
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}
