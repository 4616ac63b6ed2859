package session

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"parley/internal/domain"
	"parley/internal/protocol/identity"
	"parley/internal/protocol/ratchet"
)

const recordVersion = 1

// record is what the session store holds for one peer.
type record struct {
	Version        int                  `cbor:"1,keyasint"`
	Ratchet        []byte               `cbor:"2,keyasint"`
	RemoteIdentity domain.X25519Public  `cbor:"3,keyasint"`
	RemoteSigning  domain.Ed25519Public `cbor:"4,keyasint"`
	// Handshake is the X3DH header sent with every message until the peer
	// first replies.
	Handshake []byte `cbor:"5,keyasint,omitempty"`
	// BaseKey is the initiator's ephemeral key; it identifies the handshake
	// that created the session.
	BaseKey  domain.X25519Public `cbor:"6,keyasint"`
	Created  int64               `cbor:"7,keyasint"`
	LastUsed int64               `cbor:"8,keyasint"`
	Sent     uint64              `cbor:"9,keyasint"`
	Received uint64              `cbor:"10,keyasint"`
	Failures int                 `cbor:"11,keyasint"`
}

func (r *record) info(peer domain.PeerID) domain.SessionInfo {
	return domain.SessionInfo{
		Peer:           peer,
		RemoteIdentity: identity.FingerprintOf(r.RemoteIdentity, r.RemoteSigning),
		Created:        r.Created,
		LastUsed:       r.LastUsed,
		Sent:           r.Sent,
		Received:       r.Received,
		Failures:       r.Failures,
	}
}

func encodeRecord(r *record, sess *ratchet.Session) ([]byte, error) {
	raw, err := sess.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := *r
	out.Version = recordVersion
	out.Ratchet = raw
	return cbor.Marshal(out)
}

func decodeRecord(b []byte, opts ratchet.Options) (*record, *ratchet.Session, error) {
	var r record
	if err := cbor.Unmarshal(b, &r); err != nil {
		return nil, nil, fmt.Errorf("decode session record: %w", err)
	}
	if r.Version != recordVersion {
		return nil, nil, fmt.Errorf("unsupported session record version %d", r.Version)
	}
	sess, err := ratchet.Restore(r.Ratchet, opts)
	if err != nil {
		return nil, nil, err
	}
	r.Ratchet = nil
	return &r, sess, nil
}
