package senderkey

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"parley/internal/domain"
)

const stateVersion = 1

type savedSkipped struct {
	N  uint32 `cbor:"1,keyasint"`
	MK []byte `cbor:"2,keyasint"`
}

type savedState struct {
	Version  int                    `cbor:"1,keyasint"`
	Group    domain.GroupID         `cbor:"2,keyasint"`
	Sender   domain.PeerID          `cbor:"3,keyasint"`
	KeyID    uint32                 `cbor:"4,keyasint"`
	ChainKey []byte                 `cbor:"5,keyasint"`
	N        uint32                 `cbor:"6,keyasint"`
	SignPriv *domain.Ed25519Private `cbor:"7,keyasint,omitempty"`
	SignPub  domain.Ed25519Public   `cbor:"8,keyasint"`
	Skipped  []savedSkipped         `cbor:"9,keyasint"`
	Consumed []uint32               `cbor:"10,keyasint"`
}

// MarshalBinary serializes the state, signing key included when present.
// Persist the result only inside a storage envelope.
func (s *State) MarshalBinary() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := savedState{
		Version:  stateVersion,
		Group:    s.group,
		Sender:   s.sender,
		KeyID:    s.keyID,
		ChainKey: s.chainKey,
		N:        s.n,
		SignPriv: s.signPriv,
		SignPub:  s.signPub,
		Consumed: s.consumed.Keys(),
	}
	for _, n := range s.skipped.Keys() {
		if mk, ok := s.skipped.Peek(n); ok {
			saved.Skipped = append(saved.Skipped, savedSkipped{N: n, MK: mk})
		}
	}
	return cbor.Marshal(saved)
}

// Restore rebuilds a State from MarshalBinary output.
func Restore(b []byte, opts Options) (*State, error) {
	var saved savedState
	if err := cbor.Unmarshal(b, &saved); err != nil {
		return nil, fmt.Errorf("decode sender key state: %w", err)
	}
	if saved.Version != stateVersion {
		return nil, fmt.Errorf("unsupported sender key state version %d", saved.Version)
	}
	s, err := newState(opts)
	if err != nil {
		return nil, err
	}
	s.group, s.sender, s.keyID = saved.Group, saved.Sender, saved.KeyID
	s.chainKey = append([]byte(nil), saved.ChainKey...)
	s.n = saved.N
	s.signPriv = saved.SignPriv
	s.signPub = saved.SignPub
	for _, k := range saved.Skipped {
		s.skipped.Add(k.N, append([]byte(nil), k.MK...))
	}
	for _, n := range saved.Consumed {
		s.consumed.Add(n, struct{}{})
	}
	return s, nil
}

// Clone returns an independent copy of the state.
func (s *State) Clone() (*State, error) {
	b, err := s.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Restore(b, s.opts)
}
