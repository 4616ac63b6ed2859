package ratchet

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"parley/internal/domain"
)

const stateVersion = 1

type savedChain struct {
	Key []byte `cbor:"1,keyasint"`
	N   uint32 `cbor:"2,keyasint"`
}

type savedSkipped struct {
	ID messageID `cbor:"1,keyasint"`
	MK []byte    `cbor:"2,keyasint"`
}

type savedSession struct {
	Version  int                   `cbor:"1,keyasint"`
	AD       []byte                `cbor:"2,keyasint"`
	RootKey  []byte                `cbor:"3,keyasint"`
	DHsPriv  domain.X25519Private  `cbor:"4,keyasint"`
	DHsPub   domain.X25519Public   `cbor:"5,keyasint"`
	DHr      domain.X25519Public   `cbor:"6,keyasint"`
	Send     *savedChain           `cbor:"7,keyasint,omitempty"`
	Recv     *savedChain           `cbor:"8,keyasint,omitempty"`
	PN       uint32                `cbor:"9,keyasint"`
	Skipped  []savedSkipped        `cbor:"10,keyasint"`
	Retired  []domain.X25519Public `cbor:"11,keyasint"`
	Consumed []messageID           `cbor:"12,keyasint"`
}

func saveChain(c *chain) *savedChain {
	if c == nil {
		return nil
	}
	return &savedChain{Key: c.Key, N: c.N}
}

func loadChain(c *savedChain) *chain {
	if c == nil {
		return nil
	}
	return &chain{Key: append([]byte(nil), c.Key...), N: c.N}
}

// MarshalBinary serializes the full session state, skipped keys included.
// Persist the result only inside a storage envelope.
func (s *Session) MarshalBinary() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := savedSession{
		Version: stateVersion,
		AD:      s.ad,
		RootKey: s.st.rootKey,
		DHsPriv: s.st.dhsPriv,
		DHsPub:  s.st.dhsPub,
		DHr:     s.st.dhr,
		Send:    saveChain(s.st.send),
		Recv:    saveChain(s.st.recv),
		PN:      s.st.pn,
		Retired: s.retired,
	}
	// Keys() is oldest first, so restoring in order keeps eviction order.
	for _, id := range s.skipped.Keys() {
		if mk, ok := s.skipped.Peek(id); ok {
			saved.Skipped = append(saved.Skipped, savedSkipped{ID: id, MK: mk})
		}
	}
	saved.Consumed = s.consumed.Keys()
	return cbor.Marshal(saved)
}

// Restore rebuilds a session from MarshalBinary output.
func Restore(b []byte, opts Options) (*Session, error) {
	var saved savedSession
	if err := cbor.Unmarshal(b, &saved); err != nil {
		return nil, fmt.Errorf("decode ratchet session: %w", err)
	}
	if saved.Version != stateVersion {
		return nil, fmt.Errorf("unsupported ratchet session version %d", saved.Version)
	}
	s, err := newSession(saved.AD, &state{
		rootKey: append([]byte(nil), saved.RootKey...),
		dhsPriv: saved.DHsPriv,
		dhsPub:  saved.DHsPub,
		dhr:     saved.DHr,
		send:    loadChain(saved.Send),
		recv:    loadChain(saved.Recv),
		pn:      saved.PN,
	}, opts)
	if err != nil {
		return nil, err
	}
	for _, k := range saved.Skipped {
		s.skipped.Add(k.ID, append([]byte(nil), k.MK...))
	}
	for _, id := range saved.Consumed {
		s.consumed.Add(id, struct{}{})
	}
	s.retired = append(s.retired, saved.Retired...)
	return s, nil
}

// Clone returns an independent copy of the session.
func (s *Session) Clone() (*Session, error) {
	b, err := s.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Restore(b, s.opts)
}
