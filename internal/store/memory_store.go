package store

import (
	"fmt"
	"sort"
	"sync"

	"parley/internal/domain"
	"parley/internal/errs"
)

// MemoryStore keeps records in process memory. Identities are still sealed
// under the passphrase.
type MemoryStore struct {
	mu       sync.RWMutex
	kdf      ScryptParams
	identity []byte
	prekeys  []byte
	sessions map[domain.PeerID][]byte
	groups   map[domain.GroupID][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kdf:      DefaultScryptParams,
		sessions: make(map[domain.PeerID][]byte),
		groups:   make(map[domain.GroupID][]byte),
	}
}

// WithScryptParams overrides the passphrase KDF cost.
func (s *MemoryStore) WithScryptParams(p ScryptParams) *MemoryStore {
	s.kdf = p
	return s
}

func (s *MemoryStore) SaveIdentity(passphrase string, record []byte) error {
	b, err := sealWithPassphrase(passphrase, record, s.kdf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.identity = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadIdentity(passphrase string) ([]byte, error) {
	s.mu.RLock()
	b := s.identity
	s.mu.RUnlock()
	if b == nil {
		return nil, fmt.Errorf("identity: %w", errs.ErrNotFound)
	}
	return openWithPassphrase(passphrase, b)
}

func (s *MemoryStore) SavePreKeys(record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prekeys = clone(record)
	return nil
}

func (s *MemoryStore) LoadPreKeys() ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.prekeys), s.prekeys != nil, nil
}

func (s *MemoryStore) SaveSession(peer domain.PeerID, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[peer] = clone(record)
	return nil
}

func (s *MemoryStore) LoadSession(peer domain.PeerID) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.sessions[peer]
	return clone(b), ok, nil
}

func (s *MemoryStore) DeleteSession(peer domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, peer)
	return nil
}

func (s *MemoryStore) ListSessions() ([]domain.PeerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(s.sessions))
	for p := range s.sessions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) SaveGroup(group domain.GroupID, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group] = clone(record)
	return nil
}

func (s *MemoryStore) LoadGroup(group domain.GroupID) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.groups[group]
	return clone(b), ok, nil
}

func (s *MemoryStore) DeleteGroup(group domain.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, group)
	return nil
}

func (s *MemoryStore) ListGroups() ([]domain.GroupID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.GroupID, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

var (
	_ domain.IdentityStore = (*MemoryStore)(nil)
	_ domain.PreKeyStore   = (*MemoryStore)(nil)
	_ domain.SessionStore  = (*MemoryStore)(nil)
	_ domain.GroupStore    = (*MemoryStore)(nil)
)
