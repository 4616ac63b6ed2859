package store

import (
	"fmt"

	"parley/internal/domain"
	"parley/internal/util/memzero"
)

// Backend is the set of record stores Sealed wraps.
type Backend interface {
	domain.PreKeyStore
	domain.SessionStore
	domain.GroupStore
}

// Sealed encrypts every record with the storage key before it reaches the
// backend. Session keys, chain keys and private prekeys never touch the
// backend in the clear. Each record is bound to its kind and id, so a
// record moved to another slot in the backend fails to open.
type Sealed struct {
	inner Backend
	key   []byte
}

// NewSealed wraps inner. key is copied and must be 32 bytes.
func NewSealed(inner Backend, key []byte) *Sealed {
	return &Sealed{inner: inner, key: append([]byte(nil), key...)}
}

// Close wipes the storage key.
func (s *Sealed) Close() { memzero.Zero(s.key) }

const (
	labelPreKeys = "prekeys"
	labelSession = "session/"
	labelGroup   = "group/"
)

func (s *Sealed) seal(label string, record []byte) ([]byte, error) {
	return EncryptRecord(s.key, label, record)
}

func (s *Sealed) open(label string, b []byte, ok bool, err error) ([]byte, bool, error) {
	if err != nil || !ok {
		return nil, ok, err
	}
	pt, err := DecryptRecord(s.key, label, b)
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", label, err)
	}
	return pt, true, nil
}

func (s *Sealed) SavePreKeys(record []byte) error {
	b, err := s.seal(labelPreKeys, record)
	if err != nil {
		return err
	}
	return s.inner.SavePreKeys(b)
}

func (s *Sealed) LoadPreKeys() ([]byte, bool, error) {
	b, ok, err := s.inner.LoadPreKeys()
	return s.open(labelPreKeys, b, ok, err)
}

func (s *Sealed) SaveSession(peer domain.PeerID, record []byte) error {
	b, err := s.seal(labelSession+string(peer), record)
	if err != nil {
		return err
	}
	return s.inner.SaveSession(peer, b)
}

func (s *Sealed) LoadSession(peer domain.PeerID) ([]byte, bool, error) {
	b, ok, err := s.inner.LoadSession(peer)
	return s.open(labelSession+string(peer), b, ok, err)
}

func (s *Sealed) DeleteSession(peer domain.PeerID) error { return s.inner.DeleteSession(peer) }

func (s *Sealed) ListSessions() ([]domain.PeerID, error) { return s.inner.ListSessions() }

func (s *Sealed) SaveGroup(group domain.GroupID, record []byte) error {
	b, err := s.seal(labelGroup+string(group), record)
	if err != nil {
		return err
	}
	return s.inner.SaveGroup(group, b)
}

func (s *Sealed) LoadGroup(group domain.GroupID) ([]byte, bool, error) {
	b, ok, err := s.inner.LoadGroup(group)
	return s.open(labelGroup+string(group), b, ok, err)
}

func (s *Sealed) DeleteGroup(group domain.GroupID) error { return s.inner.DeleteGroup(group) }

func (s *Sealed) ListGroups() ([]domain.GroupID, error) { return s.inner.ListGroups() }

var _ Backend = (*Sealed)(nil)
