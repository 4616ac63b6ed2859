package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"parley/internal/domain"
	"parley/internal/errs"
)

const (
	idFilename      = "identity.json.enc"
	prekeysFilename = "prekeys.rec"
	sessionsDir     = "sessions"
	groupsDir       = "groups"
)

// FileStore keeps every record as its own file under dir. Writes go through
// a temp file and rename so a crash never leaves a torn record.
type FileStore struct {
	dir string
	kdf ScryptParams
	mu  sync.Mutex
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, kdf: DefaultScryptParams}
}

// WithScryptParams overrides the passphrase KDF cost for new identities.
func (s *FileStore) WithScryptParams(p ScryptParams) *FileStore {
	s.kdf = p
	return s
}

// ---------- Identity ----------

// SaveIdentity seals record under passphrase and writes it to disk.
func (s *FileStore) SaveIdentity(passphrase string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := sealWithPassphrase(passphrase, record, s.kdf)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, idFilename), b, 0o600)
}

// LoadIdentity reads and unseals the identity record.
func (s *FileStore) LoadIdentity(passphrase string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok, err := readFile(filepath.Join(s.dir, idFilename))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("identity in %s: %w", s.dir, errs.ErrNotFound)
	}
	return openWithPassphrase(passphrase, b)
}

// HasIdentity reports whether an identity file exists.
func (s *FileStore) HasIdentity() bool {
	_, err := os.Stat(filepath.Join(s.dir, idFilename))
	return err == nil
}

// ---------- Prekeys ----------

func (s *FileStore) SavePreKeys(record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFile(filepath.Join(s.dir, prekeysFilename), record, 0o600)
}

func (s *FileStore) LoadPreKeys() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readFile(filepath.Join(s.dir, prekeysFilename))
}

// ---------- Sessions ----------

func (s *FileStore) SaveSession(peer domain.PeerID, record []byte) error {
	return s.put(sessionsDir, string(peer), record)
}

func (s *FileStore) LoadSession(peer domain.PeerID) ([]byte, bool, error) {
	return s.get(sessionsDir, string(peer))
}

func (s *FileStore) DeleteSession(peer domain.PeerID) error {
	return s.del(sessionsDir, string(peer))
}

func (s *FileStore) ListSessions() ([]domain.PeerID, error) {
	keys, err := s.list(sessionsDir)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PeerID, len(keys))
	for i, k := range keys {
		out[i] = domain.PeerID(k)
	}
	return out, nil
}

// ---------- Groups ----------

func (s *FileStore) SaveGroup(group domain.GroupID, record []byte) error {
	return s.put(groupsDir, string(group), record)
}

func (s *FileStore) LoadGroup(group domain.GroupID) ([]byte, bool, error) {
	return s.get(groupsDir, string(group))
}

func (s *FileStore) DeleteGroup(group domain.GroupID) error {
	return s.del(groupsDir, string(group))
}

func (s *FileStore) ListGroups() ([]domain.GroupID, error) {
	keys, err := s.list(groupsDir)
	if err != nil {
		return nil, err
	}
	out := make([]domain.GroupID, len(keys))
	for i, k := range keys {
		out[i] = domain.GroupID(k)
	}
	return out, nil
}

// ---------- helpers ----------

func (s *FileStore) put(kind, key string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFile(filepath.Join(s.dir, kind, recordName(key)), record, 0o600)
}

func (s *FileStore) get(kind, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readFile(filepath.Join(s.dir, kind, recordName(key)))
}

func (s *FileStore) del(kind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeFile(filepath.Join(s.dir, kind, recordName(key)))
}

func (s *FileStore) list(kind string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listRecords(filepath.Join(s.dir, kind))
}

// Compile-time assertions that FileStore implements the domain stores.
var (
	_ domain.IdentityStore = (*FileStore)(nil)
	_ domain.PreKeyStore   = (*FileStore)(nil)
	_ domain.SessionStore  = (*FileStore)(nil)
	_ domain.GroupStore    = (*FileStore)(nil)
)
