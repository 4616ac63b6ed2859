package identity

import (
	"errors"
	"fmt"
	"unicode"

	"go.uber.org/zap"

	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/protocol/identity"
	"parley/internal/protocol/prekey"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)

	// ErrIdentityExists is returned by Create when an identity is already stored.
	ErrIdentityExists = errors.New("identity already exists")
)

// Service manages the lifecycle of the local identity using a backing store.
//
// The stored identity record contains:
//   - Ed25519 key pair for signing (signed prekeys, peer id).
//   - X25519 key pair for X3DH.
//   - The device-local storage key that seals every other record.
//
// The prekey pool is not part of the record; see the prekey service.
type Service struct {
	store domain.IdentityStore
	pool  prekey.Options
	log   *zap.Logger
}

// New returns an identity service backed by the given store.
func New(s domain.IdentityStore, pool prekey.Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, pool: pool, log: log}
}

// Create generates a new identity with poolSize one-time prekeys and saves it
// sealed under passphrase.
func (s *Service) Create(passphrase string, poolSize int) (*identity.Identity, error) {
	if !isSecurePassphrase(passphrase) {
		return nil, ErrWeakPassphrase
	}
	if _, err := s.store.LoadIdentity(passphrase); !errors.Is(err, errs.ErrNotFound) {
		return nil, ErrIdentityExists
	}

	id, err := identity.Generate(poolSize, s.pool)
	if err != nil {
		return nil, err
	}
	rec, err := id.MarshalBinary()
	if err != nil {
		id.Destroy()
		return nil, err
	}
	if err := s.store.SaveIdentity(passphrase, rec); err != nil {
		id.Destroy()
		return nil, fmt.Errorf("save identity: %w", err)
	}
	s.log.Info("identity created",
		zap.String("peer", string(id.PeerID())),
		zap.String("fingerprint", string(id.Fingerprint())),
	)
	return id, nil
}

// Unlock decrypts and returns the local identity. The caller attaches the
// prekey pool.
func (s *Service) Unlock(passphrase string) (*identity.Identity, error) {
	rec, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return nil, err
	}
	return identity.Restore(rec)
}

// Fingerprint returns the short fingerprint of the local identity keys.
func (s *Service) Fingerprint(passphrase string) (domain.Fingerprint, error) {
	id, err := s.Unlock(passphrase)
	if err != nil {
		return "", err
	}
	defer id.Destroy()
	return id.Fingerprint(), nil
}

// ChangePassphrase re-seals the identity under a new passphrase.
func (s *Service) ChangePassphrase(oldPass, newPass string) error {
	if !isSecurePassphrase(newPass) {
		return ErrWeakPassphrase
	}
	rec, err := s.store.LoadIdentity(oldPass)
	if err != nil {
		return err
	}
	return s.store.SaveIdentity(newPass, rec)
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}
