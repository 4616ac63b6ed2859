package prekey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"parley/internal/domain"
	"parley/internal/metrics"
	"parley/internal/protocol/identity"
	"parley/internal/protocol/prekey"
	"parley/internal/util/memzero"
)

// Config is the replenishment and rotation policy.
type Config struct {
	// PoolSize is the number of one-time prekeys kept available.
	PoolSize int
	// LowWatermark triggers replenishment back to PoolSize.
	LowWatermark int
	// SignedRotation is the maximum age of the signed prekey.
	SignedRotation time.Duration
	// PublishBatch is the number of bundles published at once.
	PublishBatch int
}

// Report describes what Maintain did.
type Report struct {
	Added     int
	Rotated   bool
	Published int
	Available int
}

// Service owns the local prekey pool: it persists it, keeps it topped up,
// rotates the signed prekey and publishes bundles to the directory. It also
// serves handshakes as an x3dh.PreKeySource, persisting every consumed
// one-time prekey and every answered base key before the handshake
// continues.
type Service struct {
	mu    sync.Mutex
	id    *identity.Identity
	store domain.PreKeyStore
	dir   domain.Directory
	cfg   Config
	opts  prekey.Options
	m     *metrics.Engine
	log   *zap.Logger
}

// New returns a prekey service for id. dir may be nil when bundles are
// distributed some other way.
func New(
	id *identity.Identity,
	store domain.PreKeyStore,
	dir domain.Directory,
	cfg Config,
	opts prekey.Options,
	m *metrics.Engine,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxOneTime <= 0 {
		opts.MaxOneTime = cfg.PoolSize
	}
	return &Service{id: id, store: store, dir: dir, cfg: cfg, opts: opts, m: m, log: log}
}

// Load attaches the stored pool to the identity. Without a stored pool the
// identity's own pool is kept, or a new one is generated, and saved.
func (s *Service) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok, err := s.store.LoadPreKeys()
	if err != nil {
		return fmt.Errorf("load prekeys: %w", err)
	}
	if ok {
		p, err := prekey.Restore(b, s.id, s.opts)
		if err != nil {
			return err
		}
		s.id.SetPool(p)
		s.m.SetOneTimePreKeys(p.Count())
		return nil
	}
	if s.id.Pool() == nil {
		p, err := prekey.New(s.id, s.cfg.PoolSize, s.opts)
		if err != nil {
			return err
		}
		s.id.SetPool(p)
	}
	return s.saveLocked()
}

// Save persists the pool.
func (s *Service) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Service) saveLocked() error {
	b, err := s.id.Pool().MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.store.SavePreKeys(b); err != nil {
		return fmt.Errorf("save prekeys: %w", err)
	}
	s.m.SetOneTimePreKeys(s.id.Pool().Count())
	return nil
}

// Count returns the number of one-time prekeys not yet handed out.
func (s *Service) Count() int { return s.id.Pool().Count() }

// Bundle hands out one bundle and persists the pool.
func (s *Service) Bundle() (domain.PreKeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.id.Bundle()
	return b, s.saveLocked()
}

// Publish hands out up to PublishBatch bundles and publishes them. With an
// empty pool a single bundle without a one-time prekey is published.
func (s *Service) Publish(ctx context.Context) (int, error) {
	if s.dir == nil {
		return 0, fmt.Errorf("no directory configured")
	}
	s.mu.Lock()
	n := min(s.cfg.PublishBatch, s.id.Pool().Count())
	n = max(n, 1)
	bundles := make([]domain.PreKeyBundle, n)
	for i := range bundles {
		bundles[i] = s.id.Bundle()
	}
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if err := s.dir.PublishBundles(ctx, bundles); err != nil {
		return 0, fmt.Errorf("publish bundles: %w", err)
	}
	s.log.Info("published prekey bundles", zap.Int("count", n))
	return n, nil
}

// Maintain replenishes the pool below the low watermark, rotates a signed
// prekey older than SignedRotation, prunes retired signed prekeys and
// republishes when anything changed.
func (s *Service) Maintain(ctx context.Context) (Report, error) {
	var r Report
	s.mu.Lock()
	pool := s.id.Pool()
	if have := pool.Count(); have < s.cfg.LowWatermark {
		added, err := pool.Replenish(s.cfg.PoolSize - have)
		if err != nil {
			s.mu.Unlock()
			return r, err
		}
		r.Added = added
	}
	if s.cfg.SignedRotation > 0 && pool.SignedPreKeyAge() >= s.cfg.SignedRotation {
		id, err := pool.RotateSignedPreKey()
		if err != nil {
			s.mu.Unlock()
			return r, err
		}
		r.Rotated = true
		s.log.Info("rotated signed prekey", zap.Uint32("id", uint32(id)))
	}
	pool.Prune()
	err := s.saveLocked()
	r.Available = pool.Count()
	s.mu.Unlock()
	if err != nil {
		return r, err
	}

	if (r.Added > 0 || r.Rotated) && s.dir != nil {
		n, err := s.Publish(ctx)
		if err != nil {
			return r, err
		}
		r.Published = n
		r.Available = s.Count()
	}
	return r, nil
}

// SignedPreKey returns a signed prekey private half for a handshake.
func (s *Service) SignedPreKey(id domain.PreKeyID) (domain.X25519Private, error) {
	return s.id.Pool().SignedPreKey(id)
}

// ConsumeOneTimePreKey removes a one-time prekey and persists the pool
// before returning it.
func (s *Service) ConsumeOneTimePreKey(id domain.PreKeyID) (domain.X25519Private, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	priv, err := s.id.Pool().ConsumeOneTimePreKey(id)
	if err != nil {
		return priv, err
	}
	if err := s.saveLocked(); err != nil {
		memzero.Zero(priv[:])
		return domain.X25519Private{}, err
	}
	return priv, nil
}

// HandshakeAnswered reports whether a handshake with base key base was
// accepted before.
func (s *Service) HandshakeAnswered(base domain.X25519Public) bool {
	return s.id.Pool().HandshakeAnswered(base)
}

// AcceptHandshake records the base key of an answered handshake and persists
// the pool before returning. A base key answered before fails with
// errs.ErrReplayedMessage.
func (s *Service) AcceptHandshake(base domain.X25519Public) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool := s.id.Pool()
	if err := pool.AcceptHandshake(base); err != nil {
		return err
	}
	if err := s.saveLocked(); err != nil {
		pool.ForgetHandshake(base)
		return err
	}
	return nil
}
