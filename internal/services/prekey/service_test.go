package prekey_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/protocol/identity"
	"parley/internal/protocol/prekey"
	"parley/internal/relay"
	prekeysvc "parley/internal/services/prekey"
	"parley/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var cfg = prekeysvc.Config{
	PoolSize:       10,
	LowWatermark:   4,
	SignedRotation: 7 * 24 * time.Hour,
	PublishBatch:   3,
}

type fixture struct {
	id    *identity.Identity
	store *store.MemoryStore
	hub   *relay.Hub
	clock *clock
	svc   *prekeysvc.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	opts := prekey.Options{Now: c.Now}
	id, err := identity.Generate(cfg.PoolSize, opts)
	require.NoError(t, err)
	t.Cleanup(id.Destroy)

	f := &fixture{id: id, store: store.NewMemoryStore(), hub: relay.NewHub(), clock: c}
	f.svc = prekeysvc.New(id, f.store, f.hub, cfg, opts, nil, zaptest.NewLogger(t))
	require.NoError(t, f.svc.Load())
	return f
}

func TestLoadPersistsFreshPool(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, ok, err := f.store.LoadPreKeys()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cfg.PoolSize, f.svc.Count())
}

func TestPublishHandsOutBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	n, err := f.svc.Publish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.PublishBatch, n)
	assert.Equal(t, cfg.PublishBatch, f.hub.Available(f.id.PeerID()))
	assert.Equal(t, cfg.PoolSize-cfg.PublishBatch, f.svc.Count())

	b, err := f.hub.FetchBundle(context.Background(), f.id.PeerID())
	require.NoError(t, err)
	require.NotNil(t, b.OneTimePreKey)
	require.NoError(t, identity.VerifyBundle(b))
}

func TestMaintainReplenishesBelowWatermark(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.Maintain(ctx)
	require.NoError(t, err)
	assert.Zero(t, r.Added)
	assert.False(t, r.Rotated)
	assert.Zero(t, r.Published)

	for f.svc.Count() >= cfg.LowWatermark {
		_, err := f.svc.Publish(ctx)
		require.NoError(t, err)
	}
	low := f.svc.Count()

	r, err = f.svc.Maintain(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.PoolSize-low, r.Added)
	assert.Equal(t, cfg.PublishBatch, r.Published)
	assert.Equal(t, cfg.PoolSize-cfg.PublishBatch, r.Available)
}

func TestMaintainRotatesSignedPreKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	before := f.id.Pool().Bundle().SignedPreKeyID

	f.clock.Add(cfg.SignedRotation)
	r, err := f.svc.Maintain(ctx)
	require.NoError(t, err)
	assert.True(t, r.Rotated)
	assert.Positive(t, r.Published)

	b, err := f.hub.FetchBundle(ctx, f.id.PeerID())
	require.NoError(t, err)
	assert.Greater(t, b.SignedPreKeyID, before)

	// The retired key still answers during the grace period.
	_, err = f.svc.SignedPreKey(before)
	require.NoError(t, err)
	f.clock.Add(prekey.DefaultSignedGrace + time.Second)
	_, err = f.svc.Maintain(ctx)
	require.NoError(t, err)
	_, err = f.svc.SignedPreKey(before)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestConsumeIsDurable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	b, err := f.svc.Bundle()
	require.NoError(t, err)
	require.NotNil(t, b.OneTimePreKey)

	_, err = f.svc.ConsumeOneTimePreKey(b.OneTimePreKey.ID)
	require.NoError(t, err)
	_, err = f.svc.ConsumeOneTimePreKey(b.OneTimePreKey.ID)
	assert.ErrorIs(t, err, errs.ErrUnknownOneTimePreKey)

	// A restart from the store must not resurrect the consumed key.
	restarted := prekeysvc.New(f.id, f.store, f.hub, cfg, prekey.Options{Now: f.clock.Now}, nil, zaptest.NewLogger(t))
	require.NoError(t, restarted.Load())
	_, err = restarted.ConsumeOneTimePreKey(b.OneTimePreKey.ID)
	assert.ErrorIs(t, err, errs.ErrUnknownOneTimePreKey)
}

func TestPublishWithoutDirectory(t *testing.T) {
	t.Parallel()

	id, err := identity.Generate(1, prekey.Options{})
	require.NoError(t, err)
	svc := prekeysvc.New(id, store.NewMemoryStore(), nil, cfg, prekey.Options{}, nil, nil)
	require.NoError(t, svc.Load())
	_, err = svc.Publish(context.Background())
	assert.Error(t, err)
}

func TestAnsweredHandshakeIsDurable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	base := domain.X25519Public{7}
	require.NoError(t, f.svc.AcceptHandshake(base))
	assert.ErrorIs(t, f.svc.AcceptHandshake(base), errs.ErrReplayedMessage)

	restarted := prekeysvc.New(f.id, f.store, f.hub, cfg, prekey.Options{Now: f.clock.Now}, nil, zaptest.NewLogger(t))
	require.NoError(t, restarted.Load())
	assert.True(t, restarted.HandshakeAnswered(base))
	assert.ErrorIs(t, restarted.AcceptHandshake(base), errs.ErrReplayedMessage)
}
