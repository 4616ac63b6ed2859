package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/protocol/identity"
)

// DefaultFetchLimit caps Fetch when the caller passes no limit.
const DefaultFetchLimit = 100

type directoryEntry struct {
	base    domain.PreKeyBundle
	pending []domain.PreKeyBundle
}

// Hub is an in-memory prekey directory and store-and-forward queue. It hands
// out each published one-time prekey at most once and falls back to the
// signed prekey alone when none are left.
//
// Hub is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	bundles map[domain.PeerID]*directoryEntry
	queues  map[domain.PeerID][]domain.Envelope
	now     func() time.Time

	// OnQueue, when set, observes changes to the number of queued envelopes.
	OnQueue func(delta int)
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		bundles: make(map[domain.PeerID]*directoryEntry),
		queues:  make(map[domain.PeerID][]domain.Envelope),
		now:     time.Now,
	}
}

// PublishBundles verifies and stores bundles. Bundles whose signature or
// peer id does not check out are rejected as a whole.
func (h *Hub) PublishBundles(_ context.Context, bundles []domain.PreKeyBundle) error {
	for i, b := range bundles {
		if b.PeerID == "" {
			return fmt.Errorf("bundle %d: missing peer id: %w", i, errs.ErrInvalidBundle)
		}
		if err := identity.VerifyBundle(b); err != nil {
			return fmt.Errorf("bundle %d: %w", i, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range bundles {
		e, ok := h.bundles[b.PeerID]
		if !ok {
			e = &directoryEntry{}
			h.bundles[b.PeerID] = e
		}
		base := b
		base.OneTimePreKey = nil
		if e.base.PeerID == "" || b.SignedPreKeyID >= e.base.SignedPreKeyID {
			e.base = base
		}
		if b.OneTimePreKey != nil && !e.hasOneTime(b.OneTimePreKey.ID) {
			e.pending = append(e.pending, b)
		}
	}
	return nil
}

func (e *directoryEntry) hasOneTime(id domain.PreKeyID) bool {
	for _, p := range e.pending {
		if p.OneTimePreKey.ID == id {
			return true
		}
	}
	return false
}

// FetchBundle hands out one bundle for peer, removing its one-time prekey
// from the directory.
func (h *Hub) FetchBundle(_ context.Context, peer domain.PeerID) (domain.PreKeyBundle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.bundles[peer]
	if !ok {
		return domain.PreKeyBundle{}, fmt.Errorf("bundle for %s: %w", peer, errs.ErrNotFound)
	}
	if len(e.pending) == 0 {
		return e.base, nil
	}
	b := e.pending[0]
	e.pending = e.pending[1:]
	return b, nil
}

// Available returns the number of one-time prekeys left for peer.
func (h *Hub) Available(peer domain.PeerID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.bundles[peer]; ok {
		return len(e.pending)
	}
	return 0
}

// Send queues env for its recipient, assigning an id and timestamp when
// missing.
func (h *Hub) Send(_ context.Context, env domain.Envelope) error {
	if env.To == "" {
		return fmt.Errorf("envelope without recipient")
	}
	if env.ID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		env.ID = id.String()
	}
	if env.Timestamp == 0 {
		env.Timestamp = h.now().Unix()
	}

	h.mu.Lock()
	h.queues[env.To] = append(h.queues[env.To], env)
	h.mu.Unlock()
	h.observe(1)
	return nil
}

// Fetch returns up to limit queued envelopes for peer without removing them.
func (h *Hub) Fetch(_ context.Context, peer domain.PeerID, limit int) ([]domain.Envelope, error) {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.queues[peer]
	if len(q) > limit {
		q = q[:limit]
	}
	return append([]domain.Envelope(nil), q...), nil
}

// Ack drops the first count envelopes queued for peer.
func (h *Hub) Ack(_ context.Context, peer domain.PeerID, count int) error {
	h.mu.Lock()
	q := h.queues[peer]
	if count < 0 {
		count = 0
	}
	if count > len(q) {
		count = len(q)
	}
	if count == len(q) {
		delete(h.queues, peer)
	} else {
		h.queues[peer] = q[count:]
	}
	h.mu.Unlock()
	h.observe(-count)
	return nil
}

func (h *Hub) observe(delta int) {
	if h.OnQueue != nil && delta != 0 {
		h.OnQueue(delta)
	}
}

var (
	_ domain.Directory = (*Hub)(nil)
	_ domain.Transport = (*Hub)(nil)
)
