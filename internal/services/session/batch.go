package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"parley/internal/domain"
	"parley/internal/protocol/ratchet"
	"parley/internal/wire"
)

// handshakeConcurrency bounds parallel bundle fetches in EnsureSessions.
const handshakeConcurrency = 8

// EnsureSessions initiates a session with every peer that has none. All
// peers are attempted; the returned error combines every failure.
func (s *Service) EnsureSessions(ctx context.Context, peers []domain.PeerID) error {
	var (
		mu     sync.Mutex
		failed error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(handshakeConcurrency)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			ok, err := s.Has(p)
			if err == nil && !ok {
				_, err = s.Initiate(ctx, p)
			}
			if err != nil {
				mu.Lock()
				failed = multierr.Append(failed, fmt.Errorf("peer %s: %w", p, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

type sealed struct {
	peer    domain.PeerID
	payload []byte
	sess    *ratchet.Session
	rec     *record
}

// EncryptBatch seals one body of type t per peer. Either every peer's
// session advances or none does: on any failure the staged sessions are
// discarded and nothing is returned.
func (s *Service) EncryptBatch(ctx context.Context, t wire.ContentType, bodies map[domain.PeerID][]byte) (map[domain.PeerID][]byte, error) {
	peers := make([]domain.PeerID, 0, len(bodies))
	for p := range bodies {
		peers = append(peers, p)
	}
	// Sorted order keeps concurrent batches from deadlocking on entry locks.
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	if err := s.EnsureSessions(ctx, peers); err != nil {
		return nil, err
	}

	entries := make([]*entry, len(peers))
	for i, p := range peers {
		entries[i] = s.entry(p)
		entries[i].mu.Lock()
	}
	defer func() {
		for _, e := range entries {
			e.mu.Unlock()
		}
	}()

	staged := make([]sealed, 0, len(peers))
	discard := func() {
		for _, st := range staged {
			st.sess.Destroy()
		}
	}
	for i, p := range peers {
		e := entries[i]
		if err := s.loadLocked(e, p); err != nil {
			discard()
			return nil, err
		}
		payload, next, rec, err := s.sealLocked(e, p, t, bodies[p])
		if err != nil {
			discard()
			return nil, fmt.Errorf("peer %s: %w", p, err)
		}
		staged = append(staged, sealed{peer: p, payload: payload, sess: next, rec: rec})
	}

	encoded := make([][]byte, len(staged))
	for i, st := range staged {
		b, err := encodeRecord(st.rec, st.sess)
		if err != nil {
			discard()
			return nil, err
		}
		encoded[i] = b
	}

	out := make(map[domain.PeerID][]byte, len(staged))
	var saveErr error
	for i, st := range staged {
		if err := s.store.SaveSession(st.peer, encoded[i]); err != nil {
			saveErr = multierr.Append(saveErr, fmt.Errorf("save session %s: %w", st.peer, err))
		}
		e := entries[i]
		e.sess.Destroy()
		e.rec, e.sess = st.rec, st.sess
		out[st.peer] = st.payload
		s.m.Encrypted(kindPairwise)
	}
	if saveErr != nil {
		return nil, saveErr
	}
	return out, nil
}
