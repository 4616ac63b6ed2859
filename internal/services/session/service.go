package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/metrics"
	"parley/internal/protocol/identity"
	"parley/internal/protocol/ratchet"
	"parley/internal/protocol/x3dh"
	"parley/internal/wire"
)

const (
	DefaultStaleAfter        = 30 * 24 * time.Hour
	DefaultFailureEscalation = 5

	kindPairwise = "pairwise"
)

// Config tunes session handling.
type Config struct {
	Ratchet ratchet.Options
	// StaleAfter is the idle time after which CleanupStale drops a session.
	StaleAfter time.Duration
	// FailureEscalation is the number of consecutive decryption failures
	// after which a reset is recommended.
	FailureEscalation int
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.FailureEscalation <= 0 {
		c.FailureEscalation = DefaultFailureEscalation
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// entry caches one peer's session. mu serializes every operation on it.
type entry struct {
	mu     sync.Mutex
	loaded bool
	rec    *record
	sess   *ratchet.Session
}

func (e *entry) drop() {
	if e.sess != nil {
		e.sess.Destroy()
	}
	e.rec, e.sess = nil, nil
}

// PreKeys answers inbound handshakes and remembers which ones it answered.
type PreKeys interface {
	x3dh.PreKeySource
	HandshakeAnswered(base domain.X25519Public) bool
	AcceptHandshake(base domain.X25519Public) error
}

// Service manages pairwise sessions.
type Service struct {
	id    *identity.Identity
	keys  PreKeys
	store domain.SessionStore
	dir   domain.Directory
	cfg   Config
	m     *metrics.Engine
	log   *zap.Logger

	mu    sync.Mutex
	peers map[domain.PeerID]*entry
}

// New returns a session service. keys answers inbound handshakes and
// dir serves bundles for outbound ones.
func New(
	id *identity.Identity,
	keys PreKeys,
	store domain.SessionStore,
	dir domain.Directory,
	cfg Config,
	m *metrics.Engine,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		id:    id,
		keys:  keys,
		store: store,
		dir:   dir,
		cfg:   cfg.withDefaults(),
		m:     m,
		log:   log,
		peers: make(map[domain.PeerID]*entry),
	}
}

func (s *Service) entry(peer domain.PeerID) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.peers[peer]
	if !ok {
		e = &entry{}
		s.peers[peer] = e
	}
	return e
}

// loadLocked reads the stored session once per entry. e.mu must be held.
func (s *Service) loadLocked(e *entry, peer domain.PeerID) error {
	if e.loaded {
		return nil
	}
	b, ok, err := s.store.LoadSession(peer)
	if err != nil {
		return fmt.Errorf("load session %s: %w", peer, err)
	}
	if ok {
		rec, sess, err := decodeRecord(b, s.cfg.Ratchet)
		if err != nil {
			return fmt.Errorf("session %s: %w", peer, err)
		}
		e.rec, e.sess = rec, sess
	}
	e.loaded = true
	return nil
}

func (s *Service) persist(peer domain.PeerID, rec *record, sess *ratchet.Session) error {
	b, err := encodeRecord(rec, sess)
	if err != nil {
		return err
	}
	if err := s.store.SaveSession(peer, b); err != nil {
		return fmt.Errorf("save session %s: %w", peer, err)
	}
	return nil
}

func (s *Service) now() int64 { return s.cfg.Now().Unix() }

// Initiate fetches peer's bundle, runs X3DH and stores a new session,
// replacing any existing one.
func (s *Service) Initiate(ctx context.Context, peer domain.PeerID) (domain.SessionInfo, error) {
	bundle, err := s.dir.FetchBundle(ctx, peer)
	if err != nil {
		return domain.SessionInfo{}, fmt.Errorf("fetch bundle for %s: %w", peer, err)
	}
	if bundle.PeerID != peer {
		return domain.SessionInfo{}, fmt.Errorf("bundle names %s, want %s: %w", bundle.PeerID, peer, errs.ErrInvalidBundle)
	}

	secret, h, err := x3dh.Initiate(s.id, bundle)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	defer secret.Wipe()
	sess, err := ratchet.NewInitiator(secret.Key, secret.AD, secret.SignedPreKey, s.cfg.Ratchet)
	if err != nil {
		return domain.SessionInfo{}, err
	}

	now := s.now()
	rec := &record{
		RemoteIdentity: bundle.IdentityKey,
		RemoteSigning:  bundle.SigningKey,
		Handshake:      h.AppendBinary(nil),
		BaseKey:        h.EphemeralKey,
		Created:        now,
		LastUsed:       now,
	}

	e := s.entry(peer)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.persist(peer, rec, sess); err != nil {
		sess.Destroy()
		return domain.SessionInfo{}, err
	}
	e.drop()
	e.rec, e.sess, e.loaded = rec, sess, true

	s.m.Handshake("initiator")
	s.refreshGauge()
	s.log.Info("session initiated",
		zap.String("peer", string(peer)),
		zap.Bool("one_time_prekey", h.HasOneTimePreKey))
	return rec.info(peer), nil
}

// EncryptToPeer seals an application message for peer.
func (s *Service) EncryptToPeer(peer domain.PeerID, plaintext []byte) ([]byte, error) {
	return s.EncryptContent(peer, wire.ContentApplication, plaintext)
}

// EncryptContent seals body of type t for peer and returns the framed
// payload. It fails with errs.ErrSessionNotFound when no session exists.
func (s *Service) EncryptContent(peer domain.PeerID, t wire.ContentType, body []byte) ([]byte, error) {
	e := s.entry(peer)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.loadLocked(e, peer); err != nil {
		return nil, err
	}
	payload, next, rec, err := s.sealLocked(e, peer, t, body)
	if err != nil {
		return nil, err
	}
	if err := s.persist(peer, rec, next); err != nil {
		next.Destroy()
		return nil, err
	}
	e.sess.Destroy()
	e.rec, e.sess = rec, next
	s.m.Encrypted(kindPairwise)
	return payload, nil
}

// sealLocked encrypts on a copy of the session and returns the copy and the
// updated record without committing either.
func (s *Service) sealLocked(e *entry, peer domain.PeerID, t wire.ContentType, body []byte) ([]byte, *ratchet.Session, *record, error) {
	if e.sess == nil {
		return nil, nil, nil, fmt.Errorf("peer %s: %w", peer, errs.ErrSessionNotFound)
	}
	next, err := e.sess.Clone()
	if err != nil {
		return nil, nil, nil, err
	}
	msg, err := next.Encrypt(wire.Content(t, body))
	if err != nil {
		next.Destroy()
		return nil, nil, nil, err
	}

	var payload []byte
	if len(e.rec.Handshake) > 0 {
		h, _, err := x3dh.ParseHeader(e.rec.Handshake)
		if err != nil {
			next.Destroy()
			return nil, nil, nil, fmt.Errorf("stored handshake: %w", err)
		}
		payload = wire.PreKey(h, msg)
	} else {
		payload = wire.Ratchet(msg)
	}

	rec := *e.rec
	rec.Sent++
	rec.LastUsed = s.now()
	return payload, next, &rec, nil
}

// DecryptFromPeer opens a pairwise payload from peer and returns its content type
// and body. A PreKey payload from an unknown handshake creates a new
// session, replacing the old one only once the message decrypts.
func (s *Service) DecryptFromPeer(from domain.PeerID, payload []byte) (wire.ContentType, []byte, error) {
	f, err := wire.Decode(payload)
	if err != nil {
		s.m.DecryptFailed(err)
		return 0, nil, err
	}

	e := s.entry(from)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.loadLocked(e, from); err != nil {
		return 0, nil, err
	}

	var pt []byte
	switch f.Kind {
	case wire.KindPreKey:
		pt, err = s.openPreKeyLocked(e, from, f)
	case wire.KindRatchet:
		pt, err = s.openRatchetLocked(e, from, f.Body)
	default:
		err = fmt.Errorf("%s frame on a pairwise session: %w", f.Kind, errs.ErrMalformed)
	}
	if err != nil {
		return 0, nil, s.failLocked(e, from, err)
	}

	t, body, err := wire.ParseContent(pt)
	if err != nil {
		s.m.DecryptFailed(err)
		return 0, nil, err
	}
	s.m.Decrypted(kindPairwise)
	return t, body, nil
}

func (s *Service) openRatchetLocked(e *entry, from domain.PeerID, body []byte) ([]byte, error) {
	if e.sess == nil {
		return nil, fmt.Errorf("peer %s: %w", from, errs.ErrSessionNotFound)
	}
	next, err := e.sess.Clone()
	if err != nil {
		return nil, err
	}
	pt, err := next.Decrypt(body)
	if err != nil {
		next.Destroy()
		return nil, err
	}

	rec := *e.rec
	// Any message on the session means the peer holds it.
	rec.Handshake = nil
	rec.Received++
	rec.Failures = 0
	rec.LastUsed = s.now()
	if err := s.persist(from, &rec, next); err != nil {
		next.Destroy()
		return nil, err
	}
	e.sess.Destroy()
	e.rec, e.sess = &rec, next
	return pt, nil
}

func (s *Service) openPreKeyLocked(e *entry, from domain.PeerID, f wire.Frame) ([]byte, error) {
	h := f.Header
	if identity.PeerIDFor(h.SigningKey) != from {
		return nil, fmt.Errorf("handshake identity does not match sender %s: %w", from, errs.ErrDecryptionFailed)
	}
	// Repeats of the handshake we already answered.
	if e.rec != nil && len(e.rec.Handshake) == 0 && e.rec.BaseKey == h.EphemeralKey {
		return s.openRatchetLocked(e, from, f.Body)
	}
	if s.keys.HandshakeAnswered(h.EphemeralKey) {
		return nil, fmt.Errorf("handshake from %s: %w", from, errs.ErrReplayedMessage)
	}

	secret, err := x3dh.Respond(s.id, s.keys, h)
	if err != nil {
		return nil, err
	}
	defer secret.Wipe()
	sess, err := ratchet.NewResponder(secret.Key, secret.AD, secret.SignedPreKeyPriv, secret.SignedPreKey, s.cfg.Ratchet)
	if err != nil {
		return nil, err
	}
	pt, err := sess.Decrypt(f.Body)
	if err != nil {
		sess.Destroy()
		return nil, err
	}
	if err := s.keys.AcceptHandshake(h.EphemeralKey); err != nil {
		sess.Destroy()
		return nil, err
	}

	// Both sides initiated at once. The handshake started by the lower peer
	// id wins on both ends; the other side's message is still delivered.
	if e.rec != nil && len(e.rec.Handshake) > 0 && s.id.PeerID() < from {
		sess.Destroy()
		s.log.Debug("kept own handshake over concurrent one", zap.String("peer", string(from)))
		return pt, nil
	}

	now := s.now()
	rec := &record{
		RemoteIdentity: h.IdentityKey,
		RemoteSigning:  h.SigningKey,
		BaseKey:        h.EphemeralKey,
		Created:        now,
		LastUsed:       now,
		Received:       1,
	}
	if err := s.persist(from, rec, sess); err != nil {
		sess.Destroy()
		return nil, err
	}
	replaced := e.rec != nil
	e.drop()
	e.rec, e.sess = rec, sess

	s.m.Handshake("responder")
	s.refreshGauge()
	s.log.Info("session accepted",
		zap.String("peer", string(from)),
		zap.Bool("replaced", replaced))
	return pt, nil
}

// failLocked records a decryption failure against peer's session and
// escalates once the consecutive failure count reaches the threshold.
// Replays are not counted.
func (s *Service) failLocked(e *entry, peer domain.PeerID, err error) error {
	s.m.DecryptFailed(err)
	if e.rec == nil || !errors.Is(err, errs.ErrDecryptionFailed) || errors.Is(err, errs.ErrReplayedMessage) {
		return err
	}

	e.rec.Failures++
	if perr := s.persist(peer, e.rec, e.sess); perr != nil {
		s.log.Warn("persist failure count", zap.String("peer", string(peer)), zap.Error(perr))
	}
	if e.rec.Failures < s.cfg.FailureEscalation {
		return err
	}
	if e.rec.Failures == s.cfg.FailureEscalation {
		s.m.ResetRecommended()
	}
	s.log.Warn("session reset recommended",
		zap.String("peer", string(peer)),
		zap.Int("failures", e.rec.Failures),
		zap.Error(err))
	return fmt.Errorf("%w: %w", errs.ErrResetRecommended, err)
}

// Reset drops the session with peer. The next send starts a new handshake.
func (s *Service) Reset(peer domain.PeerID) error {
	e := s.entry(peer)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.store.DeleteSession(peer); err != nil {
		return fmt.Errorf("delete session %s: %w", peer, err)
	}
	e.drop()
	e.loaded = true
	s.refreshGauge()
	s.log.Info("session reset", zap.String("peer", string(peer)))
	return nil
}

// Has reports whether a session with peer exists.
func (s *Service) Has(peer domain.PeerID) (bool, error) {
	e := s.entry(peer)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.loadLocked(e, peer); err != nil {
		return false, err
	}
	return e.sess != nil, nil
}

// Info describes the session with peer.
func (s *Service) Info(peer domain.PeerID) (domain.SessionInfo, error) {
	e := s.entry(peer)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.loadLocked(e, peer); err != nil {
		return domain.SessionInfo{}, err
	}
	if e.rec == nil {
		return domain.SessionInfo{}, fmt.Errorf("peer %s: %w", peer, errs.ErrSessionNotFound)
	}
	return e.rec.info(peer), nil
}

// List describes every stored session, ordered by peer.
func (s *Service) List() ([]domain.SessionInfo, error) {
	peers, err := s.store.ListSessions()
	if err != nil {
		return nil, err
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	out := make([]domain.SessionInfo, 0, len(peers))
	for _, p := range peers {
		info, err := s.Info(p)
		if errors.Is(err, errs.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Count returns the number of stored sessions.
func (s *Service) Count() (int, error) {
	peers, err := s.store.ListSessions()
	return len(peers), err
}

// CleanupStale drops sessions idle for longer than StaleAfter and returns
// how many were removed.
func (s *Service) CleanupStale() (int, error) {
	infos, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := s.cfg.Now().Add(-s.cfg.StaleAfter).Unix()
	removed := 0
	for _, info := range infos {
		if info.LastUsed >= cutoff {
			continue
		}
		if err := s.Reset(info.Peer); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Close wipes every cached session.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.peers {
		e.mu.Lock()
		e.drop()
		e.loaded = false
		e.mu.Unlock()
	}
}

func (s *Service) refreshGauge() {
	if s.m == nil {
		return
	}
	if n, err := s.Count(); err == nil {
		s.m.SetSessions(n)
	}
}
