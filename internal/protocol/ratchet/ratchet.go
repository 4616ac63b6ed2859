package ratchet

import (
	"errors"
	"fmt"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"parley/internal/crypto"
	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/util/memzero"
)

const (
	DefaultSkipWindow       = 1000
	DefaultMaxRetiredChains = 8
	DefaultReplayHistory    = 2048
)

var errNoSendingChain = errors.New("no sending chain yet")

// Options bound the per-session caches.
type Options struct {
	// SkipWindow caps how far ahead of the receiving counter a message may
	// be, and the number of skipped message keys held.
	SkipWindow int
	// MaxRetiredChains caps how many closed receiving chains keep their
	// skipped message keys.
	MaxRetiredChains int
	// ReplayHistory caps how many consumed message ids are remembered.
	ReplayHistory int
}

func (o Options) withDefaults() Options {
	if o.SkipWindow <= 0 {
		o.SkipWindow = DefaultSkipWindow
	}
	if o.MaxRetiredChains <= 0 {
		o.MaxRetiredChains = DefaultMaxRetiredChains
	}
	if o.ReplayHistory <= 0 {
		o.ReplayHistory = DefaultReplayHistory
	}
	return o
}

// messageID names one message key: the sender's ratchet key and counter.
type messageID struct {
	RatchetKey domain.X25519Public `cbor:"1,keyasint"`
	N          uint32              `cbor:"2,keyasint"`
}

// chain is one symmetric KDF chain.
type chain struct {
	Key []byte
	N   uint32
}

func (c *chain) clone() *chain {
	if c == nil {
		return nil
	}
	return &chain{Key: append([]byte(nil), c.Key...), N: c.N}
}

func (c *chain) wipe() {
	if c != nil {
		memzero.Zero(c.Key)
	}
}

// step returns the message key for c.N and advances c, wiping the previous
// chain key.
func (c *chain) step(info string) []byte {
	next, mk := crypto.KDFChain(c.Key, info)
	memzero.Zero(c.Key)
	c.Key = next
	c.N++
	return mk
}

// state is the mutable part of a session. Decrypt works on a deep copy and
// swaps it in only after the message authenticates.
type state struct {
	rootKey []byte
	dhsPriv domain.X25519Private
	dhsPub  domain.X25519Public
	dhr     domain.X25519Public
	send    *chain
	recv    *chain
	pn      uint32
}

func (st *state) clone() *state {
	c := *st
	c.rootKey = append([]byte(nil), st.rootKey...)
	c.send = st.send.clone()
	c.recv = st.recv.clone()
	return &c
}

func (st *state) wipe() {
	memzero.Zero(st.rootKey)
	crypto.WipeX25519(&st.dhsPriv)
	st.send.wipe()
	st.recv.wipe()
}

type skippedKey struct {
	id messageID
	mk []byte
}

// Session is a Double Ratchet session with one peer.
//
// Session is safe for concurrent use; encrypt and decrypt are serialized.
type Session struct {
	mu   sync.Mutex
	opts Options
	ad   []byte
	st   *state

	// skipped holds message keys of messages not yet received, keyed by the
	// sender ratchet key and counter. Evicted keys are wiped.
	skipped *lru.Cache[messageID, []byte]
	// retired lists closed receiving chains, oldest first. Only their
	// skipped keys remain.
	retired []domain.X25519Public
	// consumed remembers recently decrypted message ids.
	consumed *lru.Cache[messageID, struct{}]
}

func newSession(ad []byte, st *state, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	skipped, err := lru.NewWithEvict[messageID, []byte](opts.SkipWindow, func(_ messageID, mk []byte) {
		memzero.Zero(mk)
	})
	if err != nil {
		return nil, err
	}
	consumed, err := lru.New[messageID, struct{}](opts.ReplayHistory)
	if err != nil {
		return nil, err
	}
	return &Session{
		opts:     opts,
		ad:       append([]byte(nil), ad...),
		st:       st,
		skipped:  skipped,
		consumed: consumed,
	}, nil
}

// NewInitiator starts a session from the initiator side of a handshake.
// remote is the responder's signed prekey, which acts as its first ratchet
// key.
func NewInitiator(secret, ad []byte, remote domain.X25519Public, opts Options) (*Session, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	dh, err := crypto.DH(priv, remote)
	if err != nil {
		crypto.WipeX25519(&priv)
		return nil, err
	}
	rk, ck := crypto.KDFRoot(secret, dh[:])
	memzero.Zero(dh[:])

	return newSession(ad, &state{
		rootKey: rk,
		dhsPriv: priv,
		dhsPub:  pub,
		dhr:     remote,
		send:    &chain{Key: ck},
	}, opts)
}

// NewResponder starts a session from the responder side. The signed prekey
// pair becomes the first ratchet key pair. The session can send once the
// initiator's first message has been decrypted.
func NewResponder(secret, ad []byte, spkPriv domain.X25519Private, spkPub domain.X25519Public, opts Options) (*Session, error) {
	return newSession(ad, &state{
		rootKey: append([]byte(nil), secret...),
		dhsPriv: spkPriv,
		dhsPub:  spkPub,
	}, opts)
}

// Established reports whether the session has a sending chain.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.send != nil
}

// SkippedCount returns the number of cached skipped message keys.
func (s *Session) SkippedCount() int { return s.skipped.Len() }

// Encrypt advances the sending chain and seals plaintext. The message key is
// wiped before returning.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.st
	if st.send == nil {
		return nil, fmt.Errorf("%w: %w", errNoSendingChain, errs.ErrSessionNotFound)
	}
	if st.send.N == math.MaxUint32 {
		return nil, fmt.Errorf("sending chain exhausted: %w", errs.ErrResetRecommended)
	}

	h := Header{RatchetKey: st.dhsPub, PrevCounter: st.pn, Counter: st.send.N}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	mk := st.send.step(crypto.InfoRatchetChain)
	defer memzero.Zero(mk)

	out := h.AppendBinary(make([]byte, 0, HeaderSize+crypto.NonceSize+len(plaintext)+16))
	ct, err := crypto.Seal(mk, nonce, plaintext, s.associatedData(out[:HeaderSize]))
	if err != nil {
		return nil, err
	}
	out = append(out, nonce...)
	return append(out, ct...), nil
}

// Decrypt authenticates and decrypts a message. State changes only when the
// message authenticates; a rejected message leaves the session as it was.
func (s *Session) Decrypt(raw []byte) ([]byte, error) {
	m, err := ParseMessage(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := messageID{RatchetKey: m.Header.RatchetKey, N: m.Header.Counter}
	if s.consumed.Contains(id) {
		return nil, errs.ErrReplayedMessage
	}
	ad := s.associatedData(raw[:HeaderSize])

	if mk, ok := s.skipped.Peek(id); ok {
		pt, err := crypto.Open(mk, m.Nonce, m.Ciphertext, ad)
		if err != nil {
			return nil, errs.ErrDecryptionFailed
		}
		s.skipped.Remove(id)
		s.consumed.Add(id, struct{}{})
		return pt, nil
	}

	work := s.st.clone()
	var pending []skippedKey
	discard := func() {
		work.wipe()
		for _, k := range pending {
			memzero.Zero(k.mk)
		}
	}

	var closed *domain.X25519Public
	if work.recv == nil || m.Header.RatchetKey != work.dhr {
		if work.recv != nil {
			if pending, err = s.skipAhead(work, m.Header.PrevCounter, pending); err != nil {
				discard()
				return nil, err
			}
			old := work.dhr
			closed = &old
		}
		if err := dhRatchet(work, m.Header.RatchetKey); err != nil {
			discard()
			return nil, err
		}
	}

	if m.Header.Counter < work.recv.N {
		discard()
		return nil, fmt.Errorf("message %d behind chain at %d: %w", m.Header.Counter, work.recv.N, errs.ErrDecryptionFailed)
	}
	if pending, err = s.skipAhead(work, m.Header.Counter, pending); err != nil {
		discard()
		return nil, err
	}

	mk := work.recv.step(crypto.InfoRatchetChain)
	pt, err := crypto.Open(mk, m.Nonce, m.Ciphertext, ad)
	memzero.Zero(mk)
	if err != nil {
		discard()
		return nil, errs.ErrDecryptionFailed
	}

	s.st.wipe()
	s.st = work
	for _, k := range pending {
		s.skipped.Add(k.id, k.mk)
	}
	if closed != nil {
		s.retireChain(*closed)
	}
	s.consumed.Add(id, struct{}{})
	return pt, nil
}

// skipAhead derives and queues the message keys of st.recv up to, but not
// including, until.
func (s *Session) skipAhead(st *state, until uint32, pending []skippedKey) ([]skippedKey, error) {
	if until <= st.recv.N {
		return pending, nil
	}
	if uint64(until-st.recv.N) > uint64(s.opts.SkipWindow) {
		return pending, fmt.Errorf("%d messages ahead: %w", until-st.recv.N, errs.ErrSkipWindowExceeded)
	}
	for st.recv.N < until {
		id := messageID{RatchetKey: st.dhr, N: st.recv.N}
		pending = append(pending, skippedKey{id: id, mk: st.recv.step(crypto.InfoRatchetChain)})
	}
	return pending, nil
}

// dhRatchet moves st onto a new remote ratchet key: a receiving chain from
// the current key pair, then a fresh key pair and sending chain.
func dhRatchet(st *state, remote domain.X25519Public) error {
	dh, err := crypto.DH(st.dhsPriv, remote)
	if err != nil {
		return errs.ErrDecryptionFailed
	}
	rk, recvCK := crypto.KDFRoot(st.rootKey, dh[:])
	memzero.Zero(dh[:])

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		memzero.ZeroAll(rk, recvCK)
		return err
	}
	dh, err = crypto.DH(priv, remote)
	if err != nil {
		memzero.ZeroAll(rk, recvCK)
		crypto.WipeX25519(&priv)
		return errs.ErrDecryptionFailed
	}
	rk2, sendCK := crypto.KDFRoot(rk, dh[:])
	memzero.ZeroAll(dh[:], rk)

	memzero.Zero(st.rootKey)
	crypto.WipeX25519(&st.dhsPriv)
	st.send.wipe()
	st.recv.wipe()

	if st.send != nil {
		st.pn = st.send.N
	}
	st.rootKey = rk2
	st.dhsPriv, st.dhsPub = priv, pub
	st.dhr = remote
	st.recv = &chain{Key: recvCK}
	st.send = &chain{Key: sendCK}
	return nil
}

// retireChain records a closed receiving chain and drops the skipped keys of
// the oldest closed chains beyond the limit.
func (s *Session) retireChain(key domain.X25519Public) {
	s.retired = append(s.retired, key)
	for len(s.retired) > s.opts.MaxRetiredChains {
		evict := s.retired[0]
		s.retired = s.retired[1:]
		for _, id := range s.skipped.Keys() {
			if id.RatchetKey == evict {
				s.skipped.Remove(id)
			}
		}
	}
}

func (s *Session) associatedData(header []byte) []byte {
	ad := make([]byte, 0, len(s.ad)+len(header))
	ad = append(ad, s.ad...)
	return append(ad, header...)
}

// Destroy wipes every key held by the session.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.wipe()
	s.skipped.Purge()
	s.consumed.Purge()
	s.retired = nil
}
