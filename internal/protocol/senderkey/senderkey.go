package senderkey

import (
	"crypto/rand"
	"encoding/binary"
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
	DefaultSkipWindow    = 1000
	DefaultReplayHistory = 2048
)

var errReceiveOnly = errors.New("sender key state is receive-only")

// Options bound the per-state caches.
type Options struct {
	SkipWindow    int
	ReplayHistory int
}

func (o Options) withDefaults() Options {
	if o.SkipWindow <= 0 {
		o.SkipWindow = DefaultSkipWindow
	}
	if o.ReplayHistory <= 0 {
		o.ReplayHistory = DefaultReplayHistory
	}
	return o
}

// State is one sender's chain in one group. The sender's own State holds
// the signing private key and encrypts; states built from a Distribution
// verify and decrypt.
//
// State is safe for concurrent use.
type State struct {
	mu       sync.Mutex
	opts     Options
	group    domain.GroupID
	sender   domain.PeerID
	keyID    uint32
	chainKey []byte
	n        uint32
	signPriv *domain.Ed25519Private
	signPub  domain.Ed25519Public

	skipped  *lru.Cache[uint32, []byte]
	consumed *lru.Cache[uint32, struct{}]
}

func newState(opts Options) (*State, error) {
	opts = opts.withDefaults()
	skipped, err := lru.NewWithEvict[uint32, []byte](opts.SkipWindow, func(_ uint32, mk []byte) {
		memzero.Zero(mk)
	})
	if err != nil {
		return nil, err
	}
	consumed, err := lru.New[uint32, struct{}](opts.ReplayHistory)
	if err != nil {
		return nil, err
	}
	return &State{opts: opts, skipped: skipped, consumed: consumed}, nil
}

// Create starts a fresh chain and signing key for sender in group. keyID
// numbers the generation; rotation creates a new State with a higher keyID.
func Create(group domain.GroupID, sender domain.PeerID, keyID uint32, opts Options) (*State, error) {
	s, err := newState(opts)
	if err != nil {
		return nil, err
	}
	s.group, s.sender, s.keyID = group, sender, keyID
	s.chainKey = make([]byte, crypto.KeySize)
	if _, err := rand.Read(s.chainKey); err != nil {
		return nil, err
	}
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	s.signPriv, s.signPub = &priv, pub
	return s, nil
}

// FromDistribution builds a receive-only State for sender.
func FromDistribution(sender domain.PeerID, d Distribution, opts Options) (*State, error) {
	if len(d.ChainKey) != crypto.KeySize {
		return nil, fmt.Errorf("distribution chain key: %d bytes: %w", len(d.ChainKey), errs.ErrMalformed)
	}
	s, err := newState(opts)
	if err != nil {
		return nil, err
	}
	s.group, s.sender, s.keyID = d.Group, sender, d.KeyID
	s.chainKey = append([]byte(nil), d.ChainKey...)
	s.n = d.Counter
	s.signPub = d.SigningKey
	return s, nil
}

func (s *State) Group() domain.GroupID { return s.group }
func (s *State) Sender() domain.PeerID { return s.sender }
func (s *State) KeyID() uint32         { return s.keyID }
func (s *State) CanEncrypt() bool      { return s.signPriv != nil }

// Counter returns the next chain position.
func (s *State) Counter() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Distribution returns what members need to decrypt this sender's messages
// from the current chain position on. Earlier messages stay unreadable.
func (s *State) Distribution() Distribution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Distribution{
		Group:      s.group,
		KeyID:      s.keyID,
		Counter:    s.n,
		ChainKey:   append([]byte(nil), s.chainKey...),
		SigningKey: s.signPub,
	}
}

// Encrypt advances the chain, seals plaintext and signs the message.
func (s *State) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signPriv == nil {
		return nil, errReceiveOnly
	}
	if s.n == math.MaxUint32 {
		return nil, fmt.Errorf("sender chain exhausted: %w", errs.ErrResetRecommended)
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	h := Header{KeyID: s.keyID, Counter: s.n}
	mk := s.advance()
	defer memzero.Zero(mk)

	out := h.AppendBinary(make([]byte, 0, HeaderSize+crypto.NonceSize+len(plaintext)+16+SignatureSize))
	ct, err := crypto.Seal(mk, nonce, plaintext, s.context(out[:HeaderSize]))
	if err != nil {
		return nil, err
	}
	out = append(out, nonce...)
	out = append(out, ct...)
	sig := crypto.SignEd25519(s.signPriv, s.context(out))
	return append(out, sig...), nil
}

// Decrypt verifies the signature, then decrypts within the skip window.
// Nothing in the message is trusted before the signature checks out, so a
// message of another generation fails with ErrInvalidSignature. A rejected
// message leaves the state unchanged.
func (s *State) Decrypt(raw []byte) ([]byte, error) {
	m, err := ParseMessage(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !crypto.VerifyEd25519(s.signPub, s.context(m.signed), m.Signature) {
		return nil, errs.ErrInvalidSignature
	}
	if m.Header.KeyID != s.keyID {
		return nil, fmt.Errorf("key id %d, have %d: %w", m.Header.KeyID, s.keyID, errs.ErrSenderKeyNotFound)
	}
	n := m.Header.Counter
	if s.consumed.Contains(n) {
		return nil, errs.ErrReplayedMessage
	}
	ad := s.context(raw[:HeaderSize])

	if mk, ok := s.skipped.Peek(n); ok {
		pt, err := crypto.Open(mk, m.Nonce, m.Ciphertext, ad)
		if err != nil {
			return nil, errs.ErrDecryptionFailed
		}
		s.skipped.Remove(n)
		s.consumed.Add(n, struct{}{})
		return pt, nil
	}
	if n < s.n {
		return nil, fmt.Errorf("message %d behind chain at %d: %w", n, s.n, errs.ErrDecryptionFailed)
	}
	if uint64(n-s.n) > uint64(s.opts.SkipWindow) {
		return nil, fmt.Errorf("%d messages ahead: %w", n-s.n, errs.ErrSkipWindowExceeded)
	}

	ck := append([]byte(nil), s.chainKey...)
	var pending [][]byte
	for i := s.n; i < n; i++ {
		next, mk := crypto.KDFChain(ck, crypto.InfoSenderKeyChain)
		memzero.Zero(ck)
		ck = next
		pending = append(pending, mk)
	}
	next, mk := crypto.KDFChain(ck, crypto.InfoSenderKeyChain)
	memzero.Zero(ck)
	pt, err := crypto.Open(mk, m.Nonce, m.Ciphertext, ad)
	memzero.Zero(mk)
	if err != nil {
		memzero.ZeroAll(pending...)
		memzero.Zero(next)
		return nil, errs.ErrDecryptionFailed
	}

	for i, k := range pending {
		s.skipped.Add(s.n+uint32(i), k)
	}
	memzero.Zero(s.chainKey)
	s.chainKey = next
	s.n = n + 1
	s.consumed.Add(n, struct{}{})
	return pt, nil
}

// advance returns the current message key and steps the chain.
func (s *State) advance() []byte {
	next, mk := crypto.KDFChain(s.chainKey, crypto.InfoSenderKeyChain)
	memzero.Zero(s.chainKey)
	s.chainKey = next
	s.n++
	return mk
}

// context prefixes b with the group and sender so a message cannot be
// replayed into another group or attributed to another member.
func (s *State) context(b []byte) []byte {
	out := make([]byte, 0, 4+len(s.group)+len(s.sender)+len(b))
	out = binary.BigEndian.AppendUint16(out, uint16(len(s.group)))
	out = append(out, s.group...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(s.sender)))
	out = append(out, s.sender...)
	return append(out, b...)
}

// SkippedCount returns the number of cached skipped message keys.
func (s *State) SkippedCount() int { return s.skipped.Len() }

// Destroy wipes the chain, signing key and skipped keys.
func (s *State) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	memzero.Zero(s.chainKey)
	if s.signPriv != nil {
		crypto.WipeEd25519(s.signPriv)
	}
	s.skipped.Purge()
	s.consumed.Purge()
}
