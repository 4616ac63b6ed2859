package prekey

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"parley/internal/crypto"
	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/util/memzero"
)

const (
	// SignedPreKeyID is the id of the first signed prekey of a pool.
	// One-time prekeys are numbered after it.
	SignedPreKeyID domain.PreKeyID = 1

	DefaultMaxOneTime       = 100
	DefaultSignedGrace      = 48 * time.Hour
	DefaultHandshakeHistory = 4096
)

// Signer signs prekeys on behalf of an identity.
type Signer interface {
	SignPreKey(pub domain.X25519Public) []byte
}

// Options bound the pool.
type Options struct {
	// MaxOneTime caps the available one-time prekeys. The issued set has
	// its own cap of the same size, so at most twice as many are held.
	MaxOneTime int
	// HandshakeHistory is how many answered handshake base keys are
	// remembered for replay detection.
	HandshakeHistory int
	// SignedGrace is how long a rotated signed prekey still answers handshakes.
	SignedGrace time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxOneTime <= 0 {
		o.MaxOneTime = DefaultMaxOneTime
	}
	if o.SignedGrace <= 0 {
		o.SignedGrace = DefaultSignedGrace
	}
	if o.HandshakeHistory <= 0 {
		o.HandshakeHistory = DefaultHandshakeHistory
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type signedPreKey struct {
	ID        domain.PreKeyID      `cbor:"1,keyasint"`
	Priv      domain.X25519Private `cbor:"2,keyasint"`
	Pub       domain.X25519Public  `cbor:"3,keyasint"`
	Signature []byte               `cbor:"4,keyasint"`
	Created   int64                `cbor:"5,keyasint"`
	Retired   int64                `cbor:"6,keyasint,omitempty"`
}

type oneTimePreKey struct {
	ID   domain.PreKeyID      `cbor:"1,keyasint"`
	Priv domain.X25519Private `cbor:"2,keyasint"`
	Pub  domain.X25519Public  `cbor:"3,keyasint"`
}

// Pool holds one current signed prekey, recently retired signed prekeys and
// a bounded set of one-time prekeys. One-time prekeys move from available to
// issued when handed out in a bundle and are deleted when a handshake
// consumes them. The base keys of answered handshakes are remembered so a
// replayed handshake is refused even when it used no one-time prekey.
//
// Pool is safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	signer    Signer
	opts      Options
	nextID    domain.PreKeyID
	signed    signedPreKey
	retired   []signedPreKey
	available map[domain.PreKeyID]*oneTimePreKey
	issued    map[domain.PreKeyID]*oneTimePreKey
	answered  *lru.Cache[domain.X25519Public, struct{}]
}

// New creates a pool with a fresh signed prekey and n one-time prekeys.
func New(signer Signer, n int, opts Options) (*Pool, error) {
	p := &Pool{
		signer:    signer,
		opts:      opts.withDefaults(),
		nextID:    SignedPreKeyID,
		available: make(map[domain.PreKeyID]*oneTimePreKey),
		issued:    make(map[domain.PreKeyID]*oneTimePreKey),
	}
	answered, err := lru.New[domain.X25519Public, struct{}](p.opts.HandshakeHistory)
	if err != nil {
		return nil, err
	}
	p.answered = answered
	spk, err := p.newSignedLocked()
	if err != nil {
		return nil, err
	}
	p.signed = spk
	if _, err := p.replenishLocked(n); err != nil {
		return nil, err
	}
	return p, nil
}

// Bundle returns the public prekeys for one handshake. It always carries the
// current signed prekey. When one-time prekeys are available the lowest id is
// attached and moved out of the available set, so no two bundles share one.
// The identity fields are left for the caller to fill.
func (p *Pool) Bundle() domain.PreKeyBundle {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := domain.PreKeyBundle{
		SignedPreKeyID:        p.signed.ID,
		SignedPreKey:          p.signed.Pub,
		SignedPreKeySignature: append([]byte(nil), p.signed.Signature...),
	}
	if len(p.available) == 0 {
		return b
	}
	id := lowest(p.available)
	k := p.available[id]
	delete(p.available, id)
	p.issued[id] = k
	p.trimIssuedLocked()
	b.OneTimePreKey = &domain.OneTimePreKeyPublic{ID: k.ID, Pub: k.Pub}
	return b
}

// Count returns the number of one-time prekeys not yet handed out.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// IssuedCount returns the number of one-time prekeys handed out but not yet
// consumed by a handshake.
func (p *Pool) IssuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.issued)
}

// Replenish generates up to n one-time prekeys without exceeding the pool
// cap and returns how many were added.
func (p *Pool) Replenish(n int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replenishLocked(n)
}

// RotateSignedPreKey replaces the current signed prekey. The old one is kept
// for the grace period so late handshakes still complete.
func (p *Pool) RotateSignedPreKey() (domain.PreKeyID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	spk, err := p.newSignedLocked()
	if err != nil {
		return 0, err
	}
	old := p.signed
	old.Retired = p.opts.Now().Unix()
	p.retired = append(p.retired, old)
	p.signed = spk
	p.pruneLocked()
	return spk.ID, nil
}

// SignedPreKeyAge returns how long the current signed prekey has been in use.
func (p *Pool) SignedPreKeyAge() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts.Now().Sub(time.Unix(p.signed.Created, 0))
}

// SignedPreKey returns the private half of signed prekey id, current or
// retired within the grace period. The caller owns and wipes the copy.
func (p *Pool) SignedPreKey(id domain.PreKeyID) (domain.X25519Private, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()
	if p.signed.ID == id {
		return p.signed.Priv, nil
	}
	for _, r := range p.retired {
		if r.ID == id {
			return r.Priv, nil
		}
	}
	return domain.X25519Private{}, fmt.Errorf("signed prekey %d: %w", id, errs.ErrNotFound)
}

// ConsumeOneTimePreKey removes one-time prekey id and returns its private
// half. A second call with the same id fails with ErrUnknownOneTimePreKey.
func (p *Pool) ConsumeOneTimePreKey(id domain.PreKeyID) (domain.X25519Private, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k, ok := p.issued[id]
	if ok {
		delete(p.issued, id)
	} else if k, ok = p.available[id]; ok {
		delete(p.available, id)
	} else {
		return domain.X25519Private{}, fmt.Errorf("one-time prekey %d: %w", id, errs.ErrUnknownOneTimePreKey)
	}
	priv := k.Priv
	memzero.Zero(k.Priv[:])
	return priv, nil
}

// HandshakeAnswered reports whether a handshake with base key base was
// accepted before.
func (p *Pool) HandshakeAnswered(base domain.X25519Public) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answered.Contains(base)
}

// AcceptHandshake remembers base as answered. A base key already answered
// fails with ErrReplayedMessage.
func (p *Pool) AcceptHandshake(base domain.X25519Public) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.answered.Contains(base) {
		return fmt.Errorf("handshake base key: %w", errs.ErrReplayedMessage)
	}
	p.answered.Add(base, struct{}{})
	return nil
}

// ForgetHandshake undoes AcceptHandshake for base.
func (p *Pool) ForgetHandshake(base domain.X25519Public) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answered.Remove(base)
}

// Prune drops retired signed prekeys past the grace period.
func (p *Pool) Prune() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
}

// Destroy wipes every private key held by the pool.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	memzero.Zero(p.signed.Priv[:])
	for i := range p.retired {
		memzero.Zero(p.retired[i].Priv[:])
	}
	for _, k := range p.available {
		memzero.Zero(k.Priv[:])
	}
	for _, k := range p.issued {
		memzero.Zero(k.Priv[:])
	}
	p.retired = nil
	p.available = map[domain.PreKeyID]*oneTimePreKey{}
	p.issued = map[domain.PreKeyID]*oneTimePreKey{}
}

type poolRecord struct {
	NextID    domain.PreKeyID `cbor:"1,keyasint"`
	Signed    signedPreKey    `cbor:"2,keyasint"`
	Retired   []signedPreKey  `cbor:"3,keyasint"`
	Available []oneTimePreKey `cbor:"4,keyasint"`
	Issued    []oneTimePreKey `cbor:"5,keyasint"`
	// Answered lists handshake base keys, oldest first.
	Answered []domain.X25519Public `cbor:"6,keyasint,omitempty"`
}

// MarshalBinary serializes the pool including private keys. Persist the
// result only inside a storage envelope.
func (p *Pool) MarshalBinary() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := poolRecord{
		NextID:    p.nextID,
		Signed:    p.signed,
		Retired:   p.retired,
		Available: sorted(p.available),
		Issued:    sorted(p.issued),
		Answered:  p.answered.Keys(),
	}
	return cbor.Marshal(rec)
}

// Restore rebuilds a pool serialized by MarshalBinary.
func Restore(b []byte, signer Signer, opts Options) (*Pool, error) {
	var rec poolRecord
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode prekey pool: %w", err)
	}
	p := &Pool{
		signer:    signer,
		opts:      opts.withDefaults(),
		nextID:    rec.NextID,
		signed:    rec.Signed,
		retired:   rec.Retired,
		available: make(map[domain.PreKeyID]*oneTimePreKey, len(rec.Available)),
		issued:    make(map[domain.PreKeyID]*oneTimePreKey, len(rec.Issued)),
	}
	answered, err := lru.New[domain.X25519Public, struct{}](p.opts.HandshakeHistory)
	if err != nil {
		return nil, err
	}
	for _, base := range rec.Answered {
		answered.Add(base, struct{}{})
	}
	p.answered = answered
	for i := range rec.Available {
		k := rec.Available[i]
		p.available[k.ID] = &k
	}
	for i := range rec.Issued {
		k := rec.Issued[i]
		p.issued[k.ID] = &k
	}
	return p, nil
}

func (p *Pool) newSignedLocked() (signedPreKey, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return signedPreKey{}, err
	}
	id := p.allocIDLocked()
	return signedPreKey{
		ID:        id,
		Priv:      priv,
		Pub:       pub,
		Signature: p.signer.SignPreKey(pub),
		Created:   p.opts.Now().Unix(),
	}, nil
}

func (p *Pool) replenishLocked(n int) (int, error) {
	room := p.opts.MaxOneTime - len(p.available)
	if n > room {
		n = room
	}
	added := 0
	for ; added < n; added++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return added, err
		}
		id := p.allocIDLocked()
		p.available[id] = &oneTimePreKey{ID: id, Priv: priv, Pub: pub}
	}
	return added, nil
}

func (p *Pool) allocIDLocked() domain.PreKeyID {
	id := p.nextID
	p.nextID++
	return id
}

// Issued keys whose handshake never arrives are dropped oldest first.
func (p *Pool) trimIssuedLocked() {
	for len(p.issued) > p.opts.MaxOneTime {
		id := lowest(p.issued)
		memzero.Zero(p.issued[id].Priv[:])
		delete(p.issued, id)
	}
}

func (p *Pool) pruneLocked() {
	cutoff := p.opts.Now().Add(-p.opts.SignedGrace).Unix()
	kept := p.retired[:0]
	for i := range p.retired {
		if p.retired[i].Retired > cutoff {
			kept = append(kept, p.retired[i])
			continue
		}
		memzero.Zero(p.retired[i].Priv[:])
	}
	p.retired = kept
}

func lowest(m map[domain.PreKeyID]*oneTimePreKey) domain.PreKeyID {
	first := true
	var low domain.PreKeyID
	for id := range m {
		if first || id < low {
			low, first = id, false
		}
	}
	return low
}

func sorted(m map[domain.PreKeyID]*oneTimePreKey) []oneTimePreKey {
	out := make([]oneTimePreKey, 0, len(m))
	for _, k := range m {
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
