package group

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/metrics"
	"parley/internal/protocol/senderkey"
	"parley/internal/wire"
)

const (
	// MaxMembers is the hard limit on group size, the local member included.
	MaxMembers                 = 256
	DefaultRetainedGenerations = 3

	kindGroup = "group"
)

// Sessions seals sender-key distributions over pairwise sessions.
type Sessions interface {
	EncryptBatch(ctx context.Context, t wire.ContentType, bodies map[domain.PeerID][]byte) (map[domain.PeerID][]byte, error)
}

// Config tunes group handling.
type Config struct {
	// MaxMembers caps group size; zero or anything above MaxMembers means
	// MaxMembers.
	MaxMembers int
	// RetainedGenerations is how many superseded chains are kept per sender
	// so messages sent before a rotation still decrypt.
	RetainedGenerations int
	SenderKey           senderkey.Options
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxMembers <= 0 || c.MaxMembers > MaxMembers {
		c.MaxMembers = MaxMembers
	}
	if c.RetainedGenerations <= 0 {
		c.RetainedGenerations = DefaultRetainedGenerations
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type entry struct {
	mu     sync.Mutex
	loaded bool
	g      *state
}

// Service manages the groups the local peer belongs to.
type Service struct {
	self      domain.PeerID
	sessions  Sessions
	transport domain.Transport
	store     domain.GroupStore
	cfg       Config
	m         *metrics.Engine
	log       *zap.Logger

	mu     sync.Mutex
	groups map[domain.GroupID]*entry
}

// New returns a group service acting as self.
func New(
	self domain.PeerID,
	sessions Sessions,
	transport domain.Transport,
	store domain.GroupStore,
	cfg Config,
	m *metrics.Engine,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		self:      self,
		sessions:  sessions,
		transport: transport,
		store:     store,
		cfg:       cfg.withDefaults(),
		m:         m,
		log:       log,
		groups:    make(map[domain.GroupID]*entry),
	}
}

func (s *Service) entry(id domain.GroupID) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.groups[id]
	if !ok {
		e = &entry{}
		s.groups[id] = e
	}
	return e
}

func (s *Service) loadLocked(e *entry, id domain.GroupID) error {
	if e.loaded {
		return nil
	}
	b, ok, err := s.store.LoadGroup(id)
	if err != nil {
		return fmt.Errorf("load group %s: %w", id, err)
	}
	if ok {
		g, err := unmarshalState(b, s.cfg.SenderKey)
		if err != nil {
			return fmt.Errorf("group %s: %w", id, err)
		}
		e.g = g
	}
	e.loaded = true
	return nil
}

// open returns the locked entry of an existing group. The caller unlocks.
func (s *Service) open(id domain.GroupID) (*entry, error) {
	e := s.entry(id)
	e.mu.Lock()
	if err := s.loadLocked(e, id); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if e.g == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("group %s: %w", id, errs.ErrNotFound)
	}
	return e, nil
}

func (s *Service) persist(g *state) error {
	b, err := g.marshal()
	if err != nil {
		return err
	}
	if err := s.store.SaveGroup(g.id, b); err != nil {
		return fmt.Errorf("save group %s: %w", g.id, err)
	}
	return nil
}

func uniqueMembers(ps []domain.PeerID) []domain.PeerID {
	out := slices.Clone(ps)
	slices.Sort(out)
	return slices.Compact(out)
}

// CreateGroup starts a group of self and members and hands every member
// the local sender key. Members that could not be reached get the key with
// the next group send; the group exists even when an error is returned
// alongside its id.
func (s *Service) CreateGroup(ctx context.Context, members []domain.PeerID) (domain.GroupID, error) {
	all := uniqueMembers(append([]domain.PeerID{s.self}, members...))
	if len(all) > s.cfg.MaxMembers {
		return "", fmt.Errorf("%d members: %w", len(all), errs.ErrGroupFull)
	}
	u, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	id := domain.GroupID(u.String())

	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = true

	staged := newGroupState(id, all, s.cfg.Now().Unix())
	if err := s.rotateLocked(ctx, e, staged); err != nil {
		if e.g == nil {
			return "", err
		}
		return id, err
	}
	s.log.Info("group created", zap.String("group", string(id)), zap.Int("members", len(all)))
	return id, nil
}

// rotateLocked gives staged a fresh local sender key and distributes it to
// every other member. Nothing changes unless every distribution encrypts;
// after that the group is committed and delivery errors are returned.
func (s *Service) rotateLocked(ctx context.Context, e *entry, staged *state) error {
	keyID := uint32(1)
	if staged.own != nil {
		keyID = staged.own.KeyID() + 1
	}
	own, err := senderkey.Create(staged.id, s.self, keyID, s.cfg.SenderKey)
	if err != nil {
		return err
	}
	prev := staged.own
	staged.own = own
	staged.rotate = false

	payloads, err := s.sealDistribution(ctx, staged, staged.others(s.self))
	if err != nil {
		own.Destroy()
		staged.own = prev
		return fmt.Errorf("distribute sender key: %w", err)
	}
	if err := s.persist(staged); err != nil {
		own.Destroy()
		staged.own = prev
		return err
	}
	e.g = staged
	if prev != nil {
		prev.Destroy()
	}
	s.m.GroupRotated()
	s.log.Info("group key rotated", zap.String("group", string(staged.id)), zap.Uint32("key_id", keyID))
	return s.deliverLocked(ctx, staged, payloads)
}

// sealDistribution encrypts the local sender key for each peer in to.
func (s *Service) sealDistribution(ctx context.Context, g *state, to []domain.PeerID) (map[domain.PeerID][]byte, error) {
	if len(to) == 0 {
		return nil, nil
	}
	raw, err := g.own.Distribution().MarshalBinary()
	if err != nil {
		return nil, err
	}
	body, err := keyMessage{Key: raw, Members: g.members}.marshal()
	if err != nil {
		return nil, err
	}
	bodies := make(map[domain.PeerID][]byte, len(to))
	for _, p := range to {
		bodies[p] = body
	}
	return s.sessions.EncryptBatch(ctx, wire.ContentDistribution, bodies)
}

// deliverLocked sends sealed distributions and records who received the
// current key. Every peer is attempted.
func (s *Service) deliverLocked(ctx context.Context, g *state, payloads map[domain.PeerID][]byte) error {
	var failed error
	keyID := g.own.KeyID()
	for _, p := range g.others(s.self) {
		payload, ok := payloads[p]
		if !ok {
			continue
		}
		env := domain.Envelope{From: s.self, To: p, Payload: payload, Timestamp: s.cfg.Now().Unix()}
		if err := s.transport.Send(ctx, env); err != nil {
			failed = multierr.Append(failed, fmt.Errorf("send sender key to %s: %w", p, err))
			continue
		}
		g.distributed[p] = keyID
	}
	if err := s.persist(g); err != nil {
		failed = multierr.Append(failed, err)
	}
	return failed
}

// ensureDistributedLocked rotates when a rotation is pending and otherwise
// hands the current key to members that do not have it yet.
func (s *Service) ensureDistributedLocked(ctx context.Context, e *entry) error {
	if e.g.own == nil || e.g.rotate {
		return s.rotateLocked(ctx, e, e.g.shallow())
	}
	keyID := e.g.own.KeyID()
	var stale []domain.PeerID
	for _, p := range e.g.others(s.self) {
		if e.g.distributed[p] != keyID {
			stale = append(stale, p)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	payloads, err := s.sealDistribution(ctx, e.g, stale)
	if err != nil {
		return fmt.Errorf("distribute sender key: %w", err)
	}
	return s.deliverLocked(ctx, e.g, payloads)
}

// RotateGroupKey replaces the local sender key of group and distributes
// the new one. Messages already sent stay decryptable by members holding
// the old chain.
func (s *Service) RotateGroupKey(ctx context.Context, group domain.GroupID) error {
	e, err := s.open(group)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	return s.rotateLocked(ctx, e, e.g.shallow())
}

// AddMember adds peer to group, rotates the local sender key and announces
// the new member list with it. The newcomer cannot read earlier messages.
func (s *Service) AddMember(ctx context.Context, group domain.GroupID, peer domain.PeerID) error {
	e, err := s.open(group)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.g.isMember(peer) {
		return nil
	}
	if len(e.g.members)+1 > s.cfg.MaxMembers {
		return fmt.Errorf("group %s: %w", group, errs.ErrGroupFull)
	}
	staged := e.g.shallow()
	staged.members = uniqueMembers(append(staged.members, peer))
	err = s.rotateLocked(ctx, e, staged)
	if e.g == staged {
		s.log.Info("group member added", zap.String("group", string(group)), zap.String("peer", string(peer)))
	}
	return err
}

// RemoveMember removes peer from group, drops its chains and rotates the
// local sender key so peer cannot read later messages.
func (s *Service) RemoveMember(ctx context.Context, group domain.GroupID, peer domain.PeerID) error {
	if peer == s.self {
		return fmt.Errorf("remove self from %s: use LeaveGroup", group)
	}
	e, err := s.open(group)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if !e.g.isMember(peer) {
		return fmt.Errorf("peer %s in group %s: %w", peer, group, errs.ErrNotMember)
	}
	staged := e.g.shallow()
	staged.members = slices.DeleteFunc(staged.members, func(p domain.PeerID) bool { return p == peer })
	dropped := staged.senders[peer]
	delete(staged.senders, peer)
	delete(staged.distributed, peer)

	err = s.rotateLocked(ctx, e, staged)
	if e.g != staged {
		return err
	}
	destroyAll(dropped)
	if err != nil {
		return err
	}
	s.log.Info("group member removed", zap.String("group", string(group)), zap.String("peer", string(peer)))
	return nil
}

// EncryptToGroup seals plaintext with the local sender key of group and
// returns the framed payload, identical for every member. Pending key
// distributions are sent first.
func (s *Service) EncryptToGroup(ctx context.Context, group domain.GroupID, plaintext []byte) ([]byte, error) {
	e, err := s.open(group)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if err := s.ensureDistributedLocked(ctx, e); err != nil {
		return nil, err
	}
	next, err := e.g.own.Clone()
	if err != nil {
		return nil, err
	}
	msg, err := next.Encrypt(plaintext)
	if err != nil {
		next.Destroy()
		return nil, err
	}
	payload, err := wire.Group(group, s.self, msg)
	if err != nil {
		next.Destroy()
		return nil, err
	}

	prev := e.g.own
	e.g.own = next
	if err := s.persist(e.g); err != nil {
		e.g.own = prev
		next.Destroy()
		return nil, err
	}
	prev.Destroy()
	s.m.Encrypted(kindGroup)
	return payload, nil
}

// SendToGroup encrypts plaintext once and sends it to every other member.
// Every member is attempted; the error combines failed deliveries.
func (s *Service) SendToGroup(ctx context.Context, group domain.GroupID, plaintext []byte) error {
	payload, err := s.EncryptToGroup(ctx, group, plaintext)
	if err != nil {
		return err
	}
	members, err := s.Members(group)
	if err != nil {
		return err
	}
	var failed error
	now := s.cfg.Now().Unix()
	for _, p := range members {
		if p == s.self {
			continue
		}
		env := domain.Envelope{From: s.self, To: p, Payload: payload, Timestamp: now}
		if err := s.transport.Send(ctx, env); err != nil {
			failed = multierr.Append(failed, fmt.Errorf("send to %s: %w", p, err))
		}
	}
	return failed
}

// DecryptFromGroup verifies and decrypts a group payload from a member.
// The sender's chain generation is chosen by the message key id.
func (s *Service) DecryptFromGroup(from domain.PeerID, payload []byte) (domain.GroupID, []byte, error) {
	group, pt, err := s.decryptFromGroup(from, payload)
	if err != nil {
		s.m.DecryptFailed(err)
		return "", nil, err
	}
	s.m.Decrypted(kindGroup)
	return group, pt, nil
}

func (s *Service) decryptFromGroup(from domain.PeerID, payload []byte) (domain.GroupID, []byte, error) {
	f, err := wire.Decode(payload)
	if err != nil {
		return "", nil, err
	}
	if f.Kind != wire.KindGroup {
		return "", nil, fmt.Errorf("%s frame as group message: %w", f.Kind, errs.ErrMalformed)
	}
	if f.Sender != from {
		return "", nil, fmt.Errorf("group message from %s names sender %s: %w", from, f.Sender, errs.ErrInvalidSignature)
	}
	m, err := senderkey.ParseMessage(f.Body)
	if err != nil {
		return "", nil, err
	}

	e, err := s.open(f.Group)
	if errors.Is(err, errs.ErrNotFound) {
		return "", nil, fmt.Errorf("group %s: %w", f.Group, errs.ErrSenderKeyNotFound)
	}
	if err != nil {
		return "", nil, err
	}
	defer e.mu.Unlock()

	if !e.g.isMember(from) {
		return "", nil, fmt.Errorf("peer %s in group %s: %w", from, f.Group, errs.ErrNotMember)
	}
	gens := e.g.senders[from]
	i := slices.IndexFunc(gens, func(st *senderkey.State) bool { return st.KeyID() == m.Header.KeyID })
	// Without the generation there is no key to check the signature with.
	// The distribution may still be in flight, so this stays retryable.
	if i < 0 {
		return "", nil, fmt.Errorf("sender %s key %d in group %s: %w", from, m.Header.KeyID, f.Group, errs.ErrSenderKeyNotFound)
	}

	next, err := gens[i].Clone()
	if err != nil {
		return "", nil, err
	}
	pt, err := next.Decrypt(f.Body)
	if err != nil {
		next.Destroy()
		return "", nil, err
	}
	prev := gens[i]
	gens[i] = next
	if err := s.persist(e.g); err != nil {
		gens[i] = prev
		next.Destroy()
		return "", nil, err
	}
	prev.Destroy()
	return f.Group, pt, nil
}

// AcceptDistribution stores a sender key received from a member over a
// pairwise session and applies the member list it carries. An unknown
// group is joined. A member list that adds or drops someone schedules a
// rotation of the local sender key before the next group send.
func (s *Service) AcceptDistribution(from domain.PeerID, body []byte) (domain.GroupID, error) {
	d, members, err := parseKeyMessage(body)
	if err != nil {
		return "", err
	}
	members = uniqueMembers(members)
	if !slices.Contains(members, s.self) || !slices.Contains(members, from) {
		return "", fmt.Errorf("key message member list: %w", errs.ErrMalformed)
	}
	if len(members) > s.cfg.MaxMembers {
		return "", fmt.Errorf("%d members: %w", len(members), errs.ErrGroupFull)
	}

	e := s.entry(d.Group)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.loadLocked(e, d.Group); err != nil {
		return "", err
	}

	var staged *state
	if e.g == nil {
		staged = newGroupState(d.Group, members, s.cfg.Now().Unix())
	} else {
		if !e.g.isMember(from) {
			return "", fmt.Errorf("peer %s in group %s: %w", from, d.Group, errs.ErrNotMember)
		}
		staged = e.g.shallow()
	}

	var dropped []*senderkey.State
	for _, p := range staged.members {
		if slices.Contains(members, p) {
			continue
		}
		dropped = append(dropped, staged.senders[p]...)
		delete(staged.senders, p)
		delete(staged.distributed, p)
		if staged.own != nil {
			staged.rotate = true
		}
	}
	if staged.own != nil && slices.ContainsFunc(members, func(p domain.PeerID) bool { return !staged.isMember(p) }) {
		staged.rotate = true
	}
	staged.members = members

	gens := staged.senders[from]
	known := slices.ContainsFunc(gens, func(st *senderkey.State) bool { return st.KeyID() == d.KeyID })
	if !known {
		st, err := senderkey.FromDistribution(from, d, s.cfg.SenderKey)
		if err != nil {
			return "", err
		}
		gens = append([]*senderkey.State{st}, gens...)
		if keep := 1 + s.cfg.RetainedGenerations; len(gens) > keep {
			dropped = append(dropped, gens[keep:]...)
			gens = gens[:keep]
		}
		staged.senders[from] = gens
	}

	if err := s.persist(staged); err != nil {
		if !known {
			gens[0].Destroy()
		}
		return "", err
	}
	e.g = staged
	destroyAll(dropped)
	s.log.Info("sender key accepted",
		zap.String("group", string(d.Group)),
		zap.String("sender", string(from)),
		zap.Uint32("key_id", d.KeyID),
		zap.Bool("duplicate", known))
	return d.Group, nil
}

// Members returns the member list of group, self included.
func (s *Service) Members(group domain.GroupID) ([]domain.PeerID, error) {
	e, err := s.open(group)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return slices.Clone(e.g.members), nil
}

// MemberCount returns the size of group, self included.
func (s *Service) MemberCount(group domain.GroupID) (int, error) {
	members, err := s.Members(group)
	return len(members), err
}

// ListGroups returns the ids of every stored group.
func (s *Service) ListGroups() ([]domain.GroupID, error) {
	ids, err := s.store.ListGroups()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

// LeaveGroup deletes every chain held for group. Other members are not
// told; they stop reaching this peer once they remove it.
func (s *Service) LeaveGroup(group domain.GroupID) error {
	e, err := s.open(group)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if err := s.store.DeleteGroup(group); err != nil {
		return fmt.Errorf("delete group %s: %w", group, err)
	}
	e.g.destroy()
	e.g = nil
	s.log.Info("left group", zap.String("group", string(group)))
	return nil
}

// Close wipes every cached group.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.groups {
		e.mu.Lock()
		if e.g != nil {
			e.g.destroy()
		}
		e.g, e.loaded = nil, false
		e.mu.Unlock()
	}
}

func destroyAll(states []*senderkey.State) {
	for _, st := range states {
		st.Destroy()
	}
}
