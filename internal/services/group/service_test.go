package group_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/protocol/identity"
	"parley/internal/protocol/prekey"
	"parley/internal/protocol/senderkey"
	"parley/internal/relay"
	"parley/internal/services/group"
	"parley/internal/services/message"
	prekeysvc "parley/internal/services/prekey"
	"parley/internal/services/session"
	"parley/internal/store"
	"parley/internal/wire"
)

// flakySessions fails EncryptBatch while fail is set.
type flakySessions struct {
	inner *session.Service
	fail  atomic.Bool
}

func (f *flakySessions) EncryptBatch(ctx context.Context, t wire.ContentType, bodies map[domain.PeerID][]byte) (map[domain.PeerID][]byte, error) {
	if f.fail.Load() {
		return nil, errors.New("pairwise layer down")
	}
	return f.inner.EncryptBatch(ctx, t, bodies)
}

type node struct {
	id       *identity.Identity
	sessions *flakySessions
	groups   *group.Service
	msgs     *message.Service
}

func (n *node) ID() domain.PeerID { return n.id.PeerID() }

func newNode(t *testing.T, hub *relay.Hub, cfg group.Config) *node {
	t.Helper()
	id, err := identity.Generate(10, prekey.Options{})
	require.NoError(t, err)
	t.Cleanup(id.Destroy)

	ms := store.NewMemoryStore()
	log := zaptest.NewLogger(t)
	keys := prekeysvc.New(id, ms, hub, prekeysvc.Config{PoolSize: 10, LowWatermark: 2, PublishBatch: 10}, prekey.Options{}, nil, log)
	require.NoError(t, keys.Load())
	_, err = keys.Publish(context.Background())
	require.NoError(t, err)

	sessions := &flakySessions{inner: session.New(id, keys, ms, hub, session.Config{}, nil, log)}
	groups := group.New(id.PeerID(), sessions, hub, ms, cfg, nil, log)
	t.Cleanup(groups.Close)
	return &node{
		id:       id,
		sessions: sessions,
		groups:   groups,
		msgs:     message.New(id.PeerID(), sessions.inner, groups, hub, log),
	}
}

func (n *node) receive(t *testing.T) []string {
	t.Helper()
	msgs, err := n.msgs.Receive(context.Background(), 0)
	require.NoError(t, err)
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Plaintext))
	}
	return out
}

func keyID(t *testing.T, payload []byte) uint32 {
	t.Helper()
	f, err := wire.Decode(payload)
	require.NoError(t, err)
	m, err := senderkey.ParseMessage(f.Body)
	require.NoError(t, err)
	return m.Header.KeyID
}

func TestGroupConversation(t *testing.T) {
	t.Parallel()

	hub := relay.NewHub()
	alice, bob, carol := newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{})
	ctx := context.Background()

	g, err := alice.groups.CreateGroup(ctx, []domain.PeerID{bob.ID(), carol.ID()})
	require.NoError(t, err)
	require.NoError(t, alice.groups.SendToGroup(ctx, g, []byte("hello all")))

	assert.Equal(t, []string{"hello all"}, bob.receive(t))
	assert.Equal(t, []string{"hello all"}, carol.receive(t))

	n, err := bob.groups.MemberCount(g)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Bob's first send distributes his own key.
	require.NoError(t, bob.groups.SendToGroup(ctx, g, []byte("bob here")))
	assert.Equal(t, []string{"bob here"}, alice.receive(t))
	assert.Equal(t, []string{"bob here"}, carol.receive(t))
}

func TestReceivedGroupMessageFields(t *testing.T) {
	t.Parallel()

	hub := relay.NewHub()
	alice, bob := newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{})
	ctx := context.Background()

	g, err := alice.groups.CreateGroup(ctx, []domain.PeerID{bob.ID()})
	require.NoError(t, err)
	require.NoError(t, alice.groups.SendToGroup(ctx, g, []byte("x")))

	msgs, err := bob.msgs.Receive(ctx, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, g, msgs[0].Group)
	assert.Equal(t, alice.ID(), msgs[0].From)
}

func TestOldGenerationStillDecryptsAfterRotation(t *testing.T) {
	t.Parallel()

	hub := relay.NewHub()
	alice, bob := newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{})
	ctx := context.Background()

	g, err := alice.groups.CreateGroup(ctx, []domain.PeerID{bob.ID()})
	require.NoError(t, err)
	m1, err := alice.groups.EncryptToGroup(ctx, g, []byte("gen 1"))
	require.NoError(t, err)
	require.NoError(t, alice.groups.RotateGroupKey(ctx, g))
	m2, err := alice.groups.EncryptToGroup(ctx, g, []byte("gen 2"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), keyID(t, m1))
	assert.Equal(t, uint32(2), keyID(t, m2))

	assert.Empty(t, bob.receive(t))

	_, pt, err := bob.groups.DecryptFromGroup(alice.ID(), m2)
	require.NoError(t, err)
	assert.Equal(t, "gen 2", string(pt))
	_, pt, err = bob.groups.DecryptFromGroup(alice.ID(), m1)
	require.NoError(t, err)
	assert.Equal(t, "gen 1", string(pt))
}

func TestForgedKeyIDIsRejected(t *testing.T) {
	t.Parallel()

	hub := relay.NewHub()
	alice, bob := newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{})
	ctx := context.Background()

	g, err := alice.groups.CreateGroup(ctx, []domain.PeerID{bob.ID()})
	require.NoError(t, err)
	require.NoError(t, alice.groups.RotateGroupKey(ctx, g))
	m2, err := alice.groups.EncryptToGroup(ctx, g, []byte("gen 2"))
	require.NoError(t, err)
	assert.Empty(t, bob.receive(t))

	// Point the gen 2 message at gen 1, which bob also holds.
	f, err := wire.Decode(m2)
	require.NoError(t, err)
	body := append([]byte(nil), f.Body...)
	binary.BigEndian.PutUint32(body[1:5], 1)
	forged, err := wire.Group(g, alice.ID(), body)
	require.NoError(t, err)

	_, _, err = bob.groups.DecryptFromGroup(alice.ID(), forged)
	assert.ErrorIs(t, err, errs.ErrInvalidSignature)
	assert.Equal(t, errs.ClassFatal, errs.ClassOf(err))

	_, pt, err := bob.groups.DecryptFromGroup(alice.ID(), m2)
	require.NoError(t, err)
	assert.Equal(t, "gen 2", string(pt))
}

func TestNewMemberCannotReadHistory(t *testing.T) {
	t.Parallel()

	hub := relay.NewHub()
	alice, bob, dave := newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{})
	ctx := context.Background()

	g, err := alice.groups.CreateGroup(ctx, []domain.PeerID{bob.ID()})
	require.NoError(t, err)
	assert.Empty(t, bob.receive(t))
	require.NoError(t, bob.groups.SendToGroup(ctx, g, []byte("bob gen 1")))
	assert.Equal(t, []string{"bob gen 1"}, alice.receive(t))
	early, err := alice.groups.EncryptToGroup(ctx, g, []byte("before dave"))
	require.NoError(t, err)

	require.NoError(t, alice.groups.AddMember(ctx, g, dave.ID()))
	assert.Empty(t, dave.receive(t))

	// Adding a member rotates, so dave never holds the key of early.
	_, _, err = dave.groups.DecryptFromGroup(alice.ID(), early)
	assert.ErrorIs(t, err, errs.ErrSenderKeyNotFound)

	welcome, err := alice.groups.EncryptToGroup(ctx, g, []byte("welcome dave"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), keyID(t, early))
	assert.Equal(t, uint32(2), keyID(t, welcome))
	_, pt, err := dave.groups.DecryptFromGroup(alice.ID(), welcome)
	require.NoError(t, err)
	assert.Equal(t, "welcome dave", string(pt))

	// Bob learns of dave from the rotated key and rotates his own before
	// his next send.
	assert.Empty(t, bob.receive(t))
	members, err := bob.groups.Members(g)
	require.NoError(t, err)
	assert.Contains(t, members, dave.ID())
	_, pt, err = bob.groups.DecryptFromGroup(alice.ID(), welcome)
	require.NoError(t, err)
	assert.Equal(t, "welcome dave", string(pt))

	hi, err := bob.groups.EncryptToGroup(ctx, g, []byte("hi dave"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), keyID(t, hi))
	assert.Empty(t, dave.receive(t))
	_, pt, err = dave.groups.DecryptFromGroup(bob.ID(), hi)
	require.NoError(t, err)
	assert.Equal(t, "hi dave", string(pt))
}

func TestRemovedMemberLosesAccess(t *testing.T) {
	t.Parallel()

	hub := relay.NewHub()
	alice, bob, carol := newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{})
	ctx := context.Background()

	g, err := alice.groups.CreateGroup(ctx, []domain.PeerID{bob.ID(), carol.ID()})
	require.NoError(t, err)
	assert.Empty(t, bob.receive(t))
	assert.Empty(t, carol.receive(t))
	require.NoError(t, bob.groups.SendToGroup(ctx, g, []byte("bob gen 1")))
	assert.Equal(t, []string{"bob gen 1"}, carol.receive(t))
	assert.Equal(t, []string{"bob gen 1"}, alice.receive(t))

	require.NoError(t, alice.groups.RemoveMember(ctx, g, carol.ID()))
	after, err := alice.groups.EncryptToGroup(ctx, g, []byte("without carol"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), keyID(t, after))

	_, _, err = carol.groups.DecryptFromGroup(alice.ID(), after)
	assert.ErrorIs(t, err, errs.ErrSenderKeyNotFound)

	// Bob learns of the removal and rotates before his next send.
	assert.Empty(t, bob.receive(t))
	members, err := bob.groups.Members(g)
	require.NoError(t, err)
	assert.NotContains(t, members, carol.ID())

	bobNext, err := bob.groups.EncryptToGroup(ctx, g, []byte("bob gen 2"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), keyID(t, bobNext))
	_, _, err = carol.groups.DecryptFromGroup(bob.ID(), bobNext)
	assert.ErrorIs(t, err, errs.ErrSenderKeyNotFound)

	_, pt, err := bob.groups.DecryptFromGroup(alice.ID(), after)
	require.NoError(t, err)
	assert.Equal(t, "without carol", string(pt))
}

func TestRotationIsAllOrNothing(t *testing.T) {
	t.Parallel()

	hub := relay.NewHub()
	alice, bob := newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{})
	ctx := context.Background()

	g, err := alice.groups.CreateGroup(ctx, []domain.PeerID{bob.ID()})
	require.NoError(t, err)

	alice.sessions.fail.Store(true)
	assert.Error(t, alice.groups.RotateGroupKey(ctx, g))
	assert.Error(t, alice.groups.RemoveMember(ctx, g, bob.ID()))
	alice.sessions.fail.Store(false)

	members, err := alice.groups.Members(g)
	require.NoError(t, err)
	assert.Contains(t, members, bob.ID())

	m, err := alice.groups.EncryptToGroup(ctx, g, []byte("still gen 1"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), keyID(t, m))
}

func TestCreateGroupFailsWithoutDistribution(t *testing.T) {
	t.Parallel()

	hub := relay.NewHub()
	alice := newNode(t, hub, group.Config{})

	_, err := alice.groups.CreateGroup(context.Background(), []domain.PeerID{"ghost"})
	require.ErrorIs(t, err, errs.ErrNotFound)

	ids, err := alice.groups.ListGroups()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGroupFull(t *testing.T) {
	t.Parallel()

	hub := relay.NewHub()
	alice := newNode(t, hub, group.Config{MaxMembers: 2})
	bob, carol := newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{})
	ctx := context.Background()

	_, err := alice.groups.CreateGroup(ctx, []domain.PeerID{bob.ID(), carol.ID()})
	assert.ErrorIs(t, err, errs.ErrGroupFull)

	g, err := alice.groups.CreateGroup(ctx, []domain.PeerID{bob.ID()})
	require.NoError(t, err)
	assert.ErrorIs(t, alice.groups.AddMember(ctx, g, carol.ID()), errs.ErrGroupFull)
}

func TestNonMemberRejected(t *testing.T) {
	t.Parallel()

	hub := relay.NewHub()
	alice, bob, mallory := newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{})
	ctx := context.Background()

	g, err := alice.groups.CreateGroup(ctx, []domain.PeerID{bob.ID()})
	require.NoError(t, err)
	payload, err := alice.groups.EncryptToGroup(ctx, g, []byte("members only"))
	require.NoError(t, err)

	_, _, err = alice.groups.DecryptFromGroup(mallory.ID(), payload)
	assert.ErrorIs(t, err, errs.ErrInvalidSignature)
	_, _, err = mallory.groups.DecryptFromGroup(alice.ID(), payload)
	assert.ErrorIs(t, err, errs.ErrSenderKeyNotFound)
	assert.ErrorIs(t, alice.groups.RemoveMember(ctx, g, mallory.ID()), errs.ErrNotMember)
}

func TestLeaveGroup(t *testing.T) {
	t.Parallel()

	hub := relay.NewHub()
	alice, bob := newNode(t, hub, group.Config{}), newNode(t, hub, group.Config{})
	ctx := context.Background()

	g, err := alice.groups.CreateGroup(ctx, []domain.PeerID{bob.ID()})
	require.NoError(t, err)
	bob.receive(t)

	ids, err := bob.groups.ListGroups()
	require.NoError(t, err)
	assert.Equal(t, []domain.GroupID{g}, ids)

	require.NoError(t, bob.groups.LeaveGroup(g))
	ids, err = bob.groups.ListGroups()
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = bob.groups.Members(g)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
