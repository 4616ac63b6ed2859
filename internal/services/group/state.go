package group

import (
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"

	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/protocol/senderkey"
)

const recordVersion = 1

type record struct {
	Version     int                        `cbor:"1,keyasint"`
	ID          domain.GroupID             `cbor:"2,keyasint"`
	Members     []domain.PeerID            `cbor:"3,keyasint"`
	Own         []byte                     `cbor:"4,keyasint,omitempty"`
	Senders     map[domain.PeerID][][]byte `cbor:"5,keyasint"`
	Distributed map[domain.PeerID]uint32   `cbor:"6,keyasint"`
	Rotate      bool                       `cbor:"7,keyasint,omitempty"`
	Created     int64                      `cbor:"8,keyasint"`
}

// state is the decoded group. senders holds each member's chains, newest
// generation first.
type state struct {
	id          domain.GroupID
	members     []domain.PeerID
	own         *senderkey.State
	senders     map[domain.PeerID][]*senderkey.State
	distributed map[domain.PeerID]uint32
	rotate      bool
	created     int64
}

func newGroupState(id domain.GroupID, members []domain.PeerID, created int64) *state {
	return &state{
		id:          id,
		members:     members,
		senders:     make(map[domain.PeerID][]*senderkey.State),
		distributed: make(map[domain.PeerID]uint32),
		created:     created,
	}
}

func (g *state) isMember(p domain.PeerID) bool { return slices.Contains(g.members, p) }

// others returns every member except self.
func (g *state) others(self domain.PeerID) []domain.PeerID {
	out := make([]domain.PeerID, 0, len(g.members))
	for _, m := range g.members {
		if m != self {
			out = append(out, m)
		}
	}
	return out
}

// shallow copies the containers so a staged change can be dropped. Sender
// states are shared.
func (g *state) shallow() *state {
	c := *g
	c.members = slices.Clone(g.members)
	c.senders = make(map[domain.PeerID][]*senderkey.State, len(g.senders))
	for p, gens := range g.senders {
		c.senders[p] = slices.Clone(gens)
	}
	c.distributed = make(map[domain.PeerID]uint32, len(g.distributed))
	for p, k := range g.distributed {
		c.distributed[p] = k
	}
	return &c
}

func (g *state) destroy() {
	if g.own != nil {
		g.own.Destroy()
	}
	for _, gens := range g.senders {
		for _, st := range gens {
			st.Destroy()
		}
	}
}

func (g *state) marshal() ([]byte, error) {
	rec := record{
		Version:     recordVersion,
		ID:          g.id,
		Members:     g.members,
		Senders:     make(map[domain.PeerID][][]byte, len(g.senders)),
		Distributed: g.distributed,
		Rotate:      g.rotate,
		Created:     g.created,
	}
	if g.own != nil {
		b, err := g.own.MarshalBinary()
		if err != nil {
			return nil, err
		}
		rec.Own = b
	}
	for p, gens := range g.senders {
		for _, st := range gens {
			b, err := st.MarshalBinary()
			if err != nil {
				return nil, err
			}
			rec.Senders[p] = append(rec.Senders[p], b)
		}
	}
	return cbor.Marshal(rec)
}

func unmarshalState(b []byte, opts senderkey.Options) (*state, error) {
	var rec record
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode group record: %w", err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported group record version %d", rec.Version)
	}
	g := newGroupState(rec.ID, rec.Members, rec.Created)
	g.rotate = rec.Rotate
	for p, k := range rec.Distributed {
		g.distributed[p] = k
	}
	if len(rec.Own) > 0 {
		own, err := senderkey.Restore(rec.Own, opts)
		if err != nil {
			return nil, err
		}
		g.own = own
	}
	for p, gens := range rec.Senders {
		for _, raw := range gens {
			st, err := senderkey.Restore(raw, opts)
			if err != nil {
				g.destroy()
				return nil, err
			}
			g.senders[p] = append(g.senders[p], st)
		}
	}
	return g, nil
}

// keyMessage is the distribution content sent over pairwise sessions: the
// sender's chain and the member list it believes current.
type keyMessage struct {
	Key     []byte          `cbor:"1,keyasint"`
	Members []domain.PeerID `cbor:"2,keyasint"`
}

func parseKeyMessage(b []byte) (senderkey.Distribution, []domain.PeerID, error) {
	var k keyMessage
	if err := cbor.Unmarshal(b, &k); err != nil {
		return senderkey.Distribution{}, nil, fmt.Errorf("decode key message: %v: %w", err, errs.ErrMalformed)
	}
	d, err := senderkey.ParseDistribution(k.Key)
	if err != nil {
		return senderkey.Distribution{}, nil, err
	}
	return d, k.Members, nil
}
