package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/services/group"
	"parley/internal/services/session"
	"parley/internal/wire"
)

// DefaultFetchLimit is the batch size of Receive when none is given.
const DefaultFetchLimit = 100

// Service moves encrypted payloads between the engine and a transport.
//
//   - Send: seal for the peer, running a handshake first when no session
//     exists, then post the envelope.
//   - Receive: fetch queued envelopes, route each by frame kind to the
//     session or group layer, then ack what was handled.
type Service struct {
	self      domain.PeerID
	sessions  *session.Service
	groups    *group.Service
	transport domain.Transport
	now       func() time.Time
	log       *zap.Logger
}

// New returns a message service for self.
func New(
	self domain.PeerID,
	sessions *session.Service,
	groups *group.Service,
	transport domain.Transport,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		self:      self,
		sessions:  sessions,
		groups:    groups,
		transport: transport,
		now:       time.Now,
		log:       log,
	}
}

// Send encrypts plaintext for peer and posts it.
func (s *Service) Send(ctx context.Context, to domain.PeerID, plaintext []byte) error {
	payload, err := s.sessions.EncryptToPeer(to, plaintext)
	if errors.Is(err, errs.ErrSessionNotFound) {
		if _, err := s.sessions.Initiate(ctx, to); err != nil {
			return err
		}
		payload, err = s.sessions.EncryptToPeer(to, plaintext)
	}
	if err != nil {
		return err
	}
	env := domain.Envelope{From: s.self, To: to, Payload: payload, Timestamp: s.now().Unix()}
	if err := s.transport.Send(ctx, env); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// SendGroup encrypts plaintext once for group and posts it to every member.
func (s *Service) SendGroup(ctx context.Context, g domain.GroupID, plaintext []byte) error {
	return s.groups.SendToGroup(ctx, g, plaintext)
}

// Receive fetches up to limit envelopes and decrypts them in order.
//
// Envelopes rejected by the protocol (bad signature, replay, unknown
// prekey and so on) are acked and reported in the returned error, so one
// bad message never blocks the queue. A local failure such as a store
// error stops processing; that envelope and the rest stay queued. The
// returned messages are valid even when err is non-nil.
func (s *Service) Receive(ctx context.Context, limit int) ([]domain.DecryptedMessage, error) {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	envs, err := s.transport.Fetch(ctx, s.self, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	out := make([]domain.DecryptedMessage, 0, len(envs))
	var failed error
	handled := 0
	for _, env := range envs {
		msg, ok, err := s.open(env)
		if err != nil {
			reason := errs.Reason(err)
			if reason == "other" {
				failed = multierr.Append(failed, fmt.Errorf("envelope %s from %s: %w", env.ID, env.From, err))
				break
			}
			s.log.Warn("rejected envelope",
				zap.String("id", env.ID),
				zap.String("from", string(env.From)),
				zap.String("reason", reason),
				zap.Stringer("class", errs.ClassOf(err)))
			failed = multierr.Append(failed, fmt.Errorf("envelope %s from %s: %w", env.ID, env.From, err))
		} else if ok {
			out = append(out, msg)
		}
		handled++
	}

	if handled > 0 {
		if err := s.transport.Ack(ctx, s.self, handled); err != nil {
			failed = multierr.Append(failed, fmt.Errorf("ack %d envelopes: %w", handled, err))
		}
	}
	return out, failed
}

// open decrypts one envelope. ok is false for control content such as a
// sender-key distribution.
func (s *Service) open(env domain.Envelope) (domain.DecryptedMessage, bool, error) {
	if len(env.Payload) > 0 && wire.Kind(env.Payload[0]) == wire.KindGroup {
		g, pt, err := s.groups.DecryptFromGroup(env.From, env.Payload)
		if err != nil {
			return domain.DecryptedMessage{}, false, err
		}
		return domain.DecryptedMessage{From: env.From, Group: g, Plaintext: pt, Timestamp: env.Timestamp}, true, nil
	}

	t, body, err := s.sessions.DecryptFromPeer(env.From, env.Payload)
	if err != nil {
		return domain.DecryptedMessage{}, false, err
	}
	switch t {
	case wire.ContentApplication:
		return domain.DecryptedMessage{From: env.From, Plaintext: body, Timestamp: env.Timestamp}, true, nil
	case wire.ContentDistribution:
		if _, err := s.groups.AcceptDistribution(env.From, body); err != nil {
			return domain.DecryptedMessage{}, false, err
		}
		return domain.DecryptedMessage{}, false, nil
	default:
		return domain.DecryptedMessage{}, false, fmt.Errorf("content type %d: %w", t, errs.ErrMalformed)
	}
}

// Listen polls Receive every interval and hands each message to fn until
// ctx is done. Receive errors are logged and polling continues.
func (s *Service) Listen(ctx context.Context, interval time.Duration, fn func(domain.DecryptedMessage)) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		msgs, err := s.Receive(ctx, 0)
		for _, m := range msgs {
			fn(m)
		}
		if err != nil {
			s.log.Warn("receive", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
