package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"parley/internal/domain"
	"parley/internal/metrics"
	"parley/internal/protocol/identity"
	"parley/internal/relay"
	"parley/internal/services/group"
	identitysvc "parley/internal/services/identity"
	"parley/internal/services/message"
	prekeysvc "parley/internal/services/prekey"
	"parley/internal/services/session"
	"parley/internal/store"
	"parley/internal/util/memzero"
)

// Wire bundles the unlocked identity with every store, service and client
// the CLI needs.
type Wire struct {
	Config   Config
	Identity *identity.Identity
	PreKeys  *prekeysvc.Service
	Sessions *session.Service
	Groups   *group.Service
	Messages *message.Service
	Relay    *relay.Client
	Registry *prometheus.Registry
	Log      *zap.Logger

	sealed *store.Sealed
}

// Identities returns the identity service over the file store in cfg.Home.
func Identities(cfg Config, log *zap.Logger) *identitysvc.Service {
	fs := store.NewFileStore(cfg.Home).WithScryptParams(cfg.scrypt())
	return identitysvc.New(fs, cfg.preKeyOptions(), log)
}

// Init creates the local identity and its first prekey pool.
func Init(cfg Config, passphrase string, log *zap.Logger) (domain.PeerID, domain.Fingerprint, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fs := store.NewFileStore(cfg.Home).WithScryptParams(cfg.scrypt())
	id, err := identitysvc.New(fs, cfg.preKeyOptions(), log).Create(passphrase, cfg.PreKeys.PoolSize)
	if err != nil {
		return "", "", err
	}
	defer id.Destroy()

	sealed := newSealed(fs, id)
	defer sealed.Close()
	keys := prekeysvc.New(id, sealed, nil, cfg.preKeyService(), cfg.preKeyOptions(), nil, log)
	if err := keys.Load(); err != nil {
		return "", "", fmt.Errorf("save prekey pool: %w", err)
	}
	return id.PeerID(), id.Fingerprint(), nil
}

// NewWire unlocks the identity with passphrase and constructs the
// dependency graph from cfg.
func NewWire(cfg Config, passphrase string, log *zap.Logger) (*Wire, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fs := store.NewFileStore(cfg.Home).WithScryptParams(cfg.scrypt())
	id, err := identitysvc.New(fs, cfg.preKeyOptions(), log).Unlock(passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlock identity: %w", err)
	}
	log = log.With(zap.String("self", string(id.PeerID())))

	sealed := newSealed(fs, id)
	rc := relay.NewClient(cfg.Relay.URL, cfg.Relay.Timeout)
	reg := prometheus.NewRegistry()
	m := metrics.NewEngine(reg)

	keys := prekeysvc.New(id, sealed, rc, cfg.preKeyService(), cfg.preKeyOptions(), m, log.Named("prekey"))
	if err := keys.Load(); err != nil {
		sealed.Close()
		id.Destroy()
		return nil, err
	}
	sessions := session.New(id, keys, sealed, rc, cfg.sessionService(), m, log.Named("session"))
	groups := group.New(id.PeerID(), sessions, rc, sealed, cfg.groupService(), m, log.Named("group"))

	return &Wire{
		Config:   cfg,
		Identity: id,
		PreKeys:  keys,
		Sessions: sessions,
		Groups:   groups,
		Messages: message.New(id.PeerID(), sessions, groups, rc, log.Named("message")),
		Relay:    rc,
		Registry: reg,
		Log:      log,
		sealed:   sealed,
	}, nil
}

// Close wipes every key held in memory.
func (w *Wire) Close() {
	w.Groups.Close()
	w.Sessions.Close()
	w.sealed.Close()
	w.Identity.Destroy()
}

func newSealed(fs *store.FileStore, id *identity.Identity) *store.Sealed {
	key := id.StorageKey()
	defer memzero.Zero(key)
	return store.NewSealed(fs, key)
}
