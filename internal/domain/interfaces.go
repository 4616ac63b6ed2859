package domain

import "context"

// IdentityStore persists the local identity record sealed under a passphrase.
type IdentityStore interface {
	SaveIdentity(passphrase string, record []byte) error
	LoadIdentity(passphrase string) ([]byte, error)
}

// PreKeyStore persists the serialized prekey pool.
type PreKeyStore interface {
	SavePreKeys(record []byte) error
	LoadPreKeys() ([]byte, bool, error)
}

// SessionStore keeps one serialized ratchet session per peer.
type SessionStore interface {
	SaveSession(peer PeerID, record []byte) error
	LoadSession(peer PeerID) ([]byte, bool, error)
	DeleteSession(peer PeerID) error
	ListSessions() ([]PeerID, error)
}

// GroupStore keeps one serialized group record (membership and sender keys)
// per group.
type GroupStore interface {
	SaveGroup(group GroupID, record []byte) error
	LoadGroup(group GroupID) ([]byte, bool, error)
	DeleteGroup(group GroupID) error
	ListGroups() ([]GroupID, error)
}

// Directory publishes our prekey bundles and hands out peers' bundles.
// Each published one-time prekey is handed out at most once.
type Directory interface {
	PublishBundles(ctx context.Context, bundles []PreKeyBundle) error
	FetchBundle(ctx context.Context, peer PeerID) (PreKeyBundle, error)
}

// Transport moves opaque envelopes between peers.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Fetch(ctx context.Context, peer PeerID, limit int) ([]Envelope, error)
	Ack(ctx context.Context, peer PeerID, count int) error
}
