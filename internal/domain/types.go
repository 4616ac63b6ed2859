package domain

// PeerID is the stable identifier of a device, derived from its Ed25519
// identity public key.
type PeerID string

// GroupID names a group conversation.
type GroupID string

// PreKeyID numbers signed and one-time prekeys within one identity.
type PreKeyID uint32

// Fingerprint is a short human-comparable digest of a public key.
type Fingerprint string

// OneTimePreKeyPublic is the public half of a one-time prekey.
type OneTimePreKeyPublic struct {
	ID  PreKeyID     `json:"id"`
	Pub X25519Public `json:"pub"`
}

// PreKeyBundle is what an initiator needs to start a session with a peer.
// OneTimePreKey is nil when the peer's pool was empty.
type PreKeyBundle struct {
	PeerID                PeerID               `json:"peer_id"`
	IdentityKey           X25519Public         `json:"identity_key"`
	SigningKey            Ed25519Public        `json:"signing_key"`
	SignedPreKeyID        PreKeyID             `json:"signed_prekey_id"`
	SignedPreKey          X25519Public         `json:"signed_prekey"`
	SignedPreKeySignature []byte               `json:"signed_prekey_sig"`
	OneTimePreKey         *OneTimePreKeyPublic `json:"one_time_prekey,omitempty"`
}

// Envelope is an opaque ciphertext routed between peers. Transports never
// see anything else.
type Envelope struct {
	ID        string `json:"id,omitempty"`
	From      PeerID `json:"from"`
	To        PeerID `json:"to"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"ts"`
}

// DecryptedMessage is an application message recovered from an Envelope.
// Group is empty for pairwise messages.
type DecryptedMessage struct {
	From      PeerID
	Group     GroupID
	Plaintext []byte
	Timestamp int64
}

// SessionInfo describes a stored pairwise session without exposing keys.
type SessionInfo struct {
	Peer           PeerID
	RemoteIdentity Fingerprint
	Created        int64
	LastUsed       int64
	Sent           uint64
	Received       uint64
	Failures       int
}
