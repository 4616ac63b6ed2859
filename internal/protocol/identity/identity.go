package identity

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"parley/internal/crypto"
	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/protocol/prekey"
	"parley/internal/util/memzero"
)

// StorageKeySize is the size of the device-local key that seals every
// persisted record other than the identity itself.
const StorageKeySize = 32

// signedPreKeyContext separates prekey signatures from any other use of the
// identity signing key.
const signedPreKeyContext = "parley/signed-prekey/v1"

// Identity is the long-term key material of one device.
//
// The Ed25519 key signs prekeys and defines the peer id. The X25519 key takes
// part in X3DH. Both are generated together and never leave the device.
type Identity struct {
	signPriv   domain.Ed25519Private
	signPub    domain.Ed25519Public
	dhPriv     domain.X25519Private
	dhPub      domain.X25519Public
	storageKey [StorageKeySize]byte
	created    int64
	pool       *prekey.Pool
}

// Generate creates a fresh identity with a prekey pool of poolSize one-time
// prekeys.
func Generate(poolSize int, opts prekey.Options) (*Identity, error) {
	id := &Identity{created: time.Now().Unix()}

	var err error
	if id.signPriv, id.signPub, err = crypto.GenerateEd25519(); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if id.dhPriv, id.dhPub, err = crypto.GenerateX25519(); err != nil {
		return nil, fmt.Errorf("generate identity dh key: %w", err)
	}
	if _, err = rand.Read(id.storageKey[:]); err != nil {
		return nil, fmt.Errorf("generate storage key: %w", err)
	}
	if id.pool, err = prekey.New(id, poolSize, opts); err != nil {
		return nil, fmt.Errorf("generate prekeys: %w", err)
	}
	return id, nil
}

// PeerID returns the stable peer identifier derived from the signing key.
func (id *Identity) PeerID() domain.PeerID {
	return domain.PeerID(crypto.PeerIDOf(id.signPub[:]))
}

// PeerIDFor derives the peer id of any signing key.
func PeerIDFor(signingKey domain.Ed25519Public) domain.PeerID {
	return domain.PeerID(crypto.PeerIDOf(signingKey[:]))
}

// Fingerprint returns a short digest of both public identity keys for
// out-of-band comparison.
func (id *Identity) Fingerprint() domain.Fingerprint {
	return FingerprintOf(id.dhPub, id.signPub)
}

// FingerprintOf digests a pair of public identity keys.
func FingerprintOf(dh domain.X25519Public, sign domain.Ed25519Public) domain.Fingerprint {
	buf := make([]byte, 0, 64)
	buf = append(buf, dh[:]...)
	buf = append(buf, sign[:]...)
	return domain.Fingerprint(crypto.Fingerprint(buf))
}

func (id *Identity) SigningKey() domain.Ed25519Public { return id.signPub }
func (id *Identity) IdentityKey() domain.X25519Public { return id.dhPub }
func (id *Identity) Created() time.Time               { return time.Unix(id.created, 0) }

// StorageKey returns a copy of the device-local storage key.
func (id *Identity) StorageKey() []byte { return append([]byte(nil), id.storageKey[:]...) }

// Pool returns the prekey pool owned by this identity.
func (id *Identity) Pool() *prekey.Pool { return id.pool }

// SetPool attaches a restored prekey pool.
func (id *Identity) SetPool(p *prekey.Pool) { id.pool = p }

// Sign signs msg with the identity signing key.
func (id *Identity) Sign(msg []byte) []byte { return crypto.SignEd25519(&id.signPriv, msg) }

// Verify checks sig over msg against this identity's signing key.
func (id *Identity) Verify(msg, sig []byte) error { return Verify(id.signPub, msg, sig) }

// Verify checks sig over msg against pub.
func Verify(pub domain.Ed25519Public, msg, sig []byte) error {
	if !crypto.VerifyEd25519(pub, msg, sig) {
		return errs.ErrInvalidSignature
	}
	return nil
}

// SignPreKey signs a prekey bound to this identity's DH key.
func (id *Identity) SignPreKey(pub domain.X25519Public) []byte {
	return id.Sign(PreKeySignedMessage(id.dhPub, pub))
}

// VerifyBundle checks the signed prekey signature of b.
func VerifyBundle(b domain.PreKeyBundle) error {
	msg := PreKeySignedMessage(b.IdentityKey, b.SignedPreKey)
	if err := Verify(b.SigningKey, msg, b.SignedPreKeySignature); err != nil {
		return fmt.Errorf("signed prekey %d: %w", b.SignedPreKeyID, errs.ErrInvalidBundle)
	}
	if b.PeerID != "" && b.PeerID != PeerIDFor(b.SigningKey) {
		return fmt.Errorf("peer id does not match signing key: %w", errs.ErrInvalidBundle)
	}
	return nil
}

// PreKeySignedMessage is the byte string covered by a signed prekey
// signature: a context label, the identity DH key and the prekey.
func PreKeySignedMessage(identityKey, preKey domain.X25519Public) []byte {
	msg := make([]byte, 0, len(signedPreKeyContext)+64)
	msg = append(msg, signedPreKeyContext...)
	msg = append(msg, identityKey[:]...)
	msg = append(msg, preKey[:]...)
	return msg
}

// DH computes Diffie-Hellman between the identity DH key and pub.
func (id *Identity) DH(pub domain.X25519Public) ([32]byte, error) {
	return crypto.DH(id.dhPriv, pub)
}

// Bundle hands out one prekey bundle from the pool with identity fields set.
func (id *Identity) Bundle() domain.PreKeyBundle {
	b := id.pool.Bundle()
	b.PeerID = id.PeerID()
	b.IdentityKey = id.dhPub
	b.SigningKey = id.signPub
	return b
}

// Destroy wipes the identity and its pool.
func (id *Identity) Destroy() {
	crypto.WipeEd25519(&id.signPriv)
	crypto.WipeX25519(&id.dhPriv)
	memzero.Zero(id.storageKey[:])
	if id.pool != nil {
		id.pool.Destroy()
	}
}

type record struct {
	SignPriv   domain.Ed25519Private `cbor:"1,keyasint"`
	DHPriv     domain.X25519Private  `cbor:"2,keyasint"`
	StorageKey [StorageKeySize]byte  `cbor:"3,keyasint"`
	Created    int64                 `cbor:"4,keyasint"`
}

// MarshalBinary serializes the long-term keys. The prekey pool is persisted
// on its own.
func (id *Identity) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(record{
		SignPriv:   id.signPriv,
		DHPriv:     id.dhPriv,
		StorageKey: id.storageKey,
		Created:    id.created,
	})
}

// Restore rebuilds an identity from MarshalBinary output. The pool must be
// attached with SetPool.
func Restore(b []byte) (*Identity, error) {
	var rec record
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	id := &Identity{
		signPriv:   rec.SignPriv,
		dhPriv:     rec.DHPriv,
		storageKey: rec.StorageKey,
		created:    rec.Created,
	}
	copy(id.signPub[:], rec.SignPriv[32:])
	pub, err := crypto.PublicX25519(rec.DHPriv)
	if err != nil {
		return nil, fmt.Errorf("derive identity dh key: %w", err)
	}
	id.dhPub = pub
	memzero.Zero(rec.SignPriv[:])
	memzero.Zero(rec.DHPriv[:])
	memzero.Zero(rec.StorageKey[:])
	return id, nil
}
