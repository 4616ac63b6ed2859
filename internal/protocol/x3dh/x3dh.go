package x3dh

import (
	"fmt"

	"parley/internal/crypto"
	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/protocol/identity"
	"parley/internal/util/memzero"
)

// LocalIdentity is the part of an identity X3DH needs.
type LocalIdentity interface {
	IdentityKey() domain.X25519Public
	SigningKey() domain.Ed25519Public
	DH(pub domain.X25519Public) ([32]byte, error)
}

// PreKeySource yields the responder's prekey private halves.
type PreKeySource interface {
	SignedPreKey(id domain.PreKeyID) (domain.X25519Private, error)
	ConsumeOneTimePreKey(id domain.PreKeyID) (domain.X25519Private, error)
}

// Secret is the result of a completed handshake.
type Secret struct {
	// Key seeds the ratchet session.
	Key []byte
	// AD binds both identities: initiator DH and signing keys, then the
	// responder's.
	AD []byte
	// SignedPreKey is the responder's signed prekey. It is the initiator's
	// first remote ratchet key and the responder's first ratchet key pair.
	SignedPreKey domain.X25519Public
	// SignedPreKeyPriv is set on the responder side only.
	SignedPreKeyPriv domain.X25519Private
}

// Wipe zeroes the secret material.
func (s *Secret) Wipe() {
	memzero.Zero(s.Key)
	crypto.WipeX25519(&s.SignedPreKeyPriv)
}

// Initiate runs X3DH against a peer bundle and returns the shared secret and
// the header the responder needs to repeat the computation.
//
//	DH1 = DH(IK_A, SPK_B)
//	DH2 = DH(EK_A, IK_B)
//	DH3 = DH(EK_A, SPK_B)
//	DH4 = DH(EK_A, OPK_B)   only if the bundle carries a one-time prekey
func Initiate(local LocalIdentity, bundle domain.PreKeyBundle) (Secret, Header, error) {
	if err := identity.VerifyBundle(bundle); err != nil {
		return Secret{}, Header{}, err
	}

	ekPriv, ekPub, err := crypto.GenerateX25519()
	if err != nil {
		return Secret{}, Header{}, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer crypto.WipeX25519(&ekPriv)

	dhs := make([]byte, 0, 32*4)
	defer func() { memzero.Zero(dhs) }()

	dh1, err := local.DH(bundle.SignedPreKey)
	if err != nil {
		return Secret{}, Header{}, fmt.Errorf("dh1: %w", errs.ErrInvalidBundle)
	}
	dhs = append(dhs, dh1[:]...)
	memzero.Zero(dh1[:])

	for i, pub := range remoteKeys(bundle) {
		dh, err := crypto.DH(ekPriv, pub)
		if err != nil {
			return Secret{}, Header{}, fmt.Errorf("dh%d: %w", i+2, errs.ErrInvalidBundle)
		}
		dhs = append(dhs, dh[:]...)
		memzero.Zero(dh[:])
	}

	h := Header{
		IdentityKey:    local.IdentityKey(),
		SigningKey:     local.SigningKey(),
		EphemeralKey:   ekPub,
		SignedPreKeyID: bundle.SignedPreKeyID,
	}
	if bundle.OneTimePreKey != nil {
		h.HasOneTimePreKey = true
		h.OneTimePreKeyID = bundle.OneTimePreKey.ID
	}

	return Secret{
		Key:          crypto.DeriveSharedSecret(dhs),
		AD:           associatedData(h.IdentityKey, h.SigningKey, bundle.IdentityKey, bundle.SigningKey),
		SignedPreKey: bundle.SignedPreKey,
	}, h, nil
}

// Respond repeats the initiator's computation from its header. A one-time
// prekey named by the header is consumed whether or not the handshake later
// succeeds, so it can never serve a second handshake.
func Respond(local LocalIdentity, keys PreKeySource, h Header) (Secret, error) {
	spkPriv, err := keys.SignedPreKey(h.SignedPreKeyID)
	if err != nil {
		return Secret{}, err
	}
	spkPub, err := crypto.PublicX25519(spkPriv)
	if err != nil {
		crypto.WipeX25519(&spkPriv)
		return Secret{}, err
	}

	var opkPriv domain.X25519Private
	defer crypto.WipeX25519(&opkPriv)
	if h.HasOneTimePreKey {
		if opkPriv, err = keys.ConsumeOneTimePreKey(h.OneTimePreKeyID); err != nil {
			crypto.WipeX25519(&spkPriv)
			return Secret{}, err
		}
	}

	dhs := make([]byte, 0, 32*4)
	defer func() { memzero.Zero(dhs) }()

	// A nil priv means the identity DH key.
	steps := []dhStep{
		{&spkPriv, h.IdentityKey},
		{nil, h.EphemeralKey},
		{&spkPriv, h.EphemeralKey},
	}
	if h.HasOneTimePreKey {
		steps = append(steps, dhStep{&opkPriv, h.EphemeralKey})
	}
	for i, s := range steps {
		var dh [32]byte
		if s.priv == nil {
			dh, err = local.DH(s.pub)
		} else {
			dh, err = crypto.DH(*s.priv, s.pub)
		}
		if err != nil {
			crypto.WipeX25519(&spkPriv)
			return Secret{}, fmt.Errorf("dh%d: %w", i+1, errs.ErrMalformed)
		}
		dhs = append(dhs, dh[:]...)
		memzero.Zero(dh[:])
	}

	sec := Secret{
		Key:              crypto.DeriveSharedSecret(dhs),
		AD:               associatedData(h.IdentityKey, h.SigningKey, local.IdentityKey(), local.SigningKey()),
		SignedPreKey:     spkPub,
		SignedPreKeyPriv: spkPriv,
	}
	crypto.WipeX25519(&spkPriv)
	return sec, nil
}

type dhStep struct {
	priv *domain.X25519Private
	pub  domain.X25519Public
}

// remoteKeys lists the bundle keys combined with the ephemeral key, in order.
func remoteKeys(b domain.PreKeyBundle) []domain.X25519Public {
	keys := []domain.X25519Public{b.IdentityKey, b.SignedPreKey}
	if b.OneTimePreKey != nil {
		keys = append(keys, b.OneTimePreKey.Pub)
	}
	return keys
}

func associatedData(aDH domain.X25519Public, aSign domain.Ed25519Public, bDH domain.X25519Public, bSign domain.Ed25519Public) []byte {
	ad := make([]byte, 0, 128)
	ad = append(ad, aDH[:]...)
	ad = append(ad, aSign[:]...)
	ad = append(ad, bDH[:]...)
	ad = append(ad, bSign[:]...)
	return ad
}
