package identity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/errs"
	"parley/internal/protocol/identity"
	"parley/internal/protocol/prekey"
)

func generate(t *testing.T, pool int) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(pool, prekey.Options{})
	require.NoError(t, err)
	return id
}

func TestGenerate_PeerIDIsStable(t *testing.T) {
	t.Parallel()

	id := generate(t, 5)
	assert.Len(t, string(id.PeerID()), 64)
	assert.Equal(t, id.PeerID(), identity.PeerIDFor(id.SigningKey()))
	assert.Equal(t, 5, id.Pool().Count())

	other := generate(t, 0)
	assert.NotEqual(t, id.PeerID(), other.PeerID())
}

func TestSignVerify(t *testing.T) {
	t.Parallel()

	id := generate(t, 0)
	sig := id.Sign([]byte("hello"))
	require.NoError(t, id.Verify([]byte("hello"), sig))

	err := id.Verify([]byte("hellp"), sig)
	assert.ErrorIs(t, err, errs.ErrInvalidSignature)

	err = identity.Verify(generate(t, 0).SigningKey(), []byte("hello"), sig)
	assert.ErrorIs(t, err, errs.ErrInvalidSignature)
}

func TestBundle_Verifies(t *testing.T) {
	t.Parallel()

	id := generate(t, 1)
	b := id.Bundle()
	require.NoError(t, identity.VerifyBundle(b))
	assert.Equal(t, id.PeerID(), b.PeerID)

	forged := b
	forged.IdentityKey = generate(t, 0).IdentityKey()
	assert.ErrorIs(t, identity.VerifyBundle(forged), errs.ErrInvalidBundle)

	forged = b
	forged.SignedPreKeySignature = append([]byte(nil), b.SignedPreKeySignature...)
	forged.SignedPreKeySignature[0] ^= 0x80
	assert.ErrorIs(t, identity.VerifyBundle(forged), errs.ErrInvalidBundle)

	forged = b
	forged.PeerID = "someone-else"
	assert.ErrorIs(t, identity.VerifyBundle(forged), errs.ErrInvalidBundle)
}

func TestMarshalRestore(t *testing.T) {
	t.Parallel()

	id := generate(t, 2)
	raw, err := id.MarshalBinary()
	require.NoError(t, err)

	back, err := identity.Restore(raw)
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), back.PeerID())
	assert.Equal(t, id.IdentityKey(), back.IdentityKey())
	assert.Equal(t, id.StorageKey(), back.StorageKey())
	assert.Nil(t, back.Pool())

	sig := back.Sign([]byte("m"))
	assert.NoError(t, id.Verify([]byte("m"), sig))

	a, err := id.DH(back.IdentityKey())
	require.NoError(t, err)
	b, err := back.DH(id.IdentityKey())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDestroy_WipesStorageKey(t *testing.T) {
	t.Parallel()

	id := generate(t, 1)
	id.Destroy()
	assert.Equal(t, make([]byte, identity.StorageKeySize), id.StorageKey())
}
