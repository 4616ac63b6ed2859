package store_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/domain"
	"parley/internal/errs"
	"parley/internal/store"
)

var fastKDF = store.ScryptParams{N: 1 << 10, R: 8, P: 1}

func storageKey() []byte { return bytes.Repeat([]byte{7}, 32) }

func TestStorageEnvelope_RoundTrip(t *testing.T) {
	t.Parallel()

	key := storageKey()
	blob, err := store.EncryptForStorage(key, []byte("session state"))
	require.NoError(t, err)
	assert.Equal(t, byte(store.EnvelopeVersion), blob[0])

	pt, err := store.DecryptForStorage(key, blob)
	require.NoError(t, err)
	assert.Equal(t, "session state", string(pt))

	again, err := store.EncryptForStorage(key, []byte("session state"))
	require.NoError(t, err)
	assert.NotEqual(t, blob, again, "nonces must be fresh")
}

func TestStorageEnvelope_Failures(t *testing.T) {
	t.Parallel()

	key := storageKey()
	blob, err := store.EncryptForStorage(key, []byte("x"))
	require.NoError(t, err)

	wrong := bytes.Repeat([]byte{8}, 32)
	_, err = store.DecryptForStorage(wrong, blob)
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)

	for i := range blob {
		bad := append([]byte(nil), blob...)
		bad[i] ^= 0x01
		_, err := store.DecryptForStorage(key, bad)
		require.Error(t, err, "byte %d", i)
	}

	_, err = store.DecryptForStorage(key, blob[:10])
	assert.ErrorIs(t, err, errs.ErrMalformed)

	_, err = store.EncryptForStorage(key[:16], []byte("x"))
	assert.Error(t, err)
}

func TestFileStore_Identity(t *testing.T) {
	t.Parallel()

	fs := store.NewFileStore(t.TempDir()).WithScryptParams(fastKDF)
	assert.False(t, fs.HasIdentity())

	_, err := fs.LoadIdentity("pass")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, fs.SaveIdentity("pass", []byte("identity record")))
	assert.True(t, fs.HasIdentity())

	got, err := fs.LoadIdentity("pass")
	require.NoError(t, err)
	assert.Equal(t, "identity record", string(got))

	_, err = fs.LoadIdentity("wrong")
	assert.ErrorIs(t, err, store.ErrWrongPassphrase)
}

func TestFileStore_Records(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := store.NewFileStore(dir)

	_, ok, err := fs.LoadPreKeys()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, fs.SavePreKeys([]byte("pool")))
	b, ok, err := fs.LoadPreKeys()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pool", string(b))

	peers := []domain.PeerID{"aa11", "bb22/../odd name"}
	for _, p := range peers {
		require.NoError(t, fs.SaveSession(p, []byte("s-"+string(p))))
	}
	listed, err := fs.ListSessions()
	require.NoError(t, err)
	assert.ElementsMatch(t, peers, listed)

	b, ok, err = fs.LoadSession(peers[1])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s-"+string(peers[1]), string(b))

	require.NoError(t, fs.DeleteSession(peers[0]))
	require.NoError(t, fs.DeleteSession(peers[0]))
	_, ok, err = fs.LoadSession(peers[0])
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fs.SaveGroup("team", []byte("g")))
	groups, err := fs.ListGroups()
	require.NoError(t, err)
	assert.Equal(t, []domain.GroupID{"team"}, groups)
	require.NoError(t, fs.DeleteGroup("team"))
	groups, err = fs.ListGroups()
	require.NoError(t, err)
	assert.Empty(t, groups)

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemoryStore_Identity(t *testing.T) {
	t.Parallel()

	ms := store.NewMemoryStore().WithScryptParams(fastKDF)
	_, err := ms.LoadIdentity("pass")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, ms.SaveIdentity("pass", []byte("id")))
	got, err := ms.LoadIdentity("pass")
	require.NoError(t, err)
	assert.Equal(t, "id", string(got))
	_, err = ms.LoadIdentity("nope")
	assert.ErrorIs(t, err, store.ErrWrongPassphrase)
}

func TestMemoryStore_CopiesRecords(t *testing.T) {
	t.Parallel()

	ms := store.NewMemoryStore()
	rec := []byte("abc")
	require.NoError(t, ms.SaveSession("p", rec))
	rec[0] = 'z'

	got, ok, err := ms.LoadSession("p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))
}

func TestSealed_EncryptsAtRest(t *testing.T) {
	t.Parallel()

	backend := store.NewMemoryStore()
	sealed := store.NewSealed(backend, storageKey())

	require.NoError(t, sealed.SaveSession("peer", []byte("chain keys")))
	raw, ok, err := backend.LoadSession("peer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, string(raw), "chain keys")

	got, ok, err := sealed.LoadSession("peer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "chain keys", string(got))

	require.NoError(t, sealed.SaveGroup("g", []byte("sender keys")))
	got, ok, err = sealed.LoadGroup("g")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sender keys", string(got))

	require.NoError(t, sealed.SavePreKeys([]byte("pool")))
	got, ok, err = sealed.LoadPreKeys()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pool", string(got))

	_, ok, err = sealed.LoadSession("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSealed_WrongKey(t *testing.T) {
	t.Parallel()

	backend := store.NewMemoryStore()
	require.NoError(t, store.NewSealed(backend, storageKey()).SaveSession("peer", []byte("x")))

	other := store.NewSealed(backend, bytes.Repeat([]byte{1}, 32))
	_, _, err := other.LoadSession("peer")
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestStorageEnvelope_LabelIsBound(t *testing.T) {
	t.Parallel()

	key := storageKey()
	blob, err := store.EncryptRecord(key, "session/alice", []byte("x"))
	require.NoError(t, err)

	pt, err := store.DecryptRecord(key, "session/alice", blob)
	require.NoError(t, err)
	assert.Equal(t, "x", string(pt))

	_, err = store.DecryptRecord(key, "session/bob", blob)
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
	_, err = store.DecryptForStorage(key, blob)
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestSealed_RecordMovedToAnotherSlot(t *testing.T) {
	t.Parallel()

	backend := store.NewMemoryStore()
	sealed := store.NewSealed(backend, storageKey())
	require.NoError(t, sealed.SaveSession("alice", []byte("alice chain")))
	raw, ok, err := backend.LoadSession("alice")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, backend.SaveSession("bob", raw))
	_, _, err = sealed.LoadSession("bob")
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)

	require.NoError(t, backend.SaveGroup("alice", raw))
	_, _, err = sealed.LoadGroup("alice")
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)

	require.NoError(t, backend.SavePreKeys(raw))
	_, _, err = sealed.LoadPreKeys()
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)

	got, ok, err := sealed.LoadSession("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice chain", string(got))
}
