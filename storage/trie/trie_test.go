package trie

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"meridian/storage"
)

func TestTrieCommitFlushPersistsData(t *testing.T) {
	dir := t.TempDir()

	db1, err := storage.NewLevelDB(dir)
	require.NoError(t, err)

	tr, err := NewTrie(db1, nil)
	require.NoError(t, err)

	key := crypto.Keccak256Hash([]byte("rewards/epoch/1"))
	value := []byte("value")

	require.NoError(t, tr.Update(key.Bytes(), value))
	root, err := tr.Commit(common.Hash{}, 0)
	require.NoError(t, err)

	db1.Close()

	db2, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	restored, err := NewTrie(db2, root.Bytes())
	require.NoError(t, err)

	got, err := restored.Get(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestTrieResetDiscardsPendingWrites(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	tr, err := NewTrie(db, nil)
	require.NoError(t, err)

	key := crypto.Keccak256Hash([]byte("rewards/pool/7")).Bytes()
	require.NoError(t, tr.Update(key, []byte("committed")))
	root, err := tr.Commit(common.Hash{}, 0)
	require.NoError(t, err)

	require.NoError(t, tr.Update(key, []byte("speculative")))
	require.NoError(t, tr.Reset(root))

	got, err := tr.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("committed"), got)
}

func TestTrieCopyMutatesIndependently(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	tr, err := NewTrie(db, nil)
	require.NoError(t, err)

	key := crypto.Keccak256Hash([]byte("rewards/delegate/a")).Bytes()
	require.NoError(t, tr.Update(key, []byte("base")))

	clone, err := tr.Copy()
	require.NoError(t, err)
	require.NoError(t, clone.Update(key, []byte("diverged")))

	got, err := tr.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("base"), got)

	cloned, err := clone.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("diverged"), cloned)
}
