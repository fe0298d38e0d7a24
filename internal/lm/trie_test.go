package lm

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrie_PrefixAndContains(t *testing.T) {
	trie := NewTrie([]string{"hello", "help", "world", "help"})

	assert.Equal(t, 3, trie.Size(), "duplicates are dropped")

	assert.True(t, trie.HasPrefix("hel"))
	assert.True(t, trie.HasPrefix("hello"))
	assert.True(t, trie.HasPrefix("w"))
	assert.True(t, trie.HasPrefix(""))
	assert.False(t, trie.HasPrefix("helz"))
	assert.False(t, trie.HasPrefix("x"))

	assert.True(t, trie.Contains("help"))
	assert.False(t, trie.Contains("hel"))
}

func TestTrie_SaveLoadRoundTrip(t *testing.T) {
	trie := NewTrie([]string{"alpha", "beta", "gamma"})
	path := filepath.Join(t.TempDir(), "vocab.trie")

	require.NoError(t, trie.Save(path))

	loaded, err := LoadTrie(path)
	require.NoError(t, err)
	assert.Equal(t, trie.Size(), loaded.Size())
	assert.True(t, loaded.Contains("beta"))
	assert.True(t, loaded.HasPrefix("gam"))
	assert.False(t, loaded.Contains("delta"))
}

func TestLoadTrie_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.trie")
	require.NoError(t, os.WriteFile(path, []byte("NOPE\x04\x00\x00\x00\x00"), 0o600))

	_, err := LoadTrie(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTrieFormat)
}

func TestLoadTrie_BadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badver.trie")
	data := []byte("TRIE")
	var ver [4]byte
	binary.LittleEndian.PutUint32(ver[:], 3)
	data = append(data, ver[:]...)
	data = append(data, 0)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err := LoadTrie(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTrieFormat)
}

func TestLoadTrie_Truncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.trie")
	require.NoError(t, os.WriteFile(path, []byte("TR"), 0o600))

	_, err := LoadTrie(path)
	assert.ErrorIs(t, err, ErrTrieFormat)
}

func TestLoadTrie_Missing(t *testing.T) {
	_, err := LoadTrie(filepath.Join(t.TempDir(), "nope.trie"))
	assert.Error(t, err)
}
