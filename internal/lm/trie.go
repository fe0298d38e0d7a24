package lm

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/MeKo-Tech/ctcbeam/internal/config"
)

// ErrTrieFormat reports a trie file whose magic or version does not match.
var ErrTrieFormat = errors.New("invalid trie file format")

// Trie holds the LM vocabulary for prefix filtering. Words are kept sorted;
// prefix membership is a binary search, which is plenty at vocabulary scale.
type Trie struct {
	words []string
}

// NewTrie builds a trie from a word list.
func NewTrie(words []string) *Trie {
	sorted := append([]string(nil), words...)
	sort.Strings(sorted)
	// drop duplicates
	out := sorted[:0]
	for i, w := range sorted {
		if i > 0 && w == sorted[i-1] {
			continue
		}
		out = append(out, w)
	}
	return &Trie{words: out}
}

// Size returns the number of words.
func (t *Trie) Size() int { return len(t.words) }

// HasPrefix reports whether any vocabulary word starts with prefix.
func (t *Trie) HasPrefix(prefix string) bool {
	if prefix == "" {
		return len(t.words) > 0
	}
	i := sort.SearchStrings(t.words, prefix)
	return i < len(t.words) && strings.HasPrefix(t.words[i], prefix)
}

// Contains reports whether word is a complete vocabulary word.
func (t *Trie) Contains(word string) bool {
	i := sort.SearchStrings(t.words, word)
	return i < len(t.words) && t.words[i] == word
}

// Save serializes the trie: magic, version, word count, then
// length-prefixed words.
func (t *Trie) Save(path string) error {
	f, err := os.Create(path) //nolint:gosec // G304: writing to a user-provided trie path is expected
	if err != nil {
		return fmt.Errorf("failed to create trie file: %w", err)
	}
	w := bufio.NewWriter(f)

	if _, err := w.WriteString(config.TrieMagic); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed writing trie header: %w", err)
	}
	var ver [4]byte
	binary.LittleEndian.PutUint32(ver[:], uint32(config.TrieFileVersion))
	if _, err := w.Write(ver[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed writing trie version: %w", err)
	}

	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(t.words)))
	if _, err := w.Write(buf[:n]); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed writing trie word count: %w", err)
	}
	for _, word := range t.words {
		n := binary.PutUvarint(buf[:], uint64(len(word)))
		if _, err := w.Write(buf[:n]); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed writing trie word: %w", err)
		}
		if _, err := w.WriteString(word); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed writing trie word: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed flushing trie file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed closing trie file: %w", err)
	}
	return nil
}

// LoadTrie reads a serialized trie, rejecting unknown magic or version.
func LoadTrie(path string) (*Trie, error) {
	f, err := os.Open(path) //nolint:gosec // G304: opening a user-provided trie file is expected
	if err != nil {
		return nil, fmt.Errorf("failed to open trie file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing trie file: %v\n", err)
		}
	}()

	r := bufio.NewReader(f)

	magic := make([]byte, len(config.TrieMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrTrieFormat)
	}
	if string(magic) != config.TrieMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrTrieFormat, string(magic))
	}
	var ver [4]byte
	if _, err := io.ReadFull(r, ver[:]); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrTrieFormat)
	}
	if v := binary.LittleEndian.Uint32(ver[:]); v != uint32(config.TrieFileVersion) {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrTrieFormat, v, config.TrieFileVersion)
	}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: bad word count", ErrTrieFormat)
	}
	words := make([]string, 0, count)
	for range count {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: bad word length", ErrTrieFormat)
		}
		word := make([]byte, n)
		if _, err := io.ReadFull(r, word); err != nil {
			return nil, fmt.Errorf("%w: truncated word list", ErrTrieFormat)
		}
		words = append(words, string(word))
	}
	return NewTrie(words), nil
}
