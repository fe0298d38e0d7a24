package alphabet

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Unit selects how the language model consumes emitted tokens.
type Unit int

const (
	// UnitChar scores every emitted token individually.
	UnitChar Unit = iota
	// UnitWord scores only complete words delimited by the space index.
	UnitWord
)

// Alphabet is an ordered finite set of symbols with a designated blank index
// and, for word-unit language models, a designated space index. Concatenating
// entries of a decoded index sequence yields the transcription.
type Alphabet struct {
	entries    []string
	blankIndex int
	spaceIndex int
}

// New builds an Alphabet from entries. blankIndex and spaceIndex must be
// distinct and within range; pass spaceIndex -1 when no space entry exists
// (character-unit decoding only).
func New(entries []string, blankIndex, spaceIndex int) (*Alphabet, error) {
	if len(entries) == 0 {
		return nil, errors.New("alphabet has no entries")
	}
	if blankIndex < 0 || blankIndex >= len(entries) {
		return nil, fmt.Errorf("blank index %d out of range [0, %d)", blankIndex, len(entries))
	}
	if spaceIndex >= len(entries) {
		return nil, fmt.Errorf("space index %d out of range [0, %d)", spaceIndex, len(entries))
	}
	if spaceIndex >= 0 && spaceIndex == blankIndex {
		return nil, fmt.Errorf("blank index and space index must differ, both are %d", blankIndex)
	}
	return &Alphabet{
		entries:    entries,
		blankIndex: blankIndex,
		spaceIndex: spaceIndex,
	}, nil
}

// Size returns the number of entries, including the blank.
func (a *Alphabet) Size() int { return len(a.entries) }

// BlankIndex returns the CTC blank index.
func (a *Alphabet) BlankIndex() int { return a.blankIndex }

// SpaceIndex returns the word-delimiter index, or -1 if none was designated.
func (a *Alphabet) SpaceIndex() int { return a.spaceIndex }

// Entry returns the string entry for an index. Out-of-range indices return
// the empty string.
func (a *Alphabet) Entry(idx int) string {
	if idx < 0 || idx >= len(a.entries) {
		return ""
	}
	return a.entries[idx]
}

// MapIndicesToEntries resolves each index to its entry.
func (a *Alphabet) MapIndicesToEntries(indices []int) []string {
	out := make([]string, len(indices))
	for i, idx := range indices {
		out[i] = a.Entry(idx)
	}
	return out
}

// Transcribe concatenates the entries of a decoded index sequence.
func (a *Alphabet) Transcribe(indices []int) string {
	var sb strings.Builder
	for _, idx := range indices {
		sb.WriteString(a.Entry(idx))
	}
	return sb.String()
}

// removeBOM removes a UTF-8 BOM if present on the first line.
func removeBOM(line string, isFirstLine bool) string {
	if isFirstLine {
		return strings.TrimPrefix(line, "\uFEFF")
	}
	return line
}

// Load reads an alphabet file where each line is one entry, in index order.
// Lines are NFC-normalized; a UTF-8 BOM on the first line is removed. Unlike
// dictionary merging, duplicate entries are kept: index identity is what the
// decoder consumes. An entry consisting of the literal token "<space>" maps
// to a single space character.
func Load(path string, blankIndex, spaceIndex int) (*Alphabet, error) {
	if path == "" {
		return nil, errors.New("alphabet path cannot be empty")
	}
	f, err := os.Open(path) //nolint:gosec // G304: opening a user-provided alphabet file is expected
	if err != nil {
		return nil, fmt.Errorf("failed to open alphabet: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing alphabet file: %v\n", err)
		}
	}()

	scanner := bufio.NewScanner(f)
	entries := make([]string, 0, 256)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := removeBOM(scanner.Text(), lineNum == 1)
		line = strings.TrimRight(line, "\r\n")
		if line == "<space>" {
			line = " "
		}
		entries = append(entries, norm.NFC.String(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed reading alphabet: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("alphabet is empty: %s", path)
	}

	return New(entries, blankIndex, spaceIndex)
}
