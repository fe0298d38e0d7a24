package ngram

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrFormat reports a structurally invalid ARPA file.
var ErrFormat = errors.New("malformed ARPA model")

const (
	beginSentenceWord = "<s>"
	endSentenceWord   = "</s>"
	unknownWordEntry  = "<unk>"

	// defaultUnkLogProb applies when the model carries no <unk> unigram.
	defaultUnkLogProb = -100.0
)

type gramEntry struct {
	prob    float64 // log10
	backoff float64 // log10
}

type arpaVocab struct {
	indices map[string]WordIndex
	words   []string // index -> word; words[0] == "<unk>"
	endSent WordIndex
}

func (v *arpaVocab) Index(entry string) WordIndex {
	if idx, ok := v.indices[entry]; ok {
		return idx
	}
	return UnknownWord
}

func (v *arpaVocab) EndSentence() WordIndex { return v.endSent }

func (v *arpaVocab) Words() []string {
	out := make([]string, 0, len(v.words))
	for i, w := range v.words {
		if WordIndex(i) == UnknownWord || w == beginSentenceWord || w == endSentenceWord {
			continue
		}
		out = append(out, w)
	}
	return out
}

// ArpaModel is an in-memory n-gram model loaded from an ARPA text file.
// Scoring applies Katz back-off. All probabilities are log10, matching the
// file format; callers convert to natural log.
type ArpaModel struct {
	order      int
	vocab      *arpaVocab
	grams      []map[string]gramEntry // grams[n-1] keyed by encoded id sequence
	unkLogProb float64
	beginSent  WordIndex
}

// LoadModel reads an ARPA-format n-gram model from path.
func LoadModel(path string) (*ArpaModel, error) {
	if path == "" {
		return nil, errors.New("model path cannot be empty")
	}
	f, err := os.Open(path) //nolint:gosec // G304: opening a user-provided model file is expected
	if err != nil {
		return nil, fmt.Errorf("failed to open ARPA model: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing ARPA model file: %v\n", err)
		}
	}()

	m, err := parseArpa(bufio.NewScanner(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// parseArpa consumes an ARPA stream: a \data\ header with per-order counts,
// then one \N-grams: section per order, then \end\.
func parseArpa(scanner *bufio.Scanner) (*ArpaModel, error) {
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	counts, err := parseDataHeader(scanner)
	if err != nil {
		return nil, err
	}

	m := &ArpaModel{
		order:      len(counts),
		vocab:      &arpaVocab{indices: map[string]WordIndex{unknownWordEntry: UnknownWord}, words: []string{unknownWordEntry}},
		grams:      make([]map[string]gramEntry, len(counts)),
		unkLogProb: defaultUnkLogProb,
	}
	for n, c := range counts {
		m.grams[n] = make(map[string]gramEntry, c)
	}

	for n := 1; n <= m.order; n++ {
		if err := m.parseGramSection(scanner, n, counts[n-1]); err != nil {
			return nil, err
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == `\end\` {
			return m.finish()
		}
		return nil, fmt.Errorf("%w: unexpected trailing content %q", ErrFormat, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed reading ARPA model: %w", err)
	}
	return nil, fmt.Errorf(`%w: missing \end\ marker`, ErrFormat)
}

func (m *ArpaModel) finish() (*ArpaModel, error) {
	if u, ok := m.lookup([]WordIndex{UnknownWord}); ok {
		m.unkLogProb = u.prob
	}
	if idx, ok := m.vocab.indices[endSentenceWord]; ok {
		m.vocab.endSent = idx
	} else {
		return nil, fmt.Errorf("%w: model has no %s unigram", ErrFormat, endSentenceWord)
	}
	if idx, ok := m.vocab.indices[beginSentenceWord]; ok {
		m.beginSent = idx
	}
	return m, nil
}

func parseDataHeader(scanner *bufio.Scanner) ([]int, error) {
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == `\data\` {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed reading ARPA model: %w", err)
	}

	var counts []int
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if len(counts) > 0 {
				break
			}
			continue
		}
		rest, ok := strings.CutPrefix(line, "ngram ")
		if !ok {
			return nil, fmt.Errorf("%w: expected ngram count line, got %q", ErrFormat, line)
		}
		order, count, ok := strings.Cut(rest, "=")
		if !ok {
			return nil, fmt.Errorf("%w: bad ngram count line %q", ErrFormat, line)
		}
		n, err := strconv.Atoi(strings.TrimSpace(order))
		if err != nil || n != len(counts)+1 {
			return nil, fmt.Errorf("%w: bad ngram order in %q", ErrFormat, line)
		}
		c, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil || c < 0 {
			return nil, fmt.Errorf("%w: bad ngram count in %q", ErrFormat, line)
		}
		counts = append(counts, c)
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf(`%w: missing \data\ section`, ErrFormat)
	}
	return counts, nil
}

func (m *ArpaModel) parseGramSection(scanner *bufio.Scanner, n, count int) error {
	header := fmt.Sprintf(`\%d-grams:`, n)
	found := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == header {
			found = true
			break
		}
		return fmt.Errorf("%w: expected %s, got %q", ErrFormat, header, line)
	}
	if !found {
		return fmt.Errorf("%w: missing %s section", ErrFormat, header)
	}

	parsed := 0
	for parsed < count && scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := m.parseGramLine(line, n); err != nil {
			return err
		}
		parsed++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed reading ARPA model: %w", err)
	}
	if parsed < count {
		return fmt.Errorf("%w: %s section has %d entries, header promised %d", ErrFormat, header, parsed, count)
	}
	return nil
}

func (m *ArpaModel) parseGramLine(line string, n int) error {
	fields := strings.Fields(line)
	// prob, n words, optional backoff
	if len(fields) < n+1 || len(fields) > n+2 {
		return fmt.Errorf("%w: bad %d-gram line %q", ErrFormat, n, line)
	}
	prob, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return fmt.Errorf("%w: bad probability in %q", ErrFormat, line)
	}
	entry := gramEntry{prob: prob}
	if len(fields) == n+2 {
		bo, err := strconv.ParseFloat(fields[n+1], 64)
		if err != nil {
			return fmt.Errorf("%w: bad backoff in %q", ErrFormat, line)
		}
		entry.backoff = bo
	}

	ids := make([]WordIndex, n)
	for i, w := range fields[1 : n+1] {
		ids[i] = m.internWord(w)
	}
	m.grams[n-1][gramKey(ids)] = entry
	return nil
}

func (m *ArpaModel) internWord(w string) WordIndex {
	if idx, ok := m.vocab.indices[w]; ok {
		return idx
	}
	idx := WordIndex(len(m.vocab.words))
	m.vocab.indices[w] = idx
	m.vocab.words = append(m.vocab.words, w)
	return idx
}

// gramKey encodes a word-id sequence as a map key.
func gramKey(ids []WordIndex) string {
	buf := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.BigEndian.PutUint32(buf[4*i:], uint32(id))
	}
	return string(buf)
}

func (m *ArpaModel) lookup(ids []WordIndex) (gramEntry, bool) {
	if len(ids) == 0 || len(ids) > m.order {
		return gramEntry{}, false
	}
	e, ok := m.grams[len(ids)-1][gramKey(ids)]
	return e, ok
}

// BeginSentenceState returns a state conditioned on <s>.
func (m *ArpaModel) BeginSentenceState() State {
	if _, ok := m.vocab.indices[beginSentenceWord]; !ok {
		return State{}
	}
	return State{words: []WordIndex{m.beginSent}}
}

// NullContextState returns the empty context.
func (m *ArpaModel) NullContextState() State { return State{} }

// Vocabulary returns the model vocabulary.
func (m *ArpaModel) Vocabulary() Vocabulary { return m.vocab }

// Order returns the maximum n-gram order.
func (m *ArpaModel) Order() int { return m.order }

// BaseScore scores word against the in context with Katz back-off, writes the
// successor context to out, and returns the log10 probability. The successor
// context is the trailing order-1 window trimmed to the longest suffix the
// model actually stores, so that equivalent futures compare equal.
func (m *ArpaModel) BaseScore(in State, word WordIndex, out *State) float64 {
	ctx := in.words
	if limit := m.order - 1; len(ctx) > limit {
		ctx = ctx[len(ctx)-limit:]
	}

	next := make([]WordIndex, 0, len(ctx)+1)
	next = append(next, ctx...)
	next = append(next, word)
	if limit := m.order - 1; len(next) > limit {
		next = next[len(next)-limit:]
	}
	for len(next) > 0 {
		if _, ok := m.lookup(next); ok {
			break
		}
		next = next[1:]
	}
	out.words = append([]WordIndex(nil), next...)

	return m.backoffScore(ctx, word)
}

func (m *ArpaModel) backoffScore(ctx []WordIndex, word WordIndex) float64 {
	gram := make([]WordIndex, 0, len(ctx)+1)
	gram = append(gram, ctx...)
	gram = append(gram, word)
	if e, ok := m.lookup(gram); ok {
		return e.prob
	}
	if len(ctx) == 0 {
		return m.unkLogProb
	}
	var bo float64
	if e, ok := m.lookup(ctx); ok {
		bo = e.backoff
	}
	return bo + m.backoffScore(ctx[1:], word)
}
