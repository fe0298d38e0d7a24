package lm

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/MeKo-Tech/ctcbeam/internal/alphabet"
	"github.com/MeKo-Tech/ctcbeam/internal/config"
	"github.com/MeKo-Tech/ctcbeam/internal/ngram"
)

// Options configures an n-gram language model wrapper.
type Options struct {
	Unit  alphabet.Unit
	Alpha float64
	Beta  float64
	// TriePath optionally points at a serialized vocabulary trie. When the
	// file exists it is loaded; otherwise, with BuildTrie set, a trie is
	// built from the model vocabulary and saved there.
	TriePath  string
	BuildTrie bool
}

// ngramState is the LM context for NgramLM: the model context plus, in
// word-unit mode, the token indices buffered since the last word boundary.
type ngramState struct {
	context ngram.State
	tokens  []int
}

// NgramLM adapts a virtual n-gram model to the LanguageModel interface,
// converting the backend's log10 scores to natural log and handling word-unit
// deferred scoring.
type NgramLM struct {
	model ngram.Model
	ab    *alphabet.Alphabet
	unit  alphabet.Unit
	alpha float64
	beta  float64
	trie  *Trie
}

// NewNgramLM wraps an already-loaded model handle.
func NewNgramLM(model ngram.Model, ab *alphabet.Alphabet, opts Options) (*NgramLM, error) {
	if model == nil {
		return nil, errors.New("ngram model handle is nil")
	}
	if ab == nil {
		return nil, errors.New("alphabet is nil")
	}
	if opts.Unit == alphabet.UnitWord && ab.SpaceIndex() < 0 {
		return nil, errors.New("word-unit LM requires an alphabet with a space index")
	}

	l := &NgramLM{
		model: model,
		ab:    ab,
		unit:  opts.Unit,
		alpha: opts.Alpha,
		beta:  opts.Beta,
	}

	if opts.TriePath != "" {
		if _, err := os.Stat(opts.TriePath); err == nil {
			trie, err := LoadTrie(opts.TriePath)
			if err != nil {
				return nil, fmt.Errorf("failed to load vocabulary trie: %w", err)
			}
			l.trie = trie
		} else if opts.BuildTrie {
			l.trie = NewTrie(model.Vocabulary().Words())
			if err := l.trie.Save(opts.TriePath); err != nil {
				return nil, fmt.Errorf("failed to save vocabulary trie: %w", err)
			}
		} else {
			return nil, fmt.Errorf("vocabulary trie not readable: %s", opts.TriePath)
		}
	}

	return l, nil
}

// LoadNgramLM loads an ARPA model from path and wraps it.
func LoadNgramLM(modelPath string, ab *alphabet.Alphabet, opts Options) (*NgramLM, error) {
	model, err := ngram.LoadModel(modelPath)
	if err != nil {
		return nil, err
	}
	return NewNgramLM(model, ab, opts)
}

// ReentrantScorer marks the n-gram LM as safe for concurrent scoring: all
// methods are pure with respect to the input state.
func (l *NgramLM) ReentrantScorer() {}

// Alpha returns the LM weight.
func (l *NgramLM) Alpha() float64 { return l.alpha }

// Beta returns the word-insertion bonus.
func (l *NgramLM) Beta() float64 { return l.beta }

// Trie returns the vocabulary trie, or nil when none is attached.
func (l *NgramLM) Trie() *Trie { return l.trie }

// Start returns the initial context.
func (l *NgramLM) Start(startWithNothing bool) State {
	if startWithNothing {
		return &ngramState{context: l.model.NullContextState()}
	}
	return &ngramState{context: l.model.BeginSentenceState()}
}

// Score extends the context by one token. In word-unit mode, tokens other
// than the space index are buffered and the result is pending; the space
// index assembles the buffered word and scores it.
func (l *NgramLM) Score(s State, tokenIndex int) (State, Result) {
	in := l.rawState(s)

	if l.unit == alphabet.UnitWord && tokenIndex != l.ab.SpaceIndex() {
		out := &ngramState{
			context: in.context,
			tokens:  appendToken(in.tokens, tokenIndex),
		}
		return out, Result{Pending: true}
	}

	var entry string
	if l.unit == alphabet.UnitWord {
		entry = strings.Join(l.ab.MapIndicesToEntries(in.tokens), "")
	} else {
		entry = l.ab.Entry(tokenIndex)
	}

	vocabIdx := l.model.Vocabulary().Index(entry)
	if vocabIdx == ngram.UnknownWord {
		// Penalize without advancing the model context.
		return &ngramState{context: in.context}, Result{LogProb: config.OOVScore}
	}

	out := &ngramState{}
	score := l.model.BaseScore(in.context, vocabIdx, &out.context) / config.NumFltLogE
	return out, Result{LogProb: score}
}

// Finish flushes any buffered partial word, then scores end-of-sentence.
func (l *NgramLM) Finish(s State) (State, Result) {
	in := l.rawState(s)
	var score float64

	if l.unit == alphabet.UnitWord && len(in.tokens) > 0 {
		flushed, r := l.Score(s, l.ab.SpaceIndex())
		in = l.rawState(flushed)
		score += r.LogProb
	}

	out := &ngramState{}
	score += l.model.BaseScore(in.context, l.model.Vocabulary().EndSentence(), &out.context) / config.NumFltLogE
	return out, Result{LogProb: score}
}

// Compare orders states by model context, then by buffered tokens.
func (l *NgramLM) Compare(a, b State) int {
	sa, sb := l.rawState(a), l.rawState(b)
	if c := sa.context.Compare(sb.context); c != 0 {
		return c
	}
	n := min(len(sa.tokens), len(sb.tokens))
	for i := 0; i < n; i++ {
		if sa.tokens[i] != sb.tokens[i] {
			if sa.tokens[i] < sb.tokens[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(sa.tokens) < len(sb.tokens):
		return -1
	case len(sa.tokens) > len(sb.tokens):
		return 1
	default:
		return 0
	}
}

// AllowExtension consults the vocabulary trie: a non-space token must keep
// the buffered word a prefix of some vocabulary word; the space index
// requires the buffered word to be complete. Without a trie everything is
// allowed.
func (l *NgramLM) AllowExtension(s State, tokenIndex int) bool {
	if l.trie == nil || l.unit != alphabet.UnitWord {
		return true
	}
	in := l.rawState(s)
	partial := strings.Join(l.ab.MapIndicesToEntries(in.tokens), "")
	if tokenIndex == l.ab.SpaceIndex() {
		return partial == "" || l.trie.Contains(partial)
	}
	return l.trie.HasPrefix(partial + l.ab.Entry(tokenIndex))
}

func (l *NgramLM) rawState(s State) *ngramState {
	if st, ok := s.(*ngramState); ok {
		return st
	}
	// A foreign state can only mean the handle was mixed across models.
	panic("lm: state does not belong to this n-gram model")
}

// appendToken copies on append so sibling prefixes never share buffers.
func appendToken(tokens []int, tok int) []int {
	out := make([]int, 0, len(tokens)+1)
	out = append(out, tokens...)
	return append(out, tok)
}
