// Package beam implements CTC prefix beam search with optional language
// model rescoring, following the prefix-search equations of Hannun et al.
// (2014). Probabilities are manipulated in natural log throughout.
package beam

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/MeKo-Tech/ctcbeam/internal/lm"
)

// ErrBeamUnderflow reports an empty beam after selection. It cannot happen
// on well-formed input and indicates a controller bug.
var ErrBeamUnderflow = errors.New("beam underflow")

// Output is one decoded hypothesis: the collapsed token sequence, the
// timestep of each token's first emission, and the final score in natural
// log, LM contributions included.
type Output struct {
	Tokens      []int32 `json:"tokens"`
	Timesteps   []int32 `json:"timesteps"`
	Probability float64 `json:"probability"`
}

// DecoderState is the live beam of one sequence: the prefix arena, the
// current leaves, and the LM handle. A state belongs to a single goroutine.
type DecoderState struct {
	blankID  int
	classDim int
	timestep int

	arena *arena
	beam  []nodeID

	model  lm.LanguageModel
	pruner lm.ExpansionPruner // non-nil when the model filters expansions
	alpha  float64
	beta   float64
}

// Init creates a decoder state whose beam holds only the root prefix: blank
// mass one, non-blank mass zero, LM context from Start. model may be nil for
// pure CTC decoding.
func Init(blankID, classDim int, model lm.LanguageModel) (*DecoderState, error) {
	if classDim < 2 {
		return nil, fmt.Errorf("class dimension must be >= 2, got %d", classDim)
	}
	if blankID < 0 || blankID >= classDim {
		return nil, fmt.Errorf("blank id %d out of range [0, %d)", blankID, classDim)
	}

	s := &DecoderState{
		blankID:  blankID,
		classDim: classDim,
		arena:    newArena(256),
	}
	root := prefixNode{
		parent:          noNode,
		token:           -1,
		timestep:        -1,
		logProbBlank:    0,
		logProbNonBlank: logZero,
	}
	if model != nil {
		s.model = model
		s.alpha = model.Alpha()
		s.beta = model.Beta()
		root.lmState = model.Start(false)
		if p, ok := model.(lm.ExpansionPruner); ok {
			s.pruner = p
		}
	}
	s.beam = []nodeID{s.arena.alloc(root)}
	return s, nil
}

// Timestep returns the number of timesteps consumed so far.
func (s *DecoderState) Timestep() int { return s.timestep }

// Next advances the beam by timeDim timesteps. logProbs is row-major
// [timeDim x classDim]; rows are treated as log-distributions and need not
// be normalized. cutoffProb is a linear probability in (0, 1].
func (s *DecoderState) Next(logProbs []float32, timeDim, classDim int, cutoffProb float64, cutoffTopN, beamSize int) error {
	if classDim != s.classDim {
		return fmt.Errorf("class dimension mismatch: decoder has %d, input has %d", s.classDim, classDim)
	}
	if len(logProbs) != timeDim*classDim {
		return fmt.Errorf("log prob buffer has %d values, want %d", len(logProbs), timeDim*classDim)
	}
	if beamSize < 1 {
		return fmt.Errorf("beam size must be >= 1, got %d", beamSize)
	}
	if cutoffProb <= 0 || cutoffProb > 1 {
		return fmt.Errorf("cutoff probability must be in (0, 1], got %g", cutoffProb)
	}
	if cutoffTopN < 1 {
		return fmt.Errorf("cutoff top n must be >= 1, got %d", cutoffTopN)
	}

	cands := make([]candidate, 0, classDim)
	for t := 0; t < timeDim; t++ {
		row := logProbs[t*classDim : (t+1)*classDim]
		cands = s.pruneCandidates(row, cutoffProb, cutoffTopN, cands[:0])
		if err := s.step(cands, beamSize); err != nil {
			return err
		}
		s.timestep++
	}
	return nil
}

// Decode finalizes the beam: applies the LM finish contribution, sorts
// descending by score with deterministic tie-breaking, and returns up to
// beamSize hypotheses.
func (s *DecoderState) Decode(beamSize int) ([]Output, error) {
	if beamSize < 1 {
		return nil, fmt.Errorf("beam size must be >= 1, got %d", beamSize)
	}
	if len(s.beam) == 0 {
		return nil, ErrBeamUnderflow
	}

	type scored struct {
		id    nodeID
		state lm.State
		score float64
	}
	finals := make([]scored, 0, len(s.beam))
	for _, id := range s.beam {
		n := s.arena.node(id)
		sc := n.score(s.alpha, s.beta)
		st := n.lmState
		if s.model != nil {
			finished, r := s.model.Finish(n.lmState)
			sc += s.alpha * r.LogProb
			st = finished
		}
		finals = append(finals, scored{id: id, state: st, score: sc})
	}

	sort.SliceStable(finals, func(i, j int) bool {
		if finals[i].score != finals[j].score {
			return finals[i].score > finals[j].score
		}
		if s.model != nil {
			if c := s.model.Compare(finals[i].state, finals[j].state); c != 0 {
				return c < 0
			}
		}
		return s.arena.tokenSequenceCompare(finals[i].id, finals[j].id) < 0
	})

	if len(finals) > beamSize {
		finals = finals[:beamSize]
	}
	out := make([]Output, len(finals))
	for i, f := range finals {
		tokens, timesteps := s.arena.traceback(f.id)
		out[i] = Output{Tokens: tokens, Timesteps: timesteps, Probability: f.score}
	}
	return out, nil
}

// candidate is one surviving class for the current timestep.
type candidate struct {
	token   int
	logProb float64
}

// pruneCandidates sorts the row descending and keeps the smallest prefix
// whose cumulative linear mass reaches cutoffProb, capped at cutoffTopN. The
// blank is always admitted regardless of pruning.
func (s *DecoderState) pruneCandidates(row []float32, cutoffProb float64, cutoffTopN int, cands []candidate) []candidate {
	for i, lp := range row {
		cands = append(cands, candidate{token: i, logProb: float64(lp)})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].logProb > cands[j].logProb
	})

	limit := cutoffTopN
	if limit > len(cands) {
		limit = len(cands)
	}
	kept := limit
	if cutoffProb < 1 {
		var cum float64
		for i := 0; i < limit; i++ {
			cum += math.Exp(cands[i].logProb)
			if cum >= cutoffProb {
				kept = i + 1
				break
			}
		}
	}
	cands = cands[:kept]

	hasBlank := false
	for _, c := range cands {
		if c.token == s.blankID {
			hasBlank = true
			break
		}
	}
	if !hasBlank {
		cands = append(cands, candidate{token: s.blankID, logProb: float64(row[s.blankID])})
	}
	return cands
}

// step expands every live prefix by every candidate, merges by prefix
// identity, and keeps the top beamSize prefixes.
func (s *DecoderState) step(cands []candidate, beamSize int) error {
	stamp := s.timestep + 1
	touched := make([]nodeID, 0, len(s.beam)*2)

	touch := func(id nodeID) *prefixNode {
		n := s.arena.node(id)
		if n.stamp != stamp {
			n.stamp = stamp
			n.newLogProbBlank = logZero
			n.newLogProbNonBlank = logZero
			touched = append(touched, id)
		}
		return n
	}

	for _, id := range s.beam {
		p := s.arena.node(id)
		pBlank := p.logProbBlank
		pNonBlank := p.logProbNonBlank
		pTotal := logSumExp(pBlank, pNonBlank)

		for _, c := range cands {
			lp := c.logProb

			switch {
			case c.token == s.blankID:
				// Alignment emits blank: the prefix is unchanged.
				n := touch(id)
				n.newLogProbBlank = logSumExp(n.newLogProbBlank, pTotal+lp)

			case c.token == p.token:
				// Held emission extends the same alignment run.
				n := touch(id)
				n.newLogProbNonBlank = logSumExp(n.newLogProbNonBlank, pNonBlank+lp)
				// A repeat separated by blank emits a new token; only
				// the blank-ending mass may take this transition.
				if !math.IsInf(pBlank, -1) {
					s.extend(id, c.token, pBlank+lp, touch)
				}

			default:
				s.extend(id, c.token, pTotal+lp, touch)
			}
		}
	}

	// Commit accumulators and select the top beamSize prefixes.
	next := make([]nodeID, 0, len(touched))
	for _, id := range touched {
		n := s.arena.node(id)
		n.logProbBlank = n.newLogProbBlank
		n.logProbNonBlank = n.newLogProbNonBlank
		next = append(next, id)
	}
	if len(next) == 0 {
		return ErrBeamUnderflow
	}

	sort.SliceStable(next, func(i, j int) bool {
		a, b := s.arena.node(next[i]), s.arena.node(next[j])
		sa, sb := a.score(s.alpha, s.beta), b.score(s.alpha, s.beta)
		if sa != sb {
			return sa > sb
		}
		if s.model != nil {
			if c := s.model.Compare(a.lmState, b.lmState); c != 0 {
				return c < 0
			}
		}
		return s.arena.tokenSequenceCompare(next[i], next[j]) < 0
	})
	if len(next) > beamSize {
		next = next[:beamSize]
	}
	s.beam = next
	return nil
}

// extend routes mass into the child prefix (parent, token), consulting the
// LM when the child is first created. Pending LM results assign the new
// context without touching the score.
func (s *DecoderState) extend(parent nodeID, token int, mass float64, touch func(nodeID) *prefixNode) {
	p := s.arena.node(parent)

	if s.pruner != nil && !s.pruner.AllowExtension(p.lmState, token) {
		return
	}

	id := s.arena.child(parent, token, func() prefixNode {
		child := prefixNode{
			parent:          parent,
			token:           token,
			timestep:        s.timestep,
			logProbBlank:    logZero,
			logProbNonBlank: logZero,
			stamp:           0,
			lmScore:         p.lmScore,
			words:           p.words,
		}
		if s.model != nil {
			state, r := s.model.Score(p.lmState, token)
			child.lmState = state
			if !r.Pending {
				child.lmScore += r.LogProb
				child.words++
			}
		}
		return child
	})

	n := touch(id)
	n.newLogProbNonBlank = logSumExp(n.newLogProbNonBlank, mass)
}
