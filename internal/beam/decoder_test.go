package beam

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/ctcbeam/internal/lm"
)

func logf(p float64) float32 {
	if p == 0 {
		return float32(math.Inf(-1))
	}
	return float32(math.Log(p))
}

func mustDecode(t *testing.T, logProbs []float32, timeDim, classDim, blankID, beamSize int, model lm.LanguageModel) []Output {
	t.Helper()
	state, err := Init(blankID, classDim, model)
	require.NoError(t, err)
	require.NoError(t, state.Next(logProbs, timeDim, classDim, 1.0, classDim, beamSize))
	out, err := state.Decode(beamSize)
	require.NoError(t, err)
	return out
}

func TestInit_Validation(t *testing.T) {
	_, err := Init(0, 1, nil)
	assert.Error(t, err)

	_, err = Init(-1, 3, nil)
	assert.Error(t, err)

	_, err = Init(3, 3, nil)
	assert.Error(t, err)

	state, err := Init(0, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Timestep())
}

func TestNext_Validation(t *testing.T) {
	state, err := Init(0, 3, nil)
	require.NoError(t, err)

	row := []float32{logf(0.4), logf(0.3), logf(0.3)}

	assert.Error(t, state.Next(row, 1, 4, 1.0, 3, 2), "class dim mismatch")
	assert.Error(t, state.Next(row, 2, 3, 1.0, 3, 2), "short buffer")
	assert.Error(t, state.Next(row, 1, 3, 1.0, 3, 0), "beam size")
	assert.Error(t, state.Next(row, 1, 3, 0, 3, 2), "cutoff prob zero")
	assert.Error(t, state.Next(row, 1, 3, 1.5, 3, 2), "cutoff prob above one")
	assert.Error(t, state.Next(row, 1, 3, 1.0, 0, 2), "cutoff top n")
}

// Single timestep, two candidate classes: hypotheses are the two classes in
// probability order.
func TestDecode_SingleTimestep(t *testing.T) {
	logProbs := []float32{logf(0), logf(0.7), logf(0.3)}
	out := mustDecode(t, logProbs, 1, 3, 0, 2, nil)

	require.Len(t, out, 2)
	assert.Equal(t, []int32{1}, out[0].Tokens)
	assert.Equal(t, []int32{0}, out[0].Timesteps)
	assert.InDelta(t, math.Log(0.7), out[0].Probability, 1e-6)

	assert.Equal(t, []int32{2}, out[1].Tokens)
	assert.Equal(t, []int32{0}, out[1].Timesteps)
	assert.InDelta(t, math.Log(0.3), out[1].Probability, 1e-6)
}

// Two timesteps dominated by class 1: the held and blank-separated
// alignments collapse into one hypothesis whose mass is their sum.
func TestDecode_CollapseMergesAlignments(t *testing.T) {
	logProbs := []float32{
		logf(0.1), logf(0.9), logf(0),
		logf(0.9), logf(0.1), logf(0),
	}
	out := mustDecode(t, logProbs, 2, 3, 0, 1, nil)

	require.Len(t, out, 1)
	assert.Equal(t, []int32{1}, out[0].Tokens)
	assert.Equal(t, []int32{0}, out[0].Timesteps)
	assert.InDelta(t, math.Log(0.9*0.9+0.9*0.1), out[0].Probability, 1e-6)
}

// Certain emissions of two distinct classes decode to both tokens with
// probability one.
func TestDecode_CertainSequence(t *testing.T) {
	logProbs := []float32{
		logf(0), 0, logf(0),
		logf(0), logf(0), 0,
	}
	out := mustDecode(t, logProbs, 2, 3, 0, 1, nil)

	require.Len(t, out, 1)
	assert.Equal(t, []int32{1, 2}, out[0].Tokens)
	assert.Equal(t, []int32{0, 1}, out[0].Timesteps)
	assert.InDelta(t, 0.0, out[0].Probability, 1e-6)
}

// A repeated token needs an intervening blank; without one the run collapses.
func TestDecode_RepeatRequiresBlank(t *testing.T) {
	// class 1 certain at both timesteps: the only alignments are 11 -> [1].
	logProbs := []float32{
		logf(0), 0, logf(0),
		logf(0), 0, logf(0),
	}
	out := mustDecode(t, logProbs, 2, 3, 0, 4, nil)
	require.NotEmpty(t, out)
	assert.Equal(t, []int32{1}, out[0].Tokens)
	assert.InDelta(t, 0.0, out[0].Probability, 1e-6)

	// With a certain blank between, the repeat survives as two tokens.
	logProbs = []float32{
		logf(0), 0, logf(0),
		0, logf(0), logf(0),
		logf(0), 0, logf(0),
	}
	out = mustDecode(t, logProbs, 3, 3, 0, 4, nil)
	require.NotEmpty(t, out)
	assert.Equal(t, []int32{1, 1}, out[0].Tokens)
	assert.Equal(t, []int32{0, 2}, out[0].Timesteps)
	assert.InDelta(t, 0.0, out[0].Probability, 1e-6)
}

// Empty sequence: decode without any Next yields one empty hypothesis with
// score zero.
func TestDecode_EmptySequence(t *testing.T) {
	state, err := Init(0, 3, nil)
	require.NoError(t, err)
	out, err := state.Decode(4)
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Empty(t, out[0].Tokens)
	assert.InDelta(t, 0.0, out[0].Probability, 1e-12)
}

// All-blank input: a single hypothesis with no tokens.
func TestDecode_AllBlank(t *testing.T) {
	logProbs := []float32{
		0, logf(0), logf(0),
		0, logf(0), logf(0),
	}
	out := mustDecode(t, logProbs, 2, 3, 0, 4, nil)

	require.NotEmpty(t, out)
	assert.Empty(t, out[0].Tokens)
	assert.InDelta(t, 0.0, out[0].Probability, 1e-6)
}

// A fully -Inf row must not fail; the beam survives with -Inf scores.
func TestDecode_DegenerateRow(t *testing.T) {
	logProbs := []float32{
		logf(0), logf(0), logf(0),
	}
	out := mustDecode(t, logProbs, 1, 3, 0, 2, nil)
	require.NotEmpty(t, out)
	assert.True(t, math.IsInf(out[0].Probability, -1))
}

// constLM scores every token with a fixed contribution.
type constLM struct {
	delta  float64
	finish float64
	alpha  float64
	beta   float64
}

type constLMState struct{}

func (c *constLM) Start(bool) lm.State { return constLMState{} }

func (c *constLM) Score(s lm.State, _ int) (lm.State, lm.Result) {
	return s, lm.Result{LogProb: c.delta}
}

func (c *constLM) Finish(s lm.State) (lm.State, lm.Result) {
	return s, lm.Result{LogProb: c.finish}
}

func (c *constLM) Compare(a, b lm.State) int { return 0 }

func (c *constLM) Alpha() float64 { return c.alpha }

func (c *constLM) Beta() float64 { return c.beta }

// A constant per-token LM penalty shifts every score by delta times the
// hypothesis length.
func TestDecode_ConstantLMPenalty(t *testing.T) {
	logProbs := []float32{logf(0), logf(0.7), logf(0.3)}

	plain := mustDecode(t, logProbs, 1, 3, 0, 2, nil)
	rescored := mustDecode(t, logProbs, 1, 3, 0, 2, &constLM{delta: -5, alpha: 1})

	require.Len(t, plain, 2)
	require.Len(t, rescored, 2)
	for i := range plain {
		assert.Equal(t, plain[i].Tokens, rescored[i].Tokens)
		want := plain[i].Probability - 5*float64(len(plain[i].Tokens))
		assert.InDelta(t, want, rescored[i].Probability, 1e-6)
	}
}

// The word-insertion bonus raises scores by beta per scored token.
func TestDecode_WordBonus(t *testing.T) {
	logProbs := []float32{logf(0), logf(0.7), logf(0.3)}

	plain := mustDecode(t, logProbs, 1, 3, 0, 2, nil)
	boosted := mustDecode(t, logProbs, 1, 3, 0, 2, &constLM{delta: 0, beta: 1.5})

	require.Len(t, boosted, 2)
	for i := range plain {
		want := plain[i].Probability + 1.5*float64(len(plain[i].Tokens))
		assert.InDelta(t, want, boosted[i].Probability, 1e-6)
	}
}

// Cutoff pruning with full top-n and probability 1 is a no-op.
func TestNext_NoPruningEquivalence(t *testing.T) {
	logProbs := []float32{
		logf(0.3), logf(0.4), logf(0.2), logf(0.1),
		logf(0.1), logf(0.2), logf(0.3), logf(0.4),
		logf(0.25), logf(0.25), logf(0.25), logf(0.25),
	}

	unpruned, err := Init(0, 4, nil)
	require.NoError(t, err)
	require.NoError(t, unpruned.Next(logProbs, 3, 4, 1.0, 64, 8))
	full, err := unpruned.Decode(8)
	require.NoError(t, err)

	state, err := Init(0, 4, nil)
	require.NoError(t, err)
	require.NoError(t, state.Next(logProbs, 3, 4, 1.0, 4, 8))
	same, err := state.Decode(8)
	require.NoError(t, err)

	assert.Equal(t, full, same)
}

// Aggressive top-n pruning still admits the blank.
func TestNext_PruningKeepsBlank(t *testing.T) {
	// blank is the least likely class everywhere
	logProbs := []float32{
		logf(0.02), logf(0.5), logf(0.48),
		logf(0.02), logf(0.5), logf(0.48),
		logf(0.02), logf(0.5), logf(0.48),
	}
	state, err := Init(0, 3, nil)
	require.NoError(t, err)
	require.NoError(t, state.Next(logProbs, 3, 3, 1.0, 1, 8))
	out, err := state.Decode(8)
	require.NoError(t, err)

	// With the blank admitted, the two-token hypothesis [1 1] must exist:
	// it requires a blank between the repeats.
	var found bool
	for _, o := range out {
		if len(o.Tokens) == 2 && o.Tokens[0] == 1 && o.Tokens[1] == 1 {
			found = true
		}
	}
	assert.True(t, found, "blank-separated repeat should survive top-1 pruning")
}

// Streaming in two chunks equals a single pass.
func TestNext_ChunkedEqualsSinglePass(t *testing.T) {
	logProbs := []float32{
		logf(0.2), logf(0.5), logf(0.3),
		logf(0.6), logf(0.2), logf(0.2),
		logf(0.1), logf(0.1), logf(0.8),
		logf(0.3), logf(0.3), logf(0.4),
	}

	oneShot := mustDecode(t, logProbs, 4, 3, 0, 4, nil)

	state, err := Init(0, 3, nil)
	require.NoError(t, err)
	require.NoError(t, state.Next(logProbs[:6], 2, 3, 1.0, 3, 4))
	require.NoError(t, state.Next(logProbs[6:], 2, 3, 1.0, 3, 4))
	chunked, err := state.Decode(4)
	require.NoError(t, err)

	assert.Equal(t, oneShot, chunked)
}

// Scores are monotonically non-increasing across the returned list.
func TestDecode_ScoresSorted(t *testing.T) {
	logProbs := []float32{
		logf(0.3), logf(0.4), logf(0.3),
		logf(0.5), logf(0.2), logf(0.3),
		logf(0.2), logf(0.3), logf(0.5),
	}
	out := mustDecode(t, logProbs, 3, 3, 0, 8, nil)
	require.NotEmpty(t, out)
	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i-1].Probability, out[i].Probability)
	}
}

// With a huge beam and no pruning, prefix beam search is exact: hypothesis
// scores equal the brute-force CTC marginal over all alignments.
func TestDecode_MatchesBruteForceMarginal(t *testing.T) {
	const timeDim, classDim, blank = 3, 3, 0
	probs := [][]float64{
		{0.5, 0.3, 0.2},
		{0.2, 0.3, 0.5},
		{0.4, 0.4, 0.2},
	}
	logProbs := make([]float32, 0, timeDim*classDim)
	for _, row := range probs {
		for _, p := range row {
			logProbs = append(logProbs, logf(p))
		}
	}

	out := mustDecode(t, logProbs, timeDim, classDim, blank, 100, nil)
	require.NotEmpty(t, out)

	// Enumerate all alignments and accumulate linear mass per collapsed
	// sequence.
	marginals := map[string]float64{}
	var walk func(t int, prev int, collapsed []int32, mass float64)
	walk = func(step, prev int, collapsed []int32, mass float64) {
		if step == timeDim {
			marginals[tokenKey(collapsed)] += mass
			return
		}
		for c := range classDim {
			next := collapsed
			if c != blank && c != prev {
				next = append(append([]int32{}, collapsed...), int32(c))
			}
			walk(step+1, c, next, mass*probs[step][c])
		}
	}
	walk(0, blank, nil, 1.0)

	for _, o := range out {
		want, ok := marginals[tokenKey(o.Tokens)]
		require.True(t, ok, "hypothesis %v not reachable", o.Tokens)
		assert.InDelta(t, math.Log(want), o.Probability, 1e-6, "tokens %v", o.Tokens)
	}
}

func tokenKey(tokens []int32) string {
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return string(b)
}
