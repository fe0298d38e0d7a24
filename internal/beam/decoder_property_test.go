package beam

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genLogProbs builds a deterministic pseudo-random [T x C] log-prob matrix
// from a seed. Rows are normalized distributions.
func genLogProbs(seed, timeSteps, classes int) []float32 {
	out := make([]float32, timeSteps*classes)
	state := uint64(seed)*2654435761 + 1
	for t := 0; t < timeSteps; t++ {
		var sum float64
		row := make([]float64, classes)
		for c := 0; c < classes; c++ {
			state = state*6364136223846793005 + 1442695040888963407
			row[c] = float64(state>>40) + 1
			sum += row[c]
		}
		for c := 0; c < classes; c++ {
			out[t*classes+c] = float32(math.Log(row[c] / sum))
		}
	}
	return out
}

func decodeForProps(timeSteps, classes, blank, beamSize, seed int) []Output {
	state, err := Init(blank, classes, nil)
	if err != nil {
		return nil
	}
	logProbs := genLogProbs(seed, timeSteps, classes)
	if err := state.Next(logProbs, timeSteps, classes, 1.0, classes, beamSize); err != nil {
		return nil
	}
	out, err := state.Decode(beamSize)
	if err != nil {
		return nil
	}
	return out
}

// TestDecode_OutputInvariants verifies hypothesis length bounds, token
// ranges, and blank exclusion over random inputs.
func TestDecode_OutputInvariants(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("hypotheses are bounded, in range, and blank-free", prop.ForAll(
		func(timeSteps, classes, blank, seed int) bool {
			if blank >= classes {
				blank = classes - 1
			}
			outputs := decodeForProps(timeSteps, classes, blank, 8, seed)
			if len(outputs) == 0 || len(outputs) > 8 {
				return false
			}
			for _, o := range outputs {
				if len(o.Tokens) > timeSteps {
					return false
				}
				if len(o.Tokens) != len(o.Timesteps) {
					return false
				}
				for _, tok := range o.Tokens {
					if tok < 0 || int(tok) >= classes {
						return false
					}
					if int(tok) == blank {
						return false
					}
				}
				for i := 1; i < len(o.Timesteps); i++ {
					if o.Timesteps[i] <= o.Timesteps[i-1] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.IntRange(2, 8),
		gen.IntRange(0, 7),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestDecode_ScoreOrdering verifies the returned list is sorted by score.
func TestDecode_ScoreOrdering(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("scores are non-increasing", prop.ForAll(
		func(timeSteps, classes, seed int) bool {
			outputs := decodeForProps(timeSteps, classes, 0, 16, seed)
			if len(outputs) == 0 {
				return false
			}
			for i := 1; i < len(outputs); i++ {
				if outputs[i].Probability > outputs[i-1].Probability {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.IntRange(2, 6),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestDecode_Deterministic verifies bit-identical outputs across runs.
func TestDecode_Deterministic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("same input yields identical output", prop.ForAll(
		func(timeSteps, classes, seed int) bool {
			a := decodeForProps(timeSteps, classes, 0, 8, seed)
			b := decodeForProps(timeSteps, classes, 0, 8, seed)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i].Probability != b[i].Probability {
					return false
				}
				if len(a[i].Tokens) != len(b[i].Tokens) {
					return false
				}
				for j := range a[i].Tokens {
					if a[i].Tokens[j] != b[i].Tokens[j] || a[i].Timesteps[j] != b[i].Timesteps[j] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.IntRange(2, 6),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestDecode_GreedyEquivalence: with beam size 1 and near-certain rows, the
// decoder agrees with greedy collapse of the per-row argmax.
func TestDecode_GreedyEquivalence(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("beam 1 on peaked input equals greedy decoding", prop.ForAll(
		func(timeSteps, classes, seed int) bool {
			// Build a peaked matrix: argmax class has mass 0.99.
			logProbs := make([]float32, timeSteps*classes)
			argmax := make([]int, timeSteps)
			state := uint64(seed)*2654435761 + 1
			rest := 0.01 / float64(classes-1)
			for t := 0; t < timeSteps; t++ {
				state = state*6364136223846793005 + 1442695040888963407
				top := int(state>>40) % classes
				argmax[t] = top
				for c := 0; c < classes; c++ {
					p := rest
					if c == top {
						p = 0.99
					}
					logProbs[t*classes+c] = float32(math.Log(p))
				}
			}

			// Greedy: collapse repeats, drop blanks.
			var want []int32
			prev := -1
			for t := 0; t < timeSteps; t++ {
				c := argmax[t]
				if c != 0 && c != prev {
					want = append(want, int32(c))
				}
				prev = c
			}

			st, err := Init(0, classes, nil)
			if err != nil {
				return false
			}
			if err := st.Next(logProbs, timeSteps, classes, 1.0, classes, 1); err != nil {
				return false
			}
			outputs, err := st.Decode(1)
			if err != nil || len(outputs) != 1 {
				return false
			}
			got := outputs[0].Tokens
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.IntRange(2, 6),
		gen.IntRange(0, 500),
	))

	properties.TestingRun(t)
}
