// Package batch fans independent sequence decodes out to a worker pool and
// gathers dense, rectangular result tensors.
package batch

import (
	"fmt"
	"sync"

	"github.com/MeKo-Tech/ctcbeam/internal/beam"
	"github.com/MeKo-Tech/ctcbeam/internal/config"
	"github.com/MeKo-Tech/ctcbeam/internal/lm"
)

// Options holds the decoding parameters shared by all batch items.
type Options struct {
	BlankID      int
	BeamSize     int
	NumProcesses int
	// CutoffProb is a linear probability in (0, 1]; 1 disables mass
	// pruning.
	CutoffProb float64
	CutoffTopN int
	// LM is shared read-only across workers; it may be nil.
	LM lm.LanguageModel
}

// DefaultOptions returns decoding defaults matching the config module.
func DefaultOptions() Options {
	return Options{
		BeamSize:     config.DefaultBeamSize,
		NumProcesses: 1,
		CutoffProb:   config.DefaultCutoffProb,
		CutoffTopN:   config.DefaultCutoffTopN,
	}
}

// Results packs up to beamSize hypotheses per batch item into dense arrays
// padded to maxTime, in batch-index order.
type Results struct {
	BatchSize int
	BeamSize  int
	MaxTime   int

	// Output and Timesteps are [BatchSize x BeamSize x MaxTime],
	// zero-padded past each hypothesis length.
	Output    []int32
	Timesteps []int32
	// Scores and OutputLength are [BatchSize x BeamSize]. Rows past the
	// number of produced hypotheses have length zero.
	Scores       []float32
	OutputLength []int32
}

// Hypothesis returns the tokens, timesteps, and score of hypothesis k for
// batch item b, trimmed to the actual length.
func (r *Results) Hypothesis(b, k int) (tokens, timesteps []int32, score float32) {
	row := (b*r.BeamSize + k) * r.MaxTime
	n := int(r.OutputLength[b*r.BeamSize+k])
	return r.Output[row : row+n], r.Timesteps[row : row+n], r.Scores[b*r.BeamSize+k]
}

type job struct {
	index int
}

type itemResult struct {
	index   int
	outputs []beam.Output
	err     error
}

// DecodeBatch runs CTC beam search over a dense [batchSize x maxTime x
// classDim] log-probability tensor. seqLengths gives the valid timesteps per
// item. Results are delivered in batch order regardless of worker completion
// order.
func DecodeBatch(logProbs []float32, batchSize, maxTime, classDim int, seqLengths []int32, opts Options) (*Results, error) {
	if err := validate(logProbs, batchSize, maxTime, classDim, seqLengths, &opts); err != nil {
		return nil, err
	}

	workers := clampWorkers(opts.NumProcesses, batchSize, opts.LM)

	jobs := make(chan job, batchSize)
	results := make(chan itemResult, batchSize)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				outputs, err := decodeOne(logProbs, j.index, maxTime, classDim, int(seqLengths[j.index]), opts)
				results <- itemResult{index: j.index, outputs: outputs, err: err}
			}
		}()
	}

	for b := 0; b < batchSize; b++ {
		jobs <- job{index: b}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([][]beam.Output, batchSize)
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("batch item %d: %w", r.index, r.err)
			}
			continue
		}
		ordered[r.index] = r.outputs
	}
	if firstErr != nil {
		return nil, firstErr
	}

	return pack(ordered, batchSize, opts.BeamSize, maxTime), nil
}

// decodeOne runs init -> next -> decode for a single batch item. Worker
// panics are surfaced as errors so one bad item aborts the batch instead of
// the process.
func decodeOne(logProbs []float32, index, maxTime, classDim, seqLen int, opts Options) (outputs []beam.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode panicked: %v", r)
		}
	}()

	state, err := beam.Init(opts.BlankID, classDim, opts.LM)
	if err != nil {
		return nil, err
	}
	if seqLen > 0 {
		rows := logProbs[index*maxTime*classDim : index*maxTime*classDim+seqLen*classDim]
		if err := state.Next(rows, seqLen, classDim, opts.CutoffProb, opts.CutoffTopN, opts.BeamSize); err != nil {
			return nil, err
		}
	}
	return state.Decode(opts.BeamSize)
}

func validate(logProbs []float32, batchSize, maxTime, classDim int, seqLengths []int32, opts *Options) error {
	if batchSize < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	if maxTime < 0 || classDim < 2 {
		return fmt.Errorf("invalid tensor shape [%d, %d, %d]", batchSize, maxTime, classDim)
	}
	if len(logProbs) != batchSize*maxTime*classDim {
		return fmt.Errorf("log prob tensor has %d values, shape [%d, %d, %d] needs %d",
			len(logProbs), batchSize, maxTime, classDim, batchSize*maxTime*classDim)
	}
	if len(seqLengths) != batchSize {
		return fmt.Errorf("seq lengths has %d entries, want %d", len(seqLengths), batchSize)
	}
	for i, l := range seqLengths {
		if l < 0 || int(l) > maxTime {
			return fmt.Errorf("seq length %d of item %d out of range [0, %d]", l, i, maxTime)
		}
	}
	if opts.BlankID < 0 || opts.BlankID >= classDim {
		return fmt.Errorf("blank id %d out of range [0, %d)", opts.BlankID, classDim)
	}
	if opts.BeamSize < 1 {
		return fmt.Errorf("beam size must be >= 1, got %d", opts.BeamSize)
	}
	if opts.CutoffProb <= 0 || opts.CutoffProb > 1 {
		return fmt.Errorf("cutoff probability must be in (0, 1], got %g", opts.CutoffProb)
	}
	if opts.CutoffTopN < 1 {
		return fmt.Errorf("cutoff top n must be >= 1, got %d", opts.CutoffTopN)
	}
	return nil
}

// clampWorkers bounds the pool to [1, batchSize]. Scorers that do not
// declare themselves reentrant run under a single worker.
func clampWorkers(n, batchSize int, model lm.LanguageModel) int {
	if model != nil {
		if _, ok := model.(lm.ReentrantScorer); !ok {
			return 1
		}
	}
	if n < 1 {
		n = 1
	}
	if n > batchSize {
		n = batchSize
	}
	return n
}

// pack lays hypotheses out into the dense result arrays, zero-filling
// missing rows.
func pack(ordered [][]beam.Output, batchSize, beamSize, maxTime int) *Results {
	res := &Results{
		BatchSize:    batchSize,
		BeamSize:     beamSize,
		MaxTime:      maxTime,
		Output:       make([]int32, batchSize*beamSize*maxTime),
		Timesteps:    make([]int32, batchSize*beamSize*maxTime),
		Scores:       make([]float32, batchSize*beamSize),
		OutputLength: make([]int32, batchSize*beamSize),
	}
	for b, outputs := range ordered {
		for k, out := range outputs {
			if k >= beamSize {
				break
			}
			row := (b*beamSize + k) * maxTime
			copy(res.Output[row:row+maxTime], out.Tokens)
			copy(res.Timesteps[row:row+maxTime], out.Timesteps)
			res.Scores[b*beamSize+k] = float32(out.Probability)
			res.OutputLength[b*beamSize+k] = int32(len(out.Tokens))
		}
	}
	return res
}
