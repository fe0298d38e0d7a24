package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/MeKo-Tech/ctcbeam/internal/alphabet"
	"github.com/MeKo-Tech/ctcbeam/internal/batch"
	"github.com/MeKo-Tech/ctcbeam/internal/common"
	"github.com/MeKo-Tech/ctcbeam/internal/config"
	"github.com/MeKo-Tech/ctcbeam/internal/mempool"
)

const (
	outputFormatJSON = "json"
	outputFormatYAML = "yaml"
	outputFormatText = "text"
)

// probsFile is the JSON shape accepted by the decode command: either a bare
// [T][C] matrix, a bare [B][T][C] tensor, or an object with log_probs and
// optional seq_lengths.
type probsFile struct {
	LogProbs   [][][]float32 `json:"log_probs"`
	SeqLengths []int32       `json:"seq_lengths,omitempty"`
}

// decodeResult is the per-sequence output record.
type decodeResult struct {
	Sequence   int              `json:"sequence" yaml:"sequence"`
	Hypotheses []decodedHypothesis `json:"hypotheses" yaml:"hypotheses"`
}

type decodedHypothesis struct {
	Tokens     []int32 `json:"tokens" yaml:"tokens"`
	Timesteps  []int32 `json:"timesteps" yaml:"timesteps"`
	Score      float32 `json:"score" yaml:"score"`
	Transcript string  `json:"transcript,omitempty" yaml:"transcript,omitempty"`
}

// decodeCmd represents the decode command.
var decodeCmd = &cobra.Command{
	Use:   "decode <probs-file>",
	Short: "Run beam search over a log-probability tensor",
	Long: `Decode one or more sequences of per-timestep class log-probabilities.

The input file holds JSON: a [time][classes] matrix, a
[batch][time][classes] tensor, or {"log_probs": ..., "seq_lengths": ...}.
Values are natural-log probabilities.

Examples:
  ctcbeam decode probs.json
  ctcbeam decode probs.json --beam-size 25 --format json
  ctcbeam decode probs.json --lm-path lm.arpa --alphabet chars.txt --alpha 0.5 --beta 1.2`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Bind here rather than in init: serve shares several keys and
		// only the running command's flags may win.
		bindDecodeFlags(cmd)
		cfg := GetConfig()

		in, err := loadProbsFile(args[0])
		if err != nil {
			return err
		}

		model, ab, err := buildLM(cfg)
		if err != nil {
			return err
		}

		opts := batch.Options{
			BlankID:      cfg.Decoder.BlankID,
			BeamSize:     cfg.Decoder.BeamSize,
			NumProcesses: cfg.Decoder.NumProcesses,
			CutoffProb:   cfg.Decoder.CutoffProb,
			CutoffTopN:   cfg.Decoder.CutoffTopN,
			LM:           model,
		}

		logProbs, batchSize, maxTime, classDim, seqLengths, err := flattenProbs(in)
		if err != nil {
			return err
		}
		defer mempool.PutFloat32(logProbs)

		timer := common.NewNamedTimer("decode")
		res, err := batch.DecodeBatch(logProbs, batchSize, maxTime, classDim, seqLengths, opts)
		duration := timer.Stop()
		if err != nil {
			return fmt.Errorf("decoding failed: %w", err)
		}

		results := collectResults(res, ab, cfg.Output.TopK)

		showStats, _ := cmd.Flags().GetBool("stats")
		if showStats {
			stats := common.CalculateDecodeStats(batchSize, totalSteps(seqLengths), clampStat(opts.NumProcesses, batchSize), duration)
			fmt.Fprintf(cmd.ErrOrStderr(), "decoded %d sequences in %v (%.1f seq/s)\n",
				stats.Sequences, stats.TotalDuration, stats.ThroughputPerSec)
		}

		return writeResults(cmd, results, cfg.Output.Format, cfg.Output.File)
	},
}

func totalSteps(seqLengths []int32) int {
	total := 0
	for _, l := range seqLengths {
		total += int(l)
	}
	return total
}

func clampStat(workers, batchSize int) int {
	if workers < 1 {
		return 1
	}
	if workers > batchSize {
		return batchSize
	}
	return workers
}

// loadProbsFile parses the input file, accepting the three supported JSON
// shapes.
func loadProbsFile(path string) (*probsFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: reading a user-provided input file is expected
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	var wrapped probsFile
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.LogProbs) > 0 {
		return &wrapped, nil
	}

	var tensor [][][]float32
	if err := json.Unmarshal(data, &tensor); err == nil && len(tensor) > 0 {
		return &probsFile{LogProbs: tensor}, nil
	}

	var matrix [][]float32
	if err := json.Unmarshal(data, &matrix); err == nil && len(matrix) > 0 {
		return &probsFile{LogProbs: [][][]float32{matrix}}, nil
	}

	return nil, fmt.Errorf("input is not a log-probability matrix, tensor, or object: %s", path)
}

// flattenProbs converts nested rows into the dense layout. The buffer comes
// from the mempool.
func flattenProbs(in *probsFile) (logProbs []float32, batchSize, maxTime, classDim int, seqLengths []int32, err error) {
	batchSize = len(in.LogProbs)
	for _, item := range in.LogProbs {
		if len(item) > maxTime {
			maxTime = len(item)
		}
		for _, row := range item {
			if classDim == 0 {
				classDim = len(row)
			} else if len(row) != classDim {
				return nil, 0, 0, 0, nil, fmt.Errorf("ragged class dimension: got %d, want %d", len(row), classDim)
			}
		}
	}
	if classDim == 0 {
		return nil, 0, 0, 0, nil, errors.New("input has no timesteps")
	}

	if len(in.SeqLengths) > 0 {
		if len(in.SeqLengths) != batchSize {
			return nil, 0, 0, 0, nil, fmt.Errorf("seq_lengths has %d entries, want %d", len(in.SeqLengths), batchSize)
		}
		seqLengths = in.SeqLengths
	} else {
		seqLengths = make([]int32, batchSize)
		for b, item := range in.LogProbs {
			seqLengths[b] = int32(len(item))
		}
	}

	logProbs = mempool.GetFloat32(batchSize * maxTime * classDim)
	for i := range logProbs {
		logProbs[i] = 0
	}
	for b, item := range in.LogProbs {
		for t, row := range item {
			copy(logProbs[(b*maxTime+t)*classDim:], row)
		}
	}
	return logProbs, batchSize, maxTime, classDim, seqLengths, nil
}

// collectResults trims packed rows to the requested top-k.
func collectResults(res *batch.Results, ab *alphabet.Alphabet, topK int) []decodeResult {
	if topK < 1 || topK > res.BeamSize {
		topK = res.BeamSize
	}
	out := make([]decodeResult, res.BatchSize)
	for b := 0; b < res.BatchSize; b++ {
		hyps := make([]decodedHypothesis, 0, topK)
		for k := 0; k < topK; k++ {
			tokens, timesteps, score := res.Hypothesis(b, k)
			if len(tokens) == 0 && k > 0 {
				break
			}
			h := decodedHypothesis{
				Tokens:    append([]int32(nil), tokens...),
				Timesteps: append([]int32(nil), timesteps...),
				Score:     score,
			}
			if ab != nil {
				indices := make([]int, len(tokens))
				for i, t := range tokens {
					indices[i] = int(t)
				}
				h.Transcript = ab.Transcribe(indices)
			}
			hyps = append(hyps, h)
		}
		out[b] = decodeResult{Sequence: b, Hypotheses: hyps}
	}
	return out
}

// writeResults renders the result records in the requested format.
func writeResults(cmd *cobra.Command, results []decodeResult, format, outputFile string) error {
	var rendered []byte
	switch format {
	case outputFormatJSON:
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode results: %w", err)
		}
		rendered = append(data, '\n')
	case outputFormatYAML:
		data, err := yaml.Marshal(results)
		if err != nil {
			return fmt.Errorf("failed to encode results: %w", err)
		}
		rendered = data
	case outputFormatText:
		rendered = renderText(results)
	default:
		return fmt.Errorf("unsupported output format: %q", format)
	}

	if outputFile != "" {
		if err := os.WriteFile(outputFile, rendered, 0o600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		return nil
	}
	_, err := cmd.OutOrStdout().Write(rendered)
	return err
}

func renderText(results []decodeResult) []byte {
	var out []byte
	for _, r := range results {
		out = append(out, fmt.Sprintf("sequence %d:\n", r.Sequence)...)
		for i, h := range r.Hypotheses {
			line := fmt.Sprintf("  #%d score=%.4f tokens=%v", i+1, h.Score, h.Tokens)
			if h.Transcript != "" {
				line += fmt.Sprintf(" text=%q", h.Transcript)
			}
			out = append(out, (line + "\n")...)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(decodeCmd)

	decodeCmd.Flags().Int("blank-id", 0, "CTC blank class index")
	decodeCmd.Flags().Int("beam-size", config.DefaultBeamSize, "beam width (top-K hypotheses kept per step)")
	decodeCmd.Flags().Float64("cutoff-prob", config.DefaultCutoffProb, "cumulative probability cutoff for candidate pruning, in (0,1]")
	decodeCmd.Flags().Int("cutoff-top-n", config.DefaultCutoffTopN, "maximum candidate classes per timestep")
	decodeCmd.Flags().Int("num-processes", runtime.NumCPU(), "worker count for batch decoding")
	decodeCmd.Flags().String("lm-path", "", "ARPA n-gram language model path")
	decodeCmd.Flags().String("alphabet", "", "alphabet file (one entry per line)")
	decodeCmd.Flags().String("trie-path", "", "vocabulary trie path (loaded, or built with --build-trie)")
	decodeCmd.Flags().Bool("build-trie", false, "build the vocabulary trie when missing")
	decodeCmd.Flags().String("unit", "word", "LM unit: char or word")
	decodeCmd.Flags().Float64("alpha", 0, "language model weight")
	decodeCmd.Flags().Float64("beta", 0, "word insertion bonus")
	decodeCmd.Flags().Int("space-index", -1, "alphabet index of the word delimiter")
	decodeCmd.Flags().StringP("format", "f", "text", "output format: text, json, yaml")
	decodeCmd.Flags().StringP("output", "o", "", "write results to file instead of stdout")
	decodeCmd.Flags().Int("top-k", 1, "hypotheses to report per sequence")
	decodeCmd.Flags().Bool("stats", false, "print decode throughput statistics")
}

// bindDecodeFlags binds the decode flags to their config keys.
func bindDecodeFlags(cmd *cobra.Command) {
	_ = viper.BindPFlag("decoder.blank_id", cmd.Flags().Lookup("blank-id"))
	_ = viper.BindPFlag("decoder.beam_size", cmd.Flags().Lookup("beam-size"))
	_ = viper.BindPFlag("decoder.cutoff_prob", cmd.Flags().Lookup("cutoff-prob"))
	_ = viper.BindPFlag("decoder.cutoff_top_n", cmd.Flags().Lookup("cutoff-top-n"))
	_ = viper.BindPFlag("decoder.num_processes", cmd.Flags().Lookup("num-processes"))
	_ = viper.BindPFlag("lm.model_path", cmd.Flags().Lookup("lm-path"))
	_ = viper.BindPFlag("lm.alphabet_path", cmd.Flags().Lookup("alphabet"))
	_ = viper.BindPFlag("lm.trie_path", cmd.Flags().Lookup("trie-path"))
	_ = viper.BindPFlag("lm.build_trie", cmd.Flags().Lookup("build-trie"))
	_ = viper.BindPFlag("lm.unit", cmd.Flags().Lookup("unit"))
	_ = viper.BindPFlag("lm.alpha", cmd.Flags().Lookup("alpha"))
	_ = viper.BindPFlag("lm.beta", cmd.Flags().Lookup("beta"))
	_ = viper.BindPFlag("lm.space_index", cmd.Flags().Lookup("space-index"))
	_ = viper.BindPFlag("output.format", cmd.Flags().Lookup("format"))
	_ = viper.BindPFlag("output.file", cmd.Flags().Lookup("output"))
	_ = viper.BindPFlag("output.top_k", cmd.Flags().Lookup("top-k"))
}
