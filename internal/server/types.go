package server

import (
	"github.com/MeKo-Tech/ctcbeam/internal/alphabet"
	"github.com/MeKo-Tech/ctcbeam/internal/batch"
)

// Server holds the HTTP server state and dependencies.
type Server struct {
	opts        batch.Options
	ab          *alphabet.Alphabet
	corsOrigin  string
	maxUploadMB int64
	timeoutSec  int
}

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigin  string
	MaxUploadMB int64
	TimeoutSec  int

	// Decode defaults applied when a request omits them.
	DecodeOptions batch.Options
	// Alphabet is optional; when present, responses include transcripts.
	Alphabet *alphabet.Alphabet
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
}

// DecodeRequest is the JSON body of a batch decode request. LogProbs is
// [batch][time][classes] in natural log; SeqLengths defaults to the full
// time dimension per item.
type DecodeRequest struct {
	LogProbs   [][][]float32 `json:"log_probs"`
	SeqLengths []int32       `json:"seq_lengths,omitempty"`
	BlankID    *int          `json:"blank_id,omitempty"`
	BeamSize   int           `json:"beam_size,omitempty"`
	CutoffProb float64       `json:"cutoff_prob,omitempty"`
	CutoffTopN int           `json:"cutoff_top_n,omitempty"`
	TopK       int           `json:"top_k,omitempty"`
}

// Hypothesis is one decoded candidate.
type Hypothesis struct {
	Tokens     []int32 `json:"tokens"`
	Timesteps  []int32 `json:"timesteps"`
	Score      float32 `json:"score"`
	Transcript string  `json:"transcript,omitempty"`
}

// DecodeResponse carries the per-item hypothesis lists plus timing.
type DecodeResponse struct {
	Results    [][]Hypothesis `json:"results"`
	Processing struct {
		TotalTimeMs int64 `json:"total_time_ms"`
	} `json:"processing"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
