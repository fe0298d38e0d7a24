package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MeKo-Tech/ctcbeam/internal/batch"
	"github.com/MeKo-Tech/ctcbeam/internal/mempool"
	"github.com/MeKo-Tech/ctcbeam/internal/version"
)

// healthHandler reports server liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	v, _, _ := version.Info()
	resp := HealthResponse{
		Status:  "ok",
		Version: v,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// decodeHandler runs batch beam search over a JSON log-prob tensor.
func (s *Server) decodeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeErrorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadMB<<20)

	var req DecodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	logProbs, batchSize, maxTime, classDim, seqLengths, err := flattenRequest(&req)
	if err != nil {
		s.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer mempool.PutFloat32(logProbs)

	opts := s.requestOptions(&req)

	start := time.Now()
	res, err := batch.DecodeBatch(logProbs, batchSize, maxTime, classDim, seqLengths, opts)
	duration := time.Since(start)
	if err != nil {
		decodeRequestsTotal.WithLabelValues("batch", "error").Inc()
		s.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	decodeRequestsTotal.WithLabelValues("batch", "success").Inc()
	decodeDuration.WithLabelValues("batch").Observe(duration.Seconds())
	decodeBatchSize.Observe(float64(batchSize))
	for _, l := range seqLengths {
		decodeTimesteps.Observe(float64(l))
	}

	topK := req.TopK
	if topK < 1 || topK > opts.BeamSize {
		topK = opts.BeamSize
	}

	resp := DecodeResponse{Results: s.collectHypotheses(res, topK)}
	resp.Processing.TotalTimeMs = duration.Milliseconds()
	s.writeJSON(w, http.StatusOK, resp)
}

// requestOptions merges request overrides onto the server defaults.
func (s *Server) requestOptions(req *DecodeRequest) batch.Options {
	opts := s.opts
	if req.BlankID != nil {
		opts.BlankID = *req.BlankID
	}
	if req.BeamSize > 0 {
		opts.BeamSize = req.BeamSize
	}
	if req.CutoffProb > 0 {
		opts.CutoffProb = req.CutoffProb
	}
	if req.CutoffTopN > 0 {
		opts.CutoffTopN = req.CutoffTopN
	}
	return opts
}

// collectHypotheses converts packed results into the response shape,
// dropping zero-length trailing rows.
func (s *Server) collectHypotheses(res *batch.Results, topK int) [][]Hypothesis {
	out := make([][]Hypothesis, res.BatchSize)
	for b := 0; b < res.BatchSize; b++ {
		hyps := make([]Hypothesis, 0, topK)
		for k := 0; k < topK; k++ {
			tokens, timesteps, score := res.Hypothesis(b, k)
			if len(tokens) == 0 && k > 0 {
				break
			}
			h := Hypothesis{
				Tokens:    append([]int32(nil), tokens...),
				Timesteps: append([]int32(nil), timesteps...),
				Score:     score,
			}
			if s.ab != nil {
				indices := make([]int, len(tokens))
				for i, t := range tokens {
					indices[i] = int(t)
				}
				h.Transcript = s.ab.Transcribe(indices)
			}
			hyps = append(hyps, h)
		}
		out[b] = hyps
	}
	return out
}

// flattenRequest converts the nested JSON tensor to the dense row-major
// layout. The returned buffer comes from the mempool; the caller returns it.
func flattenRequest(req *DecodeRequest) (logProbs []float32, batchSize, maxTime, classDim int, seqLengths []int32, err error) {
	batchSize = len(req.LogProbs)
	if batchSize == 0 {
		return nil, 0, 0, 0, nil, errors.New("log_probs is empty")
	}
	for _, item := range req.LogProbs {
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
		return nil, 0, 0, 0, nil, errors.New("log_probs has no timesteps")
	}

	if len(req.SeqLengths) > 0 {
		if len(req.SeqLengths) != batchSize {
			return nil, 0, 0, 0, nil, fmt.Errorf("seq_lengths has %d entries, want %d", len(req.SeqLengths), batchSize)
		}
		seqLengths = req.SeqLengths
	} else {
		seqLengths = make([]int32, batchSize)
		for b, item := range req.LogProbs {
			seqLengths[b] = int32(len(item))
		}
	}

	logProbs = mempool.GetFloat32(batchSize * maxTime * classDim)
	for i := range logProbs {
		logProbs[i] = 0
	}
	for b, item := range req.LogProbs {
		for t, row := range item {
			copy(logProbs[(b*maxTime+t)*classDim:], row)
		}
	}
	return logProbs, batchSize, maxTime, classDim, seqLengths, nil
}

// writeJSON encodes a response body, logging encode failures.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeErrorResponse writes a JSON error envelope.
func (s *Server) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, ErrorResponse{Error: message})
}
