package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MeKo-Tech/ctcbeam/internal/beam"
)

// WebSocket upgrader with reasonable defaults.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow connections from any origin in development
		// In production, you should check against allowed origins
		return true
	},
}

// StreamRequest is one client message on the streaming decode socket.
// A session is init -> probs* -> decode.
type StreamRequest struct {
	Type string `json:"type"` // "init", "probs", "decode"

	// init fields
	BlankID    *int    `json:"blank_id,omitempty"`
	ClassDim   int     `json:"class_dim,omitempty"`
	BeamSize   int     `json:"beam_size,omitempty"`
	CutoffProb float64 `json:"cutoff_prob,omitempty"`
	CutoffTopN int     `json:"cutoff_top_n,omitempty"`

	// probs fields: [T][C] chunk of log-probabilities
	LogProbs [][]float32 `json:"log_probs,omitempty"`
}

// StreamResponse is one server message on the streaming decode socket.
type StreamResponse struct {
	Type     string       `json:"type"` // "ready", "ack", "result", "error"
	Timestep int          `json:"timestep,omitempty"`
	Results  []Hypothesis `json:"results,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// streamSession holds the per-connection decoder state.
type streamSession struct {
	state      *beam.DecoderState
	classDim   int
	beamSize   int
	cutoffProb float64
	cutoffTopN int
}

// streamHandler upgrades to WebSocket and drives an incremental decode:
// the client initializes a sequence, feeds log-prob chunks, and requests
// the final hypotheses.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	slog.Info("WebSocket connection established", "remote_addr", r.RemoteAddr)

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	var session *streamSession
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		websocketMessagesTotal.WithLabelValues("received").Inc()

		if messageType != websocket.TextMessage {
			continue
		}
		session = s.handleStreamMessage(conn, session, data)
	}
}

// handleStreamMessage dispatches one client message, returning the possibly
// updated session.
func (s *Server) handleStreamMessage(conn *websocket.Conn, session *streamSession, data []byte) *streamSession {
	var req StreamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendStream(conn, StreamResponse{Type: "error", Error: fmt.Sprintf("invalid message: %v", err)})
		return session
	}

	switch req.Type {
	case "init":
		next, err := s.initStream(&req)
		if err != nil {
			s.sendStream(conn, StreamResponse{Type: "error", Error: err.Error()})
			return session
		}
		s.sendStream(conn, StreamResponse{Type: "ready"})
		return next

	case "probs":
		if session == nil {
			s.sendStream(conn, StreamResponse{Type: "error", Error: "probs before init"})
			return session
		}
		if err := session.feed(req.LogProbs); err != nil {
			s.sendStream(conn, StreamResponse{Type: "error", Error: err.Error()})
			return session
		}
		s.sendStream(conn, StreamResponse{Type: "ack", Timestep: session.state.Timestep()})
		return session

	case "decode":
		if session == nil {
			s.sendStream(conn, StreamResponse{Type: "error", Error: "decode before init"})
			return session
		}
		start := time.Now()
		outputs, err := session.state.Decode(session.beamSize)
		if err != nil {
			decodeRequestsTotal.WithLabelValues("stream", "error").Inc()
			s.sendStream(conn, StreamResponse{Type: "error", Error: err.Error()})
			return session
		}
		decodeRequestsTotal.WithLabelValues("stream", "success").Inc()
		decodeDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
		s.sendStream(conn, StreamResponse{Type: "result", Results: s.streamHypotheses(outputs)})
		// The session stays usable: more probs may follow for a refined
		// decode of the longer sequence.
		return session

	default:
		s.sendStream(conn, StreamResponse{Type: "error", Error: fmt.Sprintf("unknown message type %q", req.Type)})
		return session
	}
}

// initStream builds a fresh decoder state from an init message.
func (s *Server) initStream(req *StreamRequest) (*streamSession, error) {
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
	if req.ClassDim < 2 {
		return nil, fmt.Errorf("init requires class_dim >= 2, got %d", req.ClassDim)
	}

	state, err := beam.Init(opts.BlankID, req.ClassDim, opts.LM)
	if err != nil {
		return nil, err
	}
	return &streamSession{
		state:      state,
		classDim:   req.ClassDim,
		beamSize:   opts.BeamSize,
		cutoffProb: opts.CutoffProb,
		cutoffTopN: opts.CutoffTopN,
	}, nil
}

// feed advances the beam by one chunk of timesteps.
func (sess *streamSession) feed(rows [][]float32) error {
	if len(rows) == 0 {
		return nil
	}
	flat := make([]float32, 0, len(rows)*sess.classDim)
	for _, row := range rows {
		if len(row) != sess.classDim {
			return fmt.Errorf("row has %d classes, want %d", len(row), sess.classDim)
		}
		flat = append(flat, row...)
	}
	return sess.state.Next(flat, len(rows), sess.classDim, sess.cutoffProb, sess.cutoffTopN, sess.beamSize)
}

// streamHypotheses converts beam outputs for the wire.
func (s *Server) streamHypotheses(outputs []beam.Output) []Hypothesis {
	hyps := make([]Hypothesis, len(outputs))
	for i, out := range outputs {
		h := Hypothesis{
			Tokens:    out.Tokens,
			Timesteps: out.Timesteps,
			Score:     float32(out.Probability),
		}
		if s.ab != nil {
			indices := make([]int, len(out.Tokens))
			for j, t := range out.Tokens {
				indices[j] = int(t)
			}
			h.Transcript = s.ab.Transcribe(indices)
		}
		hyps[i] = h
	}
	return hyps
}

// sendStream writes one response message.
func (s *Server) sendStream(conn *websocket.Conn, resp StreamResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Failed to marshal WebSocket response", "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Error("Failed to write WebSocket message", "error", err)
		return
	}
	websocketMessagesTotal.WithLabelValues("sent").Inc()
}
