package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctcbeam_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctcbeam_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Decode metrics
	decodeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctcbeam_decode_requests_total",
			Help: "Total number of decode requests",
		},
		[]string{"type", "status"}, // type: batch, stream
	)

	decodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctcbeam_decode_duration_seconds",
			Help:    "Beam search duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"type"},
	)

	decodeBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctcbeam_decode_batch_size",
			Help:    "Number of sequences per decode request",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	decodeTimesteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctcbeam_decode_timesteps",
			Help:    "Timesteps per decoded sequence",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)

	// WebSocket metrics
	websocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctcbeam_websocket_active_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	websocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctcbeam_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // received, sent
	)
)
