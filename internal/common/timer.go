// Package common provides shared utilities including timing functionality.
package common

import (
	"fmt"
	"time"
)

// Timer provides timing utilities for benchmarking with optional naming.
type Timer struct {
	start    time.Time
	name     string
	duration time.Duration
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// NewNamedTimer creates a new timer with the given name.
func NewNamedTimer(name string) *Timer {
	return &Timer{
		name:  name,
		start: time.Now(),
	}
}

// Stop stops the timer and returns the elapsed duration.
func (t *Timer) Stop() time.Duration {
	t.duration = time.Since(t.start)
	return t.duration
}

// Duration returns the recorded duration (only valid after Stop()).
func (t *Timer) Duration() time.Duration {
	return t.duration
}

// Name returns the timer name (empty string if unnamed).
func (t *Timer) Name() string {
	return t.name
}

// String returns a formatted string representation of the timer.
func (t *Timer) String() string {
	if t.name != "" {
		return fmt.Sprintf("%s: %v", t.name, t.duration)
	}
	return fmt.Sprintf("%v", t.duration)
}

// DecodeStats summarizes a batch decode for CLI and server reporting.
type DecodeStats struct {
	Sequences        int           `json:"sequences"`
	Timesteps        int           `json:"timesteps"`
	WorkerCount      int           `json:"worker_count"`
	TotalDuration    time.Duration `json:"total_duration_ns"`
	AveragePerItem   time.Duration `json:"average_per_item_ns"`
	ThroughputPerSec float64       `json:"throughput_per_sec"`
}

// CalculateDecodeStats derives throughput statistics from a finished batch.
func CalculateDecodeStats(sequences, timesteps, workerCount int, duration time.Duration) DecodeStats {
	stats := DecodeStats{
		Sequences:     sequences,
		Timesteps:     timesteps,
		WorkerCount:   workerCount,
		TotalDuration: duration,
	}
	if sequences > 0 {
		stats.AveragePerItem = duration / time.Duration(sequences)
		stats.ThroughputPerSec = float64(sequences) / duration.Seconds()
	}
	return stats
}
