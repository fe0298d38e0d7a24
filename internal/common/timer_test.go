package common

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimer(t *testing.T) {
	timer := NewNamedTimer("decode")
	time.Sleep(time.Millisecond)
	d := timer.Stop()

	assert.Positive(t, d)
	assert.Equal(t, d, timer.Duration())
	assert.Equal(t, "decode", timer.Name())
	assert.True(t, strings.HasPrefix(timer.String(), "decode: "))
}

func TestCalculateDecodeStats(t *testing.T) {
	stats := CalculateDecodeStats(4, 400, 2, 2*time.Second)

	assert.Equal(t, 4, stats.Sequences)
	assert.Equal(t, 400, stats.Timesteps)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 500*time.Millisecond, stats.AveragePerItem)
	assert.InDelta(t, 2.0, stats.ThroughputPerSec, 1e-9)
}

func TestCalculateDecodeStats_Empty(t *testing.T) {
	stats := CalculateDecodeStats(0, 0, 1, time.Second)
	assert.Zero(t, stats.AveragePerItem)
	assert.Zero(t, stats.ThroughputPerSec)
}
