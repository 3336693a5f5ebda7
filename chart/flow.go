// Package chart keeps the bounded flow-rate time series shown while a dispense
// is in progress and renders it for the terminal or as an image.
package chart

import (
	"math"
	"strings"
	"sync"
)

const (
	// DefaultCapacity is the number of samples kept for display.
	DefaultCapacity = 20

	// PeakFlowRate is the simulated flow rate at 0% progress (ml/s).
	PeakFlowRate = 50.0

	// FlowDecay is how much the simulated flow rate drops per progress point.
	FlowDecay = 0.4
)

// ProgressSample is one point of the flow chart.
type ProgressSample struct {
	Time     int     `json:"time"`
	FlowRate float64 `json:"flow_rate"`
}

// FlowRate is the simulated flow rate for a progress percentage:
// max(0, 50 - progress*0.4).
func FlowRate(progress float64) float64 {
	return math.Max(0, PeakFlowRate-progress*FlowDecay)
}

// Buffer is a FIFO of samples capped at a fixed length.
// Safe for concurrent use.
type Buffer struct {
	mu       sync.RWMutex
	samples  []ProgressSample
	capacity int
	tick     int
}

// NewBuffer creates a buffer; capacity <= 0 uses DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		samples:  make([]ProgressSample, 0, capacity),
		capacity: capacity,
	}
}

// Update appends the sample for progress and evicts the oldest once over capacity.
func (b *Buffer) Update(progress float64) ProgressSample {
	b.mu.Lock()
	defer b.mu.Unlock()

	sample := ProgressSample{Time: b.tick, FlowRate: FlowRate(progress)}
	b.tick++

	if len(b.samples) >= b.capacity {
		copy(b.samples, b.samples[1:])
		b.samples[len(b.samples)-1] = sample
	} else {
		b.samples = append(b.samples, sample)
	}
	return sample
}

// Reset drops all samples and restarts the tick counter.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = b.samples[:0]
	b.tick = 0
}

// Samples returns a copy of the buffered samples, oldest first.
func (b *Buffer) Samples() []ProgressSample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ProgressSample, len(b.samples))
	copy(out, b.samples)
	return out
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Capacity returns the maximum number of samples kept.
func (b *Buffer) Capacity() int {
	return b.capacity
}

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders samples as a single line of block characters scaled to
// PeakFlowRate. Only the most recent width samples are drawn.
func Sparkline(samples []ProgressSample, width int) string {
	if width <= 0 || len(samples) == 0 {
		return ""
	}
	if len(samples) > width {
		samples = samples[len(samples)-width:]
	}

	var b strings.Builder
	top := len(sparkBlocks) - 1
	for _, s := range samples {
		idx := int(math.Round(s.FlowRate / PeakFlowRate * float64(top)))
		if idx < 0 {
			idx = 0
		}
		if idx > top {
			idx = top
		}
		b.WriteRune(sparkBlocks[idx])
	}
	return b.String()
}
