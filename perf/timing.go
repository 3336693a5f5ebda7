// Package perf provides timing utilities for backend requests and dispense cycles.
package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSlowThreshold is the request duration above which a warning is logged.
const DefaultSlowThreshold = time.Second

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Elapsed returns the time since Start without logging.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.startTime)
}

// Stop ends timing and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Debug("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// CycleTimings records how long each backend round trip of one dispense cycle took.
type CycleTimings struct {
	mu sync.Mutex

	Started time.Time
	Ended   time.Time

	DispenseRequest  time.Duration
	CompleteRequest  time.Duration
	EmergencyRequest time.Duration
	HistoryRefresh   time.Duration

	Ticks int
}

// NewCycleTimings creates a tracker started now.
func NewCycleTimings() *CycleTimings {
	return &CycleTimings{Started: time.Now()}
}

// Record stores the duration of a named request ("dispense", "complete",
// "emergency-stop", "history").
func (c *CycleTimings) Record(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch name {
	case "dispense":
		c.DispenseRequest = d
	case "complete":
		c.CompleteRequest = d
	case "emergency-stop":
		c.EmergencyRequest = d
	case "history":
		c.HistoryRefresh = d
	}
}

// Tick counts one progress tick.
func (c *CycleTimings) Tick() {
	c.mu.Lock()
	c.Ticks++
	c.mu.Unlock()
}

// Finish marks the end of the cycle.
func (c *CycleTimings) Finish() {
	c.mu.Lock()
	c.Ended = time.Now()
	c.mu.Unlock()
}

// Total returns the cycle duration, or the time so far if not finished.
func (c *CycleTimings) Total() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Ended.IsZero() {
		return time.Since(c.Started)
	}
	return c.Ended.Sub(c.Started)
}

// Summary returns a formatted summary of the cycle timings.
func (c *CycleTimings) Summary() string {
	total := c.Total()

	c.mu.Lock()
	defer c.mu.Unlock()

	return fmt.Sprintf(`
=== Dispense Cycle Timings ===
Total Duration:        %v
Progress Ticks:        %d

Backend Requests:
  /dispense:           %v
  /complete:           %v
  /emergency-stop:     %v
  /history:            %v
`,
		total,
		c.Ticks,
		c.DispenseRequest,
		c.CompleteRequest,
		c.EmergencyRequest,
		c.HistoryRefresh,
	)
}

// contextKey is used to store timings in context.
type contextKey struct{}

// WithTimings adds cycle timings to context.
func WithTimings(ctx context.Context, c *CycleTimings) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// TimingsFromContext retrieves cycle timings from context.
func TimingsFromContext(ctx context.Context) *CycleTimings {
	c, _ := ctx.Value(contextKey{}).(*CycleTimings)
	return c
}
