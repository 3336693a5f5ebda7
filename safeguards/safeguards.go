// Package safeguards provides the single-cycle guard that keeps at most one
// dispense in flight, and panic recovery for background work.
package safeguards

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// CycleGuard serializes dispense cycles.
//
// Each successful TryAcquire opens a new generation. Exactly one Release call
// for that generation succeeds; later releases (a timer finishing after an
// emergency stop, or a request failure arriving after completion) return false
// and must not touch shared state.
type CycleGuard struct {
	mu         sync.Mutex
	active     bool
	generation uint64
	logger     logrus.FieldLogger
}

// NewCycleGuard creates an idle guard.
func NewCycleGuard(logger logrus.FieldLogger) *CycleGuard {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CycleGuard{
		logger: logger.WithField("component", "cycle-guard"),
	}
}

// TryAcquire moves the guard from idle to active. It never blocks: when a
// cycle is already active it returns ok=false.
func (g *CycleGuard) TryAcquire() (generation uint64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active {
		g.logger.WithField("generation", g.generation).Debug("cycle already active")
		return g.generation, false
	}
	g.active = true
	g.generation++
	g.logger.WithField("generation", g.generation).Debug("cycle acquired")
	return g.generation, true
}

// Release ends the given generation. It reports whether this call performed
// the transition back to idle.
func (g *CycleGuard) Release(generation uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active || g.generation != generation {
		g.logger.WithFields(logrus.Fields{
			"generation": generation,
			"current":    g.generation,
			"active":     g.active,
		}).Debug("stale release ignored")
		return false
	}
	g.active = false
	g.logger.WithField("generation", generation).Debug("cycle released")
	return true
}

// Holds reports whether generation is the currently active cycle.
func (g *CycleGuard) Holds(generation uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active && g.generation == generation
}

// Active reports whether a cycle is in flight.
func (g *CycleGuard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Current returns the active generation, or 0 when idle.
func (g *CycleGuard) Current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return 0
	}
	return g.generation
}

// RecoverableOperation wraps a function with panic recovery.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}
