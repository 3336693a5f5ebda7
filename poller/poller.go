// Package poller periodically checks whether the device is reachable.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	dispenser "github.com/mixbot/dispenser"
	"github.com/mixbot/dispenser/metrics"
)

// DefaultInterval is the connectivity poll period.
const DefaultInterval = 500 * time.Millisecond

// Checker reports the device link status.
type Checker interface {
	DeviceStatus(ctx context.Context) (*dispenser.DeviceStatus, error)
}

// Status is a snapshot of the poller.
type Status struct {
	Connected bool
	LastError string
	LastSeen  time.Time
	Polls     int
}

// Poller queries Checker every Interval. A failed query counts as
// disconnected; there is no retry or backoff.
type Poller struct {
	checker  Checker
	interval time.Duration
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics

	// OnChange is called on every connected/disconnected transition,
	// including the first poll.
	OnChange func(connected bool)

	mu        sync.Mutex
	connected bool
	known     bool
	lastError error
	lastSeen  time.Time
	polls     int
}

// Config configures a Poller.
type Config struct {
	Checker  Checker
	Interval time.Duration
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics
	OnChange func(connected bool)
}

// New creates a poller. It starts disconnected.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Poller{
		checker:  cfg.Checker,
		interval: cfg.Interval,
		logger:   cfg.Logger.WithField("component", "poller"),
		metrics:  cfg.Metrics,
		OnChange: cfg.OnChange,
	}
}

// Run polls immediately and then every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.Poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll performs a single check and returns the resulting state.
func (p *Poller) Poll(ctx context.Context) bool {
	pollCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	st, err := p.checker.DeviceStatus(pollCtx)
	connected := err == nil && st != nil && st.Connected

	p.mu.Lock()
	changed := !p.known || p.connected != connected
	p.known = true
	p.connected = connected
	p.polls++
	if err != nil {
		p.lastError = err
	} else {
		p.lastError = nil
		p.lastSeen = time.Now()
	}
	p.mu.Unlock()

	if err != nil {
		p.metrics.PollFailed()
	}
	p.metrics.SetConnected(connected)

	if changed {
		fields := logrus.Fields{"connected": connected}
		if err != nil {
			fields["error"] = err.Error()
		}
		p.logger.WithFields(fields).Info("device connectivity changed")
		if p.OnChange != nil {
			p.OnChange(connected)
		}
	}
	return connected
}

// timeout bounds a single poll so a hung request cannot overlap many ticks.
func (p *Poller) timeout() time.Duration {
	if p.interval < time.Second {
		return 2 * time.Second
	}
	return 2 * p.interval
}

// Connected returns the last observed state.
func (p *Poller) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// LastError returns the error of the last poll, or nil.
func (p *Poller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

// LastSeen returns when the backend last answered.
func (p *Poller) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Status returns a snapshot of the poller.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	errStr := ""
	if p.lastError != nil {
		errStr = p.lastError.Error()
	}
	return Status{
		Connected: p.connected,
		LastError: errStr,
		LastSeen:  p.lastSeen,
		Polls:     p.polls,
	}
}

// Indicator renders the state as "● Connected" or "○ Disconnected".
func (s Status) Indicator() string {
	if s.Connected {
		return "● Connected"
	}
	return "○ Disconnected"
}

// String is used by the watch command.
func (s Status) String() string {
	if s.LastError != "" {
		return fmt.Sprintf("%s (%s)", s.Indicator(), s.LastError)
	}
	return s.Indicator()
}
