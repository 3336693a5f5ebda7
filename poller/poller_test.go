package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"

	dispenser "github.com/mixbot/dispenser"
	"github.com/mixbot/dispenser/metrics"
)

type scriptedChecker struct {
	mu      sync.Mutex
	results []result
	calls   int
}

type result struct {
	connected bool
	err       error
}

func (c *scriptedChecker) DeviceStatus(ctx context.Context) (*dispenser.DeviceStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.results[len(c.results)-1]
	if c.calls < len(c.results) {
		r = c.results[c.calls]
	}
	c.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &dispenser.DeviceStatus{Connected: r.connected}, nil
}

func TestPoll_Transitions(t *testing.T) {
	logger, _ := test.NewNullLogger()
	checker := &scriptedChecker{results: []result{
		{connected: true},
		{connected: true},
		{err: errors.New("connection refused")},
		{connected: false},
		{connected: true},
	}}

	var changes []bool
	p := New(Config{
		Checker:  checker,
		Logger:   logger,
		OnChange: func(c bool) { changes = append(changes, c) },
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		p.Poll(ctx)
	}

	want := []bool{true, false, true}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes = %v, want %v", changes, want)
		}
	}
	if !p.Connected() || p.LastError() != nil || p.LastSeen().IsZero() {
		t.Errorf("status = %+v", p.Status())
	}
}

func TestPoll_FailureIsDisconnected(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := metrics.New()
	p := New(Config{
		Checker: &scriptedChecker{results: []result{{err: errors.New("timeout")}}},
		Logger:  logger,
		Metrics: m,
	})

	if p.Poll(context.Background()) {
		t.Fatal("failed poll reported connected")
	}
	st := p.Status()
	if st.Connected || st.LastError != "timeout" || !st.LastSeen.IsZero() {
		t.Errorf("status = %+v", st)
	}
	if got := st.String(); got != "○ Disconnected (timeout)" {
		t.Errorf("String = %q", got)
	}
	expected := `
# HELP mixctl_connectivity_poll_failures_total Number of connectivity polls that failed to reach the backend.
# TYPE mixctl_connectivity_poll_failures_total counter
mixctl_connectivity_poll_failures_total 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "mixctl_connectivity_poll_failures_total"); err != nil {
		t.Errorf("poll failure metric: %v", err)
	}
}

func TestRun_PollsUntilCancelled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	checker := &scriptedChecker{results: []result{{connected: true}}}
	p := New(Config{Checker: checker, Logger: logger, Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	if err := p.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run returned %v", err)
	}
	if polls := p.Status().Polls; polls < 3 {
		t.Errorf("polls = %d, expected several", polls)
	}
}

func TestIndicator(t *testing.T) {
	if (Status{Connected: true}).Indicator() != "● Connected" {
		t.Error("connected indicator")
	}
	if (Status{}).String() != "○ Disconnected" {
		t.Error("disconnected indicator")
	}
}
