package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	dispenser "github.com/mixbot/dispenser"
	"github.com/mixbot/dispenser/database"
	"github.com/mixbot/dispenser/history"
	"github.com/mixbot/dispenser/perf"
	"github.com/mixbot/dispenser/status"
)

type fakeBackend struct {
	mu          sync.Mutex
	requests    []dispenser.DispenseRequest
	reasons     []string
	completions int

	dispenseErr error
	completeErr error
	// release, when set, blocks Dispense until closed
	release chan struct{}
	// stopGate, when set, blocks the first EmergencyStop until closed
	stopGate chan struct{}
	// completeGate, when set, blocks the first Complete until closed
	completeGate chan struct{}

	dispenseTraceID string
	stopTimed       []bool
}

func (f *fakeBackend) Dispense(ctx context.Context, req dispenser.DispenseRequest) (*dispenser.DispenseResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.dispenseTraceID = trace.SpanContextFromContext(ctx).TraceID().String()
	release := f.release
	err := f.dispenseErr
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return &dispenser.DispenseResponse{Status: "started"}, nil
}

func (f *fakeBackend) EmergencyStop(ctx context.Context, reason string) error {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.stopTimed = append(f.stopTimed, perf.TimingsFromContext(ctx) != nil)
	gate := f.stopGate
	f.stopGate = nil
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	// Like the HTTP client, a dead context fails the request.
	return ctx.Err()
}

func (f *fakeBackend) Complete(ctx context.Context) error {
	f.mu.Lock()
	f.completions++
	gate := f.completeGate
	f.completeGate = nil
	err := f.completeErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeBackend) counts() (requests, stops, completions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests), len(f.reasons), f.completions
}

type fakeJournal struct {
	mu       sync.Mutex
	starts   []string
	traceIDs map[string]string
	ends     map[string]database.CycleEnd
}

func (j *fakeJournal) RecordCycleStart(ctx context.Context, cycleID string, water, syrup float64, traceID string, startedAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.starts = append(j.starts, cycleID)
	if j.traceIDs == nil {
		j.traceIDs = make(map[string]string)
	}
	j.traceIDs[cycleID] = traceID
	return nil
}

func (j *fakeJournal) RecordCycleEnd(ctx context.Context, cycleID string, end database.CycleEnd) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ends == nil {
		j.ends = make(map[string]database.CycleEnd)
	}
	j.ends[cycleID] = end
	return nil
}

func (j *fakeJournal) end(id string) (database.CycleEnd, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.ends[id]
	return e, ok
}

type fakeHistory struct {
	mu    sync.Mutex
	calls int
}

func (h *fakeHistory) Refresh(ctx context.Context, page int) (history.Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return history.Page{Empty: true}, nil
}

func (h *fakeHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type harness struct {
	ctrl    *Controller
	backend *fakeBackend
	journal *fakeJournal
	history *fakeHistory

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, backend *fakeBackend, tick time.Duration, onEvent func(*Controller, Event)) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := &harness{
		backend: backend,
		journal: &fakeJournal{},
		history: &fakeHistory{},
	}
	opts := DefaultOptions()
	opts.TickInterval = tick

	ctrl, err := New(Dependencies{
		Backend: backend,
		Journal: h.journal,
		History: h.history,
		Logger:  logger,
		OnEvent: func(e Event) {
			h.mu.Lock()
			h.events = append(h.events, e)
			h.mu.Unlock()
			if onEvent != nil {
				onEvent(h.ctrl, e)
			}
		},
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(ctrl.Close)
	return h
}

func (h *harness) eventsOf(typ EventType) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, e := range h.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// eventually polls cond until it holds or a few seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitResult(t *testing.T, c *Controller) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return res
}

func TestNew_RequiresBackend(t *testing.T) {
	if _, err := New(Dependencies{}, DefaultOptions()); err == nil {
		t.Error("expected error without backend")
	}
	opts := DefaultOptions()
	opts.Mode = "streaming"
	if _, err := New(Dependencies{Backend: &fakeBackend{}}, opts); err == nil {
		t.Error("expected error for unsupported mode")
	}
}

func TestStartDispensing_FullRun(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, time.Millisecond, nil)

	id, err := h.ctrl.StartDispensing(context.Background(), dispenser.DispenseRequest{Water: 500, Syrup: 100})
	if err != nil {
		t.Fatalf("StartDispensing: %v", err)
	}
	if !strings.HasPrefix(id, "cyc_") {
		t.Errorf("cycle id = %q", id)
	}

	res := waitResult(t, h.ctrl)
	if res.Outcome != OutcomeCompleted || res.Progress != 100 || res.Err != nil {
		t.Errorf("result = %+v", res)
	}

	h.ctrl.Close()
	requests, stops, completions := h.backend.counts()
	if requests != 1 || stops != 0 || completions != 1 {
		t.Errorf("requests=%d stops=%d completions=%d", requests, stops, completions)
	}
	if got := h.backend.requests[0]; got.Water != 500 || got.Syrup != 100 {
		t.Errorf("payload = %+v", got)
	}

	st := h.ctrl.Snapshot()
	if st.Dispensing {
		t.Error("still dispensing after completion")
	}
	if st.Banner.Level != status.LevelSuccess || st.Banner.Text != "Dispensing complete: 500ml Water + 100ml Syrup" {
		t.Errorf("banner = %+v", st.Banner)
	}
	if len(st.Samples) != 20 {
		t.Errorf("chart samples = %d, want 20", len(st.Samples))
	}

	// 50 ticks of 2%, monotone progress, non-increasing flow rate.
	progress := h.eventsOf(EventProgress)
	if len(progress) != 50 {
		t.Fatalf("progress events = %d, want 50", len(progress))
	}
	for i := 1; i < len(progress); i++ {
		if progress[i].Progress < progress[i-1].Progress || progress[i].Progress > 100 {
			t.Errorf("progress[%d] = %v after %v", i, progress[i].Progress, progress[i-1].Progress)
		}
		if progress[i].Sample.FlowRate > progress[i-1].Sample.FlowRate {
			t.Errorf("flow rate increased at tick %d", i)
		}
	}

	if h.history.count() != 1 {
		t.Errorf("history refreshes = %d, want 1", h.history.count())
	}
	end, ok := h.journal.end(id)
	if !ok || end.Status != database.CycleStatusCompleted || end.Progress != 100 {
		t.Errorf("journal end = %+v, %v", end, ok)
	}
}

func TestStartDispensing_TwiceSendsOnce(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, time.Hour, nil)
	ctx := context.Background()
	req := dispenser.DispenseRequest{Water: 100, Syrup: 10}

	if _, err := h.ctrl.StartDispensing(ctx, req); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := h.ctrl.StartDispensing(ctx, req); !errors.Is(err, ErrAlreadyDispensing) {
		t.Fatalf("second start: expected ErrAlreadyDispensing, got %v", err)
	}

	if err := h.ctrl.EmergencyStop(ctx, ""); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	h.ctrl.Close()

	requests, _, _ := h.backend.counts()
	if requests != 1 {
		t.Errorf("dispense requests = %d, want 1", requests)
	}
	if len(h.eventsOf(EventStarted)) != 1 {
		t.Error("expected a single started event")
	}
}

func TestStartDispensing_InvalidRequest(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, time.Millisecond, nil)
	_, err := h.ctrl.StartDispensing(context.Background(), dispenser.DispenseRequest{Water: 5000})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if h.ctrl.Dispensing() {
		t.Error("invalid request left controller dispensing")
	}
	if requests, _, _ := h.backend.counts(); requests != 0 {
		t.Errorf("requests = %d", requests)
	}
}

func TestEmergencyStop_AtForty(t *testing.T) {
	var stopErr error
	h := newHarness(t, &fakeBackend{}, time.Millisecond, func(c *Controller, e Event) {
		if e.Type == EventProgress && e.Progress == 40 {
			stopErr = c.EmergencyStop(context.Background(), "operator abort")
		}
	})

	id, err := h.ctrl.StartDispensing(context.Background(), dispenser.DispenseRequest{Water: 500, Syrup: 100})
	if err != nil {
		t.Fatalf("StartDispensing: %v", err)
	}
	res := waitResult(t, h.ctrl)
	h.ctrl.Close()

	if stopErr != nil {
		t.Fatalf("EmergencyStop: %v", stopErr)
	}
	if res.Outcome != OutcomeEmergencyStop || res.Progress != 40 {
		t.Errorf("result = %+v", res)
	}

	// The ticker halts immediately: no progress past 40.
	if n := len(h.eventsOf(EventProgress)); n != 20 {
		t.Errorf("progress events = %d, want 20", n)
	}

	_, stops, completions := h.backend.counts()
	if stops != 1 || completions != 0 {
		t.Errorf("stops=%d completions=%d", stops, completions)
	}
	if h.backend.reasons[0] != "operator abort" {
		t.Errorf("reason = %q", h.backend.reasons[0])
	}

	st := h.ctrl.Snapshot()
	if st.Dispensing || st.ProgressVisible {
		t.Errorf("state after stop = %+v", st)
	}
	if st.Banner.Level != status.LevelDanger || st.Banner.Text != EmergencyBanner {
		t.Errorf("banner = %+v", st.Banner)
	}
	end, _ := h.journal.end(id)
	if end.Status != database.CycleStatusEmergencyStop || end.StopReason != "operator abort" {
		t.Errorf("journal end = %+v", end)
	}
	if h.history.count() != 1 {
		t.Errorf("history refreshes = %d", h.history.count())
	}
}

func TestEmergencyStop_IdleIsNoop(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, time.Millisecond, nil)
	before := h.ctrl.Snapshot()

	if err := h.ctrl.EmergencyStop(context.Background(), "why"); !errors.Is(err, ErrNotDispensing) {
		t.Fatalf("expected ErrNotDispensing, got %v", err)
	}
	if _, stops, _ := h.backend.counts(); stops != 0 {
		t.Errorf("emergency calls = %d, want 0", stops)
	}
	after := h.ctrl.Snapshot()
	if after.Banner != before.Banner || after.Dispensing {
		t.Errorf("state changed: %+v -> %+v", before, after)
	}
}

func TestDispenseFailure_TriggersEmergencyStop(t *testing.T) {
	backend := &fakeBackend{dispenseErr: errors.New("connection refused")}
	h := newHarness(t, backend, time.Hour, nil)

	if _, err := h.ctrl.StartDispensing(context.Background(), dispenser.DispenseRequest{Water: 100}); err != nil {
		t.Fatalf("StartDispensing: %v", err)
	}
	res := waitResult(t, h.ctrl)
	h.ctrl.Close()

	if res.Outcome != OutcomeEmergencyStop {
		t.Errorf("outcome = %v", res.Outcome)
	}
	_, stops, completions := backend.counts()
	if stops != 1 || completions != 0 {
		t.Errorf("stops=%d completions=%d", stops, completions)
	}
	if !strings.HasPrefix(backend.reasons[0], "dispense request failed: ") {
		t.Errorf("reason = %q", backend.reasons[0])
	}
	if len(h.eventsOf(EventRequestFailed)) != 1 {
		t.Error("expected a request_failed event")
	}
	if len(h.eventsOf(EventEmergencyStopped)) != 1 {
		t.Error("expected the failure to end in an emergency stop")
	}
}

func TestDispenseFailureAfterCompletion_Ignored(t *testing.T) {
	backend := &fakeBackend{
		dispenseErr: errors.New("late failure"),
		release:     make(chan struct{}),
	}
	h := newHarness(t, backend, time.Millisecond, nil)

	if _, err := h.ctrl.StartDispensing(context.Background(), dispenser.DispenseRequest{Water: 100}); err != nil {
		t.Fatalf("StartDispensing: %v", err)
	}
	res := waitResult(t, h.ctrl)
	close(backend.release)
	h.ctrl.Close()

	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if _, stops, _ := backend.counts(); stops != 0 {
		t.Errorf("late request failure sent %d emergency stops", stops)
	}
	if h.ctrl.Snapshot().Banner.Level != status.LevelSuccess {
		t.Error("late failure overwrote the success banner")
	}
	if n := len(h.eventsOf(EventRequestFailed)); n != 0 {
		t.Errorf("request_failed events = %d for a cycle that already completed", n)
	}
}

func TestCompletionNotifyFailure_StillIdle(t *testing.T) {
	backend := &fakeBackend{completeErr: errors.New("backend down")}
	h := newHarness(t, backend, time.Millisecond, nil)
	ctx := context.Background()

	id, err := h.ctrl.StartDispensing(ctx, dispenser.DispenseRequest{Water: 100})
	if err != nil {
		t.Fatalf("StartDispensing: %v", err)
	}
	res := waitResult(t, h.ctrl)

	if res.Outcome != OutcomeCompleted || res.Err == nil {
		t.Errorf("result = %+v", res)
	}
	st := h.ctrl.Snapshot()
	if st.Dispensing {
		t.Error("completion failure reopened the dispense lock")
	}
	if st.Banner.Level != status.LevelDanger {
		t.Errorf("banner = %+v", st.Banner)
	}
	if len(h.eventsOf(EventCompletionFailed)) != 1 {
		t.Error("expected a completion_failed event")
	}
	if h.history.count() != 1 {
		t.Errorf("history refreshes = %d", h.history.count())
	}
	if end, _ := h.journal.end(id); end.NotifyError != "backend down" {
		t.Errorf("journal notify error = %q", end.NotifyError)
	}

	// A new cycle can start right away.
	backend.mu.Lock()
	backend.completeErr = nil
	backend.mu.Unlock()
	if _, err := h.ctrl.StartDispensing(ctx, dispenser.DispenseRequest{Water: 100}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitResult(t, h.ctrl)
}

func TestWait_NoCycle(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, time.Millisecond, nil)
	if _, err := h.ctrl.Wait(context.Background()); !errors.Is(err, ErrNotDispensing) {
		t.Errorf("expected ErrNotDispensing, got %v", err)
	}
}

func TestEventTerminal(t *testing.T) {
	if !(Event{Type: EventCompleted}).Terminal() || (Event{Type: EventProgress}).Terminal() {
		t.Error("unexpected Terminal results")
	}
}

func TestStartDispensing_JournalsTraceID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	logger, _ := test.NewNullLogger()
	backend := &fakeBackend{}
	journal := &fakeJournal{}

	opts := DefaultOptions()
	opts.TickInterval = time.Millisecond
	ctrl, err := New(Dependencies{
		Backend:        backend,
		Journal:        journal,
		Logger:         logger,
		TracerProvider: tp,
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, err := ctrl.StartDispensing(context.Background(), dispenser.DispenseRequest{Water: 100})
	if err != nil {
		t.Fatalf("StartDispensing: %v", err)
	}
	waitResult(t, ctrl)
	ctrl.Close()

	journal.mu.Lock()
	traceID := journal.traceIDs[id]
	journal.mu.Unlock()
	if len(traceID) != 32 || traceID == strings.Repeat("0", 32) {
		t.Fatalf("journaled trace id = %q", traceID)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.dispenseTraceID != traceID {
		t.Errorf("dispense request traced as %q, journal has %q", backend.dispenseTraceID, traceID)
	}
}

func TestEmergencyStop_UsesCallerContext(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, time.Hour, nil)

	id, err := h.ctrl.StartDispensing(context.Background(), dispenser.DispenseRequest{Water: 100})
	if err != nil {
		t.Fatalf("StartDispensing: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = h.ctrl.EmergencyStop(ctx, "operator abort")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("EmergencyStop error = %v, want context.Canceled", err)
	}
	h.ctrl.Close()

	// The cycle still stops locally.
	st := h.ctrl.Snapshot()
	if st.Dispensing {
		t.Error("failed notification left the controller dispensing")
	}
	if st.Banner.Level != status.LevelDanger || !strings.HasPrefix(st.Banner.Text, "Emergency stop not acknowledged") {
		t.Errorf("banner = %+v", st.Banner)
	}
	if len(h.eventsOf(EventEmergencyFailed)) != 1 {
		t.Error("expected an emergency_failed event")
	}
	if end, _ := h.journal.end(id); end.NotifyError == "" {
		t.Error("journal end is missing the notify error")
	}

	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	if len(h.backend.stopTimed) != 1 || !h.backend.stopTimed[0] {
		t.Error("emergency stop request was not attributed to the cycle timings")
	}
}

func TestStaleStop_LeavesNewCycleBanner(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{stopGate: gate}
	h := newHarness(t, backend, time.Hour, nil)
	ctx := context.Background()

	first, err := h.ctrl.StartDispensing(ctx, dispenser.DispenseRequest{Water: 100})
	if err != nil {
		t.Fatalf("first start: %v", err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- h.ctrl.EmergencyStop(ctx, "operator abort") }()

	// The guard is released before the backend call returns.
	eventually(t, "first cycle to release the guard", func() bool { return !h.ctrl.Dispensing() })

	second := dispenser.DispenseRequest{Water: 250, Syrup: 25}
	if _, err := h.ctrl.StartDispensing(ctx, second); err != nil {
		t.Fatalf("second start: %v", err)
	}

	close(gate)
	if err := <-stopped; err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	eventually(t, "first cycle terminal event", func() bool {
		for _, e := range h.eventsOf(EventEmergencyStopped) {
			if e.CycleID == first {
				return true
			}
		}
		return false
	})

	st := h.ctrl.Snapshot()
	if !st.Dispensing {
		t.Error("second cycle no longer dispensing")
	}
	if st.Banner.Level != status.LevelWarning || st.Banner.Text != "Starting: 250ml Water + 25ml Syrup" {
		t.Errorf("banner = %+v, stale stop overwrote it", st.Banner)
	}

	if err := h.ctrl.EmergencyStop(ctx, ""); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStaleFinish_LeavesNewCycleBanner(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{completeGate: gate}
	h := newHarness(t, backend, time.Millisecond, nil)
	ctx := context.Background()

	first, err := h.ctrl.StartDispensing(ctx, dispenser.DispenseRequest{Water: 10})
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	eventually(t, "first cycle to reach 100", func() bool { return !h.ctrl.Dispensing() })

	if _, err := h.ctrl.StartDispensing(ctx, dispenser.DispenseRequest{Water: 250, Syrup: 25}); err != nil {
		t.Fatalf("second start: %v", err)
	}
	close(gate)
	eventually(t, "first cycle terminal event", func() bool {
		for _, e := range h.eventsOf(EventCompleted) {
			if e.CycleID == first {
				return true
			}
		}
		return false
	})

	// The second cycle may have finished too; either way the banner is its own.
	banner := h.ctrl.Snapshot().Banner
	if !strings.HasSuffix(banner.Text, "250ml Water + 25ml Syrup") {
		t.Errorf("banner = %+v, stale completion overwrote it", banner)
	}
	waitResult(t, h.ctrl)
}
