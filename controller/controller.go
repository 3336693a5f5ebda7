// Package controller owns the dispense state machine.
//
// A Controller moves between idle and dispensing. Starting a cycle launches
// two independent activities: a simulated progress ticker that drives the flow
// chart and finishes the cycle at 100%, and the /dispense request. Whichever
// of finish, emergency stop, or request failure releases the cycle first wins;
// the others become no-ops.
//
// Progress is simulated on the client and is not correlated with the device.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dispenser "github.com/mixbot/dispenser"
	"github.com/mixbot/dispenser/chart"
	"github.com/mixbot/dispenser/database"
	"github.com/mixbot/dispenser/history"
	"github.com/mixbot/dispenser/metrics"
	"github.com/mixbot/dispenser/perf"
	"github.com/mixbot/dispenser/safeguards"
	"github.com/mixbot/dispenser/slider"
	"github.com/mixbot/dispenser/status"
)

var (
	// ErrAlreadyDispensing is returned by StartDispensing while a cycle is in flight.
	ErrAlreadyDispensing = errors.New("already dispensing")

	// ErrNotDispensing is returned by EmergencyStop while idle.
	ErrNotDispensing = errors.New("not dispensing")
)

const (
	// DefaultTickInterval is the simulated progress tick.
	DefaultTickInterval = 200 * time.Millisecond

	// DefaultProgressStep is the progress added per tick.
	DefaultProgressStep = 2.0

	// EmergencyBanner is shown once the backend acknowledged an emergency stop.
	EmergencyBanner = "Emergency stop activated! All pumps halted."

	tracerName = "github.com/mixbot/dispenser/controller"
)

// Mode selects where progress comes from.
type Mode string

// ModeSimulated advances progress on a client-side timer.
const ModeSimulated Mode = "simulated"

// Backend is the subset of the backend client the controller drives.
type Backend interface {
	Dispense(ctx context.Context, req dispenser.DispenseRequest) (*dispenser.DispenseResponse, error)
	EmergencyStop(ctx context.Context, reason string) error
	Complete(ctx context.Context) error
}

// Journal records cycles locally. *database.DB implements it.
type Journal interface {
	RecordCycleStart(ctx context.Context, cycleID string, water, syrup float64, traceID string, startedAt time.Time) error
	RecordCycleEnd(ctx context.Context, cycleID string, end database.CycleEnd) error
}

// HistoryRefresher reloads the history view. *history.Panel implements it.
type HistoryRefresher interface {
	Refresh(ctx context.Context, page int) (history.Page, error)
}

// Dependencies are the collaborators of a Controller. Backend is required.
type Dependencies struct {
	Backend Backend
	Journal Journal
	History HistoryRefresher
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics

	// TracerProvider creates the cycle spans (default: the global provider)
	TracerProvider trace.TracerProvider

	// OnEvent is called for every state change. It runs on the controller's
	// goroutines and must not block.
	OnEvent func(Event)
}

// Options tune the simulation.
type Options struct {
	Mode          Mode
	TickInterval  time.Duration
	ProgressStep  float64
	ChartCapacity int
	Bounds        slider.Bounds
}

// DefaultOptions returns the panel defaults: 200ms ticks of 2%.
func DefaultOptions() Options {
	return Options{
		Mode:          ModeSimulated,
		TickInterval:  DefaultTickInterval,
		ProgressStep:  DefaultProgressStep,
		ChartCapacity: chart.DefaultCapacity,
		Bounds:        slider.DefaultBounds(),
	}
}

// Outcome is how a cycle ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeEmergencyStop Outcome = "emergency_stop"
)

// Result describes a finished cycle.
type Result struct {
	CycleID string
	Outcome Outcome
	// Progress is the simulated progress when the cycle ended
	Progress float64
	// Err is the backend notification error, if the final notification failed
	Err      error
	Duration time.Duration
}

// State is a point-in-time copy of the controller for rendering.
type State struct {
	Dispensing      bool
	Progress        float64
	ProgressVisible bool
	CycleID         string
	Request         dispenser.DispenseRequest
	Banner          status.Message
	Samples         []chart.ProgressSample
}

// cycle is the bookkeeping of one in-flight dispense.
type cycle struct {
	id         string
	generation uint64
	request    dispenser.DispenseRequest
	ctx        context.Context
	span       trace.Span
	stopTicker context.CancelFunc
	timings    *perf.CycleTimings
	done       chan struct{}
	result     Result
}

// Controller is the dispense state machine. Construct one per panel session.
type Controller struct {
	backend Backend
	journal Journal
	history HistoryRefresher
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	onEvent func(Event)
	opts    Options
	tracer  trace.Tracer

	guard  *safeguards.CycleGuard
	banner *status.Banner
	chart  *chart.Buffer

	mu              sync.Mutex
	progress        float64
	progressVisible bool
	current         *cycle
	last            *cycle

	wg sync.WaitGroup
}

// New creates an idle controller.
func New(deps Dependencies, opts Options) (*Controller, error) {
	if deps.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Mode == "" {
		opts.Mode = ModeSimulated
	}
	if opts.Mode != ModeSimulated {
		return nil, fmt.Errorf("unsupported progress mode %q", opts.Mode)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ProgressStep <= 0 {
		opts.ProgressStep = DefaultProgressStep
	}
	if opts.ChartCapacity <= 0 {
		opts.ChartCapacity = chart.DefaultCapacity
	}
	if opts.Bounds.WaterMax <= 0 || opts.Bounds.SyrupMax <= 0 {
		opts.Bounds = slider.DefaultBounds()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	logger := deps.Logger.WithField("component", "controller")
	if deps.TracerProvider == nil {
		deps.TracerProvider = otel.GetTracerProvider()
	}

	return &Controller{
		backend: deps.Backend,
		journal: deps.Journal,
		history: deps.History,
		logger:  logger,
		metrics: deps.Metrics,
		onEvent: deps.OnEvent,
		opts:    opts,
		tracer:  deps.TracerProvider.Tracer(tracerName),
		guard:   safeguards.NewCycleGuard(deps.Logger),
		banner:  status.NewBanner("Ready to dispense"),
		chart:   chart.NewBuffer(opts.ChartCapacity),
	}, nil
}

// Banner returns the status banner the controller writes to.
func (c *Controller) Banner() *status.Banner {
	return c.banner
}

// Chart returns the flow chart buffer.
func (c *Controller) Chart() *chart.Buffer {
	return c.chart
}

// Options returns the effective options.
func (c *Controller) Options() Options {
	return c.opts
}

// Dispensing reports whether a cycle is in flight.
func (c *Controller) Dispensing() bool {
	return c.guard.Active()
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	st := State{
		Progress:        c.progress,
		ProgressVisible: c.progressVisible,
	}
	if c.current != nil {
		st.CycleID = c.current.id
		st.Request = c.current.request
	}
	c.mu.Unlock()

	st.Dispensing = c.guard.Active()
	st.Banner = c.banner.Current()
	st.Samples = c.chart.Samples()
	return st
}

// StartDispensing begins a cycle for req and returns its ID. It returns
// ErrAlreadyDispensing without contacting the backend while a cycle is in
// flight. The request and ticker outlive ctx's cancellation but keep its values.
func (c *Controller) StartDispensing(ctx context.Context, req dispenser.DispenseRequest) (string, error) {
	if err := req.Validate(c.opts.Bounds.WaterMax, c.opts.Bounds.SyrupMax); err != nil {
		return "", fmt.Errorf("invalid dispense request: %w", err)
	}

	gen, ok := c.guard.TryAcquire()
	if !ok {
		c.logger.Debug("start ignored, already dispensing")
		return "", ErrAlreadyDispensing
	}

	cycleID := dispenser.NewCycleID()
	timings := perf.NewCycleTimings()

	cycleCtx, span := c.tracer.Start(context.WithoutCancel(ctx), "dispense.cycle",
		trace.WithAttributes(
			attribute.String("cycle.id", cycleID),
			attribute.Float64("dispense.water_ml", req.Water),
			attribute.Float64("dispense.syrup_ml", req.Syrup),
		))
	cycleCtx = perf.WithTimings(cycleCtx, timings)
	tickerCtx, stopTicker := context.WithCancel(cycleCtx)

	cyc := &cycle{
		id:         cycleID,
		generation: gen,
		request:    req,
		ctx:        cycleCtx,
		span:       span,
		stopTicker: stopTicker,
		timings:    timings,
		done:       make(chan struct{}),
	}

	c.mu.Lock()
	c.current = cyc
	c.last = cyc
	c.progress = 0
	c.progressVisible = true
	c.chart.Reset()
	c.mu.Unlock()

	logger := c.logger.WithFields(logrus.Fields{
		"cycle_id": cycleID,
		"water":    req.Water,
		"syrup":    req.Syrup,
	})
	logger.Info("dispense started")

	msg := c.banner.Set(status.LevelWarning, "Starting: "+volumes(req))
	c.metrics.CycleStarted()

	if c.journal != nil {
		traceID := ""
		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		if err := c.journal.RecordCycleStart(cycleCtx, cycleID, req.Water, req.Syrup, traceID, timings.Started); err != nil {
			logger.WithError(err).Warn("failed to journal cycle start")
		}
	}

	c.emit(Event{Type: EventStarted, CycleID: cycleID, Banner: msg})

	c.wg.Add(2)
	go c.runTicker(tickerCtx, cyc)
	go c.sendDispense(cyc)

	return cycleID, nil
}

// runTicker advances simulated progress until 100 or until the cycle is released.
func (c *Controller) runTicker(ctx context.Context, cyc *cycle) {
	defer c.wg.Done()

	err := safeguards.RecoverableOperation(c.logger, "progress-ticker", func() error {
		ticker := time.NewTicker(c.opts.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}

			c.mu.Lock()
			if !c.guard.Holds(cyc.generation) {
				c.mu.Unlock()
				return nil
			}
			c.progress += c.opts.ProgressStep
			if c.progress > 100 {
				c.progress = 100
			}
			progress := c.progress
			sample := c.chart.Update(progress)
			c.mu.Unlock()

			cyc.timings.Tick()
			c.metrics.SetProgress(progress)
			c.emit(Event{Type: EventProgress, CycleID: cyc.id, Progress: progress, Sample: sample})

			if progress >= 100 {
				c.finish(cyc)
				return nil
			}
		}
	})
	if err != nil {
		// A panicking ticker must not leave the panel locked.
		c.stop(cyc.ctx, cyc, "progress ticker failed: "+err.Error(), nil)
	}
}

// sendDispense issues /dispense. A failure stops the cycle if it still holds the guard.
func (c *Controller) sendDispense(cyc *cycle) {
	defer c.wg.Done()

	resp, err := c.backend.Dispense(cyc.ctx, cyc.request)

	logger := c.logger.WithField("cycle_id", cyc.id)
	if err != nil {
		logger.WithError(err).Error("dispense request failed")
		c.metrics.NotifyFailed("dispense")
		cyc.span.RecordError(err)

		if !c.guard.Holds(cyc.generation) {
			logger.Debug("cycle already ended, ignoring dispense failure")
			return
		}
		c.stop(cyc.ctx, cyc, "dispense request failed: "+err.Error(), err)
		return
	}

	logger.Debug("dispense request accepted")
	if resp != nil && resp.Message != "" && c.guard.Holds(cyc.generation) {
		msg := c.banner.Set(status.LevelInfo, resp.Message)
		c.emit(Event{Type: EventAccepted, CycleID: cyc.id, Banner: msg})
	}
}

// finish completes a cycle whose progress reached 100.
func (c *Controller) finish(cyc *cycle) {
	c.mu.Lock()
	if !c.guard.Release(cyc.generation) {
		c.mu.Unlock()
		return
	}
	cyc.stopTicker()
	progress := c.progress
	c.mu.Unlock()

	logger := c.logger.WithField("cycle_id", cyc.id)

	err := c.backend.Complete(cyc.ctx)

	var msg status.Message
	end := database.CycleEnd{Status: database.CycleStatusCompleted, Progress: progress}
	if err != nil {
		logger.WithError(err).Error("failed to notify completion")
		c.metrics.NotifyFailed("complete")
		cyc.span.RecordError(err)
		cyc.span.SetStatus(codes.Error, "completion not acknowledged")
		msg = c.announce(cyc, status.LevelDanger, "Error: "+err.Error())
		end.NotifyError = err.Error()
	} else {
		logger.Info("dispense completed")
		msg = c.announce(cyc, status.LevelSuccess, "Dispensing complete: "+volumes(cyc.request))
	}
	c.metrics.CycleFinished(metrics.OutcomeCompleted)

	c.endCycle(cyc, end, Result{
		CycleID:  cyc.id,
		Outcome:  OutcomeCompleted,
		Progress: progress,
		Err:      err,
	})

	eventType := EventCompleted
	if err != nil {
		eventType = EventCompletionFailed
	}
	c.emit(Event{Type: eventType, CycleID: cyc.id, Progress: progress, Banner: msg, Err: err})

	c.refreshHistory(cyc)
	c.closeCycle(cyc)
}

// EmergencyStop halts the in-flight cycle and notifies the backend with
// reason (DefaultEmergencyReason when empty). It returns ErrNotDispensing
// without any network call while idle. The notification is bounded by ctx;
// the cycle is stopped locally even if it fails, and that error is returned.
func (c *Controller) EmergencyStop(ctx context.Context, reason string) error {
	c.mu.Lock()
	cyc := c.current
	c.mu.Unlock()

	if cyc == nil || !c.guard.Holds(cyc.generation) {
		c.logger.Debug("emergency stop ignored, not dispensing")
		return ErrNotDispensing
	}
	ctx = perf.WithTimings(trace.ContextWithSpan(ctx, cyc.span), cyc.timings)
	return c.stop(ctx, cyc, reason, nil)
}

// stop ends cyc with an emergency stop sent on ctx. cause is the dispense
// request failure that triggered it, if any; it is reported only when this
// call wins the guard.
func (c *Controller) stop(ctx context.Context, cyc *cycle, reason string, cause error) error {
	c.mu.Lock()
	if !c.guard.Release(cyc.generation) {
		c.mu.Unlock()
		return ErrNotDispensing
	}
	cyc.stopTicker()
	c.progressVisible = false
	progress := c.progress
	c.mu.Unlock()

	if cause != nil {
		c.emit(Event{Type: EventRequestFailed, CycleID: cyc.id, Err: cause})
	}

	if reason == "" {
		reason = dispenser.DefaultEmergencyReason
	}
	logger := c.logger.WithFields(logrus.Fields{
		"cycle_id": cyc.id,
		"progress": progress,
		"reason":   reason,
	})
	logger.Warn("emergency stop")

	err := c.backend.EmergencyStop(ctx, reason)

	cyc.span.SetAttributes(attribute.String("dispense.stop_reason", reason))
	cyc.span.SetStatus(codes.Error, "emergency stop")

	end := database.CycleEnd{
		Status:     database.CycleStatusEmergencyStop,
		Progress:   progress,
		StopReason: reason,
	}
	var msg status.Message
	if err != nil {
		logger.WithError(err).Error("failed to notify emergency stop")
		c.metrics.NotifyFailed("emergency-stop")
		cyc.span.RecordError(err)
		msg = c.announce(cyc, status.LevelDanger, "Emergency stop not acknowledged: "+err.Error())
		end.NotifyError = err.Error()
		err = fmt.Errorf("failed to notify emergency stop: %w", err)
	} else {
		msg = c.announce(cyc, status.LevelDanger, EmergencyBanner)
	}
	c.metrics.CycleFinished(metrics.OutcomeEmergencyStop)

	c.endCycle(cyc, end, Result{
		CycleID:  cyc.id,
		Outcome:  OutcomeEmergencyStop,
		Progress: progress,
		Err:      err,
	})

	if err != nil {
		c.emit(Event{Type: EventEmergencyFailed, CycleID: cyc.id, Progress: progress, Banner: msg, Err: err})
	} else {
		c.emit(Event{Type: EventEmergencyStopped, CycleID: cyc.id, Progress: progress, Banner: msg})
		c.refreshHistory(cyc)
	}
	c.closeCycle(cyc)
	return err
}

func (c *Controller) endCycle(cyc *cycle, end database.CycleEnd, res Result) {
	cyc.timings.Finish()
	res.Duration = cyc.timings.Total()
	end.EndedAt = cyc.timings.Ended

	c.mu.Lock()
	cyc.result = res
	c.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.RecordCycleEnd(cyc.ctx, cyc.id, end); err != nil {
			c.logger.WithError(err).WithField("cycle_id", cyc.id).Warn("failed to journal cycle end")
		}
	}
	c.logger.WithField("cycle_id", cyc.id).Debug(cyc.timings.Summary())
}

func (c *Controller) closeCycle(cyc *cycle) {
	cyc.span.End()
	close(cyc.done)
}

func (c *Controller) refreshHistory(cyc *cycle) {
	if c.history == nil {
		return
	}
	if _, err := c.history.Refresh(cyc.ctx, 0); err != nil {
		c.logger.WithError(err).Warn("failed to refresh history")
	}
}

// announce sets the banner for the end of cyc unless a newer cycle has
// started meanwhile; the returned message is the one the event carries.
func (c *Controller) announce(cyc *cycle, level status.Level, text string) status.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != cyc {
		c.logger.WithField("cycle_id", cyc.id).Debug("newer cycle running, banner left alone")
		return status.Message{Level: level, Text: text, At: time.Now()}
	}
	return c.banner.Set(level, text)
}

// Wait blocks until the most recently started cycle has ended and returns
// its result.
func (c *Controller) Wait(ctx context.Context) (Result, error) {
	c.mu.Lock()
	cyc := c.last
	c.mu.Unlock()
	if cyc == nil {
		return Result{}, ErrNotDispensing
	}

	select {
	case <-cyc.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return cyc.result, nil
}

// Close waits for background requests of past cycles to return.
func (c *Controller) Close() {
	c.wg.Wait()
}

func (c *Controller) emit(e Event) {
	if c.onEvent == nil {
		return
	}
	e.At = time.Now()
	c.onEvent(e)
}

func volumes(req dispenser.DispenseRequest) string {
	return formatML(req.Water) + "ml Water + " + formatML(req.Syrup) + "ml Syrup"
}

func formatML(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
