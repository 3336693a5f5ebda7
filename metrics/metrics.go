// Package metrics exposes Prometheus instrumentation for the control panel:
// dispense cycle outcomes, backend request latency and device connectivity.
//
// All methods are safe to call on a nil *Metrics, so components can be built
// without instrumentation in tests.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "mixctl"

// Outcome labels for finished cycles.
const (
	OutcomeCompleted     = "completed"
	OutcomeEmergencyStop = "emergency_stop"
)

// Metrics holds the collectors and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	cyclesStarted   prometheus.Counter
	cyclesFinished  *prometheus.CounterVec
	notifyFailures  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	deviceConnected prometheus.Gauge
	progress        prometheus.Gauge
	pollFailures    prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cyclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispense_cycles_started_total",
			Help:      "Number of dispense cycles started.",
		}),
		cyclesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispense_cycles_finished_total",
			Help:      "Number of dispense cycles finished, by outcome.",
		}, []string{"outcome"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_notify_failures_total",
			Help:      "Number of failed backend notifications, by endpoint.",
		}, []string{"endpoint"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "code"}),
		deviceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "1 when the last connectivity poll reported the device as connected.",
		}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispense_progress_percent",
			Help:      "Simulated progress of the current dispense cycle.",
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectivity_poll_failures_total",
			Help:      "Number of connectivity polls that failed to reach the backend.",
		}),
	}

	m.registry.MustRegister(
		m.cyclesStarted,
		m.cyclesFinished,
		m.notifyFailures,
		m.requestDuration,
		m.deviceConnected,
		m.progress,
		m.pollFailures,
	)
	return m
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CycleStarted counts a new dispense cycle.
func (m *Metrics) CycleStarted() {
	if m == nil {
		return
	}
	m.cyclesStarted.Inc()
	m.progress.Set(0)
}

// CycleFinished counts a finished cycle with the given outcome.
func (m *Metrics) CycleFinished(outcome string) {
	if m == nil {
		return
	}
	m.cyclesFinished.WithLabelValues(outcome).Inc()
	m.progress.Set(0)
}

// NotifyFailed counts a failed backend notification.
func (m *Metrics) NotifyFailed(endpoint string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(endpoint).Inc()
}

// ObserveRequest records the latency of a backend request. code is 0 when
// the request never got a response.
func (m *Metrics) ObserveRequest(method, path string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, path, strconv.Itoa(code)).Observe(d.Seconds())
}

// SetConnected records the latest connectivity state.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.deviceConnected.Set(1)
	} else {
		m.deviceConnected.Set(0)
	}
}

// PollFailed counts a failed connectivity poll.
func (m *Metrics) PollFailed() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}

// SetProgress records the simulated progress percentage.
func (m *Metrics) SetProgress(p float64) {
	if m == nil {
		return
	}
	m.progress.Set(p)
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
