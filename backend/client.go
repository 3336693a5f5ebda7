// Package backend is the HTTP client for the dispensing backend that fronts
// the ESP32 controller.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	dispenser "github.com/mixbot/dispenser"
	"github.com/mixbot/dispenser/metrics"
	"github.com/mixbot/dispenser/perf"
)

// Endpoint paths consumed by the panel.
const (
	PathDispense      = "/dispense"
	PathStop          = "/stop"
	PathEmergencyStop = "/emergency-stop"
	PathComplete      = "/complete"
	PathHistory       = "/history"
	PathDeviceStatus  = "/esp32/status"
)

const tracerName = "github.com/mixbot/dispenser/backend"

// maxErrorBody bounds how much of an error response body is kept.
const maxErrorBody = 512

// ErrBackendUnavailable wraps transport-level failures (connection refused,
// timeouts, cancelled contexts).
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrMalformedResponse wraps JSON decoding failures of a 2xx response.
var ErrMalformedResponse = errors.New("malformed backend response")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s returned %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the backend root, e.g. "http://192.168.23.10:5000"
	BaseURL string

	// Timeout bounds each request (default 5s)
	Timeout time.Duration

	// SlowThreshold logs a warning for requests slower than this (default 1s)
	SlowThreshold time.Duration

	// HTTPClient overrides the transport (tests)
	HTTPClient *http.Client

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics

	// TracerProvider and Propagator default to the otel globals
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
}

// Client talks to the dispensing backend. Safe for concurrent use.
type Client struct {
	baseURL       *url.URL
	http          *http.Client
	logger        logrus.FieldLogger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	propagator    propagation.TextMapPropagator
	slowThreshold time.Duration
}

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend URL is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme must be http or https", cfg.BaseURL)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.SlowThreshold == 0 {
		cfg.SlowThreshold = perf.DefaultSlowThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:       u,
		http:          httpClient,
		logger:        cfg.Logger.WithField("component", "backend"),
		metrics:       cfg.Metrics,
		tracer:        cfg.TracerProvider.Tracer(tracerName),
		propagator:    cfg.Propagator,
		slowThreshold: cfg.SlowThreshold,
	}, nil
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Dispense asks the backend to start dispensing. An empty or non-JSON 2xx
// body is accepted; only the earliest backends send a message.
func (c *Client) Dispense(ctx context.Context, req dispenser.DispenseRequest) (*dispenser.DispenseResponse, error) {
	payload, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode dispense request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, PathDispense, payload)
	if err != nil {
		return nil, err
	}

	resp := &dispenser.DispenseResponse{}
	if len(bytes.TrimSpace(body)) == 0 {
		return resp, nil
	}
	if err := resp.Unmarshal(body); err != nil {
		c.logger.WithError(err).Warn("ignoring undecodable dispense response")
		return &dispenser.DispenseResponse{}, nil
	}
	return resp, nil
}

// Stop sends the soft stop used by the earliest panel revision.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, PathStop, nil)
	return err
}

// EmergencyStop notifies the backend that the current dispense was halted.
func (c *Client) EmergencyStop(ctx context.Context, reason string) error {
	if reason == "" {
		reason = dispenser.DefaultEmergencyReason
	}
	req := dispenser.EmergencyStopRequest{Reason: reason}
	payload, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode emergency stop request: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, PathEmergencyStop, payload)
	return err
}

// Complete notifies the backend that the dispense finished.
func (c *Client) Complete(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, PathComplete, nil)
	return err
}

// History fetches the full event log in creation order.
func (c *Client) History(ctx context.Context) ([]dispenser.HistoryEvent, error) {
	body, err := c.do(ctx, http.MethodGet, PathHistory, nil)
	if err != nil {
		return nil, err
	}

	var events []dispenser.HistoryEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrMalformedResponse, PathHistory, err)
	}
	return events, nil
}

// DeviceStatus reports whether the backend can reach the ESP32.
func (c *Client) DeviceStatus(ctx context.Context) (*dispenser.DeviceStatus, error) {
	body, err := c.do(ctx, http.MethodGet, PathDeviceStatus, nil)
	if err != nil {
		return nil, err
	}

	status := &dispenser.DeviceStatus{}
	if err := status.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrMalformedResponse, PathDeviceStatus, err)
	}
	return status, nil
}

// IsAvailable checks if the backend answers the status endpoint.
func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := c.DeviceStatus(ctx)
	return err == nil
}

// do performs one request and returns the response body of a 2xx answer.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		))
	defer span.End()

	logger := c.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
	})
	timer := perf.Start(method+" "+path, logger)

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reqBody)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, fmt.Errorf("failed to build %s %s request: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		elapsed := timer.StopWithThreshold(c.slowThreshold)
		c.metrics.ObserveRequest(method, path, 0, elapsed)
		recordCycleTiming(ctx, path, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		logger.WithError(err).Debug("backend request failed")
		return nil, fmt.Errorf("%w: %s %s: %w", ErrBackendUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	elapsed := timer.StopWithThreshold(c.slowThreshold)
	c.metrics.ObserveRequest(method, path, resp.StatusCode, elapsed)
	recordCycleTiming(ctx, path, elapsed)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(body))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody] + "..."
		}
		statusErr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: text}
		span.RecordError(statusErr)
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		logger.WithField("status", resp.StatusCode).Debug("backend returned error status")
		return nil, statusErr
	}
	if readErr != nil {
		span.RecordError(readErr)
		span.SetStatus(codes.Error, "read body")
		return nil, fmt.Errorf("%w: %s %s: failed to read body: %w", ErrBackendUnavailable, method, path, readErr)
	}

	return body, nil
}

// recordCycleTiming attributes the request to the dispense cycle carried by ctx, if any.
func recordCycleTiming(ctx context.Context, path string, d time.Duration) {
	if t := perf.TimingsFromContext(ctx); t != nil {
		t.Record(strings.TrimPrefix(path, "/"), d)
	}
}
