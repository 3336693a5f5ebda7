package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CycleStarted()
	m.CycleFinished(OutcomeCompleted)
	m.NotifyFailed("/complete")
	m.ObserveRequest("GET", "/history", 200, time.Millisecond)
	m.SetConnected(true)
	m.PollFailed()
	m.SetProgress(50)
	if m.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.CycleStarted()
	m.CycleStarted()
	m.CycleFinished(OutcomeCompleted)
	m.CycleFinished(OutcomeEmergencyStop)
	m.NotifyFailed("/complete")
	m.SetConnected(true)

	if got := testutil.ToFloat64(m.cyclesStarted); got != 2 {
		t.Errorf("cycles started = %v", got)
	}
	if got := testutil.ToFloat64(m.cyclesFinished.WithLabelValues(OutcomeEmergencyStop)); got != 1 {
		t.Errorf("emergency stops = %v", got)
	}
	if got := testutil.ToFloat64(m.notifyFailures.WithLabelValues("/complete")); got != 1 {
		t.Errorf("notify failures = %v", got)
	}
	if got := testutil.ToFloat64(m.deviceConnected); got != 1 {
		t.Errorf("device connected = %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.CycleStarted()
	m.ObserveRequest("POST", "/dispense", 200, 10*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"mixctl_dispense_cycles_started_total 1",
		`mixctl_backend_request_duration_seconds_count{code="200",method="POST",path="/dispense"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
