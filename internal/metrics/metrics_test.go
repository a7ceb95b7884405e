package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetConnectionState("CONNECTED")
	m.IncReconnect()
	m.SetPending(3)
	m.IncFailed("timeout")
	m.ObserveFlush(time.Millisecond, 2)
	m.IncPresenceFailure()
}

func TestConnectionStateIsOneHot(t *testing.T) {
	m := New()
	m.SetConnectionState("CONNECTING")
	m.SetConnectionState("CONNECTED")

	if got := testutil.ToFloat64(m.connState.WithLabelValues("CONNECTED")); got != 1 {
		t.Errorf("CONNECTED = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connState.WithLabelValues("CONNECTING")); got != 0 {
		t.Errorf("CONNECTING = %v, want 0", got)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.IncReconnect()
	m.IncReconnect()
	m.IncFailed("timeout")
	m.SetPending(4)

	if got := testutil.ToFloat64(m.reconnects); got != 2 {
		t.Errorf("reconnects = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.failed.WithLabelValues("timeout")); got != 1 {
		t.Errorf("failed{timeout} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pending); got != 4 {
		t.Errorf("pending = %v, want 4", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.IncPresenceFailure()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "chatsync_presence_refresh_failures_total 1") {
		t.Errorf("presence failure counter missing from output:\n%s", w.Body.String())
	}
}
