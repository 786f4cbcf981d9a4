package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ProcessRun("manual", "ok")
	m.ProcessRun("manual", "ok")
	m.Dispatch("success")
	m.WebhookEvent("ended", "applied")
	m.Recovered(3)
	done := m.TrackClient()

	if got := testutil.ToFloat64(m.ProcessRuns.WithLabelValues("manual", "ok")); got != 2 {
		t.Fatalf("process runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StaleRecovered); got != 3 {
		t.Fatalf("recovered = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.ClientsActive); got != 1 {
		t.Fatalf("clients active = %v, want 1", got)
	}
	done()
	if got := testutil.ToFloat64(m.ClientsActive); got != 0 {
		t.Fatalf("clients active after done = %v, want 0", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "leadq_dispatch_total") {
		t.Fatalf("handler output missing dispatch counter")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ProcessRun("periodic", "ok")
	m.Dispatch("failed")
	m.WebhookEvent("unknown", "ignored")
	m.Recovered(1)
	m.ObserveTick(0)
	m.TrackClient()()
}
