package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordForward(t *testing.T) {
	c := NewCollector()

	c.RecordForward("studio", "success", "", 10*time.Millisecond)
	c.RecordForward("studio", "success", "", 20*time.Millisecond)
	c.RecordForward("studio", "error", "GATEWAY_FETCH", time.Millisecond)

	if got := testutil.ToFloat64(c.forwardsTotal.WithLabelValues("studio", "success", "")); got != 2 {
		t.Errorf("success forwards = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.forwardsTotal.WithLabelValues("studio", "error", "GATEWAY_FETCH")); got != 1 {
		t.Errorf("fetch errors = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.forwardDuration); n != 1 {
		t.Errorf("expected one duration series, got %d", n)
	}
}

func TestCollectorRecordRPC(t *testing.T) {
	c := NewCollector()
	c.RecordRPC("ensure_customer", "ok", time.Millisecond)
	c.RecordRPC("ensure_customer", "provider", time.Millisecond)

	if got := testutil.ToFloat64(c.rpcTotal.WithLabelValues("ensure_customer", "provider")); got != 1 {
		t.Errorf("provider errors = %v, want 1", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.RecordRequest("studio", "GET", 200, time.Millisecond)
	c.RecordForward("studio", "success", "", time.Millisecond)
	c.RecordRPC("op", "ok", time.Millisecond)
	c.WatchBreaker(func() string { return "open" })

	h := c.Middleware("studio")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	c := NewCollector()
	state := "closed"
	c.WatchBreaker(func() string { return state })

	h := c.Middleware("studio")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/missing", nil))

	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("studio", "GET", "404")); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}

	state = "open"
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)

	for _, want := range []string{
		`frontgate_http_requests_total{listener="studio",method="GET",status="404"} 1`,
		"frontgate_backend_circuit_open 1",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
