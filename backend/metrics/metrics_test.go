package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.TrackState(func() int { return 3 }, func() int { return 1 })
	m.Routed("offer", RouteUnicast)
	m.Routed("whiteboard-draw", RouteBroadcast)
	m.Routed("whiteboard-clear", RouteBroadcast)
	m.Evicted()
	m.Malformed()
	m.RateLimited()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`signaling_relay_messages_total{route="unicast",type="offer"} 1`,
		`signaling_relay_messages_total{route="broadcast",type="other"} 2`,
		`signaling_relay_evictions_total 1`,
		`signaling_relay_malformed_total 1`,
		`signaling_relay_rate_limited_total 1`,
		`signaling_relay_connections 3`,
		`signaling_relay_rooms 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TrackState(func() int { return 0 }, func() int { return 0 })
	m.Routed("offer", RouteDropped)
	m.Evicted()
	m.Malformed()
	m.RateLimited()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusNotFound)
	}
}
