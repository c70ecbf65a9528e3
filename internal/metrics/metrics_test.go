package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareCountsByRouteAndStatus(t *testing.T) {
	h := Middleware("/test/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	}))

	baseOK := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/test/{id}", "200"))
	base404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/test/{id}", "404"))

	for _, p := range []string{"/test/a", "/test/b", "/test/missing"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/test/{id}", "200")); got != baseOK+2 {
		t.Errorf("200 counter = %v, want %v", got, baseOK+2)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/test/{id}", "404")); got != base404+1 {
		t.Errorf("404 counter = %v, want %v", got, base404+1)
	}
}

func TestObserveInbound(t *testing.T) {
	base := testutil.ToFloat64(inboundEvents.WithLabelValues("text", OutcomeInvalid))
	ObserveInbound("text", OutcomeInvalid)
	if got := testutil.ToFloat64(inboundEvents.WithLabelValues("text", OutcomeInvalid)); got != base+1 {
		t.Errorf("inbound counter = %v, want %v", got, base+1)
	}
}

func TestObserveGenerationAndOrders(t *testing.T) {
	before := testutil.CollectAndCount(generationLat)
	ObserveGeneration("plan_test", "ok", 1500*time.Millisecond)
	if after := testutil.CollectAndCount(generationLat); after != before+1 {
		t.Errorf("expected a new histogram series, before=%d after=%d", before, after)
	}

	base := testutil.ToFloat64(ordersPlaced.WithLabelValues("unauthenticated"))
	ObserveOrder("unauthenticated")
	if got := testutil.ToFloat64(ordersPlaced.WithLabelValues("unauthenticated")); got != base+1 {
		t.Errorf("order counter = %v, want %v", got, base+1)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveInbound("button", OutcomeOK)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics -> %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "mealpipe_inbound_events_total") {
		t.Error("inbound counter missing from exposition")
	}
}
