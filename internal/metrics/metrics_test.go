package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := proberProbesTotal
	Init()
	require.Same(t, first, proberProbesTotal)
}

func TestObserveProbe(t *testing.T) {
	Init()
	before := testutil.ToFloat64(proberProbesTotal.WithLabelValues("taken"))
	ObserveProbe("taken", 150*time.Millisecond)
	require.InDelta(t, before+1, testutil.ToFloat64(proberProbesTotal.WithLabelValues("taken")), 1e-9)
}

func TestObserveHealthProbeLabels(t *testing.T) {
	Init()
	before := testutil.ToFloat64(proberHealthProbesTotal.WithLabelValues("unhealthy"))
	ObserveHealthProbe(false)
	require.InDelta(t, before+1, testutil.ToFloat64(proberHealthProbesTotal.WithLabelValues("unhealthy")), 1e-9)
}

func TestSetGovernorInterval(t *testing.T) {
	SetGovernorInterval(250 * time.Millisecond)
	require.InDelta(t, 0.25, testutil.ToFloat64(proberGovernorInterval), 1e-9)
}

func TestMiddlewareRecordsRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "204"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "204")), 1e-9)
}
