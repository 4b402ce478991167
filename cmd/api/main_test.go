package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/trial-scheduling-engine/internal/app/bootstrap"
	"github.com/wolfman30/trial-scheduling-engine/internal/observability/metrics"
)

func TestMetricsHandlerExposesEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewEngineMetrics(reg)
	m.ObserveSessionAcquire("automation", "reused")

	rr := httptest.NewRecorder()
	metricsHandler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "trialsched_session_acquire_total")
}

func TestNewServerTimeouts(t *testing.T) {
	srv := newServer(":0", http.NotFoundHandler())
	assert.Equal(t, ":0", srv.Addr)
	assert.Equal(t, 5*time.Second, srv.ReadHeaderTimeout)
	assert.NotZero(t, srv.WriteTimeout)
}

func TestHealthDepsSkipsMissingBackends(t *testing.T) {
	deps := healthDeps(&bootstrap.App{})
	assert.Empty(t, deps)
}
