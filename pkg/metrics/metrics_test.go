package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPrivateRegistries(t *testing.T) {
	a := New(nil)
	b := New(nil)

	a.StoreAttempts.WithLabelValues("prep").Inc()
	a.StoreAttempts.WithLabelValues("prep").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.StoreAttempts.WithLabelValues("prep")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.StoreAttempts.WithLabelValues("prep")))
}

func TestMetricsEndpoint(t *testing.T) {
	m := New(nil)
	m.Republished.Inc()

	mux := http.NewServeMux()
	m.RegisterHandlers(mux, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "vaultnet_republished_refs_total 1"))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
