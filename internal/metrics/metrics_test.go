package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnPrivateRegistry(t *testing.T) {
	a := New("")
	b := New("")

	a.SalesTotal.WithLabelValues("cash").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.SalesTotal.WithLabelValues("cash")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SalesTotal.WithLabelValues("cash")))
}

func TestObserveRequest(t *testing.T) {
	m := New("test")
	m.ObserveRequest(http.MethodPost, "/api/v1/sales", http.StatusOK, 15*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/sales", "200")))

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_http_request_duration_seconds")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)
	})
}
