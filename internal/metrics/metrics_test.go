package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.MessagesReceived.WithLabelValues("MQTT").Inc()
	m.MessagesDropped.WithLabelValues("CoAP", "validation").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("MQTT")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `openiotzen_telemetry_received_total{protocol="MQTT"} 1`)
	assert.Contains(t, string(body), `openiotzen_telemetry_dropped_total{protocol="CoAP",reason="validation"} 2`)
}

func TestNewIsIndependent(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
