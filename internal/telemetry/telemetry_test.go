package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, (&Config{ServiceName: "pledgegate", SampleRatio: 0.5}).Validate())
	require.Error(t, (&Config{}).Validate())
	require.Error(t, (&Config{ServiceName: "pledgegate", SampleRatio: 1.5}).Validate())
}

func TestInitTelemetry_invalidConfig(t *testing.T) {
	_, err := InitTelemetry(context.Background(), Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "service name is required")
}

func TestGetMetrics(t *testing.T) {
	m := GetMetrics()
	require.Same(t, m, GetMetrics())
	require.NotNil(t, m.DecisionsTotal)
	require.NotNil(t, m.ResolveDuration)

	// Recording against the default provider must not panic.
	m.DecisionsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("class", "protected")))
	m.ResolveDuration.Record(context.Background(), 1.5)
}

func TestMiddleware(t *testing.T) {
	h := Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, w.Code)
}

func TestTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: Transport(nil)}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}
