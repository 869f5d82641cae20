package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/JakeFAU/crawl-session-coordinator/internal/config"
)

// Mutates the global provider and propagator, so it does not run in parallel.
func TestInitTracerProvider(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(),
		config.TelemetryConfig{Enabled: true, ServiceName: "crawlsession-test"},
		sdktrace.WithSpanProcessor(rec),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	assert.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, otel.GetTextMapPropagator().Fields())

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "op", ended[0].Name())
	assert.Contains(t, ended[0].Resource().Attributes(), semconv.ServiceName("crawlsession-test"))
}

func newRouter(t *testing.T) (*tracetest.SpanRecorder, http.Handler) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	r := chi.NewRouter()
	r.Use(Middleware(tp.Tracer(TracerName)))
	r.Get("/v1/sessions/{session_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return rec, r
}

func TestMiddlewareNamesSpanAfterRoute(t *testing.T) {
	t.Parallel()

	rec, h := newRouter(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/sessions/{session_id}", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), semconv.HTTPStatusCodeKey.Int(http.StatusNoContent))
	assert.Contains(t, spans[0].Attributes(), semconv.HTTPRouteKey.String("/v1/sessions/{session_id}"))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
}

func TestMiddlewareMarksServerErrors(t *testing.T) {
	t.Parallel()

	rec, h := newRouter(t)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

// Sets the global propagator, so it does not run in parallel.
func TestMiddlewareContinuesIncomingTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	rec, h := newRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
}
