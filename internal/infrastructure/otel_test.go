package infrastructure

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"keyward/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestInitializeOTelDefaults(t *testing.T) {
	// nil config means metrics on, tracing off
	providers, err := InitializeOTel(nil, testLogger())
	require.NoError(t, err)
	require.NotNil(t, providers)

	assert.Nil(t, providers.TracerProvider)
	assert.NotNil(t, providers.Tracer, "tracer must be usable even when tracing is off")
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.Meter)
	assert.NotNil(t, providers.PrometheusHTTP)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, providers.Shutdown(ctx))
}

func TestInitializeOTelSignalToggles(t *testing.T) {
	for _, tc := range []struct {
		name        string
		cfg         OTelConfig
		wantTracer  bool
		wantMetrics bool
	}{
		{
			name: "both enabled",
			cfg: OTelConfig{
				TraceExporter: "stdout", MetricExporter: "prometheus",
				EnableTracing: true, EnableMetrics: true, SampleRatio: 1.0,
			},
			wantTracer:  true,
			wantMetrics: true,
		},
		{
			name: "tracing off via exporter none",
			cfg: OTelConfig{
				TraceExporter: "none", MetricExporter: "prometheus",
				EnableTracing: true, EnableMetrics: true, SampleRatio: 1.0,
			},
			wantMetrics: true,
		},
		{
			name: "metrics disabled",
			cfg: OTelConfig{
				TraceExporter: "stdout", MetricExporter: "prometheus",
				EnableTracing: true, EnableMetrics: false, SampleRatio: 1.0,
			},
			wantTracer: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.ServiceName = "keyward-test"
			tc.cfg.ServiceVersion = "v0.0.0"
			tc.cfg.Environment = "test"

			providers, err := InitializeOTel(&tc.cfg, testLogger())
			require.NoError(t, err)

			assert.Equal(t, tc.wantTracer, providers.TracerProvider != nil)
			assert.Equal(t, tc.wantMetrics, providers.MeterProvider != nil)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.NoError(t, providers.Shutdown(ctx))
		})
	}
}

func TestInitializeOTelUnknownExporters(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.EnableTracing = true
	cfg.TraceExporter = "jaeger"
	_, err := InitializeOTel(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported trace exporter")

	cfg = DefaultOTelConfig()
	cfg.MetricExporter = "statsd"
	_, err = InitializeOTel(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported metric exporter")
}

func TestOTelConfigFrom(t *testing.T) {
	cfg := OTelConfigFrom(config.TelemetryConfig{
		EnableTracing:  true,
		EnableMetrics:  false,
		TraceExporter:  "stdout",
		MetricExporter: "none",
		SampleRatio:    0.25,
	})
	assert.True(t, cfg.EnableTracing)
	assert.False(t, cfg.EnableMetrics)
	assert.Equal(t, "stdout", cfg.TraceExporter)
	assert.Equal(t, "none", cfg.MetricExporter)
	assert.Equal(t, 0.25, cfg.SampleRatio)
	assert.Equal(t, ServiceName, cfg.ServiceName)

	// empty exporters and a zero ratio keep the defaults
	cfg = OTelConfigFrom(config.TelemetryConfig{EnableMetrics: true})
	assert.Equal(t, "stdout", cfg.TraceExporter)
	assert.Equal(t, "prometheus", cfg.MetricExporter)
	assert.Equal(t, 1.0, cfg.SampleRatio)
}

func TestTraceIDFromContext(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))

	cfg := DefaultOTelConfig()
	cfg.EnableTracing = true
	providers, err := InitializeOTel(cfg, testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	traceID := TraceIDFromContext(ctx)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)

	// round-trips through the logging context helpers
	ctx = WithTraceID(ctx, traceID)
	assert.Equal(t, traceID, GetTraceID(ctx))
}

func TestAddSpanEvent(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.EnableTracing = true
	providers, err := InitializeOTel(cfg, testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	AddSpanEvent(ctx, "license.activation.success", map[string]interface{}{
		"license_key": "KW-TEST",
		"seats":       3,
		"ratio":       0.5,
		"exclusive":   false,
		"issued_at":   time.Now(),
	})
	assert.True(t, span.IsRecording())

	// no span recording: must be a no-op, not a panic
	AddSpanEvent(context.Background(), "ignored", nil)
}

func TestCreateBusinessMetrics(t *testing.T) {
	providers, err := InitializeOTel(DefaultOTelConfig(), testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	metrics, err := CreateBusinessMetrics(providers.Meter)
	require.NoError(t, err)

	assert.NotNil(t, metrics.HTTPRequestsTotal)
	assert.NotNil(t, metrics.HTTPRequestDuration)
	assert.NotNil(t, metrics.HTTPActiveRequests)
	assert.NotNil(t, metrics.WSConnectionsActive)
	assert.NotNil(t, metrics.WSEventsPublished)
	assert.NotNil(t, metrics.SystemErrors)
	assert.NotNil(t, metrics.SystemUptime)

	metrics.RecordSystemError(context.Background(), "store_unavailable", "licensing")

	var nilMetrics *BusinessMetrics
	nilMetrics.RecordSystemError(context.Background(), "store_unavailable", "licensing")
}

func TestPrometheusEndpoint(t *testing.T) {
	providers, err := InitializeOTel(DefaultOTelConfig(), testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	server := httptest.NewServer(providers.PrometheusHTTP)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestChildSpanSharesTraceID(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.EnableTracing = true
	providers, err := InitializeOTel(cfg, testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	tracer := otel.Tracer("test")
	ctx, parent := tracer.Start(context.Background(), "verify")
	defer parent.End()
	_, child := tracer.Start(ctx, "store.update")
	defer child.End()

	assert.Equal(t, parent.SpanContext().TraceID(), child.SpanContext().TraceID())
	assert.NotEqual(t, parent.SpanContext().SpanID(), child.SpanContext().SpanID())
}

func BenchmarkBusinessMetrics(b *testing.B) {
	providers, err := InitializeOTel(DefaultOTelConfig(), testLogger())
	require.NoError(b, err)
	defer providers.Shutdown(context.Background())

	metrics, err := CreateBusinessMetrics(providers.Meter)
	require.NoError(b, err)

	ctx := context.Background()
	b.ReportAllocs()

	b.Run("counter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			metrics.HTTPRequestsTotal.Add(ctx, 1)
		}
	})
	b.Run("histogram", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			metrics.HTTPRequestDuration.Record(ctx, float64(i)*0.001)
		}
	})
}
