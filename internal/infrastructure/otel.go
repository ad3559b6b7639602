package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"keyward/internal/config"
)

const (
	ServiceName    = "keyward"
	ServiceVersion = config.AppVersion
	MeterName      = "keyward"
)

// OTelConfig selects which telemetry signals are on and where they go.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TraceExporter  string // "stdout" or "none"
	MetricExporter string // "prometheus" or "none"
	EnableMetrics  bool
	EnableTracing  bool
	SampleRatio    float64
}

// OTelProviders bundles the initialized telemetry handles the rest of
// the application consumes. Tracer and Meter are always usable; when a
// signal is disabled they are no-ops.
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// DefaultOTelConfig is metrics on, tracing off, with the environment
// taken from ENVIRONMENT.
func DefaultOTelConfig() *OTelConfig {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	return &OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: ServiceVersion,
		Environment:    env,
		TraceExporter:  "stdout",
		MetricExporter: "prometheus",
		EnableMetrics:  true,
		EnableTracing:  false,
		SampleRatio:    1.0,
	}
}

// OTelConfigFrom overlays the telemetry section of the application
// config onto the defaults.
func OTelConfigFrom(cfg config.TelemetryConfig) *OTelConfig {
	out := DefaultOTelConfig()
	out.EnableTracing = cfg.EnableTracing
	out.EnableMetrics = cfg.EnableMetrics
	if cfg.TraceExporter != "" {
		out.TraceExporter = cfg.TraceExporter
	}
	if cfg.MetricExporter != "" {
		out.MetricExporter = cfg.MetricExporter
	}
	if cfg.SampleRatio > 0 {
		out.SampleRatio = cfg.SampleRatio
	}
	return out
}

// InitializeOTel stands up the tracer and meter providers per cfg and
// installs them globally, along with W3C trace context propagation.
func InitializeOTel(cfg *OTelConfig, logger *slog.Logger) (*OTelProviders, error) {
	if cfg == nil {
		cfg = DefaultOTelConfig()
	}
	ctx := context.Background()

	logger.InfoContext(ctx, "initializing OpenTelemetry",
		slog.String("service", cfg.ServiceName),
		slog.String("version", cfg.ServiceVersion),
		slog.String("environment", cfg.Environment),
		slog.Bool("tracing_enabled", cfg.EnableTracing),
		slog.Bool("metrics_enabled", cfg.EnableMetrics))

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("service.instance.id", instanceID()),
	)

	providers := &OTelProviders{
		Logger: logger,
		Tracer: otel.Tracer(MeterName),
		Meter:  otel.Meter(MeterName),
	}

	if cfg.EnableTracing {
		if err := providers.initTracing(ctx, cfg, res); err != nil {
			return nil, fmt.Errorf("initialize tracing: %w", err)
		}
	}
	if cfg.EnableMetrics {
		if err := providers.initMetrics(ctx, cfg, res); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return providers, nil
}

func (p *OTelProviders) initTracing(ctx context.Context, cfg *OTelConfig, res *resource.Resource) error {
	var exporter sdktrace.SpanExporter
	switch cfg.TraceExporter {
	case "stdout":
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
	case "none":
		return nil
	default:
		return fmt.Errorf("unsupported trace exporter: %s", cfg.TraceExporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)
	p.TracerProvider = tp
	p.Tracer = tp.Tracer(MeterName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	otel.SetTracerProvider(tp)

	p.Logger.InfoContext(ctx, "tracing initialized",
		slog.String("exporter", cfg.TraceExporter),
		slog.Float64("sample_ratio", cfg.SampleRatio))
	return nil
}

func (p *OTelProviders) initMetrics(ctx context.Context, cfg *OTelConfig, res *resource.Resource) error {
	switch cfg.MetricExporter {
	case "prometheus":
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("create prometheus exporter: %w", err)
		}
		p.PrometheusHTTP = promhttp.Handler()

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		p.MeterProvider = mp
		p.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
		otel.SetMeterProvider(mp)
	case "none":
		return nil
	default:
		return fmt.Errorf("unsupported metric exporter: %s", cfg.MetricExporter)
	}

	p.Logger.InfoContext(ctx, "metrics initialized",
		slog.String("exporter", cfg.MetricExporter))
	return nil
}

// Shutdown flushes and stops the providers that were started.
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// BusinessMetrics holds the request-level metrics shared by the HTTP
// layer and the background workers. Domain counters for licensing
// operations live in the license package.
type BusinessMetrics struct {
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPActiveRequests  metric.Int64UpDownCounter

	WSConnectionsActive metric.Int64UpDownCounter
	WSEventsPublished   metric.Int64Counter

	SystemErrors metric.Int64Counter
	SystemUptime metric.Float64UpDownCounter
}

// CreateBusinessMetrics registers the shared instruments on meter.
func CreateBusinessMetrics(meter metric.Meter) (*BusinessMetrics, error) {
	m := &BusinessMetrics{}
	var err error

	if m.HTTPRequestsTotal, err = meter.Int64Counter("http_requests_total",
		metric.WithDescription("HTTP requests served")); err != nil {
		return nil, err
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.HTTPActiveRequests, err = meter.Int64UpDownCounter("http_active_requests",
		metric.WithDescription("HTTP requests in flight")); err != nil {
		return nil, err
	}
	if m.WSConnectionsActive, err = meter.Int64UpDownCounter("ws_connections_active",
		metric.WithDescription("Connected admin event feed clients")); err != nil {
		return nil, err
	}
	if m.WSEventsPublished, err = meter.Int64Counter("ws_events_published_total",
		metric.WithDescription("Audit events published to the feed")); err != nil {
		return nil, err
	}
	if m.SystemErrors, err = meter.Int64Counter("system_errors_total",
		metric.WithDescription("Infrastructure-level failures")); err != nil {
		return nil, err
	}
	if m.SystemUptime, err = meter.Float64UpDownCounter("system_uptime_seconds",
		metric.WithDescription("Seconds since process start"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordSystemError counts an infrastructure failure by type and
// component. Safe on a nil receiver so callers can skip the check.
func (m *BusinessMetrics) RecordSystemError(ctx context.Context, errorType, component string) {
	if m == nil {
		return
	}
	m.SystemErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_type", errorType),
		attribute.String("component", component),
	))
}

func instanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

// TraceIDFromContext returns the active span's trace ID, or "" when no
// span is recording. Used to correlate problem responses with traces.
func TraceIDFromContext(ctx context.Context) string {
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// AddSpanEvent attaches a named event with loosely typed attributes to
// the current span, if one is recording.
func AddSpanEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, anyAttr(k, v))
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

func anyAttr(k string, v interface{}) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(k, val)
	case int:
		return attribute.Int(k, val)
	case int64:
		return attribute.Int64(k, val)
	case float64:
		return attribute.Float64(k, val)
	case bool:
		return attribute.Bool(k, val)
	default:
		return attribute.String(k, fmt.Sprintf("%v", val))
	}
}
