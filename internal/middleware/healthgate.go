package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"keyward/internal/infrastructure"
)

// StoreHealthGate short-circuits requests with 503 while the backing
// store is known to be down, instead of letting every request discover
// the outage on its own. Probe results are cached so the store is not
// hammered with health checks, and a grace window lets requests through
// when a probe fails shortly after a healthy period.
type StoreHealthGate struct {
	checker         HealthChecker
	logger          *slog.Logger
	cache           *probeCache
	excludePaths    []string
	excludePrefixes []string
	enabled         bool
	probeTimeout    time.Duration
	gracePeriod     time.Duration

	// OpenTelemetry metrics
	metrics *MiddlewareMetrics

	// Probe mutex to prevent concurrent probes
	probeMu sync.Mutex
}

// probeCache stores recent probe results with metadata
type probeCache struct {
	mu           sync.RWMutex
	healthy      bool
	checkedAt    time.Time
	ttl          time.Duration
	unhealthyTTL time.Duration
	lastError    error
	errorCount   int
	lastSuccess  time.Time
	probeID      string
}

// MiddlewareMetrics holds OpenTelemetry metrics for the health gate
type MiddlewareMetrics struct {
	RequestsTotal   metric.Int64Counter
	ProbesTotal     metric.Int64Counter
	ProbesHealthy   metric.Int64Counter
	ProbesUnhealthy metric.Int64Counter
	ProbeDuration   metric.Float64Histogram
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
	PathExclusions  metric.Int64Counter
}

// NewStoreHealthGate creates a new store health gate middleware
func NewStoreHealthGate(checker HealthChecker, logger *slog.Logger) *StoreHealthGate {
	return &StoreHealthGate{
		checker:      checker,
		logger:       logger.With(slog.String("component", "store_health_gate")),
		enabled:      true,
		probeTimeout: 3 * time.Second,
		gracePeriod:  2 * time.Minute,
		cache: &probeCache{
			// Healthy results are trusted longer than unhealthy ones so
			// recovery is noticed quickly.
			ttl:          15 * time.Second,
			unhealthyTTL: 3 * time.Second,
		},
		excludePaths: []string{
			"/api/health",
			"/api/health/ready",
			"/api/health/live",
			"/api/version",
			"/api/admin/events",
			"/metrics",
		},
	}
}

// Handler returns the middleware handler function
func (g *StoreHealthGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tracer := otel.Tracer("healthgate")

		ctx, span := tracer.Start(ctx, "store_gate.check",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("component", "store_health_gate"),
			),
		)
		defer span.End()

		reqID := GetReqID(ctx)
		traceID := infrastructure.TraceIDFromContext(ctx)
		if traceID == "" {
			traceID = reqID
		}

		if g.metrics != nil {
			g.metrics.RequestsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("path", r.URL.Path),
				attribute.String("method", r.Method),
			))
		}

		if !g.enabled {
			g.logger.DebugContext(ctx, "store health gate disabled",
				slog.String("path", r.URL.Path),
				slog.String("trace_id", traceID))
			next.ServeHTTP(w, r)
			return
		}

		if g.shouldExcludePath(r.URL.Path) {
			span.SetAttributes(
				attribute.String("store.gate", "excluded"),
				attribute.String("exclusion_reason", "path_excluded"),
			)

			if g.metrics != nil {
				g.metrics.PathExclusions.Add(ctx, 1, metric.WithAttributes(
					attribute.String("path", r.URL.Path),
					attribute.String("reason", "excluded_path"),
				))
			}

			next.ServeHTTP(w, r)
			return
		}

		// Check cached probe result
		if healthy, fresh := g.cachedResult(); fresh {
			span.SetAttributes(
				attribute.String("store.gate", "cached"),
				attribute.Bool("cache.hit", true),
				attribute.Bool("store.healthy", healthy),
			)

			if g.metrics != nil {
				g.metrics.CacheHits.Add(ctx, 1, metric.WithAttributes(
					attribute.String("component", "store_health_gate"),
				))
			}

			if healthy {
				next.ServeHTTP(w, r)
				return
			}

			g.logger.DebugContext(ctx, "rejecting request, store known unhealthy",
				slog.String("path", r.URL.Path),
				slog.String("trace_id", traceID))
			g.respondUnavailable(w, r, traceID)
			return
		}

		if g.metrics != nil {
			g.metrics.CacheMisses.Add(ctx, 1, metric.WithAttributes(
				attribute.String("component", "store_health_gate"),
			))
		}

		// Acquire probe lock to prevent concurrent probes
		g.probeMu.Lock()
		defer g.probeMu.Unlock()

		// Double-check cache after acquiring lock - another goroutine
		// might have probed
		if healthy, fresh := g.cachedResult(); fresh {
			span.SetAttributes(
				attribute.String("store.gate", "cached_after_lock"),
				attribute.Bool("cache.hit", true),
			)

			if g.metrics != nil {
				g.metrics.CacheHits.Add(ctx, 1, metric.WithAttributes(
					attribute.String("component", "store_health_gate"),
				))
			}

			if healthy {
				next.ServeHTTP(w, r)
				return
			}
			g.respondUnavailable(w, r, traceID)
			return
		}

		start := time.Now()
		err := g.probeStore(ctx)
		probeDuration := time.Since(start)

		if g.metrics != nil {
			g.metrics.ProbesTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("component", "store_health_gate"),
			))
			g.metrics.ProbeDuration.Record(ctx, probeDuration.Seconds(), metric.WithAttributes(
				attribute.String("component", "store_health_gate"),
			))

			if err == nil {
				g.metrics.ProbesHealthy.Add(ctx, 1)
			} else {
				g.metrics.ProbesUnhealthy.Add(ctx, 1)
			}
		}

		span.SetAttributes(
			attribute.String("store.gate", "probed"),
			attribute.Bool("store.healthy", err == nil),
			attribute.Float64("probe.duration_ms", float64(probeDuration.Milliseconds())),
		)

		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("error.type", classifyProbeError(err)))

			g.logger.ErrorContext(ctx, "store health probe failed",
				slog.String("error", err.Error()),
				slog.String("path", r.URL.Path),
				slog.String("trace_id", traceID),
				slog.Duration("probe_duration", probeDuration))

			g.updateCacheWithError(err)

			// If the store was healthy a moment ago, let the request
			// through and let the per-request store call decide.
			if g.withinGracePeriod() {
				g.logger.WarnContext(ctx, "store probe failed within grace period, allowing request",
					slog.String("trace_id", traceID))
				next.ServeHTTP(w, r)
				return
			}

			g.respondUnavailable(w, r, traceID)
			return
		}

		g.updateCache(true)

		next.ServeHTTP(w, r)
	})
}

// shouldExcludePath checks if a path should bypass the gate
func (g *StoreHealthGate) shouldExcludePath(path string) bool {
	for _, excluded := range g.excludePaths {
		if path == excluded {
			return true
		}
	}

	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}

	return false
}

// cachedResult returns the cached health state and whether it is still fresh.
func (g *StoreHealthGate) cachedResult() (healthy, fresh bool) {
	g.cache.mu.RLock()
	defer g.cache.mu.RUnlock()

	if g.cache.checkedAt.IsZero() {
		return false, false
	}

	ttl := g.cache.ttl
	if !g.cache.healthy {
		ttl = g.cache.unhealthyTTL
	}

	if time.Since(g.cache.checkedAt) > ttl {
		return false, false
	}

	return g.cache.healthy, true
}

// withinGracePeriod reports whether the last successful probe is recent
// enough to keep serving through transient failures.
func (g *StoreHealthGate) withinGracePeriod() bool {
	g.cache.mu.RLock()
	defer g.cache.mu.RUnlock()

	return !g.cache.lastSuccess.IsZero() && time.Since(g.cache.lastSuccess) < g.gracePeriod
}

// updateCache updates the cached probe result
func (g *StoreHealthGate) updateCache(healthy bool) {
	g.cache.mu.Lock()
	defer g.cache.mu.Unlock()

	now := time.Now()
	g.cache.healthy = healthy
	g.cache.checkedAt = now
	g.cache.lastError = nil
	g.cache.probeID = fmt.Sprintf("probe-%d", now.UnixNano())

	if healthy {
		g.cache.lastSuccess = now
		g.cache.errorCount = 0
	}
}

// updateCacheWithError updates the cache when a probe fails
func (g *StoreHealthGate) updateCacheWithError(err error) {
	g.cache.mu.Lock()
	defer g.cache.mu.Unlock()

	now := time.Now()
	g.cache.healthy = false
	g.cache.checkedAt = now
	g.cache.lastError = err
	g.cache.errorCount++
	g.cache.probeID = fmt.Sprintf("err-%d", now.UnixNano())
}

// probeStore performs the actual store health check
func (g *StoreHealthGate) probeStore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.probeTimeout)
	defer cancel()

	resultCh := make(chan error, 1)

	// Run the probe in a goroutine so a hung store cannot block the gate
	go func() {
		resultCh <- g.checker.Health(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-resultCh:
		return err
	}
}

// respondUnavailable writes the RFC 7807 store-unavailable response
func (g *StoreHealthGate) respondUnavailable(w http.ResponseWriter, r *http.Request, traceID string) {
	problem := Problem{
		Type:   "/errors/store-unavailable",
		Title:  "Store Unavailable",
		Status: http.StatusServiceUnavailable,
		Detail: "The license store is temporarily unavailable. Please retry shortly.",
		Trace:  traceID,
	}
	problem.Render(w, r)
}

// AddExcludePath adds a path to bypass the gate
func (g *StoreHealthGate) AddExcludePath(path string) {
	g.excludePaths = append(g.excludePaths, path)
}

// AddExcludePrefix adds a path prefix to bypass the gate
func (g *StoreHealthGate) AddExcludePrefix(prefix string) {
	g.excludePrefixes = append(g.excludePrefixes, prefix)
}

// SetCacheTTL sets the time-to-live for healthy probe results
func (g *StoreHealthGate) SetCacheTTL(ttl time.Duration) {
	g.cache.mu.Lock()
	defer g.cache.mu.Unlock()
	g.cache.ttl = ttl
}

// SetUnhealthyTTL sets the time-to-live for unhealthy probe results
func (g *StoreHealthGate) SetUnhealthyTTL(ttl time.Duration) {
	g.cache.mu.Lock()
	defer g.cache.mu.Unlock()
	g.cache.unhealthyTTL = ttl
}

// SetProbeTimeout sets the per-probe timeout
func (g *StoreHealthGate) SetProbeTimeout(timeout time.Duration) {
	g.probeTimeout = timeout
}

// SetGracePeriod sets how long after a successful probe transient
// failures are tolerated
func (g *StoreHealthGate) SetGracePeriod(period time.Duration) {
	g.gracePeriod = period
}

// SetEnabled enables or disables the gate
func (g *StoreHealthGate) SetEnabled(enabled bool) {
	g.enabled = enabled
}

// InvalidateCache invalidates the cached probe result
func (g *StoreHealthGate) InvalidateCache() {
	g.cache.mu.Lock()
	defer g.cache.mu.Unlock()
	g.cache.checkedAt = time.Time{}
	g.cache.healthy = false
	g.cache.lastError = nil
	g.cache.errorCount = 0
}

// GetCacheStats returns cache statistics for monitoring
func (g *StoreHealthGate) GetCacheStats() map[string]interface{} {
	g.cache.mu.RLock()
	defer g.cache.mu.RUnlock()

	return map[string]interface{}{
		"healthy":           g.cache.healthy,
		"last_checked":      g.cache.checkedAt,
		"ttl_seconds":       int(g.cache.ttl.Seconds()),
		"error_count":       g.cache.errorCount,
		"last_success":      g.cache.lastSuccess,
		"last_error":        g.cache.lastError,
		"probe_id":          g.cache.probeID,
		"cache_age_seconds": int(time.Since(g.cache.checkedAt).Seconds()),
	}
}

// SetMetrics sets the OpenTelemetry metrics for the middleware
func (g *StoreHealthGate) SetMetrics(metrics *MiddlewareMetrics) {
	g.metrics = metrics
}

// NewMiddlewareMetrics creates the health gate instruments on the given meter.
func NewMiddlewareMetrics(meter metric.Meter) (*MiddlewareMetrics, error) {
	requestsTotal, err := meter.Int64Counter(
		"healthgate_requests_total",
		metric.WithDescription("Total requests seen by the store health gate"),
	)
	if err != nil {
		return nil, err
	}

	probesTotal, err := meter.Int64Counter(
		"healthgate_probes_total",
		metric.WithDescription("Total store health probes performed"),
	)
	if err != nil {
		return nil, err
	}

	probesHealthy, err := meter.Int64Counter(
		"healthgate_probes_healthy_total",
		metric.WithDescription("Store health probes that succeeded"),
	)
	if err != nil {
		return nil, err
	}

	probesUnhealthy, err := meter.Int64Counter(
		"healthgate_probes_unhealthy_total",
		metric.WithDescription("Store health probes that failed"),
	)
	if err != nil {
		return nil, err
	}

	probeDuration, err := meter.Float64Histogram(
		"healthgate_probe_duration_seconds",
		metric.WithDescription("Store health probe duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"healthgate_cache_hits_total",
		metric.WithDescription("Probe cache hits"),
	)
	if err != nil {
		return nil, err
	}

	cacheMisses, err := meter.Int64Counter(
		"healthgate_cache_misses_total",
		metric.WithDescription("Probe cache misses"),
	)
	if err != nil {
		return nil, err
	}

	pathExclusions, err := meter.Int64Counter(
		"healthgate_path_exclusions_total",
		metric.WithDescription("Requests that bypassed the gate via excluded paths"),
	)
	if err != nil {
		return nil, err
	}

	return &MiddlewareMetrics{
		RequestsTotal:   requestsTotal,
		ProbesTotal:     probesTotal,
		ProbesHealthy:   probesHealthy,
		ProbesUnhealthy: probesUnhealthy,
		ProbeDuration:   probeDuration,
		CacheHits:       cacheHits,
		CacheMisses:     cacheMisses,
		PathExclusions:  pathExclusions,
	}, nil
}

// classifyProbeError categorizes probe errors for observability
func classifyProbeError(err error) string {
	if err == nil {
		return ""
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "network"), strings.Contains(errStr, "connection"), strings.Contains(errStr, "refused"):
		return "network_error"
	case strings.Contains(errStr, "tamper"):
		return "integrity_error"
	default:
		return "unknown_error"
	}
}
