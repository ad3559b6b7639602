package infrastructure

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// SystemMetrics samples Go runtime and process statistics into OTel
// instruments.
type SystemMetrics struct {
	goroutines    metric.Int64Gauge
	heapInUse     metric.Int64Gauge
	heapTotal     metric.Int64Gauge
	sysMemory     metric.Int64Gauge
	gcRuns        metric.Int64Counter
	gcPause       metric.Float64Histogram
	cpuCount      metric.Int64Gauge
	processUptime metric.Float64Gauge

	lastGCCount uint32
}

// NewSystemMetrics registers the runtime instruments on meter.
func NewSystemMetrics(meter metric.Meter) (*SystemMetrics, error) {
	sm := &SystemMetrics{}
	var err error

	if sm.goroutines, err = meter.Int64Gauge("system_goroutines",
		metric.WithDescription("Number of active goroutines")); err != nil {
		return nil, err
	}
	if sm.heapInUse, err = meter.Int64Gauge("system_memory_usage_bytes",
		metric.WithDescription("Heap memory in use"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if sm.heapTotal, err = meter.Int64Gauge("system_memory_allocated_bytes",
		metric.WithDescription("Cumulative bytes allocated by the runtime"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if sm.sysMemory, err = meter.Int64Gauge("system_memory_system_bytes",
		metric.WithDescription("Memory obtained from the OS"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if sm.gcRuns, err = meter.Int64Counter("system_gc_count_total",
		metric.WithDescription("Garbage collections observed")); err != nil {
		return nil, err
	}
	if sm.gcPause, err = meter.Float64Histogram("system_gc_pause_seconds",
		metric.WithDescription("Garbage collection pause duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if sm.cpuCount, err = meter.Int64Gauge("system_cpu_count",
		metric.WithDescription("Logical CPUs available")); err != nil {
		return nil, err
	}
	if sm.processUptime, err = meter.Float64Gauge("system_process_uptime_seconds",
		metric.WithDescription("Seconds since process start"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return sm, nil
}

// SystemStats is one sample of the runtime state.
type SystemStats struct {
	GoRoutines      int64
	MemoryUsage     int64
	MemoryAllocated int64
	MemorySystem    int64
	GCCount         uint32
	LastGCPause     time.Duration
	CPUCount        int
	ProcessUptime   time.Duration
	Timestamp       time.Time
}

// Collect takes a runtime sample, records it, and returns it. GC runs
// are counted as a delta against the previous sample.
func (sm *SystemMetrics) Collect(ctx context.Context, startTime time.Time) *SystemStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := &SystemStats{
		GoRoutines:      int64(runtime.NumGoroutine()),
		MemoryUsage:     int64(mem.Alloc),
		MemoryAllocated: int64(mem.TotalAlloc),
		MemorySystem:    int64(mem.Sys),
		GCCount:         mem.NumGC,
		LastGCPause:     time.Duration(mem.PauseNs[(mem.NumGC+255)%256]),
		CPUCount:        runtime.NumCPU(),
		ProcessUptime:   time.Since(startTime),
		Timestamp:       time.Now(),
	}

	sm.goroutines.Record(ctx, stats.GoRoutines)
	sm.heapInUse.Record(ctx, stats.MemoryUsage)
	sm.heapTotal.Record(ctx, stats.MemoryAllocated)
	sm.sysMemory.Record(ctx, stats.MemorySystem)
	sm.cpuCount.Record(ctx, int64(stats.CPUCount))
	sm.processUptime.Record(ctx, stats.ProcessUptime.Seconds())

	if delta := stats.GCCount - sm.lastGCCount; delta > 0 {
		sm.gcRuns.Add(ctx, int64(delta))
		if stats.LastGCPause > 0 {
			sm.gcPause.Record(ctx, stats.LastGCPause.Seconds())
		}
	}
	sm.lastGCCount = stats.GCCount

	return stats
}

// SystemMetricsCollector samples runtime metrics on a fixed interval
// until stopped.
type SystemMetricsCollector struct {
	metrics   *SystemMetrics
	startTime time.Time
	interval  time.Duration
	stopCh    chan struct{}
}

func NewSystemMetricsCollector(meter metric.Meter, interval time.Duration) (*SystemMetricsCollector, error) {
	metrics, err := NewSystemMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("create system metrics: %w", err)
	}
	return &SystemMetricsCollector{
		metrics:   metrics,
		startTime: time.Now(),
		interval:  interval,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start samples immediately, then on every tick, until Stop is called
// or ctx is cancelled. Run it in its own goroutine.
func (c *SystemMetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.metrics.Collect(ctx, c.startTime)

	for {
		select {
		case <-ticker.C:
			c.metrics.Collect(ctx, c.startTime)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the sampling loop. Call at most once.
func (c *SystemMetricsCollector) Stop() {
	close(c.stopCh)
}
