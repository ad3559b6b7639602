package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"keyward/internal/store"
)

// HubStats exposes the event hub's connection count to health reporting.
type HubStats interface {
	ClientCount() int
}

// MirrorStats exposes the mirror's queue counters to health reporting.
type MirrorStats interface {
	Stats() map[string]interface{}
}

// HealthService answers liveness and readiness probes with per-dependency
// detail.
type HealthService struct {
	version   string
	backend   string
	store     store.Store
	hub       HubStats
	mirror    MirrorStats
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus is the health endpoint response body.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth describes one dependency inside HealthStatus.
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthService wires the probe service. hub and mirror may be nil;
// they report as disabled.
func NewHealthService(version, backend string, st store.Store, hub HubStats, mirror MirrorStats, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		backend:   backend,
		store:     st,
		hub:       hub,
		mirror:    mirror,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// HealthCheck reports overall health with per-dependency status. A store
// failure degrades the overall status; the optional side channels never
// do.
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]interface{}),
	}

	storeHealth := hs.checkStoreHealth(ctx)
	status.Services["store"] = storeHealth
	status.Services["events"] = hs.checkEventsHealth()
	status.Services["mirror"] = hs.checkMirrorHealth()

	if storeHealth.Status != "ready" {
		status.Status = "degraded"
	}

	hs.logger.DebugContext(ctx, "health check answered",
		slog.String("status", status.Status),
		slog.String("store", storeHealth.Status))
	return status
}

// LivenessCheck reports process liveness. It never touches dependencies.
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// ReadinessCheck reports whether the service can take traffic, which
// reduces to the store being reachable.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]interface{}),
	}

	storeHealth := hs.checkStoreHealth(ctx)
	status.Services["store"] = storeHealth
	if storeHealth.Status != "ready" {
		status.Status = "not_ready"
	}

	return status
}

// Version returns build and runtime identification.
func (hs *HealthService) Version() map[string]interface{} {
	return map[string]interface{}{
		"version":      hs.version,
		"go_version":   runtime.Version(),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"store":        hs.backend,
		"uptime":       time.Since(hs.startTime).Seconds(),
		"start_time":   hs.startTime.Format(time.RFC3339),
		"current_time": time.Now().Format(time.RFC3339),
	}
}

func (hs *HealthService) checkStoreHealth(ctx context.Context) ServiceHealth {
	if hs.store == nil {
		return ServiceHealth{Status: "not_ready", Message: "store not initialized"}
	}
	if err := hs.store.Health(ctx); err != nil {
		return ServiceHealth{
			Status:  "not_ready",
			Message: fmt.Sprintf("store error: %v", err),
		}
	}
	return ServiceHealth{
		Status:  "ready",
		Message: fmt.Sprintf("%s store is healthy", hs.backend),
	}
}

func (hs *HealthService) checkEventsHealth() ServiceHealth {
	if hs.hub == nil {
		return ServiceHealth{Status: "disabled"}
	}
	return ServiceHealth{
		Status:  "ready",
		Message: fmt.Sprintf("%d clients connected", hs.hub.ClientCount()),
	}
}

func (hs *HealthService) checkMirrorHealth() ServiceHealth {
	if hs.mirror == nil {
		return ServiceHealth{Status: "disabled"}
	}
	stats := hs.mirror.Stats()
	if enabled, ok := stats["enabled"].(bool); !ok || !enabled {
		return ServiceHealth{Status: "disabled"}
	}
	return ServiceHealth{
		Status: "ready",
		Message: fmt.Sprintf("queue %v, applied %v, failed %v",
			stats["queue_depth"], stats["applied"], stats["failed"]),
	}
}
