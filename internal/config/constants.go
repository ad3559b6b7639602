package config

import "time"

// Application constants for the Keyward license server.
const (
	// Application Info
	AppName    = "Keyward"
	AppVersion = "1.0.0"

	// Store backends
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"

	// Licensing defaults
	DefaultValidityDays  = 30
	DefaultTrialValidity = 24 * time.Hour

	// Network timeouts
	DefaultRequestTimeout = 30 * time.Second
	DefaultStoreTimeout   = 10 * time.Second

	// WebSocket defaults
	WebSocketReadBufferSize  = 1024
	WebSocketWriteBufferSize = 1024
	WebSocketPingPeriod      = 30 * time.Second
	WebSocketPongWait        = 60 * time.Second

	// Log settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// API endpoints
const (
	APIBasePath     = "/api"
	MetricsEndpoint = "/metrics"
	EventsEndpoint  = "/api/admin/events"
)
