package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Mirror    MirrorConfig    `yaml:"mirror" envconfig:"MIRROR"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// StoreConfig selects and configures the license store backend.
type StoreConfig struct {
	// Backend is one of "memory", "file" or "postgres".
	Backend     string `yaml:"backend" envconfig:"BACKEND"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	FileSecret  string `yaml:"file_secret" envconfig:"FILE_SECRET"`
	PostgresDSN string `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
	// MigrateOnStart applies embedded migrations before serving
	// when the postgres backend is selected.
	MigrateOnStart bool `yaml:"migrate_on_start" envconfig:"MIGRATE_ON_START"`
}

// LicenseConfig contains licensing policy defaults.
type LicenseConfig struct {
	// ValidityDays is the expiry window armed on the first activation
	// of an exclusive code, unless the code carries its own override.
	ValidityDays int `yaml:"validity_days" envconfig:"VALIDITY_DAYS"`
	// TrialValidity is the lifetime of a newly issued trial key.
	TrialValidity time.Duration `yaml:"trial_validity" envconfig:"TRIAL_VALIDITY"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool     `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	// AdminKeys holds bcrypt hashes of the accepted admin API keys.
	// An empty list disables the admin surface entirely.
	AdminKeys []string `yaml:"admin_keys" envconfig:"ADMIN_KEYS"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// MirrorConfig configures the optional Google Sheets registry mirror.
type MirrorConfig struct {
	Enabled         bool          `yaml:"enabled" envconfig:"ENABLED"`
	SpreadsheetID   string        `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	CredentialsFile string        `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	CodesSheet      string        `yaml:"codes_sheet" envconfig:"CODES_SHEET"`
	AuditSheet      string        `yaml:"audit_sheet" envconfig:"AUDIT_SHEET"`
	QueueSize       int           `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
	FlushTimeout    time.Duration `yaml:"flush_timeout" envconfig:"FLUSH_TIMEOUT"`
	// RatePerSecond throttles outbound Sheets API calls to stay
	// inside the per-user write quota.
	RatePerSecond float64 `yaml:"rate_per_second" envconfig:"RATE_PER_SECOND"`
}

// TelemetryConfig controls the OpenTelemetry providers.
type TelemetryConfig struct {
	EnableTracing  bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	EnableMetrics  bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// Load builds the configuration in three layers: built-in defaults,
// an optional YAML file, then KEYWARD_* environment variables. Later
// layers override earlier ones. None of the struct fields carry
// envconfig default tags on purpose; defaults live in Default() so
// that Process only touches fields whose variables are actually set.
func Load() (*Config, error) {
	cfg := Default()

	if path := configFilePath(); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	if err := envconfig.Process("KEYWARD", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays YAML values on top of cfg. Fields absent from
// the file keep their current values.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// configFilePath returns the path of the config file to load, or ""
// when no file is present. KEYWARD_CONFIG overrides the search.
func configFilePath() string {
	if path := os.Getenv("KEYWARD_CONFIG"); path != "" {
		return path
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.FilePath == "" {
			return fmt.Errorf("file store requires store.file_path")
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("postgres store requires store.postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	if c.License.ValidityDays < 1 {
		return fmt.Errorf("license validity must be at least one day, got %d", c.License.ValidityDays)
	}
	if c.License.TrialValidity <= 0 {
		return fmt.Errorf("trial validity must be positive")
	}

	if len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}
	for i, key := range c.Security.AdminKeys {
		if !strings.HasPrefix(key, "$2") {
			return fmt.Errorf("admin key %d is not a bcrypt hash", i)
		}
	}

	if c.Mirror.Enabled {
		if c.Mirror.SpreadsheetID == "" {
			return fmt.Errorf("mirror requires mirror.spreadsheet_id")
		}
		if c.Mirror.CredentialsFile == "" {
			return fmt.Errorf("mirror requires mirror.credentials_file")
		}
		if c.Mirror.QueueSize < 1 {
			return fmt.Errorf("mirror queue size must be at least 1")
		}
		if c.Mirror.RatePerSecond <= 0 {
			return fmt.Errorf("mirror rate must be positive")
		}
	}

	// Structured JSON logs are the only supported format; normalize
	// rather than fail so a stale config file cannot take the server down.
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		c.Logging.Output = "console"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/keyward.log"
	}

	return nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  DefaultRequestTimeout,
		},
		Store: StoreConfig{
			Backend:  BackendMemory,
			FilePath: "data/keyward.json",
		},
		License: LicenseConfig{
			ValidityDays:  DefaultValidityDays,
			TrialValidity: DefaultTrialValidity,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			EnableCORS:     true,
		},
		Logging: LoggingConfig{
			Level:    DefaultLogLevel,
			Format:   DefaultLogFormat,
			Output:   "console",
			FilePath: "logs/keyward.log",
		},
		Mirror: MirrorConfig{
			Enabled:       false,
			CodesSheet:    "Codes",
			AuditSheet:    "Audit",
			QueueSize:     256,
			FlushTimeout:  5 * time.Second,
			RatePerSecond: 1,
		},
		Telemetry: TelemetryConfig{
			EnableTracing:  false,
			EnableMetrics:  true,
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  WebSocketReadBufferSize,
			WriteBufferSize: WebSocketWriteBufferSize,
			PingPeriod:      WebSocketPingPeriod,
			PongWait:        WebSocketPongWait,
		},
	}
}
