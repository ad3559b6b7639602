package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keyward/internal/config"
	apierrors "keyward/internal/errors"
	"keyward/internal/events"
	"keyward/internal/infrastructure"
	"keyward/internal/license"
	customMiddleware "keyward/internal/middleware"
	"keyward/internal/mirror"
	"keyward/internal/services"
	"keyward/internal/store"
	handlers "keyward/internal/transport/http"
)

// Version is the build version, stamped at link time for release builds.
var Version = config.AppVersion

// Application is the assembled license server.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Router        *chi.Mux
	Server        *http.Server
	Store         store.Store
	Engine        *license.Engine
	Hub           *events.Hub
	Mirror        *mirror.Mirror
	OTelProviders *infrastructure.OTelProviders
	SystemMetrics *infrastructure.SystemMetricsCollector
	Services      *ServiceContainer
}

// ServiceContainer holds all application services.
type ServiceContainer struct {
	License services.LicenseService
	Admin   services.AdminService
	Health  *services.HealthService
}

// NewApplication creates a new application instance with dependency injection.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", config.AppName),
		slog.String("version", Version),
		slog.String("store", cfg.Store.Backend))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices initializes all application services in dependency order.
func (a *Application) initializeServices() error {
	st, err := OpenStore(a.Config.Store, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = st

	a.Engine = license.NewEngine(license.EngineConfig{
		DefaultValidity: time.Duration(a.Config.License.ValidityDays) * 24 * time.Hour,
		TrialValidity:   a.Config.License.TrialValidity,
	})

	hub := events.NewHub(a.Logger)
	hub.Start()
	a.Hub = hub

	m, err := mirror.New(a.Config.Mirror, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sheets mirror: %w", err)
	}
	m.Start()
	a.Mirror = m

	metrics, err := license.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create license metrics: %w", err)
	}

	collector, err := infrastructure.NewSystemMetricsCollector(a.OTelProviders.Meter, 15*time.Second)
	if err != nil {
		a.Logger.Warn("failed to create system metrics collector", slog.String("error", err.Error()))
	} else {
		a.SystemMetrics = collector
	}

	a.Services = &ServiceContainer{
		License: services.NewLicenseService(st, a.Engine, hub, m, metrics, a.Logger),
		Admin:   services.NewAdminService(st, a.Engine, hub, m, metrics, a.Logger),
		Health:  services.NewHealthService(Version, a.Config.Store.Backend, st, hub, m, a.Logger),
	}

	return nil
}

// OpenStore opens the configured store backend. The bulk import command
// shares it so backend selection lives in one place.
func OpenStore(cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendFile:
		return store.NewFile(cfg.FilePath, cfg.FileSecret, logger)
	case config.BackendPostgres:
		if cfg.MigrateOnStart {
			if err := store.Migrate(cfg.PostgresDSN, "up"); err != nil && !errors.Is(err, store.ErrNoChange) {
				return nil, fmt.Errorf("applying migrations: %w", err)
			}
		}
		return store.NewPostgres(cfg.PostgresDSN, logger)
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

// setupRouter configures the HTTP router with all routes.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// Minimal middleware that never wraps the ResponseWriter, so the
	// WebSocket upgrade on the event feed keeps working.
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	// Unroutable requests get problem+json instead of chi's text defaults.
	fallback := apierrors.NewFallbackHandler(a.Logger)
	r.NotFound(fallback.NotFound)
	r.MethodNotAllowed(fallback.MethodNotAllowed)

	adminAuth := customMiddleware.NewAdminAuth(a.Logger, a.Config.Security.AdminKeys)

	// Event feed with minimal middleware. The admin gate still applies;
	// clients pass the key as a bearer token since browsers cannot set
	// custom headers on WebSocket connects.
	eventsHandler := handlers.NewEventsHandler(a.Hub, a.Config.Security.AllowedOrigins, a.Logger)
	r.With(customMiddleware.WebSocketTraceMiddleware(a.Logger), adminAuth.Handler).
		Handle(config.EventsEndpoint, eventsHandler)

	// Everything else runs under the full middleware chain.
	r.Group(func(r chi.Router) {
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
			r.Use(customMiddleware.BusinessMetricsMiddleware(otelMiddleware.Metrics()))
			a.Hub.SetMetrics(otelMiddleware.Metrics())
		}

		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.SecurityHeaders)

		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(a.getCORSConfig()))
		}

		// Fail fast with 503 while the store is down instead of letting
		// every request rediscover the outage.
		gate := customMiddleware.NewStoreHealthGate(a.Store, a.Logger)
		if gateMetrics, err := customMiddleware.NewMiddlewareMetrics(a.OTelProviders.Meter); err == nil {
			gate.SetMetrics(gateMetrics)
		} else {
			a.Logger.Warn("failed to create health gate metrics", slog.String("error", err.Error()))
		}
		r.Use(gate.Handler)

		a.setupAPIRoutes(r, adminAuth, fallback)
	})

	// Prometheus endpoint outside the middleware group.
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle(config.MetricsEndpoint, a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// setupAPIRoutes configures the API endpoints.
func (a *Application) setupAPIRoutes(r chi.Router, adminAuth *customMiddleware.AdminAuth, fallback *apierrors.FallbackHandler) {
	r.Route(config.APIBasePath, func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.Logger))
		r.Use(customMiddleware.Compress(5))

		// Set before the mounts so every handler subrouter inherits the
		// problem+json fallbacks.
		r.NotFound(fallback.NotFound)
		r.MethodNotAllowed(fallback.MethodNotAllowed)

		healthHandler := handlers.NewHealthHandler(a.Services.Health, a.Logger)
		r.Mount("/health", healthHandler.Routes())
		r.Get("/version", healthHandler.Version)

		licenseHandler := handlers.NewLicenseHandler(a.Services.License, a.Logger)
		r.Mount("/license", licenseHandler.Routes())
		r.Mount("/trial", licenseHandler.TrialRoutes())

		// Admin surface behind key auth and audit logging.
		r.Group(func(r chi.Router) {
			r.Use(adminAuth.Handler)
			r.Use(customMiddleware.AuditLog(a.Logger))

			adminHandler := handlers.NewAdminHandler(a.Services.Admin, a.Logger)
			r.Mount("/admin/codes", adminHandler.Routes())
		})
	})
}

// getCORSConfig builds the CORS policy from configuration.
func (a *Application) getCORSConfig() customMiddleware.CORSConfig {
	return customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Admin-Key"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
		Logger:         a.Logger,
	}
}

// createServer creates the HTTP server.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start starts the HTTP server and background services.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "starting application",
		slog.String("name", config.AppName),
		slog.String("version", Version),
		slog.Int("port", a.Config.Server.Port),
		slog.String("store", a.Config.Store.Backend),
		slog.String("level", a.Config.Logging.Level))

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if a.SystemMetrics != nil {
		go a.SystemMetrics.Start(ctx)
	}

	// Probe the store once so a broken backend shows up in the log
	// immediately instead of on the first request.
	probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer probeCancel()
	if err := a.Store.Health(probeCtx); err != nil {
		a.Logger.WarnContext(ctx, "store not healthy at startup", slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "application started",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)))

	return nil
}

// Stop gracefully stops the application.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if a.SystemMetrics != nil {
		a.SystemMetrics.Stop()
	}

	a.Hub.Stop()

	// Drain the mirror queue; pending rows past the deadline are lost.
	mirrorCtx, mirrorCancel := context.WithTimeout(ctx, a.Config.Mirror.FlushTimeout)
	defer mirrorCancel()
	if err := a.Mirror.Close(mirrorCtx); err != nil {
		a.Logger.ErrorContext(ctx, "mirror close error", slog.String("error", err.Error()))
	}

	if err := a.Store.Close(); err != nil {
		a.Logger.ErrorContext(ctx, "store close error", slog.String("error", err.Error()))
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")
	return nil
}

// Run runs the application until interrupted or the server fails.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "received interrupt signal")
	case <-ctx.Done():
		a.Logger.WarnContext(ctx, "server stopped unexpectedly")
	}

	return a.Stop(context.Background())
}
