// Command bookwright is the entrypoint for the scheduling API and background
// workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Registers the configured calendar provider adapters.
//   - Starts the background token refresher for expiring integrations.
//   - Exposes the HTTP API with booking, OAuth, health, and /metrics routes.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bookwright/bookwright/calendar"
	"github.com/bookwright/bookwright/calendar/caldav"
	"github.com/bookwright/bookwright/calendar/googlecal"
	"github.com/bookwright/bookwright/calendar/outlookcal"
	"github.com/bookwright/bookwright/config"
	"github.com/bookwright/bookwright/db"
	"github.com/bookwright/bookwright/oauth"
	"github.com/bookwright/bookwright/scheduling"
	"github.com/bookwright/bookwright/server"
	"github.com/bookwright/bookwright/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	calendar.SetBreakerStateFunc(telemetry.UpdateCircuitGauge)

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("bookwright", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Dual migration system: versioned migrations (golang-migrate) first,
	// embedded SQL as fallback for deployments without a schema_migrations
	// table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := calendar.NewRegistry()
	orchestrator := oauth.NewOrchestrator(database, registry, nil)

	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		registry.Register(googlecal.New(cfg.GoogleClientID, cfg.GoogleClientSecret, strings.Fields(cfg.GoogleScopes)))
		orchestrator.RegisterIdentityFetcher(calendar.ProviderGoogle, googlecal.FetchIdentity)
		slog.Info("provider registered", slog.String("provider", calendar.ProviderGoogle))
	}
	if cfg.OutlookClientID != "" && cfg.OutlookClientSecret != "" {
		outlook := outlookcal.New(cfg.OutlookClientID, cfg.OutlookClientSecret, cfg.OutlookTenant, strings.Fields(cfg.OutlookScopes))
		registry.Register(outlook)
		orchestrator.RegisterIdentityFetcher(calendar.ProviderOutlook, outlook.FetchIdentity)
		slog.Info("provider registered", slog.String("provider", calendar.ProviderOutlook))
	}
	// Static-credential providers need no app credentials; always available.
	registry.Register(caldav.New(calendar.ProviderCalDAV))
	registry.Register(caldav.New(calendar.ProviderNextcloud))

	lifecycle := oauth.NewLifecycle(database, registry, nil)
	engine := scheduling.NewEngine(database, &scheduling.DBSettings{DB: database, Default: cfg.DefaultBufferMinutes})

	// Background refresh of expiring integrations (also purges stale oauth
	// states and expired sessions).
	oauth.StartRefresher(ctx, lifecycle, orchestrator.States, cfg.RefreshInterval, cfg.RefreshWindow)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	handlers := server.NewHandlers(database, cfg, registry, engine, orchestrator, lifecycle)
	go func() {
		if err := server.Start(ctx, handlers, cfg.Addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// initLogging configures slog from LOG_LEVEL and LOG_FORMAT (text | json).
func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}
