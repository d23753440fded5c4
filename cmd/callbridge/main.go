// Command callbridge runs the telephony-to-AI bridge server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/callbridge-ai/callbridge/internal/carrier"
	"github.com/callbridge-ai/callbridge/internal/config"
	"github.com/callbridge-ai/callbridge/internal/events"
	"github.com/callbridge-ai/callbridge/internal/health"
	"github.com/callbridge-ai/callbridge/internal/observe"
	"github.com/callbridge-ai/callbridge/internal/server"
	"github.com/callbridge-ai/callbridge/internal/session"
	"github.com/callbridge-ai/callbridge/internal/store"
	"github.com/callbridge-ai/callbridge/internal/store/memstore"
	"github.com/callbridge-ai/callbridge/internal/store/postgres"
	"github.com/callbridge-ai/callbridge/pkg/provider/realtime"
	"github.com/callbridge-ai/callbridge/pkg/provider/realtime/elevenlabs"
	"github.com/callbridge-ai/callbridge/pkg/provider/realtime/openai"
)

// shutdownTimeout bounds the graceful drain after a termination signal.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A .env file is optional; environment variables override the YAML either way.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Slog(),
	}))
	slog.SetDefault(logger)

	slog.Info("callbridge starting",
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"provider", cfg.Provider.Name,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "callbridge"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Call store ────────────────────────────────────────────────────────────
	var (
		callStore store.Store
		dbPinger  health.Pinger
	)
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open call store", "err", err)
			return 1
		}
		defer pg.Close()
		callStore = pg
		dbPinger = pg
		slog.Info("using postgres call store")
	} else {
		callStore = memstore.NewStore()
		slog.Info("using in-memory call store")
	}

	// ── Collaborators ─────────────────────────────────────────────────────────
	bus := events.NewBus(logger)
	mgr := session.NewManager(cfg.SessionLimits(), logger)
	control := carrier.NewTwilioControl(carrier.TwilioConfig{
		AccountSID:   cfg.Twilio.AccountSID,
		AuthToken:    cfg.Twilio.AuthToken,
		PublicURL:    cfg.Server.PublicURL,
		HoldAudioURL: cfg.Twilio.HoldAudioURL,
	})
	provider := buildProvider(cfg)

	checks := health.New(
		health.DatabaseChecker(dbPinger),
		health.CarrierChecker(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken),
		health.ProviderChecker(string(cfg.Provider.Name), cfg.Provider.APIKey),
	)

	srv := server.New(server.Config{
		Addr:       cfg.Server.ListenAddr,
		Secret:     cfg.Server.APISecret,
		PublicURL:  cfg.Server.PublicURL,
		FromNumber: cfg.Twilio.PhoneNumber,
	}, server.Deps{
		Manager:        mgr,
		Store:          callStore,
		Control:        control,
		Provider:       provider,
		Bus:            bus,
		Health:         checks,
		Metrics:        metrics,
		HTTPMiddleware: observe.GinMiddleware(metrics),
		SessionConfig:  cfg.SessionConfig(),
		Log:            logger,
	})

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	report := mgr.EmergencyShutdown(shCtx)
	if report.TerminatedCount > 0 || report.FailedCount > 0 {
		slog.Info("terminated remaining calls",
			"terminated", report.TerminatedCount, "failed", report.FailedCount)
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads the YAML file at path, falling back to a pure-environment
// configuration when the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, using environment variables only", "path", path)
		return config.FromEnv()
	}
	return config.Load(path)
}

// buildProvider constructs the realtime provider named in cfg. Validation has
// already rejected unknown names.
func buildProvider(cfg *config.Config) realtime.Provider {
	switch cfg.Provider.Name {
	case config.ProviderElevenLabs:
		return elevenlabs.New(cfg.Provider.APIKey, cfg.Provider.AgentID)
	default:
		var opts []openai.Option
		if cfg.Provider.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Provider.Model))
		}
		return openai.New(cfg.Provider.APIKey, opts...)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	storeKind := "in-memory"
	if cfg.Database.PostgresDSN != "" {
		storeKind = "postgres"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       callbridge — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", providerLabel(cfg))
	printRow("From number", cfg.Twilio.PhoneNumber)
	printRow("Call store", storeKind)
	printRow("Max calls", fmt.Sprintf("%d (%d out / %d in)",
		cfg.Calls.MaxConcurrent, cfg.Calls.MaxConcurrentOutgoing, cfg.Calls.MaxConcurrentIncoming))
	printRow("Public URL", cfg.Server.PublicURL)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(cfg *config.Config) string {
	if cfg.Provider.Model != "" {
		return string(cfg.Provider.Name) + " / " + cfg.Provider.Model
	}
	return string(cfg.Provider.Name)
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}
