package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sellclaw/sellclaw/internal/approval"
	"github.com/sellclaw/sellclaw/internal/bus"
	"github.com/sellclaw/sellclaw/internal/catalog"
	"github.com/sellclaw/sellclaw/internal/channels"
	"github.com/sellclaw/sellclaw/internal/config"
	"github.com/sellclaw/sellclaw/internal/meetups"
	"github.com/sellclaw/sellclaw/internal/orchestrator"
	"github.com/sellclaw/sellclaw/internal/scheduler"
	"github.com/sellclaw/sellclaw/internal/store"
	"github.com/sellclaw/sellclaw/internal/store/pg"
	"github.com/sellclaw/sellclaw/internal/store/sqlite"
	"github.com/sellclaw/sellclaw/internal/telemetry"
	"github.com/sellclaw/sellclaw/internal/triage"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open conversation store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	cat, err := catalog.Open(config.ExpandHome(cfg.Catalog.Path))
	if err != nil {
		slog.Error("failed to open catalog", "error", err, "path", cfg.Catalog.Path)
		os.Exit(1)
	}

	ledger, err := meetups.New(config.ExpandHome(cfg.Meetups.CSVPath), cfg.Meetups.Timezone)
	if err != nil {
		slog.Error("failed to open meetup ledger", "error", err)
		os.Exit(1)
	}

	msgBus := bus.New()

	// Console is both chat surface and approval surface in local runs;
	// replacing it with a real connector is a wiring change here only.
	console := channels.NewConsole(nil)

	orch := orchestrator.New(orchestrator.Options{
		Store:   st,
		Bus:     msgBus,
		Router:  triage.NewRouter(triage.NewRuleReasoner(), config.Duration(cfg.Triage.ReasonerTimeout, 30*time.Second)),
		Catalog: cat,
		Meetups: ledger,
		Channel: console,
		Sink:    console,
		Debounce: scheduler.Config{
			QuietWindow:  config.Duration(cfg.Debounce.QuietWindow, 3*time.Second),
			MaxBatchSize: cfg.Debounce.MaxBatchSize,
		},
		HistoryLimit:   cfg.Triage.HistoryLimit,
		ApprovalExpiry: config.Duration(cfg.Approval.ExpiryTimeout, time.Hour),
		RateLimitRPM:   cfg.Gateway.RateLimitRPM,
		MaxInboundLen:  cfg.Gateway.MaxMessageChars,
		Retry:          cfg.Gateway.Retry,
	})
	console.SetResolver(func(token string, outcome approval.Outcome, overrideText string) error {
		return orch.Resolve(token, outcome, overrideText)
	})
	console.SetTeardown(orch.Teardown)
	console.SetAvailability(cat.SetAvailabilityNote)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		return console.Start(gctx, msgBus.PublishInbound)
	})
	// Drain the outbound side of the bus: every confirmed reply shows up in
	// the log regardless of which sink delivered it.
	g.Go(func() error {
		for {
			msg, ok := msgBus.ConsumeOutbound(gctx)
			if !ok {
				return nil
			}
			slog.Info("reply delivered", "conversation", msg.ConversationID, "chars", len(msg.Text))
		}
	})
	if cfg.Catalog.HotReload == nil || *cfg.Catalog.HotReload {
		g.Go(func() error {
			return cat.Watch(gctx)
		})
	}

	slog.Info("sellclaw gateway started",
		"version", Version,
		"store", storeBackend(cfg),
		"quiet_window", cfg.Debounce.QuietWindow,
		"max_batch", cfg.Debounce.MaxBatchSize)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway shut down")
}

func openStore(cfg *config.Config) (store.ConversationStore, error) {
	switch storeBackend(cfg) {
	case "postgres":
		return pg.Open(cfg.Store.PostgresDSN)
	default:
		return sqlite.Open(config.ExpandHome(cfg.Store.SQLitePath))
	}
}

func storeBackend(cfg *config.Config) string {
	if cfg.Store.Backend == "" {
		return "sqlite"
	}
	return cfg.Store.Backend
}
