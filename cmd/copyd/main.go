// copyd — a copy-trading daemon that replicates the trades of one master
// brokerage account onto any number of follower accounts.
//
// Architecture:
//
//	main.go                — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go       — orchestrator: tick loop wiring watcher → diff → replicator fan-out
//	watcher/watcher.go     — polls the master account, emits position snapshots (the tick clock)
//	diff/diff.go           — snapshot differ: closes, then modifies, then opens, by ticket
//	replicator/            — per-follower event application, lot sizing, master↔slave ticket map
//	registry/registry.go   — live follower set: connect-on-register, drain-on-unregister
//	session/supervisor.go  — per-follower session state machine with throttled reconnects
//	broker/mt5/            — vendor terminal bridge: REST trade ops + WebSocket tick feed
//	copylog/               — append-only replication records (JSON-lines file, batched Postgres)
//
// The vendor terminal holds one active login at a time, so every account
// operation funnels through a single serialized bridge client that switches
// logins as needed. Ticks that arrive while the previous one is still
// applying are dropped, never queued.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"copytrader/internal/broker"
	"copytrader/internal/broker/mt5"
	"copytrader/internal/config"
	"copytrader/internal/copylog"
	"copytrader/internal/engine"
	"copytrader/internal/notify"
	"copytrader/pkg/types"
)

func main() {
	// .env is optional; real deployments set the COPY_* vars directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COPY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	terminal := mt5.NewTerminal(cfg.Bridge, cfg.DryRun, logger)
	go func() {
		if err := terminal.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("tick feed stopped", "error", err)
		}
	}()

	sink, closeSinks := buildSinks(ctx, cfg.CopyLog, logger)
	defer closeSinks()

	master := terminal.Session(broker.Credentials{
		Login:    cfg.Master.Login,
		Password: cfg.Master.Password,
		Server:   cfg.Master.Server,
	})

	eng := engine.New(cfg.Engine, master, terminal.Factory(), notify.NewLogNotifier(logger), sink, logger)
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	registered := 0
	for _, fc := range cfg.Followers {
		if err := eng.Register(toFollower(fc)); err != nil {
			// A bad follower must not take the daemon down with it.
			logger.Error("follower registration failed", "follower_id", fc.ID, "login", fc.Login, "error", err)
			continue
		}
		registered++
	}

	logger.Info("copy engine started",
		"master_login", cfg.Master.Login,
		"followers", registered,
		"poll_interval", cfg.Engine.PollInterval,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

// buildSinks assembles the copy-log pipeline from config. Both sinks are
// optional; a daemon with neither still runs, it just keeps no history.
func buildSinks(ctx context.Context, cfg config.CopyLogConfig, logger *slog.Logger) (copylog.Sink, func()) {
	var sinks copylog.Multi

	if cfg.DataDir != "" {
		fileSink, err := copylog.OpenFile(cfg.DataDir, logger)
		if err != nil {
			logger.Error("file copy-log disabled", "error", err, "dir", cfg.DataDir)
		} else {
			sinks = append(sinks, fileSink)
		}
	}
	if cfg.PostgresDSN != "" {
		pgSink, err := copylog.OpenPG(ctx, cfg.PostgresDSN, cfg.BatchSize, cfg.FlushInterval, logger)
		if err != nil {
			logger.Error("postgres copy-log disabled", "error", err)
		} else {
			sinks = append(sinks, pgSink)
		}
	}

	if len(sinks) == 0 {
		return copylog.Nop{}, func() {}
	}
	return sinks, func() {
		if err := sinks.Close(); err != nil {
			logger.Error("copy-log close failed", "error", err)
		}
	}
}

func toFollower(fc config.FollowerConfig) types.Follower {
	return types.Follower{
		ID:            fc.ID,
		UserID:        fc.UserID,
		Login:         fc.Login,
		Server:        fc.Server,
		Password:      fc.Password,
		LotMultiplier: fc.LotMultiplier,
		MaxLot:        fc.MaxLot,
		CopyEnabled:   fc.CopyEnabled,
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
