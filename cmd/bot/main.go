// CLOB market-data and execution core — maintains a live order-book
// mirror (push feed with pull fallback), an authenticated own-order/
// trade view, book-respecting order execution, and an on-chain balance
// cache for one CLOB prediction-market venue.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/engine            — orchestrator: wires every subsystem below, owns their lifecycle
//	internal/store             — Market Data Store: per-token book + summary, LRU-bounded
//	internal/marketfeed        — Push Client: websocket book/price-change feed with reconnect
//	internal/pull              — Pull Fallback: rate-limited REST book fetch used when push is stale
//	internal/facade            — Market Data Facade: fresh-push -> pull -> stale-cache read path
//	internal/userchannel       — User Channel Client: authenticated own-order/own-trade tracking
//	internal/execution         — Execution Engine: tick rounding, bounds checks, IOC-then-resting submission
//	internal/balance           — Balance Cache: TTL + single-flight on-chain collateral/gas reads
//	internal/config            — Viper-backed configuration, loaded once at startup
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clobmm-core/internal/config"
	"clobmm-core/internal/engine"
	"clobmm-core/internal/execution"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CLOBMM_CONFIG"); p != "" {
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

	var submitter execution.Submitter
	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
		submitter = execution.NewDryRunSubmitter(logger)
	} else {
		// A production deployment supplies a SignFunc that performs
		// EIP-712 order signing; that lives outside this core per
		// spec.md §1, so main refuses to start live trading without
		// one being wired in by the embedding application.
		logger.Error("live order signing is not wired into this entrypoint; run with dry_run: true, or embed execution.NewRESTSubmitter with a SignFunc")
		os.Exit(1)
	}

	eng, err := engine.New(*cfg, submitter, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.Start(ctx)
	logger.Info("clobmm-core started", "dry_run", cfg.DryRun)

	cleanupTicker := time.NewTicker(time.Minute)
	defer cleanupTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig.String())
			eng.Stop()
			return
		case <-cleanupTicker.C:
			eng.Cleanup(time.Now().UnixMilli())
		}
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
