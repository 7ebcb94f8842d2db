// BKS Market Maker — an automated quoting engine for a single instrument on
// the BKS broker trade API.
//
// Architecture:
//
//	main.go             — entry point: loads config, runs the engine until SIGINT/SIGTERM
//	engine/engine.go    — supervisor: authorizes, recovers state, runs all task goroutines
//	strategy/quoter.go  — inventory-skewed quote model: book + position → target bid/ask
//	orders/table.go     — live-orders table keyed by clientOrderId, one state machine for
//	                      execution reports and forced polls
//	orders/manager.go   — reconciliation loop: place/edit/cancel toward the latest target
//	orders/journal.go   — optional append-only recovery log for the table
//	broker/auth.go      — Keycloak refresh-token exchange for the access token
//	broker/client.go    — REST client (orders, portfolio, candles) with retry discipline
//	broker/ws.go        — WebSocket feeds (order books, executions) with auto-reconnect
//
// How it makes money:
//
//	The engine keeps a bid below and an ask above the market, earning the
//	spread when both sides fill. Held inventory skews the quote center toward
//	the side that unwinds the position and shrinks size on the side that
//	would grow it, capping directional exposure.
//
// Exit codes: 0 on clean shutdown, 1 when authorization fails, 2 on any
// other fatal engine error.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bks-mm/internal/broker"
	"bks-mm/internal/config"
	"bks-mm/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BKS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(2)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("bks market maker starting",
		"ticker", cfg.Instrument.Ticker,
		"class_code", cfg.Instrument.ClassCode,
		"spread", cfg.Strategy.Spread,
		"inventory_limit", cfg.Strategy.InventoryLimit,
	)

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine stopped", "error", err)
		if errors.Is(err, broker.ErrAuth) {
			os.Exit(1)
		}
		os.Exit(2)
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
