// Package engine is the supervisor of the quoting engine.
//
// It wires together all subsystems for the single configured instrument:
//
//  1. Authenticator obtains the access token before anything touches the wire.
//  2. Recovery rebuilds the live-orders table (journal replay, then the
//     broker's active-orders search as the authoritative source).
//  3. Broker client feeds the book and inventory mailboxes; the executions
//     feed and the forced refresher keep the table converged.
//  4. Quoter turns book plus inventory into target quotes; the manager
//     reconciles live orders onto them.
//
// Lifecycle: New() then Run(ctx), which blocks until ctx is cancelled or a
// task fails fatally. Shutdown best-effort cancels all live orders and
// compacts the journal.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bks-mm/internal/broker"
	"bks-mm/internal/bus"
	"bks-mm/internal/config"
	"bks-mm/internal/orders"
	"bks-mm/internal/strategy"
	"bks-mm/pkg/types"
)

// Engine owns every long-running component and their shared state.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	journal   *orders.Journal // nil when journaling is disabled
	table     *orders.Table
	client    *broker.Client
	quoter    *strategy.Quoter
	manager   *orders.Manager
	refresher *orders.Refresher

	books     *bus.Latest[types.OrderBookSnapshot]
	inventory *bus.Latest[types.InventorySnapshot]
	targets   *bus.Latest[types.TargetQuote]
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	var journal *orders.Journal
	if cfg.Store.Path != "" {
		j, err := orders.OpenJournal(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		journal = j
	}

	table := orders.NewTable(journal)
	books := bus.NewLatest[types.OrderBookSnapshot]()
	inventory := bus.NewLatest[types.InventorySnapshot]()
	targets := bus.NewLatest[types.TargetQuote]()

	auth := broker.NewAuthenticator(cfg.Auth.TokenURL, cfg.Auth.ClientID, cfg.Auth.RefreshToken, logger)
	client := broker.NewClient(cfg, auth, table, books, inventory, logger)

	inst := types.Instrument{Ticker: cfg.Instrument.Ticker, ClassCode: cfg.Instrument.ClassCode}
	quoter := strategy.NewQuoter(cfg.Strategy, inst, cfg.Instrument.TickDecimals, books, inventory, targets, table, logger)
	manager := orders.NewManager(client, table, targets, cfg.Manager.MinEditDelta, cfg.Manager.PassInterval, logger)
	refresher := orders.NewRefresher(table, client, cfg.Manager.RefreshPeriod, logger)

	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		journal:   journal,
		table:     table,
		client:    client,
		quoter:    quoter,
		manager:   manager,
		refresher: refresher,
		books:     books,
		inventory: inventory,
		targets:   targets,
	}, nil
}

// Run authorizes, recovers state, and supervises all task goroutines. It
// returns when ctx is cancelled (nil) or when a task fails fatally (the
// task's error). Feed and poll loops retry internally and never return
// errors other than context cancellation, so a fatal error here means
// authorization exhaustion or a broken reconciliation loop.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.client.Start(ctx); err != nil {
		return err
	}

	if err := e.recover(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 8)

	run := func(name string, task func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := task(runCtx)
			if err != nil && runCtx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("executions feed", e.client.RunExecutionsFeed)
	run("order book feed", e.client.RunOrderBookFeed)
	if e.cfg.Candles.Enabled {
		run("candle feed", func(ctx context.Context) error {
			return e.client.RunCandleFeed(ctx, e.cfg.Candles.TimeFrame)
		})
	}
	run("inventory refresher", func(ctx context.Context) error {
		return e.client.RunInventoryRefresher(ctx, e.cfg.Strategy.InventoryPeriod)
	})
	run("status refresher", e.refresher.Run)
	run("quoter", e.quoter.Run)
	run("manager", e.manager.Run)

	e.logger.Info("engine running",
		"ticker", e.cfg.Instrument.Ticker,
		"class_code", e.cfg.Instrument.ClassCode,
		"live_orders", e.table.Len(),
	)

	var fatal error
	select {
	case <-ctx.Done():
	case fatal = <-errCh:
		e.logger.Error("fatal task failure", "error", fatal)
	case fatal = <-e.client.Fatal():
		e.logger.Error("broker session lost", "error", fatal)
	}

	cancel()
	wg.Wait()

	e.shutdown()
	return fatal
}

// recover rebuilds the live-orders table. The journal restores what this
// process knew before a crash; the broker's active-orders search then
// overwrites it as the authoritative view, picking up fills and cancels that
// happened while the process was down.
func (e *Engine) recover(ctx context.Context) error {
	if e.journal != nil {
		replayed, err := e.journal.Replay()
		if err != nil {
			e.logger.Warn("journal replay failed, continuing without it", "error", err)
		}
		for _, o := range replayed {
			e.table.Insert(o)
		}
		if len(replayed) > 0 {
			e.logger.Info("journal replayed", "orders", len(replayed))
		}
	}

	items, err := e.client.ListActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("recover active orders: %w", err)
	}

	recovered := 0
	for _, item := range items {
		side, err := types.SideFromBrokerCode(item.Side)
		if err != nil {
			e.logger.Warn("skipping recovered order with unknown side", "id", item.ClientOrderID, "side", item.Side)
			continue
		}
		status, known := types.StatusFromCode(item.OrderStatus)
		if !known || status.Terminal() {
			continue
		}
		e.table.Insert(types.Order{
			ClientOrderID: item.ClientOrderID,
			Instrument:    types.Instrument{Ticker: item.Ticker, ClassCode: item.ClassCode},
			Side:          side,
			Price:         item.Price,
			Quantity:      item.OrderQuantity,
			Status:        status,
		})
		recovered++
	}

	e.logger.Info("active orders recovered", "orders", recovered)
	return nil
}

// shutdown best-effort cancels every live order so no unattended quote
// survives the process, then compacts and closes the journal.
func (e *Engine) shutdown() {
	e.logger.Info("shutting down")

	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e.manager.CancelAll(cancelCtx)

	if e.journal != nil {
		if err := e.journal.Compact(e.table.Snapshot()); err != nil {
			e.logger.Error("journal compact failed", "error", err)
		}
		if err := e.journal.Close(); err != nil {
			e.logger.Error("journal close failed", "error", err)
		}
	}

	e.logger.Info("shutdown complete")
}
