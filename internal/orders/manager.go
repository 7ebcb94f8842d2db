// manager.go implements the reconciliation loop: it consumes target quote
// pairs from the strategy and issues the minimal set of place/edit/cancel
// RPCs to converge the live order set onto the target.
package orders

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"bks-mm/internal/bus"
	"bks-mm/pkg/types"
)

// Broker is the slice of the broker client the manager needs. The concrete
// client inserts into / removes from the table on RPC acknowledgement, so
// the manager only decides which RPCs to issue.
type Broker interface {
	PlaceLimit(ctx context.Context, side types.Side, price decimal.Decimal, qty int64) (string, error)
	Edit(ctx context.Context, id string, side types.Side, price decimal.Decimal, qty int64) (string, error)
	Cancel(ctx context.Context, id string) error
}

// Manager converges live orders onto the latest target quote pair.
type Manager struct {
	broker       Broker
	table        *Table
	targets      *bus.Latest[types.TargetQuote]
	minEditDelta decimal.Decimal
	passInterval time.Duration
	logger       *slog.Logger
}

// NewManager creates a reconciliation manager.
func NewManager(broker Broker, table *Table, targets *bus.Latest[types.TargetQuote], minEditDelta float64, passInterval time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		broker:       broker,
		table:        table,
		targets:      targets,
		minEditDelta: decimal.NewFromFloat(minEditDelta),
		passInterval: passInterval,
		logger:       logger.With("component", "manager"),
	}
}

// Run consumes targets until ctx is cancelled. After each reconciliation
// pass it pauses for passInterval so execution reports can settle and the
// broker is not flooded; conflation on the target mailbox guarantees the
// next pass sees the newest target.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case target := <-m.targets.Updates():
			m.Reconcile(ctx, target)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.passInterval):
		}
	}
}

// Reconcile performs one pass for both sides of the target.
func (m *Manager) Reconcile(ctx context.Context, target types.TargetQuote) {
	m.reconcileSide(ctx, types.Bid, target.Bid)
	m.reconcileSide(ctx, types.Ask, target.Ask)
}

// reconcileSide converges one side:
//
//   - extra live orders beyond the newest are cancelled first (at most one
//     active quote per side);
//   - no target and a live order: cancel;
//   - target and no live order: place;
//   - target and a live order: edit only when the price moved by at least
//     minEditDelta, otherwise leave it alone (hysteresis against churn).
func (m *Manager) reconcileSide(ctx context.Context, side types.Side, desired *types.Quote) {
	live := m.table.BySide(side)

	// Duplicate quotes can appear transiently when the broker splits an edit
	// into cancel+place. Keep the newest, cancel the rest.
	for _, extra := range liveTail(live) {
		if err := m.broker.Cancel(ctx, extra.ClientOrderID); err != nil {
			m.logger.Error("cancel duplicate failed", "side", side, "id", extra.ClientOrderID, "error", err)
		}
	}

	var existing *types.Order
	if len(live) > 0 {
		existing = &live[0]
	}

	switch {
	case desired == nil && existing == nil:
		return

	case desired == nil:
		if err := m.broker.Cancel(ctx, existing.ClientOrderID); err != nil {
			m.logger.Error("cancel failed", "side", side, "id", existing.ClientOrderID, "error", err)
			return
		}
		m.logger.Info("quote pulled", "side", side, "id", existing.ClientOrderID)

	case existing == nil:
		id, err := m.broker.PlaceLimit(ctx, side, desired.Price, desired.Quantity)
		if err != nil {
			m.logger.Error("place failed", "side", side, "price", desired.Price, "error", err)
			return
		}
		m.logger.Info("quote placed", "side", side, "id", id, "price", desired.Price, "qty", desired.Quantity)

	default:
		delta := existing.Price.Sub(desired.Price).Abs()
		if delta.LessThan(m.minEditDelta) {
			return
		}
		id, err := m.broker.Edit(ctx, existing.ClientOrderID, side, desired.Price, desired.Quantity)
		if err != nil {
			m.logger.Error("edit failed", "side", side, "id", existing.ClientOrderID, "error", err)
			return
		}
		m.logger.Info("quote moved",
			"side", side,
			"old_id", existing.ClientOrderID,
			"new_id", id,
			"from", existing.Price,
			"to", desired.Price,
			"qty", desired.Quantity,
		)
	}
}

// CancelAll best-effort cancels every live order. Used on shutdown.
func (m *Manager) CancelAll(ctx context.Context) {
	for _, o := range m.table.Snapshot() {
		if err := m.broker.Cancel(ctx, o.ClientOrderID); err != nil {
			m.logger.Error("shutdown cancel failed", "id", o.ClientOrderID, "error", err)
		}
	}
}

func liveTail(live []types.Order) []types.Order {
	if len(live) <= 1 {
		return nil
	}
	return live[1:]
}
