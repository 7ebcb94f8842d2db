// refresher.go implements the forced status poll. The executions WebSocket
// is best-effort; this loop re-fetches every live order's status on a timer
// and applies the same state-machine transitions, repairing any drift
// between a place acknowledgement and the first (possibly lost) execution
// report.
package orders

import (
	"context"
	"log/slog"
	"time"

	"bks-mm/pkg/types"
)

// StatusFetcher is the one-shot status lookup the refresher needs.
type StatusFetcher interface {
	GetOrderStatus(ctx context.Context, id string) (types.ExecutionData, error)
}

// Refresher periodically repairs the table from REST status lookups.
type Refresher struct {
	table   *Table
	fetcher StatusFetcher
	period  time.Duration
	logger  *slog.Logger
}

// NewRefresher creates a forced refresher.
func NewRefresher(table *Table, fetcher StatusFetcher, period time.Duration, logger *slog.Logger) *Refresher {
	return &Refresher{
		table:   table,
		fetcher: fetcher,
		period:  period,
		logger:  logger.With("component", "refresher"),
	}
}

// Run polls until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce polls every live order once. Lookup failures are logged and
// skipped; the entry stays until a later poll or execution report settles it.
func (r *Refresher) RefreshOnce(ctx context.Context) {
	for _, id := range r.table.IDs() {
		data, err := r.fetcher.GetOrderStatus(ctx, id)
		if err != nil {
			r.logger.Warn("status poll failed", "id", id, "error", err)
			continue
		}
		if o, ok := r.table.ApplyExecution(id, data.OrderStatus, data.RemainedQuantity); ok {
			r.logger.Debug("status refreshed", "id", id, "status", o.Status, "qty", o.Quantity)
		}
	}
}
