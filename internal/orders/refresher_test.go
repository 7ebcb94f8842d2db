package orders

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"bks-mm/pkg/types"
)

type fakeFetcher struct {
	statuses map[string]types.ExecutionData
	calls    int
}

func (f *fakeFetcher) GetOrderStatus(ctx context.Context, id string) (types.ExecutionData, error) {
	f.calls++
	data, ok := f.statuses[id]
	if !ok {
		return types.ExecutionData{}, fmt.Errorf("order %s not found", id)
	}
	return data, nil
}

func TestRefreshOnceRepairsDrift(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)
	tbl.Insert(testOrder("filled", types.Bid, "100.00", 1))
	tbl.Insert(testOrder("partial", types.Bid, "99.90", 2))
	tbl.Insert(testOrder("resting", types.Ask, "100.50", 1))

	// The executions socket went quiet: the poll discovers a fill and a
	// partial fill the table never heard about.
	fetcher := &fakeFetcher{statuses: map[string]types.ExecutionData{
		"filled":  {OrderStatus: int(types.StatusFilled)},
		"partial": {OrderStatus: int(types.StatusPartiallyFilled), RemainedQuantity: 1},
		"resting": {OrderStatus: int(types.StatusNew)},
	}}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	r := NewRefresher(tbl, fetcher, time.Second, logger)
	r.RefreshOnce(context.Background())

	if _, ok := tbl.Get("filled"); ok {
		t.Error("filled order still in table after poll")
	}
	if o, _ := tbl.Get("partial"); o.Status != types.StatusPartiallyFilled || o.Quantity != 1 {
		t.Errorf("partial = %v/%d, want PartiallyFilled/1", o.Status, o.Quantity)
	}
	if o, _ := tbl.Get("resting"); o.Status != types.StatusNew {
		t.Errorf("resting status = %v, want New", o.Status)
	}
}

func TestRefreshOnceSkipsFailedLookups(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)
	tbl.Insert(testOrder("known", types.Bid, "100.00", 1))
	tbl.Insert(testOrder("flaky", types.Ask, "100.50", 1))

	fetcher := &fakeFetcher{statuses: map[string]types.ExecutionData{
		"known": {OrderStatus: int(types.StatusNew)},
	}}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	r := NewRefresher(tbl, fetcher, time.Second, logger)
	r.RefreshOnce(context.Background())

	// The failed lookup leaves the entry for the next cycle.
	if _, ok := tbl.Get("flaky"); !ok {
		t.Error("entry evicted on lookup failure")
	}
	if fetcher.calls != 2 {
		t.Errorf("fetcher called %d times, want 2", fetcher.calls)
	}
}
