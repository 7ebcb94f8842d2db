// Package orders maintains the authoritative local view of outstanding
// orders and drives the live order set toward the strategy's target.
//
// The Table maps clientOrderId to an order record. It has three writers:
// the broker client's RPC acknowledgement sites (insert on place/edit ack,
// remove on cancel ack), the executions WebSocket feed, and the forced
// refresher. Execution reports and forced polls apply the same state
// machine, so the table converges even when the executions socket drops
// messages. The executions endpoint has been observed to go quiet for long
// stretches; the forced poll is the authoritative repair path.
package orders

import (
	"sort"
	"sync"
	"time"

	"bks-mm/pkg/types"
)

// Table is the in-memory live-orders table. Safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	entries map[string]types.Order
	journal *Journal // nil when journaling is disabled
}

// NewTable creates an empty table. journal may be nil.
func NewTable(journal *Journal) *Table {
	return &Table{
		entries: make(map[string]types.Order),
		journal: journal,
	}
}

// Insert adds or replaces an entry. Called on place/edit acknowledgement
// and during startup recovery.
func (t *Table) Insert(o types.Order) {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now()
	}

	t.mu.Lock()
	t.entries[o.ClientOrderID] = o
	t.mu.Unlock()

	t.record(o)
}

// Remove evicts an entry by id. Called on cancel acknowledgement; a late
// execution report for the evicted id is silently ignored by ApplyExecution.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	o, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if ok {
		o.Status = types.StatusCancelled
		o.UpdatedAt = time.Now()
		t.record(o)
	}
}

// ApplyExecution applies one execution report (or forced-poll result) to the
// table. Terminal statuses evict the entry; a partial fill updates the
// remaining quantity; other known statuses are recorded as-is. Unknown ids
// and unknown codes are ignored, which makes the function idempotent under
// duplicate or late delivery.
func (t *Table) ApplyExecution(id string, code int, remained int64) (types.Order, bool) {
	status, known := types.StatusFromCode(code)
	if !known {
		return types.Order{}, false
	}

	t.mu.Lock()
	o, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return types.Order{}, false
	}

	o.Status = status
	o.UpdatedAt = time.Now()
	if status.Terminal() {
		delete(t.entries, id)
	} else {
		if status == types.StatusPartiallyFilled {
			o.Quantity = remained
		}
		t.entries[id] = o
	}
	t.mu.Unlock()

	t.record(o)
	return o, true
}

// Get returns the entry for id.
func (t *Table) Get(id string) (types.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.entries[id]
	return o, ok
}

// IDs returns the ids of all live entries.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}

// BySide returns the live orders on one side, newest first. Reconciliation
// treats the newest entry as the canonical quote and cancels the rest.
func (t *Table) BySide(side types.Side) []types.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []types.Order
	for _, o := range t.entries {
		if o.Side == side {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// RestingVolume returns own resting quantity per price level for one side,
// keyed by types.PriceKey. The strategy subtracts these volumes from the
// observed book to obtain the external top.
func (t *Table) RestingVolume(side types.Side) map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]int64)
	for _, o := range t.entries {
		if o.Side == side {
			out[types.PriceKey(o.Price)] += o.Quantity
		}
	}
	return out
}

// Snapshot returns a copy of all live entries.
func (t *Table) Snapshot() []types.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Order, 0, len(t.entries))
	for _, o := range t.entries {
		out = append(out, o)
	}
	return out
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Table) record(o types.Order) {
	if t.journal != nil {
		t.journal.Append(o)
	}
}
