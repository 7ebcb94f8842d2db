// journal.go implements the optional append-only recovery log for the
// live-orders table. Each table mutation appends one JSON record; replaying
// the log (last record per id wins, terminal records drop the entry) restores
// the table after a crash. On clean shutdown the log is compacted to the
// current snapshot using an atomic write-then-rename, so a crash mid-compact
// never corrupts it.
package orders

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/shopspring/decimal"

	"bks-mm/pkg/types"
)

// Journal is an append-safe order log. All operations are mutex-protected to
// keep records whole under concurrent appends.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenJournal opens (or creates) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{path: path, f: f}, nil
}

// Append writes one order record. Errors are swallowed after best effort:
// journaling is an optional aid and must never stall the trading path.
func (j *Journal) Append(o types.Order) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return
	}
	data, err := json.Marshal(journalRecord(o))
	if err != nil {
		return
	}
	data = append(data, '\n')
	j.f.Write(data)
}

// Replay reads the log and returns the live orders it implies: the last
// record per clientOrderId wins, and terminal statuses drop the entry.
// Malformed lines are skipped.
func (j *Journal) Replay() ([]types.Order, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	last := make(map[string]record)
	var order []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.ClientOrderID == "" {
			continue
		}
		if _, seen := last[rec.ClientOrderID]; !seen {
			order = append(order, rec.ClientOrderID)
		}
		last[rec.ClientOrderID] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	var out []types.Order
	for _, id := range order {
		rec := last[id]
		if rec.Status.Terminal() {
			continue
		}
		out = append(out, rec.toOrder())
	}
	return out, nil
}

// Compact atomically rewrites the log to hold exactly the given snapshot.
func (j *Journal) Compact(snapshot []types.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open compact tmp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, o := range snapshot {
		data, err := json.Marshal(journalRecord(o))
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal record: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush compact tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close compact tmp: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("swap journal: %w", err)
	}

	if j.f != nil {
		j.f.Close()
	}
	j.f, err = os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		j.f = nil
		return fmt.Errorf("reopen journal: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// record is the on-disk shape: one flat object per line, as required for an
// append-safe format.
type record struct {
	ClientOrderID string            `json:"clientOrderId"`
	Ticker        string            `json:"ticker"`
	ClassCode     string            `json:"classCode"`
	Side          types.Side        `json:"side"`
	Price         string            `json:"price"`
	Quantity      int64             `json:"quantity"`
	Status        types.OrderStatus `json:"status"`
}

func journalRecord(o types.Order) record {
	return record{
		ClientOrderID: o.ClientOrderID,
		Ticker:        o.Instrument.Ticker,
		ClassCode:     o.Instrument.ClassCode,
		Side:          o.Side,
		Price:         o.Price.String(),
		Quantity:      o.Quantity,
		Status:        o.Status,
	}
}

func (r record) toOrder() types.Order {
	o := types.Order{
		ClientOrderID: r.ClientOrderID,
		Instrument:    types.Instrument{Ticker: r.Ticker, ClassCode: r.ClassCode},
		Side:          r.Side,
		Quantity:      r.Quantity,
		Status:        r.Status,
	}
	o.Price, _ = decimal.NewFromString(r.Price)
	return o
}
