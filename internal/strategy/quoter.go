// Package strategy implements the inventory-skewed symmetric quote model.
//
// The quoter consumes the latest order-book and inventory snapshots, strips
// its own resting volume from the observed top of book, and emits a target
// bid/ask pair centered on an inventory-shifted mid:
//
//	mid    = (bestBid + bestAsk) / 2
//	center = mid - k * inventory
//	bid    = min(center - spread/2, bestBid)
//	ask    = max(center + spread/2, bestAsk)
//
// Holding inventory pushes the center toward the side that reduces the
// position, and shrinks the size on the side that would grow it. At the
// inventory limit the worsening side is not quoted at all. Quotes never
// cross the external inside: the bid is clamped to the external best bid,
// the ask to the external best ask.
package strategy

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"bks-mm/internal/bus"
	"bks-mm/internal/config"
	"bks-mm/pkg/types"
)

// RestingProvider reports own resting volume per price level for a side.
// Satisfied by the live-orders table.
type RestingProvider interface {
	RestingVolume(side types.Side) map[string]int64
}

// Quoter runs the quote model for a single instrument.
type Quoter struct {
	cfg     config.StrategyConfig
	inst    types.Instrument
	tickDec int32

	books   *bus.Latest[types.OrderBookSnapshot]
	invBus  *bus.Latest[types.InventorySnapshot]
	targets *bus.Latest[types.TargetQuote]
	resting RestingProvider

	// event-loop state
	haveBook  bool
	bestBid   float64
	bestAsk   float64
	haveInv   bool
	inventory int64

	logger *slog.Logger
}

// NewQuoter creates a quoter reading from the book and inventory mailboxes
// and publishing targets for the order manager.
func NewQuoter(
	cfg config.StrategyConfig,
	inst types.Instrument,
	tickDecimals int,
	books *bus.Latest[types.OrderBookSnapshot],
	invBus *bus.Latest[types.InventorySnapshot],
	targets *bus.Latest[types.TargetQuote],
	resting RestingProvider,
	logger *slog.Logger,
) *Quoter {
	return &Quoter{
		cfg:     cfg,
		inst:    inst,
		tickDec: int32(tickDecimals),
		books:   books,
		invBus:  invBus,
		targets: targets,
		resting: resting,
		logger:  logger.With("component", "strategy"),
	}
}

// Run is the strategy event loop: wait for the next book or inventory event,
// fold it into local state, and emit a fresh target. Quoting starts only
// once the first inventory snapshot has arrived.
func (q *Quoter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case book := <-q.books.Updates():
			q.applyBook(book)

		case inv := <-q.invBus.Updates():
			q.inventory = inv.Position(q.inst.Ticker)
			q.haveInv = true
		}

		if !q.haveBook || !q.haveInv {
			continue
		}

		target := q.ComputeTarget(q.bestBid, q.bestAsk, q.inventory)
		q.targets.Publish(target)

		q.logger.Debug("target computed",
			"best_bid", q.bestBid,
			"best_ask", q.bestAsk,
			"inventory", q.inventory,
			"bid", quoteAttr(target.Bid),
			"ask", quoteAttr(target.Ask),
		)
	}
}

// applyBook replaces the book-derived state from a fresh snapshot. Each
// snapshot is a full replacement: a reconnect leaves no stale residue.
func (q *Quoter) applyBook(book types.OrderBookSnapshot) {
	bid, bidOK := ExternalBest(book.Bids, q.resting.RestingVolume(types.Bid))
	ask, askOK := ExternalBest(book.Asks, q.resting.RestingVolume(types.Ask))
	if !bidOK || !askOK {
		// One-sided or fully self-owned book: nothing safe to quote against.
		q.haveBook = false
		return
	}
	q.bestBid, _ = bid.Float64()
	q.bestAsk, _ = ask.Float64()
	q.haveBook = true
}

// ExternalBest walks the levels in book order (bids best-down, asks best-up),
// subtracting own resting volume per price level, and returns the first level
// with positive residual volume. Returns false when every level is exhausted
// by own volume. Subtracting more own volume can only push the result further
// from the inside, never closer.
func ExternalBest(levels []types.PriceLevel, own map[string]int64) (decimal.Decimal, bool) {
	for _, lvl := range levels {
		residual := lvl.Quantity - own[types.PriceKey(lvl.Price)]
		if residual > 0 {
			return lvl.Price, true
		}
	}
	return decimal.Decimal{}, false
}

// ComputeTarget evaluates the quote model for the given external top and
// inventory. A side with zero size is omitted from the target.
func (q *Quoter) ComputeTarget(bestBid, bestAsk float64, inv int64) types.TargetQuote {
	mid := (bestBid + bestAsk) / 2
	center := mid - q.cfg.InventoryK*float64(inv)

	bidRaw := math.Min(center-q.cfg.Spread/2, bestBid)
	askRaw := math.Max(center+q.cfg.Spread/2, bestAsk)

	bidQty := q.sideSize(inv, types.Bid)
	askQty := q.sideSize(inv, types.Ask)

	target := types.TargetQuote{
		Instrument:  q.inst,
		GeneratedAt: time.Now(),
	}
	if bidQty > 0 {
		target.Bid = &types.Quote{
			Price:    decimal.NewFromFloat(bidRaw).RoundFloor(q.tickDec),
			Quantity: bidQty,
		}
	}
	if askQty > 0 {
		target.Ask = &types.Quote{
			Price:    decimal.NewFromFloat(askRaw).RoundCeil(q.tickDec),
			Quantity: askQty,
		}
	}
	return target
}

// sideSize returns the quantity for one side: full base size on the side
// that reduces the position, scaled down (never below 10% before the 1-lot
// floor) on the side that grows it, and zero at or beyond the limit.
func (q *Quoter) sideSize(inv int64, side types.Side) int64 {
	limit := q.cfg.InventoryLimit
	if side == types.Bid && inv >= limit {
		return 0
	}
	if side == types.Ask && inv <= -limit {
		return 0
	}

	grows := (side == types.Bid && inv > 0) || (side == types.Ask && inv < 0)
	size := float64(q.cfg.BaseSize)
	if grows {
		factor := math.Max(0.1, 1-math.Abs(float64(inv))/float64(limit))
		size *= factor
	}

	qty := int64(math.Round(size))
	if qty < 1 {
		qty = 1
	}
	return qty
}

func quoteAttr(qt *types.Quote) string {
	if qt == nil {
		return "-"
	}
	return qt.Price.String()
}
