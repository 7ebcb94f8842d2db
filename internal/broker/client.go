// client.go implements the REST side of the broker session:
//
//   - PlaceLimit:       POST /orders                — place a limit order
//   - Cancel:           POST /orders/{id}/cancel    — cancel by id
//   - Edit:             POST /orders/{id}           — replace price/quantity
//   - GetOrderStatus:   GET  /orders/{id}           — one-shot status lookup
//   - ListActiveOrders: POST /orders/search         — startup recovery window
//   - PollInventory:    GET  /portfolio             — position snapshot
//   - GetCandles:       GET  /candles-chart         — historical bars
//
// Every order-mutating RPC mints a fresh clientOrderId (UUIDv4) that is
// never reused, and updates the live-orders table on acknowledgement.
// Transient failures (network, 5xx) retry indefinitely with capped linear
// backoff; 401 re-authorizes once per attempt; other 4xx surface as
// BusinessError without retry.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bks-mm/internal/bus"
	"bks-mm/internal/config"
	"bks-mm/internal/orders"
	"bks-mm/pkg/types"
)

// BusinessError is a non-retryable broker rejection (4xx other than 401).
type BusinessError struct {
	Status int
	Body   string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("broker rejected request: status %d: %s", e.Status, e.Body)
}

// Client is the BKS trade API session: one shared HTTP client, the current
// access token, the category rate limits, and the event mailboxes feeding
// the strategy.
type Client struct {
	http *resty.Client
	auth *Authenticator
	rl   *RateLimiter

	api     config.APIConfig
	inst    types.Instrument
	depth   int
	tickDec int32

	table     *orders.Table
	books     *bus.Latest[types.OrderBookSnapshot]
	inventory *bus.Latest[types.InventorySnapshot]

	tokenMu sync.RWMutex
	token   string

	// fatal carries an authorization-exhaustion error to the supervisor.
	// Capacity one; only the first failure matters.
	fatal chan error

	// retryWait returns the pause before retry n of a transient failure.
	// Overridable in tests; defaults to min(3+2n, 60) seconds.
	retryWait func(attempt int) time.Duration

	logger *slog.Logger
}

// NewClient creates a broker session. Start must be called before any I/O.
func NewClient(
	cfg *config.Config,
	auth *Authenticator,
	table *orders.Table,
	books *bus.Latest[types.OrderBookSnapshot],
	inventory *bus.Latest[types.InventorySnapshot],
	logger *slog.Logger,
) *Client {
	return &Client{
		http:      resty.New().SetTimeout(10 * time.Second).SetHeader("Accept", "application/json"),
		auth:      auth,
		rl:        NewRateLimiter(),
		api:       cfg.API,
		inst:      types.Instrument{Ticker: cfg.Instrument.Ticker, ClassCode: cfg.Instrument.ClassCode},
		depth:     cfg.Instrument.Depth,
		tickDec:   int32(cfg.Instrument.TickDecimals),
		table:     table,
		books:     books,
		inventory: inventory,
		fatal:     make(chan error, 1),
		retryWait: defaultRetryWait,
		logger:    logger.With("component", "broker"),
	}
}

// Fatal reports unrecoverable session failures (authorization exhaustion).
func (c *Client) Fatal() <-chan error {
	return c.fatal
}

func defaultRetryWait(attempt int) time.Duration {
	wait := time.Duration(3+2*attempt) * time.Second
	if wait > 60*time.Second {
		wait = 60 * time.Second
	}
	return wait
}

// Start acquires the initial access token.
func (c *Client) Start(ctx context.Context) error {
	token, err := c.auth.Obtain(ctx)
	if err != nil {
		return err
	}
	c.setToken(token)
	return nil
}

// Instrument returns the configured instrument.
func (c *Client) Instrument() types.Instrument {
	return c.inst
}

func (c *Client) accessToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// reauthorize refreshes the access token after a 401. Obtain carries its own
// bounded retry; exhaustion propagates as ErrAuth and becomes fatal upstream.
func (c *Client) reauthorize(ctx context.Context) error {
	token, err := c.auth.Obtain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			select {
			case c.fatal <- err:
			default:
			}
		}
		return err
	}
	c.setToken(token)
	return nil
}

// do executes one REST call with the retry discipline. build populates the
// request (body, query); method and url identify the call.
func (c *Client) do(ctx context.Context, bucket *TokenBucket, method, url string, build func(*resty.Request) *resty.Request) (*resty.Response, error) {
	attempt := 0
	for {
		if err := bucket.Wait(ctx); err != nil {
			return nil, err
		}

		req := build(c.http.R()).SetContext(ctx).SetAuthToken(c.accessToken())
		resp, err := req.Execute(method, url)

		switch {
		case err != nil:
			c.logger.Warn("request failed", "method", method, "url", url, "attempt", attempt, "error", err)

		case resp.StatusCode() == http.StatusUnauthorized:
			c.logger.Warn("access token expired, re-authorizing", "url", url)
			if err := c.reauthorize(ctx); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode() >= 200 && resp.StatusCode() < 300:
			return resp, nil

		case resp.StatusCode() >= 400 && resp.StatusCode() < 500:
			return nil, &BusinessError{Status: resp.StatusCode(), Body: resp.String()}

		default:
			c.logger.Warn("server error, retrying",
				"method", method,
				"url", url,
				"status", resp.StatusCode(),
				"body", resp.String(),
				"attempt", attempt,
			)
		}

		wait := c.retryWait(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// quantize rounds a price to the instrument tick before transmission.
func (c *Client) quantize(p decimal.Decimal) decimal.Decimal {
	return p.Round(c.tickDec)
}

func (c *Client) wirePrice(p decimal.Decimal) json.Number {
	return json.Number(c.quantize(p).StringFixed(c.tickDec))
}

// PlaceLimit places a limit order and inserts it into the live-orders table
// with status New. Returns the freshly minted clientOrderId.
func (c *Client) PlaceLimit(ctx context.Context, side types.Side, price decimal.Decimal, qty int64) (string, error) {
	id := uuid.NewString()
	body := types.PlaceOrderRequest{
		ClientOrderID: id,
		Side:          side.BrokerCode(),
		OrderType:     "2", // limit
		OrderQuantity: qty,
		Ticker:        c.inst.Ticker,
		ClassCode:     c.inst.ClassCode,
		Price:         c.wirePrice(price),
	}

	_, err := c.do(ctx, c.rl.Order, http.MethodPost, c.api.OperationsBaseURL+"/orders", func(r *resty.Request) *resty.Request {
		return r.SetBody(body)
	})
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}

	c.table.Insert(types.Order{
		ClientOrderID: id,
		Instrument:    c.inst,
		Side:          side,
		Price:         c.quantize(price),
		Quantity:      qty,
		Status:        types.StatusNew,
	})
	c.logger.Info("order placed", "id", id, "side", side, "price", c.quantize(price), "qty", qty)
	return id, nil
}

// Cancel cancels an order. The cancel RPC itself carries a fresh
// clientOrderId; on acknowledgement the entry leaves the table, and any late
// execution report for it is ignored.
func (c *Client) Cancel(ctx context.Context, id string) error {
	body := types.CancelOrderRequest{ClientOrderID: uuid.NewString()}

	url := fmt.Sprintf("%s/orders/%s/cancel", c.api.OperationsBaseURL, id)
	_, err := c.do(ctx, c.rl.Order, http.MethodPost, url, func(r *resty.Request) *resty.Request {
		return r.SetBody(body)
	})
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", id, err)
	}

	c.table.Remove(id)
	c.logger.Info("order cancelled", "id", id)
	return nil
}

// Edit replaces an order's price and quantity under a fresh clientOrderId.
// The caller supplies the side so the replacement entry stays correct even
// when an execution report evicted the old entry mid-flight. The broker is
// expected to replace atomically; if it splits the operation, the transient
// duplicate is repaired on the next reconciliation pass.
func (c *Client) Edit(ctx context.Context, id string, side types.Side, price decimal.Decimal, qty int64) (string, error) {
	newID := uuid.NewString()
	body := types.EditOrderRequest{
		ClientOrderID: newID,
		Price:         c.wirePrice(price),
		OrderQuantity: qty,
	}

	url := fmt.Sprintf("%s/orders/%s", c.api.OperationsBaseURL, id)
	_, err := c.do(ctx, c.rl.Order, http.MethodPost, url, func(r *resty.Request) *resty.Request {
		return r.SetBody(body)
	})
	if err != nil {
		return "", fmt.Errorf("edit order %s: %w", id, err)
	}

	c.table.Remove(id)
	c.table.Insert(types.Order{
		ClientOrderID: newID,
		Instrument:    c.inst,
		Side:          side,
		Price:         c.quantize(price),
		Quantity:      qty,
		Status:        types.StatusNew,
	})
	c.logger.Info("order edited", "old_id", id, "new_id", newID, "price", c.quantize(price), "qty", qty)
	return newID, nil
}

// GetOrderStatus fetches the current status of one order.
func (c *Client) GetOrderStatus(ctx context.Context, id string) (types.ExecutionData, error) {
	var out types.OrderStatusResponse

	url := fmt.Sprintf("%s/orders/%s", c.api.OperationsBaseURL, id)
	_, err := c.do(ctx, c.rl.Status, http.MethodGet, url, func(r *resty.Request) *resty.Request {
		return r.SetResult(&out)
	})
	if err != nil {
		return types.ExecutionData{}, fmt.Errorf("get order status %s: %w", id, err)
	}
	return out.Data, nil
}

// ListActiveOrders searches the broker for non-terminal orders in a ±1 day
// window around now. Used once at startup to recover orders placed before a
// restart.
func (c *Client) ListActiveOrders(ctx context.Context) ([]types.SearchOrderItem, error) {
	now := time.Now().UTC()
	body := types.SearchOrdersRequest{
		Ticker:    c.inst.Ticker,
		ClassCode: c.inst.ClassCode,
		From:      now.Add(-24 * time.Hour).Format(time.RFC3339),
		To:        now.Add(24 * time.Hour).Format(time.RFC3339),
		Statuses: []int{
			int(types.StatusNew),
			int(types.StatusPartiallyFilled),
			int(types.StatusReplaced),
			int(types.StatusReplacing),
			int(types.StatusPendingNew),
		},
	}

	var items []types.SearchOrderItem
	_, err := c.do(ctx, c.rl.Status, http.MethodPost, c.api.OperationsBaseURL+"/orders/search", func(r *resty.Request) *resty.Request {
		return r.SetBody(body).SetResult(&items)
	})
	if err != nil {
		return nil, fmt.Errorf("search orders: %w", err)
	}
	return items, nil
}

// PollInventory fetches the portfolio once and publishes an
// InventorySnapshot. The broker may return several rows per ticker
// (accounts are not distinguished); the first occurrence wins.
func (c *Client) PollInventory(ctx context.Context) error {
	var positions []types.PortfolioPosition

	_, err := c.do(ctx, c.rl.Data, http.MethodGet, c.api.PortfolioBaseURL+"/portfolio", func(r *resty.Request) *resty.Request {
		return r.SetResult(&positions)
	})
	if err != nil {
		return fmt.Errorf("poll inventory: %w", err)
	}

	snap := types.InventorySnapshot{
		Positions: make(map[string]int64, len(positions)),
		TakenAt:   time.Now(),
	}
	for _, p := range positions {
		if _, seen := snap.Positions[p.Ticker]; seen {
			continue
		}
		snap.Positions[p.Ticker] = p.Quantity
	}

	c.inventory.Publish(snap)
	c.logger.Debug("inventory refreshed", "tickers", len(snap.Positions), "position", snap.Position(c.inst.Ticker))
	return nil
}

// RunInventoryRefresher polls the portfolio on a timer until ctx is
// cancelled. Poll errors are logged and swallowed; the strategy keeps
// quoting on the last known inventory.
func (c *Client) RunInventoryRefresher(ctx context.Context, period time.Duration) error {
	if err := c.PollInventory(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("initial inventory poll failed", "error", err)
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.PollInventory(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("inventory poll failed", "error", err)
			}
		}
	}
}

// GetCandles fetches historical bars for the configured instrument.
func (c *Client) GetCandles(ctx context.Context, from, to time.Time, timeFrame string) ([]types.Candle, error) {
	var out types.CandlesResponse

	_, err := c.do(ctx, c.rl.Data, http.MethodGet, c.api.MarketDataBaseURL+"/candles-chart", func(r *resty.Request) *resty.Request {
		return r.SetQueryParams(map[string]string{
			"classCode": c.inst.ClassCode,
			"ticker":    c.inst.Ticker,
			"startDate": from.UTC().Format(time.RFC3339),
			"endDate":   to.UTC().Format(time.RFC3339),
			"timeFrame": timeFrame,
		}).SetResult(&out)
	})
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	return out.Bars, nil
}
