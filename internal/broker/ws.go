// ws.go implements the two WebSocket feeds of the broker session.
//
//   - Market-data feed: subscribes to order books (dataType 0) for the
//     configured instrument and publishes full-book snapshots to the book
//     mailbox. An optional second connection mirrors candles (dataType 1)
//     for operator visibility.
//
//   - Executions feed (authenticated): streams execution reports and applies
//     them to the live-orders table. The feed is best-effort; the forced
//     status poll repairs anything it misses.
//
// Every feed auto-reconnects with exponential backoff (1s doubling to 60s
// max) and re-subscribes on reconnection. Malformed or unknown frames are
// logged and dropped without tearing down the connection. A read deadline
// detects silent server failures.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bks-mm/pkg/types"
)

const (
	wsPingInterval     = 50 * time.Second
	wsReadTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 60 * time.Second
)

// wsFeed is one maintained WebSocket connection: dial with a bearer token,
// send the subscribe frame, pump frames into handle until the connection
// drops, reconnect.
type wsFeed struct {
	url       string
	token     func() string
	subscribe func(*websocket.Conn) error // nil when the feed needs no subscribe frame
	handle    func(data []byte)
	logger    *slog.Logger
}

// run maintains the connection until ctx is cancelled.
func (f *wsFeed) run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that held for a while earns a fresh backoff.
		if time.Since(start) > wsMaxReconnectWait {
			backoff = time.Second
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (f *wsFeed) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if f.subscribe != nil {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := f.subscribe(conn); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go pingLoop(pingCtx, conn, f.logger)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.handle(msg)
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// RunOrderBookFeed maintains the order-book subscription and publishes each
// full-book frame as a snapshot. Blocks until ctx is cancelled.
func (c *Client) RunOrderBookFeed(ctx context.Context) error {
	feed := &wsFeed{
		url:       c.api.WSMarketDataURL,
		token:     c.accessToken,
		subscribe: c.subscribeOrderBooks,
		handle:    c.handleMarketMessage,
		logger:    c.logger.With("feed", "order_book"),
	}
	return feed.run(ctx)
}

// RunExecutionsFeed maintains the executions stream and applies reports to
// the live-orders table. Blocks until ctx is cancelled.
func (c *Client) RunExecutionsFeed(ctx context.Context) error {
	feed := &wsFeed{
		url:    c.api.WSExecutionsURL,
		token:  c.accessToken,
		handle: c.handleExecutionMessage,
		logger: c.logger.With("feed", "executions"),
	}
	return feed.run(ctx)
}

// RunCandleFeed mirrors the candle stream into the log. Purely informational.
func (c *Client) RunCandleFeed(ctx context.Context, timeFrame string) error {
	feed := &wsFeed{
		url:   c.api.WSMarketDataURL,
		token: c.accessToken,
		subscribe: func(conn *websocket.Conn) error {
			return conn.WriteJSON(types.WSSubscribeMsg{
				SubscribeType: 0,
				DataType:      1,
				TimeFrame:     timeFrame,
				Instruments:   []types.WSInstrument{{ClassCode: c.inst.ClassCode, Ticker: c.inst.Ticker}},
			})
		},
		handle: c.handleCandleMessage,
		logger: c.logger.With("feed", "candles"),
	}
	return feed.run(ctx)
}

func (c *Client) subscribeOrderBooks(conn *websocket.Conn) error {
	return conn.WriteJSON(types.WSSubscribeMsg{
		SubscribeType: 0,
		DataType:      0,
		Depth:         c.depth,
		Instruments:   []types.WSInstrument{{ClassCode: c.inst.ClassCode, Ticker: c.inst.Ticker}},
	})
}

// handleMarketMessage routes one market-data frame by responseType.
func (c *Client) handleMarketMessage(data []byte) {
	var envelope struct {
		ResponseType string `json:"responseType"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Warn("dropping malformed market frame", "error", err)
		return
	}

	switch envelope.ResponseType {
	case types.WSOrderBookSuccess:
		c.logger.Info("order book subscription confirmed")

	case types.WSOrderBook:
		var msg types.WSOrderBookMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed book frame", "error", err)
			return
		}
		if msg.Ticker != "" && msg.Ticker != c.inst.Ticker {
			return
		}
		c.books.Publish(types.OrderBookSnapshot{
			Ticker:     c.inst.Ticker,
			Bids:       msg.Bids,
			Asks:       msg.Asks,
			Depth:      c.depth,
			ReceivedAt: time.Now(),
		})

	default:
		c.logger.Debug("ignoring market frame", "response_type", envelope.ResponseType)
	}
}

// handleExecutionMessage applies one execution report to the table. Reports
// for unknown ids (already evicted or foreign) are ignored.
func (c *Client) handleExecutionMessage(data []byte) {
	var report types.WSExecutionReport
	if err := json.Unmarshal(data, &report); err != nil {
		c.logger.Warn("dropping malformed execution report", "error", err)
		return
	}
	if report.ClientOrderID == "" {
		c.logger.Debug("ignoring execution frame without clientOrderId")
		return
	}

	if o, ok := c.table.ApplyExecution(report.ClientOrderID, report.Data.OrderStatus, report.Data.RemainedQuantity); ok {
		c.logger.Info("execution report applied",
			"id", report.ClientOrderID,
			"status", o.Status,
			"remained", report.Data.RemainedQuantity,
		)
	}
}

// handleCandleMessage logs candle frames.
func (c *Client) handleCandleMessage(data []byte) {
	var envelope struct {
		ResponseType string `json:"responseType"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Warn("dropping malformed candle frame", "error", err)
		return
	}

	switch envelope.ResponseType {
	case types.WSCandleStickSuccess:
		c.logger.Info("candle subscription confirmed")

	case types.WSCandleStick:
		var msg types.WSCandleMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed candle frame", "error", err)
			return
		}
		c.logger.Info("candle",
			"ticker", msg.Ticker,
			"time", msg.DateTime,
			"open", msg.Open,
			"high", msg.High,
			"low", msg.Low,
			"close", msg.Close,
			"volume", msg.Volume,
		)

	default:
		c.logger.Debug("ignoring candle frame", "response_type", envelope.ResponseType)
	}
}
