// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: instruments, orders,
// order statuses, book and inventory snapshots, and the wire payloads of the
// BKS trade API. It has no dependencies on internal packages, so it can be
// imported by any layer. Broker-side string codes (sides "0"/"1", statuses
// 0..10) are mapped to named values here so the rest of the engine never sees
// a raw code.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a quote or order.
type Side string

const (
	Bid Side = "bid" // resting buy
	Ask Side = "ask" // resting sell
)

// BrokerCode returns the wire representation of the side.
// The BKS API uses "1" for buy and "0" for sell.
func (s Side) BrokerCode() string {
	if s == Bid {
		return "1"
	}
	return "0"
}

// SideFromBrokerCode maps a wire side code back to a Side.
func SideFromBrokerCode(code string) (Side, error) {
	switch code {
	case "1":
		return Bid, nil
	case "0":
		return Ask, nil
	default:
		return "", fmt.Errorf("unknown side code %q", code)
	}
}

// OrderStatus is the lifecycle state of an order, mirroring the broker's
// numeric status codes:
//
//	0  New
//	1  PartiallyFilled
//	2  Filled
//	4  Cancelled
//	5  Replaced
//	6  Cancelling
//	8  Rejected
//	9  Replacing
//	10 PendingNew
type OrderStatus int

const (
	StatusNew             OrderStatus = 0
	StatusPartiallyFilled OrderStatus = 1
	StatusFilled          OrderStatus = 2
	StatusCancelled       OrderStatus = 4
	StatusReplaced        OrderStatus = 5
	StatusCancelling      OrderStatus = 6
	StatusRejected        OrderStatus = 8
	StatusReplacing       OrderStatus = 9
	StatusPendingNew      OrderStatus = 10
)

// StatusFromCode maps a broker status code to an OrderStatus.
// The second return is false for codes the broker has never documented.
func StatusFromCode(code int) (OrderStatus, bool) {
	switch OrderStatus(code) {
	case StatusNew, StatusPartiallyFilled, StatusFilled, StatusCancelled,
		StatusReplaced, StatusCancelling, StatusRejected, StatusReplacing,
		StatusPendingNew:
		return OrderStatus(code), true
	default:
		return 0, false
	}
}

// Terminal reports whether the status evicts the order from the live table.
// Cancelling (6) counts as terminal for eviction: once the broker confirms
// a cancel is in flight the order no longer participates in reconciliation.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusCancelling, StatusRejected:
		return true
	default:
		return false
	}
}

func (s OrderStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusReplaced:
		return "replaced"
	case StatusCancelling:
		return "cancelling"
	case StatusRejected:
		return "rejected"
	case StatusReplacing:
		return "replacing"
	case StatusPendingNew:
		return "pending_new"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Instrument identifies a tradable instrument on the broker.
// Immutable for the life of a strategy instance.
type Instrument struct {
	Ticker    string `json:"ticker"`
	ClassCode string `json:"classCode"`
}

// Order is one outstanding (or just-evicted) order as tracked locally.
// Created on a successful place RPC, mutated by execution reports and by
// edit/cancel acknowledgements, destroyed when the status turns terminal.
type Order struct {
	ClientOrderID string          `json:"clientOrderId"`
	Instrument    Instrument      `json:"instrument"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int64           `json:"quantity"`
	Status        OrderStatus     `json:"status"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Quote is one side of a target: a price and a positive quantity.
type Quote struct {
	Price    decimal.Decimal
	Quantity int64
}

// TargetQuote is the pair of quotes the strategy wants resting.
// A nil Bid or Ask means that side should be pulled. Pure value,
// regenerated on every strategy tick.
type TargetQuote struct {
	Instrument  Instrument
	Bid         *Quote
	Ask         *Quote
	GeneratedAt time.Time
}

// PriceLevel is a single level of the order book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// OrderBookSnapshot is a full-replacement view of the book for one ticker.
// Bids are ordered descending by price, asks ascending. There are no
// incremental diffs: each snapshot supersedes the previous one entirely.
type OrderBookSnapshot struct {
	Ticker     string       `json:"ticker"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Depth      int          `json:"depth"`
	ReceivedAt time.Time    `json:"-"`
}

// InventorySnapshot maps ticker to signed position. Full-replacement
// semantics; a ticker absent from the map holds a zero position.
type InventorySnapshot struct {
	Positions map[string]int64
	TakenAt   time.Time
}

// Position returns the signed position for a ticker (zero if absent).
func (s InventorySnapshot) Position(ticker string) int64 {
	return s.Positions[ticker]
}

// PriceKey returns the canonical map key for a price level, used when
// matching own resting volume against book levels. decimal.String trims
// trailing zeros, so "100.50" and "100.5" collapse to the same key.
func PriceKey(p decimal.Decimal) string {
	return p.String()
}

// WSInstrument is the instrument element of a subscribe frame.
type WSInstrument struct {
	ClassCode string `json:"classCode"`
	Ticker    string `json:"ticker"`
}

// WSSubscribeMsg is the subscribe frame for the market-data WebSocket.
// DataType 0 requests order books, 1 requests candles (TimeFrame required).
type WSSubscribeMsg struct {
	SubscribeType int            `json:"subscribeType"`
	DataType      int            `json:"dataType"`
	Depth         int            `json:"depth,omitempty"`
	TimeFrame     string         `json:"timeFrame,omitempty"`
	Instruments   []WSInstrument `json:"instruments"`
}

// Market-data WS responseType variants. Unknown variants are logged and
// dropped by the feed dispatcher.
const (
	WSOrderBookSuccess   = "OrderBookSuccess"
	WSOrderBook          = "OrderBook"
	WSCandleStickSuccess = "CandleStickSuccess"
	WSCandleStick        = "CandleStick"
)

// WSOrderBookMsg is a full book frame from the market-data WS.
type WSOrderBookMsg struct {
	ResponseType string       `json:"responseType"`
	Ticker       string       `json:"ticker"`
	ClassCode    string       `json:"classCode"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// WSCandleMsg is a candle frame from the market-data WS (dataType 1).
type WSCandleMsg struct {
	ResponseType string          `json:"responseType"`
	Ticker       string          `json:"ticker"`
	DateTime     string          `json:"dateTime"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       int64           `json:"volume"`
}

// WSExecutionReport is one message from the executions WebSocket.
type WSExecutionReport struct {
	ClientOrderID string        `json:"clientOrderId"`
	Data          ExecutionData `json:"data"`
}

// ExecutionData is the payload shared by execution reports and the
// GET /orders/{id} response.
type ExecutionData struct {
	OrderStatus      int   `json:"orderStatus"`
	RemainedQuantity int64 `json:"remainedQuantity"`
}

// PlaceOrderRequest is the POST /orders body.
// Side and OrderType are broker string codes; OrderType "2" is limit.
// Price is sent as a raw JSON number carrying the quantized scale.
type PlaceOrderRequest struct {
	ClientOrderID string      `json:"clientOrderId"`
	Side          string      `json:"side"`
	OrderType     string      `json:"orderType"`
	OrderQuantity int64       `json:"orderQuantity"`
	Ticker        string      `json:"ticker"`
	ClassCode     string      `json:"classCode"`
	Price         json.Number `json:"price,omitempty"`
}

// CancelOrderRequest is the POST /orders/{id}/cancel body. The broker
// requires a fresh clientOrderId for the cancel itself.
type CancelOrderRequest struct {
	ClientOrderID string `json:"clientOrderId"`
}

// EditOrderRequest is the POST /orders/{id} body for an in-place replace.
type EditOrderRequest struct {
	ClientOrderID string      `json:"clientOrderId"`
	Price         json.Number `json:"price"`
	OrderQuantity int64       `json:"orderQuantity"`
}

// OrderStatusResponse is the GET /orders/{id} response envelope.
type OrderStatusResponse struct {
	Data ExecutionData `json:"data"`
}

// SearchOrdersRequest is the POST /orders/search body used at startup to
// recover orders placed before a restart.
type SearchOrdersRequest struct {
	Ticker    string `json:"ticker,omitempty"`
	ClassCode string `json:"classCode,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Statuses  []int  `json:"statuses,omitempty"`
}

// SearchOrderItem is one row of the POST /orders/search response.
type SearchOrderItem struct {
	ClientOrderID string          `json:"clientOrderId"`
	Ticker        string          `json:"ticker"`
	ClassCode     string          `json:"classCode"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	OrderQuantity int64           `json:"orderQuantity"`
	OrderStatus   int             `json:"orderStatus"`
}

// PortfolioPosition is one row of the GET /portfolio response.
type PortfolioPosition struct {
	Ticker   string `json:"ticker"`
	Quantity int64  `json:"quantity"`
}

// Candle is one bar of the GET /candles-chart response.
type Candle struct {
	DateTime string          `json:"dateTime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   int64           `json:"volume"`
}

// CandlesResponse is the GET /candles-chart envelope.
type CandlesResponse struct {
	Bars []Candle `json:"bars"`
}
