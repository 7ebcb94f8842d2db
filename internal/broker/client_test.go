package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bks-mm/internal/bus"
	"bks-mm/internal/config"
	"bks-mm/internal/orders"
	"bks-mm/pkg/types"
)

type testSession struct {
	client    *Client
	table     *orders.Table
	inventory *bus.Latest[types.InventorySnapshot]
	authCalls *int
}

// newTestSession wires a Client against an httptest API server and a stub
// token endpoint, with instant retry backoff.
func newTestSession(t *testing.T, apiHandler http.HandlerFunc) *testSession {
	t.Helper()

	authCalls := 0
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCalls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "jwt-test"})
	}))
	t.Cleanup(authSrv.Close)

	apiSrv := httptest.NewServer(apiHandler)
	t.Cleanup(apiSrv.Close)

	cfg := &config.Config{
		API: config.APIConfig{
			OperationsBaseURL: apiSrv.URL,
			PortfolioBaseURL:  apiSrv.URL,
			MarketDataBaseURL: apiSrv.URL,
		},
		Instrument: config.InstrumentConfig{
			Ticker:       "SBER",
			ClassCode:    "TQBR",
			Depth:        20,
			TickDecimals: 2,
		},
	}

	auth := NewAuthenticator(authSrv.URL, "trade-api-write", "secret", testLogger())
	auth.backoff = nil

	table := orders.NewTable(nil)
	books := bus.NewLatest[types.OrderBookSnapshot]()
	inventory := bus.NewLatest[types.InventorySnapshot]()

	c := NewClient(cfg, auth, table, books, inventory, testLogger())
	c.retryWait = func(int) time.Duration { return time.Millisecond }

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start client: %v", err)
	}

	return &testSession{client: c, table: table, inventory: inventory, authCalls: &authCalls}
}

func TestPlaceLimitWireFormat(t *testing.T) {
	t.Parallel()

	var got map[string]any
	s := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	})

	id, err := s.client.PlaceLimit(context.Background(), types.Bid, decimal.RequireFromString("100.005"), 2)
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("clientOrderId %q is not a UUID", id)
	}
	if got["clientOrderId"] != id {
		t.Errorf("wire clientOrderId = %v, want %s", got["clientOrderId"], id)
	}
	if got["side"] != "1" || got["orderType"] != "2" {
		t.Errorf("side/orderType = %v/%v, want 1/2", got["side"], got["orderType"])
	}
	if got["ticker"] != "SBER" || got["classCode"] != "TQBR" {
		t.Errorf("instrument = %v/%v", got["ticker"], got["classCode"])
	}
	// Price quantized to the tick and sent as a JSON number.
	if got["price"] != 100.01 {
		t.Errorf("price = %v (%T), want unquoted 100.01", got["price"], got["price"])
	}

	o, ok := s.table.Get(id)
	if !ok {
		t.Fatal("placed order missing from table")
	}
	if o.Status != types.StatusNew || o.Quantity != 2 {
		t.Errorf("table entry = %v/%d, want New/2", o.Status, o.Quantity)
	}
}

func TestEveryRPCMintsFreshID(t *testing.T) {
	t.Parallel()

	var ids []string
	s := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if id, ok := body["clientOrderId"].(string); ok {
			ids = append(ids, id)
		}
		w.WriteHeader(http.StatusOK)
	})

	ctx := context.Background()
	placed, err := s.client.PlaceLimit(ctx, types.Bid, decimal.RequireFromString("100.00"), 1)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	edited, err := s.client.Edit(ctx, placed, types.Bid, decimal.RequireFromString("100.20"), 1)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := s.client.Cancel(ctx, edited); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if len(ids) != 3 {
		t.Fatalf("captured %d ids, want 3", len(ids))
	}
	seen := make(map[string]bool)
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			t.Errorf("id %q is not a UUID", id)
		}
		if seen[id] {
			t.Errorf("id %q reused across RPCs", id)
		}
		seen[id] = true
	}
}

func TestEditSwapsTableEntry(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ctx := context.Background()
	oldID, _ := s.client.PlaceLimit(ctx, types.Ask, decimal.RequireFromString("100.50"), 1)
	newID, err := s.client.Edit(ctx, oldID, types.Ask, decimal.RequireFromString("100.70"), 2)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}

	if _, ok := s.table.Get(oldID); ok {
		t.Error("old entry still in table after edit")
	}
	o, ok := s.table.Get(newID)
	if !ok {
		t.Fatal("replacement entry missing")
	}
	if o.Side != types.Ask || !o.Price.Equal(decimal.RequireFromString("100.70")) || o.Quantity != 2 {
		t.Errorf("replacement = %+v, want ask 100.70 x2", o)
	}
}

func TestEditKeepsSideWhenEntryEvictedMidFlight(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ctx := context.Background()
	oldID, _ := s.client.PlaceLimit(ctx, types.Ask, decimal.RequireFromString("100.50"), 1)

	// A terminal execution report lands between the reconciliation decision
	// and the edit acknowledgement, evicting the old entry.
	s.table.ApplyExecution(oldID, int(types.StatusCancelled), 0)

	newID, err := s.client.Edit(ctx, oldID, types.Ask, decimal.RequireFromString("100.70"), 1)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}

	o, ok := s.table.Get(newID)
	if !ok {
		t.Fatal("replacement entry missing")
	}
	if o.Side != types.Ask {
		t.Errorf("replacement side = %v, want ask", o.Side)
	}
}

func TestBusinessErrorNoRetry(t *testing.T) {
	t.Parallel()

	var calls int
	s := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"price out of band"}`))
	})

	_, err := s.client.PlaceLimit(context.Background(), types.Bid, decimal.RequireFromString("1.00"), 1)
	if err == nil {
		t.Fatal("expected a rejection")
	}
	var bizErr *BusinessError
	if !errors.As(err, &bizErr) {
		t.Fatalf("err = %v, want BusinessError", err)
	}
	if bizErr.Status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", bizErr.Status)
	}
	if calls != 1 {
		t.Errorf("server hit %d times, want 1 (no retry on 4xx)", calls)
	}
	if s.table.Len() != 0 {
		t.Error("rejected order landed in table")
	}
}

func TestReauthorizeOn401(t *testing.T) {
	t.Parallel()

	var calls int
	s := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if _, err := s.client.PlaceLimit(context.Background(), types.Bid, decimal.RequireFromString("100.00"), 1); err != nil {
		t.Fatalf("place: %v", err)
	}
	if calls != 2 {
		t.Errorf("server hit %d times, want 2", calls)
	}
	// Start plus the 401-triggered refresh.
	if *s.authCalls != 2 {
		t.Errorf("token endpoint hit %d times, want 2", *s.authCalls)
	}
}

func TestServerErrorsRetryUntilSuccess(t *testing.T) {
	t.Parallel()

	var calls int
	s := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.OrderStatusResponse{
			Data: types.ExecutionData{OrderStatus: int(types.StatusNew), RemainedQuantity: 1},
		})
	})

	data, err := s.client.GetOrderStatus(context.Background(), "some-id")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if calls != 3 {
		t.Errorf("server hit %d times, want 3", calls)
	}
	if data.OrderStatus != int(types.StatusNew) {
		t.Errorf("status = %d, want New", data.OrderStatus)
	}
}

func TestCancelRemovesFromTable(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ctx := context.Background()
	id, _ := s.client.PlaceLimit(ctx, types.Bid, decimal.RequireFromString("100.00"), 1)
	if err := s.client.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := s.table.Get(id); ok {
		t.Error("cancelled order still in table")
	}
}

func TestGetCandles(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/candles-chart" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("ticker") != "SBER" || q.Get("classCode") != "TQBR" || q.Get("timeFrame") != "M1" {
			t.Errorf("query = %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"bars": []map[string]any{
				{"dateTime": "2026-08-24T10:00:00Z", "open": "100.1", "high": "100.6", "low": "100.0", "close": "100.5", "volume": 120},
			},
		})
	})

	to := time.Now()
	bars, err := s.client.GetCandles(context.Background(), to.Add(-time.Hour), to, "M1")
	if err != nil {
		t.Fatalf("get candles: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if bars[0].Volume != 120 || bars[0].Close.String() != "100.5" {
		t.Errorf("bar = %+v", bars[0])
	}
}

func TestPollInventoryFirstRowWins(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/portfolio" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]types.PortfolioPosition{
			{Ticker: "SBER", Quantity: 7},
			{Ticker: "SBER", Quantity: 3},
			{Ticker: "GAZP", Quantity: -2},
		})
	})

	if err := s.client.PollInventory(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	select {
	case snap := <-s.inventory.Updates():
		if got := snap.Position("SBER"); got != 7 {
			t.Errorf("SBER position = %d, want first row 7", got)
		}
		if got := snap.Position("GAZP"); got != -2 {
			t.Errorf("GAZP position = %d, want -2", got)
		}
		if got := snap.Position("LKOH"); got != 0 {
			t.Errorf("missing ticker position = %d, want 0", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no inventory snapshot published")
	}
}
