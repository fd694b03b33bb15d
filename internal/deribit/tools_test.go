package deribit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/deribit-mcp/internal/config"
)

func newTestService(t *testing.T, cfg config.Config, respond func(req rpcRequest) (interface{}, map[string]interface{})) *Service {
	t.Helper()
	client, _ := newStubExchange(t, respond)
	client.cfg = cfg
	return NewService(cfg, client, testLogger())
}

func privateConfig() config.Config {
	return config.Config{
		Environment:   "test",
		ClientID:      "cid",
		ClientSecret:  "secret",
		HTTPTimeout:   5 * time.Second,
		MaxRPS:        100,
		CacheTTLFast:  time.Minute,
		CacheTTLSlow:  time.Hour,
		DryRun:        true,
		EnablePrivate: true,
	}
}

func TestCatalogPublicOnly(t *testing.T) {
	cfg := privateConfig()
	cfg.EnablePrivate = false
	svc := newTestService(t, cfg, nil)

	tools := svc.Tools()
	assert.Len(t, tools, 8)
	for _, tool := range tools {
		assert.NotEmpty(t, tool.Name)
		assert.NotEmpty(t, tool.Description)
		assert.Equal(t, "object", tool.InputSchema["type"])
	}
}

func TestCatalogWithPrivateTools(t *testing.T) {
	svc := newTestService(t, privateConfig(), nil)

	tools := svc.Tools()
	assert.Len(t, tools, 13)

	names := make(map[string]bool, len(tools))
	for _, tool := range tools {
		names[tool.Name] = true
	}
	assert.True(t, names["place_order"])
	assert.True(t, names["account_summary"])
	assert.True(t, names["deribit_ticker"])
}

func TestInvokeUnknownTool(t *testing.T) {
	svc := newTestService(t, privateConfig(), nil)

	_, err := svc.Invoke(context.Background(), "no_such_tool", nil)
	assert.ErrorContains(t, err, "unknown tool")
}

func TestTickerTool(t *testing.T) {
	svc := newTestService(t, privateConfig(), func(req rpcRequest) (interface{}, map[string]interface{}) {
		require.Equal(t, "public/ticker", req.Method)
		require.Equal(t, "BTC-PERPETUAL", req.Params["instrument_name"])
		return map[string]interface{}{
			"best_bid_price":  100100.5,
			"best_ask_price":  100101.5,
			"mark_price":      100101.0,
			"index_price":     100099.0,
			"current_funding": 0.0001,
			"funding_8h":      1700000000000,
			"stats":           map[string]interface{}{"volume": 1234.5},
		}, nil
	})

	result, err := svc.Invoke(context.Background(), "deribit_ticker",
		json.RawMessage(`{"instrument_name":"BTC-PERPETUAL"}`))
	require.NoError(t, err)

	ticker := result.(tickerResponse)
	require.NotNil(t, ticker.Mid)
	assert.Equal(t, 100101.0, *ticker.Mid)
	require.NotNil(t, ticker.Funding, "perpetuals carry funding data")
	assert.Equal(t, 0.0001, *ticker.Funding)
	assert.Nil(t, ticker.Greeks)
}

func TestOrderbookSummaryTool(t *testing.T) {
	svc := newTestService(t, privateConfig(), func(req rpcRequest) (interface{}, map[string]interface{}) {
		require.Equal(t, "public/get_order_book", req.Method)
		return map[string]interface{}{
			"best_bid_price": 99.0,
			"best_ask_price": 101.0,
			"bids":           [][]float64{{99, 75}, {98, 10}},
			"asks":           [][]float64{{101, 25}},
		}, nil
	})

	result, err := svc.Invoke(context.Background(), "deribit_orderbook_summary",
		json.RawMessage(`{"instrument_name":"BTC-PERPETUAL"}`))
	require.NoError(t, err)

	book := result.(orderbookResponse)
	assert.Equal(t, 85.0, book.BidDepth)
	assert.Equal(t, 25.0, book.AskDepth)
	require.NotNil(t, book.SpreadBps)
	assert.InDelta(t, 200, *book.SpreadBps, 0.01)
	require.NotNil(t, book.Imbalance)
	assert.InDelta(t, 0.5455, *book.Imbalance, 1e-9)
	assert.Len(t, book.Bids, 2)
}

func TestInstrumentsValidation(t *testing.T) {
	svc := newTestService(t, privateConfig(), nil)

	_, err := svc.Invoke(context.Background(), "deribit_instruments",
		json.RawMessage(`{"currency":"DOGE"}`))
	assert.ErrorContains(t, err, "BTC or ETH")
}

func TestPlaceOrderDryRun(t *testing.T) {
	svc := newTestService(t, privateConfig(), func(rpcRequest) (interface{}, map[string]interface{}) {
		t.Fatal("dry-run order must not reach the exchange")
		return nil, nil
	})

	result, err := svc.Invoke(context.Background(), "place_order",
		json.RawMessage(`{"instrument":"BTC-PERPETUAL","side":"buy","amount":10,"type":"limit","price":100000}`))
	require.NoError(t, err)

	order := result.(placeOrderResponse)
	assert.True(t, order.DryRun)
	assert.Equal(t, "simulated", order.Status)
	assert.Nil(t, order.OrderID)
	require.NotNil(t, order.WouldSend)
	assert.Equal(t, "private/buy", order.WouldSend["method"])
	assert.Contains(t, order.Notes, "DRY_RUN_MODE")
}

func TestCancelOrderDryRun(t *testing.T) {
	svc := newTestService(t, privateConfig(), nil)

	result, err := svc.Invoke(context.Background(), "cancel_order",
		json.RawMessage(`{"order_id":"ord-1"}`))
	require.NoError(t, err)

	cancel := result.(cancelOrderResponse)
	assert.True(t, cancel.DryRun)
	assert.Equal(t, "ord-1", cancel.WouldCancel)
}

func TestPrivateToolsDisabled(t *testing.T) {
	cfg := privateConfig()
	cfg.EnablePrivate = false
	svc := newTestService(t, cfg, nil)

	_, err := svc.Invoke(context.Background(), "positions",
		json.RawMessage(`{"currency":"BTC"}`))
	assert.ErrorContains(t, err, "private API disabled")
}

func TestPlaceOrderValidation(t *testing.T) {
	svc := newTestService(t, privateConfig(), nil)

	_, err := svc.Invoke(context.Background(), "place_order",
		json.RawMessage(`{"instrument":"BTC-PERPETUAL","side":"hold","amount":10}`))
	assert.ErrorContains(t, err, "side must be buy or sell")

	_, err = svc.Invoke(context.Background(), "place_order",
		json.RawMessage(`{"side":"buy","amount":10}`))
	assert.ErrorContains(t, err, "instrument")
}

func TestStatusTool(t *testing.T) {
	svc := newTestService(t, privateConfig(), func(req rpcRequest) (interface{}, map[string]interface{}) {
		switch req.Method {
		case "public/get_time":
			return int64(1700000000000), nil
		case "public/status":
			return map[string]interface{}{"locked": false}, nil
		default:
			t.Fatalf("unexpected method %s", req.Method)
			return nil, nil
		}
	})

	result, err := svc.Invoke(context.Background(), "deribit_status", nil)
	require.NoError(t, err)

	status := result.(statusResponse)
	assert.True(t, status.APIOk)
	assert.EqualValues(t, 1700000000000, status.ServerTimeMs)
	assert.Equal(t, "test", status.Env)
}

func TestNearestExpiries(t *testing.T) {
	now := int64(1700000000000)
	day := int64(24 * 60 * 60 * 1000)
	instruments := []rawInstrument{
		{InstrumentName: "past", ExpirationTimestamp: now - day},
		{InstrumentName: "d7-a", ExpirationTimestamp: now + 7*day},
		{InstrumentName: "d7-b", ExpirationTimestamp: now + 7*day},
		{InstrumentName: "d14", ExpirationTimestamp: now + 14*day},
		{InstrumentName: "d30", ExpirationTimestamp: now + 30*day},
		{InstrumentName: "d60", ExpirationTimestamp: now + 60*day},
	}

	kept := nearestExpiries(instruments, now, 3)
	require.Len(t, kept, 4)
	names := make([]string, len(kept))
	for i, inst := range kept {
		names[i] = inst.InstrumentName
	}
	assert.ElementsMatch(t, []string{"d7-a", "d7-b", "d14", "d30"}, names)
}

func TestOptionNameFormat(t *testing.T) {
	// 2024-06-28 08:00 UTC.
	ts := time.Date(2024, 6, 28, 8, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, "BTC-28JUN24-70000-C", optionName("BTC", ts, 70000, "C"))
}
