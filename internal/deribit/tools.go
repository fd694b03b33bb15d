package deribit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/openquant/deribit-mcp/internal/config"
	"github.com/openquant/deribit-mcp/pkg/mcp"
)

// Service exposes the Deribit tool catalog and executes tool calls. It
// implements the protocol layer's ToolInvoker.
type Service struct {
	cfg    config.Config
	client *Client
	logger *slog.Logger
	now    func() time.Time
}

var _ mcp.ToolInvoker = (*Service)(nil)

// NewService creates the tool backend.
func NewService(cfg config.Config, client *Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, client: client, logger: logger, now: time.Now}
}

func currencySchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "string",
		"enum": []string{"BTC", "ETH"},
	}
}

// Tools returns the tool catalog. Private tools appear only when the
// deployment enables the private API.
func (s *Service) Tools() []mcp.Tool {
	tools := []mcp.Tool{
		{
			Name:        "deribit_status",
			Description: "Check Deribit API connectivity, environment, and server time",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "deribit_instruments",
			Description: "List tradable instruments for a currency (compact, max 50, nearest expiries first for options)",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"currency": currencySchema(),
					"kind": map[string]interface{}{
						"type":    "string",
						"enum":    []string{"option", "future"},
						"default": "option",
					},
					"expired": map[string]interface{}{"type": "boolean", "default": false},
				},
				"required": []string{"currency"},
			},
		},
		{
			Name:        "deribit_ticker",
			Description: "Compact ticker snapshot for an instrument: bid/ask/mark, IV, greeks, funding for perpetuals",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"instrument_name": map[string]interface{}{
						"type":        "string",
						"description": "Full instrument name, e.g. BTC-PERPETUAL or BTC-28JUN24-70000-C",
					},
				},
				"required": []string{"instrument_name"},
			},
		},
		{
			Name:        "deribit_orderbook_summary",
			Description: "Order book summary with top 5 levels, depth totals, spread, and imbalance",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"instrument_name": map[string]interface{}{"type": "string"},
					"depth": map[string]interface{}{
						"type":    "integer",
						"default": 20,
						"maximum": 20,
					},
				},
				"required": []string{"instrument_name"},
			},
		},
		{
			Name:        "dvol_snapshot",
			Description: "DVOL (Deribit 30-day implied volatility index) snapshot with 24h change",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"currency": currencySchema(),
				},
				"required": []string{"currency"},
			},
		},
		{
			Name:        "options_surface_snapshot",
			Description: "Volatility surface snapshot: ATM IV, 25d risk reversal and butterfly per tenor",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"currency": currencySchema(),
					"tenor_days": map[string]interface{}{
						"type":    "array",
						"items":   map[string]interface{}{"type": "integer"},
						"default": []int{7, 14, 30, 60},
					},
				},
				"required": []string{"currency"},
			},
		},
		{
			Name:        "expected_move_iv",
			Description: "Expected 1-sigma price move over a horizon from DVOL or ATM IV",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"currency": currencySchema(),
					"horizon_minutes": map[string]interface{}{
						"type":    "integer",
						"default": 60,
					},
					"method": map[string]interface{}{
						"type":    "string",
						"enum":    []string{"dvol", "atm_iv"},
						"default": "dvol",
					},
				},
				"required": []string{"currency"},
			},
		},
		{
			Name:        "funding_snapshot",
			Description: "Perpetual funding rate with annualized rate and recent history",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"currency": currencySchema(),
				},
				"required": []string{"currency"},
			},
		},
	}

	if s.cfg.EnablePrivate {
		tools = append(tools, s.privateTools()...)
	}
	return tools
}

func (s *Service) privateTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "account_summary",
			Description: "Account equity, available funds, and margin (requires credentials)",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"currency": currencySchema(),
				},
				"required": []string{"currency"},
			},
		},
		{
			Name:        "positions",
			Description: "Open positions for a currency (compact, max 20)",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"currency": currencySchema(),
					"kind": map[string]interface{}{
						"type":    "string",
						"enum":    []string{"future", "option"},
						"default": "future",
					},
				},
				"required": []string{"currency"},
			},
		},
		{
			Name:        "open_orders",
			Description: "Open orders by currency or instrument (compact, max 20)",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"currency":        currencySchema(),
					"instrument_name": map[string]interface{}{"type": "string"},
				},
			},
		},
		{
			Name:        "place_order",
			Description: "Place an order. Runs in dry-run mode unless DERIBIT_DRY_RUN=false",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"instrument": map[string]interface{}{"type": "string"},
					"side": map[string]interface{}{
						"type": "string",
						"enum": []string{"buy", "sell"},
					},
					"amount": map[string]interface{}{"type": "number"},
					"type": map[string]interface{}{
						"type":    "string",
						"enum":    []string{"limit", "market"},
						"default": "limit",
					},
					"price":       map[string]interface{}{"type": "number"},
					"post_only":   map[string]interface{}{"type": "boolean"},
					"reduce_only": map[string]interface{}{"type": "boolean"},
				},
				"required": []string{"instrument", "side", "amount"},
			},
		},
		{
			Name:        "cancel_order",
			Description: "Cancel an order by id. Respects dry-run mode",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"order_id": map[string]interface{}{"type": "string"},
				},
				"required": []string{"order_id"},
			},
		},
	}
}

// Invoke executes a tool by name. API failures are returned as errors;
// the protocol layer converts them to in-band erroring content.
func (s *Service) Invoke(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	switch name {
	case "deribit_status":
		return s.status(ctx)
	case "deribit_instruments":
		return s.instruments(ctx, args)
	case "deribit_ticker":
		return s.ticker(ctx, args)
	case "deribit_orderbook_summary":
		return s.orderbookSummary(ctx, args)
	case "dvol_snapshot":
		return s.dvolSnapshot(ctx, args)
	case "options_surface_snapshot":
		return s.surfaceSnapshot(ctx, args)
	case "expected_move_iv":
		return s.expectedMove(ctx, args)
	case "funding_snapshot":
		return s.fundingSnapshot(ctx, args)
	case "account_summary":
		return s.accountSummary(ctx, args)
	case "positions":
		return s.positions(ctx, args)
	case "open_orders":
		return s.openOrders(ctx, args)
	case "place_order":
		return s.placeOrder(ctx, args)
	case "cancel_order":
		return s.cancelOrder(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// Compact response shapes. Field names stay terse so tool output remains
// within a small context budget.

type statusResponse struct {
	Env          string   `json:"env"`
	APIOk        bool     `json:"api_ok"`
	ServerTimeMs int64    `json:"server_time_ms"`
	Notes        []string `json:"notes"`
}

func (s *Service) status(ctx context.Context) (interface{}, error) {
	resp := statusResponse{Env: s.cfg.Environment, Notes: []string{}}

	result, err := s.client.Public(ctx, "get_time", nil)
	if err != nil {
		resp.Notes = append(resp.Notes, errNote(err))
		return resp, nil
	}
	_ = json.Unmarshal(result, &resp.ServerTimeMs)
	resp.APIOk = true

	if statusRaw, err := s.client.Public(ctx, "status", nil); err == nil {
		var platform struct {
			Locked bool `json:"locked"`
		}
		if json.Unmarshal(statusRaw, &platform) == nil && platform.Locked {
			resp.Notes = append(resp.Notes, "platform_locked")
		}
	}

	if stats := s.client.CacheStats(); stats.TotalEntries > 0 {
		resp.Notes = append(resp.Notes, fmt.Sprintf("cache_entries:%d", stats.TotalEntries))
	}
	return resp, nil
}

type rawInstrument struct {
	InstrumentName      string  `json:"instrument_name"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"`
	Strike              float64 `json:"strike"`
	OptionType          string  `json:"option_type"`
	TickSize            float64 `json:"tick_size"`
	ContractSize        float64 `json:"contract_size"`
}

type instrumentCompact struct {
	Name   string   `json:"name"`
	ExpTs  int64    `json:"exp_ts"`
	Strike *float64 `json:"strike,omitempty"`
	Type   string   `json:"type,omitempty"`
	Tick   float64  `json:"tick"`
	Size   float64  `json:"size"`
}

type instrumentsResponse struct {
	Count       int                 `json:"count"`
	Instruments []instrumentCompact `json:"instruments"`
	Notes       []string            `json:"notes"`
}

func (s *Service) instruments(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		Currency string `json:"currency"`
		Kind     string `json:"kind"`
		Expired  bool   `json:"expired"`
	}
	if err := unmarshalArgs(args, &params); err != nil {
		return nil, err
	}
	if err := validateCurrency(params.Currency); err != nil {
		return nil, err
	}
	if params.Kind == "" {
		params.Kind = "option"
	}

	result, err := s.client.Public(ctx, "get_instruments", map[string]interface{}{
		"currency": params.Currency,
		"kind":     params.Kind,
		"expired":  params.Expired,
	})
	if err != nil {
		return nil, err
	}

	var raw []rawInstrument
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("unexpected instruments payload: %w", err)
	}

	resp := instrumentsResponse{Count: len(raw), Notes: []string{}}
	const maxItems = 50
	if len(raw) > maxItems {
		resp.Notes = append(resp.Notes, fmt.Sprintf("truncated_from:%d", len(raw)))
		if params.Kind == "option" {
			raw = nearestExpiries(raw, s.nowMs(), 3)
			resp.Notes = append(resp.Notes, "nearest_expiries")
		}
		if len(raw) > maxItems {
			raw = raw[:maxItems]
		}
	}

	resp.Instruments = make([]instrumentCompact, 0, len(raw))
	for _, inst := range raw {
		compact := instrumentCompact{
			Name:  inst.InstrumentName,
			ExpTs: inst.ExpirationTimestamp,
			Type:  inst.OptionType,
			Tick:  inst.TickSize,
			Size:  inst.ContractSize,
		}
		if inst.Strike > 0 {
			strike := inst.Strike
			compact.Strike = &strike
		}
		resp.Instruments = append(resp.Instruments, compact)
	}
	return resp, nil
}

// nearestExpiries keeps instruments belonging to the n soonest unexpired
// expirations.
func nearestExpiries(instruments []rawInstrument, nowMs int64, n int) []rawInstrument {
	byExpiry := make(map[int64][]rawInstrument)
	for _, inst := range instruments {
		if inst.ExpirationTimestamp > nowMs {
			byExpiry[inst.ExpirationTimestamp] = append(byExpiry[inst.ExpirationTimestamp], inst)
		}
	}
	expiries := make([]int64, 0, len(byExpiry))
	for exp := range byExpiry {
		expiries = append(expiries, exp)
	}
	sort.Slice(expiries, func(i, j int) bool { return expiries[i] < expiries[j] })
	if len(expiries) > n {
		expiries = expiries[:n]
	}

	var out []rawInstrument
	for _, exp := range expiries {
		out = append(out, byExpiry[exp]...)
	}
	return out
}

type greeksCompact struct {
	Delta *float64 `json:"delta,omitempty"`
	Gamma *float64 `json:"gamma,omitempty"`
	Vega  *float64 `json:"vega,omitempty"`
	Theta *float64 `json:"theta,omitempty"`
}

type tickerResponse struct {
	Inst          string         `json:"inst"`
	Bid           *float64       `json:"bid,omitempty"`
	Ask           *float64       `json:"ask,omitempty"`
	Mid           *float64       `json:"mid,omitempty"`
	Mark          *float64       `json:"mark,omitempty"`
	Idx           *float64       `json:"idx,omitempty"`
	Und           *float64       `json:"und,omitempty"`
	IV            *float64       `json:"iv,omitempty"`
	Greeks        *greeksCompact `json:"greeks,omitempty"`
	OI            *float64       `json:"oi,omitempty"`
	Vol24h        *float64       `json:"vol_24h,omitempty"`
	Funding       *float64       `json:"funding,omitempty"`
	NextFundingTs *int64         `json:"next_funding_ts,omitempty"`
	Notes         []string       `json:"notes"`
}

type rawTicker struct {
	BestBidPrice    *float64 `json:"best_bid_price"`
	BestAskPrice    *float64 `json:"best_ask_price"`
	MarkPrice       *float64 `json:"mark_price"`
	IndexPrice      *float64 `json:"index_price"`
	UnderlyingPrice *float64 `json:"underlying_price"`
	MarkIV          *float64 `json:"mark_iv"`
	OpenInterest    *float64 `json:"open_interest"`
	CurrentFunding  *float64 `json:"current_funding"`
	Funding8h       *int64   `json:"funding_8h"`
	Greeks          *struct {
		Delta *float64 `json:"delta"`
		Gamma *float64 `json:"gamma"`
		Vega  *float64 `json:"vega"`
		Theta *float64 `json:"theta"`
	} `json:"greeks"`
	Stats struct {
		Volume *float64 `json:"volume"`
	} `json:"stats"`
}

func (s *Service) ticker(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		InstrumentName string `json:"instrument_name"`
	}
	if err := unmarshalArgs(args, &params); err != nil {
		return nil, err
	}
	if params.InstrumentName == "" {
		return nil, fmt.Errorf("instrument_name is required")
	}

	result, err := s.client.Public(ctx, "ticker", map[string]interface{}{
		"instrument_name": params.InstrumentName,
	})
	if err != nil {
		return nil, err
	}

	var raw rawTicker
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("unexpected ticker payload: %w", err)
	}

	resp := tickerResponse{Inst: params.InstrumentName, Notes: []string{}}
	resp.Bid = roundPtr(raw.BestBidPrice, 2)
	resp.Ask = roundPtr(raw.BestAskPrice, 2)
	if raw.BestBidPrice != nil && raw.BestAskPrice != nil && *raw.BestBidPrice > 0 && *raw.BestAskPrice > 0 {
		mid := (*raw.BestBidPrice + *raw.BestAskPrice) / 2
		resp.Mid = roundPtr(&mid, 2)
	}
	resp.Mark = roundPtr(raw.MarkPrice, 4)
	resp.Idx = roundPtr(raw.IndexPrice, 2)
	resp.Und = roundPtr(raw.UnderlyingPrice, 2)
	resp.OI = roundPtr(raw.OpenInterest, 2)
	resp.Vol24h = roundPtr(raw.Stats.Volume, 2)

	if raw.MarkIV != nil {
		iv := *raw.MarkIV
		// Deribit reports option IV in percentage form.
		if iv > 1 {
			iv /= 100
			resp.Notes = append(resp.Notes, "iv_pct_converted")
		}
		resp.IV = roundPtr(&iv, 4)
	}

	if raw.Greeks != nil {
		resp.Greeks = &greeksCompact{
			Delta: roundPtr(raw.Greeks.Delta, 4),
			Gamma: roundPtr(raw.Greeks.Gamma, 6),
			Vega:  roundPtr(raw.Greeks.Vega, 4),
			Theta: roundPtr(raw.Greeks.Theta, 4),
		}
	}

	if strings.Contains(strings.ToUpper(params.InstrumentName), "PERPETUAL") {
		resp.Funding = roundPtr(raw.CurrentFunding, 8)
		resp.NextFundingTs = raw.Funding8h
	}
	return resp, nil
}

type priceLevel struct {
	P float64 `json:"p"`
	Q float64 `json:"q"`
}

type orderbookResponse struct {
	Inst      string       `json:"inst"`
	Bid       *float64     `json:"bid,omitempty"`
	Ask       *float64     `json:"ask,omitempty"`
	SpreadPts *float64     `json:"spread_pts,omitempty"`
	SpreadBps *float64     `json:"spread_bps,omitempty"`
	Bids      []priceLevel `json:"bids"`
	Asks      []priceLevel `json:"asks"`
	BidDepth  float64      `json:"bid_depth"`
	AskDepth  float64      `json:"ask_depth"`
	Imbalance *float64     `json:"imbalance,omitempty"`
	Notes     []string     `json:"notes"`
}

func (s *Service) orderbookSummary(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		InstrumentName string `json:"instrument_name"`
		Depth          int    `json:"depth"`
	}
	if err := unmarshalArgs(args, &params); err != nil {
		return nil, err
	}
	if params.InstrumentName == "" {
		return nil, fmt.Errorf("instrument_name is required")
	}
	if params.Depth <= 0 || params.Depth > 20 {
		params.Depth = 20
	}

	result, err := s.client.Public(ctx, "get_order_book", map[string]interface{}{
		"instrument_name": params.InstrumentName,
		"depth":           params.Depth,
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Bids         [][2]float64 `json:"bids"`
		Asks         [][2]float64 `json:"asks"`
		BestBidPrice *float64     `json:"best_bid_price"`
		BestAskPrice *float64     `json:"best_ask_price"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("unexpected order book payload: %w", err)
	}

	resp := orderbookResponse{
		Inst:  params.InstrumentName,
		Bids:  topLevels(raw.Bids, 5),
		Asks:  topLevels(raw.Asks, 5),
		Notes: []string{},
	}

	for _, level := range raw.Bids {
		resp.BidDepth += level[1]
	}
	for _, level := range raw.Asks {
		resp.AskDepth += level[1]
	}
	resp.BidDepth = roundTo(resp.BidDepth, 4)
	resp.AskDepth = roundTo(resp.AskDepth, 4)

	resp.Bid = roundPtr(raw.BestBidPrice, 4)
	resp.Ask = roundPtr(raw.BestAskPrice, 4)
	if raw.BestBidPrice != nil && raw.BestAskPrice != nil && *raw.BestBidPrice > 0 {
		pts := *raw.BestAskPrice - *raw.BestBidPrice
		resp.SpreadPts = roundPtr(&pts, 4)
		resp.SpreadBps = roundPtr(SpreadBps(*raw.BestBidPrice, *raw.BestAskPrice), 2)
	}
	resp.Imbalance = roundPtr(Imbalance(resp.BidDepth, resp.AskDepth), 4)

	if len(raw.Bids) > 5 || len(raw.Asks) > 5 {
		levels := len(raw.Bids)
		if len(raw.Asks) > levels {
			levels = len(raw.Asks)
		}
		resp.Notes = append(resp.Notes, fmt.Sprintf("levels_truncated_from:%d", levels))
	}
	return resp, nil
}

func topLevels(levels [][2]float64, n int) []priceLevel {
	out := make([]priceLevel, 0, n)
	for i, level := range levels {
		if i >= n {
			break
		}
		out = append(out, priceLevel{P: roundTo(level[0], 4), Q: roundTo(level[1], 4)})
	}
	return out
}

type dvolResponse struct {
	Ccy        string   `json:"ccy"`
	Dvol       float64  `json:"dvol"`
	DvolChg24h *float64 `json:"dvol_chg_24h,omitempty"`
	Ts         int64    `json:"ts"`
	Notes      []string `json:"notes"`
}

func (s *Service) dvolSnapshot(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		Currency string `json:"currency"`
	}
	if err := unmarshalArgs(args, &params); err != nil {
		return nil, err
	}
	if err := validateCurrency(params.Currency); err != nil {
		return nil, err
	}

	nowMs := s.nowMs()
	resp := dvolResponse{Ccy: params.Currency, Ts: nowMs, Notes: []string{}}

	result, err := s.client.Public(ctx, "get_volatility_index_data", map[string]interface{}{
		"currency":        params.Currency,
		"resolution":      "1D",
		"start_timestamp": nowMs - 86400000,
		"end_timestamp":   nowMs,
	})
	if err == nil {
		var payload struct {
			// Candles are [timestamp, open, high, low, close].
			Data [][]float64 `json:"data"`
		}
		if json.Unmarshal(result, &payload) == nil && len(payload.Data) > 0 {
			latest := payload.Data[len(payload.Data)-1]
			resp.Dvol = roundTo(latest[len(latest)-1], 2)
			if len(payload.Data) >= 2 {
				first := payload.Data[0]
				prevClose := first[len(first)-1]
				if prevClose > 0 {
					chg := resp.Dvol - prevClose
					resp.DvolChg24h = roundPtr(&chg, 2)
				}
			}
			return resp, nil
		}
	}

	// Fall back to the DVOL instrument ticker.
	ticker, err := s.client.Public(ctx, "ticker", map[string]interface{}{
		"instrument_name": params.Currency + "_DVOL",
	})
	if err == nil {
		var raw struct {
			MarkPrice *float64 `json:"mark_price"`
		}
		if json.Unmarshal(ticker, &raw) == nil && raw.MarkPrice != nil && *raw.MarkPrice > 0 {
			resp.Dvol = roundTo(*raw.MarkPrice, 2)
			resp.Notes = append(resp.Notes, "source:ticker_fallback")
			return resp, nil
		}
	}

	resp.Notes = append(resp.Notes, "dvol_unavailable", "try_options_surface_for_iv")
	return resp, nil
}

type tenorIV struct {
	Days  int      `json:"days"`
	AtmIV *float64 `json:"atm_iv"`
	RR25  *float64 `json:"rr25"`
	Fly25 *float64 `json:"fly25"`
	Fwd   *float64 `json:"fwd"`
}

type surfaceResponse struct {
	Ccy        string    `json:"ccy"`
	Spot       float64   `json:"spot"`
	Tenors     []tenorIV `json:"tenors"`
	Confidence float64   `json:"confidence"`
	Ts         int64     `json:"ts"`
	Notes      []string  `json:"notes"`
}

func (s *Service) surfaceSnapshot(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		Currency  string `json:"currency"`
		TenorDays []int  `json:"tenor_days"`
	}
	if err := unmarshalArgs(args, &params); err != nil {
		return nil, err
	}
	if err := validateCurrency(params.Currency); err != nil {
		return nil, err
	}
	if len(params.TenorDays) == 0 {
		params.TenorDays = []int{7, 14, 30, 60}
	}
	if len(params.TenorDays) > 4 {
		params.TenorDays = params.TenorDays[:4]
	}

	nowMs := s.nowMs()
	resp := surfaceResponse{Ccy: params.Currency, Ts: nowMs, Tenors: []tenorIV{}, Notes: []string{}}

	spot, err := s.indexPrice(ctx, params.Currency)
	if err != nil || spot <= 0 {
		resp.Notes = append(resp.Notes, "spot_price_unavailable")
		return resp, nil
	}
	resp.Spot = roundTo(spot, 2)

	options, err := s.fetchOptions(ctx, params.Currency)
	if err != nil {
		return nil, err
	}

	byExpiry := make(map[int64][]rawInstrument)
	for _, opt := range options {
		if opt.ExpirationTimestamp > nowMs {
			byExpiry[opt.ExpirationTimestamp] = append(byExpiry[opt.ExpirationTimestamp], opt)
		}
	}

	matched := 0
	for _, targetDays := range params.TenorDays {
		bestExp := int64(0)
		bestDistance := math.Inf(1)
		for exp := range byExpiry {
			days := DaysToExpiry(exp, nowMs)
			distance := math.Abs(days - float64(targetDays))
			if distance < bestDistance && distance < float64(targetDays)*0.5 {
				bestDistance = distance
				bestExp = exp
			}
		}
		if bestExp == 0 {
			resp.Tenors = append(resp.Tenors, tenorIV{Days: targetDays})
			continue
		}
		matched++

		actualDays := DaysToExpiry(bestExp, nowMs)
		atmStrike := nearestStrike(byExpiry[bestExp], spot)

		tenor := tenorIV{Days: int(actualDays)}
		fwd := roundTo(spot, 2)
		tenor.Fwd = &fwd

		if atmStrike > 0 {
			atmIV := s.markIV(ctx, optionName(params.Currency, bestExp, atmStrike, "C"))
			tenor.AtmIV = roundPtr(atmIV, 4)

			if atmIV != nil {
				// 25d strikes approximated as ATM +/- 5%.
				callIV := s.markIV(ctx, optionName(params.Currency, bestExp, atmStrike*1.05, "C"))
				putIV := s.markIV(ctx, optionName(params.Currency, bestExp, atmStrike*0.95, "P"))
				tenor.RR25 = roundPtr(RiskReversal(callIV, putIV), 4)
				tenor.Fly25 = roundPtr(Butterfly(callIV, putIV, atmIV), 4)
			}
		}
		resp.Tenors = append(resp.Tenors, tenor)
	}

	resp.Confidence = roundTo(float64(matched)/float64(len(params.TenorDays)), 2)
	if resp.Confidence < 0.5 {
		resp.Notes = append(resp.Notes, "low_confidence_sparse_data")
	}
	return resp, nil
}

type expectedMoveResponse struct {
	Ccy        string   `json:"ccy"`
	Spot       float64  `json:"spot"`
	IVUsed     float64  `json:"iv_used"`
	IVSource   string   `json:"iv_source"`
	HorizonMin int      `json:"horizon_min"`
	Move1sPts  float64  `json:"move_1s_pts"`
	Move1sBps  float64  `json:"move_1s_bps"`
	Up1s       float64  `json:"up_1s"`
	Down1s     float64  `json:"down_1s"`
	Confidence float64  `json:"confidence"`
	Notes      []string `json:"notes"`
}

func (s *Service) expectedMove(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		Currency       string `json:"currency"`
		HorizonMinutes int    `json:"horizon_minutes"`
		Method         string `json:"method"`
	}
	if err := unmarshalArgs(args, &params); err != nil {
		return nil, err
	}
	if err := validateCurrency(params.Currency); err != nil {
		return nil, err
	}
	if params.HorizonMinutes <= 0 {
		params.HorizonMinutes = 60
	}
	if params.Method == "" {
		params.Method = "dvol"
	}

	resp := expectedMoveResponse{
		Ccy:        params.Currency,
		IVSource:   params.Method,
		HorizonMin: params.HorizonMinutes,
		Notes:      []string{},
	}

	spot, err := s.indexPrice(ctx, params.Currency)
	if err != nil || spot <= 0 {
		resp.Notes = append(resp.Notes, "spot_unavailable")
		return resp, nil
	}
	resp.Spot = roundTo(spot, 2)
	resp.Up1s = resp.Spot
	resp.Down1s = resp.Spot

	var ivUsed float64
	confidence := 1.0

	if params.Method == "dvol" {
		dvolResult, err := s.dvolSnapshot(ctx, args)
		if dvol, ok := dvolResult.(dvolResponse); err == nil && ok && dvol.Dvol > 0 {
			ivUsed = DvolToDecimal(dvol.Dvol)
			resp.Notes = append(resp.Notes, fmt.Sprintf("dvol_raw:%.2f", dvol.Dvol))
		} else {
			resp.Notes = append(resp.Notes, "dvol_unavailable_fallback_atm")
			params.Method = "atm_iv"
			confidence = 0.7
		}
	}

	if ivUsed == 0 {
		resp.IVSource = "atm_iv"
		iv, note := s.nearestATMIV(ctx, params.Currency, spot)
		if note != "" {
			resp.Notes = append(resp.Notes, note)
		}
		if iv != nil {
			ivUsed = *iv
		}
	} else {
		resp.IVSource = "dvol"
	}

	if ivUsed <= 0 {
		resp.Notes = append(resp.Notes, "iv_unavailable_cannot_calculate")
		return resp, nil
	}

	move := CalculateExpectedMove(spot, ivUsed, params.HorizonMinutes, resp.IVSource, confidence)
	resp.IVUsed = roundTo(move.IVUsed, 4)
	resp.Move1sPts = move.MovePoints
	resp.Move1sBps = move.MoveBps
	resp.Up1s = move.Up1Sigma
	resp.Down1s = move.Down1Sigma
	resp.Confidence = roundTo(move.Confidence, 2)
	return resp, nil
}

// nearestATMIV finds the mark IV of the ATM call on the nearest expiry
// more than one day out.
func (s *Service) nearestATMIV(ctx context.Context, currency string, spot float64) (*float64, string) {
	options, err := s.fetchOptions(ctx, currency)
	if err != nil {
		return nil, errNote(err)
	}

	nowMs := s.nowMs()
	var nearestExp int64
	minDays := math.Inf(1)
	for _, opt := range options {
		if opt.ExpirationTimestamp <= nowMs {
			continue
		}
		days := DaysToExpiry(opt.ExpirationTimestamp, nowMs)
		if days > 1 && days < minDays {
			minDays = days
			nearestExp = opt.ExpirationTimestamp
		}
	}
	if nearestExp == 0 {
		return nil, "no_usable_expiry"
	}

	var atExpiry []rawInstrument
	for _, opt := range options {
		if opt.ExpirationTimestamp == nearestExp {
			atExpiry = append(atExpiry, opt)
		}
	}
	atmStrike := nearestStrike(atExpiry, spot)
	if atmStrike <= 0 {
		return nil, "no_atm_strike"
	}

	name := optionName(currency, nearestExp, atmStrike, "C")
	iv := s.markIV(ctx, name)
	if iv == nil {
		return nil, "atm_ticker_unavailable"
	}
	return iv, "atm_from:" + name
}

type fundingEntry struct {
	Ts   int64   `json:"ts"`
	Rate float64 `json:"rate"`
}

type fundingResponse struct {
	Ccy     string         `json:"ccy"`
	Perp    string         `json:"perp"`
	Rate    float64        `json:"rate"`
	Rate8h  *float64       `json:"rate_8h,omitempty"`
	NextTs  *int64         `json:"next_ts,omitempty"`
	History []fundingEntry `json:"history"`
	Notes   []string       `json:"notes"`
}

func (s *Service) fundingSnapshot(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params struct {
		Currency string `json:"currency"`
	}
	if err := unmarshalArgs(args, &params); err != nil {
		return nil, err
	}
	if err := validateCurrency(params.Currency); err != nil {
		return nil, err
	}

	perp := params.Currency + "-PERPETUAL"
	resp := fundingResponse{Ccy: params.Currency, Perp: perp, History: []fundingEntry{}, Notes: []string{}}

	result, err := s.client.Public(ctx, "ticker", map[string]interface{}{
		"instrument_name": perp,
	})
	if err != nil {
		return nil, err
	}

	var raw rawTicker
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("unexpected ticker payload: %w", err)
	}

	if raw.CurrentFunding != nil {
		resp.Rate = roundTo(*raw.CurrentFunding, 8)
		// Funding is charged three times per day.
		annualized := *raw.CurrentFunding * 3 * 365
		resp.Rate8h = roundPtr(&annualized, 4)
	}
	resp.NextTs = raw.Funding8h

	nowMs := s.nowMs()
	historyRaw, err := s.client.Public(ctx, "get_funding_rate_history", map[string]interface{}{
		"instrument_name": perp,
		"start_timestamp": nowMs - 5*8*3600*1000,
		"end_timestamp":   nowMs,
	})
	if err != nil {
		resp.Notes = append(resp.Notes, "history_unavailable")
		return resp, nil
	}

	var history []struct {
		Timestamp  int64   `json:"timestamp"`
		Interest8h float64 `json:"interest_8h"`
	}
	if json.Unmarshal(historyRaw, &history) == nil {
		start := 0
		if len(history) > 5 {
			start = len(history) - 5
		}
		for _, entry := range history[start:] {
			resp.History = append(resp.History, fundingEntry{
				Ts:   entry.Timestamp,
				Rate: roundTo(entry.Interest8h, 8),
			})
		}
	}
	return resp, nil
}

type accountSummaryResponse struct {
	Ccy        string   `json:"ccy"`
	Equity     float64  `json:"equity"`
	Avail      float64  `json:"avail"`
	Margin     float64  `json:"margin"`
	MM         *float64 `json:"mm,omitempty"`
	IM         *float64 `json:"im,omitempty"`
	DeltaTotal *float64 `json:"delta_total,omitempty"`
	Notes      []string `json:"notes"`
}

func (s *Service) accountSummary(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if err := s.requirePrivate(); err != nil {
		return nil, err
	}
	var params struct {
		Currency string `json:"currency"`
	}
	if err := unmarshalArgs(args, &params); err != nil {
		return nil, err
	}
	if err := validateCurrency(params.Currency); err != nil {
		return nil, err
	}

	result, err := s.client.Private(ctx, "get_account_summary", map[string]interface{}{
		"currency": params.Currency,
		"extended": true,
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Equity            float64  `json:"equity"`
		AvailableFunds    float64  `json:"available_funds"`
		MarginBalance     float64  `json:"margin_balance"`
		MaintenanceMargin *float64 `json:"maintenance_margin"`
		InitialMargin     *float64 `json:"initial_margin"`
		DeltaTotal        *float64 `json:"delta_total"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("unexpected account summary payload: %w", err)
	}

	return accountSummaryResponse{
		Ccy:        params.Currency,
		Equity:     roundTo(raw.Equity, 8),
		Avail:      roundTo(raw.AvailableFunds, 8),
		Margin:     roundTo(raw.MarginBalance, 8),
		MM:         roundPtr(raw.MaintenanceMargin, 8),
		IM:         roundPtr(raw.InitialMargin, 8),
		DeltaTotal: roundPtr(raw.DeltaTotal, 4),
		Notes:      []string{},
	}, nil
}

type positionCompact struct {
	Inst  string   `json:"inst"`
	Size  float64  `json:"size"`
	Side  string   `json:"side"`
	Entry float64  `json:"entry"`
	Mark  float64  `json:"mark"`
	PnL   float64  `json:"pnl"`
	Liq   *float64 `json:"liq,omitempty"`
}

type positionsResponse struct {
	Ccy       string            `json:"ccy"`
	Count     int               `json:"count"`
	Positions []positionCompact `json:"positions"`
	Notes     []string          `json:"notes"`
}

func (s *Service) positions(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if err := s.requirePrivate(); err != nil {
		return nil, err
	}
	var params struct {
		Currency string `json:"currency"`
		Kind     string `json:"kind"`
	}
	if err := unmarshalArgs(args, &params); err != nil {
		return nil, err
	}
	if err := validateCurrency(params.Currency); err != nil {
		return nil, err
	}
	if params.Kind == "" {
		params.Kind = "future"
	}

	result, err := s.client.Private(ctx, "get_positions", map[string]interface{}{
		"currency": params.Currency,
		"kind":     params.Kind,
	})
	if err != nil {
		return nil, err
	}

	var raw []struct {
		InstrumentName     string   `json:"instrument_name"`
		Size               float64  `json:"size"`
		AveragePrice       float64  `json:"average_price"`
		MarkPrice          float64  `json:"mark_price"`
		FloatingProfitLoss float64  `json:"floating_profit_loss"`
		EstLiquidation     *float64 `json:"estimated_liquidation_price"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("unexpected positions payload: %w", err)
	}

	resp := positionsResponse{Ccy: params.Currency, Count: len(raw), Positions: []positionCompact{}, Notes: []string{}}
	if len(raw) > 20 {
		resp.Notes = append(resp.Notes, fmt.Sprintf("truncated_from:%d", len(raw)))
		raw = raw[:20]
	}

	for _, pos := range raw {
		if pos.Size == 0 {
			continue
		}
		side := "long"
		if pos.Size < 0 {
			side = "short"
		}
		resp.Positions = append(resp.Positions, positionCompact{
			Inst:  pos.InstrumentName,
			Size:  math.Abs(pos.Size),
			Side:  side,
			Entry: roundTo(pos.AveragePrice, 4),
			Mark:  roundTo(pos.MarkPrice, 4),
			PnL:   roundTo(pos.FloatingProfitLoss, 4),
			Liq:   roundPtr(pos.EstLiquidation, 2),
		})
	}
	return resp, nil
}

type orderCompact struct {
	ID     string   `json:"id"`
	Inst   string   `json:"inst"`
	Side   string   `json:"side"`
	Type   string   `json:"type"`
	Price  *float64 `json:"price,omitempty"`
	Amount float64  `json:"amount"`
	Filled float64  `json:"filled"`
	State  string   `json:"state"`
}

type openOrdersResponse struct {
	Count  int            `json:"count"`
	Orders []orderCompact `json:"orders"`
	Notes  []string       `json:"notes"`
}

func (s *Service) openOrders(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if err := s.requirePrivate(); err != nil {
		return nil, err
	}
	var params struct {
		Currency       string `json:"currency"`
		InstrumentName string `json:"instrument_name"`
	}
	if err := unmarshalArgs(args, &params); err != nil {
		return nil, err
	}

	var result json.RawMessage
	var err error
	switch {
	case params.InstrumentName != "":
		result, err = s.client.Private(ctx, "get_open_orders_by_instrument", map[string]interface{}{
			"instrument_name": params.InstrumentName,
		})
	case params.Currency != "":
		if err := validateCurrency(params.Currency); err != nil {
			return nil, err
		}
		result, err = s.client.Private(ctx, "get_open_orders_by_currency", map[string]interface{}{
			"currency": params.Currency,
		})
	default:
		return nil, fmt.Errorf("either currency or instrument_name is required")
	}
	if err != nil {
		return nil, err
	}

	var raw []struct {
		OrderID        string   `json:"order_id"`
		InstrumentName string   `json:"instrument_name"`
		Direction      string   `json:"direction"`
		OrderType      string   `json:"order_type"`
		Price          *float64 `json:"price"`
		Amount         float64  `json:"amount"`
		FilledAmount   float64  `json:"filled_amount"`
		OrderState     string   `json:"order_state"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("unexpected orders payload: %w", err)
	}

	resp := openOrdersResponse{Count: len(raw), Orders: []orderCompact{}, Notes: []string{}}
	if len(raw) > 20 {
		resp.Notes = append(resp.Notes, fmt.Sprintf("truncated_from:%d", len(raw)))
		raw = raw[:20]
	}
	for _, order := range raw {
		resp.Orders = append(resp.Orders, orderCompact{
			ID:     order.OrderID,
			Inst:   order.InstrumentName,
			Side:   order.Direction,
			Type:   order.OrderType,
			Price:  roundPtr(order.Price, 4),
			Amount: roundTo(order.Amount, 4),
			Filled: roundTo(order.FilledAmount, 4),
			State:  order.OrderState,
		})
	}
	return resp, nil
}

type placeOrderResponse struct {
	DryRun    bool                   `json:"dry_run"`
	WouldSend map[string]interface{} `json:"would_send,omitempty"`
	OrderID   *string                `json:"order_id"`
	Status    string                 `json:"status"`
	Notes     []string               `json:"notes"`
}

func (s *Service) placeOrder(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if err := s.requirePrivate(); err != nil {
		return nil, err
	}
	var params struct {
		Instrument string  `json:"instrument"`
		Side       string  `json:"side"`
		Amount     float64 `json:"amount"`
		Type       string  `json:"type"`
		Price      float64 `json:"price"`
		PostOnly   bool    `json:"post_only"`
		ReduceOnly bool    `json:"reduce_only"`
	}
	if err := unmarshalArgs(args, &params); err != nil {
		return nil, err
	}
	if params.Instrument == "" || params.Amount <= 0 {
		return nil, fmt.Errorf("instrument and positive amount are required")
	}
	if params.Side != "buy" && params.Side != "sell" {
		return nil, fmt.Errorf("side must be buy or sell")
	}
	if params.Type == "" {
		params.Type = "limit"
	}

	orderParams := map[string]interface{}{
		"instrument_name": params.Instrument,
		"amount":          params.Amount,
		"type":            params.Type,
	}
	if params.Type == "limit" && params.Price > 0 {
		orderParams["price"] = params.Price
	}
	if params.PostOnly {
		orderParams["post_only"] = true
	}
	if params.ReduceOnly {
		orderParams["reduce_only"] = true
	}

	if s.cfg.DryRun {
		return placeOrderResponse{
			DryRun: true,
			WouldSend: map[string]interface{}{
				"method": "private/" + params.Side,
				"params": orderParams,
			},
			Status: "simulated",
			Notes:  []string{"DRY_RUN_MODE", "Set DERIBIT_DRY_RUN=false for live trading"},
		}, nil
	}

	result, err := s.client.Private(ctx, params.Side, orderParams)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Order struct {
			OrderID    string `json:"order_id"`
			OrderState string `json:"order_state"`
		} `json:"order"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("unexpected order payload: %w", err)
	}

	status := raw.Order.OrderState
	if status == "" {
		status = "submitted"
	}
	orderID := raw.Order.OrderID
	return placeOrderResponse{
		DryRun:  false,
		OrderID: &orderID,
		Status:  status,
		Notes:   []string{},
	}, nil
}

type cancelOrderResponse struct {
	DryRun      bool     `json:"dry_run"`
	WouldCancel string   `json:"would_cancel,omitempty"`
	OrderID     string   `json:"order_id,omitempty"`
	Status      string   `json:"status"`
	Notes       []string `json:"notes"`
}

func (s *Service) cancelOrder(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if err := s.requirePrivate(); err != nil {
		return nil, err
	}
	var params struct {
		OrderID string `json:"order_id"`
	}
	if err := unmarshalArgs(args, &params); err != nil {
		return nil, err
	}
	if params.OrderID == "" {
		return nil, fmt.Errorf("order_id is required")
	}

	if s.cfg.DryRun {
		return cancelOrderResponse{
			DryRun:      true,
			WouldCancel: params.OrderID,
			Status:      "simulated",
			Notes:       []string{"DRY_RUN_MODE"},
		}, nil
	}

	result, err := s.client.Private(ctx, "cancel", map[string]interface{}{
		"order_id": params.OrderID,
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		OrderState string `json:"order_state"`
	}
	_ = json.Unmarshal(result, &raw)
	status := raw.OrderState
	if status == "" {
		status = "cancelled"
	}
	return cancelOrderResponse{
		DryRun:  false,
		OrderID: params.OrderID,
		Status:  status,
		Notes:   []string{},
	}, nil
}

// Shared helpers.

func (s *Service) requirePrivate() error {
	if !s.cfg.EnablePrivate {
		return fmt.Errorf("private API disabled, set DERIBIT_ENABLE_PRIVATE=true")
	}
	return nil
}

func (s *Service) indexPrice(ctx context.Context, currency string) (float64, error) {
	result, err := s.client.Public(ctx, "get_index_price", map[string]interface{}{
		"index_name": strings.ToLower(currency) + "_usd",
	})
	if err != nil {
		return 0, err
	}
	var raw struct {
		IndexPrice float64 `json:"index_price"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return 0, err
	}
	return raw.IndexPrice, nil
}

func (s *Service) fetchOptions(ctx context.Context, currency string) ([]rawInstrument, error) {
	result, err := s.client.Public(ctx, "get_instruments", map[string]interface{}{
		"currency": currency,
		"kind":     "option",
		"expired":  false,
	})
	if err != nil {
		return nil, err
	}
	var raw []rawInstrument
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("unexpected instruments payload: %w", err)
	}
	return raw, nil
}

// markIV fetches an option's mark IV in decimal form, nil when the ticker
// is unavailable.
func (s *Service) markIV(ctx context.Context, instrumentName string) *float64 {
	result, err := s.client.Public(ctx, "ticker", map[string]interface{}{
		"instrument_name": instrumentName,
	})
	if err != nil {
		return nil
	}
	var raw struct {
		MarkIV *float64 `json:"mark_iv"`
	}
	if json.Unmarshal(result, &raw) != nil || raw.MarkIV == nil {
		return nil
	}
	iv := *raw.MarkIV
	if iv > 1 {
		iv /= 100
	}
	return &iv
}

func (s *Service) nowMs() int64 {
	return s.now().UnixMilli()
}

func nearestStrike(options []rawInstrument, spot float64) float64 {
	best := 0.0
	minDistance := math.Inf(1)
	for _, opt := range options {
		if opt.Strike <= 0 {
			continue
		}
		distance := math.Abs(opt.Strike - spot)
		if distance < minDistance {
			minDistance = distance
			best = opt.Strike
		}
	}
	return best
}

// optionName builds a Deribit option instrument name, e.g.
// BTC-28JUN24-70000-C.
func optionName(currency string, expirationTSMs int64, strike float64, optType string) string {
	expiry := time.UnixMilli(expirationTSMs).UTC()
	return fmt.Sprintf("%s-%s-%d-%s",
		currency,
		strings.ToUpper(expiry.Format("02Jan06")),
		int64(strike),
		optType,
	)
}

func validateCurrency(currency string) error {
	if currency != "BTC" && currency != "ETH" {
		return fmt.Errorf("currency must be BTC or ETH")
	}
	return nil
}

func unmarshalArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func errNote(err error) string {
	var derr *Error
	if errors.As(err, &derr) {
		return fmt.Sprintf("error:%d", derr.Code)
	}
	return "connection_error"
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

func roundPtr(v *float64, decimals int) *float64 {
	if v == nil {
		return nil
	}
	rounded := roundTo(*v, decimals)
	return &rounded
}
