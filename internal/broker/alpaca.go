// Package broker provides trading API clients for executing equity trades.
// It includes the Alpaca and Tradier client implementations used by the
// intraday scalping engine, plus a synthetic-fill simulator for dry runs.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/eddiefleurent/schrute_scalper/internal/metrics"
)

// Default Alpaca endpoints. Paper and live share the data host.
const (
	defaultPaperBaseURL = "https://paper-api.alpaca.markets"
	defaultLiveBaseURL  = "https://api.alpaca.markets"
	defaultDataURL      = "https://data.alpaca.markets"
)

// defaultRequestsPerSecond caps outgoing calls; Alpaca allows 200/min so 10/s
// with a small burst stays well inside the account limit even during
// reconciliation sweeps.
const defaultRequestsPerSecond = 10

// maxBarLimit is the per-request bar cap on the data API.
const maxBarLimit = 10000

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// numericString decodes Alpaca's string-encoded decimal fields, which arrive
// quoted ("103.25"), bare (103.25), or null depending on the endpoint.
type numericString float64

func (n *numericString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parsing numeric string %q: %w", s, err)
		}
		*n = numericString(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = numericString(f)
	return nil
}

// AlpacaClient implements Broker against the Alpaca trading and data APIs.
type AlpacaClient struct {
	client    *http.Client
	apiKey    string
	apiSecret string
	baseURL   string
	dataURL   string
	feed      string
	limiter   *rate.Limiter
	timeout   time.Duration
}

// Ensure AlpacaClient implements Broker at compile time.
var _ Broker = (*AlpacaClient)(nil)

// NewAlpacaClient creates a new Alpaca client. Empty baseURL selects the
// paper endpoint when paper is true, live otherwise. Empty dataURL selects
// the shared data host.
func NewAlpacaClient(apiKey, apiSecret string, paper bool, baseURL, dataURL string) *AlpacaClient {
	if baseURL == "" {
		if paper {
			baseURL = defaultPaperBaseURL
		} else {
			baseURL = defaultLiveBaseURL
		}
	}
	if dataURL == "" {
		dataURL = defaultDataURL
	}

	const defaultTimeout = 10 * time.Second
	return &AlpacaClient{
		client:    &http.Client{Timeout: defaultTimeout},
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   trimTrailingSlash(baseURL),
		dataURL:   trimTrailingSlash(dataURL),
		feed:      "iex",
		limiter:   rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), 5),
		timeout:   defaultTimeout,
	}
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (a *AlpacaClient) WithHTTPClient(c *http.Client) *AlpacaClient {
	if c != nil {
		a.client = c
	}
	return a
}

// WithTimeout sets the HTTP client timeout duration.
func (a *AlpacaClient) WithTimeout(timeout time.Duration) *AlpacaClient {
	a.timeout = timeout
	if a.client != nil {
		a.client.Timeout = timeout
	}
	return a
}

// WithRateLimit overrides the outgoing request rate. Zero disables limiting.
func (a *AlpacaClient) WithRateLimit(requestsPerSecond float64, burst int) *AlpacaClient {
	if requestsPerSecond <= 0 {
		a.limiter = nil
		return a
	}
	if burst < 1 {
		burst = 1
	}
	a.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	return a
}

// WithFeed selects the market data feed (iex or sip).
func (a *AlpacaClient) WithFeed(feed string) *AlpacaClient {
	if feed != "" {
		a.feed = feed
	}
	return a
}

// ============ EXACT API Response Structures ============

type alpacaAccount struct {
	ID               string        `json:"id"`
	Status           string        `json:"status"`
	Equity           numericString `json:"equity"`
	LastEquity       numericString `json:"last_equity"`
	Cash             numericString `json:"cash"`
	BuyingPower      numericString `json:"buying_power"`
	DaytradeCount    int           `json:"daytrade_count"`
	PatternDayTrader bool          `json:"pattern_day_trader"`
}

type alpacaPosition struct {
	Symbol        string        `json:"symbol"`
	Qty           numericString `json:"qty"`
	Side          string        `json:"side"`
	AvgEntryPrice numericString `json:"avg_entry_price"`
	CurrentPrice  numericString `json:"current_price"`
	MarketValue   numericString `json:"market_value"`
	UnrealizedPL  numericString `json:"unrealized_pl"`
}

type alpacaOrder struct {
	ID             string        `json:"id"`
	ClientOrderID  string        `json:"client_order_id"`
	Symbol         string        `json:"symbol"`
	Qty            numericString `json:"qty"`
	FilledQty      numericString `json:"filled_qty"`
	Side           string        `json:"side"`
	Type           string        `json:"type"`
	TimeInForce    string        `json:"time_in_force"`
	Status         string        `json:"status"`
	LimitPrice     numericString `json:"limit_price"`
	StopPrice      numericString `json:"stop_price"`
	FilledAvgPrice numericString `json:"filled_avg_price"`
	SubmittedAt    time.Time     `json:"submitted_at"`
	FilledAt       *time.Time    `json:"filled_at"`
}

func (o *alpacaOrder) toOrder() *Order {
	ord := &Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Qty:            int(float64(o.Qty)),
		FilledQty:      int(float64(o.FilledQty)),
		Side:           OrderSide(o.Side),
		Type:           OrderType(o.Type),
		TimeInForce:    TimeInForce(o.TimeInForce),
		Status:         OrderStatus(o.Status),
		LimitPrice:     float64(o.LimitPrice),
		StopPrice:      float64(o.StopPrice),
		FilledAvgPrice: float64(o.FilledAvgPrice),
		SubmittedAt:    o.SubmittedAt,
	}
	if o.FilledAt != nil {
		ord.FilledAt = *o.FilledAt
	}
	return ord
}

type alpacaBar struct {
	Timestamp  time.Time `json:"t"`
	Open       float64   `json:"o"`
	High       float64   `json:"h"`
	Low        float64   `json:"l"`
	Close      float64   `json:"c"`
	Volume     int64     `json:"v"`
	TradeCount int64     `json:"n"`
	VWAP       float64   `json:"vw"`
}

func (b *alpacaBar) toBar() Bar {
	return Bar{
		Timestamp:  b.Timestamp,
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		TradeCount: b.TradeCount,
		VWAP:       b.VWAP,
	}
}

type alpacaBarsResponse struct {
	Bars          []alpacaBar `json:"bars"`
	Symbol        string      `json:"symbol"`
	NextPageToken *string     `json:"next_page_token"`
}

type alpacaSnapshot struct {
	LatestTrade *struct {
		Timestamp time.Time `json:"t"`
		Price     float64   `json:"p"`
		Size      int64     `json:"s"`
	} `json:"latestTrade"`
	LatestQuote *struct {
		Timestamp time.Time `json:"t"`
		AskPrice  float64   `json:"ap"`
		AskSize   int64     `json:"as"`
		BidPrice  float64   `json:"bp"`
		BidSize   int64     `json:"bs"`
	} `json:"latestQuote"`
	MinuteBar    *alpacaBar `json:"minuteBar"`
	DailyBar     *alpacaBar `json:"dailyBar"`
	PrevDailyBar *alpacaBar `json:"prevDailyBar"`
}

type alpacaCalendarDay struct {
	Date  string `json:"date"`
	Open  string `json:"open"`
	Close string `json:"close"`
}

type alpacaClock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// orderPayload is the JSON body for order submission. Alpaca expects decimal
// fields as strings.
type orderPayload struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	ExtendedHours bool   `json:"extended_hours,omitempty"`
}

// ============ API Methods ============

// GetAccount retrieves the trading account state.
func (a *AlpacaClient) GetAccount(ctx context.Context) (*Account, error) {
	endpoint := a.baseURL + "/v2/account"

	var response alpacaAccount
	if err := a.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return &Account{
		ID:               response.ID,
		Status:           response.Status,
		Equity:           float64(response.Equity),
		LastEquity:       float64(response.LastEquity),
		Cash:             float64(response.Cash),
		BuyingPower:      float64(response.BuyingPower),
		DaytradeCount:    response.DaytradeCount,
		PatternDayTrader: response.PatternDayTrader,
	}, nil
}

// GetPositions retrieves current positions from the account.
func (a *AlpacaClient) GetPositions(ctx context.Context) ([]PositionItem, error) {
	endpoint := a.baseURL + "/v2/positions"

	var response []alpacaPosition
	if err := a.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	items := make([]PositionItem, 0, len(response))
	for _, p := range response {
		items = append(items, PositionItem{
			Symbol:        p.Symbol,
			Qty:           float64(p.Qty),
			AvgEntryPrice: float64(p.AvgEntryPrice),
			CurrentPrice:  float64(p.CurrentPrice),
			MarketValue:   float64(p.MarketValue),
			UnrealizedPL:  float64(p.UnrealizedPL),
		})
	}
	return items, nil
}

// GetBars retrieves the most recent intraday bars for a symbol, oldest first.
func (a *AlpacaClient) GetBars(ctx context.Context, symbol string, timeframe Timeframe, limit int) ([]Bar, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol cannot be empty")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("bar limit must be positive, got %d", limit)
	}
	if limit > maxBarLimit {
		limit = maxBarLimit
	}

	params := url.Values{}
	params.Set("timeframe", string(timeframe))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("adjustment", "raw")
	params.Set("feed", a.feed)
	// The data API defaults start to the beginning of the day; asking for the
	// latest bars needs sort=desc plus a re-sort on our side.
	params.Set("sort", "desc")
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", a.dataURL, url.PathEscape(symbol), params.Encode())

	var response alpacaBarsResponse
	if err := a.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("fetching bars for %s: %w", symbol, err)
	}

	bars := make([]Bar, 0, len(response.Bars))
	// Response is newest-first; reverse to chronological order.
	for i := len(response.Bars) - 1; i >= 0; i-- {
		bars = append(bars, response.Bars[i].toBar())
	}
	return bars, nil
}

// GetSnapshot retrieves the latest trade, quote, and bars for a symbol.
func (a *AlpacaClient) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol cannot be empty")
	}

	params := url.Values{}
	params.Set("feed", a.feed)
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/snapshot?%s", a.dataURL, url.PathEscape(symbol), params.Encode())

	var response alpacaSnapshot
	if err := a.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("fetching snapshot for %s: %w", symbol, err)
	}

	snap := &Snapshot{Symbol: symbol}
	if response.LatestTrade != nil {
		snap.LatestTrade = Trade{
			Symbol:    symbol,
			Price:     response.LatestTrade.Price,
			Size:      response.LatestTrade.Size,
			Timestamp: response.LatestTrade.Timestamp,
		}
	}
	if response.LatestQuote != nil {
		snap.LatestQuote = Quote{
			Symbol:    symbol,
			BidPrice:  response.LatestQuote.BidPrice,
			BidSize:   response.LatestQuote.BidSize,
			AskPrice:  response.LatestQuote.AskPrice,
			AskSize:   response.LatestQuote.AskSize,
			Timestamp: response.LatestQuote.Timestamp,
		}
	}
	if response.MinuteBar != nil {
		snap.MinuteBar = response.MinuteBar.toBar()
	}
	if response.DailyBar != nil {
		snap.DailyBar = response.DailyBar.toBar()
	}
	if response.PrevDailyBar != nil {
		snap.PrevDailyBar = response.PrevDailyBar.toBar()
	}
	return snap, nil
}

// SubmitOrder places an order and returns the broker's view of it.
func (a *AlpacaClient) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("order symbol cannot be empty")
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("order quantity must be positive, got %d", req.Qty)
	}
	if req.Side != OrderSideBuy && req.Side != OrderSideSell {
		return nil, fmt.Errorf("invalid order side: %s", req.Side)
	}
	switch req.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return nil, fmt.Errorf("limit order requires a positive limit price")
		}
	case OrderTypeStop:
		if req.StopPrice <= 0 {
			return nil, fmt.Errorf("stop order requires a positive stop price")
		}
	case OrderTypeStopLimit:
		if req.LimitPrice <= 0 || req.StopPrice <= 0 {
			return nil, fmt.Errorf("stop-limit order requires positive stop and limit prices")
		}
	default:
		return nil, fmt.Errorf("invalid order type: %s", req.Type)
	}

	tif := req.TimeInForce
	if tif == "" {
		tif = TimeInForceDay
	}

	payload := orderPayload{
		Symbol:        req.Symbol,
		Qty:           strconv.Itoa(req.Qty),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   string(tif),
		ClientOrderID: req.ClientOrderID,
		ExtendedHours: req.ExtendedHours,
	}
	if req.LimitPrice > 0 {
		payload.LimitPrice = strconv.FormatFloat(req.LimitPrice, 'f', -1, 64)
	}
	if req.StopPrice > 0 {
		payload.StopPrice = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	}

	endpoint := a.baseURL + "/v2/orders"

	var response alpacaOrder
	if err := a.makeRequestCtx(ctx, "POST", endpoint, payload, &response); err != nil {
		return nil, err
	}
	return response.toOrder(), nil
}

// GetOrder retrieves the status of an existing order by broker ID.
func (a *AlpacaClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order ID cannot be empty")
	}
	endpoint := fmt.Sprintf("%s/v2/orders/%s", a.baseURL, url.PathEscape(orderID))

	var response alpacaOrder
	if err := a.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.toOrder(), nil
}

// GetOrderByClientID retrieves an order by its idempotent client order ID.
func (a *AlpacaClient) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	if clientOrderID == "" {
		return nil, fmt.Errorf("client order ID cannot be empty")
	}
	params := url.Values{}
	params.Set("client_order_id", clientOrderID)
	endpoint := a.baseURL + "/v2/orders:by_client_order_id?" + params.Encode()

	var response alpacaOrder
	if err := a.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.toOrder(), nil
}

// GetOpenOrders retrieves all working orders on the account.
func (a *AlpacaClient) GetOpenOrders(ctx context.Context) ([]Order, error) {
	params := url.Values{}
	params.Set("status", "open")
	params.Set("limit", "500")
	endpoint := a.baseURL + "/v2/orders?" + params.Encode()

	var response []alpacaOrder
	if err := a.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(response))
	for i := range response {
		orders = append(orders, *response[i].toOrder())
	}
	return orders, nil
}

// CancelOrder cancels a working order. Canceling an already-terminal order
// returns a 422 which callers may treat as success.
func (a *AlpacaClient) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("order ID cannot be empty")
	}
	endpoint := fmt.Sprintf("%s/v2/orders/%s", a.baseURL, url.PathEscape(orderID))
	return a.makeRequestCtx(ctx, "DELETE", endpoint, nil, nil)
}

// GetClock retrieves the current market clock.
func (a *AlpacaClient) GetClock(ctx context.Context) (*MarketClock, error) {
	endpoint := a.baseURL + "/v2/clock"

	var response alpacaClock
	if err := a.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &MarketClock{
		Timestamp: response.Timestamp,
		IsOpen:    response.IsOpen,
		NextOpen:  response.NextOpen,
		NextClose: response.NextClose,
	}, nil
}

// GetCalendar retrieves trading sessions between start and end inclusive.
func (a *AlpacaClient) GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error) {
	params := url.Values{}
	params.Set("start", start.Format("2006-01-02"))
	params.Set("end", end.Format("2006-01-02"))
	endpoint := a.baseURL + "/v2/calendar?" + params.Encode()

	var response []alpacaCalendarDay
	if err := a.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	days := make([]CalendarDay, 0, len(response))
	for _, d := range response {
		days = append(days, CalendarDay{Date: d.Date, Open: d.Open, Close: d.Close})
	}
	return days, nil
}

// makeRequestCtx makes an HTTP request with context support for
// timeout/cancellation. body, when non-nil, is JSON-encoded.
func (a *AlpacaClient) makeRequestCtx(ctx context.Context, method, endpoint string,
	body interface{}, response interface{}) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var req *http.Request
	var err error

	if body != nil {
		encoded, merr := json.Marshal(body)
		if merr != nil {
			return fmt.Errorf("encoding request body: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(encoded))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/json")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("APCA-API-KEY-ID", a.apiKey)
	req.Header.Add("APCA-API-SECRET-KEY", a.apiSecret)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "schrute-scalper/1.0 (+alpaca)")

	start := time.Now()
	resp, err := a.client.Do(req)
	metrics.BrokerLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BrokerRequests.WithLabelValues("error").Inc()
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			// Log error but don't fail the operation
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		metrics.BrokerRequests.WithLabelValues("error").Inc()
		errBody, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if rerr != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(errBody), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(errBody))}
	}
	metrics.BrokerRequests.WithLabelValues("ok").Inc()

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
