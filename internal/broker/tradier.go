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
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/eddiefleurent/schrute_scalper/internal/metrics"
)

// Default Tradier endpoints.
const (
	defaultTradierBaseURL    = "https://api.tradier.com/v1"
	defaultTradierSandboxURL = "https://sandbox.tradier.com/v1"
)

// Tradier allows 120 requests/min on production trading routes and 60/min in
// the sandbox; 1/s with a small burst stays inside both.
const defaultTradierRequestsPerSecond = 1

// regularSessionMinutes is the length of a full NYSE session, used to size
// timesales request windows.
const regularSessionMinutes = 390

// singleOrArray absorbs Tradier's habit of collapsing one-element arrays into
// a bare object.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if b[0] == '[' {
		var arr []T
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*s = arr
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = []T{one}
	return nil
}

// TradierClient implements Broker against the Tradier brokerage API. Tradier
// authenticates with a single bearer token and scopes account routes by
// account number, so the client carries both.
type TradierClient struct {
	client    *http.Client
	apiKey    string
	accountID string
	baseURL   string
	limiter   *rate.Limiter
	timeout   time.Duration
	loc       *time.Location

	// profile fields resolved lazily from /user/profile
	mu            sync.Mutex
	profileLoaded bool
	accountStatus string
	dayTrader     bool
}

// Ensure TradierClient implements Broker at compile time.
var _ Broker = (*TradierClient)(nil)

// NewTradierClient creates a new Tradier client. Empty baseURL selects the
// sandbox endpoint when sandbox is true, production otherwise. accountID may
// be empty, in which case the first account on the user profile is used.
func NewTradierClient(apiKey, accountID string, sandbox bool, baseURL string) *TradierClient {
	if baseURL == "" {
		if sandbox {
			baseURL = defaultTradierSandboxURL
		} else {
			baseURL = defaultTradierBaseURL
		}
	}

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Calendar and clock strings are always quoted in exchange time.
		loc = time.FixedZone("ET", -5*60*60)
	}

	const defaultTimeout = 10 * time.Second
	return &TradierClient{
		client:    &http.Client{Timeout: defaultTimeout},
		apiKey:    apiKey,
		accountID: accountID,
		baseURL:   trimTrailingSlash(baseURL),
		limiter:   rate.NewLimiter(rate.Limit(defaultTradierRequestsPerSecond), 5),
		timeout:   defaultTimeout,
		loc:       loc,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierClient) WithHTTPClient(c *http.Client) *TradierClient {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierClient) WithTimeout(timeout time.Duration) *TradierClient {
	t.timeout = timeout
	if t.client != nil {
		t.client.Timeout = timeout
	}
	return t
}

// WithRateLimit overrides the outgoing request rate. Zero disables limiting.
func (t *TradierClient) WithRateLimit(requestsPerSecond float64, burst int) *TradierClient {
	if requestsPerSecond <= 0 {
		t.limiter = nil
		return t
	}
	if burst < 1 {
		burst = 1
	}
	t.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	return t
}

// ============ EXACT API Response Structures ============

type tradierProfileAccount struct {
	AccountNumber  string `json:"account_number"`
	Classification string `json:"classification"`
	DayTrader      bool   `json:"day_trader"`
	Status         string `json:"status"`
	Type           string `json:"type"`
}

type tradierProfileResponse struct {
	Profile struct {
		ID      string                               `json:"id"`
		Name    string                               `json:"name"`
		Account singleOrArray[tradierProfileAccount] `json:"account"`
	} `json:"profile"`
}

type tradierBalancesResponse struct {
	Balances struct {
		AccountNumber string  `json:"account_number"`
		AccountType   string  `json:"account_type"`
		TotalEquity   float64 `json:"total_equity"`
		TotalCash     float64 `json:"total_cash"`
		MarketValue   float64 `json:"market_value"`
		OpenPL        float64 `json:"open_pl"`
		ClosePL       float64 `json:"close_pl"`

		Margin *struct {
			StockBuyingPower float64 `json:"stock_buying_power"`
			StockShortValue  float64 `json:"stock_short_value"`
		} `json:"margin"`
		Cash *struct {
			CashAvailable float64 `json:"cash_available"`
		} `json:"cash"`
		PDT *struct {
			StockBuyingPower float64 `json:"stock_buying_power"`
			StockShortValue  float64 `json:"stock_short_value"`
		} `json:"pdt"`
	} `json:"balances"`
}

// stockBuyingPower extracts buying power based on the account type, falling
// back to settled cash when the section is missing.
func (b *tradierBalancesResponse) stockBuyingPower() float64 {
	switch b.Balances.AccountType {
	case "margin":
		if b.Balances.Margin != nil {
			return b.Balances.Margin.StockBuyingPower
		}
	case "pdt":
		if b.Balances.PDT != nil {
			return b.Balances.PDT.StockBuyingPower
		}
	case "cash":
		if b.Balances.Cash != nil {
			return b.Balances.Cash.CashAvailable
		}
	}
	return b.Balances.TotalCash
}

type tradierPosition struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"` // negative for shorts
	CostBasis    float64 `json:"cost_basis"`
	DateAcquired string  `json:"date_acquired"`
	ID           int     `json:"id"`
}

// tradierPositionsWrapper tolerates the API's empty-book quirk: the positions
// field is the JSON string "null" rather than an empty object.
type tradierPositionsWrapper struct {
	Position singleOrArray[tradierPosition] `json:"position"`
}

func (w *tradierPositionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		w.Position = nil
		return nil
	}
	type alias tradierPositionsWrapper
	var a alias
	if err := json.Unmarshal(trimmed, &a); err != nil {
		return err
	}
	*w = tradierPositionsWrapper(a)
	return nil
}

type tradierPositionsResponse struct {
	Positions tradierPositionsWrapper `json:"positions"`
}

type tradierQuote struct {
	Symbol     string  `json:"symbol"`
	Last       float64 `json:"last"`
	LastVolume int64   `json:"last_volume"`
	TradeDate  int64   `json:"trade_date"` // ms epoch
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	PrevClose  float64 `json:"prevclose"`
	Volume     int64   `json:"volume"`
	Bid        float64 `json:"bid"`
	BidSize    int64   `json:"bidsize"`
	BidDate    int64   `json:"bid_date"` // ms epoch
	Ask        float64 `json:"ask"`
	AskSize    int64   `json:"asksize"`
	AskDate    int64   `json:"ask_date"` // ms epoch
}

type tradierQuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[tradierQuote] `json:"quote"`
	} `json:"quotes"`
}

type tradierOrder struct {
	ID              int     `json:"id"`
	Type            string  `json:"type"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Quantity        float64 `json:"quantity"`
	Status          string  `json:"status"`
	Duration        string  `json:"duration"`
	Price           float64 `json:"price"`
	StopPrice       float64 `json:"stop_price"`
	AvgFillPrice    float64 `json:"avg_fill_price"`
	ExecQuantity    float64 `json:"exec_quantity"`
	LastFillPrice   float64 `json:"last_fill_price"`
	CreateDate      string  `json:"create_date"`
	TransactionDate string  `json:"transaction_date"`
	Class           string  `json:"class"`
	Tag             string  `json:"tag"`
}

func (o *tradierOrder) toOrder() *Order {
	ord := &Order{
		ID:             strconv.Itoa(o.ID),
		ClientOrderID:  o.Tag,
		Symbol:         o.Symbol,
		Qty:            int(o.Quantity),
		FilledQty:      int(o.ExecQuantity),
		Side:           fromTradierSide(o.Side),
		Type:           OrderType(o.Type),
		TimeInForce:    fromTradierDuration(o.Duration),
		Status:         fromTradierStatus(o.Status),
		LimitPrice:     o.Price,
		StopPrice:      o.StopPrice,
		FilledAvgPrice: o.AvgFillPrice,
		SubmittedAt:    parseTradierTime(o.CreateDate),
	}
	if ord.Status.IsFilled() {
		ord.FilledAt = parseTradierTime(o.TransactionDate)
	}
	return ord
}

type tradierOrderEnvelope struct {
	Order tradierOrder `json:"order"`
}

// tradierOrdersWrapper mirrors the positions wrapper; an empty order book
// also arrives as the string "null".
type tradierOrdersWrapper struct {
	Order singleOrArray[tradierOrder] `json:"order"`
}

func (w *tradierOrdersWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		w.Order = nil
		return nil
	}
	type alias tradierOrdersWrapper
	var a alias
	if err := json.Unmarshal(trimmed, &a); err != nil {
		return err
	}
	*w = tradierOrdersWrapper(a)
	return nil
}

type tradierOrdersResponse struct {
	Orders tradierOrdersWrapper `json:"orders"`
}

// tradierOrderAck is the submission response; Tradier acknowledges with just
// an ID, not the full order.
type tradierOrderAck struct {
	Order struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	} `json:"order"`
}

type tradierTimesalesResponse struct {
	Series struct {
		Data singleOrArray[struct {
			Timestamp int64   `json:"timestamp"`
			Open      float64 `json:"open"`
			High      float64 `json:"high"`
			Low       float64 `json:"low"`
			Close     float64 `json:"close"`
			Volume    int64   `json:"volume"`
			VWAP      float64 `json:"vwap"`
		}] `json:"data"`
	} `json:"series"`
}

type tradierHistoryResponse struct {
	History struct {
		Day singleOrArray[struct {
			Date   string  `json:"date"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume int64   `json:"volume"`
		}] `json:"day"`
	} `json:"history"`
}

type tradierClockResponse struct {
	Clock struct {
		Date       string `json:"date"`
		State      string `json:"state"` // premarket | open | postmarket | closed
		Timestamp  int64  `json:"timestamp"`
		NextChange string `json:"next_change"` // HH:MM
		NextState  string `json:"next_state"`
	} `json:"clock"`
}

type tradierCalendarResponse struct {
	Calendar struct {
		Month int `json:"month"`
		Year  int `json:"year"`
		Days  struct {
			Day singleOrArray[tradierCalendarDay] `json:"day"`
		} `json:"days"`
	} `json:"calendar"`
}

type tradierCalendarDay struct {
	Date   string `json:"date"`
	Status string `json:"status"`
	Open   *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"open,omitempty"`
}

// ============ Wire Mapping Helpers ============

// fromTradierStatus maps Tradier order states onto the shared lifecycle.
func fromTradierStatus(s string) OrderStatus {
	switch strings.ToLower(s) {
	case "pending", "calculated":
		return OrderStatusPendingNew
	case "open", "held":
		return OrderStatusAccepted
	case "partially_filled":
		return OrderStatusPartiallyFilled
	case "filled":
		return OrderStatusFilled
	case "canceled":
		return OrderStatusCanceled
	case "expired":
		return OrderStatusExpired
	case "rejected", "error":
		return OrderStatusRejected
	default:
		return OrderStatus(s)
	}
}

func fromTradierSide(s string) OrderSide {
	switch s {
	case "buy", "buy_to_cover":
		return OrderSideBuy
	default:
		return OrderSideSell
	}
}

func fromTradierDuration(d string) TimeInForce {
	if d == "gtc" {
		return TimeInForceGTC
	}
	return TimeInForceDay
}

// parseTradierTime parses the API's RFC3339 timestamps, returning the zero
// time for absent or malformed values.
func parseTradierTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// ============ API Methods ============

// ensureProfile resolves the account number and caches the profile flags.
// With account_id configured the profile call still runs once to pick up the
// account status and the PDT flag.
func (t *TradierClient) ensureProfile(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.profileLoaded {
		return nil
	}

	endpoint := t.baseURL + "/user/profile"
	var response tradierProfileResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return fmt.Errorf("fetching user profile: %w", err)
	}
	accounts := response.Profile.Account
	if len(accounts) == 0 {
		return fmt.Errorf("user profile lists no accounts")
	}

	chosen := accounts[0]
	if t.accountID != "" {
		found := false
		for _, acct := range accounts {
			if acct.AccountNumber == t.accountID {
				chosen = acct
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("account %s not found on user profile", t.accountID)
		}
	}

	t.accountID = chosen.AccountNumber
	t.accountStatus = chosen.Status
	t.dayTrader = chosen.DayTrader
	t.profileLoaded = true
	return nil
}

// GetAccount retrieves the trading account state.
func (t *TradierClient) GetAccount(ctx context.Context) (*Account, error) {
	if err := t.ensureProfile(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, url.PathEscape(t.accountID))
	var response tradierBalancesResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	t.mu.Lock()
	status, dayTrader := t.accountStatus, t.dayTrader
	t.mu.Unlock()

	return &Account{
		ID:               response.Balances.AccountNumber,
		Status:           status,
		Equity:           response.Balances.TotalEquity,
		Cash:             response.Balances.TotalCash,
		BuyingPower:      response.stockBuyingPower(),
		PatternDayTrader: dayTrader,
	}, nil
}

// listPositions fetches the raw position book without pricing it.
func (t *TradierClient) listPositions(ctx context.Context) ([]tradierPosition, error) {
	if err := t.ensureProfile(ctx); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, url.PathEscape(t.accountID))
	var response tradierPositionsResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.Positions.Position, nil
}

// GetPositions retrieves current positions from the account. Tradier's
// positions route only carries cost basis, so one batch quote call prices the
// book; on quote failure the price fields stay zero.
func (t *TradierClient) GetPositions(ctx context.Context) ([]PositionItem, error) {
	raw, err := t.listPositions(ctx)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return []PositionItem{}, nil
	}

	symbols := make([]string, 0, len(raw))
	for _, p := range raw {
		symbols = append(symbols, p.Symbol)
	}
	lastBySymbol := make(map[string]float64, len(symbols))
	if quotes, qerr := t.getQuotes(ctx, symbols); qerr == nil {
		for _, q := range quotes {
			lastBySymbol[q.Symbol] = q.Last
		}
	}

	items := make([]PositionItem, 0, len(raw))
	for _, p := range raw {
		item := PositionItem{
			Symbol:        p.Symbol,
			Qty:           p.Quantity,
			AvgEntryPrice: 0,
		}
		if p.Quantity != 0 {
			item.AvgEntryPrice = p.CostBasis / p.Quantity
		}
		if last, ok := lastBySymbol[p.Symbol]; ok && last > 0 {
			item.CurrentPrice = last
			item.MarketValue = p.Quantity * last
			item.UnrealizedPL = p.Quantity*last - p.CostBasis
		}
		items = append(items, item)
	}
	return items, nil
}

func (t *TradierClient) getQuotes(ctx context.Context, symbols []string) ([]tradierQuote, error) {
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response tradierQuotesResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.Quotes.Quote, nil
}

// tradier intraday aggregation intervals by timeframe.
var tradierIntervals = map[Timeframe]struct {
	name    string
	minutes int
}{
	TimeframeMinute:     {"1min", 1},
	TimeframeFiveMinute: {"5min", 5},
	TimeframeFifteenMin: {"15min", 15},
}

// GetBars retrieves the most recent bars for a symbol, oldest first. The
// timesales route takes a time window rather than a count, so the request
// spans enough sessions to cover the limit and trims to the tail.
func (t *TradierClient) GetBars(ctx context.Context, symbol string, timeframe Timeframe, limit int) ([]Bar, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol cannot be empty")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("bar limit must be positive, got %d", limit)
	}
	if timeframe == TimeframeDay {
		return t.dailyBars(ctx, symbol, limit)
	}
	interval, ok := tradierIntervals[timeframe]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}

	sessionsNeeded := (limit*interval.minutes)/regularSessionMinutes + 1
	// Double plus a few days pads out weekends and holidays.
	calendarDays := sessionsNeeded*2 + 3
	now := time.Now().In(t.loc)

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval.name)
	params.Set("start", now.AddDate(0, 0, -calendarDays).Format("2006-01-02 15:04"))
	params.Set("end", now.Format("2006-01-02 15:04"))
	params.Set("session_filter", "open")
	endpoint := t.baseURL + "/markets/timesales?" + params.Encode()

	var response tradierTimesalesResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("fetching bars for %s: %w", symbol, err)
	}

	data := response.Series.Data
	bars := make([]Bar, 0, len(data))
	for _, d := range data {
		bars = append(bars, Bar{
			Timestamp: time.Unix(d.Timestamp, 0).In(t.loc),
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    d.Volume,
			VWAP:      d.VWAP,
		})
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (t *TradierClient) dailyBars(ctx context.Context, symbol string, limit int) ([]Bar, error) {
	now := time.Now().In(t.loc)
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", "daily")
	params.Set("start", now.AddDate(0, 0, -(limit*7/5+5)).Format("2006-01-02"))
	params.Set("end", now.Format("2006-01-02"))
	endpoint := t.baseURL + "/markets/history?" + params.Encode()

	var response tradierHistoryResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("fetching daily bars for %s: %w", symbol, err)
	}

	days := response.History.Day
	bars := make([]Bar, 0, len(days))
	for _, d := range days {
		ts, err := time.ParseInLocation("2006-01-02", d.Date, t.loc)
		if err != nil {
			continue
		}
		bars = append(bars, Bar{
			Timestamp: ts,
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    d.Volume,
		})
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// GetSnapshot retrieves the latest market state for a symbol. Tradier has no
// snapshot route; a single quote covers trade, book, and daily aggregates.
func (t *TradierClient) GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol cannot be empty")
	}
	quotes, err := t.getQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot for %s: %w", symbol, err)
	}
	if len(quotes) == 0 {
		return nil, &APIError{Status: 404, Body: fmt.Sprintf("no quote for symbol %s", symbol)}
	}
	q := quotes[0]

	quoteTS := q.BidDate
	if q.AskDate > quoteTS {
		quoteTS = q.AskDate
	}
	snap := &Snapshot{
		Symbol: symbol,
		LatestTrade: Trade{
			Symbol:    symbol,
			Price:     q.Last,
			Size:      q.LastVolume,
			Timestamp: time.UnixMilli(q.TradeDate),
		},
		LatestQuote: Quote{
			Symbol:    symbol,
			BidPrice:  q.Bid,
			BidSize:   q.BidSize,
			AskPrice:  q.Ask,
			AskSize:   q.AskSize,
			Timestamp: time.UnixMilli(quoteTS),
		},
		DailyBar: Bar{
			Timestamp: time.UnixMilli(q.TradeDate),
			Open:      q.Open,
			High:      q.High,
			Low:       q.Low,
			Close:     q.Last,
			Volume:    q.Volume,
		},
		PrevDailyBar: Bar{Close: q.PrevClose},
	}
	return snap, nil
}

// resolveSide maps the generic side onto Tradier's four equity sides, which
// need the current book to disambiguate: selling with no long inventory is a
// short sale and buying against a short is a cover.
func (t *TradierClient) resolveSide(ctx context.Context, symbol string, side OrderSide) (string, error) {
	raw, err := t.listPositions(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving order side for %s: %w", symbol, err)
	}
	var qty float64
	for _, p := range raw {
		if strings.EqualFold(p.Symbol, symbol) {
			qty = p.Quantity
			break
		}
	}
	if side == OrderSideBuy {
		if qty < 0 {
			return "buy_to_cover", nil
		}
		return "buy", nil
	}
	if qty > 0 {
		return "sell", nil
	}
	return "sell_short", nil
}

// SubmitOrder places an equity order and returns the broker's view of it.
func (t *TradierClient) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
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

	duration := "day"
	switch req.TimeInForce {
	case "", TimeInForceDay:
	case TimeInForceGTC:
		duration = "gtc"
	default:
		return nil, fmt.Errorf("tradier does not support time in force %q", req.TimeInForce)
	}
	if req.ExtendedHours {
		return nil, fmt.Errorf("tradier equity orders cannot route extended hours")
	}

	if err := t.ensureProfile(ctx); err != nil {
		return nil, err
	}
	side, err := t.resolveSide(ctx, req.Symbol, req.Side)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("class", "equity")
	form.Set("symbol", req.Symbol)
	form.Set("side", side)
	form.Set("quantity", strconv.Itoa(req.Qty))
	form.Set("type", string(req.Type))
	form.Set("duration", duration)
	if req.LimitPrice > 0 {
		form.Set("price", strconv.FormatFloat(req.LimitPrice, 'f', -1, 64))
	}
	if req.StopPrice > 0 {
		form.Set("stop", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
	}
	if req.ClientOrderID != "" {
		form.Set("tag", req.ClientOrderID)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, url.PathEscape(t.accountID))
	var ack tradierOrderAck
	if err := t.makeRequestCtx(ctx, "POST", endpoint, form, &ack); err != nil {
		return nil, err
	}
	if ack.Order.ID == 0 {
		return nil, fmt.Errorf("order submission not acknowledged (status %q)", ack.Order.Status)
	}

	// The acknowledgement carries only an ID; fetch the full order. If the
	// follow-up read fails the order still exists, so return a pending view
	// instead of an error.
	orderID := strconv.Itoa(ack.Order.ID)
	ord, err := t.GetOrder(ctx, orderID)
	if err != nil {
		return &Order{
			ID:            orderID,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Qty:           req.Qty,
			Side:          req.Side,
			Type:          req.Type,
			TimeInForce:   fromTradierDuration(duration),
			Status:        OrderStatusPendingNew,
			LimitPrice:    req.LimitPrice,
			StopPrice:     req.StopPrice,
			SubmittedAt:   time.Now().In(t.loc),
		}, nil
	}
	if ord.ClientOrderID == "" {
		ord.ClientOrderID = req.ClientOrderID
	}
	return ord, nil
}

// GetOrder retrieves the status of an existing order by broker ID.
func (t *TradierClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order ID cannot be empty")
	}
	if err := t.ensureProfile(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("includeTags", "true")
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s?%s",
		t.baseURL, url.PathEscape(t.accountID), url.PathEscape(orderID), params.Encode())

	var response tradierOrderEnvelope
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.Order.toOrder(), nil
}

// GetOrderByClientID retrieves an order by its client order ID. Tradier has
// no lookup route for tags, so this scans the account's order list; the most
// recent match wins.
func (t *TradierClient) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	if clientOrderID == "" {
		return nil, fmt.Errorf("client order ID cannot be empty")
	}
	all, err := t.listOrders(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Tag == clientOrderID {
			return all[i].toOrder(), nil
		}
	}
	return nil, &APIError{Status: 404, Body: fmt.Sprintf("no order tagged %q", clientOrderID)}
}

func (t *TradierClient) listOrders(ctx context.Context) ([]tradierOrder, error) {
	if err := t.ensureProfile(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("includeTags", "true")
	endpoint := fmt.Sprintf("%s/accounts/%s/orders?%s", t.baseURL, url.PathEscape(t.accountID), params.Encode())

	var response tradierOrdersResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.Orders.Order, nil
}

// GetOpenOrders retrieves all working orders on the account.
func (t *TradierClient) GetOpenOrders(ctx context.Context) ([]Order, error) {
	all, err := t.listOrders(ctx)
	if err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(all))
	for i := range all {
		ord := all[i].toOrder()
		if ord.Status.IsTerminal() {
			continue
		}
		orders = append(orders, *ord)
	}
	return orders, nil
}

// CancelOrder cancels a working order.
func (t *TradierClient) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("order ID cannot be empty")
	}
	if err := t.ensureProfile(ctx); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s",
		t.baseURL, url.PathEscape(t.accountID), url.PathEscape(orderID))
	var ack tradierOrderAck
	return t.makeRequestCtx(ctx, "DELETE", endpoint, nil, &ack)
}

// GetClock retrieves the current market clock. Tradier reports only the next
// state transition, so whichever of next open or next close that transition
// does not describe stays zero; callers fall back to the calendar for it.
func (t *TradierClient) GetClock(ctx context.Context) (*MarketClock, error) {
	endpoint := t.baseURL + "/markets/clock"

	var response tradierClockResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	c := response.Clock

	mc := &MarketClock{
		Timestamp: time.Unix(c.Timestamp, 0).In(t.loc),
		IsOpen:    c.State == "open",
	}
	change, err := time.ParseInLocation("2006-01-02 15:04", c.Date+" "+c.NextChange, t.loc)
	if err == nil {
		switch {
		case c.NextState == "open":
			mc.NextOpen = change
		case c.State == "open":
			mc.NextClose = change
		}
	}
	return mc, nil
}

// GetCalendar retrieves trading sessions between start and end inclusive.
// The calendar route is month-granular, so the range walks month by month
// and filters client-side.
func (t *TradierClient) GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("calendar range inverted: %s after %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	startStr := start.Format("2006-01-02")
	endStr := end.Format("2006-01-02")

	var days []CalendarDay
	cursor := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, t.loc)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, t.loc)
	for !cursor.After(last) {
		params := url.Values{}
		params.Set("month", strconv.Itoa(int(cursor.Month())))
		params.Set("year", strconv.Itoa(cursor.Year()))
		endpoint := t.baseURL + "/markets/calendar?" + params.Encode()

		var response tradierCalendarResponse
		if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
			return nil, fmt.Errorf("fetching calendar for %d-%02d: %w", cursor.Year(), cursor.Month(), err)
		}
		for _, d := range response.Calendar.Days.Day {
			if d.Status != "open" || d.Open == nil {
				continue
			}
			// ISO dates compare correctly as strings.
			if d.Date < startStr || d.Date > endStr {
				continue
			}
			days = append(days, CalendarDay{Date: d.Date, Open: d.Open.Start, Close: d.Open.End})
		}
		cursor = cursor.AddDate(0, 1, 0)
	}
	return days, nil
}

// makeRequestCtx makes an HTTP request with context support. form, when
// non-nil, is sent urlencoded; Tradier takes form bodies rather than JSON.
func (t *TradierClient) makeRequestCtx(ctx context.Context, method, endpoint string,
	form url.Values, response interface{}) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var req *http.Request
	var err error

	if form != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "schrute-scalper/1.0 (+tradier)")

	start := time.Now()
	resp, err := t.client.Do(req)
	metrics.BrokerLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BrokerRequests.WithLabelValues("error").Inc()
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
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
