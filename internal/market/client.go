package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/camuig/kumo-trader/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultBaseURL = "https://api.binance.com"
	klinesPath     = "/api/v3/klines"
	tickerPath     = "/api/v3/ticker/24hr"
)

type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RequestDelay  time.Duration // minimum spacing between requests
	RetryAttempts int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// Client reads public market data from a Binance-compatible REST API.
// It never places orders.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	cfg        Config
	logger     *logger.Logger
}

func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryDelay {
		cfg.RetryMaxDelay = cfg.RetryDelay * 16
	}

	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		limiter:    rate.NewLimiter(limit, 1),
		cfg:        cfg,
		logger:     log,
	}
}

// FetchCandles returns up to limit candles for symbol ("BTC/USDT") on timeframe ("15m"),
// oldest first.
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{
		"symbol":   []string{ExchangeSymbol(symbol)},
		"interval": []string{timeframe},
		"limit":    []string{strconv.Itoa(limit)},
	}

	var candles []Candle
	err := c.withRetry(ctx, "fetch candles "+symbol+" "+timeframe, func() error {
		data, err := c.get(ctx, klinesPath, params)
		if err != nil {
			return err
		}
		candles, err = parseKlines(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return candles, nil
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := url.Values{"symbol": []string{ExchangeSymbol(symbol)}}

	var ticker *Ticker
	err := c.withRetry(ctx, "fetch ticker "+symbol, func() error {
		data, err := c.get(ctx, tickerPath, params)
		if err != nil {
			return err
		}
		ticker, err = parseTicker(symbol, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ticker, nil
}

// withRetry runs fn until it succeeds, fails permanently or runs out of attempts.
// Delays grow exponentially between RetryDelay and RetryMaxDelay.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{
		Min:    c.cfg.RetryDelay,
		Max:    c.cfg.RetryMaxDelay,
		Factor: 2,
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == c.cfg.RetryAttempts {
			break
		}

		delay := b.Duration()
		c.logger.Warn("market request failed, retrying",
			"op", op, "attempt", attempt, "delay", delay.String(), "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrTransient, err)
	}

	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status, Message: string(body)}
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != 0 {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Msg
	}
	return apiErr
}

func parseKlines(data []byte) ([]Candle, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("parse klines: short row of %d fields", len(row))
		}
		candles = append(candles, Candle{
			Time:   time.UnixMilli(toInt64(row[0])).UTC(),
			Open:   parseNumber(row[1]),
			High:   parseNumber(row[2]),
			Low:    parseNumber(row[3]),
			Close:  parseNumber(row[4]),
			Volume: parseNumber(row[5]),
		})
	}
	return candles, nil
}

func parseTicker(symbol string, data []byte) (*Ticker, error) {
	var res struct {
		LastPrice   string `json:"lastPrice"`
		BidPrice    string `json:"bidPrice"`
		AskPrice    string `json:"askPrice"`
		Volume      string `json:"volume"`
		QuoteVolume string `json:"quoteVolume"`
		CloseTime   int64  `json:"closeTime"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse ticker: %w", err)
	}

	return &Ticker{
		Symbol:      symbol,
		Last:        parseNumber(res.LastPrice),
		Bid:         parseNumber(res.BidPrice),
		Ask:         parseNumber(res.AskPrice),
		BaseVolume:  parseNumber(res.Volume),
		QuoteVolume: parseNumber(res.QuoteVolume),
		Time:        time.UnixMilli(res.CloseTime).UTC(),
	}, nil
}

// parseNumber reads exchange decimal strings ("0.00012300") exactly before
// converting to float64.
func parseNumber(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return 0
		}
		return d.InexactFloat64()
	default:
		return 0
	}
}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}
