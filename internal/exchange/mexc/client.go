package mexc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"spot-rebalance/internal/config"
	"spot-rebalance/internal/core"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

// RawRecorder mirrors successful response payloads for audit. Implementations
// must not block; failures are the recorder's problem, not the request's.
type RawRecorder interface {
	RecordRaw(endpoint string, payload []byte)
}

// Client is the single REST path to the exchange. All requests pass through
// one rate limiter before dispatch; 429 and 5xx responses are retried with
// jittered exponential backoff, other 4xx responses fail fast.
type Client struct {
	apiKey     string
	apiSecret  string
	symbol     string
	recvWindow time.Duration
	maxRetry   int

	rest    *resty.Client
	limiter *rate.Limiter
	log     *logrus.Entry

	timeOffsetMs atomic.Int64

	mu          sync.Mutex
	symbolCache map[string]symbolInfo
	recorder    RawRecorder
}

func NewClient(cfg config.ExchangeConfig, symbol string) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	timeout := 15 * time.Second
	if cfg.HTTPTimeoutSec > 0 {
		timeout = time.Duration(cfg.HTTPTimeoutSec) * time.Second
	}
	rest := resty.New().
		SetBaseURL(strings.TrimRight(cfg.RestBaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	maxRetry := cfg.MaxRetryAttempts
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &Client{
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		symbol:      symbol,
		recvWindow:  time.Duration(cfg.RecvWindowMs) * time.Millisecond,
		maxRetry:    maxRetry,
		rest:        rest,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		log:         logrus.WithField("component", "mexc"),
		symbolCache: make(map[string]symbolInfo),
	}, nil
}

func (c *Client) Name() string { return "mexc" }

func (c *Client) SetRecorder(r RawRecorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
}

func (c *Client) recordRaw(endpoint string, payload []byte) {
	c.mu.Lock()
	recorder := c.recorder
	c.mu.Unlock()
	if recorder == nil {
		return
	}
	recorder.RecordRaw(endpoint, payload)
}

// SyncTime records the offset between exchange and local clocks so signed
// timestamps land inside the recv window.
func (c *Client) SyncTime(ctx context.Context) error {
	var resp serverTimeResponse
	if err := c.getJSON(ctx, http.MethodGet, "/api/v3/time", url.Values{}, AuthNone, &resp); err != nil {
		return err
	}
	c.timeOffsetMs.Store(resp.ServerTime - time.Now().UnixMilli())
	return nil
}

func (c *Client) exchangeNowMs() int64 {
	return time.Now().UnixMilli() + c.timeOffsetMs.Load()
}

func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp tickerPriceResponse
	if err := c.getJSON(ctx, http.MethodGet, "/api/v3/ticker/price", params, AuthNone, &resp); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, errors.Wrap(core.ErrValidation, "/api/v3/ticker/price: price not numeric")
	}
	return price, nil
}

// DepthSnapshot is a full book at one version, the anchor the diff stream
// reconciles against.
type DepthSnapshot struct {
	Version uint64
	Bids    []core.PriceLevel
	Asks    []core.PriceLevel
}

func (c *Client) Depth(ctx context.Context, symbol string, limit int) (DepthSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp depthResponse
	if err := c.getJSON(ctx, http.MethodGet, "/api/v3/depth", params, AuthNone, &resp); err != nil {
		return DepthSnapshot{}, err
	}
	snap := DepthSnapshot{Version: resp.LastUpdateID}
	var err error
	if snap.Bids, err = parseLevels(resp.Bids); err != nil {
		return DepthSnapshot{}, errors.Wrap(core.ErrValidation, "/api/v3/depth: bad bid level")
	}
	if snap.Asks, err = parseLevels(resp.Asks); err != nil {
		return DepthSnapshot{}, errors.Wrap(core.ErrValidation, "/api/v3/depth: bad ask level")
	}
	return snap, nil
}

func parseLevels(raw [][]string) ([]core.PriceLevel, error) {
	levels := make([]core.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, errors.New("level needs price and qty")
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, core.PriceLevel{Price: price, Qty: qty})
	}
	return levels, nil
}

func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var rows [][]json.RawMessage
	if err := c.getJSON(ctx, http.MethodGet, "/api/v3/klines", params, AuthNone, &rows); err != nil {
		return nil, err
	}
	candles := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseKlineRow(row, interval)
		if err != nil {
			return nil, errors.Wrap(core.ErrValidation, "/api/v3/klines: bad row")
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseKlineRow(row []json.RawMessage, interval string) (core.Candle, error) {
	if len(row) < 6 {
		return core.Candle{}, errors.New("kline row too short")
	}
	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return core.Candle{}, err
	}
	fields := make([]decimal.Decimal, 5)
	for i := 0; i < 5; i++ {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return core.Candle{}, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return core.Candle{}, err
		}
		fields[i] = d
	}
	return core.Candle{
		Interval: interval,
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
		Start:    time.UnixMilli(openTime),
	}, nil
}

func (c *Client) Balances(ctx context.Context) (core.Balance, error) {
	if c.symbol == "" {
		return core.Balance{}, errors.New("symbol is required to resolve balances")
	}
	info, err := c.getSymbolInfo(ctx, c.symbol)
	if err != nil {
		return core.Balance{}, err
	}
	var resp accountResponse
	if err := c.getJSON(ctx, http.MethodGet, "/api/v3/account", url.Values{}, AuthSigned, &resp); err != nil {
		return core.Balance{}, err
	}
	bal := core.Balance{UpdatedAt: time.Now().UTC()}
	for _, b := range resp.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		switch b.Asset {
		case info.baseAsset:
			bal.BaseFree = free
			bal.BaseLocked = locked
			bal.Base = free.Add(locked)
		case info.quoteAsset:
			bal.QuoteFree = free
			bal.QuoteLocked = locked
			bal.Quote = free.Add(locked)
		}
	}
	return bal, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side core.Side, qty decimal.Decimal) (core.Order, error) {
	if qty.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, errors.New("order quantity must be positive")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", string(core.Market))
	params.Set("quantity", qty.String())
	var resp orderResponse
	if err := c.getJSON(ctx, http.MethodPost, "/api/v3/order", params, AuthSigned, &resp); err != nil {
		return core.Order{}, err
	}
	return orderFromResponse(resp), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, AuthSigned)
	return err
}

func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	var resp orderResponse
	if err := c.getJSON(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned, &resp); err != nil {
		return core.Order{}, err
	}
	return orderFromResponse(resp), nil
}

func orderFromResponse(resp orderResponse) core.Order {
	price, _ := decimal.NewFromString(resp.Price)
	qty, _ := decimal.NewFromString(resp.OrigQty)
	executed, _ := decimal.NewFromString(resp.ExecutedQty)
	cumQuote, _ := decimal.NewFromString(resp.CumulativeQuoteQty)
	// Market orders report price 0; recover the effective fill price.
	if price.Cmp(decimal.Zero) == 0 && executed.Cmp(decimal.Zero) > 0 {
		price = cumQuote.Div(executed)
	}
	order := core.Order{
		ID:       resp.OrderID,
		ClientID: resp.ClientOrderID,
		Symbol:   resp.Symbol,
		Side:     core.Side(resp.Side),
		Type:     core.OrderType(resp.Type),
		Price:    price,
		Qty:      executed,
		Status:   core.OrderStatus(resp.Status),
	}
	if order.Qty.Cmp(decimal.Zero) == 0 {
		order.Qty = qty
	}
	if resp.TransactTime > 0 {
		order.CreatedAt = time.UnixMilli(resp.TransactTime)
	}
	return order
}

// Listen-key lifecycle. A key expires after the configured validity unless
// kept alive; the session manager owns the renewal cadence.

func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	if err := c.getJSON(ctx, http.MethodPost, "/api/v3/userDataStream", url.Values{}, AuthSigned, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", errors.Wrap(core.ErrValidation, "/api/v3/userDataStream: empty listen key")
	}
	return resp.ListenKey, nil
}

func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	_, err := c.doRequest(ctx, http.MethodPut, "/api/v3/userDataStream", params, AuthSigned)
	return err
}

func (c *Client) CloseListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/userDataStream", params, AuthSigned)
	return err
}

// getJSON performs the request and decodes the body. An undecodable body is
// refetched once before giving up; the validation error names the endpoint
// and payload size only.
func (c *Client) getJSON(ctx context.Context, method, path string, params url.Values, auth AuthType, out any) error {
	for fetch := 0; fetch < 2; fetch++ {
		body, err := c.doRequest(ctx, method, path, cloneValues(params), auth)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, out); err == nil {
			c.recordRaw(path, body)
			return nil
		}
		if fetch == 0 {
			c.log.WithFields(logrus.Fields{"endpoint": path, "bytes": len(body)}).Warn("undecodable response, refetching once")
			continue
		}
		return errors.Wrapf(core.ErrValidation, "%s: undecodable response (%d bytes)", path, len(body))
	}
	return errors.Wrapf(core.ErrValidation, "%s: undecodable response", path)
}

// doRequest dispatches one logical request. The limiter gates every attempt;
// each retry re-stamps and re-signs the parameters so the signature matches
// the fresh timestamp.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	var lastErr error
	for attempt := 1; attempt <= c.maxRetry; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		body, retryable, err := c.dispatch(ctx, method, path, cloneValues(params), auth)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		if attempt == c.maxRetry {
			break
		}
		wait := bo.NextBackOff()
		c.log.WithFields(logrus.Fields{
			"endpoint": path,
			"attempt":  attempt,
			"wait":     wait.String(),
		}).WithError(err).Warn("request failed, backing off")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.Wrapf(lastErr, "%s %s: exhausted %d attempts", method, path, c.maxRetry)
}

func (c *Client) dispatch(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, bool, error) {
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(c.exchangeNowMs(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params.Set("signature", sign(c.apiSecret, params.Encode()))
	}
	req := c.rest.R().SetContext(ctx)
	if auth == AuthAPIKey || auth == AuthSigned {
		req.SetHeader("X-MEXC-APIKEY", c.apiKey)
	}
	if len(params) > 0 {
		req.SetQueryParamsFromValues(params)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, true, errors.Wrapf(err, "%s %s", method, path)
	}
	status := resp.StatusCode()
	body := resp.Body()
	switch {
	case status/100 == 2:
		return body, false, nil
	case status == http.StatusTooManyRequests:
		return nil, true, errors.Wrapf(core.ErrRateLimited, "%s: http 429", path)
	case status/100 == 5:
		return nil, true, errors.Errorf("%s: http %d", path, status)
	default:
		return nil, false, parseAPIError(path, status, body)
	}
}

func cloneValues(params url.Values) url.Values {
	out := make(url.Values, len(params))
	for k, vs := range params {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func parseAPIError(path string, status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return wrapAPIError(apiErr.Code, apiErr.Msg)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return errors.Wrapf(core.ErrAuth, "%s: http %d", path, status)
	}
	return errors.Errorf("%s: http %d (%d bytes)", path, status, len(body))
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) getSymbolInfo(ctx context.Context, symbol string) (symbolInfo, error) {
	if symbol == "" {
		return symbolInfo{}, errors.New("symbol is required")
	}
	c.mu.Lock()
	if info, ok := c.symbolCache[symbol]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", symbol)
	var resp exchangeInfoResponse
	if err := c.getJSON(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, AuthNone, &resp); err != nil {
		return symbolInfo{}, err
	}
	if len(resp.Symbols) == 0 {
		return symbolInfo{}, errors.Errorf("symbol %s not listed", symbol)
	}
	info := symbolInfo{
		baseAsset:  resp.Symbols[0].BaseAsset,
		quoteAsset: resp.Symbols[0].QuoteAsset,
	}
	c.mu.Lock()
	c.symbolCache[symbol] = info
	c.mu.Unlock()
	return info, nil
}
