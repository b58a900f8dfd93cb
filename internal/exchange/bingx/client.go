// Package bingx implements the authenticated BingX perpetual-futures session
package bingx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"copy_trader/internal/core"
	"copy_trader/pkg/apperrors"
	"copy_trader/pkg/httpclient"
)

const (
	defaultBaseURL = "https://open-api.bingx.com"

	pathPositions  = "/openApi/swap/v2/user/positions"
	pathBalance    = "/openApi/swap/v3/user/balance"
	pathOpenOrders = "/openApi/swap/v2/trade/openOrders"
	pathOrder      = "/openApi/swap/v2/trade/order"
	pathCloseAll   = "/openApi/swap/v2/trade/closeAllPositions"
	pathLeverage   = "/openApi/swap/v2/trade/leverage"
	pathMarginType = "/openApi/swap/v2/trade/marginType"

	// rateLimitCode is the envelope code BingX returns when a key is throttled.
	rateLimitCode = 100410

	defaultRecvWindow = "5000"
	defaultMaxRetries = 5
	defaultRetryDelay = time.Second
	maxRateLimitWait  = 10 * time.Second
)

// Client is one authenticated session. All sessions in a process share the
// pooled transport; the rate-limit wait is per session because the exchange
// throttles per API key.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow string
	transport  *httpclient.Client
	logger     core.Logger

	maxRetries int
	retryDelay time.Duration

	mu   sync.Mutex
	wait time.Duration

	// overridable in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the exchange endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithMaxRetries overrides the per-call attempt budget.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// New creates a session for one API key pair over the shared transport.
func New(apiKey, secretKey string, transport *httpclient.Client, logger core.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    defaultBaseURL,
		recvWindow: defaultRecvWindow,
		transport:  transport,
		logger:     logger.WithField("component", "bingx"),
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		wait:       time.Second,
		sleep:      sleepCtx,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sign produces the hex HMAC-SHA256 of the payload under the session secret.
func (c *Client) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// BuildQuery serializes params as k=v pairs sorted lexicographically by key.
func BuildQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return strings.Join(pairs, "&")
}

// send runs one signed call with the retry policy: up to maxRetries attempts,
// doubling the rate-limit wait on 429 up to 10s, a fixed delay on network or
// 5xx failures, and an immediate verbatim return on logical errors.
func (c *Client) send(ctx context.Context, method, path string, params map[string]string) (*core.APIResponse, error) {
	if params == nil {
		params = make(map[string]string)
	}
	if _, ok := params["recvWindow"]; !ok {
		params["recvWindow"] = c.recvWindow
	}

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		params["timestamp"] = fmt.Sprintf("%d", c.now().UnixMilli())
		query := BuildQuery(params)
		url := c.baseURL + path + "?" + query + "&signature=" + c.Sign(query)

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-BX-APIKEY", c.apiKey)

		resp, err := c.transport.Do(req)
		if err != nil {
			c.logger.Error("network error", "path", path, "attempt", attempt, "error", err)
			if err := c.sleep(ctx, c.retryDelay); err != nil {
				return nil, err
			}
			continue
		}

		var envelope core.APIResponse
		if jsonErr := json.Unmarshal(resp.Body, &envelope); jsonErr != nil {
			c.logger.Error("undecodable response body", "path", path, "status", resp.StatusCode)
			return &core.APIResponse{Code: -1, Msg: "Invalid JSON response"}, nil
		}

		if resp.StatusCode == http.StatusTooManyRequests || envelope.Code == rateLimitCode {
			wait := c.nextRateLimitWait()
			c.logger.Warn("rate limited", "path", path, "attempt", attempt, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			c.logger.Warn("server error", "path", path, "status", resp.StatusCode, "attempt", attempt)
			if err := c.sleep(ctx, c.retryDelay); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusOK && envelope.Code == 0 {
			c.resetRateLimitWait()
			return &envelope, nil
		}

		// Logical error: hand the envelope back verbatim, the caller decides.
		// Retrying an order here risks a duplicate trade.
		c.logger.Warn("api error", "path", path, "status", resp.StatusCode,
			"code", envelope.Code, "msg", envelope.Msg)
		return &envelope, nil
	}

	return nil, fmt.Errorf("%w: %s %s", apperrors.ErrRetriesExhausted, method, path)
}

// nextRateLimitWait returns the current wait and doubles it for the next hit.
func (c *Client) nextRateLimitWait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	wait := c.wait
	c.wait *= 2
	if c.wait > maxRateLimitWait {
		c.wait = maxRateLimitWait
	}
	return wait
}

func (c *Client) resetRateLimitWait() {
	c.mu.Lock()
	c.wait = time.Second
	c.mu.Unlock()
}

type wirePosition struct {
	Symbol           string      `json:"symbol"`
	PositionSide     string      `json:"positionSide"`
	PositionAmt      json.Number `json:"positionAmt"`
	Leverage         json.Number `json:"leverage"`
	Isolated         bool        `json:"isolated"`
	MarkPrice        json.Number `json:"markPrice"`
	PositionValue    json.Number `json:"positionValue"`
	UnrealizedProfit json.Number `json:"unrealizedProfit"`
}

// GetPositions returns the account's open positions.
func (c *Client) GetPositions(ctx context.Context) (*core.PositionsResponse, error) {
	resp, err := c.send(ctx, http.MethodGet, pathPositions, map[string]string{})
	if err != nil {
		return nil, err
	}
	out := &core.PositionsResponse{Code: resp.Code, Msg: resp.Msg}
	if !resp.OK() {
		return out, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		return &core.PositionsResponse{Code: -1, Msg: "Invalid JSON response"}, nil
	}

	// Entries decode one by one so a single bad record cannot fail the
	// whole listing.
	for _, r := range raw {
		var e wirePosition
		if err := json.Unmarshal(r, &e); err != nil {
			c.logger.Warn("skipping undecodable position entry", "error", err)
			continue
		}
		pos, err := e.toPosition()
		if err != nil {
			c.logger.Warn("skipping malformed position entry", "symbol", e.Symbol, "error", err)
			continue
		}
		out.Positions = append(out.Positions, pos)
	}
	return out, nil
}

func (w wirePosition) toPosition() (core.ExchangePosition, error) {
	qty, err := decimal.NewFromString(w.PositionAmt.String())
	if err != nil {
		return core.ExchangePosition{}, fmt.Errorf("positionAmt: %w", err)
	}
	lev, err := w.Leverage.Int64()
	if err != nil {
		lev = 0
	}
	mark, err := decimal.NewFromString(w.MarkPrice.String())
	if err != nil {
		return core.ExchangePosition{}, fmt.Errorf("markPrice: %w", err)
	}
	value, err := decimal.NewFromString(w.PositionValue.String())
	if err != nil {
		return core.ExchangePosition{}, fmt.Errorf("positionValue: %w", err)
	}
	pnl, _ := decimal.NewFromString(w.UnrealizedProfit.String())

	return core.ExchangePosition{
		Symbol:        w.Symbol,
		PositionSide:  core.PositionSide(strings.ToUpper(w.PositionSide)),
		Qty:           qty,
		Leverage:      int(lev),
		Isolated:      w.Isolated,
		MarkPrice:     mark,
		PositionValue: value,
		UnrealizedPnL: pnl,
	}, nil
}

type wireBalance struct {
	Asset           string      `json:"asset"`
	AvailableMargin json.Number `json:"availableMargin"`
	Equity          json.Number `json:"equity"`
	UsedMargin      json.Number `json:"usedMargin"`
	Balance         json.Number `json:"balance"`
}

// GetBalance returns the margin figures for one settlement asset, or a zero
// balance when the asset is missing or the call logically fails.
func (c *Client) GetBalance(ctx context.Context, asset string) (core.Balance, error) {
	resp, err := c.send(ctx, http.MethodGet, pathBalance, map[string]string{})
	if err != nil {
		return core.Balance{}, err
	}
	if !resp.OK() {
		c.logger.Warn("balance fetch failed", "code", resp.Code, "msg", resp.Msg)
		return core.Balance{}, nil
	}

	var entries []wireBalance
	if err := json.Unmarshal(resp.Data, &entries); err != nil {
		// Some gateway versions wrap the array in an object.
		var wrapped struct {
			Balance []wireBalance `json:"balance"`
		}
		if err2 := json.Unmarshal(resp.Data, &wrapped); err2 != nil {
			return core.Balance{}, nil
		}
		entries = wrapped.Balance
	}

	for _, e := range entries {
		if e.Asset != asset {
			continue
		}
		return core.Balance{
			Available: numToDecimal(e.AvailableMargin),
			Equity:    numToDecimal(e.Equity),
			Used:      numToDecimal(e.UsedMargin),
			Total:     numToDecimal(e.Balance),
		}, nil
	}
	c.logger.Warn("asset not present in balance listing", "asset", asset)
	return core.Balance{}, nil
}

func numToDecimal(n json.Number) decimal.Decimal {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

// GetTradeParameters parses leverage, take-profit and stop-loss from the
// account's open conditional orders on the symbol.
func (c *Client) GetTradeParameters(ctx context.Context, symbol string) (core.TradeParams, error) {
	resp, err := c.send(ctx, http.MethodGet, pathOpenOrders, map[string]string{"symbol": symbol})
	if err != nil {
		return core.TradeParams{}, err
	}
	if !resp.OK() {
		c.logger.Warn("open orders fetch failed", "symbol", symbol, "code", resp.Code)
		return core.TradeParams{}, nil
	}

	var data struct {
		Orders []struct {
			Symbol    string `json:"symbol"`
			Type      string `json:"type"`
			Leverage  string `json:"leverage"`
			StopPrice string `json:"stopPrice"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return core.TradeParams{}, nil
	}

	var params core.TradeParams
	for _, o := range data.Orders {
		if o.Symbol != symbol {
			continue
		}
		if params.Leverage == 0 && o.Leverage != "" {
			var lev int
			fmt.Sscanf(strings.TrimSuffix(strings.ToUpper(o.Leverage), "X"), "%d", &lev)
			params.Leverage = lev
		}
		switch o.Type {
		case "TAKE_PROFIT_MARKET":
			params.TakeProfit = o.StopPrice
		case "STOP_MARKET":
			params.StopLoss = o.StopPrice
		}
	}
	return params, nil
}

// OpenTrade places a market order opening a position; BUY opens LONG and
// SELL opens SHORT.
func (c *Client) OpenTrade(ctx context.Context, symbol string, ps core.PositionSide, qty decimal.Decimal) (*core.APIResponse, error) {
	params := map[string]string{
		"symbol":        symbol,
		"side":          string(core.OpeningSide(ps)),
		"positionSide":  string(ps),
		"type":          "MARKET",
		"quantity":      qty.StringFixed(8),
		"clientOrderId": uuid.NewString(),
	}
	return c.send(ctx, http.MethodPost, pathOrder, params)
}

// CloseAll closes the entire position on the symbol.
func (c *Client) CloseAll(ctx context.Context, symbol string) (*core.APIResponse, error) {
	return c.send(ctx, http.MethodPost, pathCloseAll, map[string]string{"symbol": symbol})
}

// ClosePartial reduces the position with a market order on the opposite side.
func (c *Client) ClosePartial(ctx context.Context, symbol string, qty decimal.Decimal, ps core.PositionSide) (*core.APIResponse, error) {
	params := map[string]string{
		"symbol":        symbol,
		"side":          string(core.ClosingSide(ps)),
		"positionSide":  string(ps),
		"type":          "MARKET",
		"quantity":      qty.StringFixed(8),
		"clientOrderId": uuid.NewString(),
		"recvWindow":    "10000",
	}
	return c.send(ctx, http.MethodPost, pathOrder, params)
}

// SetLeverage updates the leverage for one side of the symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, ps core.PositionSide) (*core.APIResponse, error) {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": fmt.Sprintf("%d", leverage),
		"side":     string(ps),
	}
	return c.send(ctx, http.MethodPost, pathLeverage, params)
}

// SetMarginMode updates the margin mode of the symbol. The wire value for
// cross margin is CROSSED, not CROSS.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode) (*core.APIResponse, error) {
	marginType := "ISOLATED"
	if mode == core.Cross {
		marginType = "CROSSED"
	}
	params := map[string]string{
		"symbol":     symbol,
		"marginType": marginType,
		"recvWindow": "60000",
	}
	return c.send(ctx, http.MethodPost, pathMarginType, params)
}

var _ core.ExchangeAPI = (*Client)(nil)
