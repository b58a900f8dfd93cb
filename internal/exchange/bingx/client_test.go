package bingx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy_trader/internal/core"
	"copy_trader/pkg/apperrors"
	"copy_trader/pkg/httpclient"
	"copy_trader/pkg/logging"
)

func newTestClient(t *testing.T, serverURL string, opts ...Option) (*Client, *[]time.Duration) {
	t.Helper()
	opts = append([]Option{WithBaseURL(serverURL)}, opts...)
	c := New("test-api-key", "test-secret-key", httpclient.New(5*time.Second), logging.NewNop(), opts...)

	var sleeps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c, &sleeps
}

func TestSignMatchesHMACSHA256(t *testing.T) {
	c, _ := newTestClient(t, "http://unused")
	payload := "recvWindow=5000&symbol=BTC-USDT&timestamp=1700000000000"

	mac := hmac.New(sha256.New, []byte("test-secret-key"))
	mac.Write([]byte(payload))
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, c.Sign(payload))
	assert.Equal(t, c.Sign(payload), c.Sign(payload))
}

func TestBuildQuerySortsKeys(t *testing.T) {
	q := BuildQuery(map[string]string{
		"timestamp": "1",
		"symbol":    "BTC-USDT",
		"leverage":  "10",
	})
	assert.Equal(t, "leverage=10&symbol=BTC-USDT&timestamp=1", q)
}

func TestRateLimitRetryDoublesWait(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":100410,"msg":"rate limited"}`))
			return
		}
		w.Write([]byte(`{"code":0,"msg":"","data":{}}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL)
	resp, err := c.send(context.Background(), http.MethodGet, "/test", nil)
	require.NoError(t, err)
	assert.True(t, resp.OK())

	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)

	// A success resets the wait for the next throttling episode.
	c.mu.Lock()
	assert.Equal(t, time.Second, c.wait)
	c.mu.Unlock()
}

func TestRateLimitWaitCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":100410,"msg":"rate limited"}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, WithMaxRetries(6))
	_, err := c.send(context.Background(), http.MethodGet, "/test", nil)
	require.ErrorIs(t, err, apperrors.ErrRetriesExhausted)

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second,
	}, *sleeps)
}

func TestLogicalErrorReturnedVerbatim(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"code":80012,"msg":"service unavailable"}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL)
	resp, err := c.send(context.Background(), http.MethodGet, "/test", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "logical errors must not be retried")
	assert.Empty(t, *sleeps)
	assert.Equal(t, 80012, resp.Code)
	assert.Equal(t, "service unavailable", resp.Msg)
}

func TestInvalidJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>gateway error</html>`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.send(context.Background(), http.MethodGet, "/test", nil)
	require.NoError(t, err)
	assert.Equal(t, -1, resp.Code)
	assert.Equal(t, "Invalid JSON response", resp.Msg)
}

func TestServerErrorRetriesWithFixedDelay(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"code":0,"msg":""}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, WithMaxRetries(3))
	_, err := c.send(context.Background(), http.MethodGet, "/test", nil)
	require.ErrorIs(t, err, apperrors.ErrRetriesExhausted)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, *sleeps)
}

func TestRequestSignedAndAuthenticated(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Write([]byte(`{"code":0,"msg":"","data":{}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	_, err := c.send(context.Background(), http.MethodGet, "/test", map[string]string{"symbol": "BTC-USDT"})
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "test-api-key", got.Header.Get("X-BX-APIKEY"))

	q := got.URL.Query()
	assert.Equal(t, "BTC-USDT", q.Get("symbol"))
	assert.Equal(t, "5000", q.Get("recvWindow"))
	assert.Equal(t, "1700000000000", q.Get("timestamp"))

	payload := "recvWindow=5000&symbol=BTC-USDT&timestamp=1700000000000"
	assert.Equal(t, c.Sign(payload), q.Get("signature"))
}

func TestGetPositionsParsesAndSkipsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"msg":"","data":[
			{"symbol":"BTC-USDT","positionSide":"LONG","positionAmt":"0.5","leverage":10,
			 "isolated":true,"markPrice":"50000","positionValue":"25000","unrealizedProfit":"12.5"},
			{"symbol":"BAD-USDT","positionSide":"LONG","positionAmt":"oops","leverage":5,
			 "markPrice":"1","positionValue":"1","unrealizedProfit":"0"},
			{"symbol":"GAP-USDT","positionSide":"SHORT","positionAmt":"2","leverage":5,
			 "positionValue":"100","unrealizedProfit":"0"}
		]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.True(t, resp.OK())
	require.Len(t, resp.Positions, 1)

	p := resp.Positions[0]
	assert.Equal(t, "BTC-USDT", p.Symbol)
	assert.Equal(t, core.Long, p.PositionSide)
	assert.True(t, p.Qty.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 10, p.Leverage)
	assert.True(t, p.Isolated)
	assert.True(t, p.MarkPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, p.PositionValue.Equal(decimal.NewFromInt(25000)))
}

func TestGetBalanceFindsAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"msg":"","data":[
			{"asset":"BTC","availableMargin":"0.1","equity":"0.1","usedMargin":"0","balance":"0.1"},
			{"asset":"USDT","availableMargin":"950","equity":"1010","usedMargin":"50","balance":"1000"}
		]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	b, err := c.GetBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(decimal.NewFromInt(950)))
	assert.True(t, b.Equity.Equal(decimal.NewFromInt(1010)))
	assert.True(t, b.Used.Equal(decimal.NewFromInt(50)))
	assert.True(t, b.Total.Equal(decimal.NewFromInt(1000)))
}

func TestGetBalanceWrappedObjectShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"msg":"","data":{"balance":[
			{"asset":"USDT","availableMargin":"200","equity":"200","usedMargin":"0","balance":"200"}
		]}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	b, err := c.GetBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(decimal.NewFromInt(200)))
}

func TestGetTradeParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"msg":"","data":{"orders":[
			{"symbol":"BTC-USDT","type":"TAKE_PROFIT_MARKET","leverage":"10X","stopPrice":"55000"},
			{"symbol":"BTC-USDT","type":"STOP_MARKET","leverage":"10X","stopPrice":"45000"},
			{"symbol":"ETH-USDT","type":"STOP_MARKET","leverage":"5X","stopPrice":"1"}
		]}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	params, err := c.GetTradeParameters(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, 10, params.Leverage)
	assert.Equal(t, "55000", params.TakeProfit)
	assert.Equal(t, "45000", params.StopLoss)
}

func TestOpenTradeWireParams(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Write([]byte(`{"code":0,"msg":"","data":{}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.OpenTrade(context.Background(), "BTC-USDT", core.Short, decimal.RequireFromString("0.002"))
	require.NoError(t, err)
	assert.True(t, resp.OK())

	q := got.URL.Query()
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "SELL", q.Get("side"))
	assert.Equal(t, "SHORT", q.Get("positionSide"))
	assert.Equal(t, "MARKET", q.Get("type"))
	assert.Equal(t, "0.00200000", q.Get("quantity"))
	assert.NotEmpty(t, q.Get("clientOrderId"))
}

func TestSetMarginModeWireValues(t *testing.T) {
	var marginTypes []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		marginTypes = append(marginTypes, r.URL.Query().Get("marginType"))
		w.Write([]byte(`{"code":0,"msg":"","data":{}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	_, err := c.SetMarginMode(context.Background(), "BTC-USDT", core.Cross)
	require.NoError(t, err)
	_, err = c.SetMarginMode(context.Background(), "BTC-USDT", core.Isolated)
	require.NoError(t, err)

	assert.Equal(t, []string{"CROSSED", "ISOLATED"}, marginTypes)
}
