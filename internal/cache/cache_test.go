package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy_trader/internal/core"
	"copy_trader/internal/masterq"
	"copy_trader/pkg/logging"
)

type fakeAPI struct {
	positionsCalls int32
	balanceCalls   int32
	ordersCalls    int32

	positions *core.PositionsResponse
	balance   core.Balance
	params    core.TradeParams

	positionsErr error
	balanceErr   error
	ordersErr    error
}

func (f *fakeAPI) GetPositions(ctx context.Context) (*core.PositionsResponse, error) {
	atomic.AddInt32(&f.positionsCalls, 1)
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions, nil
}

func (f *fakeAPI) GetBalance(ctx context.Context, asset string) (core.Balance, error) {
	atomic.AddInt32(&f.balanceCalls, 1)
	if f.balanceErr != nil {
		return core.Balance{}, f.balanceErr
	}
	return f.balance, nil
}

func (f *fakeAPI) GetTradeParameters(ctx context.Context, symbol string) (core.TradeParams, error) {
	atomic.AddInt32(&f.ordersCalls, 1)
	if f.ordersErr != nil {
		return core.TradeParams{}, f.ordersErr
	}
	return f.params, nil
}

func (f *fakeAPI) OpenTrade(ctx context.Context, symbol string, ps core.PositionSide, qty decimal.Decimal) (*core.APIResponse, error) {
	return &core.APIResponse{}, nil
}

func (f *fakeAPI) CloseAll(ctx context.Context, symbol string) (*core.APIResponse, error) {
	return &core.APIResponse{}, nil
}

func (f *fakeAPI) ClosePartial(ctx context.Context, symbol string, qty decimal.Decimal, ps core.PositionSide) (*core.APIResponse, error) {
	return &core.APIResponse{}, nil
}

func (f *fakeAPI) SetLeverage(ctx context.Context, symbol string, leverage int, ps core.PositionSide) (*core.APIResponse, error) {
	return &core.APIResponse{}, nil
}

func (f *fakeAPI) SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode) (*core.APIResponse, error) {
	return &core.APIResponse{}, nil
}

func newTestLayer(t *testing.T) *Layer {
	t.Helper()
	q := masterq.New(context.Background(), time.Millisecond, logging.NewNop())
	return New(q, logging.NewNop())
}

func TestMasterPositionsCachedWithinTTL(t *testing.T) {
	l := newTestLayer(t)
	master := &fakeAPI{positions: &core.PositionsResponse{Code: 0}}

	for i := 0; i < 5; i++ {
		resp, err := l.MasterPositions(context.Background(), master)
		require.NoError(t, err)
		assert.True(t, resp.OK())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&master.positionsCalls))
}

func TestMasterPositionsRefetchedAfterTTL(t *testing.T) {
	l := newTestLayer(t)
	master := &fakeAPI{positions: &core.PositionsResponse{Code: 0}}

	now := time.Now()
	l.now = func() time.Time { return now }

	_, err := l.MasterPositions(context.Background(), master)
	require.NoError(t, err)

	now = now.Add(MasterPositionsTTL + time.Millisecond)
	_, err = l.MasterPositions(context.Background(), master)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&master.positionsCalls))
}

func TestConcurrentMissesCollapse(t *testing.T) {
	l := newTestLayer(t)
	master := &fakeAPI{positions: &core.PositionsResponse{Code: 0}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.MasterPositions(context.Background(), master)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&master.positionsCalls))
}

func TestOpenOrdersFailureYieldsEmptyParamsUncached(t *testing.T) {
	l := newTestLayer(t)
	master := &fakeAPI{ordersErr: errors.New("down")}

	params := l.OpenOrders(context.Background(), master, "BTC-USDT")
	assert.Equal(t, core.TradeParams{}, params)

	// The failure must not populate the cache; the next call retries.
	master.ordersErr = nil
	master.params = core.TradeParams{Leverage: 10, TakeProfit: "55000"}
	params = l.OpenOrders(context.Background(), master, "BTC-USDT")
	assert.Equal(t, 10, params.Leverage)
	assert.Equal(t, int32(2), atomic.LoadInt32(&master.ordersCalls))
}

func TestOpenOrdersCachedPerSymbol(t *testing.T) {
	l := newTestLayer(t)
	master := &fakeAPI{params: core.TradeParams{Leverage: 10}}

	l.OpenOrders(context.Background(), master, "BTC-USDT")
	l.OpenOrders(context.Background(), master, "BTC-USDT")
	l.OpenOrders(context.Background(), master, "ETH-USDT")

	assert.Equal(t, int32(2), atomic.LoadInt32(&master.ordersCalls))
}

func TestBalanceFailureYieldsZeroUncached(t *testing.T) {
	l := newTestLayer(t)
	api := &fakeAPI{balanceErr: errors.New("down")}

	b := l.Balance(context.Background(), "alice", api, "USDT")
	assert.True(t, b.Available.IsZero())

	api.balanceErr = nil
	api.balance = core.Balance{Available: decimal.NewFromInt(200)}
	b = l.Balance(context.Background(), "alice", api, "USDT")
	assert.True(t, b.Available.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, int32(2), atomic.LoadInt32(&api.balanceCalls))
}

func TestBalanceCachedPerAccount(t *testing.T) {
	l := newTestLayer(t)
	alice := &fakeAPI{balance: core.Balance{Available: decimal.NewFromInt(100)}}
	bob := &fakeAPI{balance: core.Balance{Available: decimal.NewFromInt(300)}}

	a := l.Balance(context.Background(), "alice", alice, "USDT")
	b := l.Balance(context.Background(), "bob", bob, "USDT")
	a2 := l.Balance(context.Background(), "alice", alice, "USDT")

	assert.True(t, a.Available.Equal(decimal.NewFromInt(100)))
	assert.True(t, b.Available.Equal(decimal.NewFromInt(300)))
	assert.True(t, a2.Available.Equal(a.Available))
	assert.Equal(t, int32(1), atomic.LoadInt32(&alice.balanceCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&bob.balanceCalls))
}
