// Package cache holds the TTL caches in front of the exchange
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"copy_trader/internal/core"
	"copy_trader/internal/masterq"
)

// TTLs and the upstream fetch timeout. Master positions turn over fastest;
// balances and open-order parameters move slowly enough to hold longer.
const (
	MasterPositionsTTL = 800 * time.Millisecond
	OpenOrdersTTL      = 12 * time.Second
	BalanceTTL         = 20 * time.Second
	FetchTimeout       = 5 * time.Second
)

type entry[T any] struct {
	value T
	at    time.Time
}

func (e entry[T]) fresh(now time.Time, ttl time.Duration) bool {
	return !e.at.IsZero() && now.Sub(e.at) < ttl
}

// Layer caches master positions, per-symbol open-order parameters and
// per-follower balances. Master-side acquisitions go through the call queue;
// follower balances hit the follower session directly. Concurrent misses on
// one key collapse into a single upstream call.
type Layer struct {
	queue  *masterq.Queue
	logger core.Logger

	mu        sync.Mutex
	positions entry[*core.PositionsResponse]
	orders    map[string]entry[core.TradeParams]
	balances  map[string]entry[core.Balance]

	positionsFlight singleflight.Group
	ordersFlight    singleflight.Group
	balancesFlight  singleflight.Group

	now func() time.Time
}

// New creates the cache layer over the master call queue.
func New(queue *masterq.Queue, logger core.Logger) *Layer {
	return &Layer{
		queue:    queue,
		logger:   logger.WithField("component", "cache"),
		orders:   make(map[string]entry[core.TradeParams]),
		balances: make(map[string]entry[core.Balance]),
		now:      time.Now,
	}
}

// MasterPositions returns the master's open positions, at most one upstream
// poll per TTL window.
func (l *Layer) MasterPositions(ctx context.Context, master core.ExchangeAPI) (*core.PositionsResponse, error) {
	l.mu.Lock()
	if l.positions.fresh(l.now(), MasterPositionsTTL) {
		cached := l.positions.value
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	v, err, _ := l.positionsFlight.Do("master", func() (interface{}, error) {
		l.mu.Lock()
		if l.positions.fresh(l.now(), MasterPositionsTTL) {
			cached := l.positions.value
			l.mu.Unlock()
			return cached, nil
		}
		l.mu.Unlock()

		fetchCtx, cancel := context.WithTimeout(ctx, FetchTimeout)
		defer cancel()
		res, err := l.queue.Do(fetchCtx, func(ctx context.Context) (interface{}, error) {
			return master.GetPositions(ctx)
		})
		if err != nil {
			return nil, err
		}
		resp := res.(*core.PositionsResponse)

		l.mu.Lock()
		l.positions = entry[*core.PositionsResponse]{value: resp, at: l.now()}
		l.mu.Unlock()
		return resp, nil
	})
	if err != nil {
		l.logger.Warn("master positions fetch failed", "error", err)
		return nil, err
	}
	return v.(*core.PositionsResponse), nil
}

// OpenOrders returns the master's trade parameters for one symbol. Failures
// yield empty parameters without populating the cache.
func (l *Layer) OpenOrders(ctx context.Context, master core.ExchangeAPI, symbol string) core.TradeParams {
	l.mu.Lock()
	if e, ok := l.orders[symbol]; ok && e.fresh(l.now(), OpenOrdersTTL) {
		l.mu.Unlock()
		return e.value
	}
	l.mu.Unlock()

	v, err, _ := l.ordersFlight.Do(symbol, func() (interface{}, error) {
		l.mu.Lock()
		if e, ok := l.orders[symbol]; ok && e.fresh(l.now(), OpenOrdersTTL) {
			l.mu.Unlock()
			return e.value, nil
		}
		l.mu.Unlock()

		fetchCtx, cancel := context.WithTimeout(ctx, FetchTimeout)
		defer cancel()
		res, err := l.queue.Do(fetchCtx, func(ctx context.Context) (interface{}, error) {
			return master.GetTradeParameters(ctx, symbol)
		})
		if err != nil {
			return nil, err
		}
		params := res.(core.TradeParams)

		l.mu.Lock()
		l.orders[symbol] = entry[core.TradeParams]{value: params, at: l.now()}
		l.mu.Unlock()
		return params, nil
	})
	if err != nil {
		l.logger.Warn("open orders fetch failed", "symbol", symbol, "error", err)
		return core.TradeParams{}
	}
	return v.(core.TradeParams)
}

// Balance returns one account's balance by name, hitting the given session
// directly. A failed fetch yields a zero balance without populating the cache.
func (l *Layer) Balance(ctx context.Context, name string, api core.ExchangeAPI, asset string) core.Balance {
	l.mu.Lock()
	if e, ok := l.balances[name]; ok && e.fresh(l.now(), BalanceTTL) {
		l.mu.Unlock()
		return e.value
	}
	l.mu.Unlock()

	v, err, _ := l.balancesFlight.Do(name, func() (interface{}, error) {
		l.mu.Lock()
		if e, ok := l.balances[name]; ok && e.fresh(l.now(), BalanceTTL) {
			l.mu.Unlock()
			return e.value, nil
		}
		l.mu.Unlock()

		fetchCtx, cancel := context.WithTimeout(ctx, FetchTimeout)
		defer cancel()
		balance, err := api.GetBalance(fetchCtx, asset)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.balances[name] = entry[core.Balance]{value: balance, at: l.now()}
		l.mu.Unlock()
		return balance, nil
	})
	if err != nil {
		l.logger.Warn("balance fetch failed", "account", name, "error", err)
		return core.Balance{}
	}
	return v.(core.Balance)
}
