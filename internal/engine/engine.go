// Package engine runs the master poll loop and dispatches mirror events
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/alitto/pond"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"

	"copy_trader/internal/cache"
	"copy_trader/internal/core"
	"copy_trader/internal/sizing"
	"copy_trader/internal/state"
	"copy_trader/internal/trading"
	"copy_trader/pkg/telemetry"
)

// Loop cadence and refresher intervals. The poll interval is how often the
// loop wakes; the positions cache keeps actual upstream traffic far lower.
const (
	DefaultPollInterval        = 100 * time.Millisecond
	DefaultErrorSleep          = time.Second
	DefaultCredentialsInterval = 2000 * time.Second
	DefaultBalancesInterval    = 600 * time.Second
	DefaultBalanceGap          = 1500 * time.Millisecond
	DefaultWorkers             = 5
)

// partialCloseThreshold: a master quantity below 0.9 of the previous
// snapshot counts as a partial close. Exactly 0.9 does not.
var partialCloseThreshold = decimal.NewFromFloat(0.9)

// SessionFactory builds an authenticated exchange session from a key pair.
type SessionFactory func(apiKey, secretKey string) core.ExchangeAPI

// Engine diffs consecutive master snapshots and turns the differences into
// open, partial-close and full-close fan-outs. One goroutine owns the loop;
// fan-outs run on a bounded worker pool so a slow batch never stalls polling.
type Engine struct {
	master   core.ExchangeAPI
	cache    *cache.Layer
	tracker  *state.Tracker
	ops      *trading.Ops
	creds    core.CredentialSource
	sessions SessionFactory
	logger   core.Logger

	asset         string
	pollInterval  time.Duration
	errorSleep    time.Duration
	credsEvery    time.Duration
	balancesEvery time.Duration
	balanceGap    time.Duration

	pool *pond.WorkerPool

	tickCounter metric.Int64Counter
	openGauge   metric.Int64Gauge
}

// Option configures the engine.
type Option func(*Engine)

// WithPollInterval overrides the loop cadence.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithErrorSleep overrides the pause after a failed or rejected poll.
func WithErrorSleep(d time.Duration) Option {
	return func(e *Engine) { e.errorSleep = d }
}

// WithRefreshIntervals overrides the credential and balance refresher cadence.
func WithRefreshIntervals(creds, balances, balanceGap time.Duration) Option {
	return func(e *Engine) {
		e.credsEvery = creds
		e.balancesEvery = balances
		e.balanceGap = balanceGap
	}
}

func New(
	master core.ExchangeAPI,
	cacheLayer *cache.Layer,
	tracker *state.Tracker,
	ops *trading.Ops,
	creds core.CredentialSource,
	sessions SessionFactory,
	asset string,
	logger core.Logger,
	opts ...Option,
) *Engine {
	meter := telemetry.GetMeter("sync-engine")
	tickCounter, _ := meter.Int64Counter("sync_ticks_total",
		metric.WithDescription("Total number of completed sync ticks"))
	openGauge, _ := meter.Int64Gauge("master_open_positions",
		metric.WithDescription("Number of open positions at the master account"))

	e := &Engine{
		master:        master,
		cache:         cacheLayer,
		tracker:       tracker,
		ops:           ops,
		creds:         creds,
		sessions:      sessions,
		logger:        logger.WithField("component", "engine"),
		asset:         asset,
		pollInterval:  DefaultPollInterval,
		errorSleep:    DefaultErrorSleep,
		credsEvery:    DefaultCredentialsInterval,
		balancesEvery: DefaultBalancesInterval,
		balanceGap:    DefaultBalanceGap,
		pool:          pond.New(DefaultWorkers, 100),
		tickCounter:   tickCounter,
		openGauge:     openGauge,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run loads state, reconciles followers against the exchange, starts the
// background refreshers and then polls until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.tracker.Load(ctx); err != nil {
		return err
	}

	followers, err := e.refreshFollowers(ctx)
	if err != nil {
		return err
	}
	e.reconcileFollowers(ctx, followers)
	e.refreshBalances(ctx)

	go e.credentialsRefresher(ctx)
	go e.balancesRefresher(ctx)

	e.logger.Info("sync loop starting", "poll_interval", e.pollInterval)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	defer e.pool.StopAndWait()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync loop stopping")
			return ctx.Err()
		case <-ticker.C:
			if !e.tick(ctx) {
				if !sleep(ctx, e.errorSleep) {
					return ctx.Err()
				}
			}
		}
	}
}

// tick runs one poll-diff-dispatch pass. Returns false when the poll failed
// and the loop should back off.
func (e *Engine) tick(ctx context.Context) bool {
	resp, err := e.cache.MasterPositions(ctx, e.master)
	if err != nil {
		return false
	}
	if !resp.OK() {
		e.logger.Warn("master positions poll rejected", "code", resp.Code, "msg", resp.Msg)
		return false
	}

	openNow := e.buildSnapshot(ctx, resp.Positions)
	last := e.tracker.LastPositions()

	e.detectPartialCloses(ctx, last, openNow)
	e.detectOpens(ctx, openNow)
	e.detectFullCloses(ctx, last, openNow)

	e.tracker.SetLastPositions(ctx, openNow)
	e.tickCounter.Add(ctx, 1)
	e.openGauge.Record(ctx, int64(len(openNow)))
	return true
}

// buildSnapshot converts the poll result into the keyed snapshot the diff
// operates on. Zero-quantity entries never enter the snapshot; entries whose
// leverage cannot be determined are skipped this tick.
func (e *Engine) buildSnapshot(ctx context.Context, positions []core.ExchangePosition) map[string]core.Position {
	openNow := make(map[string]core.Position, len(positions))
	for _, p := range positions {
		if p.Qty.IsZero() {
			continue
		}
		qty := p.Qty.Abs()

		params := e.cache.OpenOrders(ctx, e.master, p.Symbol)
		leverage := p.Leverage
		if params.Leverage > 0 {
			leverage = params.Leverage
		}
		if leverage <= 0 {
			e.logger.Warn("skipping position with unknown leverage", "symbol", p.Symbol)
			continue
		}

		openNow[p.Symbol] = core.Position{
			Qty:           qty,
			Side:          core.OpeningSide(p.PositionSide),
			PositionSide:  p.PositionSide,
			Leverage:      leverage,
			TakeProfit:    params.TakeProfit,
			StopLoss:      params.StopLoss,
			Isolated:      p.Isolated,
			UnrealizedPnL: p.UnrealizedPnL,
			MarkPrice:     p.MarkPrice,
			PositionValue: p.PositionValue,
		}
	}
	return openNow
}

// detectPartialCloses compares quantities for symbols present in both
// snapshots and mirrors any reduction past the threshold.
func (e *Engine) detectPartialCloses(ctx context.Context, last, openNow map[string]core.Position) {
	for symbol, prev := range last {
		now, ok := openNow[symbol]
		if !ok || prev.Qty.Sign() <= 0 {
			continue
		}
		if now.Qty.GreaterThanOrEqual(prev.Qty.Mul(partialCloseThreshold)) {
			continue
		}
		closedPct := prev.Qty.Sub(now.Qty).Div(prev.Qty)
		e.logger.Info("master reduced position",
			"symbol", symbol, "prev_qty", prev.Qty, "new_qty", now.Qty, "closed_pct", closedPct)

		symbol, ps := symbol, now.PositionSide
		e.pool.Submit(func() {
			e.ops.ClosePartial(ctx, symbol, closedPct, ps)
		})
	}
}

// detectOpens dispatches an open fan-out for every symbol not yet copied.
// The symbol is marked copied before dispatch so a slow fan-out cannot be
// re-dispatched by the next tick.
func (e *Engine) detectOpens(ctx context.Context, openNow map[string]core.Position) {
	for symbol, pos := range openNow {
		if e.tracker.IsCopied(symbol) {
			continue
		}

		masterBalance := e.cache.Balance(ctx, "master", e.master, e.asset)
		masterPct := sizing.MasterPct(pos.PositionValue, pos.Leverage, masterBalance.Available)
		if masterPct.Sign() <= 0 {
			e.logger.Warn("master allocation not positive, skipping open",
				"symbol", symbol, "position_value", pos.PositionValue, "available", masterBalance.Available)
			continue
		}

		e.tracker.MarkCopied(ctx, symbol)
		e.logger.Info("master opened position",
			"symbol", symbol, "side", pos.PositionSide, "qty", pos.Qty, "master_pct", masterPct)

		ev := trading.OpenEvent{
			Symbol:       symbol,
			PositionSide: pos.PositionSide,
			MasterPct:    masterPct,
			Price:        pos.MarkPrice,
			Leverage:     pos.Leverage,
			MarginMode:   pos.MarginMode(),
			TakeProfit:   pos.TakeProfit,
			StopLoss:     pos.StopLoss,
		}
		e.pool.Submit(func() {
			e.ops.Open(ctx, ev)
		})
	}
}

// detectFullCloses dispatches a close fan-out for every symbol that left the
// master snapshot, guarded so overlapping ticks cannot close twice.
func (e *Engine) detectFullCloses(ctx context.Context, last, openNow map[string]core.Position) {
	for symbol := range last {
		if _, stillOpen := openNow[symbol]; stillOpen {
			continue
		}
		if !e.tracker.TryBeginClose(ctx, symbol) {
			continue
		}
		e.logger.Info("master closed position", "symbol", symbol)

		symbol := symbol
		e.pool.Submit(func() {
			defer e.tracker.EndClose(ctx, symbol)
			e.ops.CloseAll(ctx, symbol)
			e.tracker.ClearCopied(ctx, symbol)
		})
	}
}

// refreshFollowers reloads credentials and rebuilds the follower sessions.
// Follower names are lowercased so state keys stay stable across renames of
// letter case only.
func (e *Engine) refreshFollowers(ctx context.Context) ([]core.Follower, error) {
	set, err := e.creds.Load(ctx)
	if err != nil {
		return nil, err
	}
	followers := make([]core.Follower, 0, len(set.Followers))
	for _, fc := range set.Followers {
		followers = append(followers, core.Follower{
			ID:   fc.ID,
			Name: strings.ToLower(fc.Name),
			API:  e.sessions(fc.APIKey, fc.SecretKey),
		})
	}
	e.ops.SetFollowers(followers)
	e.logger.Info("follower sessions refreshed", "count", len(followers))
	return followers, nil
}

// reconcileFollowers aligns stored follower quantities with what the
// exchange actually reports, once, at boot. Positions closed while the
// engine was down are dropped; live quantities overwrite stale ones.
func (e *Engine) reconcileFollowers(ctx context.Context, followers []core.Follower) {
	for _, f := range followers {
		resp, err := f.API.GetPositions(ctx)
		if err != nil || !resp.OK() {
			e.logger.Warn("boot reconciliation poll failed, keeping stored quantities",
				"follower", f.Name, "error", err)
			continue
		}

		live := make(map[string]decimal.Decimal, len(resp.Positions))
		for _, p := range resp.Positions {
			if !p.Qty.IsZero() {
				live[p.Symbol] = p.Qty.Abs()
			}
		}

		for symbol, qty := range live {
			e.tracker.SetFollowerPosition(ctx, f.Name, symbol, qty)
		}
		for _, symbol := range e.tracker.FollowerSymbols(f.Name) {
			if _, ok := live[symbol]; !ok {
				e.tracker.SetFollowerPosition(ctx, f.Name, symbol, decimal.Zero)
			}
		}
	}
	e.logger.Info("boot reconciliation done", "followers", len(followers))
}

// refreshBalances polls every follower's balance sequentially with a gap in
// between, then pushes the batch to the trade executor.
func (e *Engine) refreshBalances(ctx context.Context) {
	followers := e.opsFollowers()
	balances := make(map[string]core.Balance, len(followers))
	for i, f := range followers {
		balances[f.Name] = e.cache.Balance(ctx, f.Name, f.API, e.asset)
		if i < len(followers)-1 {
			if !sleep(ctx, e.balanceGap) {
				return
			}
		}
	}
	e.ops.SetBalances(balances)
	e.logger.Debug("follower balances refreshed", "count", len(balances))
}

func (e *Engine) opsFollowers() []core.Follower {
	return e.ops.Followers()
}

func (e *Engine) credentialsRefresher(ctx context.Context) {
	ticker := time.NewTicker(e.credsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.refreshFollowers(ctx); err != nil {
				e.logger.Error("credential refresh failed", "error", err)
			}
		}
	}
}

func (e *Engine) balancesRefresher(ctx context.Context) {
	ticker := time.NewTicker(e.balancesEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshBalances(ctx)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
