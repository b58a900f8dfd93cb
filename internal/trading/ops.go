// Package trading executes mirrored trades across the follower fleet
package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"copy_trader/internal/core"
	"copy_trader/internal/sizing"
	"copy_trader/internal/state"
	"copy_trader/pkg/telemetry"
)

// Batch sizes and the pause between batches. Opens fan out in tens, closes
// in sevens, both with a breather so dozens of follower keys do not hammer
// the exchange in the same instant.
const (
	DefaultOpenBatchSize  = 10
	DefaultCloseBatchSize = 7
	DefaultBatchGap       = time.Second
)

// minCloseAmount is the dust threshold under which a partial close is skipped.
var minCloseAmount = decimal.New(1, -6)

// OpenEvent carries everything needed to mirror one master open.
type OpenEvent struct {
	Symbol       string
	PositionSide core.PositionSide
	MasterPct    decimal.Decimal
	Price        decimal.Decimal
	Leverage     int
	MarginMode   core.MarginMode
	TakeProfit   string
	StopLoss     string
}

// Ops executes open, full-close and partial-close fan-outs over the current
// follower list. The follower list and their balances are pushed in by the
// engine; state mutations go through the tracker which persists each change.
type Ops struct {
	tracker  *state.Tracker
	notifier core.Notifier
	logger   core.Logger

	openBatchSize  int
	closeBatchSize int
	batchGap       time.Duration

	mu        sync.RWMutex
	followers []core.Follower
	balances  map[string]core.Balance

	openCounter  metric.Int64Counter
	closeCounter metric.Int64Counter
	errCounter   metric.Int64Counter
}

// Option configures Ops.
type Option func(*Ops)

// WithBatching overrides batch sizes and the inter-batch gap.
func WithBatching(openSize, closeSize int, gap time.Duration) Option {
	return func(o *Ops) {
		o.openBatchSize = openSize
		o.closeBatchSize = closeSize
		o.batchGap = gap
	}
}

func NewOps(tracker *state.Tracker, notifier core.Notifier, logger core.Logger, opts ...Option) *Ops {
	meter := telemetry.GetMeter("trade-ops")
	openCounter, _ := meter.Int64Counter("trade_opens_total",
		metric.WithDescription("Total number of follower open attempts"))
	closeCounter, _ := meter.Int64Counter("trade_closes_total",
		metric.WithDescription("Total number of follower close attempts"))
	errCounter, _ := meter.Int64Counter("trade_errors_total",
		metric.WithDescription("Total number of follower trade errors"))

	o := &Ops{
		tracker:        tracker,
		notifier:       notifier,
		logger:         logger.WithField("component", "trade_ops"),
		openBatchSize:  DefaultOpenBatchSize,
		closeBatchSize: DefaultCloseBatchSize,
		batchGap:       DefaultBatchGap,
		balances:       make(map[string]core.Balance),
		openCounter:    openCounter,
		closeCounter:   closeCounter,
		errCounter:     errCounter,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetFollowers replaces the follower list.
func (o *Ops) SetFollowers(followers []core.Follower) {
	o.mu.Lock()
	o.followers = followers
	o.mu.Unlock()
}

// SetBalances replaces the cached follower balances.
func (o *Ops) SetBalances(balances map[string]core.Balance) {
	o.mu.Lock()
	o.balances = balances
	o.mu.Unlock()
}

// Followers returns a copy of the current follower list.
func (o *Ops) Followers() []core.Follower {
	return o.followerList()
}

func (o *Ops) followerList() []core.Follower {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]core.Follower, len(o.followers))
	copy(out, o.followers)
	return out
}

func (o *Ops) balanceOf(name string) core.Balance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.balances[name]
}

// forEachBatch runs fn for every follower, batchSize at a time, all followers
// within a batch concurrently, sleeping the batch gap in between.
func (o *Ops) forEachBatch(ctx context.Context, batchSize int, fn func(ctx context.Context, f core.Follower)) {
	followers := o.followerList()
	for i := 0; i < len(followers); i += batchSize {
		end := i + batchSize
		if end > len(followers) {
			end = len(followers)
		}

		var wg sync.WaitGroup
		for _, f := range followers[i:end] {
			wg.Add(1)
			go func(f core.Follower) {
				defer wg.Done()
				fn(ctx, f)
			}(f)
		}
		wg.Wait()

		if end < len(followers) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.batchGap):
			}
		}
	}
}

// Open mirrors a master open onto every follower: size from the follower's
// cached balance, align leverage and margin mode, then place the market
// order, skipping followers that already hold the symbol.
func (o *Ops) Open(ctx context.Context, ev OpenEvent) {
	o.notifier.Notify(ctx, fmt.Sprintf(
		"🚀 <b>Opening trade</b>\n📌 %s %s\n📊 master allocation: %s%%\n🔹 <b>Leverage:</b> %dx\n🎯 <b>TP:</b> %s\n🛑 <b>SL:</b> %s",
		ev.Symbol, ev.PositionSide, ev.MasterPct.Mul(decimal.NewFromInt(100)).StringFixed(2),
		ev.Leverage, orDash(ev.TakeProfit), orDash(ev.StopLoss)))

	o.forEachBatch(ctx, o.openBatchSize, func(ctx context.Context, f core.Follower) {
		o.openForFollower(ctx, f, ev)
	})
}

func (o *Ops) openForFollower(ctx context.Context, f core.Follower, ev OpenEvent) {
	log := o.logger.WithField("follower", f.Name).WithField("symbol", ev.Symbol)
	attrs := metric.WithAttributes(attribute.String("symbol", ev.Symbol))
	o.openCounter.Add(ctx, 1, attrs)

	available := o.balanceOf(f.Name).Available
	if available.Sign() <= 0 {
		log.Warn("insufficient balance, skipping open", "available", available)
		o.notifier.Notify(ctx, fmt.Sprintf(
			"⚠️ <b>Skipped:</b> follower <b>%s</b> has no available margin (%s)", f.Name, available))
		return
	}

	qty := sizing.Quantity(ev.MasterPct, available, ev.Price, ev.Leverage)
	if qty.Sign() <= 0 {
		log.Warn("computed quantity not positive, skipping open")
		return
	}

	if resp, err := f.API.SetLeverage(ctx, ev.Symbol, ev.Leverage, ev.PositionSide); err != nil {
		log.Error("set leverage failed", "error", err)
	} else if !resp.OK() {
		log.Warn("set leverage rejected", "code", resp.Code, "msg", resp.Msg)
	}

	if resp, err := f.API.SetMarginMode(ctx, ev.Symbol, ev.MarginMode); err != nil {
		log.Error("set margin mode failed", "error", err)
	} else if !resp.OK() {
		log.Warn("set margin mode rejected", "code", resp.Code, "msg", resp.Msg)
	}

	// Idempotence guard: a crash between order and state save, or a repeated
	// open event, must not double the follower's exposure.
	if existing := o.tracker.FollowerQty(f.Name, ev.Symbol); existing.IsPositive() {
		log.Info("follower already holds symbol, skipping open", "qty", existing)
		o.notifier.Notify(ctx, fmt.Sprintf(
			"ℹ️ <b>Not opened</b> for <b>%s</b>: position on %s already exists", f.Name, ev.Symbol))
		return
	}

	resp, err := f.API.OpenTrade(ctx, ev.Symbol, ev.PositionSide, qty)
	if err != nil {
		o.errCounter.Add(ctx, 1, attrs)
		log.Error("open trade failed", "error", err)
		o.notifier.Notify(ctx, fmt.Sprintf(
			"❌ <b>Open failed</b> for <b>%s</b> on %s: %v", f.Name, ev.Symbol, err))
		return
	}
	if !resp.OK() {
		o.errCounter.Add(ctx, 1, attrs)
		log.Warn("open trade rejected", "code", resp.Code, "msg", resp.Msg)
		o.notifier.Notify(ctx, fmt.Sprintf(
			"⚠️ <b>Open rejected</b> for <b>%s</b> on %s\n🧾 code: %d\n🛑 %s",
			f.Name, ev.Symbol, resp.Code, resp.Msg))
		return
	}

	o.tracker.RecordOpen(ctx, f.Name, ev.Symbol, qty)
	log.Info("trade opened", "qty", qty)
	o.notifier.Notify(ctx, fmt.Sprintf(
		"✅ <b>Trade opened</b> for <b>%s</b>\n📌 %s, qty %s", f.Name, ev.Symbol, qty))
}

// CloseAll closes the symbol on every follower believed to hold it and
// removes it from the mirror state.
func (o *Ops) CloseAll(ctx context.Context, symbol string) {
	o.notifier.Notify(ctx, fmt.Sprintf("🔴 <b>Closing position:</b> %s", symbol))

	holders := make(map[string]bool)
	for _, name := range o.tracker.Holders(symbol) {
		holders[name] = true
	}

	o.forEachBatch(ctx, o.closeBatchSize, func(ctx context.Context, f core.Follower) {
		if !holders[f.Name] {
			o.notifier.Notify(ctx, fmt.Sprintf(
				"ℹ️ <b>No open position</b> on %s for <b>%s</b>", symbol, f.Name))
			return
		}
		o.closeAllForFollower(ctx, f, symbol)
	})
}

func (o *Ops) closeAllForFollower(ctx context.Context, f core.Follower, symbol string) {
	log := o.logger.WithField("follower", f.Name).WithField("symbol", symbol)
	attrs := metric.WithAttributes(attribute.String("symbol", symbol))

	o.closeCounter.Add(ctx, 1, attrs)
	resp, err := f.API.CloseAll(ctx, symbol)
	if err != nil {
		o.errCounter.Add(ctx, 1, attrs)
		log.Error("close failed", "error", err)
		o.notifier.Notify(ctx, fmt.Sprintf(
			"❌ <b>Close failed</b> for <b>%s</b> on %s: %v", f.Name, symbol, err))
		return
	}
	if !resp.OK() {
		o.errCounter.Add(ctx, 1, attrs)
		log.Error("close rejected", "code", resp.Code, "msg", resp.Msg)
		o.notifier.Notify(ctx, fmt.Sprintf(
			"❌ <b>Close rejected</b> for <b>%s</b> on %s\n🔹 code: %d\n🔹 %s",
			f.Name, symbol, resp.Code, resp.Msg))
		return
	}

	o.tracker.RemovePosition(ctx, f.Name, symbol)
	// Drop the symbol from the last snapshot too so the diff loop cannot
	// dispatch the same close again next tick.
	o.tracker.DeleteLastPosition(ctx, symbol)
	log.Info("position closed")
	o.notifier.Notify(ctx, fmt.Sprintf(
		"✅ <b>Position on %s closed</b> for <b>%s</b>", symbol, f.Name))
}

// ClosePartial mirrors a master size reduction: each follower closes the
// same percentage of its stored quantity.
func (o *Ops) ClosePartial(ctx context.Context, symbol string, closedPct decimal.Decimal, ps core.PositionSide) {
	o.notifier.Notify(ctx, fmt.Sprintf(
		"🔴 <b>Partial close:</b> %s\n📉 closing %s%%",
		symbol, closedPct.Mul(decimal.NewFromInt(100)).StringFixed(2)))

	o.forEachBatch(ctx, o.closeBatchSize, func(ctx context.Context, f core.Follower) {
		o.closePartialForFollower(ctx, f, symbol, closedPct, ps)
	})
}

func (o *Ops) closePartialForFollower(ctx context.Context, f core.Follower, symbol string, closedPct decimal.Decimal, ps core.PositionSide) {
	log := o.logger.WithField("follower", f.Name).WithField("symbol", symbol)
	attrs := metric.WithAttributes(attribute.String("symbol", symbol))

	held := o.tracker.FollowerQty(f.Name, symbol)
	closeAmount := held.Mul(closedPct)
	if closeAmount.LessThan(minCloseAmount) {
		return
	}

	o.closeCounter.Add(ctx, 1, attrs)
	resp, err := f.API.ClosePartial(ctx, symbol, closeAmount, ps)
	if err != nil {
		o.errCounter.Add(ctx, 1, attrs)
		log.Error("partial close failed", "error", err)
		o.notifier.Notify(ctx, fmt.Sprintf(
			"❌ <b>Partial close failed</b> for <b>%s</b> on %s: %v", f.Name, symbol, err))
		return
	}
	if !resp.OK() {
		o.errCounter.Add(ctx, 1, attrs)
		log.Warn("partial close rejected", "code", resp.Code, "msg", resp.Msg)
		o.notifier.Notify(ctx, fmt.Sprintf(
			"⚠️ <b>Partial close rejected</b> for <b>%s</b> on %s: %s", f.Name, symbol, resp.Msg))
		return
	}

	remaining := o.tracker.ReducePosition(ctx, f.Name, symbol, closeAmount)
	log.Info("partial close done", "closed", closeAmount, "remaining", remaining)
	o.notifier.Notify(ctx, fmt.Sprintf(
		"✅ <b>Partial close done</b> for <b>%s</b> on %s\n📉 remaining qty: %s",
		f.Name, symbol, remaining))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
