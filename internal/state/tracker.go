// Package state owns the in-memory mirror state and its persistence
package state

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"copy_trader/internal/core"
)

// Tracker serializes every mutation of the mirror state behind one mutex and
// flushes the full document after each change. The in-memory copy stays
// authoritative when a save fails; the next successful save catches up.
type Tracker struct {
	mu     sync.Mutex
	state  *core.MirrorState
	store  core.StateStore
	logger core.Logger
}

func NewTracker(store core.StateStore, logger core.Logger) *Tracker {
	return &Tracker{
		state:  core.NewMirrorState(),
		store:  store,
		logger: logger.WithField("component", "state"),
	}
}

// Load replaces the in-memory state with the persisted document.
func (t *Tracker) Load(ctx context.Context) error {
	loaded, err := t.store.Load(ctx)
	if err != nil {
		return err
	}
	loaded.Normalize()
	t.mu.Lock()
	t.state = loaded
	t.mu.Unlock()
	return nil
}

// persist flushes under the caller-held lock. Store failures are logged and
// surfaced to metrics by the store; they never abort the engine.
func (t *Tracker) persist(ctx context.Context) {
	if err := t.store.Save(ctx, t.state); err != nil {
		t.logger.Error("state save failed, in-memory state remains authoritative", "error", err)
	}
}

// LastPositions returns a copy of the previous master snapshot.
func (t *Tracker) LastPositions() map[string]core.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]core.Position, len(t.state.LastPositions))
	for k, v := range t.state.LastPositions {
		out[k] = v
	}
	return out
}

// SetLastPositions replaces the master snapshot and persists.
func (t *Tracker) SetLastPositions(ctx context.Context, positions map[string]core.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.LastPositions = positions
	t.persist(ctx)
}

// DeleteLastPosition drops one symbol from the snapshot so the diff loop does
// not re-dispatch a close.
func (t *Tracker) DeleteLastPosition(ctx context.Context, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.state.LastPositions[symbol]; ok {
		delete(t.state.LastPositions, symbol)
		t.persist(ctx)
	}
}

// IsCopied reports whether an open event has been dispatched for the symbol.
func (t *Tracker) IsCopied(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.CopiedTrades[symbol]
}

// MarkCopied records the dispatch of an open event and persists.
func (t *Tracker) MarkCopied(ctx context.Context, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.CopiedTrades[symbol] = true
	t.persist(ctx)
}

// ClearCopied removes the symbol after a full close and persists.
func (t *Tracker) ClearCopied(ctx context.Context, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state.CopiedTrades, symbol)
	t.persist(ctx)
}

// FollowerQty returns the stored mirrored quantity, zero when absent.
func (t *Tracker) FollowerQty(follower, symbol string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.FollowerPositions[follower][symbol]
}

// Holders returns the followers believed to hold the symbol.
func (t *Tracker) Holders(symbol string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for name, positions := range t.state.FollowerPositions {
		if qty, ok := positions[symbol]; ok && qty.IsPositive() {
			out = append(out, name)
		}
	}
	return out
}

// RecordOpen stores the mirrored quantity after a successful open and persists.
func (t *Tracker) RecordOpen(ctx context.Context, follower, symbol string, qty decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.FollowerPositions[follower] == nil {
		t.state.FollowerPositions[follower] = make(map[string]decimal.Decimal)
	}
	t.state.FollowerPositions[follower][symbol] = qty
	t.persist(ctx)
}

// ReducePosition decrements the stored quantity after a partial close,
// removing the entry once it reaches zero. Returns the remaining quantity.
func (t *Tracker) ReducePosition(ctx context.Context, follower, symbol string, amount decimal.Decimal) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	positions := t.state.FollowerPositions[follower]
	if positions == nil {
		return decimal.Zero
	}
	remaining := positions[symbol].Sub(amount)
	if remaining.Sign() <= 0 {
		delete(positions, symbol)
		if len(positions) == 0 {
			delete(t.state.FollowerPositions, follower)
		}
		remaining = decimal.Zero
	} else {
		positions[symbol] = remaining
	}
	t.persist(ctx)
	return remaining
}

// RemovePosition drops the stored quantity after a full close and persists.
func (t *Tracker) RemovePosition(ctx context.Context, follower, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	positions := t.state.FollowerPositions[follower]
	if positions == nil {
		return
	}
	delete(positions, symbol)
	if len(positions) == 0 {
		delete(t.state.FollowerPositions, follower)
	}
	t.persist(ctx)
}

// SetFollowerPosition overwrites the stored quantity without persisting
// semantics of an open; used by boot reconciliation.
func (t *Tracker) SetFollowerPosition(ctx context.Context, follower, symbol string, qty decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if qty.Sign() <= 0 {
		positions := t.state.FollowerPositions[follower]
		if positions == nil {
			return
		}
		delete(positions, symbol)
		if len(positions) == 0 {
			delete(t.state.FollowerPositions, follower)
		}
	} else {
		if t.state.FollowerPositions[follower] == nil {
			t.state.FollowerPositions[follower] = make(map[string]decimal.Decimal)
		}
		t.state.FollowerPositions[follower][symbol] = qty
	}
	t.persist(ctx)
}

// FollowerSymbols returns the symbols currently stored for one follower.
func (t *Tracker) FollowerSymbols(follower string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for symbol := range t.state.FollowerPositions[follower] {
		out = append(out, symbol)
	}
	return out
}

// TryBeginClose marks a symbol's full close as in flight. Returns false when
// a close is already running so the loop cannot dispatch it twice.
func (t *Tracker) TryBeginClose(ctx context.Context, symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.ClosedTrades[symbol] {
		return false
	}
	t.state.ClosedTrades[symbol] = true
	t.persist(ctx)
	return true
}

// EndClose lifts the in-flight guard and persists.
func (t *Tracker) EndClose(ctx context.Context, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state.ClosedTrades, symbol)
	t.persist(ctx)
}

// Snapshot returns a deep copy of the full state for inspection.
func (t *Tracker) Snapshot() *core.MirrorState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := core.NewMirrorState()
	for k, v := range t.state.LastPositions {
		out.LastPositions[k] = v
	}
	for k := range t.state.CopiedTrades {
		out.CopiedTrades[k] = true
	}
	for name, positions := range t.state.FollowerPositions {
		m := make(map[string]decimal.Decimal, len(positions))
		for s, q := range positions {
			m[s] = q
		}
		out.FollowerPositions[name] = m
	}
	for k := range t.state.ClosedTrades {
		out.ClosedTrades[k] = true
	}
	return out
}
