// Package core defines the shared types and interfaces of the copy-trading engine
package core

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of a perpetual-futures position
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// OrderSide is the side of the contract order
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OpeningSide derives the order side that opens a position in the given
// direction. Closing is the inverse.
func OpeningSide(ps PositionSide) OrderSide {
	if ps == Short {
		return Sell
	}
	return Buy
}

// ClosingSide derives the order side that reduces a position in the given direction.
func ClosingSide(ps PositionSide) OrderSide {
	if ps == Long {
		return Sell
	}
	return Buy
}

// MarginMode is the collateral mode of a position
type MarginMode string

const (
	Cross    MarginMode = "CROSS"
	Isolated MarginMode = "ISOLATED"
)

// MarginModeFromIsolated maps the exchange's isolated flag to a margin mode.
func MarginModeFromIsolated(isolated bool) MarginMode {
	if isolated {
		return Isolated
	}
	return Cross
}

// Position is one open position as observed at the master account.
// Entries with zero quantity never enter the model. The persisted shape
// matches the state document; mark price and position value are poll-time
// data and are not stored.
type Position struct {
	Qty           decimal.Decimal `json:"qty"`
	Side          OrderSide       `json:"side"`
	PositionSide  PositionSide    `json:"position_side"`
	Leverage      int             `json:"leverage"`
	TakeProfit    string          `json:"tp"`
	StopLoss      string          `json:"sl"`
	Isolated      bool            `json:"isolated"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedProfit"`

	MarkPrice     decimal.Decimal `json:"-"`
	PositionValue decimal.Decimal `json:"-"`
}

// MarginMode returns the margin mode implied by the isolated flag.
func (p Position) MarginMode() MarginMode {
	return MarginModeFromIsolated(p.Isolated)
}

// Balance is one account's margin figures for a settlement asset. Available
// is what sizing works from; the other fields are informational.
type Balance struct {
	Available decimal.Decimal
	Equity    decimal.Decimal
	Used      decimal.Decimal
	Total     decimal.Decimal
}

// SymbolSet is a set of symbols that serializes as a sorted JSON array.
type SymbolSet map[string]bool

func (s SymbolSet) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(s))
	for k, ok := range s {
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return json.Marshal(keys)
}

func (s *SymbolSet) UnmarshalJSON(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	out := make(SymbolSet, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	*s = out
	return nil
}

// MirrorState is the engine's persisted view of what it has replicated.
// It is the single source of truth across process restarts.
type MirrorState struct {
	// LastPositions is the master snapshot from the previous sync tick.
	LastPositions map[string]Position `json:"last_positions"`
	// CopiedTrades holds symbols whose open event has been dispatched at
	// least once since the last close.
	CopiedTrades SymbolSet `json:"copied_trades"`
	// FollowerPositions is the last known mirrored quantity per follower
	// per symbol, keyed by lowercased follower name.
	FollowerPositions map[string]map[string]decimal.Decimal `json:"client_positions"`
	// ClosedTrades guards symbols with an in-progress full close.
	ClosedTrades SymbolSet `json:"closed_trades"`
}

// NewMirrorState returns an empty state with all maps allocated.
func NewMirrorState() *MirrorState {
	return &MirrorState{
		LastPositions:     make(map[string]Position),
		CopiedTrades:      make(SymbolSet),
		FollowerPositions: make(map[string]map[string]decimal.Decimal),
		ClosedTrades:      make(SymbolSet),
	}
}

// Normalize allocates any maps left nil by deserialization.
func (m *MirrorState) Normalize() {
	if m.LastPositions == nil {
		m.LastPositions = make(map[string]Position)
	}
	if m.CopiedTrades == nil {
		m.CopiedTrades = make(SymbolSet)
	}
	if m.FollowerPositions == nil {
		m.FollowerPositions = make(map[string]map[string]decimal.Decimal)
	}
	if m.ClosedTrades == nil {
		m.ClosedTrades = make(SymbolSet)
	}
}

// APIResponse is the exchange's JSON envelope. Code zero means success;
// a non-zero code on HTTP 200 is a logical error the caller decides on.
type APIResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// OK reports whether the response carries a success code.
func (r *APIResponse) OK() bool {
	return r != nil && r.Code == 0
}

// PositionsResponse is the parsed positions listing of one account.
type PositionsResponse struct {
	Code      int
	Msg       string
	Positions []ExchangePosition
}

// OK reports whether the poll succeeded.
func (r *PositionsResponse) OK() bool {
	return r != nil && r.Code == 0
}

// ExchangePosition is one position entry as returned by the exchange.
type ExchangePosition struct {
	Symbol        string
	PositionSide  PositionSide
	Qty           decimal.Decimal
	Leverage      int
	Isolated      bool
	MarkPrice     decimal.Decimal
	PositionValue decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// TradeParams are the leverage and conditional-order levels read from the
// master's open orders for one symbol.
type TradeParams struct {
	Leverage   int
	TakeProfit string
	StopLoss   string
}

// KeyPair is one decrypted API credential pair.
type KeyPair struct {
	APIKey    string
	SecretKey string
}

// FollowerCredential is one follower row from the credential store, keys
// already decrypted.
type FollowerCredential struct {
	ID        int64
	Name      string
	APIKey    string
	SecretKey string
}

// CredentialSet is everything the credential store yields.
type CredentialSet struct {
	Master    KeyPair
	Followers []FollowerCredential
}

// Follower is a live follower account: its canonical (lowercased) display
// name and an authenticated exchange session.
type Follower struct {
	ID   int64
	Name string
	API  ExchangeAPI
}
