package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ExchangeAPI is one authenticated session against the exchange.
// Implementations retry transient failures internally; a returned error
// means the transport gave up, while a logical error travels inside the
// response envelope with a non-zero code.
type ExchangeAPI interface {
	// GetPositions returns the account's current open positions.
	GetPositions(ctx context.Context) (*PositionsResponse, error)
	// GetBalance returns the margin figures for one settlement asset.
	GetBalance(ctx context.Context, asset string) (Balance, error)
	// GetTradeParameters reads leverage, take-profit and stop-loss from the
	// account's open conditional orders on a symbol.
	GetTradeParameters(ctx context.Context, symbol string) (TradeParams, error)
	// OpenTrade places a market order opening a position.
	OpenTrade(ctx context.Context, symbol string, ps PositionSide, qty decimal.Decimal) (*APIResponse, error)
	// CloseAll closes the entire position on a symbol.
	CloseAll(ctx context.Context, symbol string) (*APIResponse, error)
	// ClosePartial places a market order on the opposite side reducing a position.
	ClosePartial(ctx context.Context, symbol string, qty decimal.Decimal, ps PositionSide) (*APIResponse, error)
	// SetLeverage updates the leverage for one side of a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int, ps PositionSide) (*APIResponse, error)
	// SetMarginMode updates the margin mode of a symbol.
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) (*APIResponse, error)
}

// StateStore persists the mirror state as a single document.
type StateStore interface {
	// Load fetches the state document, returning an empty state when none exists.
	Load(ctx context.Context) (*MirrorState, error)
	// Save upserts the full state document.
	Save(ctx context.Context, state *MirrorState) error
	Close() error
}

// CredentialSource yields the master and follower API key pairs.
type CredentialSource interface {
	Load(ctx context.Context) (*CredentialSet, error)
}

// Notifier delivers a human-readable message to the operator channel.
// Delivery is best effort; implementations never block the trading path.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Logger is the structured logging interface used across the engine.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
}
