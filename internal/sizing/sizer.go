// Package sizing holds the pure position-sizing arithmetic
package sizing

import "github.com/shopspring/decimal"

// QtyPrecision is the decimal precision the exchange accepts for quantities.
const QtyPrecision = 8

// MasterPct computes the fraction of the master's total margin committed to
// a position: invested / (available + invested), where invested is the
// position value stripped of leverage. The result is scale invariant in
// (positionValue, availableMargin) and lies in [0, 1].
func MasterPct(positionValue decimal.Decimal, leverage int, availableMargin decimal.Decimal) decimal.Decimal {
	if leverage <= 0 || positionValue.Sign() <= 0 {
		return decimal.Zero
	}
	invested := positionValue.Div(decimal.NewFromInt(int64(leverage)))
	total := availableMargin.Add(invested)
	if total.IsZero() {
		return decimal.Zero
	}
	return invested.Div(total)
}

// Quantity computes the follower's order quantity: the follower commits the
// same margin fraction as the master, levered and converted at the mark
// price, rounded to the exchange precision. Any non-positive input yields zero.
func Quantity(masterPct, followerAvailable, price decimal.Decimal, leverage int) decimal.Decimal {
	if masterPct.Sign() <= 0 || followerAvailable.Sign() <= 0 || price.Sign() <= 0 || leverage <= 0 {
		return decimal.Zero
	}
	usdt := followerAvailable.Mul(masterPct)
	exposure := usdt.Mul(decimal.NewFromInt(int64(leverage)))
	return exposure.Div(price).Round(QtyPrecision)
}
