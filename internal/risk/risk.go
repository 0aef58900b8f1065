// Package risk enforces the trade admission constraints: no short selling
// and no spending beyond the participant's cash balance.
//
// The position check runs before the cash check, and both run before any
// ledger mutation. A trade either passes every check and is recorded in
// full, or leaves no trace.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/hedgegame/game-server/internal/model"
)

var (
	// ErrInsufficientPosition is returned when a sell would drive the
	// participant's derived position quantity negative.
	ErrInsufficientPosition = errors.New("risk: insufficient position (short selling disabled)")

	// ErrInsufficientCash is returned when a buy's notional exceeds the
	// participant's cash balance.
	ErrInsufficientCash = errors.New("risk: insufficient cash")
)

// CheckTrade validates a prospective trade against the participant's current
// position and cash balance. Returns the trade notional (price × quantity)
// when the trade is admissible.
func CheckTrade(side model.Side, quantity, price, currentQty, cash decimal.Decimal) (decimal.Decimal, error) {
	if side == model.SideSell && quantity.GreaterThan(currentQty) {
		return decimal.Decimal{}, ErrInsufficientPosition
	}
	notional := price.Mul(quantity)
	if side == model.SideBuy && notional.GreaterThan(cash) {
		return decimal.Decimal{}, ErrInsufficientCash
	}
	return notional, nil
}

// Apply returns the participant's cash balance after the trade:
// debited by the notional on a buy, credited on a sell.
func Apply(side model.Side, cash, notional decimal.Decimal) decimal.Decimal {
	if side == model.SideBuy {
		return cash.Sub(notional)
	}
	return cash.Add(notional)
}
