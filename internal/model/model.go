// Package model defines the core domain types shared across the game server.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// GameStatus is the lifecycle state of a game. PENDING and IN_PROGRESS
// games accept trades; COMPLETED games do not.
type GameStatus string

const (
	GameStatusPending    GameStatus = "PENDING"
	GameStatusInProgress GameStatus = "IN_PROGRESS"
	GameStatusCompleted  GameStatus = "COMPLETED"
)

// Valid reports whether s is one of the known game states.
func (s GameStatus) Valid() bool {
	switch s {
	case GameStatusPending, GameStatusInProgress, GameStatusCompleted:
		return true
	}
	return false
}

// TradingAllowed reports whether a game in this state accepts trades.
func (s GameStatus) TradingAllowed() bool {
	return s == GameStatusPending || s == GameStatusInProgress
}

// PlayerLevel is a player's skill tier, used for matchmaking compatibility.
type PlayerLevel string

const (
	LevelBeginner     PlayerLevel = "BEGINNER"
	LevelIntermediate PlayerLevel = "INTERMEDIATE"
	LevelAdvanced     PlayerLevel = "ADVANCED"
	LevelExpert       PlayerLevel = "EXPERT"
)

// Valid reports whether l is one of the known levels.
func (l PlayerLevel) Valid() bool {
	switch l {
	case LevelBeginner, LevelIntermediate, LevelAdvanced, LevelExpert:
		return true
	}
	return false
}

// Rank maps levels to an ordinal for distance comparisons. Unknown levels
// rank as beginner.
func (l PlayerLevel) Rank() int {
	switch l {
	case LevelIntermediate:
		return 1
	case LevelAdvanced:
		return 2
	case LevelExpert:
		return 3
	}
	return 0
}

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Profile is a player profile in the directory.
type Profile struct {
	ID         string      `json:"id" db:"id"`
	Username   string      `json:"username" db:"username"`
	FullName   string      `json:"full_name" db:"full_name"`
	Level      PlayerLevel `json:"level" db:"level"`
	TotalGames int         `json:"total_games" db:"total_games"`
}

// Game is one game session. StartingCash is the cash every participant's
// ledger is initialized with on first access.
type Game struct {
	ID                int64           `json:"id" db:"id"`
	Code              string          `json:"code" db:"code"`
	StartingCash      decimal.Decimal `json:"starting_cash" db:"starting_cash"`
	Status            GameStatus      `json:"status" db:"status"`
	ParticipantsCount int             `json:"participants_count" db:"participants_count"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Ticker is a registered tradable symbol. Immutable once created; the
// stored symbol is always the uppercase canonical form.
type Ticker struct {
	ID     int64  `json:"id" db:"id"`
	Symbol string `json:"symbol" db:"symbol"`
	Name   string `json:"name,omitempty" db:"name"`
	Sector string `json:"sector,omitempty" db:"sector"`
}

// PriceSnapshot is one append-only price observation. Snapshots are never
// mutated or deleted; insertion order (the id) is the recency proxy.
type PriceSnapshot struct {
	ID       int64           `json:"id" db:"id"`
	GameID   int64           `json:"game_id" db:"game_id"`
	TickerID int64           `json:"ticker_id" db:"ticker_id"`
	RoundID  *int64          `json:"round_id,omitempty" db:"round_id"`
	Price    decimal.Decimal `json:"price" db:"price"`
	TakenAt  time.Time       `json:"taken_at" db:"taken_at"`
}

// ParticipantKey identifies a player's trading identity within one game.
// A proper composite key, usable directly as a map key.
type ParticipantKey struct {
	GameID   int64  `json:"game_id"`
	PlayerID string `json:"player_id"`
}

func (k ParticipantKey) String() string {
	return fmt.Sprintf("%d:%s", k.GameID, k.PlayerID)
}

// Participant is a player's cash ledger entry within one game. Created
// lazily from the game's starting cash; mutated only by trade execution.
type Participant struct {
	Key         ParticipantKey  `json:"key"`
	CashBalance decimal.Decimal `json:"cash_balance"`
}

// Trade is an immutable record of an executed trade. The trade log is the
// single source of truth for position history.
type Trade struct {
	ID          int64           `json:"id" db:"id"`
	GameID      int64           `json:"game_id" db:"game_id"`
	Participant ParticipantKey  `json:"participant"`
	RoundID     *int64          `json:"round_id,omitempty" db:"round_id"`
	TickerID    int64           `json:"ticker_id" db:"ticker_id"`
	Side        Side            `json:"side" db:"side"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
}

// Notional is the trade's cash impact: price × quantity.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// Position is a participant's derived holding in one ticker, marked to
// market at the latest price. Never stored; always recomputed from the
// trade log.
type Position struct {
	TickerID      int64           `json:"ticker_id"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	MarketPrice   decimal.Decimal `json:"market_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio is the point-in-time valuation of a participant: cash plus all
// non-zero positions marked to market.
type Portfolio struct {
	GameID             int64           `json:"game_id"`
	PlayerID           string          `json:"player_id"`
	CashBalance        decimal.Decimal `json:"cash_balance"`
	Positions          []Position      `json:"positions"`
	Equity             decimal.Decimal `json:"equity"`
	UnrealizedPnLTotal decimal.Decimal `json:"unrealized_pnl_total"`
}

// LedgerCounts is the trading subsystem's health summary.
type LedgerCounts struct {
	Tickers        int `json:"tickers"`
	PriceSnapshots int `json:"price_snapshots"`
	Trades         int `json:"trades"`
	Participants   int `json:"participants"`
}
