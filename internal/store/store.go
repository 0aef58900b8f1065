// Package store defines the persistence interface for the game server.
// Implementations include in-memory (the default), PostgreSQL, and a Redis
// read-through cache wrapper.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/hedgegame/game-server/internal/model"
)

var (
	// ErrNotFound is returned when a referenced profile, game, ticker,
	// or participant does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned on duplicate registration (username, symbol).
	ErrConflict = errors.New("store: already exists")

	// ErrNoPrice is returned when no price snapshot matches a lookup.
	ErrNoPrice = errors.New("store: no price snapshot available")
)

// TradeFilter selects trades for listing. RoundID nil means any round.
// Limit and Offset paginate the executed_at-descending result.
type TradeFilter struct {
	GameID      int64
	Participant model.ParticipantKey
	RoundID     *int64
	Limit       int
	Offset      int
}

// PositionAgg is the raw per-ticker aggregate replayed from the trade log:
// net quantity (buys minus sells) and cumulative buy-side cost. Sells do
// not reduce BuyCost; the valuation engine owns that policy.
type PositionAgg struct {
	Quantity decimal.Decimal
	BuyCost  decimal.Decimal
}

// Store is the persistence interface. The trade log and price snapshots
// are append-only; participants hold only a cash balance.
type Store interface {
	// --- Player profiles ---

	// CreateProfile persists a new profile. ErrConflict if the username
	// is taken.
	CreateProfile(ctx context.Context, p *model.Profile) error

	// GetProfile retrieves a profile by player id.
	GetProfile(ctx context.Context, playerID string) (*model.Profile, error)

	// ListProfiles returns all profiles, optionally filtered by level.
	ListProfiles(ctx context.Context, level *model.PlayerLevel) ([]model.Profile, error)

	// UpdateProfileName changes a profile's full name.
	UpdateProfileName(ctx context.Context, playerID, fullName string) (*model.Profile, error)

	// DeleteProfile removes a profile.
	DeleteProfile(ctx context.Context, playerID string) error

	// --- Games ---

	// CreateGame persists a new game and assigns its sequential id.
	CreateGame(ctx context.Context, g *model.Game) error

	// GetGame retrieves a game by id.
	GetGame(ctx context.Context, gameID int64) (*model.Game, error)

	// ListGames returns all games, optionally filtered by status.
	ListGames(ctx context.Context, status *model.GameStatus) ([]model.Game, error)

	// DeleteGame removes a game.
	DeleteGame(ctx context.Context, gameID int64) error

	// SetGameStatus transitions a game to the given status.
	SetGameStatus(ctx context.Context, gameID int64, status model.GameStatus) error

	// AddGameParticipant increments a game's participant count.
	AddGameParticipant(ctx context.Context, gameID int64) error

	// --- Ticker registry ---

	// CreateTicker registers a ticker and assigns its sequential id.
	// ErrConflict if the symbol is already registered.
	CreateTicker(ctx context.Context, t *model.Ticker) error

	// GetTicker retrieves a ticker by id.
	GetTicker(ctx context.Context, tickerID int64) (*model.Ticker, error)

	// GetTickerBySymbol retrieves a ticker by its canonical symbol.
	GetTickerBySymbol(ctx context.Context, symbol string) (*model.Ticker, error)

	// ListTickers returns all registered tickers.
	ListTickers(ctx context.Context) ([]model.Ticker, error)

	// --- Price time series (append-only) ---

	// InsertSnapshot appends a price snapshot and assigns its sequential id.
	InsertSnapshot(ctx context.Context, ps *model.PriceSnapshot) error

	// LatestSnapshot returns the most-recently-inserted snapshot for
	// (game, ticker). When roundID is given, round-exact matches are
	// preferred; if none exist the lookup falls back to the most recent
	// any-round snapshot. ErrNoPrice if neither search matches.
	LatestSnapshot(ctx context.Context, gameID, tickerID int64, roundID *int64) (*model.PriceSnapshot, error)

	// --- Participant ledger ---

	// EnsureParticipant creates the participant with startingCash if it
	// does not exist, then returns the current cash balance.
	EnsureParticipant(ctx context.Context, key model.ParticipantKey, startingCash decimal.Decimal) (decimal.Decimal, error)

	// ParticipantCash returns the participant's cash balance.
	ParticipantCash(ctx context.Context, key model.ParticipantKey) (decimal.Decimal, error)

	// --- Trade log (append-only) ---

	// AppendTrade appends a trade and sets the participant's cash balance
	// in one atomic step, so readers never observe a half-applied trade.
	// Assigns the trade's sequential id.
	AppendTrade(ctx context.Context, t *model.Trade, newCash decimal.Decimal) error

	// PositionQuantity replays the trade log for (participant, ticker),
	// netting buy minus sell quantities.
	PositionQuantity(ctx context.Context, key model.ParticipantKey, tickerID int64) (decimal.Decimal, error)

	// ListTrades returns trades matching the filter, ordered by
	// executed_at descending with insertion order breaking ties.
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)

	// AggregatePositions replays the trade log for a participant into
	// per-ticker net quantity and cumulative buy cost.
	AggregatePositions(ctx context.Context, key model.ParticipantKey) (map[int64]PositionAgg, error)

	// CountPlayerTrades returns the number of trades a player has
	// executed across all games.
	CountPlayerTrades(ctx context.Context, playerID string) (int, error)

	// Counts returns the trading subsystem's record counts.
	Counts(ctx context.Context) (model.LedgerCounts, error)
}
