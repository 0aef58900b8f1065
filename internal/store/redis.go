package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hedgegame/game-server/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// hot lookups on the trade path: ticker resolution, game lookups, profile
// lookups, and latest any-round prices. Writes go to the primary store and
// invalidate the affected keys. Everything else passes through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Player profiles ---

func (s *CachedStore) CreateProfile(ctx context.Context, p *model.Profile) error {
	if err := s.primary.CreateProfile(ctx, p); err != nil {
		return err
	}
	s.cacheJSON(ctx, profileKey(p.ID), p)
	return nil
}

func (s *CachedStore) GetProfile(ctx context.Context, playerID string) (*model.Profile, error) {
	var p model.Profile
	if s.getJSON(ctx, profileKey(playerID), &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetProfile(ctx, playerID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, profileKey(playerID), fresh)
	return fresh, nil
}

func (s *CachedStore) ListProfiles(ctx context.Context, level *model.PlayerLevel) ([]model.Profile, error) {
	return s.primary.ListProfiles(ctx, level)
}

func (s *CachedStore) UpdateProfileName(ctx context.Context, playerID, fullName string) (*model.Profile, error) {
	p, err := s.primary.UpdateProfileName(ctx, playerID, fullName)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, profileKey(playerID))
	return p, nil
}

func (s *CachedStore) DeleteProfile(ctx context.Context, playerID string) error {
	if err := s.primary.DeleteProfile(ctx, playerID); err != nil {
		return err
	}
	s.rdb.Del(ctx, profileKey(playerID))
	return nil
}

// --- Games ---

func (s *CachedStore) CreateGame(ctx context.Context, g *model.Game) error {
	if err := s.primary.CreateGame(ctx, g); err != nil {
		return err
	}
	s.cacheJSON(ctx, gameKey(g.ID), g)
	return nil
}

func (s *CachedStore) GetGame(ctx context.Context, gameID int64) (*model.Game, error) {
	var g model.Game
	if s.getJSON(ctx, gameKey(gameID), &g) {
		return &g, nil
	}

	fresh, err := s.primary.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, gameKey(gameID), fresh)
	return fresh, nil
}

func (s *CachedStore) ListGames(ctx context.Context, status *model.GameStatus) ([]model.Game, error) {
	return s.primary.ListGames(ctx, status)
}

func (s *CachedStore) DeleteGame(ctx context.Context, gameID int64) error {
	if err := s.primary.DeleteGame(ctx, gameID); err != nil {
		return err
	}
	s.rdb.Del(ctx, gameKey(gameID))
	return nil
}

func (s *CachedStore) SetGameStatus(ctx context.Context, gameID int64, status model.GameStatus) error {
	if err := s.primary.SetGameStatus(ctx, gameID, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, gameKey(gameID))
	return nil
}

func (s *CachedStore) AddGameParticipant(ctx context.Context, gameID int64) error {
	if err := s.primary.AddGameParticipant(ctx, gameID); err != nil {
		return err
	}
	s.rdb.Del(ctx, gameKey(gameID))
	return nil
}

// --- Ticker registry ---

func (s *CachedStore) CreateTicker(ctx context.Context, t *model.Ticker) error {
	if err := s.primary.CreateTicker(ctx, t); err != nil {
		return err
	}
	s.cacheJSON(ctx, symbolKey(t.Symbol), t)
	return nil
}

func (s *CachedStore) GetTicker(ctx context.Context, tickerID int64) (*model.Ticker, error) {
	return s.primary.GetTicker(ctx, tickerID)
}

func (s *CachedStore) GetTickerBySymbol(ctx context.Context, symbol string) (*model.Ticker, error) {
	var t model.Ticker
	if s.getJSON(ctx, symbolKey(symbol), &t) {
		return &t, nil
	}

	fresh, err := s.primary.GetTickerBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, symbolKey(symbol), fresh)
	return fresh, nil
}

func (s *CachedStore) ListTickers(ctx context.Context) ([]model.Ticker, error) {
	return s.primary.ListTickers(ctx)
}

// --- Price time series ---

func (s *CachedStore) InsertSnapshot(ctx context.Context, ps *model.PriceSnapshot) error {
	if err := s.primary.InsertSnapshot(ctx, ps); err != nil {
		return err
	}
	// The appended snapshot is now the latest; invalidate the cached one.
	s.rdb.Del(ctx, priceKey(ps.GameID, ps.TickerID))
	return nil
}

// LatestSnapshot caches only any-round lookups; round-scoped lookups always
// hit the primary.
func (s *CachedStore) LatestSnapshot(ctx context.Context, gameID, tickerID int64, roundID *int64) (*model.PriceSnapshot, error) {
	if roundID != nil {
		return s.primary.LatestSnapshot(ctx, gameID, tickerID, roundID)
	}

	var ps model.PriceSnapshot
	if s.getJSON(ctx, priceKey(gameID, tickerID), &ps) {
		return &ps, nil
	}

	fresh, err := s.primary.LatestSnapshot(ctx, gameID, tickerID, nil)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, priceKey(gameID, tickerID), fresh)
	return fresh, nil
}

// --- Participant ledger / trade log (passthrough) ---

func (s *CachedStore) EnsureParticipant(ctx context.Context, key model.ParticipantKey, startingCash decimal.Decimal) (decimal.Decimal, error) {
	return s.primary.EnsureParticipant(ctx, key, startingCash)
}

func (s *CachedStore) ParticipantCash(ctx context.Context, key model.ParticipantKey) (decimal.Decimal, error) {
	return s.primary.ParticipantCash(ctx, key)
}

func (s *CachedStore) AppendTrade(ctx context.Context, t *model.Trade, newCash decimal.Decimal) error {
	return s.primary.AppendTrade(ctx, t, newCash)
}

func (s *CachedStore) PositionQuantity(ctx context.Context, key model.ParticipantKey, tickerID int64) (decimal.Decimal, error) {
	return s.primary.PositionQuantity(ctx, key, tickerID)
}

func (s *CachedStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, f)
}

func (s *CachedStore) AggregatePositions(ctx context.Context, key model.ParticipantKey) (map[int64]PositionAgg, error) {
	return s.primary.AggregatePositions(ctx, key)
}

func (s *CachedStore) CountPlayerTrades(ctx context.Context, playerID string) (int, error) {
	return s.primary.CountPlayerTrades(ctx, playerID)
}

func (s *CachedStore) Counts(ctx context.Context) (model.LedgerCounts, error) {
	return s.primary.Counts(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) getJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func profileKey(id string) string { return fmt.Sprintf("profile:%s", id) }
func gameKey(id int64) string     { return fmt.Sprintf("game:%d", id) }
func symbolKey(sym string) string { return fmt.Sprintf("ticker:%s", sym) }

func priceKey(gameID, tickerID int64) string {
	return fmt.Sprintf("price:%d:%d", gameID, tickerID)
}
