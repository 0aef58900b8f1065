package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/hedgegame/game-server/internal/model"
)

// MemoryStore implements Store with in-memory maps and append-only slices.
// The default backend; a process restart loses all state.
type MemoryStore struct {
	mu sync.RWMutex

	profiles map[string]*model.Profile

	games   map[int64]*model.Game
	gameSeq int64

	tickers  map[int64]*model.Ticker
	symIndex map[string]int64
	tickSeq  int64

	snapshots []model.PriceSnapshot
	snapSeq   int64

	cash map[model.ParticipantKey]decimal.Decimal

	trades   []model.Trade
	tradeSeq int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*model.Profile),
		games:    make(map[int64]*model.Game),
		tickers:  make(map[int64]*model.Ticker),
		symIndex: make(map[string]int64),
		cash:     make(map[model.ParticipantKey]decimal.Decimal),
	}
}

// --- Player profiles ---

func (s *MemoryStore) CreateProfile(_ context.Context, p *model.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.profiles {
		if existing.Username == p.Username {
			return fmt.Errorf("%w: username %q", ErrConflict, p.Username)
		}
	}

	cp := *p
	s.profiles[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProfile(_ context.Context, playerID string) (*model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[playerID]
	if !ok {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, playerID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProfiles(_ context.Context, level *model.PlayerLevel) ([]model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		if level != nil && p.Level != *level {
			continue
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

func (s *MemoryStore) UpdateProfileName(_ context.Context, playerID, fullName string) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[playerID]
	if !ok {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, playerID)
	}
	p.FullName = fullName
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) DeleteProfile(_ context.Context, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[playerID]; !ok {
		return fmt.Errorf("%w: profile %s", ErrNotFound, playerID)
	}
	delete(s.profiles, playerID)
	return nil
}

// --- Games ---

func (s *MemoryStore) CreateGame(_ context.Context, g *model.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gameSeq++
	g.ID = s.gameSeq
	cp := *g
	s.games[g.ID] = &cp
	return nil
}

func (s *MemoryStore) GetGame(_ context.Context, gameID int64) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.games[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: game %d", ErrNotFound, gameID)
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryStore) ListGames(_ context.Context, status *model.GameStatus) ([]model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Game, 0, len(s.games))
	for _, g := range s.games {
		if status != nil && g.Status != *status {
			continue
		}
		result = append(result, *g)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) DeleteGame(_ context.Context, gameID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[gameID]; !ok {
		return fmt.Errorf("%w: game %d", ErrNotFound, gameID)
	}
	delete(s.games, gameID)
	return nil
}

func (s *MemoryStore) SetGameStatus(_ context.Context, gameID int64, status model.GameStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return fmt.Errorf("%w: game %d", ErrNotFound, gameID)
	}
	g.Status = status
	return nil
}

func (s *MemoryStore) AddGameParticipant(_ context.Context, gameID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return fmt.Errorf("%w: game %d", ErrNotFound, gameID)
	}
	g.ParticipantsCount++
	return nil
}

// --- Ticker registry ---

func (s *MemoryStore) CreateTicker(_ context.Context, t *model.Ticker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.symIndex[t.Symbol]; ok {
		return fmt.Errorf("%w: ticker %q", ErrConflict, t.Symbol)
	}

	s.tickSeq++
	t.ID = s.tickSeq
	cp := *t
	s.tickers[t.ID] = &cp
	s.symIndex[t.Symbol] = t.ID
	return nil
}

func (s *MemoryStore) GetTicker(_ context.Context, tickerID int64) (*model.Ticker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickers[tickerID]
	if !ok {
		return nil, fmt.Errorf("%w: ticker %d", ErrNotFound, tickerID)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetTickerBySymbol(_ context.Context, symbol string) (*model.Ticker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.symIndex[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: ticker %q", ErrNotFound, symbol)
	}
	cp := *s.tickers[id]
	return &cp, nil
}

func (s *MemoryStore) ListTickers(_ context.Context) ([]model.Ticker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Ticker, 0, len(s.tickers))
	for _, t := range s.tickers {
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// --- Price time series ---

func (s *MemoryStore) InsertSnapshot(_ context.Context, ps *model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapSeq++
	ps.ID = s.snapSeq
	s.snapshots = append(s.snapshots, *ps)
	return nil
}

// LatestSnapshot scans most-recently-inserted-first. A round-exact match
// wins; otherwise the lookup degrades to the most recent any-round
// snapshot for the (game, ticker) pair.
func (s *MemoryStore) LatestSnapshot(_ context.Context, gameID, tickerID int64, roundID *int64) (*model.PriceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if roundID != nil {
		for i := len(s.snapshots) - 1; i >= 0; i-- {
			row := s.snapshots[i]
			if row.GameID == gameID && row.TickerID == tickerID &&
				row.RoundID != nil && *row.RoundID == *roundID {
				return &row, nil
			}
		}
	}
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		row := s.snapshots[i]
		if row.GameID == gameID && row.TickerID == tickerID {
			return &row, nil
		}
	}
	return nil, fmt.Errorf("%w: game %d ticker %d", ErrNoPrice, gameID, tickerID)
}

// --- Participant ledger ---

func (s *MemoryStore) EnsureParticipant(_ context.Context, key model.ParticipantKey, startingCash decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cash, ok := s.cash[key]; ok {
		return cash, nil
	}
	s.cash[key] = startingCash
	return startingCash, nil
}

func (s *MemoryStore) ParticipantCash(_ context.Context, key model.ParticipantKey) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cash, ok := s.cash[key]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: participant %s", ErrNotFound, key)
	}
	return cash, nil
}

// --- Trade log ---

func (s *MemoryStore) AppendTrade(_ context.Context, t *model.Trade, newCash decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cash[t.Participant]; !ok {
		return fmt.Errorf("%w: participant %s", ErrNotFound, t.Participant)
	}

	s.tradeSeq++
	t.ID = s.tradeSeq
	s.trades = append(s.trades, *t)
	s.cash[t.Participant] = newCash
	return nil
}

func (s *MemoryStore) PositionQuantity(_ context.Context, key model.ParticipantKey, tickerID int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qty := decimal.Zero
	for _, t := range s.trades {
		if t.Participant != key || t.TickerID != tickerID {
			continue
		}
		if t.Side == model.SideBuy {
			qty = qty.Add(t.Quantity)
		} else {
			qty = qty.Sub(t.Quantity)
		}
	}
	return qty, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, f TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []model.Trade
	for _, t := range s.trades {
		if t.GameID != f.GameID || t.Participant != f.Participant {
			continue
		}
		if f.RoundID != nil && (t.RoundID == nil || *t.RoundID != *f.RoundID) {
			continue
		}
		rows = append(rows, t)
	}

	// Stable sort keeps insertion order among executed_at ties.
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ExecutedAt.After(rows[j].ExecutedAt)
	})

	if f.Offset >= len(rows) {
		return []model.Trade{}, nil
	}
	rows = rows[f.Offset:]
	if f.Limit > 0 && f.Limit < len(rows) {
		rows = rows[:f.Limit]
	}
	return rows, nil
}

func (s *MemoryStore) AggregatePositions(_ context.Context, key model.ParticipantKey) (map[int64]PositionAgg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := make(map[int64]PositionAgg)
	for _, t := range s.trades {
		if t.Participant != key {
			continue
		}
		pa := agg[t.TickerID]
		if t.Side == model.SideBuy {
			pa.Quantity = pa.Quantity.Add(t.Quantity)
			pa.BuyCost = pa.BuyCost.Add(t.Quantity.Mul(t.Price))
		} else {
			pa.Quantity = pa.Quantity.Sub(t.Quantity)
		}
		agg[t.TickerID] = pa
	}
	return agg, nil
}

func (s *MemoryStore) CountPlayerTrades(_ context.Context, playerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.trades {
		if t.Participant.PlayerID == playerID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Counts(_ context.Context) (model.LedgerCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.LedgerCounts{
		Tickers:        len(s.tickers),
		PriceSnapshots: len(s.snapshots),
		Trades:         len(s.trades),
		Participants:   len(s.cash),
	}, nil
}
