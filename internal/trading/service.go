// Package trading provides the HTTP handlers and business logic for the
// trading core: ticker registration, price snapshots, trade execution,
// trade listing, and portfolio valuation.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hedgegame/game-server/internal/metrics"
	"github.com/hedgegame/game-server/internal/model"
	"github.com/hedgegame/game-server/internal/risk"
	"github.com/hedgegame/game-server/internal/store"
	"github.com/hedgegame/game-server/internal/symbol"
)

// ErrTradingClosed is returned when a trade is attempted on a game whose
// state forbids trading.
var ErrTradingClosed = errors.New("trading: game not open for trading")

// Directory is the player/game directory the trading core validates
// identifiers and game state against.
type Directory interface {
	PlayerExists(ctx context.Context, playerID string) (bool, error)
	GameExists(ctx context.Context, gameID int64) (bool, error)
	GameStatus(ctx context.Context, gameID int64) (model.GameStatus, error)
	GameStartingCash(ctx context.Context, gameID int64) (decimal.Decimal, error)
}

// Service handles trading operations. A mutex serializes trade execution
// so the position/cash checks and the subsequent ledger mutation are
// atomic (single-instance). For horizontal scaling, replace with
// database-level locking.
type Service struct {
	store     store.Store
	directory Directory
	mu        sync.Mutex
}

// NewService creates a new trading service.
func NewService(st store.Store, dir Directory) *Service {
	return &Service{
		store:     st,
		directory: dir,
	}
}

// Routes mounts the trading endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/trading/tickers", s.RegisterTicker)
	r.Post("/trading/price_snapshots", s.RecordPriceSnapshot)
	r.Get("/trading/price", s.GetPrice)
	r.Post("/trading/trade", s.PlaceTrade)
	r.Get("/trading/trades", s.ListTrades)
	r.Get("/trading/portfolio", s.GetPortfolio)
	r.Get("/trading/health", s.Health)
}

// --- Request/Response types ---

// RegisterTickerRequest is the JSON body for POST /trading/tickers.
type RegisterTickerRequest struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name,omitempty"`
	Sector string `json:"sector,omitempty"`
}

// PriceSnapshotRequest is the JSON body for POST /trading/price_snapshots.
type PriceSnapshotRequest struct {
	GameID       int64           `json:"game_id"`
	TickerSymbol string          `json:"ticker_symbol"`
	Price        decimal.Decimal `json:"price"`
	RoundID      *int64          `json:"round_id,omitempty"`
	TakenAt      *time.Time      `json:"taken_at,omitempty"`
}

// PriceResponse is returned from snapshot recording and price lookups.
type PriceResponse struct {
	TickerID int64           `json:"ticker_id"`
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	TakenAt  time.Time       `json:"taken_at"`
}

// PlaceTradeRequest is the JSON body for POST /trading/trade.
type PlaceTradeRequest struct {
	GameID       int64           `json:"game_id"`
	PlayerID     string          `json:"player_id"`
	TickerSymbol string          `json:"ticker_symbol"`
	Side         model.Side      `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	RoundID      *int64          `json:"round_id,omitempty"`
}

// TradeResponse is the executed trade returned from POST /trading/trade.
type TradeResponse struct {
	ID          int64                `json:"id"`
	GameID      int64                `json:"game_id"`
	Participant model.ParticipantKey `json:"participant"`
	RoundID     *int64               `json:"round_id,omitempty"`
	TickerID    int64                `json:"ticker_id"`
	Symbol      string               `json:"symbol"`
	Side        model.Side           `json:"side"`
	Quantity    decimal.Decimal      `json:"quantity"`
	Price       decimal.Decimal      `json:"price"`
	ExecutedAt  time.Time            `json:"executed_at"`
}

// TradeListItem is one row of GET /trading/trades.
type TradeListItem struct {
	ID         int64           `json:"id"`
	RoundID    *int64          `json:"round_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Side       model.Side      `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// --- HTTP Handlers ---

// RegisterTicker handles POST /trading/tickers.
func (s *Service) RegisterTicker(w http.ResponseWriter, r *http.Request) {
	var req RegisterTickerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ticker := &model.Ticker{
		Symbol: sym,
		Name:   req.Name,
		Sector: req.Sector,
	}
	if err := s.store.CreateTicker(r.Context(), ticker); err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("ticker registered", "id", ticker.ID, "symbol", sym)
	writeJSON(w, http.StatusCreated, ticker)
}

// RecordPriceSnapshot handles POST /trading/price_snapshots.
func (s *Service) RecordPriceSnapshot(w http.ResponseWriter, r *http.Request) {
	var req PriceSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	exists, err := s.directory.GameExists(ctx, req.GameID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !exists {
		writeError(w, "game not found", http.StatusNotFound)
		return
	}

	ticker, err := s.resolveTicker(ctx, req.TickerSymbol)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	takenAt := time.Now().UTC()
	if req.TakenAt != nil {
		takenAt = *req.TakenAt
	}

	snap := &model.PriceSnapshot{
		GameID:   req.GameID,
		TickerID: ticker.ID,
		RoundID:  req.RoundID,
		Price:    req.Price,
		TakenAt:  takenAt,
	}
	if err := s.store.InsertSnapshot(ctx, snap); err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.PriceSnapshotsTotal.Inc()

	writeJSON(w, http.StatusCreated, PriceResponse{
		TickerID: ticker.ID,
		Symbol:   ticker.Symbol,
		Price:    snap.Price,
		TakenAt:  snap.TakenAt,
	})
}

// GetPrice handles GET /trading/price?symbol=&game_id=&round_id=.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	gameID, err := queryInt64(r, "game_id")
	if err != nil {
		writeError(w, "game_id is required", http.StatusBadRequest)
		return
	}
	roundID, err := queryOptInt64(r, "round_id")
	if err != nil {
		writeError(w, "invalid round_id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	ticker, err := s.resolveTicker(ctx, r.URL.Query().Get("symbol"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	snap, err := s.store.LatestSnapshot(ctx, gameID, ticker.ID, roundID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PriceResponse{
		TickerID: ticker.ID,
		Symbol:   ticker.Symbol,
		Price:    snap.Price,
		TakenAt:  snap.TakenAt,
	})
}

// PlaceTrade handles POST /trading/trade.
//
// Validation order: player/game existence, game state, participant
// resolution, ticker resolution, price lookup, position check, cash
// check, and only then the atomic append + ledger update. A trade is
// all-or-nothing; no partial execution.
func (s *Service) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req PlaceTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" {
		writeError(w, "player_id is required", http.StatusBadRequest)
		return
	}
	if !req.Side.Valid() {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Serialize trade execution: solvency checks and the ledger mutation
	// must be atomic, or two concurrent trades could both pass a check
	// that only one of them should.
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureExists(ctx, req.GameID, req.PlayerID); err != nil {
		writeDomainError(w, err)
		return
	}

	status, err := s.directory.GameStatus(ctx, req.GameID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !status.TradingAllowed() {
		metrics.TradeRejections.WithLabelValues("trading_closed").Inc()
		writeDomainError(w, ErrTradingClosed)
		return
	}

	key, cash, err := s.resolveParticipant(ctx, req.GameID, req.PlayerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ticker, err := s.resolveTicker(ctx, req.TickerSymbol)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	snap, err := s.store.LatestSnapshot(ctx, req.GameID, ticker.ID, req.RoundID)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("no_price").Inc()
		writeDomainError(w, err)
		return
	}

	currentQty, err := s.store.PositionQuantity(ctx, key, ticker.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	notional, err := risk.CheckTrade(req.Side, req.Quantity, snap.Price, currentQty, cash)
	if err != nil {
		if errors.Is(err, risk.ErrInsufficientPosition) {
			metrics.TradeRejections.WithLabelValues("insufficient_position").Inc()
		} else {
			metrics.TradeRejections.WithLabelValues("insufficient_cash").Inc()
		}
		writeDomainError(w, err)
		return
	}

	trade := &model.Trade{
		GameID:      req.GameID,
		Participant: key,
		RoundID:     req.RoundID,
		TickerID:    ticker.ID,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Price:       snap.Price,
		ExecutedAt:  time.Now().UTC(),
	}
	newCash := risk.Apply(req.Side, cash, notional)

	if err := s.store.AppendTrade(ctx, trade, newCash); err != nil {
		writeError(w, "failed to record trade", http.StatusInternalServerError)
		return
	}

	metrics.TradesTotal.WithLabelValues(string(req.Side)).Inc()

	slog.Info("trade executed",
		"trade_id", trade.ID,
		"participant", key.String(),
		"symbol", ticker.Symbol,
		"side", req.Side,
		"qty", req.Quantity.String(),
		"price", snap.Price.String(),
		"notional", notional.String(),
		"cash_after", newCash.String(),
	)

	writeJSON(w, http.StatusCreated, TradeResponse{
		ID:          trade.ID,
		GameID:      trade.GameID,
		Participant: key,
		RoundID:     trade.RoundID,
		TickerID:    ticker.ID,
		Symbol:      ticker.Symbol,
		Side:        trade.Side,
		Quantity:    trade.Quantity,
		Price:       trade.Price,
		ExecutedAt:  trade.ExecutedAt,
	})
}

// ListTrades handles GET /trading/trades with pagination. Results are
// ordered executed_at descending; insertion order breaks ties.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	gameID, err := queryInt64(r, "game_id")
	if err != nil {
		writeError(w, "game_id is required", http.StatusBadRequest)
		return
	}
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		writeError(w, "player_id is required", http.StatusBadRequest)
		return
	}
	roundID, err := queryOptInt64(r, "round_id")
	if err != nil {
		writeError(w, "invalid round_id", http.StatusBadRequest)
		return
	}
	limit := queryIntDefault(r, "limit", 50)
	if limit < 1 || limit > 200 {
		writeError(w, "limit must be between 1 and 200", http.StatusBadRequest)
		return
	}
	offset := queryIntDefault(r, "offset", 0)
	if offset < 0 {
		writeError(w, "offset must be non-negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	key, _, err := s.resolveParticipant(ctx, gameID, playerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	trades, err := s.store.ListTrades(ctx, store.TradeFilter{
		GameID:      gameID,
		Participant: key,
		RoundID:     roundID,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}

	symbols, err := s.symbolIndex(ctx)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}

	items := make([]TradeListItem, 0, len(trades))
	for _, t := range trades {
		items = append(items, TradeListItem{
			ID:         t.ID,
			RoundID:    t.RoundID,
			Symbol:     symbols[t.TickerID],
			Side:       t.Side,
			Quantity:   t.Quantity,
			Price:      t.Price,
			ExecutedAt: t.ExecutedAt,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// GetPortfolio handles GET /trading/portfolio?game_id=&player_id=.
//
// Replays the trade log into per-ticker aggregates and marks every
// non-zero position to market at the latest any-round price. Average
// cost is buy_cost / net_quantity: sells reduce quantity but not the
// recorded buy cost, so average cost can misstate true cost after a
// partial liquidation. That matches the running-average-cost model this
// engine is specified with; it is not corrected here.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	gameID, err := queryInt64(r, "game_id")
	if err != nil {
		writeError(w, "game_id is required", http.StatusBadRequest)
		return
	}
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		writeError(w, "player_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	key, cash, err := s.resolveParticipant(ctx, gameID, playerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	agg, err := s.store.AggregatePositions(ctx, key)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	positions := make([]model.Position, 0, len(agg))
	unrealizedTotal := decimal.Zero
	equity := cash

	for tickerID, pa := range agg {
		if pa.Quantity.IsZero() {
			continue
		}

		ticker, err := s.store.GetTicker(ctx, tickerID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		// Always the most recent overall price, ignoring rounds.
		snap, err := s.store.LatestSnapshot(ctx, gameID, tickerID, nil)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		avgPrice := pa.BuyCost.Div(pa.Quantity)
		marketValue := pa.Quantity.Mul(snap.Price)
		unrealized := snap.Price.Sub(avgPrice).Mul(pa.Quantity)

		unrealizedTotal = unrealizedTotal.Add(unrealized)
		equity = equity.Add(marketValue)

		positions = append(positions, model.Position{
			TickerID:      tickerID,
			Symbol:        ticker.Symbol,
			Quantity:      pa.Quantity,
			AvgPrice:      avgPrice,
			MarketPrice:   snap.Price,
			MarketValue:   marketValue,
			UnrealizedPnL: unrealized,
		})
	}

	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol < positions[j].Symbol
	})

	writeJSON(w, http.StatusOK, model.Portfolio{
		GameID:             gameID,
		PlayerID:           playerID,
		CashBalance:        cash,
		Positions:          positions,
		Equity:             equity,
		UnrealizedPnLTotal: unrealizedTotal,
	})
}

// Health handles GET /trading/health.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		writeError(w, "failed to read counts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// --- Helpers ---

// ensureExists validates the player and game against the directory.
func (s *Service) ensureExists(ctx context.Context, gameID int64, playerID string) error {
	ok, err := s.directory.PlayerExists(ctx, playerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: player %s", store.ErrNotFound, playerID)
	}

	ok, err = s.directory.GameExists(ctx, gameID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: game %d", store.ErrNotFound, gameID)
	}
	return nil
}

// resolveParticipant validates the player and game against the directory
// and lazily initializes the participant's ledger entry from the game's
// starting cash. Returns the key and the current cash balance.
func (s *Service) resolveParticipant(ctx context.Context, gameID int64, playerID string) (model.ParticipantKey, decimal.Decimal, error) {
	var zero decimal.Decimal

	if err := s.ensureExists(ctx, gameID, playerID); err != nil {
		return model.ParticipantKey{}, zero, err
	}

	startingCash, err := s.directory.GameStartingCash(ctx, gameID)
	if err != nil {
		return model.ParticipantKey{}, zero, err
	}

	key := model.ParticipantKey{GameID: gameID, PlayerID: playerID}
	cash, err := s.store.EnsureParticipant(ctx, key, startingCash)
	if err != nil {
		return model.ParticipantKey{}, zero, err
	}
	return key, cash, nil
}

func (s *Service) resolveTicker(ctx context.Context, raw string) (*model.Ticker, error) {
	sym, err := symbol.Normalize(raw)
	if err != nil {
		return nil, err
	}
	return s.store.GetTickerBySymbol(ctx, sym)
}

// symbolIndex returns a ticker id → symbol map for list rendering.
func (s *Service) symbolIndex(ctx context.Context) (map[int64]string, error) {
	tickers, err := s.store.ListTickers(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[int64]string, len(tickers))
	for _, t := range tickers {
		index[t.ID] = t.Symbol
	}
	return index, nil
}

func queryInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
}

func queryOptInt64(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func queryIntDefault(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps domain errors onto HTTP status codes: missing
// references are 404, duplicate registrations 409, and every trade
// admission failure 400.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNoPrice),
		errors.Is(err, risk.ErrInsufficientCash),
		errors.Is(err, risk.ErrInsufficientPosition),
		errors.Is(err, symbol.ErrInvalidSymbol),
		errors.Is(err, ErrTradingClosed):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
