package trading_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hedgegame/game-server/internal/game"
	"github.com/hedgegame/game-server/internal/model"
	"github.com/hedgegame/game-server/internal/store"
	"github.com/hedgegame/game-server/internal/trading"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store  *store.MemoryStore
	router *chi.Mux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ms := store.NewMemoryStore()
	dir := game.NewService(ms, nil)
	svc := trading.NewService(ms, dir)

	r := chi.NewRouter()
	svc.Routes(r)

	return &testEnv{store: ms, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedPlayer(t *testing.T, id string) {
	t.Helper()
	err := e.store.CreateProfile(context.Background(), &model.Profile{
		ID:       id,
		Username: "user-" + id,
		FullName: "Player " + id,
		Level:    model.LevelBeginner,
	})
	if err != nil {
		t.Fatalf("seed player: %v", err)
	}
}

func (e *testEnv) seedGame(t *testing.T, startingCash float64, status model.GameStatus) *model.Game {
	t.Helper()
	g := &model.Game{
		Code:         "TEST01",
		StartingCash: d(startingCash),
		Status:       status,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.store.CreateGame(context.Background(), g); err != nil {
		t.Fatalf("seed game: %v", err)
	}
	return g
}

func (e *testEnv) registerTicker(t *testing.T, sym string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/trading/tickers", trading.RegisterTickerRequest{Symbol: sym})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register ticker %s: status %d: %s", sym, rec.Code, rec.Body)
	}
}

func (e *testEnv) recordPrice(t *testing.T, gameID int64, sym string, price float64, roundID *int64) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/trading/price_snapshots", trading.PriceSnapshotRequest{
		GameID:       gameID,
		TickerSymbol: sym,
		Price:        d(price),
		RoundID:      roundID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record price %s@%v: status %d: %s", sym, price, rec.Code, rec.Body)
	}
}

func (e *testEnv) placeTrade(t *testing.T, req trading.PlaceTradeRequest) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/trading/trade", req)
}

func (e *testEnv) portfolio(t *testing.T, gameID int64, playerID string) model.Portfolio {
	t.Helper()
	rec := e.do(t, http.MethodGet,
		fmt.Sprintf("/trading/portfolio?game_id=%d&player_id=%s", gameID, playerID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("portfolio: status %d: %s", rec.Code, rec.Body)
	}
	var p model.Portfolio
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode portfolio: %v", err)
	}
	return p
}

func round(id int64) *int64 { return &id }

// --- Tickers ---

func TestRegisterTicker_Canonicalizes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/trading/tickers",
		trading.RegisterTickerRequest{Symbol: "  aapl ", Name: "Apple Inc."})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	var ticker model.Ticker
	if err := json.Unmarshal(rec.Body.Bytes(), &ticker); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ticker.Symbol != "AAPL" {
		t.Errorf("expected canonical symbol AAPL, got %q", ticker.Symbol)
	}
	if ticker.ID != 1 {
		t.Errorf("expected id 1, got %d", ticker.ID)
	}
}

func TestRegisterTicker_DuplicateAfterCanonicalization(t *testing.T) {
	env := newTestEnv(t)
	env.registerTicker(t, "AAPL")

	rec := env.do(t, http.MethodPost, "/trading/tickers",
		trading.RegisterTickerRequest{Symbol: "aapl"})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", rec.Code, rec.Body)
	}
}

func TestRegisterTicker_InvalidSymbol(t *testing.T) {
	env := newTestEnv(t)

	for _, sym := range []string{"", "TOO LONG SYMBOL!!", "lower$case", ".DOT"} {
		rec := env.do(t, http.MethodPost, "/trading/tickers",
			trading.RegisterTickerRequest{Symbol: sym})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("symbol %q: expected 400, got %d", sym, rec.Code)
		}
	}
}

// --- Price snapshots ---

func TestRecordPriceSnapshot_UnknownGame(t *testing.T) {
	env := newTestEnv(t)
	env.registerTicker(t, "AAPL")

	rec := env.do(t, http.MethodPost, "/trading/price_snapshots", trading.PriceSnapshotRequest{
		GameID:       99,
		TickerSymbol: "AAPL",
		Price:        d(100),
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", rec.Code, rec.Body)
	}
}

func TestRecordPriceSnapshot_UnknownTicker(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGame(t, 100000, model.GameStatusInProgress)

	rec := env.do(t, http.MethodPost, "/trading/price_snapshots", trading.PriceSnapshotRequest{
		GameID:       g.ID,
		TickerSymbol: "GHOST",
		Price:        d(100),
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", rec.Code, rec.Body)
	}
}

func TestRecordPriceSnapshot_NonPositivePrice(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")

	for _, price := range []float64{0, -1} {
		rec := env.do(t, http.MethodPost, "/trading/price_snapshots", trading.PriceSnapshotRequest{
			GameID:       g.ID,
			TickerSymbol: "AAPL",
			Price:        d(price),
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("price %v: expected 400, got %d", price, rec.Code)
		}
	}
}

// --- Price lookup ---

func TestGetPrice_NoSnapshots(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")

	rec := env.do(t, http.MethodGet,
		fmt.Sprintf("/trading/price?game_id=%d&symbol=AAPL", g.ID), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when no price exists, got %d: %s", rec.Code, rec.Body)
	}
}

func TestGetPrice_RoundFallback(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 100, round(1))
	env.recordPrice(t, g.ID, "AAPL", 110, nil)

	// Round 1 has its own snapshot.
	rec := env.do(t, http.MethodGet,
		fmt.Sprintf("/trading/price?game_id=%d&symbol=AAPL&round_id=1", g.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp trading.PriceResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Price.Equal(d(100)) {
		t.Errorf("round 1: expected 100, got %s", resp.Price)
	}

	// Round 2 has none and falls back to the latest overall.
	rec = env.do(t, http.MethodGet,
		fmt.Sprintf("/trading/price?game_id=%d&symbol=AAPL&round_id=2", g.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Price.Equal(d(110)) {
		t.Errorf("round 2 fallback: expected 110, got %s", resp.Price)
	}
}

// --- Trade execution ---

func TestPlaceTrade_Buy(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 185, nil)

	rec := env.placeTrade(t, trading.PlaceTradeRequest{
		GameID:       g.ID,
		PlayerID:     "alice",
		TickerSymbol: "aapl",
		Side:         model.SideBuy,
		Quantity:     d(100),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	var trade trading.TradeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &trade); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if trade.Symbol != "AAPL" {
		t.Errorf("expected symbol AAPL, got %q", trade.Symbol)
	}
	if !trade.Price.Equal(d(185)) {
		t.Errorf("expected execution price 185, got %s", trade.Price)
	}

	p := env.portfolio(t, g.ID, "alice")
	if !p.CashBalance.Equal(d(81500)) {
		t.Errorf("expected cash 81500, got %s", p.CashBalance)
	}
	if len(p.Positions) != 1 || !p.Positions[0].Quantity.Equal(d(100)) {
		t.Errorf("expected one position of 100 shares, got %+v", p.Positions)
	}
	if !p.Equity.Equal(d(100000)) {
		t.Errorf("equity must equal starting cash right after a buy, got %s", p.Equity)
	}
}

func TestPlaceTrade_SellBeyondPosition(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 185, nil)

	env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideBuy, Quantity: d(100),
	})

	rec := env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideSell, Quantity: d(150),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body)
	}

	// The rejected trade must not touch the ledger.
	p := env.portfolio(t, g.ID, "alice")
	if !p.CashBalance.Equal(d(81500)) {
		t.Errorf("cash changed after rejected trade: %s", p.CashBalance)
	}
	if !p.Positions[0].Quantity.Equal(d(100)) {
		t.Errorf("position changed after rejected trade: %s", p.Positions[0].Quantity)
	}
}

func TestPlaceTrade_SellEntirePosition(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 185, nil)

	env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideBuy, Quantity: d(100),
	})
	rec := env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideSell, Quantity: d(100),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("selling the full position must pass: %d: %s", rec.Code, rec.Body)
	}

	p := env.portfolio(t, g.ID, "alice")
	if !p.CashBalance.Equal(d(100000)) {
		t.Errorf("round trip at one price must restore cash, got %s", p.CashBalance)
	}
	if len(p.Positions) != 0 {
		t.Errorf("flat position must be omitted, got %+v", p.Positions)
	}
}

func TestPlaceTrade_InsufficientCash(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 1000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 185, nil)

	rec := env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideBuy, Quantity: d(100),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
}

func TestPlaceTrade_ExactCashPasses(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 18500, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 185, nil)

	rec := env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideBuy, Quantity: d(100),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("notional equal to cash must pass: %d: %s", rec.Code, rec.Body)
	}

	p := env.portfolio(t, g.ID, "alice")
	if !p.CashBalance.IsZero() {
		t.Errorf("expected zero cash, got %s", p.CashBalance)
	}
}

func TestPlaceTrade_NoPrice(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")

	rec := env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideBuy, Quantity: d(1),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when no snapshot exists, got %d: %s", rec.Code, rec.Body)
	}
}

func TestPlaceTrade_CompletedGame(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusCompleted)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 185, nil)

	rec := env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideBuy, Quantity: d(1),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for completed game, got %d: %s", rec.Code, rec.Body)
	}
}

func TestPlaceTrade_PendingGameAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusPending)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 185, nil)

	rec := env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideBuy, Quantity: d(1),
	})
	if rec.Code != http.StatusCreated {
		t.Errorf("pending games accept trades, got %d: %s", rec.Code, rec.Body)
	}
}

func TestPlaceTrade_UnknownReferences(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 185, nil)

	cases := []struct {
		name string
		req  trading.PlaceTradeRequest
	}{
		{"unknown player", trading.PlaceTradeRequest{
			GameID: g.ID, PlayerID: "ghost", TickerSymbol: "AAPL",
			Side: model.SideBuy, Quantity: d(1)}},
		{"unknown game", trading.PlaceTradeRequest{
			GameID: 999, PlayerID: "alice", TickerSymbol: "AAPL",
			Side: model.SideBuy, Quantity: d(1)}},
		{"unknown ticker", trading.PlaceTradeRequest{
			GameID: g.ID, PlayerID: "alice", TickerSymbol: "GHOST",
			Side: model.SideBuy, Quantity: d(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.placeTrade(t, tc.req)
			if rec.Code != http.StatusNotFound {
				t.Errorf("expected 404, got %d: %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestPlaceTrade_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 185, nil)

	cases := []struct {
		name string
		req  trading.PlaceTradeRequest
	}{
		{"bad side", trading.PlaceTradeRequest{
			GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
			Side: "HOLD", Quantity: d(1)}},
		{"zero quantity", trading.PlaceTradeRequest{
			GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
			Side: model.SideBuy, Quantity: d(0)}},
		{"negative quantity", trading.PlaceTradeRequest{
			GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
			Side: model.SideBuy, Quantity: d(-5)}},
		{"missing player", trading.PlaceTradeRequest{
			GameID: g.ID, TickerSymbol: "AAPL",
			Side: model.SideBuy, Quantity: d(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.placeTrade(t, tc.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestPlaceTrade_ExecutesAtRoundPrice(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 100, round(1))
	env.recordPrice(t, g.ID, "AAPL", 110, nil)

	rec := env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideBuy, Quantity: d(10), RoundID: round(1),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var trade trading.TradeResponse
	json.Unmarshal(rec.Body.Bytes(), &trade)
	if !trade.Price.Equal(d(100)) {
		t.Errorf("round-scoped trade must use the round price, got %s", trade.Price)
	}
	if trade.RoundID == nil || *trade.RoundID != 1 {
		t.Errorf("expected round id 1 on the trade, got %v", trade.RoundID)
	}
}

// --- Trade listing ---

func TestListTrades_OrderingPaginationAndFilter(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 1000000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 10, nil)

	for i := 0; i < 5; i++ {
		var rid *int64
		if i%2 == 0 {
			rid = round(1)
		}
		rec := env.placeTrade(t, trading.PlaceTradeRequest{
			GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
			Side: model.SideBuy, Quantity: d(float64(i + 1)), RoundID: rid,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("trade %d: status %d: %s", i, rec.Code, rec.Body)
		}
	}

	list := func(query string) []trading.TradeListItem {
		rec := env.do(t, http.MethodGet,
			fmt.Sprintf("/trading/trades?game_id=%d&player_id=alice%s", g.ID, query), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("list %q: status %d: %s", query, rec.Code, rec.Body)
		}
		var items []trading.TradeListItem
		if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return items
	}

	all := list("")
	if len(all) != 5 {
		t.Fatalf("expected 5 trades, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ExecutedAt.After(all[i-1].ExecutedAt) {
			t.Errorf("trades not in descending executed_at order at %d", i)
		}
	}

	// Same query twice yields the same page.
	again := list("")
	for i := range all {
		if all[i].ID != again[i].ID {
			t.Errorf("listing is not deterministic at position %d", i)
		}
	}

	page := list("&limit=2&offset=1")
	if len(page) != 2 || page[0].ID != all[1].ID || page[1].ID != all[2].ID {
		t.Errorf("unexpected page: %+v", page)
	}

	inRound := list("&round_id=1")
	if len(inRound) != 3 {
		t.Errorf("expected 3 round-1 trades, got %d", len(inRound))
	}
	for _, item := range inRound {
		if item.RoundID == nil || *item.RoundID != 1 {
			t.Errorf("round filter leaked trade %d", item.ID)
		}
	}
}

func TestListTrades_LimitBounds(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)

	for _, query := range []string{"&limit=0", "&limit=201", "&limit=-1", "&offset=-1"} {
		rec := env.do(t, http.MethodGet,
			fmt.Sprintf("/trading/trades?game_id=%d&player_id=alice%s", g.ID, query), nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: expected 400, got %d", query, rec.Code)
		}
	}
}

// --- Portfolio ---

func TestPortfolio_LazyParticipant(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)

	p := env.portfolio(t, g.ID, "alice")
	if !p.CashBalance.Equal(d(100000)) {
		t.Errorf("expected starting cash, got %s", p.CashBalance)
	}
	if len(p.Positions) != 0 {
		t.Errorf("expected no positions, got %+v", p.Positions)
	}
	if !p.Equity.Equal(d(100000)) {
		t.Errorf("expected equity = cash, got %s", p.Equity)
	}
}

func TestPortfolio_PartialSellDistortsAvgCost(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")

	env.recordPrice(t, g.ID, "AAPL", 100, nil)
	env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideBuy, Quantity: d(10),
	})
	env.recordPrice(t, g.ID, "AAPL", 120, nil)
	env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideSell, Quantity: d(4),
	})

	p := env.portfolio(t, g.ID, "alice")
	// Cash: 100000 − 10×100 + 4×120.
	if !p.CashBalance.Equal(d(99480)) {
		t.Errorf("expected cash 99480, got %s", p.CashBalance)
	}
	if len(p.Positions) != 1 {
		t.Fatalf("expected one position, got %+v", p.Positions)
	}
	pos := p.Positions[0]
	if !pos.Quantity.Equal(d(6)) {
		t.Errorf("expected quantity 6, got %s", pos.Quantity)
	}
	// Sells do not reduce the recorded buy cost: avg = 1000 / 6.
	wantAvg := d(1000).Div(d(6))
	if !pos.AvgPrice.Equal(wantAvg) {
		t.Errorf("expected avg price %s, got %s", wantAvg, pos.AvgPrice)
	}
	if !pos.MarketValue.Equal(d(720)) {
		t.Errorf("expected market value 720, got %s", pos.MarketValue)
	}
	wantUnrealized := d(120).Sub(wantAvg).Mul(d(6))
	if !pos.UnrealizedPnL.Equal(wantUnrealized) {
		t.Errorf("expected unrealized %s, got %s", wantUnrealized, pos.UnrealizedPnL)
	}
	if !p.Equity.Equal(d(100200)) {
		t.Errorf("expected equity 100200, got %s", p.Equity)
	}
}

func TestPortfolio_PositionsSortedBySymbol(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)

	for _, sym := range []string{"MSFT", "AAPL", "GOOG"} {
		env.registerTicker(t, sym)
		env.recordPrice(t, g.ID, sym, 10, nil)
		env.placeTrade(t, trading.PlaceTradeRequest{
			GameID: g.ID, PlayerID: "alice", TickerSymbol: sym,
			Side: model.SideBuy, Quantity: d(1),
		})
	}

	p := env.portfolio(t, g.ID, "alice")
	want := []string{"AAPL", "GOOG", "MSFT"}
	if len(p.Positions) != len(want) {
		t.Fatalf("expected %d positions, got %d", len(want), len(p.Positions))
	}
	for i, sym := range want {
		if p.Positions[i].Symbol != sym {
			t.Errorf("position %d: expected %s, got %s", i, sym, p.Positions[i].Symbol)
		}
	}
}

func TestPortfolio_MarksAtLatestAnyRoundPrice(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")

	env.recordPrice(t, g.ID, "AAPL", 100, round(1))
	env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideBuy, Quantity: d(10), RoundID: round(1),
	})
	env.recordPrice(t, g.ID, "AAPL", 130, round(2))

	p := env.portfolio(t, g.ID, "alice")
	if !p.Positions[0].MarketPrice.Equal(d(130)) {
		t.Errorf("expected mark at latest price 130, got %s", p.Positions[0].MarketPrice)
	}
	if !p.UnrealizedPnLTotal.Equal(d(300)) {
		t.Errorf("expected unrealized total 300, got %s", p.UnrealizedPnLTotal)
	}
}

func TestPortfolio_MissingPriceFailsWhole(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")

	// A held ticker without any snapshot can only arise from direct ledger
	// writes, but valuation must still refuse to guess a price.
	ctx := context.Background()
	key := model.ParticipantKey{GameID: g.ID, PlayerID: "alice"}
	if _, err := env.store.EnsureParticipant(ctx, key, d(100000)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	err := env.store.AppendTrade(ctx, &model.Trade{
		GameID:      g.ID,
		Participant: key,
		TickerID:    1,
		Side:        model.SideBuy,
		Quantity:    d(5),
		Price:       d(100),
		ExecutedAt:  time.Now().UTC(),
	}, d(99500))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	rec := env.do(t, http.MethodGet,
		fmt.Sprintf("/trading/portfolio?game_id=%d&player_id=alice", g.ID), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when a held ticker has no price, got %d: %s", rec.Code, rec.Body)
	}
}

func TestPortfolio_CashConservation(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")

	trade := func(side model.Side, qty, price float64) {
		env.recordPrice(t, g.ID, "AAPL", price, nil)
		rec := env.placeTrade(t, trading.PlaceTradeRequest{
			GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
			Side: side, Quantity: d(qty),
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("%s %v@%v: %d: %s", side, qty, price, rec.Code, rec.Body)
		}
	}

	trade(model.SideBuy, 10, 185.50)
	trade(model.SideBuy, 5, 190.25)
	trade(model.SideSell, 8, 200.10)
	trade(model.SideSell, 7, 178.33)

	// 100000 − 1855 − 951.25 + 1600.80 + 1248.31, computed in decimal.
	want := d(100000).Sub(d(10).Mul(d(185.50))).Sub(d(5).Mul(d(190.25))).
		Add(d(8).Mul(d(200.10))).Add(d(7).Mul(d(178.33)))

	p := env.portfolio(t, g.ID, "alice")
	if !p.CashBalance.Equal(want) {
		t.Errorf("expected cash %s, got %s", want, p.CashBalance)
	}
	if len(p.Positions) != 0 {
		t.Errorf("expected flat book, got %+v", p.Positions)
	}
}

// --- Health ---

func TestHealth_Counts(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "alice")
	g := env.seedGame(t, 100000, model.GameStatusInProgress)
	env.registerTicker(t, "AAPL")
	env.recordPrice(t, g.ID, "AAPL", 100, nil)
	env.placeTrade(t, trading.PlaceTradeRequest{
		GameID: g.ID, PlayerID: "alice", TickerSymbol: "AAPL",
		Side: model.SideBuy, Quantity: d(1),
	})

	rec := env.do(t, http.MethodGet, "/trading/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var counts model.LedgerCounts
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := model.LedgerCounts{Tickers: 1, PriceSnapshots: 1, Trades: 1, Participants: 1}
	if counts != want {
		t.Errorf("expected %+v, got %+v", want, counts)
	}
}
