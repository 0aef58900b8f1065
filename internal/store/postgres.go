package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hedgegame/game-server/internal/model"
)

// PostgresStore implements Store using PostgreSQL. All monetary values are
// stored as NUMERIC for exact decimal precision; sequential ids come from
// BIGSERIAL columns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// translate maps driver errors onto the store's sentinel errors.
func translate(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, what)
	}
	return err
}

// --- Player profiles ---

func (s *PostgresStore) CreateProfile(ctx context.Context, p *model.Profile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (id, username, full_name, level, total_games)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Username, p.FullName, string(p.Level), p.TotalGames,
	)
	if err != nil {
		return translate(err, "profile "+p.Username)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, playerID string) (*model.Profile, error) {
	var p model.Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, full_name, level, total_games
		 FROM profiles WHERE id = $1`, playerID).
		Scan(&p.ID, &p.Username, &p.FullName, &p.Level, &p.TotalGames)
	if err != nil {
		return nil, translate(err, "profile "+playerID)
	}
	return &p, nil
}

func (s *PostgresStore) ListProfiles(ctx context.Context, level *model.PlayerLevel) ([]model.Profile, error) {
	query := `SELECT id, username, full_name, level, total_games FROM profiles`
	args := []any{}
	if level != nil {
		query += ` WHERE level = $1`
		args = append(args, string(*level))
	}
	query += ` ORDER BY username`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Profile
	for rows.Next() {
		var p model.Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.FullName, &p.Level, &p.TotalGames); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateProfileName(ctx context.Context, playerID, fullName string) (*model.Profile, error) {
	var p model.Profile
	err := s.pool.QueryRow(ctx,
		`UPDATE profiles SET full_name = $2 WHERE id = $1
		 RETURNING id, username, full_name, level, total_games`,
		playerID, fullName).
		Scan(&p.ID, &p.Username, &p.FullName, &p.Level, &p.TotalGames)
	if err != nil {
		return nil, translate(err, "profile "+playerID)
	}
	return &p, nil
}

func (s *PostgresStore) DeleteProfile(ctx context.Context, playerID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, playerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: profile %s", ErrNotFound, playerID)
	}
	return nil
}

// --- Games ---

func (s *PostgresStore) CreateGame(ctx context.Context, g *model.Game) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO games (code, starting_cash, status, participants_count, created_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5)
		 RETURNING id`,
		g.Code, g.StartingCash.String(), string(g.Status), g.ParticipantsCount, g.CreatedAt).
		Scan(&g.ID)
	return err
}

func (s *PostgresStore) GetGame(ctx context.Context, gameID int64) (*model.Game, error) {
	var g model.Game
	var startingCash string
	err := s.pool.QueryRow(ctx,
		`SELECT id, code, starting_cash::TEXT, status, participants_count, created_at
		 FROM games WHERE id = $1`, gameID).
		Scan(&g.ID, &g.Code, &startingCash, &g.Status, &g.ParticipantsCount, &g.CreatedAt)
	if err != nil {
		return nil, translate(err, fmt.Sprintf("game %d", gameID))
	}
	g.StartingCash, _ = decimal.NewFromString(startingCash)
	return &g, nil
}

func (s *PostgresStore) ListGames(ctx context.Context, status *model.GameStatus) ([]model.Game, error) {
	query := `SELECT id, code, starting_cash::TEXT, status, participants_count, created_at FROM games`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*status))
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Game
	for rows.Next() {
		var g model.Game
		var startingCash string
		if err := rows.Scan(&g.ID, &g.Code, &startingCash, &g.Status, &g.ParticipantsCount, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.StartingCash, _ = decimal.NewFromString(startingCash)
		result = append(result, g)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteGame(ctx context.Context, gameID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM games WHERE id = $1`, gameID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: game %d", ErrNotFound, gameID)
	}
	return nil
}

func (s *PostgresStore) SetGameStatus(ctx context.Context, gameID int64, status model.GameStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE games SET status = $2 WHERE id = $1`, gameID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: game %d", ErrNotFound, gameID)
	}
	return nil
}

func (s *PostgresStore) AddGameParticipant(ctx context.Context, gameID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE games SET participants_count = participants_count + 1 WHERE id = $1`, gameID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: game %d", ErrNotFound, gameID)
	}
	return nil
}

// --- Ticker registry ---

func (s *PostgresStore) CreateTicker(ctx context.Context, t *model.Ticker) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tickers (symbol, name, sector) VALUES ($1, $2, $3)
		 RETURNING id`,
		t.Symbol, t.Name, t.Sector).
		Scan(&t.ID)
	if err != nil {
		return translate(err, "ticker "+t.Symbol)
	}
	return nil
}

func (s *PostgresStore) GetTicker(ctx context.Context, tickerID int64) (*model.Ticker, error) {
	var t model.Ticker
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, name, sector FROM tickers WHERE id = $1`, tickerID).
		Scan(&t.ID, &t.Symbol, &t.Name, &t.Sector)
	if err != nil {
		return nil, translate(err, fmt.Sprintf("ticker %d", tickerID))
	}
	return &t, nil
}

func (s *PostgresStore) GetTickerBySymbol(ctx context.Context, symbol string) (*model.Ticker, error) {
	var t model.Ticker
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, name, sector FROM tickers WHERE symbol = $1`, symbol).
		Scan(&t.ID, &t.Symbol, &t.Name, &t.Sector)
	if err != nil {
		return nil, translate(err, "ticker "+symbol)
	}
	return &t, nil
}

func (s *PostgresStore) ListTickers(ctx context.Context) ([]model.Ticker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, name, sector FROM tickers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Ticker
	for rows.Next() {
		var t model.Ticker
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Name, &t.Sector); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// --- Price time series ---

func (s *PostgresStore) InsertSnapshot(ctx context.Context, ps *model.PriceSnapshot) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO price_snapshots (game_id, ticker_id, round_id, price, taken_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 RETURNING id`,
		ps.GameID, ps.TickerID, ps.RoundID, ps.Price.String(), ps.TakenAt).
		Scan(&ps.ID)
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, gameID, tickerID int64, roundID *int64) (*model.PriceSnapshot, error) {
	if roundID != nil {
		ps, err := s.latestSnapshotRow(ctx,
			`SELECT id, game_id, ticker_id, round_id, price::TEXT, taken_at
			 FROM price_snapshots
			 WHERE game_id = $1 AND ticker_id = $2 AND round_id = $3
			 ORDER BY id DESC LIMIT 1`,
			gameID, tickerID, *roundID)
		if err == nil {
			return ps, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		// Round-exact miss: fall back to any-round below.
	}

	ps, err := s.latestSnapshotRow(ctx,
		`SELECT id, game_id, ticker_id, round_id, price::TEXT, taken_at
		 FROM price_snapshots
		 WHERE game_id = $1 AND ticker_id = $2
		 ORDER BY id DESC LIMIT 1`,
		gameID, tickerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: game %d ticker %d", ErrNoPrice, gameID, tickerID)
		}
		return nil, err
	}
	return ps, nil
}

func (s *PostgresStore) latestSnapshotRow(ctx context.Context, query string, args ...any) (*model.PriceSnapshot, error) {
	var ps model.PriceSnapshot
	var price string
	err := s.pool.QueryRow(ctx, query, args...).
		Scan(&ps.ID, &ps.GameID, &ps.TickerID, &ps.RoundID, &price, &ps.TakenAt)
	if err != nil {
		return nil, err
	}
	ps.Price, _ = decimal.NewFromString(price)
	return &ps, nil
}

// --- Participant ledger ---

func (s *PostgresStore) EnsureParticipant(ctx context.Context, key model.ParticipantKey, startingCash decimal.Decimal) (decimal.Decimal, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (game_id, player_id, cash_balance)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (game_id, player_id) DO NOTHING`,
		key.GameID, key.PlayerID, startingCash.String())
	if err != nil {
		return decimal.Decimal{}, err
	}
	return s.ParticipantCash(ctx, key)
}

func (s *PostgresStore) ParticipantCash(ctx context.Context, key model.ParticipantKey) (decimal.Decimal, error) {
	var cash string
	err := s.pool.QueryRow(ctx,
		`SELECT cash_balance::TEXT FROM participants
		 WHERE game_id = $1 AND player_id = $2`,
		key.GameID, key.PlayerID).
		Scan(&cash)
	if err != nil {
		return decimal.Decimal{}, translate(err, "participant "+key.String())
	}
	d, _ := decimal.NewFromString(cash)
	return d, nil
}

// --- Trade log ---

// AppendTrade inserts the trade and updates the participant's cash in one
// transaction.
func (s *PostgresStore) AppendTrade(ctx context.Context, t *model.Trade, newCash decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO trades (game_id, player_id, round_id, ticker_id, side, quantity, price, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)
		 RETURNING id`,
		t.GameID, t.Participant.PlayerID, t.RoundID, t.TickerID,
		string(t.Side), t.Quantity.String(), t.Price.String(), t.ExecutedAt).
		Scan(&t.ID)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE participants SET cash_balance = $3::NUMERIC
		 WHERE game_id = $1 AND player_id = $2`,
		t.Participant.GameID, t.Participant.PlayerID, newCash.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: participant %s", ErrNotFound, t.Participant)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) PositionQuantity(ctx context.Context, key model.ParticipantKey, tickerID int64) (decimal.Decimal, error) {
	var qty string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN side = 'BUY' THEN quantity ELSE -quantity END), 0)::TEXT
		 FROM trades
		 WHERE game_id = $1 AND player_id = $2 AND ticker_id = $3`,
		key.GameID, key.PlayerID, tickerID).
		Scan(&qty)
	if err != nil {
		return decimal.Decimal{}, err
	}
	d, _ := decimal.NewFromString(qty)
	return d, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	query := `SELECT id, game_id, player_id, round_id, ticker_id, side, quantity::TEXT, price::TEXT, executed_at
	          FROM trades
	          WHERE game_id = $1 AND player_id = $2`
	args := []any{f.GameID, f.Participant.PlayerID}
	if f.RoundID != nil {
		query += ` AND round_id = $3`
		args = append(args, *f.RoundID)
	}
	// id ASC breaks executed_at ties in insertion order.
	query += fmt.Sprintf(` ORDER BY executed_at DESC, id ASC LIMIT %d OFFSET %d`, f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []model.Trade{}
	for rows.Next() {
		var t model.Trade
		var qty, price string
		if err := rows.Scan(&t.ID, &t.GameID, &t.Participant.PlayerID, &t.RoundID,
			&t.TickerID, &t.Side, &qty, &price, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Participant.GameID = t.GameID
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(price)
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) AggregatePositions(ctx context.Context, key model.ParticipantKey) (map[int64]PositionAgg, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticker_id,
		        SUM(CASE WHEN side = 'BUY' THEN quantity ELSE -quantity END)::TEXT,
		        SUM(CASE WHEN side = 'BUY' THEN quantity * price ELSE 0 END)::TEXT
		 FROM trades
		 WHERE game_id = $1 AND player_id = $2
		 GROUP BY ticker_id`,
		key.GameID, key.PlayerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agg := make(map[int64]PositionAgg)
	for rows.Next() {
		var tickerID int64
		var qty, buyCost string
		if err := rows.Scan(&tickerID, &qty, &buyCost); err != nil {
			return nil, err
		}
		var pa PositionAgg
		pa.Quantity, _ = decimal.NewFromString(qty)
		pa.BuyCost, _ = decimal.NewFromString(buyCost)
		agg[tickerID] = pa
	}
	return agg, rows.Err()
}

func (s *PostgresStore) CountPlayerTrades(ctx context.Context, playerID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE player_id = $1`, playerID).Scan(&n)
	return n, err
}

func (s *PostgresStore) Counts(ctx context.Context) (model.LedgerCounts, error) {
	var c model.LedgerCounts
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM tickers),
		        (SELECT COUNT(*) FROM price_snapshots),
		        (SELECT COUNT(*) FROM trades),
		        (SELECT COUNT(*) FROM participants)`).
		Scan(&c.Tickers, &c.PriceSnapshots, &c.Trades, &c.Participants)
	return c, err
}
