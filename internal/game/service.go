// Package game implements the player/game directory: profiles, game
// sessions, matchmaking, and the leaderboard. Thin glue around the store.
// The trading core consumes it through its Directory interface.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hedgegame/game-server/internal/metrics"
	"github.com/hedgegame/game-server/internal/model"
	"github.com/hedgegame/game-server/internal/store"
)

// defaultStartingCash is the per-participant cash for games created
// without an explicit amount, including matchmade games.
var defaultStartingCash = decimal.NewFromInt(100000)

// Service handles directory operations. The matchmaking queue is held in
// process memory only; queued players do not survive a restart.
type Service struct {
	store store.Store
	hub   *EventHub

	qmu   sync.Mutex
	queue []string // player ids, FIFO
}

// NewService creates a new directory service. Pass nil for hub if lobby
// event broadcasting is not needed.
func NewService(st store.Store, hub *EventHub) *Service {
	return &Service{
		store: st,
		hub:   hub,
	}
}

// Routes mounts the directory endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/profiles", s.CreateProfile)
	r.Get("/profiles", s.ListProfiles)
	r.Get("/profiles/{playerID}", s.GetProfile)
	r.Put("/profiles/{playerID}", s.UpdateProfile)
	r.Delete("/profiles/{playerID}", s.DeleteProfile)

	r.Post("/games", s.CreateGame)
	r.Get("/games", s.ListGames)
	r.Get("/games/{gameID}", s.GetGame)
	r.Delete("/games/{gameID}", s.DeleteGame)
	r.Patch("/games/{gameID}/status", s.UpdateGameStatus)
	r.Post("/games/{gameID}/join", s.JoinGame)

	r.Get("/players/{playerID}/stats", s.PlayerStats)
	r.Get("/leaderboard", s.Leaderboard)

	r.Post("/matches", s.CreateMatch)
	r.Delete("/matches/{playerID}", s.LeaveMatchmaking)

	if s.hub != nil {
		r.Get("/events", s.hub.HandleWS)
	}
}

// --- Directory contract (consumed by the trading core) ---

func (s *Service) PlayerExists(ctx context.Context, playerID string) (bool, error) {
	_, err := s.store.GetProfile(ctx, playerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) GameExists(ctx context.Context, gameID int64) (bool, error) {
	_, err := s.store.GetGame(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) GameStatus(ctx context.Context, gameID int64) (model.GameStatus, error) {
	g, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return "", err
	}
	return g.Status, nil
}

func (s *Service) GameStartingCash(ctx context.Context, gameID int64) (decimal.Decimal, error) {
	g, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return g.StartingCash, nil
}

// --- Request types ---

// CreateProfileRequest is the JSON body for POST /profiles.
type CreateProfileRequest struct {
	Username string `json:"username"`
	FullName string `json:"full_name"`
}

// UpdateProfileRequest is the JSON body for PUT /profiles/{playerID}.
type UpdateProfileRequest struct {
	FullName string `json:"full_name"`
}

// CreateGameRequest is the JSON body for POST /games. A zero StartingCash
// falls back to the default.
type CreateGameRequest struct {
	StartingCash decimal.Decimal `json:"starting_cash"`
}

// JoinGameRequest is the JSON body for POST /games/{gameID}/join.
type JoinGameRequest struct {
	PlayerID string `json:"player_id"`
}

// MatchRequest is the JSON body for POST /matches.
type MatchRequest struct {
	PlayerID       string             `json:"player_id"`
	PreferredLevel *model.PlayerLevel `json:"preferred_level,omitempty"`
}

// LeaderboardEntry is one row of GET /leaderboard.
type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	Username    string `json:"username"`
	TotalPoints int    `json:"total_points"`
}

// --- Profile handlers ---

// CreateProfile handles POST /profiles.
func (s *Service) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req CreateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 30 {
		writeError(w, "username must be 3-30 characters", http.StatusBadRequest)
		return
	}
	if req.FullName == "" {
		writeError(w, "full_name is required", http.StatusBadRequest)
		return
	}

	profile := &model.Profile{
		ID:       uuid.New().String(),
		Username: req.Username,
		FullName: req.FullName,
		Level:    model.LevelBeginner,
	}
	if err := s.store.CreateProfile(r.Context(), profile); err != nil {
		writeDirectoryError(w, err)
		return
	}

	slog.Info("profile created", "player_id", profile.ID, "username", profile.Username)
	writeJSON(w, http.StatusCreated, profile)
}

// ListProfiles handles GET /profiles?level=.
func (s *Service) ListProfiles(w http.ResponseWriter, r *http.Request) {
	var level *model.PlayerLevel
	if raw := r.URL.Query().Get("level"); raw != "" {
		l := model.PlayerLevel(raw)
		if !l.Valid() {
			writeError(w, "invalid level", http.StatusBadRequest)
			return
		}
		level = &l
	}

	profiles, err := s.store.ListProfiles(r.Context(), level)
	if err != nil {
		writeError(w, "failed to list profiles", http.StatusInternalServerError)
		return
	}
	if profiles == nil {
		profiles = []model.Profile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

// GetProfile handles GET /profiles/{playerID}.
func (s *Service) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.store.GetProfile(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// UpdateProfile handles PUT /profiles/{playerID}.
func (s *Service) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FullName == "" {
		writeError(w, "full_name is required", http.StatusBadRequest)
		return
	}

	profile, err := s.store.UpdateProfileName(r.Context(), chi.URLParam(r, "playerID"), req.FullName)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// DeleteProfile handles DELETE /profiles/{playerID}.
func (s *Service) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProfile(r.Context(), chi.URLParam(r, "playerID")); err != nil {
		writeDirectoryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Game handlers ---

// CreateGame handles POST /games.
func (s *Service) CreateGame(w http.ResponseWriter, r *http.Request) {
	var req CreateGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	startingCash := req.StartingCash
	if startingCash.IsZero() {
		startingCash = defaultStartingCash
	}
	if !startingCash.IsPositive() {
		writeError(w, "starting_cash must be positive", http.StatusBadRequest)
		return
	}

	game, err := s.createGame(r.Context(), startingCash)
	if err != nil {
		writeError(w, "failed to create game", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, game)
}

func (s *Service) createGame(ctx context.Context, startingCash decimal.Decimal) (*model.Game, error) {
	game := &model.Game{
		Code:         newGameCode(),
		StartingCash: startingCash,
		Status:       model.GameStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateGame(ctx, game); err != nil {
		return nil, err
	}

	slog.Info("game created", "game_id", game.ID, "code", game.Code,
		"starting_cash", game.StartingCash.String())
	s.hub.Broadcast(Event{
		Type:     EventGameCreated,
		GameID:   game.ID,
		GameCode: game.Code,
		Status:   game.Status,
	})
	return game, nil
}

// ListGames handles GET /games?status=.
func (s *Service) ListGames(w http.ResponseWriter, r *http.Request) {
	var status *model.GameStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := model.GameStatus(raw)
		if !st.Valid() {
			writeError(w, "invalid status", http.StatusBadRequest)
			return
		}
		status = &st
	}

	games, err := s.store.ListGames(r.Context(), status)
	if err != nil {
		writeError(w, "failed to list games", http.StatusInternalServerError)
		return
	}
	if games == nil {
		games = []model.Game{}
	}
	writeJSON(w, http.StatusOK, games)
}

// GetGame handles GET /games/{gameID}.
func (s *Service) GetGame(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathInt64(r, "gameID")
	if err != nil {
		writeError(w, "invalid game id", http.StatusBadRequest)
		return
	}
	game, err := s.store.GetGame(r.Context(), gameID)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

// DeleteGame handles DELETE /games/{gameID}. Only pending games can be
// deleted.
func (s *Service) DeleteGame(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathInt64(r, "gameID")
	if err != nil {
		writeError(w, "invalid game id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	game, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	if game.Status != model.GameStatusPending {
		writeError(w, "only pending games can be deleted", http.StatusBadRequest)
		return
	}
	if err := s.store.DeleteGame(ctx, gameID); err != nil {
		writeDirectoryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateGameStatusRequest is the JSON body for PATCH /games/{gameID}/status.
type UpdateGameStatusRequest struct {
	Status model.GameStatus `json:"status"`
}

// errBadTransition is returned for status changes that move backwards in
// the lifecycle.
var errBadTransition = errors.New("game: invalid status transition")

// UpdateGameStatus handles PATCH /games/{gameID}/status. The lifecycle
// only moves forward: PENDING to IN_PROGRESS to COMPLETED.
func (s *Service) UpdateGameStatus(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathInt64(r, "gameID")
	if err != nil {
		writeError(w, "invalid game id", http.StatusBadRequest)
		return
	}
	var req UpdateGameStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Status.Valid() {
		writeError(w, "invalid status", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	game, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	if rankStatus(req.Status) < rankStatus(game.Status) {
		writeDirectoryError(w, errBadTransition)
		return
	}
	if err := s.store.SetGameStatus(ctx, gameID, req.Status); err != nil {
		writeDirectoryError(w, err)
		return
	}

	slog.Info("game status changed", "game_id", gameID,
		"from", game.Status, "to", req.Status)
	s.hub.Broadcast(Event{
		Type:     EventStatusChanged,
		GameID:   gameID,
		GameCode: game.Code,
		Status:   req.Status,
	})

	game.Status = req.Status
	writeJSON(w, http.StatusOK, game)
}

func rankStatus(st model.GameStatus) int {
	switch st {
	case model.GameStatusInProgress:
		return 1
	case model.GameStatusCompleted:
		return 2
	}
	return 0
}

// JoinGame handles POST /games/{gameID}/join. Only pending games accept
// players.
func (s *Service) JoinGame(w http.ResponseWriter, r *http.Request) {
	gameID, err := pathInt64(r, "gameID")
	if err != nil {
		writeError(w, "invalid game id", http.StatusBadRequest)
		return
	}
	var req JoinGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	game, err := s.joinGame(ctx, gameID, req.PlayerID)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "joined",
		"game_code": game.Code,
	})
}

// errGameNotAccepting is returned when joining a non-pending game.
var errGameNotAccepting = errors.New("game: not accepting players")

func (s *Service) joinGame(ctx context.Context, gameID int64, playerID string) (*model.Game, error) {
	game, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetProfile(ctx, playerID); err != nil {
		return nil, err
	}
	if game.Status != model.GameStatusPending {
		return nil, errGameNotAccepting
	}
	if err := s.store.AddGameParticipant(ctx, gameID); err != nil {
		return nil, err
	}

	s.hub.Broadcast(Event{
		Type:     EventPlayerJoined,
		GameID:   game.ID,
		GameCode: game.Code,
		PlayerID: playerID,
	})
	return game, nil
}

// --- Stats & leaderboard ---

// PlayerStats handles GET /players/{playerID}/stats. Trade counts come
// from the real trade log.
func (s *Service) PlayerStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	playerID := chi.URLParam(r, "playerID")

	profile, err := s.store.GetProfile(ctx, playerID)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	totalTrades, err := s.store.CountPlayerTrades(ctx, playerID)
	if err != nil {
		writeError(w, "failed to count trades", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":           profile.ID,
		"username":     profile.Username,
		"full_name":    profile.FullName,
		"level":        profile.Level,
		"total_games":  profile.TotalGames,
		"total_trades": totalTrades,
	})
}

// Leaderboard handles GET /leaderboard?limit=. Players rank by games
// played; points are games × 100.
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 100 {
			writeError(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = v
	}

	profiles, err := s.store.ListProfiles(r.Context(), nil)
	if err != nil {
		writeError(w, "failed to list profiles", http.StatusInternalServerError)
		return
	}

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].TotalGames > profiles[j].TotalGames
	})
	if len(profiles) > limit {
		profiles = profiles[:limit]
	}

	entries := make([]LeaderboardEntry, 0, len(profiles))
	for i, p := range profiles {
		entries = append(entries, LeaderboardEntry{
			Rank:        i + 1,
			Username:    p.Username,
			TotalPoints: p.TotalGames * 100,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Matchmaking ---

// CreateMatch handles POST /matches. Scans the queue for the first
// compatible waiting player; on a match, creates a game, joins both
// players, and starts it. Otherwise the requester joins the queue.
func (s *Service) CreateMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PreferredLevel != nil && !req.PreferredLevel.Valid() {
		writeError(w, "invalid preferred_level", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	player, err := s.store.GetProfile(ctx, req.PlayerID)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}

	s.qmu.Lock()
	defer s.qmu.Unlock()

	for i, queuedID := range s.queue {
		candidate, err := s.store.GetProfile(ctx, queuedID)
		if err != nil {
			continue // deleted while queued; skipped and left for cleanup on dequeue
		}
		if !compatible(player.Level, candidate.Level) {
			continue
		}
		if req.PreferredLevel != nil && candidate.Level != *req.PreferredLevel {
			continue
		}

		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		metrics.MatchmakingQueueDepth.Set(float64(len(s.queue)))

		game, err := s.startMatchedGame(ctx, req.PlayerID, queuedID)
		if err != nil {
			writeError(w, "failed to start matched game", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"status":    "matched",
			"game_id":   game.ID,
			"game_code": game.Code,
		})
		return
	}

	// No compatible opponent: queue the requester (at most once).
	position := indexOf(s.queue, req.PlayerID)
	if position < 0 {
		s.queue = append(s.queue, req.PlayerID)
		position = len(s.queue) - 1
		metrics.MatchmakingQueueDepth.Set(float64(len(s.queue)))
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":   "queued",
		"position": position + 1,
	})
}

// startMatchedGame creates a fresh game for two matched players and moves
// it straight to IN_PROGRESS.
func (s *Service) startMatchedGame(ctx context.Context, playerID, matchedID string) (*model.Game, error) {
	game, err := s.createGame(ctx, defaultStartingCash)
	if err != nil {
		return nil, err
	}
	if _, err := s.joinGame(ctx, game.ID, playerID); err != nil {
		return nil, err
	}
	if _, err := s.joinGame(ctx, game.ID, matchedID); err != nil {
		return nil, err
	}
	if err := s.store.SetGameStatus(ctx, game.ID, model.GameStatusInProgress); err != nil {
		return nil, err
	}

	metrics.MatchesTotal.Inc()
	slog.Info("match found", "game_id", game.ID,
		"player", playerID, "matched", matchedID)
	s.hub.Broadcast(Event{
		Type:      EventMatchFound,
		GameID:    game.ID,
		GameCode:  game.Code,
		PlayerID:  playerID,
		MatchedID: matchedID,
		Status:    model.GameStatusInProgress,
	})
	return game, nil
}

// LeaveMatchmaking handles DELETE /matches/{playerID}.
func (s *Service) LeaveMatchmaking(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")

	s.qmu.Lock()
	defer s.qmu.Unlock()

	i := indexOf(s.queue, playerID)
	if i < 0 {
		writeError(w, "not in queue", http.StatusNotFound)
		return
	}
	s.queue = append(s.queue[:i], s.queue[i+1:]...)
	metrics.MatchmakingQueueDepth.Set(float64(len(s.queue)))

	writeJSON(w, http.StatusOK, map[string]string{"message": "removed from queue"})
}

// QueueDepth returns the number of players currently waiting.
func (s *Service) QueueDepth() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// compatible reports whether two levels are close enough to match:
// at most one tier apart.
func compatible(a, b model.PlayerLevel) bool {
	d := a.Rank() - b.Rank()
	if d < 0 {
		d = -d
	}
	return d <= 1
}

func indexOf(queue []string, playerID string) int {
	for i, id := range queue {
		if id == playerID {
			return i
		}
	}
	return -1
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newGameCode returns a random 6-character join code.
func newGameCode() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(b)
}

func pathInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
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

// writeDirectoryError maps store and join errors onto HTTP status codes.
func writeDirectoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, errGameNotAccepting), errors.Is(err, errBadTransition):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
