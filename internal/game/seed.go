package game

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hedgegame/game-server/internal/model"
	"github.com/hedgegame/game-server/internal/store"
)

// SeedDemo loads a small fixture of profiles and games for local
// development: four players across the skill tiers and three games in
// each lifecycle state.
func SeedDemo(ctx context.Context, st store.Store) error {
	profiles := []model.Profile{
		{Username: "speedtrader", FullName: "Alice Speed", Level: model.LevelExpert, TotalGames: 50},
		{Username: "hedgefund", FullName: "Bob Hedge", Level: model.LevelAdvanced, TotalGames: 30},
		{Username: "rookie123", FullName: "Charlie New", Level: model.LevelBeginner, TotalGames: 5},
		{Username: "protrader", FullName: "Diana Pro", Level: model.LevelIntermediate, TotalGames: 15},
	}
	for i := range profiles {
		profiles[i].ID = uuid.New().String()
		if err := st.CreateProfile(ctx, &profiles[i]); err != nil {
			return err
		}
	}

	games := []model.Game{
		{StartingCash: decimal.NewFromInt(100000), Status: model.GameStatusInProgress, ParticipantsCount: 2},
		{StartingCash: decimal.NewFromInt(50000), Status: model.GameStatusPending, ParticipantsCount: 1},
		{StartingCash: decimal.NewFromInt(200000), Status: model.GameStatusCompleted, ParticipantsCount: 4},
	}
	for i := range games {
		games[i].Code = newGameCode()
		games[i].CreatedAt = time.Now().UTC()
		if err := st.CreateGame(ctx, &games[i]); err != nil {
			return err
		}
	}

	slog.Info("demo data seeded", "profiles", len(profiles), "games", len(games))
	return nil
}
