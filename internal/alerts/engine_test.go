package alerts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/coinfolio/internal/config"
	"github.com/camuig/coinfolio/internal/currency"
	"github.com/camuig/coinfolio/internal/logger"
	"github.com/camuig/coinfolio/internal/storage"
	"github.com/camuig/coinfolio/internal/valuation"
)

type eurRates struct{}

func (eurRates) Convert(_ context.Context, amount float64, from, to string) float64 {
	switch {
	case from == to:
		return amount
	case from == "USD" && to == "EUR":
		return amount / 2
	case from == "EUR" && to == "USD":
		return amount * 2
	}
	return amount
}

func (eurRates) Source() (currency.Source, time.Time) { return currency.SourceLive, time.Time{} }

func setup(t *testing.T) (*Engine, *storage.Repository) {
	t.Helper()
	db, err := storage.NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "alerts.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	repo := storage.NewRepository(db)
	val := valuation.NewEngine(eurRates{}, repo, logger.Nop())
	return NewEngine(repo, val, logger.Nop()), repo
}

func createAlert(t *testing.T, repo *storage.Repository, typ string, threshold float64) *storage.PriceAlert {
	t.Helper()
	a := &storage.PriceAlert{OwnerID: 1, Symbol: "BTC", AlertType: typ, ThresholdPrice: threshold, Message: "watch", IsActive: true}
	require.NoError(t, repo.CreateAlert(context.Background(), a))
	return a
}

func TestEvaluateFiresOnce(t *testing.T) {
	engine, repo := setup(t)
	ctx := context.Background()
	alert := createAlert(t, repo, storage.AlertAbove, 60000)

	events, err := engine.Evaluate(ctx, map[string]float64{"BTC": 61000})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, alert.ID, events[0].Alert.ID)
	assert.False(t, events[0].Alert.IsActive)
	assert.Equal(t, 61000.0, events[0].Price)
	assert.NotZero(t, events[0].HistoryID)

	events, err = engine.Evaluate(ctx, map[string]float64{"BTC": 61000})
	require.NoError(t, err)
	assert.Empty(t, events)

	stored, err := repo.GetAlert(ctx, 1, alert.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	history, err := repo.ListAlertHistory(ctx, 1, 50)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 61000.0, history[0].TriggeredPrice)
	assert.Equal(t, 60000.0, history[0].ThresholdPrice)
	assert.Equal(t, storage.AlertAbove, history[0].AlertType)
	assert.Equal(t, "watch", history[0].Message)
}

func TestEvaluateInclusiveThresholds(t *testing.T) {
	cases := []struct {
		typ   string
		price float64
		fires bool
	}{
		{storage.AlertAbove, 100, true},
		{storage.AlertAbove, 99.99, false},
		{storage.AlertBelow, 100, true},
		{storage.AlertBelow, 100.01, false},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			engine, repo := setup(t)
			createAlert(t, repo, tc.typ, 100)

			events, err := engine.Evaluate(context.Background(), map[string]float64{"BTC": tc.price})
			require.NoError(t, err)
			assert.Equal(t, tc.fires, len(events) == 1)
		})
	}
}

func TestEvaluateBelowScenario(t *testing.T) {
	engine, repo := setup(t)
	ctx := context.Background()
	createAlert(t, repo, storage.AlertBelow, 50000)

	events, err := engine.Evaluate(ctx, map[string]float64{"BTC": 50001})
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = engine.Evaluate(ctx, map[string]float64{"BTC": 49999})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEvaluateIgnoresSymbolsWithoutPrice(t *testing.T) {
	engine, repo := setup(t)
	createAlert(t, repo, storage.AlertBelow, 50000)

	events, err := engine.Evaluate(context.Background(), map[string]float64{"ETH": 1})
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = engine.Evaluate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEvaluateSkipsReactivationUntilUserRearms(t *testing.T) {
	engine, repo := setup(t)
	ctx := context.Background()
	alert := createAlert(t, repo, storage.AlertAbove, 10)

	events, err := engine.Evaluate(ctx, map[string]float64{"BTC": 11})
	require.NoError(t, err)
	require.Len(t, events, 1)

	alert.IsActive = true
	require.NoError(t, repo.UpdateAlert(ctx, alert))

	events, err = engine.Evaluate(ctx, map[string]float64{"BTC": 11})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEvaluateCarriesHoldingsPerCurrency(t *testing.T) {
	engine, repo := setup(t)
	ctx := context.Background()
	createAlert(t, repo, storage.AlertAbove, 40000)

	require.NoError(t, repo.CreatePosition(ctx, &storage.Position{OwnerID: 1, Symbol: "BTC", Amount: 0.5, BuyPrice: 30000, BuyCurrency: "USD", Commission: 15}))
	require.NoError(t, repo.CreatePosition(ctx, &storage.Position{OwnerID: 1, Symbol: "BTC", Amount: 0.1, BuyPrice: 20000, BuyCurrency: "EUR"}))
	require.NoError(t, repo.CreatePosition(ctx, &storage.Position{OwnerID: 2, Symbol: "BTC", Amount: 9, BuyPrice: 1, BuyCurrency: "USD"}))

	events, err := engine.Evaluate(ctx, map[string]float64{"BTC": 45000})
	require.NoError(t, err)
	require.Len(t, events, 1)

	holdings := events[0].Holdings
	require.Len(t, holdings, 2)

	assert.Equal(t, "EUR", holdings[0].Currency)
	assert.Equal(t, 2250.0, holdings[0].Value)
	assert.Equal(t, 250.0, holdings[0].PnL)

	assert.Equal(t, "USD", holdings[1].Currency)
	assert.Equal(t, 0.5, holdings[1].Amount)
	assert.Equal(t, 22500.0, holdings[1].Value)
	assert.Equal(t, 7485.0, holdings[1].PnL)
	assert.InDelta(t, 49.85, holdings[1].PnLPercent, 0.01)
}
