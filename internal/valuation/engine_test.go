package valuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/coinfolio/internal/currency"
	"github.com/camuig/coinfolio/internal/logger"
	"github.com/camuig/coinfolio/internal/storage"
)

// fixedRates quotes units per USD and counts conversions.
type fixedRates struct {
	perUSD map[string]float64
	calls  int
}

func (f *fixedRates) Convert(_ context.Context, amount float64, from, to string) float64 {
	f.calls++
	if from == to {
		return amount
	}
	return currency.Round(amount / f.perUSD[from] * f.perUSD[to])
}

func (f *fixedRates) Source() (currency.Source, time.Time) {
	return currency.SourceLive, time.Time{}
}

type memStore struct {
	positions []storage.Position
	saved     map[uint]storage.Position
	failID    uint
}

func (m *memStore) ListAllPositions(context.Context) ([]storage.Position, error) {
	out := make([]storage.Position, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

func (m *memStore) UpdateValuation(_ context.Context, p *storage.Position) error {
	if p.ID == m.failID {
		return errors.New("disk full")
	}
	if m.saved == nil {
		m.saved = make(map[uint]storage.Position)
	}
	m.saved[p.ID] = *p
	return nil
}

func newRates() *fixedRates {
	return &fixedRates{perUSD: map[string]float64{"USD": 1, "EUR": 0.5, "CZK": 20}}
}

func btcLot() storage.Position {
	return storage.Position{ID: 1, Symbol: "BTC", Amount: 0.5, BuyPrice: 30000, BuyCurrency: "USD", Commission: 15}
}

func TestRevalueScenario(t *testing.T) {
	e := NewEngine(newRates(), &memStore{}, logger.Nop())
	pos := btcLot()

	e.Revalue(context.Background(), &pos, 45000)

	assert.Equal(t, 45000.0, pos.CurrentPrice)
	assert.Equal(t, 22500.0, pos.CurrentValue)
	assert.Equal(t, 15015.0, pos.CostBasis())
	assert.Equal(t, 7485.0, pos.PnL)
	assert.InDelta(t, 49.85, pos.PnLPercent, 0.01)
	assert.NotNil(t, pos.PricedAt)
}

func TestRevalueConvertsIntoBuyCurrency(t *testing.T) {
	rates := newRates()
	e := NewEngine(rates, &memStore{}, logger.Nop())
	pos := storage.Position{Symbol: "ETH", Amount: 2, BuyPrice: 1000, BuyCurrency: "EUR"}

	e.Revalue(context.Background(), &pos, 3000)

	assert.Equal(t, 1500.0, pos.CurrentPrice)
	assert.Equal(t, 3000.0, pos.CurrentValue)
	assert.Equal(t, 1000.0, pos.PnL)
	assert.Equal(t, 50.0, pos.PnLPercent)
	assert.Equal(t, 1, rates.calls)
}

func TestPnLFormula(t *testing.T) {
	e := NewEngine(newRates(), &memStore{}, logger.Nop())

	cases := []struct {
		name  string
		pos   storage.Position
		price float64
	}{
		{"gain", storage.Position{Amount: 1.25, BuyPrice: 100, BuyCurrency: "USD", Commission: 1.5}, 180},
		{"loss", storage.Position{Amount: 3, BuyPrice: 2.1, BuyCurrency: "CZK", Commission: 0.3}, 0.07},
		{"fractional", storage.Position{Amount: 0.00012345, BuyPrice: 61234.56, BuyCurrency: "USD"}, 60000.01},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos := tc.pos
			e.Revalue(context.Background(), &pos, tc.price)

			cost := pos.Amount*pos.BuyPrice + pos.Commission
			assert.InDelta(t, pos.CurrentValue-cost, pos.PnL, 1e-8)
			assert.InDelta(t, pos.PnL/cost*100, pos.PnLPercent, 1e-9)
		})
	}
}

func TestRevalueValueMatchesStoredPrice(t *testing.T) {
	e := NewEngine(newRates(), &memStore{}, logger.Nop())
	pos := storage.Position{Symbol: "SHIB", Amount: 1000, BuyPrice: 0.1, BuyCurrency: "USD"}

	e.Revalue(context.Background(), &pos, 0.123456789123)

	assert.Equal(t, 0.12345679, pos.CurrentPrice)
	assert.Equal(t, 123.45679, pos.CurrentValue)
	assert.Equal(t, currency.Round(pos.Amount*pos.CurrentPrice), pos.CurrentValue)
	assert.Equal(t, currency.Round(pos.CurrentValue-pos.CostBasis()), pos.PnL)
}

func TestPnLPercentZeroWithoutCost(t *testing.T) {
	assert.Equal(t, 0.0, percent(10, 0))
	assert.Equal(t, 0.0, percent(-10, -1))
}

func TestProjectSameCurrencyIsUntouched(t *testing.T) {
	rates := newRates()
	e := NewEngine(rates, &memStore{}, logger.Nop())
	pos := storage.Position{Symbol: "BTC", Amount: 0.3, BuyPrice: 27000.123456789, BuyCurrency: "EUR",
		CurrentPrice: 40000.987654321, CurrentValue: 12000.29629629, PnL: 3899.26, PnLPercent: 48.1}

	p := e.Project(context.Background(), pos, "EUR")

	assert.Equal(t, pos.CurrentValue, p.CurrentValue)
	assert.Equal(t, pos.PnL, p.PnL)
	assert.Equal(t, pos.BuyPrice, p.BuyPrice)
	assert.Empty(t, p.RatesSource)
	assert.Equal(t, 0, rates.calls)
}

func TestProjectIntoOtherCurrency(t *testing.T) {
	e := NewEngine(newRates(), &memStore{}, logger.Nop())
	pos := btcLot()
	e.Revalue(context.Background(), &pos, 45000)

	p := e.Project(context.Background(), pos, "CZK")

	assert.Equal(t, "CZK", p.Currency)
	assert.Equal(t, 450000.0, p.CurrentValue)
	assert.Equal(t, 149700.0, p.PnL)
	assert.Equal(t, 300.0, p.Commission)
	assert.Equal(t, pos.PnLPercent, p.PnLPercent)
	assert.Equal(t, 22500.0, p.NativeCurrentValue)
	assert.Equal(t, currency.SourceLive, p.RatesSource)
}

func TestSummarizeEmpty(t *testing.T) {
	e := NewEngine(newRates(), &memStore{}, logger.Nop())

	s := e.Summarize(context.Background(), nil, "USD")
	assert.Equal(t, Summary{Currency: "USD"}, s)
}

func TestSummarizeNoDoubleConversion(t *testing.T) {
	rates := newRates()
	e := NewEngine(rates, &memStore{}, logger.Nop())
	pos := storage.Position{Symbol: "SOL", Amount: 7, BuyPrice: 21.37, BuyCurrency: "EUR", Commission: 0.42}
	e.Revalue(context.Background(), &pos, 61.23)
	rates.calls = 0

	s := e.Summarize(context.Background(), []storage.Position{pos}, "EUR")

	assert.Equal(t, pos.CurrentValue, s.TotalValue)
	assert.Equal(t, pos.PnL, s.TotalPnL)
	assert.Equal(t, 0, rates.calls)
}

func TestSummarizeMixedCurrencies(t *testing.T) {
	e := NewEngine(newRates(), &memStore{}, logger.Nop())
	usd := btcLot()
	e.Revalue(context.Background(), &usd, 45000)
	eur := storage.Position{ID: 2, Symbol: "ETH", Amount: 2, BuyPrice: 1000, BuyCurrency: "EUR"}
	e.Revalue(context.Background(), &eur, 3000)

	s := e.Summarize(context.Background(), []storage.Position{usd, eur}, "USD")

	assert.Equal(t, 2, s.ItemCount)
	assert.Equal(t, 28500.0, s.TotalValue)
	assert.Equal(t, 19015.0, s.TotalInvested)
	assert.Equal(t, 9485.0, s.TotalPnL)
	assert.InDelta(t, 9485.0/19015.0*100, s.TotalPnLPercent, 1e-9)
	assert.Equal(t, currency.SourceLive, s.RatesSource)
}

func TestRevalueAllPersistsPricedRows(t *testing.T) {
	store := &memStore{
		positions: []storage.Position{
			btcLot(),
			{ID: 2, Symbol: "DOGE", Amount: 100, BuyPrice: 0.1, BuyCurrency: "USD"},
			{ID: 3, Symbol: "BTC", Amount: 1, BuyPrice: 20000, BuyCurrency: "USD"},
		},
		failID: 3,
	}
	e := NewEngine(newRates(), store, logger.Nop())

	n, err := e.RevalueAll(context.Background(), map[string]float64{"BTC": 45000})
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	require.Contains(t, store.saved, uint(1))
	assert.Equal(t, 7485.0, store.saved[1].PnL)
	assert.NotContains(t, store.saved, uint(2))
}

func TestRevalueAllWithoutPricesIsNoop(t *testing.T) {
	store := &memStore{positions: []storage.Position{btcLot()}}
	e := NewEngine(newRates(), store, logger.Nop())

	n, err := e.RevalueAll(context.Background(), map[string]float64{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.saved)
}
