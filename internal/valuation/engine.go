// Package valuation recomputes position values and P&L from fresh prices and projects
// them into a display currency.
package valuation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/coinfolio/internal/currency"
	"github.com/camuig/coinfolio/internal/logger"
	"github.com/camuig/coinfolio/internal/storage"
)

// Rates is the subset of the currency provider the engine needs.
type Rates interface {
	Convert(ctx context.Context, amount float64, from, to string) float64
	Source() (currency.Source, time.Time)
}

// Store persists recomputed valuation fields.
type Store interface {
	ListAllPositions(ctx context.Context) ([]storage.Position, error)
	UpdateValuation(ctx context.Context, position *storage.Position) error
}

type Engine struct {
	rates  Rates
	store  Store
	logger *logger.Logger
	now    func() time.Time
}

func NewEngine(rates Rates, store Store, log *logger.Logger) *Engine {
	return &Engine{
		rates:  rates,
		store:  store,
		logger: log.With("component", "valuation"),
		now:    time.Now,
	}
}

// Revalue sets the position's current price, value and P&L from a USD price.
// All derived fields are in the position's BuyCurrency. Nothing is persisted.
func (e *Engine) Revalue(ctx context.Context, pos *storage.Position, priceUSD float64) {
	price := priceUSD
	if pos.BuyCurrency != currency.Pivot {
		price = e.rates.Convert(ctx, priceUSD, currency.Pivot, pos.BuyCurrency)
	}

	pos.CurrentPrice = price
	pos.Reprice()

	ts := e.now()
	pos.PricedAt = &ts
}

// RevalueAll recomputes and persists every position whose symbol has a price.
// A row that fails to persist is logged and skipped. It returns the number of rows updated.
func (e *Engine) RevalueAll(ctx context.Context, prices map[string]float64) (int, error) {
	if len(prices) == 0 {
		return 0, nil
	}

	positions, err := e.store.ListAllPositions(ctx)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range positions {
		pos := &positions[i]
		price, ok := prices[pos.Symbol]
		if !ok {
			continue
		}
		e.Revalue(ctx, pos, price)
		if err := e.store.UpdateValuation(ctx, pos); err != nil {
			e.logger.Error("persist valuation", "position_id", pos.ID, "symbol", pos.Symbol, "error", err)
			continue
		}
		updated++
	}

	e.logger.Debug("positions revalued", "updated", updated, "total", len(positions))
	return updated, nil
}

// Projection is a read-only view of a position in a display currency. It is never persisted.
type Projection struct {
	ID           uint       `json:"id"`
	Symbol       string     `json:"symbol"`
	Amount       float64    `json:"amount"`
	BuyCurrency  string     `json:"buy_currency"`
	PurchaseDate *time.Time `json:"purchase_date,omitempty"`
	Source       string     `json:"source"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	PricedAt     *time.Time `json:"priced_at,omitempty"`

	Currency     string  `json:"currency"`
	BuyPrice     float64 `json:"buy_price"`
	Commission   float64 `json:"commission"`
	CostBasis    float64 `json:"cost_basis"`
	CurrentPrice float64 `json:"current_price"`
	CurrentValue float64 `json:"current_value"`
	PnL          float64 `json:"pnl"`
	PnLPercent   float64 `json:"pnl_percent"`

	// native values, in BuyCurrency
	NativeCurrentValue float64 `json:"native_current_value"`
	NativePnL          float64 `json:"native_pnl"`

	RatesSource currency.Source `json:"rates_source,omitempty"`
}

// Project converts the monetary fields of pos into display. When display is empty or equal to
// the position's currency the stored numbers are returned as they are.
func (e *Engine) Project(ctx context.Context, pos storage.Position, display string) Projection {
	if display == "" {
		display = pos.BuyCurrency
	}

	p := Projection{
		ID:                 pos.ID,
		Symbol:             pos.Symbol,
		Amount:             pos.Amount,
		BuyCurrency:        pos.BuyCurrency,
		PurchaseDate:       pos.PurchaseDate,
		Source:             pos.Source,
		CreatedAt:          pos.CreatedAt,
		UpdatedAt:          pos.UpdatedAt,
		PricedAt:           pos.PricedAt,
		Currency:           display,
		BuyPrice:           pos.BuyPrice,
		Commission:         pos.Commission,
		CostBasis:          pos.CostBasis(),
		CurrentPrice:       pos.CurrentPrice,
		CurrentValue:       pos.CurrentValue,
		PnL:                pos.PnL,
		PnLPercent:         pos.PnLPercent,
		NativeCurrentValue: pos.CurrentValue,
		NativePnL:          pos.PnL,
	}

	if display == pos.BuyCurrency {
		return p
	}

	conv := func(v float64) float64 {
		return e.rates.Convert(ctx, v, pos.BuyCurrency, display)
	}
	p.BuyPrice = conv(pos.BuyPrice)
	p.Commission = conv(pos.Commission)
	p.CostBasis = conv(p.CostBasis)
	p.CurrentPrice = conv(pos.CurrentPrice)
	p.CurrentValue = conv(pos.CurrentValue)
	p.PnL = conv(pos.PnL)
	p.RatesSource, _ = e.rates.Source()
	return p
}

// ProjectAll projects every position into display.
func (e *Engine) ProjectAll(ctx context.Context, positions []storage.Position, display string) []Projection {
	out := make([]Projection, 0, len(positions))
	for _, pos := range positions {
		out = append(out, e.Project(ctx, pos, display))
	}
	return out
}

type Summary struct {
	Currency        string          `json:"currency"`
	TotalValue      float64         `json:"total_value"`
	TotalInvested   float64         `json:"total_invested"`
	TotalPnL        float64         `json:"total_pnl"`
	TotalPnLPercent float64         `json:"total_pnl_percent"`
	ItemCount       int             `json:"item_count"`
	RatesSource     currency.Source `json:"rates_source,omitempty"`
}

// Summarize totals value and cost basis across positions in the display currency.
// An empty slice yields a zero summary.
func (e *Engine) Summarize(ctx context.Context, positions []storage.Position, display string) Summary {
	summary := Summary{Currency: display, ItemCount: len(positions)}
	if len(positions) == 0 {
		return summary
	}

	values := make([]decimal.Decimal, 0, len(positions))
	costs := make([]decimal.Decimal, 0, len(positions))
	for _, pos := range positions {
		p := e.Project(ctx, pos, display)
		values = append(values, decimal.NewFromFloat(p.CurrentValue))
		costs = append(costs, decimal.NewFromFloat(p.CostBasis))
		if p.RatesSource != currency.SourceNone {
			summary.RatesSource = p.RatesSource
		}
	}

	totalValue := decimal.Sum(values[0], values[1:]...)
	totalCost := decimal.Sum(costs[0], costs[1:]...)
	totalPnL := totalValue.Sub(totalCost)

	summary.TotalValue = currency.Round(totalValue.InexactFloat64())
	summary.TotalInvested = currency.Round(totalCost.InexactFloat64())
	summary.TotalPnL = currency.Round(totalPnL.InexactFloat64())
	summary.TotalPnLPercent = percent(summary.TotalPnL, summary.TotalInvested)
	return summary
}

func percent(pnl, cost float64) float64 {
	if cost <= 0 {
		return 0
	}
	return pnl / cost * 100
}
