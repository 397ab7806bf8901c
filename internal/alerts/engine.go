// Package alerts evaluates price alerts against fresh prices with fire-once semantics.
package alerts

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/coinfolio/internal/currency"
	"github.com/camuig/coinfolio/internal/logger"
	"github.com/camuig/coinfolio/internal/storage"
)

type Store interface {
	ListActiveAlerts(ctx context.Context, symbols []string) ([]storage.PriceAlert, error)
	FireAlert(ctx context.Context, alertID uint, entry *storage.AlertHistory) error
	ListPositionsBySymbol(ctx context.Context, ownerID uint, symbol string) ([]storage.Position, error)
}

// Revaluer recomputes a position from a USD price without persisting it.
type Revaluer interface {
	Revalue(ctx context.Context, pos *storage.Position, priceUSD float64)
}

// Holding aggregates the owner's positions in one symbol and currency at the trigger price.
type Holding struct {
	Currency   string  `json:"currency"`
	Amount     float64 `json:"amount"`
	Value      float64 `json:"value"`
	Invested   float64 `json:"invested"`
	PnL        float64 `json:"pnl"`
	PnLPercent float64 `json:"pnl_percent"`
}

// TriggerEvent is emitted once per fired alert.
type TriggerEvent struct {
	Alert       storage.PriceAlert `json:"alert"`
	HistoryID   uint               `json:"history_id"`
	Price       float64            `json:"price"`
	TriggeredAt time.Time          `json:"triggered_at"`
	Holdings    []Holding          `json:"holdings,omitempty"`
}

type Engine struct {
	store    Store
	revaluer Revaluer
	logger   *logger.Logger
	now      func() time.Time
}

// NewEngine builds the evaluator. revaluer may be nil, in which case events carry no holdings.
func NewEngine(store Store, revaluer Revaluer, log *logger.Logger) *Engine {
	return &Engine{
		store:    store,
		revaluer: revaluer,
		logger:   log.With("component", "alerts"),
		now:      time.Now,
	}
}

// Evaluate fires every active alert whose condition holds for the given prices.
// Each fired alert is deactivated and recorded atomically; alerts whose fire fails are skipped.
func (e *Engine) Evaluate(ctx context.Context, prices map[string]float64) ([]TriggerEvent, error) {
	if len(prices) == 0 {
		return nil, nil
	}

	symbols := make([]string, 0, len(prices))
	for s := range prices {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	active, err := e.store.ListActiveAlerts(ctx, symbols)
	if err != nil {
		return nil, err
	}

	var events []TriggerEvent
	for _, alert := range active {
		price, ok := prices[alert.Symbol]
		if !ok || !alert.ShouldTrigger(price) {
			continue
		}

		now := e.now()
		entry := &storage.AlertHistory{
			OwnerID:        alert.OwnerID,
			Symbol:         alert.Symbol,
			TriggeredPrice: price,
			ThresholdPrice: alert.ThresholdPrice,
			AlertType:      alert.AlertType,
			Message:        alert.Message,
			TriggeredAt:    now,
		}

		if err := e.store.FireAlert(ctx, alert.ID, entry); err != nil {
			if errors.Is(err, storage.ErrAlreadyFired) {
				e.logger.Debug("alert already fired", "alert_id", alert.ID)
				continue
			}
			e.logger.Error("fire alert", "alert_id", alert.ID, "symbol", alert.Symbol, "error", err)
			continue
		}

		alert.IsActive = false
		e.logger.Info("alert triggered",
			"alert_id", alert.ID, "symbol", alert.Symbol, "type", alert.AlertType,
			"price", price, "threshold", alert.ThresholdPrice)

		events = append(events, TriggerEvent{
			Alert:       alert,
			HistoryID:   entry.ID,
			Price:       price,
			TriggeredAt: now,
			Holdings:    e.holdings(ctx, alert.OwnerID, alert.Symbol, price),
		})
	}
	return events, nil
}

func (e *Engine) holdings(ctx context.Context, ownerID uint, symbol string, price float64) []Holding {
	if e.revaluer == nil {
		return nil
	}

	positions, err := e.store.ListPositionsBySymbol(ctx, ownerID, symbol)
	if err != nil {
		e.logger.Warn("load positions for alert context", "owner_id", ownerID, "symbol", symbol, "error", err)
		return nil
	}

	type totals struct{ amount, value, invested decimal.Decimal }
	byCurrency := make(map[string]*totals)
	for i := range positions {
		pos := positions[i]
		e.revaluer.Revalue(ctx, &pos, price)

		t, ok := byCurrency[pos.BuyCurrency]
		if !ok {
			t = &totals{}
			byCurrency[pos.BuyCurrency] = t
		}
		t.amount = t.amount.Add(decimal.NewFromFloat(pos.Amount))
		t.value = t.value.Add(decimal.NewFromFloat(pos.CurrentValue))
		t.invested = t.invested.Add(decimal.NewFromFloat(pos.CostBasis()))
	}

	out := make([]Holding, 0, len(byCurrency))
	for cur, t := range byCurrency {
		pnl := currency.Round(t.value.Sub(t.invested).InexactFloat64())
		invested := currency.Round(t.invested.InexactFloat64())
		h := Holding{
			Currency: cur,
			Amount:   currency.Round(t.amount.InexactFloat64()),
			Value:    currency.Round(t.value.InexactFloat64()),
			Invested: invested,
			PnL:      pnl,
		}
		if invested > 0 {
			h.PnLPercent = pnl / invested * 100
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}
