package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Users

func (r *Repository) EnsureUser(ctx context.Context, id uint) (*User, error) {
	user := User{ID: id}
	if err := r.db.WithContext(ctx).FirstOrCreate(&user, User{ID: id}).Error; err != nil {
		return nil, fmt.Errorf("ensure user %d: %w", id, err)
	}
	return &user, nil
}

func (r *Repository) GetUser(ctx context.Context, id uint) (*User, error) {
	var user User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *Repository) UpdateUserTelegram(ctx context.Context, id uint, botToken string, chatID int64) error {
	res := r.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).
		Updates(map[string]any{"telegram_bot_token": botToken, "telegram_chat_id": chatID})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Positions

func (r *Repository) ListPositions(ctx context.Context, ownerID uint) ([]Position, error) {
	var positions []Position
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id ASC").Find(&positions).Error
	return positions, err
}

// ListAllPositions returns every owner's positions. Used by the price loop.
func (r *Repository) ListAllPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	err := r.db.WithContext(ctx).Order("id ASC").Find(&positions).Error
	return positions, err
}

func (r *Repository) ListPositionsBySymbol(ctx context.Context, ownerID uint, symbol string) ([]Position, error) {
	var positions []Position
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND symbol = ?", ownerID, strings.ToUpper(symbol)).
		Order("id ASC").Find(&positions).Error
	return positions, err
}

func (r *Repository) GetPosition(ctx context.Context, ownerID, id uint) (*Position, error) {
	var position Position
	err := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&position).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &position, nil
}

func (r *Repository) CreatePosition(ctx context.Context, position *Position) error {
	position.Normalize()
	if err := position.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(position).Error
}

// UpdatePosition applies the user-editable fields of position to the stored row.
// Derived fields are recomputed from the last price while symbol and currency are unchanged,
// and cleared otherwise so the row never mixes old numbers with a new currency.
func (r *Repository) UpdatePosition(ctx context.Context, position *Position) error {
	position.Normalize()
	if err := position.Validate(); err != nil {
		return err
	}

	existing, err := r.GetPosition(ctx, position.OwnerID, position.ID)
	if err != nil {
		return err
	}

	repriceable := existing.PricedAt != nil &&
		existing.Symbol == position.Symbol &&
		existing.BuyCurrency == position.BuyCurrency

	existing.Symbol = position.Symbol
	existing.Amount = position.Amount
	existing.BuyPrice = position.BuyPrice
	existing.BuyCurrency = position.BuyCurrency
	existing.PurchaseDate = position.PurchaseDate
	existing.Source = position.Source
	existing.Commission = position.Commission

	if repriceable {
		existing.Reprice()
	} else {
		existing.ClearValuation()
	}

	if err := r.db.WithContext(ctx).Save(existing).Error; err != nil {
		return err
	}
	*position = *existing
	return nil
}

// UpdateValuation persists only the derived price/P&L fields.
func (r *Repository) UpdateValuation(ctx context.Context, position *Position) error {
	return r.db.WithContext(ctx).Model(position).
		Select("current_price", "current_value", "pnl", "pnl_percent", "priced_at").
		Updates(position).Error
}

func (r *Repository) DeletePosition(ctx context.Context, ownerID, id uint) error {
	res := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&Position{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Alerts

func (r *Repository) ListAlerts(ctx context.Context, ownerID uint) ([]PriceAlert, error) {
	var alerts []PriceAlert
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id ASC").Find(&alerts).Error
	return alerts, err
}

// ListActiveAlerts returns active alerts of every owner for the given symbols.
func (r *Repository) ListActiveAlerts(ctx context.Context, symbols []string) ([]PriceAlert, error) {
	var alerts []PriceAlert
	if len(symbols) == 0 {
		return alerts, nil
	}
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND symbol IN ?", true, symbols).
		Order("id ASC").Find(&alerts).Error
	return alerts, err
}

func (r *Repository) GetAlert(ctx context.Context, ownerID, id uint) (*PriceAlert, error) {
	var alert PriceAlert
	err := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&alert).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &alert, nil
}

func (r *Repository) CreateAlert(ctx context.Context, alert *PriceAlert) error {
	alert.Normalize()
	if err := alert.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(alert).Error
}

// UpdateAlert re-validates and saves a user edit. Setting IsActive back to true re-arms a fired alert.
func (r *Repository) UpdateAlert(ctx context.Context, alert *PriceAlert) error {
	alert.Normalize()
	if err := alert.Validate(); err != nil {
		return err
	}

	existing, err := r.GetAlert(ctx, alert.OwnerID, alert.ID)
	if err != nil {
		return err
	}

	existing.Symbol = alert.Symbol
	existing.AlertType = alert.AlertType
	existing.ThresholdPrice = alert.ThresholdPrice
	existing.Message = alert.Message
	existing.IsActive = alert.IsActive

	if err := r.db.WithContext(ctx).Save(existing).Error; err != nil {
		return err
	}
	*alert = *existing
	return nil
}

func (r *Repository) DeleteAlert(ctx context.Context, ownerID, id uint) error {
	res := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&PriceAlert{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FireAlert deactivates the alert and appends its history entry in one transaction.
// It returns ErrAlreadyFired when the alert is no longer active, so a trigger is recorded at most once.
func (r *Repository) FireAlert(ctx context.Context, alertID uint, entry *AlertHistory) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&PriceAlert{}).
			Where("id = ? AND is_active = ?", alertID, true).
			Update("is_active", false)
		if res.Error != nil {
			return fmt.Errorf("deactivate alert %d: %w", alertID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyFired
		}

		entry.AlertID = alertID
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("insert alert history: %w", err)
		}
		return nil
	})
}

func (r *Repository) ListAlertHistory(ctx context.Context, ownerID uint, limit int) ([]AlertHistory, error) {
	var entries []AlertHistory
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("triggered_at DESC, id DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// FX rates

// ReplaceFxRates swaps the persisted snapshot for rates, all stamped with ts.
func (r *Repository) ReplaceFxRates(ctx context.Context, rates map[string]float64, ts time.Time) error {
	rows := make([]FxRate, 0, len(rates))
	for code, rate := range rates {
		if code == "USD" {
			continue
		}
		rows = append(rows, FxRate{FromCurrency: "USD", ToCurrency: code, Rate: rate, Timestamp: ts})
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&FxRate{}).Error; err != nil {
			return fmt.Errorf("clear fx rates: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert fx rates: %w", err)
		}
		return nil
	})
}

// LoadFxRates returns the persisted snapshot and the timestamp of its oldest row.
// An empty table yields an empty map and a zero time.
func (r *Repository) LoadFxRates(ctx context.Context) (map[string]float64, time.Time, error) {
	var rows []FxRate
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, time.Time{}, err
	}

	rates := make(map[string]float64, len(rows))
	var oldest time.Time
	for _, row := range rows {
		rates[row.ToCurrency] = row.Rate
		if oldest.IsZero() || row.Timestamp.Before(oldest) {
			oldest = row.Timestamp
		}
	}
	return rates, oldest, nil
}

// Tracked symbols

func (r *Repository) ListTrackedSymbols(ctx context.Context, ownerID uint) ([]TrackedSymbol, error) {
	var symbols []TrackedSymbol
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("symbol ASC").Find(&symbols).Error
	return symbols, err
}

func (r *Repository) AddTrackedSymbol(ctx context.Context, ownerID uint, symbol string) (*TrackedSymbol, error) {
	ts := TrackedSymbol{OwnerID: ownerID, Symbol: strings.ToUpper(strings.TrimSpace(symbol))}
	if ts.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	err := r.db.WithContext(ctx).
		Where(TrackedSymbol{OwnerID: ts.OwnerID, Symbol: ts.Symbol}).
		FirstOrCreate(&ts).Error
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func (r *Repository) RemoveTrackedSymbol(ctx context.Context, ownerID uint, symbol string) error {
	res := r.db.WithContext(ctx).
		Where("owner_id = ? AND symbol = ?", ownerID, strings.ToUpper(symbol)).
		Delete(&TrackedSymbol{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SymbolsToPrice is the sorted union of tracked, held and actively-watched symbols.
func (r *Repository) SymbolsToPrice(ctx context.Context) ([]string, error) {
	db := r.db.WithContext(ctx)
	seen := make(map[string]struct{})

	var held, tracked, watched []string
	if err := db.Model(&Position{}).Distinct().Pluck("symbol", &held).Error; err != nil {
		return nil, fmt.Errorf("portfolio symbols: %w", err)
	}
	if err := db.Model(&TrackedSymbol{}).Distinct().Pluck("symbol", &tracked).Error; err != nil {
		return nil, fmt.Errorf("tracked symbols: %w", err)
	}
	if err := db.Model(&PriceAlert{}).Where("is_active = ?", true).Distinct().Pluck("symbol", &watched).Error; err != nil {
		return nil, fmt.Errorf("alert symbols: %w", err)
	}

	for _, list := range [][]string{held, tracked, watched} {
		for _, s := range list {
			seen[s] = struct{}{}
		}
	}

	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols, nil
}
