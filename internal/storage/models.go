package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/camuig/coinfolio/internal/config"
	"github.com/camuig/coinfolio/internal/currency"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidPosition = errors.New("invalid position")
	ErrInvalidAlert    = errors.New("invalid alert")
	ErrAlreadyFired    = errors.New("alert already fired")
)

const (
	AlertAbove = "ABOVE"
	AlertBelow = "BELOW"
)

type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name             string `json:"name"`
	TelegramBotToken string `json:"-"`
	TelegramChatID   int64  `json:"telegram_chat_id"`
}

// HasTelegram reports whether the user configured personal bot credentials.
func (u *User) HasTelegram() bool {
	return u != nil && u.TelegramBotToken != "" && u.TelegramChatID != 0
}

// Position is one purchase lot. Current* fields and PnL are in BuyCurrency.
type Position struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OwnerID      uint       `gorm:"index;not null" json:"owner_id"`
	Symbol       string     `gorm:"index;not null" json:"symbol"`
	Amount       float64    `gorm:"not null" json:"amount"`
	BuyPrice     float64    `gorm:"not null" json:"buy_price"`
	BuyCurrency  string     `gorm:"not null;default:'USD'" json:"buy_currency"`
	PurchaseDate *time.Time `json:"purchase_date,omitempty"`
	Source       string     `json:"source"`
	Commission   float64    `gorm:"not null;default:0" json:"commission"`

	CurrentPrice float64    `json:"current_price"`
	CurrentValue float64    `json:"current_value"`
	PnL          float64    `gorm:"column:pnl" json:"pnl"`
	PnLPercent   float64    `gorm:"column:pnl_percent" json:"pnl_percent"`
	PricedAt     *time.Time `json:"priced_at,omitempty"`
}

// CostBasis is amount × buy price plus commission, in BuyCurrency.
func (p *Position) CostBasis() float64 {
	return p.Amount*p.BuyPrice + p.Commission
}

// Reprice derives value, P&L and P&L percent from CurrentPrice and the cost basis,
// rounded to 8 decimals. All fields stay in BuyCurrency.
func (p *Position) Reprice() {
	cost := p.CostBasis()
	p.CurrentPrice = currency.Round(p.CurrentPrice)
	p.CurrentValue = currency.Round(p.Amount * p.CurrentPrice)
	p.PnL = currency.Round(p.CurrentValue - cost)
	p.PnLPercent = 0
	if cost > 0 {
		p.PnLPercent = p.PnL / cost * 100
	}
}

// ClearValuation zeroes the derived fields until the position is priced again.
func (p *Position) ClearValuation() {
	p.CurrentPrice = 0
	p.CurrentValue = 0
	p.PnL = 0
	p.PnLPercent = 0
	p.PricedAt = nil
}

// Normalize upper-cases the symbol and currency in place.
func (p *Position) Normalize() {
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	p.BuyCurrency = strings.ToUpper(strings.TrimSpace(p.BuyCurrency))
	if p.BuyCurrency == "" {
		p.BuyCurrency = "USD"
	}
}

func (p *Position) Validate() error {
	switch {
	case p.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidPosition)
	case p.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPosition)
	case p.BuyPrice <= 0:
		return fmt.Errorf("%w: buy_price must be positive", ErrInvalidPosition)
	case p.Commission < 0:
		return fmt.Errorf("%w: commission must not be negative", ErrInvalidPosition)
	case !config.IsSupportedCurrency(p.BuyCurrency):
		return fmt.Errorf("%w: unsupported currency %q", ErrInvalidPosition, p.BuyCurrency)
	}
	return nil
}

type PriceAlert struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OwnerID        uint    `gorm:"index;not null" json:"owner_id"`
	Symbol         string  `gorm:"index;not null" json:"symbol"`
	AlertType      string  `gorm:"not null" json:"alert_type"` // ABOVE or BELOW
	ThresholdPrice float64 `gorm:"not null" json:"threshold_price"`
	Message        string  `json:"message"`
	IsActive       bool    `gorm:"index;not null" json:"is_active"`
}

func (a *PriceAlert) Normalize() {
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	a.AlertType = strings.ToUpper(strings.TrimSpace(a.AlertType))
}

func (a *PriceAlert) Validate() error {
	switch {
	case a.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidAlert)
	case a.AlertType != AlertAbove && a.AlertType != AlertBelow:
		return fmt.Errorf("%w: alert_type must be ABOVE or BELOW", ErrInvalidAlert)
	case a.ThresholdPrice <= 0:
		return fmt.Errorf("%w: threshold_price must be positive", ErrInvalidAlert)
	}
	return nil
}

// ShouldTrigger applies the inclusive threshold rule to price.
func (a *PriceAlert) ShouldTrigger(price float64) bool {
	switch a.AlertType {
	case AlertAbove:
		return price >= a.ThresholdPrice
	case AlertBelow:
		return price <= a.ThresholdPrice
	}
	return false
}

// AlertHistory is an append-only trigger record.
type AlertHistory struct {
	ID uint `gorm:"primarykey" json:"id"`

	AlertID        uint      `gorm:"index;not null" json:"alert_id"`
	OwnerID        uint      `gorm:"index;not null" json:"owner_id"`
	Symbol         string    `gorm:"not null" json:"symbol"`
	TriggeredPrice float64   `gorm:"not null" json:"triggered_price"`
	ThresholdPrice float64   `gorm:"not null" json:"threshold_price"`
	AlertType      string    `gorm:"not null" json:"alert_type"`
	Message        string    `json:"message"`
	TriggeredAt    time.Time `gorm:"index;not null" json:"triggered_at"`
}

func (AlertHistory) TableName() string {
	return "alert_history"
}

// FxRate is one USD-pivot rate of the persisted snapshot.
type FxRate struct {
	ID uint `gorm:"primarykey" json:"id"`

	FromCurrency string    `gorm:"not null;default:'USD'" json:"from_currency"`
	ToCurrency   string    `gorm:"uniqueIndex;not null" json:"to_currency"`
	Rate         float64   `gorm:"not null" json:"rate"`
	Timestamp    time.Time `gorm:"not null" json:"timestamp"`
}

type TrackedSymbol struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OwnerID uint   `gorm:"uniqueIndex:idx_owner_symbol;not null" json:"owner_id"`
	Symbol  string `gorm:"uniqueIndex:idx_owner_symbol;not null" json:"symbol"`
}
