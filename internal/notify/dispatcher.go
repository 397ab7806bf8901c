// Package notify fans triggered alerts out to Telegram and WebSocket subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/camuig/coinfolio/internal/alerts"
	"github.com/camuig/coinfolio/internal/logger"
	"github.com/camuig/coinfolio/internal/storage"
	"github.com/camuig/coinfolio/internal/telegram"
)

type Users interface {
	GetUser(ctx context.Context, id uint) (*storage.User, error)
}

type Telegram interface {
	SendTo(user *storage.User, text string) error
}

type Broadcaster interface {
	BroadcastAlert(ownerID uint, alert any, ts time.Time) int
}

// Delivery reports what happened on each channel for one event.
type Delivery struct {
	TelegramErr error
	WebSocket   int
}

type Dispatcher struct {
	users    Users
	telegram Telegram
	hub      Broadcaster
	logger   *logger.Logger
}

// NewDispatcher wires the channels. telegram and hub may be nil.
func NewDispatcher(users Users, tg Telegram, hub Broadcaster, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		users:    users,
		telegram: tg,
		hub:      hub,
		logger:   log.With("component", "notify"),
	}
}

// Notify delivers ev on every channel. A failing channel is logged and does not block the other.
func (d *Dispatcher) Notify(ctx context.Context, ev alerts.TriggerEvent) Delivery {
	var out Delivery

	if d.telegram != nil {
		var user *storage.User
		if d.users != nil {
			u, err := d.users.GetUser(ctx, ev.Alert.OwnerID)
			if err != nil {
				d.logger.Debug("alert owner not found, using global chat", "owner_id", ev.Alert.OwnerID, "error", err)
			} else {
				user = u
			}
		}
		if err := d.telegram.SendTo(user, FormatMessage(ev)); err != nil {
			out.TelegramErr = err
			if errors.Is(err, telegram.ErrNoCredentials) {
				d.logger.Debug("telegram not configured for owner", "owner_id", ev.Alert.OwnerID)
			} else {
				d.logger.Warn("telegram delivery failed", "alert_id", ev.Alert.ID, "error", err)
			}
		}
	}

	if d.hub != nil {
		out.WebSocket = d.hub.BroadcastAlert(ev.Alert.OwnerID, ev, ev.TriggeredAt)
	}

	d.logger.Info("alert notification dispatched",
		"alert_id", ev.Alert.ID, "symbol", ev.Alert.Symbol,
		"telegram_ok", d.telegram != nil && out.TelegramErr == nil, "websocket_clients", out.WebSocket)
	return out
}

// NotifyAll dispatches every event in order.
func (d *Dispatcher) NotifyAll(ctx context.Context, events []alerts.TriggerEvent) {
	for _, ev := range events {
		d.Notify(ctx, ev)
	}
}

// FormatMessage renders ev as a Telegram Markdown message.
func FormatMessage(ev alerts.TriggerEvent) string {
	a := ev.Alert
	direction := "above"
	emoji := "📈"
	if a.AlertType == storage.AlertBelow {
		direction = "below"
		emoji = "📉"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* is %s %s\n", emoji, telegram.Escape(a.Symbol), direction, FormatMoney(a.ThresholdPrice, "USD"))
	fmt.Fprintf(&b, "Price: %s\n", FormatMoney(ev.Price, "USD"))
	if a.Message != "" {
		fmt.Fprintf(&b, "%s\n", telegram.Escape(a.Message))
	}
	for _, h := range ev.Holdings {
		fmt.Fprintf(&b, "Holding (%s): %s, P&L %s (%+.2f%%)\n",
			h.Currency, FormatMoney(h.Value, h.Currency), signed(h.PnL, h.Currency), h.PnLPercent)
	}
	b.WriteString(ev.TriggeredAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	return b.String()
}

// FormatMoney displays amount with the currency's symbol and fraction. Sub-unit crypto prices
// keep up to 8 decimals since the currency fraction would round them away.
func FormatMoney(amount float64, code string) string {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Sprintf("%v %s", amount, code)
	}

	cur := money.GetCurrency(code)
	if cur == nil || (amount != 0 && math.Abs(amount) < 1) {
		return decimal.NewFromFloat(amount).Round(8).String() + " " + code
	}

	factor := decimal.New(1, int32(cur.Fraction))
	minor := decimal.NewFromFloat(amount).Mul(factor).Round(0)
	return money.New(minor.IntPart(), code).Display()
}

func signed(amount float64, code string) string {
	s := FormatMoney(amount, code)
	if amount > 0 {
		return "+" + s
	}
	return s
}
