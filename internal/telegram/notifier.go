package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/coinfolio/internal/config"
	"github.com/camuig/coinfolio/internal/logger"
	"github.com/camuig/coinfolio/internal/storage"
)

var ErrNoCredentials = errors.New("no telegram credentials")

// Credentials identify a bot and the chat it posts to.
type Credentials struct {
	Token  string
	ChatID int64
}

func (c Credentials) valid() bool {
	return c.Token != "" && c.ChatID != 0
}

// Notifier sends Markdown messages through per-user bots, falling back to the global bot.
type Notifier struct {
	global  Credentials
	enabled bool
	apiURL  string
	client  *http.Client
	logger  *logger.Logger

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

func NewNotifier(cfg config.TelegramConfig, log *logger.Logger) *Notifier {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = tgbotapi.APIEndpoint
	}
	return &Notifier{
		global:  Credentials{Token: cfg.BotToken, ChatID: cfg.ChatID},
		enabled: cfg.Enabled,
		apiURL:  apiURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  log.With("component", "telegram"),
		bots:    make(map[string]*tgbotapi.BotAPI),
	}
}

// Resolve picks the user's own bot when configured, otherwise the global one.
func (n *Notifier) Resolve(user *storage.User) (Credentials, bool) {
	if user.HasTelegram() {
		return Credentials{Token: user.TelegramBotToken, ChatID: user.TelegramChatID}, true
	}
	if n.enabled && n.global.valid() {
		return n.global, true
	}
	return Credentials{}, false
}

// SendTo delivers text to the resolved chat of user.
func (n *Notifier) SendTo(user *storage.User, text string) error {
	creds, ok := n.Resolve(user)
	if !ok {
		return ErrNoCredentials
	}
	return n.Send(creds, text)
}

func (n *Notifier) Send(creds Credentials, text string) error {
	if !creds.valid() {
		return ErrNoCredentials
	}

	bot, err := n.bot(creds.Token)
	if err != nil {
		return fmt.Errorf("connect bot: %w", err)
	}

	msg := tgbotapi.NewMessage(creds.ChatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("send message to chat %d: %w", creds.ChatID, err)
	}
	return nil
}

// NotifyError reports an internal failure to the global chat.
func (n *Notifier) NotifyError(context string, err error) {
	n.NotifyStatus(fmt.Sprintf("⚠️ *Error* [%s]\n%s", context, Escape(err.Error())))
}

// NotifyStatus posts text to the global chat when Telegram is enabled.
func (n *Notifier) NotifyStatus(text string) {
	if !n.enabled {
		return
	}
	if err := n.Send(n.global, text); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}

// Escape makes user text safe inside a Markdown message.
func Escape(text string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, text)
}

// bot returns the cached bot for token. getMe runs outside the lock so a slow
// token does not hold up sends through other bots.
func (n *Notifier) bot(token string) (*tgbotapi.BotAPI, error) {
	n.mu.Lock()
	bot, ok := n.bots[token]
	n.mu.Unlock()
	if ok {
		return bot, nil
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, n.apiURL, n.client)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.bots[token]; ok {
		return existing, nil
	}
	n.logger.Info("telegram bot connected", "username", bot.Self.UserName)
	n.bots[token] = bot
	return bot, nil
}
