package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"swiftbots/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramPollTimeout    = 30
)

// ErrUpdatesClosed is returned when the Telegram update stream ends.
var ErrUpdatesClosed = errors.New("telegram: update stream closed")

// TelegramConfig configures a Telegram view.
type TelegramConfig struct {
	Name      string // defaults to "telegram"
	Token     string
	AllowFrom []string // user IDs; empty allows everyone
	AdminChat int64    // receives Report; 0 disables reports
	ParseMode string
	Endpoint  string // API endpoint format; defaults to tgbotapi.APIEndpoint
	Client    *http.Client
	Texts     Texts
	Logger    *slog.Logger
}

// Telegram receives updates by long polling. Every Listen call opens a
// fresh API session so a failed poller can be replaced.
type Telegram struct {
	name      string
	token     string
	endpoint  string
	client    *http.Client
	allowFrom map[int64]bool
	adminChat int64
	parseMode string
	texts     Texts
	logger    *slog.Logger

	mu  sync.RWMutex
	api *tgbotapi.BotAPI

	sleep func(ctx context.Context, d time.Duration) error
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Name == "" {
		cfg.Name = "telegram"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: (telegramPollTimeout + 10) * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	allowed := make(map[int64]bool)
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed[id] = true
		}
	}
	return &Telegram{
		name:      cfg.Name,
		token:     cfg.Token,
		endpoint:  cfg.Endpoint,
		client:    cfg.Client,
		allowFrom: allowed,
		adminChat: cfg.AdminChat,
		parseMode: cfg.ParseMode,
		texts:     cfg.Texts.withDefaults(),
		logger:    cfg.Logger,
		sleep:     sleepContext,
	}
}

func (t *Telegram) Name() string { return t.name }

// Listen connects to the Bot API and starts polling.
func (t *Telegram) Listen(ctx context.Context) (domain.Listener, error) {
	api, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t.mu.Lock()
	t.api = api
	t.mu.Unlock()
	t.logger.Info("telegram bot connected", "username", api.Self.UserName, "id", api.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	return &telegramListener{view: t, api: api, updates: api.GetUpdatesChan(u)}, nil
}

func (t *Telegram) current() (*tgbotapi.BotAPI, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.api == nil {
		return nil, errors.New("telegram: not connected")
	}
	return t.api, nil
}

func (t *Telegram) allowed(userID int64) bool {
	return len(t.allowFrom) == 0 || t.allowFrom[userID]
}

func (t *Telegram) Reply(ctx context.Context, msg domain.Message, text string) error {
	chatID, err := strconv.ParseInt(msg.Chat, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", msg.Chat, err)
	}
	return t.send(ctx, chatID, text)
}

func (t *Telegram) Error(ctx context.Context, msg domain.Message) error {
	return t.Reply(ctx, msg, t.texts.Failed)
}

func (t *Telegram) UnknownCommand(ctx context.Context, msg domain.Message) error {
	return t.Reply(ctx, msg, t.texts.Unknown)
}

func (t *Telegram) Refuse(ctx context.Context, msg domain.Message) error {
	return t.Reply(ctx, msg, t.texts.Forbidden)
}

// Report sends text to the admin chat, if one is configured.
func (t *Telegram) Report(ctx context.Context, text string) error {
	if t.adminChat == 0 {
		t.logger.Warn("report dropped, no admin chat configured", "text_len", len(text))
		return nil
	}
	return t.send(ctx, t.adminChat, text)
}

// send splits text into chunks below the Telegram limit, preferring line
// breaks.
func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func splitMessage(text string, max int) []string {
	var chunks []string
	for len(text) > max {
		cut := strings.LastIndex(text[:max], "\n")
		if cut < max/2 {
			cut = max
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" || len(chunks) == 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

// sendChunk tries the configured parse mode first and falls back to plain
// text; rate limits and transient errors are retried with backoff.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	api, err := t.current()
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 {
			msg.ParseMode = t.parseMode
		}
		_, lastErr = api.Send(msg)
		if lastErr == nil {
			return nil
		}

		var wait time.Duration
		var tgErr *tgbotapi.Error
		switch {
		case errors.As(lastErr, &tgErr) && tgErr.RetryAfter > 0:
			wait = time.Duration(tgErr.RetryAfter) * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
		case attempt == 0 && msg.ParseMode != "" && strings.Contains(lastErr.Error(), "can't parse entities"):
			t.logger.Warn("telegram markup rejected, retrying as plain text", "err", lastErr)
			continue
		default:
			wait = time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", lastErr, "backoff", wait)
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}

type telegramListener struct {
	view    *Telegram
	api     *tgbotapi.BotAPI
	updates tgbotapi.UpdatesChannel
	once    sync.Once
}

func (l *telegramListener) Next(ctx context.Context) (domain.Message, error) {
	t := l.view
	for {
		select {
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		case update, ok := <-l.updates:
			if !ok {
				return domain.Message{}, ErrUpdatesClosed
			}
			m := update.Message
			if m == nil || m.From == nil || m.Chat == nil {
				continue
			}
			text := strings.TrimSpace(m.Text)
			if text == "" {
				continue
			}
			msg := domain.Message{
				ID:        strconv.Itoa(m.MessageID),
				Sender:    strconv.FormatInt(m.From.ID, 10),
				Chat:      strconv.FormatInt(m.Chat.ID, 10),
				Text:      text,
				Timestamp: time.Unix(int64(m.Date), 0),
				Raw:       m,
			}
			if !t.allowed(m.From.ID) {
				t.logger.Warn("unauthorized telegram user", "user_id", m.From.ID, "username", m.From.UserName)
				if err := t.Refuse(ctx, msg); err != nil {
					t.logger.Warn("cannot refuse telegram user", "err", err)
				}
				continue
			}
			return msg, nil
		}
	}
}

// Close stops the poller. StopReceivingUpdates panics when called twice.
func (l *telegramListener) Close() error {
	l.once.Do(l.api.StopReceivingUpdates)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
