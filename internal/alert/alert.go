// Package alert delivers operator alerts (ledger leaks, failed revocations,
// gateway outages) to a Telegram chat. logx forwards alert-worthy records
// here.
package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	logx "alarmaway/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// Telegram sends alerts through a bot. It never polls for updates.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger

	mu       sync.RWMutex
	chatID   int64
	threadID int
}

func NewTelegram(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert: telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{bot: b, log: log, chatID: cfg.ChatID, threadID: cfg.ThreadID}, nil
}

// SetTarget changes the destination chat and thread. A zero chat disables
// sending.
func (t *Telegram) SetTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.chatID, t.threadID = chatID, threadID
	t.mu.Unlock()
}

func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	t.mu.RLock()
	chatID, threadID := t.chatID, t.threadID
	t.mu.RUnlock()
	if chatID == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, clip(text, telegramTextLimit), &tele.SendOptions{
		ThreadID:              threadID,
		DisableWebPagePreview: true,
	})
	return err
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// Nop drops every alert.
type Nop struct{}

func (Nop) SendAlert(context.Context, string) error { return nil }

var (
	_ logx.Alerter = (*Telegram)(nil)
	_ logx.Alerter = Nop{}
)
