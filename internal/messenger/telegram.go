package messenger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

// telegramTextLimit is the Bot API limit for one message, in runes.
const telegramTextLimit = 4096

// ReasonTelegramUnauthorized is the switch reason set when the bot token is rejected.
const ReasonTelegramUnauthorized = "telegram_unauthorized"

// TelegramConfig configures the Telegram messenger.
type TelegramConfig struct {
	Token   string
	APIURL  string // empty means the public Bot API
	Timeout time.Duration
}

// Telegram sends plain-text messages through the Bot API. The recipient ID
// is the Telegram chat ID.
type Telegram struct {
	bot    *tele.Bot
	logger *zap.Logger
}

// NewTelegram creates an offline bot: no getMe call and no update polling,
// this process only sends.
func NewTelegram(cfg TelegramConfig, logger *zap.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Telegram{bot: b, logger: logger}, nil
}

func (t *Telegram) Send(ctx context.Context, recipientID int64, content Content) (Result, error) {
	chat := &tele.Chat{ID: recipientID}

	var first string
	for _, chunk := range splitText(content.Text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return Result{}, NewRetryable("cancelled", err)
		}

		msg, err := t.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			return Result{}, classifyTelegram(err)
		}
		if first == "" && msg != nil {
			first = strconv.Itoa(msg.ID)
		}
	}

	t.logger.Debug("telegram message sent",
		zap.Int64("chat_id", recipientID),
		zap.String("message_id", first),
	)
	return Result{OK: true, ProviderMessageID: first}, nil
}

var telegramCodeRe = regexp.MustCompile(`\((\d{3})\)\s*$`)

func telegramCode(err error) int {
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code
	}
	// every API error renders as "telegram: <description> (<code>)"
	if m := telegramCodeRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}

func classifyTelegram(err error) error {
	switch code := telegramCode(err); {
	case code == http.StatusUnauthorized:
		return NewFatal(ReasonTelegramUnauthorized, err)
	case code == http.StatusForbidden:
		return NewPermanent("telegram_forbidden", err)
	case code == http.StatusBadRequest:
		return NewPermanent("telegram_bad_request", err)
	case code == http.StatusTooManyRequests:
		return NewRetryable("telegram_flood", err)
	default:
		return NewRetryable("telegram_error", err)
	}
}

// splitText cuts s into chunks of at most limit runes, preferring line breaks.
func splitText(s string, limit int) []string {
	r := []rune(s)
	if len(r) <= limit {
		return []string{s}
	}

	var out []string
	for len(r) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if r[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
