// Package telegram wraps the go-telegram/bot client with the slice of
// provider behavior the engine uses: sending messages with inline keyboards,
// webhook management, and long polling. Sends are rate limited and guarded by
// a circuit breaker so one flapping tenant token cannot hammer the provider.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Button is one inline-keyboard button. Action is sent back as callback data
// unless URL is set, in which case the button opens the link.
type Button struct {
	Label  string `json:"label"`
	Action string `json:"action,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Client is the provider surface consumed by the registry, router, and
// dispatcher.
type Client interface {
	// SendText sends a text message with an optional inline keyboard and
	// returns the provider message id.
	SendText(ctx context.Context, chatID int64, text string, keyboard [][]Button) (int64, error)

	// SendPhoto sends a photo by URL with a caption and optional keyboard and
	// returns the provider message id.
	SendPhoto(ctx context.Context, chatID int64, photoURL, caption string, keyboard [][]Button) (int64, error)

	// AnswerCallback acknowledges a callback query so the client-side loading
	// spinner is dismissed. Text may be empty for a silent ack.
	AnswerCallback(ctx context.Context, callbackQueryID, text string) error

	// SetWebhook registers the webhook URL with a tenant-specific secret.
	SetWebhook(ctx context.Context, url, secret string) error

	// DeleteWebhook removes any webhook registration.
	DeleteWebhook(ctx context.Context) error

	// StartPolling runs the long-poll loop until the context is cancelled.
	StartPolling(ctx context.Context)

	// ProcessUpdate feeds a webhook-delivered update through the same handler
	// chain as polling.
	ProcessUpdate(ctx context.Context, update *models.Update)
}

// Options configures a client.
type Options struct {
	PollTimeout time.Duration
	SendRate    float64
	SendBurst   int

	// BotOptions are passed through to the underlying library, used by the
	// registry to install the update handler and logging middleware.
	BotOptions []bot.Option
}

type botClient struct {
	b       *bot.Bot
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewClient constructs a client for one bot token. The token is validated
// against the provider (getMe) at construction, so an invalid token fails
// here and not on first use.
func NewClient(token string, opts Options) (Client, error) {
	if token == "" {
		return nil, fmt.Errorf("empty bot token")
	}

	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}

	botOpts := append([]bot.Option{
		bot.WithHTTPClient(pollTimeout, &http.Client{Timeout: pollTimeout + 10*time.Second}),
	}, opts.BotOptions...)

	b, err := bot.New(token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}

	sendRate := opts.SendRate
	if sendRate <= 0 {
		sendRate = 25
	}
	sendBurst := opts.SendBurst
	if sendBurst <= 0 {
		sendBurst = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "telegram-send",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
	})

	return &botClient{
		b:       b,
		limiter: rate.NewLimiter(rate.Limit(sendRate), sendBurst),
		breaker: breaker,
	}, nil
}

func (c *botClient) SendText(ctx context.Context, chatID int64, text string, keyboard [][]Button) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter wait: %w", err)
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:      chatID,
			Text:        text,
			ReplyMarkup: inlineKeyboard(keyboard),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}

	return int64(res.(*models.Message).ID), nil
}

func (c *botClient) SendPhoto(ctx context.Context, chatID int64, photoURL, caption string, keyboard [][]Button) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter wait: %w", err)
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.b.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:      chatID,
			Photo:       &models.InputFileString{Data: photoURL},
			Caption:     caption,
			ReplyMarkup: inlineKeyboard(keyboard),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to send photo to chat %d: %w", chatID, err)
	}

	return int64(res.(*models.Message).ID), nil
}

func (c *botClient) AnswerCallback(ctx context.Context, callbackQueryID, text string) error {
	_, err := c.b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackQueryID,
		Text:            text,
	})
	if err != nil {
		return fmt.Errorf("failed to answer callback query: %w", err)
	}
	return nil
}

func (c *botClient) SetWebhook(ctx context.Context, url, secret string) error {
	_, err := c.b.SetWebhook(ctx, &bot.SetWebhookParams{
		URL:         url,
		SecretToken: secret,
	})
	if err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}
	return nil
}

func (c *botClient) DeleteWebhook(ctx context.Context) error {
	_, err := c.b.DeleteWebhook(ctx, &bot.DeleteWebhookParams{DropPendingUpdates: false})
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

func (c *botClient) StartPolling(ctx context.Context) {
	c.b.Start(ctx)
}

// ProcessUpdate feeds a webhook-delivered update into the underlying
// library's handler chain, running the same middleware and default handler
// as polling mode.
func (c *botClient) ProcessUpdate(ctx context.Context, update *models.Update) {
	c.b.ProcessUpdate(ctx, update)
}

// inlineKeyboard converts button rows into the provider's inline keyboard
// markup. Returns nil for an empty layout so plain messages carry no markup.
func inlineKeyboard(rows [][]Button) models.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}

	markup := make([][]models.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		buttons := make([]models.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btn := models.InlineKeyboardButton{Text: b.Label}
			if b.URL != "" {
				btn.URL = b.URL
			} else {
				btn.CallbackData = b.Action
			}
			buttons = append(buttons, btn)
		}
		markup = append(markup, buttons)
	}
	if len(markup) == 0 {
		return nil
	}

	return &models.InlineKeyboardMarkup{InlineKeyboard: markup}
}

// Rows groups a flat button list into rows of at most perRow buttons,
// preserving order.
func Rows(buttons []Button, perRow int) [][]Button {
	if perRow <= 0 {
		perRow = 2
	}
	var rows [][]Button
	for start := 0; start < len(buttons); start += perRow {
		end := start + perRow
		if end > len(buttons) {
			end = len(buttons)
		}
		rows = append(rows, buttons[start:end])
	}
	return rows
}
