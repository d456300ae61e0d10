// Package telegram posts signals and operator notices via the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polysignal/internal/models"
)

// requestTimeout bounds every Bot API call. It is longer than the 60s long poll used by
// ListenForCommands, and it ends a Send that Post has stopped waiting for.
const requestTimeout = 75 * time.Second

// sender is the part of *tgbotapi.BotAPI the client uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            sender
	api            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	status         func() string
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := newBot(botToken, tgbotapi.APIEndpoint, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		api:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

func newBot(token, endpoint string, timeout time.Duration) (*tgbotapi.BotAPI, error) {
	return tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
}

// SetStatusFunc installs the reply generator for the /status command.
func (c *Client) SetStatusFunc(f func() string) {
	c.status = f
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	if c.api == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.api.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.api.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		if c.status == nil {
			return
		}
		text = c.status()
	default:
		return
	}
	c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)) //nolint:errcheck
}

// Post sends a plain-text message once. It gives up when ctx is done; the message may
// still be delivered in that case, which the caller treats as a failure.
func (c *Client) Post(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.DisableWebPagePreview = true

	done := make(chan error, 1)
	go func() {
		_, err := c.bot.Send(msg)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrPosting, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", models.ErrPosting, ctx.Err())
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a stage failure notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(stage string, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *%s stage error*\n`%s`", escapeMarkdownV2(stage), escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(stage string, failureCount int) error {
	text := fmt.Sprintf("✅ *%s stage recovered* after %d consecutive failure\\(s\\)", escapeMarkdownV2(stage), failureCount)
	return c.sendMarkdownV2(text)
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
