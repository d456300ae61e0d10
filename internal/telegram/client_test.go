package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polysignal/internal/models"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	// chat ID is parsed before any network call
	_, err := NewClient("", "not-a-number", 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

func TestNewBot_RequestsTimeOut(t *testing.T) {
	// a Bot API that never answers
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	done := make(chan error, 1)
	go func() {
		_, err := newBot("token", srv.URL+"/bot%s/%s", 50*time.Millisecond)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error from an unresponsive API")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bot request did not time out")
	}
	if requestTimeout <= 60*time.Second {
		t.Errorf("request timeout %v must exceed the long poll", requestTimeout)
	}
}

type fakeBot struct {
	sent  []tgbotapi.MessageConfig
	err   error
	delay time.Duration
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.err
}

func TestPost(t *testing.T) {
	bot := &fakeBot{}
	c := &Client{bot: bot, chatID: 42, maxRetries: 1}

	if err := c.Post(context.Background(), "Yes 50.0% -> 61.0%"); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(bot.sent))
	}
	if bot.sent[0].ParseMode != "" {
		t.Errorf("plain text expected, got parse mode %q", bot.sent[0].ParseMode)
	}
	if bot.sent[0].ChatID != 42 {
		t.Errorf("chat ID = %d, want 42", bot.sent[0].ChatID)
	}
}

func TestPost_FailureIsPostingError(t *testing.T) {
	bot := &fakeBot{err: errors.New("flood control")}
	c := &Client{bot: bot, chatID: 42, maxRetries: 3}

	err := c.Post(context.Background(), "hello")
	if !errors.Is(err, models.ErrPosting) {
		t.Errorf("expected ErrPosting, got %v", err)
	}
	if len(bot.sent) != 1 {
		t.Errorf("Post must not retry, sent %d times", len(bot.sent))
	}
}

func TestPost_Timeout(t *testing.T) {
	bot := &fakeBot{delay: 200 * time.Millisecond}
	c := &Client{bot: bot, chatID: 42}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Post(ctx, "hello"); !errors.Is(err, models.ErrPosting) {
		t.Errorf("expected ErrPosting on timeout, got %v", err)
	}
}

func TestSendError_EscapesMessage(t *testing.T) {
	bot := &fakeBot{}
	c := &Client{bot: bot, chatID: 42, maxRetries: 1, retryDelayBase: time.Millisecond}

	if err := c.SendError("detect", errors.New("db.locked (retry)")); err != nil {
		t.Fatalf("SendError: %v", err)
	}
	if len(bot.sent) != 1 || bot.sent[0].ParseMode != "MarkdownV2" {
		t.Fatalf("unexpected messages: %+v", bot.sent)
	}
	if !strings.Contains(bot.sent[0].Text, "db\\.locked \\(retry\\)") {
		t.Errorf("message not escaped: %q", bot.sent[0].Text)
	}
}
