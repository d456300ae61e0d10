package publish

import (
	"context"

	"github.com/rewired-gh/polysignal/internal/logger"
)

// Sink delivers a rendered message. Implementations make a single attempt.
type Sink interface {
	Post(ctx context.Context, text string) error
}

// LogSink writes messages to the log instead of posting them.
type LogSink struct{}

func (LogSink) Post(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.Info("[dry-run] %s", text)
	return nil
}
