// Package logger provides leveled structured logging backed by zerolog.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var defaultLogger = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()

// Init configures the default logger with the specified level and format.
// Format "text" renders human-readable console lines; anything else emits JSON.
func Init(level string, format string) {
	InitWriter(os.Stderr, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level string, format string) {
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || l == zerolog.NoLevel {
		l = zerolog.InfoLevel
	}

	out := w
	if strings.ToLower(format) == "text" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	defaultLogger = zerolog.New(out).
		Level(l).
		With().
		Timestamp().
		CallerWithSkipFrameCount(3).
		Logger()
}

func Debug(format string, args ...interface{}) {
	defaultLogger.Debug().Msg(fmt.Sprintf(format, args...))
}

func Info(format string, args ...interface{}) {
	defaultLogger.Info().Msg(fmt.Sprintf(format, args...))
}

func Warn(format string, args ...interface{}) {
	defaultLogger.Warn().Msg(fmt.Sprintf(format, args...))
}

func Error(format string, args ...interface{}) {
	defaultLogger.Error().Msg(fmt.Sprintf(format, args...))
}

func Fatal(format string, args ...interface{}) {
	defaultLogger.WithLevel(zerolog.FatalLevel).Msg(fmt.Sprintf(format, args...))
	os.Exit(1)
}
