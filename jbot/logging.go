package jbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	loggerNameKey               = "logger"
	loggerContextKey contextKey = "logger"
)

var defaultLogWriter io.Writer = os.Stdout

type contextKey string

// newLogger returns a tint-backed logger at the given level, tagged
// with the component name.
func newLogger(level slog.Leveler, name string) *slog.Logger {
	return slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     level,
				AddSource: true,
			},
		),
	).With(loggerNameKey, name)
}

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// discordgoLoggerFunc adapts discordgo's package logger to slog
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// discordgoLogLevel maps a slog level to discordgo's numeric levels
func discordgoLogLevel(lvl slog.Level) (int, error) {
	switch lvl {
	case slog.LevelDebug:
		return discordgo.LogDebug, nil
	case slog.LevelInfo:
		return discordgo.LogInformational, nil
	case slog.LevelWarn:
		return discordgo.LogWarning, nil
	case slog.LevelError:
		return discordgo.LogError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", lvl)
	}
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// handleRecover logs a recovered panic from a handler goroutine.
func handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
