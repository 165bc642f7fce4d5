package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/YuminosukeSato/glucoscreen/pkg/errors"
)

var (
	providerMu sync.RWMutex
	provider   LoggerProvider = NewZerologProvider(LevelInfo)
)

// SetProvider replaces the process-wide LoggerProvider.
func SetProvider(p LoggerProvider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	provider = p
}

// GetProvider returns the process-wide LoggerProvider.
func GetProvider() LoggerProvider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return provider
}

// GetLogger returns the default logger of the process-wide provider.
func GetLogger() Logger {
	return GetProvider().GetLogger()
}

// GetLoggerWithName returns a component logger of the process-wide provider.
func GetLoggerWithName(name string) Logger {
	return GetProvider().GetLoggerWithName(name)
}

// SetupLogger installs the zerolog provider as the process-wide provider,
// routes library warnings (errors.Warn) into it, and points the slog default
// at a JSON handler that expands cockroachdb stack traces.
// format is "json" or "console".
func SetupLogger(loglevel, format string) {
	setupLogger(os.Stderr, loglevel, format)
}

func setupLogger(w io.Writer, loglevel, format string) {
	level := Level(ToLogLevel(loglevel))

	var p *ZerologProvider
	if format == "console" {
		p = NewConsoleProvider(w, level)
	} else {
		p = NewZerologProviderWithWriter(w, level)
	}
	SetProvider(p)

	warnLogger := p.GetLoggerWithName("warnings")
	errors.SetZerologWarnFunc(func(warning error) {
		warnLogger.Warn(warning.Error(), "warning", warning)
	})

	ops := slog.HandlerOptions{
		AddSource: true,
		Level:     ToLogLevel(loglevel),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				attr.Key = "severity"
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	}
	handler := slog.NewJSONHandler(w, &ops)
	slog.SetDefault(slog.New(WrapByErrFmtHandler(handler)))
}

// ToLogLevel converts a configured level name to slog.Level.
// Configuration validation restricts the accepted names, so an unknown name is
// a programming error.
func ToLogLevel(level string) slog.Level {
	switch level {
	case "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		panic(fmt.Sprintf("invalid log level :%s", level))
	}
}

const (
	ErrAttrKey        = "error"
	StacktraceAttrKey = "stacktrace"
)
