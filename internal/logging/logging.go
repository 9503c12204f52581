package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. Unknown levels fall back to info.
func Setup(level string, pretty bool) {
	SetupWriter(os.Stderr, level, pretty)
}

// SetupWriter is Setup with an explicit destination, used by tests and the CLI.
func SetupWriter(w io.Writer, level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// WithTrace returns a child of the global logger tagged with the trace id
// of the message being processed.
func WithTrace(traceID string) zerolog.Logger {
	return log.With().Str("trace_id", traceID).Logger()
}

// TraceLogger adapts a zerolog logger to the printf style used by the retry
// helpers.
type TraceLogger struct {
	logger zerolog.Logger
	prefix string
}

// NewTraceLogger builds a TraceLogger. prefix is prepended to every line,
// typically the operation name ("courier.create", "llm.generate").
func NewTraceLogger(logger zerolog.Logger, prefix string) *TraceLogger {
	return &TraceLogger{logger: logger, prefix: prefix}
}

// Log writes a debug line.
func (t *TraceLogger) Log(format string, args ...interface{}) {
	if t == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if t.prefix != "" {
		msg = t.prefix + ": " + msg
	}
	t.logger.Debug().Msg(msg)
}

// LogError writes an error line with the operation context.
func (t *TraceLogger) LogError(context string, err error) {
	if t == nil || err == nil {
		return
	}
	t.logger.Error().Err(err).Str("op", t.prefix).Msg(context)
}
