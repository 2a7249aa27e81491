package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"
)

// LevelFromEnv reads FEDERATIOND_LOG_LEVEL, then LOG_LEVEL. Unset or
// unparsable values give slog.LevelInfo.
func LevelFromEnv() slog.Level {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	raw := v.GetString("log_level")
	if raw == "" {
		raw = os.Getenv("LOG_LEVEL")
	}
	return parseLevel(raw)
}

func parseLevel(raw string) slog.Level {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return slog.LevelInfo
	}
	if strings.EqualFold(raw, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		slog.Warn("Ignoring unknown log level", "value", raw)
		return slog.LevelInfo
	}
	return level
}

// NewLogger writes JSON records at LogLevel, tagged with the active span
func NewLogger(w io.Writer) *slog.Logger {
	return slog.New(spanHandler{slog.NewJSONHandler(w, &slog.HandlerOptions{Level: LogLevel})})
}

// spanHandler adds trace_id and span_id when the record's context carries a span
type spanHandler struct {
	slog.Handler
}

func (h spanHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h spanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return spanHandler{h.Handler.WithAttrs(attrs)}
}

func (h spanHandler) WithGroup(name string) slog.Handler {
	return spanHandler{h.Handler.WithGroup(name)}
}
