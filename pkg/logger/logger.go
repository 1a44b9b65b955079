// Package logger installs the process-wide slog handler and derives
// request-scoped loggers that carry the request and trace ids.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kylebebak/search-engine/pkg/tracing"
)

type requestIDKey struct{}

// Setup installs the default logger on stderr. CLI results own stdout.
func Setup(level, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter installs a json or text handler on w. Unknown levels log at
// info.
func SetupWriter(w io.Writer, level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// FromContext returns the default logger annotated with whatever request
// and trace ids ctx carries.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := RequestIDFromContext(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if id := tracing.TraceID(ctx); id != "" {
		l = l.With("trace_id", id)
	}
	return l
}
