package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"netprobe/pkg/config"
)

// New builds the application logger: a JSON or text handler at the
// configured level, wrapped in a RedactorHandler that knows the given
// secrets.
func New(cfg config.LogConfig, w io.Writer, secrets ...string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}

	var base slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		base = slog.NewJSONHandler(w, opts)
	case "text":
		base = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	redactor := NewRedactorHandlerWithStrings(base, secrets)
	redactor.RedactIP(cfg.RedactIP)

	return slog.New(redactor), nil
}
