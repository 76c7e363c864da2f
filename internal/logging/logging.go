// Package logging builds the process-wide slog.Logger. The selected base
// handler is always wrapped in logctx.Handler so request, session and tool
// attributes stored on the context reach every record.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	isatty "github.com/mattn/go-isatty"

	"github.com/ggoodman/mcp-sse-server-go/internal/logctx"
)

// Format names a log handler flavour.
type Format string

const (
	FormatAuto Format = "auto"
	FormatJSON Format = "json"
	FormatText Format = "text"
	FormatDev  Format = "dev"
)

// ParseLevel maps a case-insensitive level name to a slog.Level. The empty
// string resolves to info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ParseFormat validates a format name. The empty string resolves to auto.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatAuto, nil
	case FormatAuto, FormatJSON, FormatText, FormatDev:
		return f, nil
	case "txt":
		return FormatText, nil
	}
	return FormatAuto, fmt.Errorf("unknown log format %q", s)
}

// New returns a logger writing to w. FormatAuto picks the colourised dev
// handler when w is a terminal and JSON otherwise.
func New(w io.Writer, level slog.Level, format Format) *slog.Logger {
	if format == FormatAuto || format == "" {
		format = FormatJSON
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = FormatDev
		}
	}

	var h slog.Handler
	switch format {
	case FormatDev:
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "[15:04:05.000]",
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.LevelKey && len(groups) == 0 {
					if lvl, ok := a.Value.Any().(slog.Level); ok {
						switch lvl {
						case slog.LevelDebug:
							return tint.Attr(3, slog.String(a.Key, "DBG"))
						case slog.LevelInfo:
							return tint.Attr(14, slog.String(a.Key, "INF"))
						}
					}
				}
				return a
			},
		})
	case FormatText:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	return slog.New(logctx.Handler{Handler: h})
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
