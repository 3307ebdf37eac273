package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Extra levels around the slog defaults.
const (
	LevelTrace = slog.Level(-8)
	LevelOff   = slog.Level(64)
)

// Options configure the daemon logger.
type Options struct {
	Level  slog.Level
	Format string // "auto" (default), "text" or "json"
	Color  string // "auto" (default), "always" or "never"
	Output io.Writer
}

// New builds the daemon logger. In auto mode a terminal gets colored text and
// anything else gets JSON.
func New(o Options) *slog.Logger {
	w := o.Output
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level: o.Level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(LevelName(lvl))
				}
			}
			return a
		},
	}
	tty := isTerminal(w)
	format := strings.ToLower(o.Format)
	if format == "" || format == "auto" {
		format = "json"
		if tty {
			format = "text"
		}
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	switch strings.ToLower(o.Color) {
	case "always":
		return slog.New(NewColorTextHandler(w, opts))
	case "never":
		return slog.New(slog.NewTextHandler(w, opts))
	}
	if tty {
		return slog.New(NewColorTextHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// LevelFromVerbosity maps repeated -v / -q flags onto a level. The default is info;
// -v is debug, -vv trace, -q warn, -qq error and -qqq silences the logger.
func LevelFromVerbosity(verbose, quiet int) slog.Level {
	switch n := verbose - quiet; {
	case n >= 2:
		return LevelTrace
	case n == 1:
		return slog.LevelDebug
	case n == 0:
		return slog.LevelInfo
	case n == -1:
		return slog.LevelWarn
	case n == -2:
		return slog.LevelError
	default:
		return LevelOff
	}
}

// ParseLevel accepts trace, debug, info, warn, error and off.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "off", "none":
		return LevelOff, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func LevelName(l slog.Level) string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelOff:
		return "OFF"
	}
	return l.String()
}
