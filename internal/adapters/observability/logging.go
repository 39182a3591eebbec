package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Unknown or empty levels fall back to
// info. APP_ENV=dev (or development) writes human-readable console output;
// everything else writes JSON lines tagged with the service name.
func NewLogger(env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return newLogger(os.Stdout, env, lvl)
}

func newLogger(out io.Writer, env string, lvl zerolog.Level) zerolog.Logger {
	ctx := zerolog.New(out).Level(lvl).With().Timestamp()
	switch env {
	case "dev", "development":
		ctx = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).Level(lvl).With().Timestamp()
	default:
		ctx = ctx.Str("service", namespace)
	}
	return ctx.Logger()
}
