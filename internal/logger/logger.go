package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Output formats accepted by Init.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Init configures the global zerolog logger. Unknown levels fall back to info.
func Init(level, format string) {
	initTo(os.Stderr, level, format)
}

func initTo(out io.Writer, level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
		if level != "" {
			fmt.Fprintf(out, "unknown log level %q, defaulting to info\n", level)
		}
	}

	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	w := out
	if strings.ToLower(format) != FormatJSON {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05"}
	}

	log.Logger = zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// WithComponent returns a sub-logger tagged with the component name.
func WithComponent(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
