package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// New returns a JSON logger tagged with the service name.
// An empty level means info.
func New(service, level string, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stdout
	}

	lvl := zerolog.InfoLevel
	if raw := strings.TrimSpace(level); raw != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("LOG_LEVEL: %w", err)
		}
		lvl = parsed
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger(), nil
}

// PrintfFunc is a printf-style callback that also satisfies Printf-based
// logger interfaces such as cron's.
type PrintfFunc func(format string, args ...any)

func (f PrintfFunc) Printf(format string, args ...any) { f(format, args...) }

// Printf adapts a logger to the printf-style callbacks some libraries expect.
func Printf(logger zerolog.Logger) PrintfFunc {
	return func(format string, args ...any) {
		logger.Info().Msgf(format, args...)
	}
}
