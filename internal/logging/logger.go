package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/AliRezaBeigy/odoh-target/internal/config"
)

const (
	serviceName  = "odoh-target"
	componentKey = "component"
)

// NewLogger builds the process logger: JSON lines on out (stdout when nil), or a console
// writer when cfg.Pretty is set. Every entry carries a timestamp and the service name.
func NewLogger(cfg config.Logging, out io.Writer) (zerolog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger(), nil
}

// Component returns a child of logger tagged with the component that owns it.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str(componentKey, name).Logger()
}

func parseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// Fatal logs err to stderr and exits. It is for failures that happen before the
// configured logger exists.
func Fatal(err error, msg string) {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	logger.Fatal().
		Err(err).
		Msg(msg)
}
