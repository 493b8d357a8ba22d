package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/samber/do"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AliRezaBeigy/odoh-target/internal/config"
	"github.com/AliRezaBeigy/odoh-target/internal/logging"
)

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewLogger(config.Logging{Level: "warn"}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn().Str("key_id", "abcd").Msg("kept")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "abcd", entry["key_id"])
	assert.Equal(t, "kept", entry["message"])
	assert.Contains(t, entry, "time")
	assert.Equal(t, "odoh-target", entry["service"])
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewLogger(config.Logging{}, &buf)
	require.NoError(t, err)

	tagged := logging.Component(logger, "odoh_rotator")
	tagged.Info().Msg("rotated")
	logger.Info().Msg("untagged")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var taggedEntry, plain map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &taggedEntry))
	require.NoError(t, json.Unmarshal(lines[1], &plain))
	assert.Equal(t, "odoh_rotator", taggedEntry["component"])
	assert.NotContains(t, plain, "component")
}

func TestNewLoggerDefaultLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewLogger(config.Logging{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, err := logging.NewLogger(config.Logging{Level: "loud"}, nil)
	require.Error(t, err)
}

func TestNewLoggerPretty(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewLogger(config.Logging{Level: "info", Pretty: true}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestProvide(t *testing.T) {
	i := do.New()
	config.Provide(i, config.DefaultConfig())
	logging.Provide(i)

	_, err := do.Invoke[zerolog.Logger](i)
	require.NoError(t, err)
}
