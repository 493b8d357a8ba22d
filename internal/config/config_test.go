package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AliRezaBeigy/odoh-target/internal/config"
)

func TestLoadSourcesDefaults(t *testing.T) {
	cfg, err := config.LoadSources()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
	assert.Equal(t, 24*time.Hour, cfg.ODoH.KeyRotationInterval)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadSourcesPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"http": {"listen_addr": "127.0.0.1:9000"},
		"odoh": {"key_rotation_interval": "1h", "aead": "chacha20poly1305"},
		"upstream": {"address": "1.1.1.1:53"},
		"logging": {"level": "debug"}
	}`), 0o600))

	t.Setenv("ODOH_UPSTREAM__ADDRESS", "8.8.8.8:53")
	t.Setenv("ODOH_LIMITS__RATE_LIMIT", "5")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.Duration("rotation-interval", 24*time.Hour, "")
	require.NoError(t, flags.Parse([]string{"--log-level", "warn"}))

	cfg, err := config.LoadSources(
		config.NewJsonFileSource(path),
		config.NewEnvVarSource(),
		config.NewPFlagSource(flags),
	)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.ListenAddr)
	// An unset flag does not mask the file value.
	assert.Equal(t, time.Hour, cfg.ODoH.KeyRotationInterval)
	assert.Equal(t, "chacha20poly1305", cfg.ODoH.AEAD)
	assert.Equal(t, "8.8.8.8:53", cfg.Upstream.Address)
	assert.Equal(t, float64(5), cfg.Limits.RateLimit)
	assert.Equal(t, "warn", cfg.Logging.Level)
	// Untouched values keep their defaults.
	assert.Equal(t, "/dns-query", cfg.HTTP.QueryPath)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout)
}

func TestLoadSourcesFlagDuration(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Duration("rotation-interval", 24*time.Hour, "")
	require.NoError(t, flags.Parse([]string{"--rotation-interval", "90s"}))

	cfg, err := config.LoadSources(config.NewPFlagSource(flags))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.ODoH.KeyRotationInterval)
}

func TestLoadSourcesMissingFile(t *testing.T) {
	_, err := config.LoadSources(config.NewJsonFileSource(filepath.Join(t.TempDir(), "missing.json")))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr string
	}{
		{
			name:   "defaults",
			modify: func(*config.Config) {},
		},
		{
			name:    "bad listen addr",
			modify:  func(c *config.Config) { c.HTTP.ListenAddr = "8443" },
			wantErr: "http.listen_addr",
		},
		{
			name:    "cert without key",
			modify:  func(c *config.Config) { c.HTTP.TLSCert = "cert.pem" },
			wantErr: "tls_cert and tls_key must be set together",
		},
		{
			name:    "http3 without tls",
			modify:  func(c *config.Config) { c.HTTP.HTTP3 = true },
			wantErr: "http.http3",
		},
		{
			name:    "relative query path",
			modify:  func(c *config.Config) { c.HTTP.QueryPath = "dns-query" },
			wantErr: "http.query_path",
		},
		{
			name:    "rotation interval too short",
			modify:  func(c *config.Config) { c.ODoH.KeyRotationInterval = time.Millisecond },
			wantErr: "odoh.key_rotation_interval",
		},
		{
			name:    "unknown aead",
			modify:  func(c *config.Config) { c.ODoH.AEAD = "des" },
			wantErr: "odoh.aead",
		},
		{
			name:    "negative padding",
			modify:  func(c *config.Config) { c.ODoH.ResponsePadding = -1 },
			wantErr: "odoh.response_padding",
		},
		{
			name:    "empty upstream",
			modify:  func(c *config.Config) { c.Upstream.Address = "" },
			wantErr: "upstream.address",
		},
		{
			name:    "zero burst",
			modify:  func(c *config.Config) { c.Limits.Burst = 0 },
			wantErr: "limits.burst",
		},
		{
			name:    "bad log level",
			modify:  func(c *config.Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Upstream.Address = ""
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	require.ErrorContains(t, err, "upstream.address")
	require.ErrorContains(t, err, "logging.level")
}
