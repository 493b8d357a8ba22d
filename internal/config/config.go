package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AliRezaBeigy/odoh-target/internal/odoh"
)

type HTTP struct {
	ListenAddr  string        `koanf:"listen_addr" json:"listen_addr,omitempty"`
	TLSCert     string        `koanf:"tls_cert" json:"tls_cert,omitempty"`
	TLSKey      string        `koanf:"tls_key" json:"tls_key,omitempty"`
	HTTP3       bool          `koanf:"http3" json:"http3,omitempty"`
	QueryPath   string        `koanf:"query_path" json:"query_path,omitempty"`
	ReadTimeout time.Duration `koanf:"read_timeout" json:"read_timeout,omitempty"`
}

// TLSEnabled reports whether both halves of the server certificate are configured.
func (h HTTP) TLSEnabled() bool {
	return h.TLSCert != "" && h.TLSKey != ""
}

func (h HTTP) validate() []error {
	var errs []error
	if _, _, err := net.SplitHostPort(h.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr: %w", err))
	}
	if (h.TLSCert == "") != (h.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if h.HTTP3 && !h.TLSEnabled() {
		errs = append(errs, errors.New("http3: requires tls_cert and tls_key"))
	}
	if !strings.HasPrefix(h.QueryPath, "/") {
		errs = append(errs, fmt.Errorf("query_path: must start with '/', got %q", h.QueryPath))
	}
	if h.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("read_timeout: must be positive, got %s", h.ReadTimeout))
	}
	return errs
}

var httpDefault = HTTP{
	ListenAddr:  ":8443",
	QueryPath:   "/dns-query",
	ReadTimeout: 10 * time.Second,
}

type ODoH struct {
	KeyRotationInterval time.Duration `koanf:"key_rotation_interval" json:"key_rotation_interval,omitempty"`
	AEAD                string        `koanf:"aead" json:"aead,omitempty"`
	ResponsePadding     int           `koanf:"response_padding" json:"response_padding,omitempty"`
}

// Suite returns the HPKE suite selected by AEAD.
func (o ODoH) Suite() (odoh.Suite, error) {
	return odoh.SuiteWithAEAD(o.AEAD)
}

func (o ODoH) validate() []error {
	var errs []error
	if o.KeyRotationInterval < time.Second {
		errs = append(errs, fmt.Errorf("key_rotation_interval: must be at least 1s, got %s", o.KeyRotationInterval))
	}
	if _, err := o.Suite(); err != nil {
		errs = append(errs, fmt.Errorf("aead: %w", err))
	}
	if o.ResponsePadding < 0 || o.ResponsePadding > odoh.MaxMessageSize {
		errs = append(errs, fmt.Errorf("response_padding: invalid block size %d", o.ResponsePadding))
	}
	return errs
}

var odohDefault = ODoH{
	KeyRotationInterval: 24 * time.Hour,
	AEAD:                "aes128gcm",
}

type Upstream struct {
	Address string        `koanf:"address" json:"address,omitempty"`
	Timeout time.Duration `koanf:"timeout" json:"timeout,omitempty"`
}

func (u Upstream) validate() []error {
	var errs []error
	if u.Address == "" {
		errs = append(errs, errors.New("address: cannot be empty"))
	}
	if u.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout: must be positive, got %s", u.Timeout))
	}
	return errs
}

var upstreamDefault = Upstream{
	Address: "9.9.9.9:53",
	Timeout: 5 * time.Second,
}

type Limits struct {
	// RateLimit is the sustained number of queries per second allowed from one client
	// address. Zero disables rate limiting.
	RateLimit     float64 `koanf:"rate_limit" json:"rate_limit,omitempty"`
	Burst         int     `koanf:"burst" json:"burst,omitempty"`
	MaxConcurrent int     `koanf:"max_concurrent" json:"max_concurrent,omitempty"`
}

func (l Limits) validate() []error {
	var errs []error
	if l.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit: cannot be negative, got %v", l.RateLimit))
	}
	if l.RateLimit > 0 && l.Burst < 1 {
		errs = append(errs, fmt.Errorf("burst: must be at least 1 when rate limiting, got %d", l.Burst))
	}
	if l.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent: must be at least 1, got %d", l.MaxConcurrent))
	}
	return errs
}

var limitsDefault = Limits{
	RateLimit:     100,
	Burst:         200,
	MaxConcurrent: 1000,
}

type Metrics struct {
	Enabled bool `koanf:"enabled" json:"enabled"`
}

type Logging struct {
	Level  string `koanf:"level" json:"level,omitempty"`
	Pretty bool   `koanf:"pretty" json:"pretty,omitempty"`
}

func (l Logging) validate() []error {
	var errs []error
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		errs = append(errs, fmt.Errorf("level: invalid log level %q: %w", l.Level, err))
	}
	return errs
}

var loggingDefault = Logging{
	Level: "info",
}

type Config struct {
	HTTP     HTTP     `koanf:"http" json:"http,omitzero"`
	ODoH     ODoH     `koanf:"odoh" json:"odoh,omitzero"`
	Upstream Upstream `koanf:"upstream" json:"upstream,omitzero"`
	Limits   Limits   `koanf:"limits" json:"limits,omitzero"`
	Metrics  Metrics  `koanf:"metrics" json:"metrics,omitzero"`
	Logging  Logging  `koanf:"logging" json:"logging,omitzero"`
}

func (c Config) Validate() error {
	var errs []error
	for _, err := range c.HTTP.validate() {
		errs = append(errs, fmt.Errorf("http.%w", err))
	}
	for _, err := range c.ODoH.validate() {
		errs = append(errs, fmt.Errorf("odoh.%w", err))
	}
	for _, err := range c.Upstream.validate() {
		errs = append(errs, fmt.Errorf("upstream.%w", err))
	}
	for _, err := range c.Limits.validate() {
		errs = append(errs, fmt.Errorf("limits.%w", err))
	}
	for _, err := range c.Logging.validate() {
		errs = append(errs, fmt.Errorf("logging.%w", err))
	}
	return errors.Join(errs...)
}

func DefaultConfig() Config {
	return Config{
		HTTP:     httpDefault,
		ODoH:     odohDefault,
		Upstream: upstreamDefault,
		Limits:   limitsDefault,
		Metrics:  Metrics{Enabled: true},
		Logging:  loggingDefault,
	}
}
