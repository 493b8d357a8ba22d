// Package client is an oblivious DoH client. It fetches a target's configuration,
// encrypts queries under it and sends them to the target directly or through an
// oblivious proxy.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/AliRezaBeigy/odoh-target/internal/odoh"
)

const (
	configsPath          = "/.well-known/odohconfigs"
	obliviousContentType = "application/oblivious-dns-message"
)

var (
	// ErrStaleConfig is returned when the target rejected a query because the
	// configuration it was encrypted under has been rotated away.
	ErrStaleConfig = errors.New("target configuration is stale")
	// ErrTarget covers unexpected HTTP responses from the target or proxy.
	ErrTarget = errors.New("target request failed")
)

// HTTPDoer sends HTTP requests. *http.Client implements it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds client settings.
type Config struct {
	// Target is the base URL of the target, e.g. https://odoh.example.net.
	Target string
	// QueryPath is the target's query endpoint.
	QueryPath string
	// Proxy is the oblivious proxy endpoint. Empty sends queries to the target directly.
	Proxy   string
	Timeout time.Duration
	// Padding pads queries to a multiple of this many bytes. Zero disables padding.
	Padding    int
	HTTPClient HTTPDoer
}

// DefaultConfig returns default client settings.
func DefaultConfig() Config {
	return Config{
		QueryPath: "/dns-query",
		Timeout:   5 * time.Second,
		Padding:   128,
	}
}

// Stats counts exchanges made by a client.
type Stats struct {
	Queries      uint64
	Successes    uint64
	Failures     uint64
	Refetches    uint64
	TotalLatency time.Duration
}

// Client sends oblivious queries to one target.
type Client struct {
	target   *url.URL
	proxy    *url.URL
	path     string
	timeout  time.Duration
	padding  int
	http     HTTPDoer
	mu       sync.Mutex
	contents *odoh.ConfigContents

	queries   atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
	refetches atomic.Uint64
	latency   atomic.Int64
}

// New creates a client for cfg.Target.
func New(cfg Config) (*Client, error) {
	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target url: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("invalid target url %q", cfg.Target)
	}

	c := &Client{
		target:  target,
		path:    cfg.QueryPath,
		timeout: cfg.Timeout,
		padding: cfg.Padding,
		http:    cfg.HTTPClient,
	}
	if c.path == "" {
		c.path = DefaultConfig().QueryPath
	}
	if c.timeout <= 0 {
		c.timeout = DefaultConfig().Timeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if cfg.Proxy != "" {
		proxy, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		c.proxy = proxy
	}
	return c, nil
}

// FetchConfig downloads the target's configuration and caches the first supported one.
func (c *Client) FetchConfig(ctx context.Context) (odoh.ConfigContents, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.target.JoinPath(configsPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return odoh.ConfigContents{}, fmt.Errorf("failed to create request: %w", err)
	}
	body, err := c.do(req, "")
	if err != nil {
		return odoh.ConfigContents{}, err
	}

	configs, err := odoh.ParseConfigs(body)
	if err != nil {
		return odoh.ConfigContents{}, err
	}
	contents := configs.Configs[0].Contents

	c.mu.Lock()
	c.contents = &contents
	c.mu.Unlock()
	return contents, nil
}

func (c *Client) config(ctx context.Context) (odoh.ConfigContents, error) {
	c.mu.Lock()
	contents := c.contents
	c.mu.Unlock()
	if contents != nil {
		return *contents, nil
	}
	return c.FetchConfig(ctx)
}

// Exchange sends a packed DNS query and returns the packed DNS response. A stale
// configuration is refetched once and the query retried.
func (c *Client) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	start := time.Now()
	c.queries.Add(1)

	response, err := c.exchange(ctx, query)
	if errors.Is(err, ErrStaleConfig) {
		c.refetches.Add(1)
		if _, err = c.FetchConfig(ctx); err == nil {
			response, err = c.exchange(ctx, query)
		}
	}

	c.latency.Add(int64(time.Since(start)))
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}
	c.successes.Add(1)
	return response, nil
}

func (c *Client) exchange(ctx context.Context, query []byte) ([]byte, error) {
	contents, err := c.config(ctx)
	if err != nil {
		return nil, err
	}
	encrypted, cctx, err := odoh.EncryptQuery(contents, query, c.padding)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.queryURL(), bytes.NewReader(encrypted))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", obliviousContentType)
	req.Header.Set("Accept", obliviousContentType)

	body, err := c.do(req, obliviousContentType)
	if err != nil {
		return nil, err
	}
	return cctx.OpenResponse(body)
}

// queryURL addresses the target directly, or the proxy with the target named in the
// targethost and targetpath parameters.
func (c *Client) queryURL() string {
	if c.proxy == nil {
		return c.target.JoinPath(c.path).String()
	}
	u := *c.proxy
	q := u.Query()
	q.Set("targethost", c.target.Host)
	q.Set("targetpath", c.path)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(req *http.Request, wantType string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTarget, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrStaleConfig
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s %s: status %d", ErrTarget, req.Method, req.URL.Path, resp.StatusCode)
	}
	if wantType != "" {
		mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if err != nil || mediaType != wantType {
			return nil, fmt.Errorf("%w: unexpected content type %q", ErrTarget, resp.Header.Get("Content-Type"))
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, dns.MaxMsgSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTarget, err)
	}
	if len(body) > dns.MaxMsgSize {
		return nil, fmt.Errorf("%w: response too large", ErrTarget)
	}
	return body, nil
}

// Lookup resolves name for qtype.
func (c *Client) Lookup(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	// The ID carries no information over ODoH.
	msg.Id = 0
	query, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack query: %w", err)
	}

	response, err := c.Exchange(ctx, query)
	if err != nil {
		return nil, err
	}
	answer := new(dns.Msg)
	if err := answer.Unpack(response); err != nil {
		return nil, fmt.Errorf("failed to unpack response: %w", err)
	}
	return answer, nil
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		Queries:      c.queries.Load(),
		Successes:    c.successes.Load(),
		Failures:     c.failures.Load(),
		Refetches:    c.refetches.Load(),
		TotalLatency: time.Duration(c.latency.Load()),
	}
}
