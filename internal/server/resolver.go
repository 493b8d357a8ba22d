package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/AliRezaBeigy/odoh-target/internal/odoh"
)

// ErrUpstream marks failures to obtain an answer from the upstream resolver.
var ErrUpstream = errors.New("upstream resolution failed")

// ResolverType represents the type of upstream resolver.
type ResolverType string

const (
	ResolverTypeUDP ResolverType = "udp"
	ResolverTypeTCP ResolverType = "tcp"
	ResolverTypeDoH ResolverType = "doh"
	ResolverTypeDoT ResolverType = "dot"
)

const dnsMessageContentType = "application/dns-message"

// Resolver answers plaintext DNS queries.
type Resolver interface {
	Resolve(ctx context.Context, query []byte) ([]byte, error)
}

// HTTPClient is the subset of *http.Client used for DoH upstreams.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// UpstreamResolver forwards queries to a single upstream server.
type UpstreamResolver struct {
	upstream     string
	resolverType ResolverType
	timeout      time.Duration

	// udp, tcp and dot
	client    *dns.Client
	tcpClient *dns.Client
	dotPool   *connPool

	// doh
	httpClient HTTPClient
}

// NewResolver creates a resolver for upstream of the given type.
func NewResolver(upstream string, resolverType ResolverType, timeout time.Duration) (*UpstreamResolver, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &UpstreamResolver{
		upstream:     upstream,
		resolverType: resolverType,
		timeout:      timeout,
	}

	switch r.resolverType {
	case ResolverTypeUDP:
		r.client = &dns.Client{Net: "udp", Timeout: timeout, UDPSize: dns.DefaultMsgSize}
		r.tcpClient = &dns.Client{Net: "tcp", Timeout: timeout}

	case ResolverTypeTCP:
		r.client = &dns.Client{Net: "tcp", Timeout: timeout}

	case ResolverTypeDoH:
		r.httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     60 * time.Second,
			},
		}

	case ResolverTypeDoT:
		host, _, err := net.SplitHostPort(upstream)
		if err != nil {
			host = upstream
			r.upstream = net.JoinHostPort(host, "853")
		}
		r.client = &dns.Client{
			Net:     "tcp-tls",
			Timeout: timeout,
			TLSConfig: &tls.Config{
				ServerName: host,
				MinVersion: tls.VersionTLS12,
			},
		}
		r.dotPool = newConnPool(10)

	default:
		return nil, fmt.Errorf("unknown resolver type: %s", resolverType)
	}

	return r, nil
}

// WithHTTPClient replaces the client used for DoH upstreams.
func (r *UpstreamResolver) WithHTTPClient(client HTTPClient) *UpstreamResolver {
	r.httpClient = client
	return r
}

// Resolve sends query upstream and returns the packed answer. A query that is not a DNS
// message fails with odoh.ErrInvalidMessage; anything else that goes wrong is ErrUpstream.
func (r *UpstreamResolver) Resolve(ctx context.Context, query []byte) ([]byte, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(query); err != nil {
		return nil, fmt.Errorf("%w: query is not a dns message: %v", odoh.ErrInvalidMessage, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		resp *dns.Msg
		err  error
	)
	switch r.resolverType {
	case ResolverTypeUDP:
		resp, err = r.resolveUDP(ctx, msg)
	case ResolverTypeTCP:
		resp, _, err = r.client.ExchangeContext(ctx, msg, r.upstream)
	case ResolverTypeDoH:
		resp, err = r.resolveDoH(ctx, query)
	case ResolverTypeDoT:
		resp, err = r.resolveDoT(ctx, msg)
	default:
		err = fmt.Errorf("unknown resolver type: %s", r.resolverType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUpstream, r.resolverType, r.upstream, err)
	}

	// Ensure response ID matches query
	resp.Id = msg.Id

	packed, err := resp.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to pack response: %v", ErrUpstream, err)
	}
	return packed, nil
}

// resolveUDP retries over TCP when the UDP answer is truncated.
func (r *UpstreamResolver) resolveUDP(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	resp, _, err := r.client.ExchangeContext(ctx, msg, r.upstream)
	if err != nil {
		return nil, err
	}
	if !resp.Truncated {
		return resp, nil
	}

	resp, _, err = r.tcpClient.ExchangeContext(ctx, msg, r.upstream)
	return resp, err
}

func (r *UpstreamResolver) resolveDoH(ctx context.Context, query []byte) (*dns.Msg, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.upstream, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", dnsMessageContentType)
	req.Header.Set("Accept", dnsMessageContentType)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("DoH request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH returned status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != dnsMessageContentType {
		return nil, fmt.Errorf("DoH returned content type %q", ct)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	answer := new(dns.Msg)
	if err := answer.Unpack(raw); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return answer, nil
}

// resolveDoT prefers a pooled connection. The upstream may have closed it while idle, so a
// failure on a pooled connection is retried once on a fresh one.
func (r *UpstreamResolver) resolveDoT(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	if conn := r.dotPool.get(); conn != nil {
		resp, err := r.exchangeDoT(ctx, msg, conn)
		if err == nil || ctx.Err() != nil {
			return resp, err
		}
	}

	conn, err := r.client.DialContext(ctx, r.upstream)
	if err != nil {
		return nil, fmt.Errorf("failed to get DoT connection: %w", err)
	}
	return r.exchangeDoT(ctx, msg, conn)
}

// exchangeDoT returns conn to the pool on success and closes it otherwise.
func (r *UpstreamResolver) exchangeDoT(ctx context.Context, msg *dns.Msg, conn *dns.Conn) (*dns.Msg, error) {
	resp, _, err := r.client.ExchangeWithConnContext(ctx, msg, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r.dotPool.put(conn)
	return resp, nil
}

// Close releases pooled upstream connections.
func (r *UpstreamResolver) Close() {
	if r.dotPool != nil {
		r.dotPool.close()
	}
}

// connPool keeps idle DoT connections for reuse.
type connPool struct {
	conns   []*dns.Conn
	mu      sync.Mutex
	maxSize int
}

func newConnPool(maxSize int) *connPool {
	return &connPool{
		maxSize: maxSize,
	}
}

func (p *connPool) get() *dns.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) == 0 {
		return nil
	}

	conn := p.conns[len(p.conns)-1]
	p.conns = p.conns[:len(p.conns)-1]
	return conn
}

func (p *connPool) put(conn *dns.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) >= p.maxSize {
		conn.Close()
		return
	}

	p.conns = append(p.conns, conn)
}

func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range p.conns {
		conn.Close()
	}
	p.conns = nil
}

// ParseUpstreamConfig parses an upstream resolver configuration string.
// Formats:
// - "9.9.9.9:53" or "9.9.9.9" (UDP DNS)
// - "tcp://9.9.9.9:53" (DNS over TCP)
// - "https://dns.quad9.net/dns-query" (DoH)
// - "dns.quad9.net:853" (DoT)
func ParseUpstreamConfig(config string) (upstream string, resolverType ResolverType, err error) {
	config = strings.TrimSpace(config)
	if config == "" {
		return "", "", errors.New("empty upstream")
	}

	if strings.HasPrefix(config, "https://") {
		return config, ResolverTypeDoH, nil
	}

	if strings.HasSuffix(config, ":853") {
		return config, ResolverTypeDoT, nil
	}

	resolverType = ResolverTypeUDP
	if rest, ok := strings.CutPrefix(config, "tcp://"); ok {
		config = rest
		resolverType = ResolverTypeTCP
	}

	if _, _, err := net.SplitHostPort(config); err != nil {
		config = net.JoinHostPort(strings.Trim(config, "[]"), "53")
	}
	return config, resolverType, nil
}
