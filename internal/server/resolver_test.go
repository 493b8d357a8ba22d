package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/AliRezaBeigy/odoh-target/internal/odoh"
	"github.com/AliRezaBeigy/odoh-target/internal/testutil"
)

func TestParseUpstreamConfig(t *testing.T) {
	tests := []struct {
		name         string
		config       string
		wantUpstream string
		wantType     ResolverType
		wantErr      bool
	}{
		{
			name:         "UDP DNS with port",
			config:       "9.9.9.9:53",
			wantUpstream: "9.9.9.9:53",
			wantType:     ResolverTypeUDP,
		},
		{
			name:         "UDP DNS without port",
			config:       "9.9.9.9",
			wantUpstream: "9.9.9.9:53",
			wantType:     ResolverTypeUDP,
		},
		{
			name:         "IPv6 without port",
			config:       "2620:fe::fe",
			wantUpstream: "[2620:fe::fe]:53",
			wantType:     ResolverTypeUDP,
		},
		{
			name:         "TCP",
			config:       "tcp://9.9.9.9:53",
			wantUpstream: "9.9.9.9:53",
			wantType:     ResolverTypeTCP,
		},
		{
			name:         "TCP without port",
			config:       "tcp://9.9.9.9",
			wantUpstream: "9.9.9.9:53",
			wantType:     ResolverTypeTCP,
		},
		{
			name:         "DoH URL",
			config:       "https://dns.quad9.net/dns-query",
			wantUpstream: "https://dns.quad9.net/dns-query",
			wantType:     ResolverTypeDoH,
		},
		{
			name:         "DoT with port",
			config:       "dns.quad9.net:853",
			wantUpstream: "dns.quad9.net:853",
			wantType:     ResolverTypeDoT,
		},
		{
			name:         "DoT without port defaults to UDP",
			config:       "dns.quad9.net",
			wantUpstream: "dns.quad9.net:53",
			wantType:     ResolverTypeUDP,
		},
		{
			name:    "empty",
			config:  "  ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream, resolverType, err := ParseUpstreamConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseUpstreamConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}

			if upstream != tt.wantUpstream {
				t.Errorf("Upstream: got %q, want %q", upstream, tt.wantUpstream)
			}

			if resolverType != tt.wantType {
				t.Errorf("Type: got %q, want %q", resolverType, tt.wantType)
			}
		})
	}
}

func TestNewResolver(t *testing.T) {
	tests := []struct {
		name         string
		upstream     string
		resolverType ResolverType
		wantUpstream string
		wantErr      bool
	}{
		{
			name:         "UDP resolver",
			upstream:     "9.9.9.9:53",
			resolverType: ResolverTypeUDP,
			wantUpstream: "9.9.9.9:53",
		},
		{
			name:         "TCP resolver",
			upstream:     "9.9.9.9:53",
			resolverType: ResolverTypeTCP,
			wantUpstream: "9.9.9.9:53",
		},
		{
			name:         "DoH resolver",
			upstream:     "https://dns.quad9.net/dns-query",
			resolverType: ResolverTypeDoH,
			wantUpstream: "https://dns.quad9.net/dns-query",
		},
		{
			name:         "DoT resolver",
			upstream:     "dns.quad9.net:853",
			resolverType: ResolverTypeDoT,
			wantUpstream: "dns.quad9.net:853",
		},
		{
			name:         "DoT resolver without port",
			upstream:     "dns.quad9.net",
			resolverType: ResolverTypeDoT,
			wantUpstream: "dns.quad9.net:853",
		},
		{
			name:         "invalid type",
			upstream:     "9.9.9.9:53",
			resolverType: "invalid",
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, err := NewResolver(tt.upstream, tt.resolverType, time.Second)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewResolver() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}

			if resolver == nil {
				t.Error("Resolver is nil")
				return
			}

			if resolver.upstream != tt.wantUpstream {
				t.Errorf("Upstream: got %q, want %q", resolver.upstream, tt.wantUpstream)
			}

			resolver.Close()
		})
	}
}

func TestResolveUDP(t *testing.T) {
	upstream := testutil.StartUpstream(t, "192.0.2.10")

	resolver, err := NewResolver(upstream.Addr, ResolverTypeUDP, 2*time.Second)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	defer resolver.Close()

	query := testutil.DNSQuery(t, "example.com", dns.TypeA)
	answer, err := resolver.Resolve(context.Background(), query)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	ips := testutil.AnswerIPs(t, answer)
	if len(ips) != 1 || ips[0] != "192.0.2.10" {
		t.Errorf("Answer: got %v, want [192.0.2.10]", ips)
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(answer); err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	req := new(dns.Msg)
	_ = req.Unpack(query)
	if msg.Id != req.Id {
		t.Errorf("ID: got %d, want %d", msg.Id, req.Id)
	}

	if upstream.Queries() != 1 {
		t.Errorf("Upstream queries: got %d, want 1", upstream.Queries())
	}
}

func TestResolveRejectsNonDNS(t *testing.T) {
	resolver, err := NewResolver("127.0.0.1:53", ResolverTypeUDP, time.Second)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	_, err = resolver.Resolve(context.Background(), []byte("not dns"))
	if !odoh.IsInvalidMessage(err) {
		t.Errorf("Resolve() error = %v, want invalid message", err)
	}
}

func TestResolveUpstreamFailure(t *testing.T) {
	resolver, err := NewResolver("https://upstream.invalid/dns-query", ResolverTypeDoH, time.Second)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	resolver.WithHTTPClient(funcClient(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}))

	_, err = resolver.Resolve(context.Background(), testutil.DNSQuery(t, "example.com", dns.TypeA))
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("Resolve() error = %v, want ErrUpstream", err)
	}
}

type funcClient func(req *http.Request) (*http.Response, error)

func (f funcClient) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestResolveDoH(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != dnsMessageContentType {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		query, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", dnsMessageContentType)
		_, _ = w.Write(testutil.DNSResponse(t, query, "192.0.2.20"))
	}))
	defer srv.Close()

	resolver, err := NewResolver(srv.URL, ResolverTypeDoH, 2*time.Second)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	answer, err := resolver.Resolve(context.Background(), testutil.DNSQuery(t, "example.com", dns.TypeA))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	ips := testutil.AnswerIPs(t, answer)
	if len(ips) != 1 || ips[0] != "192.0.2.20" {
		t.Errorf("Answer: got %v, want [192.0.2.20]", ips)
	}
}

func TestResolveDoHBadResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		},
		{
			name: "content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte("hello"))
			},
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", dnsMessageContentType)
				_, _ = w.Write([]byte{1, 2, 3})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			resolver, err := NewResolver(srv.URL, ResolverTypeDoH, 2*time.Second)
			if err != nil {
				t.Fatalf("NewResolver() error = %v", err)
			}

			_, err = resolver.Resolve(context.Background(), testutil.DNSQuery(t, "example.com", dns.TypeA))
			if !errors.Is(err, ErrUpstream) {
				t.Errorf("Resolve() error = %v, want ErrUpstream", err)
			}
		})
	}
}

func TestConnPool(t *testing.T) {
	pool := newConnPool(1)

	// Pool should start empty
	if pool.get() != nil {
		t.Error("Pool should start empty")
	}

	upstream := testutil.StartUpstream(t, "192.0.2.30")
	conn1, err := dns.Dial("udp", upstream.Addr)
	if err != nil {
		t.Skipf("Cannot create test connection: %v", err)
	}
	conn2, err := dns.Dial("udp", upstream.Addr)
	if err != nil {
		t.Skipf("Cannot create test connection: %v", err)
	}

	pool.put(conn1)
	// Over capacity: closed instead of pooled.
	pool.put(conn2)

	if retrieved := pool.get(); retrieved != conn1 {
		t.Error("Should get the pooled connection back")
	}
	if pool.get() != nil {
		t.Error("Pool should be empty")
	}

	pool.put(conn1)
	pool.close()
	if pool.get() != nil {
		t.Error("Closed pool should be empty")
	}
}

func TestResolveDoTRedialsStalePooledConn(t *testing.T) {
	upstream := testutil.StartUpstream(t, "192.0.2.40")

	resolver, err := NewResolver(upstream.Addr, ResolverTypeDoT, 2*time.Second)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	defer resolver.Close()
	// Plain DNS stands in for TLS; only the pooling behaviour is under test.
	resolver.client = &dns.Client{Net: "udp", Timeout: 2 * time.Second}

	stale, err := dns.Dial("udp", upstream.Addr)
	if err != nil {
		t.Skipf("Cannot create test connection: %v", err)
	}
	stale.Close()
	resolver.dotPool.put(stale)

	answer, err := resolver.Resolve(context.Background(), testutil.DNSQuery(t, "example.com", dns.TypeA))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	ips := testutil.AnswerIPs(t, answer)
	if len(ips) != 1 || ips[0] != "192.0.2.40" {
		t.Errorf("Answer: got %v, want [192.0.2.40]", ips)
	}

	// The fresh connection replaced the stale one in the pool.
	if conn := resolver.dotPool.get(); conn == nil || conn == stale {
		t.Error("Pool should hold the redialed connection")
	}
}
