package client_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AliRezaBeigy/odoh-target/internal/client"
	"github.com/AliRezaBeigy/odoh-target/internal/config"
	"github.com/AliRezaBeigy/odoh-target/internal/odoh"
	"github.com/AliRezaBeigy/odoh-target/internal/server"
	"github.com/AliRezaBeigy/odoh-target/internal/testutil"
)

type target struct {
	url      string
	rotator  *odoh.Rotator
	upstream *testutil.Upstream
}

func newTarget(t *testing.T, answer string) *target {
	t.Helper()

	upstream := testutil.StartUpstream(t, answer)
	resolver, err := server.NewResolver(upstream.Addr, server.ResolverTypeUDP, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(resolver.Close)

	rotator, err := odoh.NewRotator(odoh.DefaultSuite, zerolog.Nop())
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Limits.RateLimit = 0
	handler := server.NewHandler(cfg, rotator, resolver, nil, zerolog.Nop())
	t.Cleanup(handler.Close)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &target{url: srv.URL, rotator: rotator, upstream: upstream}
}

func newClient(t *testing.T, cfg client.Config) *client.Client {
	t.Helper()
	c, err := client.New(cfg)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		wantErr bool
	}{
		{name: "https", target: "https://odoh.example.net"},
		{name: "http with port", target: "http://127.0.0.1:8443"},
		{name: "no scheme", target: "odoh.example.net", wantErr: true},
		{name: "unsupported scheme", target: "ftp://odoh.example.net", wantErr: true},
		{name: "empty", target: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.New(client.Config{Target: tt.target})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFetchConfig(t *testing.T) {
	tgt := newTarget(t, "192.0.2.1")
	c := newClient(t, client.Config{Target: tgt.url})

	contents, err := c.FetchConfig(context.Background())
	require.NoError(t, err)

	keyID, err := contents.KeyID()
	require.NoError(t, err)
	assert.Equal(t, tgt.rotator.CurrentKey().KeyID(), keyID)
}

func TestLookup(t *testing.T) {
	tgt := newTarget(t, "192.0.2.53")
	c := newClient(t, client.Config{Target: tgt.url, Padding: 128})

	answer, err := c.Lookup(context.Background(), "example.com", dns.TypeA)
	require.NoError(t, err)
	require.Len(t, answer.Answer, 1)

	a, ok := answer.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.53", a.A.String())
	assert.Equal(t, 1, tgt.upstream.Queries())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Queries)
	assert.Equal(t, uint64(1), stats.Successes)
	assert.Zero(t, stats.Failures)
}

func TestExchangeRefetchesStaleConfig(t *testing.T) {
	tgt := newTarget(t, "192.0.2.1")
	c := newClient(t, client.Config{Target: tgt.url})

	_, err := c.FetchConfig(context.Background())
	require.NoError(t, err)
	require.NoError(t, tgt.rotator.Rotate())

	response, err := c.Exchange(context.Background(), testutil.DNSQuery(t, "example.com", dns.TypeA))
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1"}, testutil.AnswerIPs(t, response))
	assert.Equal(t, uint64(1), c.Stats().Refetches)
}

func TestExchangeThroughProxy(t *testing.T) {
	tgt := newTarget(t, "192.0.2.2")
	targetURL, err := url.Parse(tgt.url)
	require.NoError(t, err)

	var gotHost, gotPath string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.URL.Query().Get("targethost")
		gotPath = r.URL.Query().Get("targetpath")

		forward, err := http.NewRequestWithContext(r.Context(), http.MethodPost, "http://"+gotHost+gotPath, r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		forward.Header.Set("Content-Type", r.Header.Get("Content-Type"))
		resp, err := http.DefaultClient.Do(forward)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	defer proxy.Close()

	c := newClient(t, client.Config{Target: tgt.url, Proxy: proxy.URL + "/proxy"})
	answer, err := c.Lookup(context.Background(), "example.com", dns.TypeA)
	require.NoError(t, err)
	require.Len(t, answer.Answer, 1)

	assert.Equal(t, targetURL.Host, gotHost)
	assert.Equal(t, "/dns-query", gotPath)
}

func TestExchangeTargetErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "wrong content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte("hello"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tgt := newTarget(t, "192.0.2.1")
			mux := http.NewServeMux()
			mux.Handle("/.well-known/odohconfigs", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write(tgt.rotator.CurrentKey().Config())
			}))
			mux.Handle("/dns-query", tt.handler)
			srv := httptest.NewServer(mux)
			defer srv.Close()

			c := newClient(t, client.Config{Target: srv.URL})
			_, err := c.Exchange(context.Background(), testutil.DNSQuery(t, "example.com", dns.TypeA))
			assert.ErrorIs(t, err, client.ErrTarget)
			assert.Equal(t, uint64(1), c.Stats().Failures)
		})
	}
}
