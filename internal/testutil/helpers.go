// Package testutil provides testing utilities.
package testutil

import (
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// DNSQuery builds a packed DNS query for name and qtype.
func DNSQuery(t testing.TB, name string, qtype uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	raw, err := msg.Pack()
	require.NoError(t, err)
	return raw
}

// DNSResponse builds a packed answer to query with a single A record.
func DNSResponse(t testing.TB, query []byte, ip string) []byte {
	t.Helper()
	req := new(dns.Msg)
	require.NoError(t, req.Unpack(query))
	raw, err := answerA(req, ip).Pack()
	require.NoError(t, err)
	return raw
}

// AnswerIPs unpacks a DNS response and returns the addresses of its A records.
func AnswerIPs(t testing.TB, response []byte) []string {
	t.Helper()
	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(response))
	var ips []string
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips
}

func answerA(req *dns.Msg, ip string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	if len(req.Question) == 0 {
		return resp
	}
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{
			Name:   req.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    300,
		},
		A: net.ParseIP(ip),
	}}
	return resp
}

// RandomBytes generates random bytes of the specified length.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// Upstream is a local DNS server answering every A query with a fixed address.
type Upstream struct {
	Addr string
	IP   string

	mu      sync.Mutex
	queries int
	server  *dns.Server
}

// Queries returns how many queries the upstream has answered.
func (u *Upstream) Queries() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.queries
}

// StartUpstream starts a UDP DNS server on a random local port. It is shut down when the
// test ends.
func StartUpstream(t testing.TB, ip string) *Upstream {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	u := &Upstream{Addr: conn.LocalAddr().String(), IP: ip}
	started := make(chan struct{})
	u.server = &dns.Server{
		PacketConn: conn,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			u.mu.Lock()
			u.queries++
			u.mu.Unlock()
			_ = w.WriteMsg(answerA(req, ip))
		}),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() {
		_ = u.server.ActivateAndServe()
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream dns server did not start")
	}
	t.Cleanup(func() {
		_ = u.server.Shutdown()
	})

	return u
}

// WaitForCondition waits for a condition to become true.
func WaitForCondition(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
