package pool

import (
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/blogvault/archive-worker/internal/observability"
)

const (
	sessionTimeout   = 20 * time.Second
	sessionConns     = 30
	sessionUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:65.0) Gecko/20100101 Firefox/65.0"
)

// Session is the pool's replaceable HTTP identity. The transport — the
// connection pool — is owned by the Session and survives rebuilds; only the
// client and its cookie jar are replaced, which is what sheds the
// soft-block state the platform attaches to a throttled session.
type Session struct {
	transport http.RoundTripper

	mu     sync.Mutex
	client *http.Client
}

// NewSession creates a session with a fresh transport sized for the pool.
func NewSession() *Session {
	base := &http.Transport{
		MaxIdleConns:        sessionConns,
		MaxIdleConnsPerHost: sessionConns,
		MaxConnsPerHost:     sessionConns,
		IdleConnTimeout:     90 * time.Second,
	}
	s := &Session{
		transport: observability.WrapTransport(&headerTransport{base: base}),
	}
	s.Rebuild()
	return s
}

// Client returns the current HTTP client.
func (s *Session) Client() *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Rebuild replaces the client with a fresh one over the same transport.
// Safe to call concurrently with Client; in-flight requests finish on the
// old client.
func (s *Session) Rebuild() {
	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Transport: s.transport,
		Timeout:   sessionTimeout,
		Jar:       jar,
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
}

// headerTransport stamps the fixed desktop User-Agent on every request.
type headerTransport struct {
	base http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", sessionUserAgent)
	}
	return t.base.RoundTrip(req)
}
