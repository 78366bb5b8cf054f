// Package client holds the upstream HTTP clients: one for the Anthropic
// Messages endpoint, one for user-declared OpenAI-compatible providers.
package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// Timeout budgets. Connect is short, unary requests get minutes, streams
// get much longer plus a separate between-chunk idle budget enforced by
// idleTimeoutBody.
const (
	ConnectTimeout   = 10 * time.Second
	UnaryTimeout     = 5 * time.Minute
	StreamTimeout    = 30 * time.Minute
	StreamIdleWindow = 90 * time.Second
)

// HTTPError carries a non-2xx upstream response verbatim so the HTTP
// surface can decide how to shape it for the client.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	body := string(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, strings.TrimSpace(body))
}

// TransportPool caches one transport per proxy configuration so
// connection pools survive across requests.
type TransportPool struct {
	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewTransportPool creates an empty transport pool.
func NewTransportPool() *TransportPool {
	return &TransportPool{transports: make(map[string]*http.Transport)}
}

// Get returns the pooled transport for proxyURL, building it on first
// use. An empty proxyURL yields the direct transport.
func (p *TransportPool) Get(proxyURL string) (*http.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.transports[proxyURL]; ok {
		return t, nil
	}
	t, err := newTransport(proxyURL)
	if err != nil {
		return nil, err
	}
	p.transports[proxyURL] = t
	return t, nil
}

func newTransport(proxyURL string) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	if proxyURL == "" {
		return transport, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
	}

	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, socks5Auth(parsed), proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}

	return transport, nil
}

func socks5Auth(u *url.URL) *proxy.Auth {
	if u.User == nil {
		return nil
	}
	password, _ := u.User.Password()
	return &proxy.Auth{User: u.User.Username(), Password: password}
}
