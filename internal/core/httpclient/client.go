// Package httpclient configures the HTTP client used to call remote feature services.
package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Options struct {
	Timeout time.Duration
	// RPS caps requests per second per upstream host; 0 disables limiting.
	RPS   float64
	Burst int
}

// NewOutbound creates the outbound client shared by probes and page fetches.
func NewOutbound(opts Options) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	var rt http.RoundTripper = transport
	if opts.RPS > 0 {
		rt = NewRateLimited(transport, opts.RPS, opts.Burst)
	}
	return &http.Client{
		Transport: rt,
		Timeout:   timeout,
	}
}

// RateLimited waits on a per-host token bucket before each request.
type RateLimited struct {
	next  http.RoundTripper
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimited(next http.RoundTripper, rps float64, burst int) *RateLimited {
	if next == nil {
		next = http.DefaultTransport
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		next:     next,
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *RateLimited) limiter(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[host]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[host] = l
	}
	return l
}

func (t *RateLimited) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter(req.URL.Host).Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", req.URL.Host, err)
	}
	return t.next.RoundTrip(req)
}
