package httpclient

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimitTransport waits on a per-host rate.Limiter before each request.
// The wait honors the request context.
type hostLimitTransport struct {
	base  http.RoundTripper
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHostLimitTransport(base http.RoundTripper, perSecond float64, burst int) *hostLimitTransport {
	if burst < 1 {
		burst = 1
	}
	return &hostLimitTransport{
		base:     base,
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *hostLimitTransport) limiter(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[host]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[host] = l
	}
	return l
}

// RoundTrip implements http.RoundTripper.
func (t *hostLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter(req.URL.Host).Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}
