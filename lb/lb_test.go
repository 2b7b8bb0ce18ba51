package lb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l.WithField("component", "lb_test")
}

type staticResolver struct {
	hosts []string
}

func (r staticResolver) LookupHost(_ context.Context, _ string) ([]string, error) {
	return r.hosts, nil
}

func TestPoolRoundRobinCyclesResolvedAddresses(t *testing.T) {
	p, err := NewPool("http://backend:9000", time.Minute, testLog())
	require.NoError(t, err)
	p.resolver = staticResolver{hosts: []string{"10.0.0.1", "10.0.0.2"}}
	p.refresh(context.Background())

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		seen[p.Next()]++
	}
	assert.Equal(t, 2, seen["10.0.0.1:9000"])
	assert.Equal(t, 2, seen["10.0.0.2:9000"])
}

func TestPoolEmptyUntilResolved(t *testing.T) {
	p, err := NewPool("http://backend:9000", time.Minute, testLog())
	require.NoError(t, err)
	assert.Equal(t, "", p.Next())
}

func TestProxyRejectsOverBurstWithRetryAfter(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	p, err := NewPool(upstream.URL, time.Minute, testLog())
	require.NoError(t, err)
	p.resolver = staticResolver{hosts: []string{u.Hostname()}}
	p.refresh(context.Background())

	// A negligible refill rate with burst 2: two tokens, then refusal.
	proxy := NewProxy(p, "http", 0.0001, 2, testLog())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestProxyNoBackendsIs503(t *testing.T) {
	p, err := NewPool("http://backend:9000", time.Minute, testLog())
	require.NoError(t, err)
	proxy := NewProxy(p, "http", 100, 100, testLog())

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
