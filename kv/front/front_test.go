package front

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dronefleet/control/kv"
	"github.com/dronefleet/control/kv/backend"
	"github.com/dronefleet/control/kv/client"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l.WithField("component", "front_test")
}

// newBackendServer spins up a real backend.Backend behind a real
// net/http/httptest server, so the coordinator tests below exercise the
// full HTTP client/server surface, not a mock.
func newBackendServer(t *testing.T) *httptest.Server {
	t.Helper()
	b, err := backend.Open(backend.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	srv := backend.NewServer(b, testLog())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func newCoordinator(t *testing.T, rf int, backends ...*httptest.Server) *Coordinator {
	t.Helper()
	urls := make([]string, len(backends))
	for i, b := range backends {
		urls[i] = b.URL
	}
	return New(Config{Backends: urls, RF: rf, ReadRepair: true, HTTPTimeout: 3 * time.Second}, testLog())
}

func TestPutThenGetRoundTrips(t *testing.T) {
	b1, b2 := newBackendServer(t), newBackendServer(t)
	c := newCoordinator(t, 2, b1, b2)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "delivery:1", json.RawMessage(`{"status":"pending"}`)))

	data, found, err := c.Get(ctx, "delivery:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"status":"pending"}`, string(data))
}

func TestGetMissingKeyIsNotFoundNotError(t *testing.T) {
	b1 := newBackendServer(t)
	c := newCoordinator(t, 1, b1)
	_, found, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCASSucceedsAndReplicatesToSecondary(t *testing.T) {
	b1, b2 := newBackendServer(t), newBackendServer(t)
	c := newCoordinator(t, 2, b1, b2)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "drone:1", json.RawMessage(`{"status":"idle"}`)))

	ok, _, err := c.CAS(ctx, "drone:1", json.RawMessage(`{"status":"idle"}`), json.RawMessage(`{"status":"busy"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	data, found, err := c.Get(ctx, "drone:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"status":"busy"}`, string(data))
}

func TestCASFailsOnStaleOldValue(t *testing.T) {
	b1 := newBackendServer(t)
	c := newCoordinator(t, 1, b1)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "drone:1", json.RawMessage(`{"status":"idle"}`)))

	ok, current, err := c.CAS(ctx, "drone:1", json.RawMessage(`{"status":"busy"}`), json.RawMessage(`{"status":"charging"}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.JSONEq(t, `{"status":"idle"}`, string(current))
}

func TestCASCreatesWhenKeyAbsent(t *testing.T) {
	b1 := newBackendServer(t)
	c := newCoordinator(t, 1, b1)
	ctx := context.Background()

	ok, _, err := c.CAS(ctx, "new:1", nil, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	assert.True(t, ok)

	data, found, err := c.Get(ctx, "new:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"v":1}`, string(data))
}

func TestLockAcquireAndReleaseProxyToPrimary(t *testing.T) {
	b1 := newBackendServer(t)
	c := newCoordinator(t, 1, b1)
	ctx := context.Background()

	ok, err := c.LockAcquire(ctx, "delivery:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.LockAcquire(ctx, "delivery:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second acquire before release must fail")

	require.NoError(t, c.LockRelease(ctx, "delivery:1"))

	ok, err = c.LockAcquire(ctx, "delivery:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllKeysDedupsAcrossReplicas(t *testing.T) {
	b1, b2 := newBackendServer(t), newBackendServer(t)
	c := newCoordinator(t, 2, b1, b2)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "drone:1", json.RawMessage(`{}`)))
	require.NoError(t, c.Put(ctx, "drone:2", json.RawMessage(`{}`)))

	keys, err := c.AllKeys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"drone:1", "drone:2"}, keys)
}

func TestPutWithNoBackendsConfigured(t *testing.T) {
	c := New(Config{}, testLog())
	err := c.Put(context.Background(), "k", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoBackends)
}

// flakyBackend fronts a real backend server and can be flipped down to
// simulate a replica outage without changing its URL.
type flakyBackend struct {
	down  atomic.Bool
	inner http.Handler
}

func (f *flakyBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.down.Load() {
		http.Error(w, "replica down", http.StatusInternalServerError)
		return
	}
	f.inner.ServeHTTP(w, r)
}

func newFlakyBackendServer(t *testing.T) (*httptest.Server, *flakyBackend) {
	t.Helper()
	b, err := backend.Open(backend.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	f := &flakyBackend{inner: backend.NewServer(b, testLog()).Router()}
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)
	return ts, f
}

// directGet reads a replica's raw stored value, bypassing the
// coordinator, and unwraps the LWW envelope.
func directGet(t *testing.T, backendURL, key string) (json.RawMessage, bool) {
	t.Helper()
	raw, err := client.New(backendURL, 3*time.Second).Get(context.Background(), key)
	if err == client.ErrNotFound {
		return nil, false
	}
	require.NoError(t, err)
	_, data := kv.Unwrap(raw)
	return data, true
}

func TestHintedHandoffDrainsWhenReplicaReturns(t *testing.T) {
	b1 := newBackendServer(t)
	b2, flaky := newFlakyBackendServer(t)
	c := newCoordinator(t, 2, b1, b2)
	ctx := context.Background()

	flaky.down.Store(true)
	require.NoError(t, c.Put(ctx, "k", json.RawMessage(`"v1"`)), "sloppy quorum: one live replica is enough")

	data, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `"v1"`, string(data))

	// Bring the replica back first: while down it answers every request
	// with 500, so it can only be inspected once it is up again.
	flaky.down.Store(false)
	_, found = directGet(t, b2.URL, "k")
	require.False(t, found, "down replica must have missed the write")

	c.FlushHints(ctx)

	data, found = directGet(t, b2.URL, "k")
	require.True(t, found, "hint flush must replay the buffered write")
	assert.JSONEq(t, `"v1"`, string(data))
}

func TestReadRepairRestoresStaleReplica(t *testing.T) {
	b1, flaky := newFlakyBackendServer(t)
	b2 := newBackendServer(t)
	c := newCoordinator(t, 2, b1, b2)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", json.RawMessage(`"v1"`)))

	// b1 misses v2; only b2 has the newer timestamp now.
	flaky.down.Store(true)
	require.NoError(t, c.Put(ctx, "k", json.RawMessage(`"v2"`)))
	flaky.down.Store(false)

	data, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `"v2"`, string(data), "LWW must pick the fresher replica")

	// Read-repair is fire-and-forget; poll the stale replica directly.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if got, ok := directGet(t, b1.URL, "k"); ok && string(got) == `"v2"` {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("read-repair never restored the stale replica")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGetFailsWhenEveryReplicaErrors(t *testing.T) {
	b1, flaky := newFlakyBackendServer(t)
	c := newCoordinator(t, 1, b1)
	flaky.down.Store(true)

	_, _, err := c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrReadFailed, "an unreachable replica set is not the same as a missing key")
}
