package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dronefleet/control/dispatch"
	"github.com/dronefleet/control/kv/backend"
	"github.com/dronefleet/control/kv/front"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l.WithField("component", "gateway_test")
}

func newTestGateway(t *testing.T) (*Gateway, *dispatch.Store) {
	t.Helper()
	log := testLog()

	b, err := backend.Open(backend.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	backendSrv := httptest.NewServer(backend.NewServer(b, log).Router())
	t.Cleanup(backendSrv.Close)

	coord := front.New(front.Config{
		Backends: []string{backendSrv.URL}, RF: 1, HTTPTimeout: 3 * time.Second,
	}, log)
	frontSrv := httptest.NewServer(front.NewServer(coord, log).Router())
	t.Cleanup(frontSrv.Close)

	store := dispatch.NewStore(frontSrv.URL, 3*time.Second, log)
	rect := Rect{LatMin: 41.80, LatMax: 41.98, LonMin: 12.37, LonMax: 12.60}
	return New(store, nil, rect, 2, 2, log), store
}

func postDelivery(t *testing.T, h http.Handler, idemKey string) (int, map[string]any) {
	t.Helper()
	body := `{"origin":{"lat":41.90,"lon":12.49},"destination":{"lat":41.92,"lon":12.51},"weight":1.5}`
	req := httptest.NewRequest(http.MethodPost, "/deliveries", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func TestCreateDeliveryReturnsPendingDocument(t *testing.T) {
	gw, store := newTestGateway(t)
	h := gw.Router()

	code, out := postDelivery(t, h, "")
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "pending", out["status"])
	assert.Nil(t, out["drone_id"])

	id := out["id"].(string)
	var del dispatch.Delivery
	_, found, err := store.GetJSON(context.Background(), "delivery:"+id, &del)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, dispatch.StatusPending, del.Status)
	assert.Equal(t, 1.5, del.Weight)
}

func TestIdempotencyKeyFirstWriterWins(t *testing.T) {
	gw, store := newTestGateway(t)
	h := gw.Router()

	code1, out1 := postDelivery(t, h, "abc-123")
	code2, out2 := postDelivery(t, h, "abc-123")

	assert.Equal(t, http.StatusCreated, code1)
	assert.Equal(t, http.StatusOK, code2, "a replayed key returns the original, not a new 201")
	assert.Equal(t, out1["id"], out2["id"])

	var idx dispatch.DeliveriesIndex
	_, found, err := store.GetJSON(context.Background(), "deliveries_index", &idx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, idx.IDs, 1, "exactly one delivery document exists under the key")
}

func TestZonesCreatedLazilyThenImmutable(t *testing.T) {
	gw, _ := newTestGateway(t)
	h := gw.Router()

	req := httptest.NewRequest(http.MethodGet, "/zones", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var first dispatch.ZonesConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, 2, first.Rows)
	assert.Len(t, first.Zones, 4)

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/zones", nil))
	var second dispatch.ZonesConfig
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &second))
	assert.Equal(t, first, second)
}

func TestGetDeliveryNotFound(t *testing.T) {
	gw, _ := newTestGateway(t)
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deliveries/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
