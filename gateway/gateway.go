// Package gateway is the ingress HTTP surface: it creates deliveries
// and publishes a delivery_requests message, and exposes read-only
// views of deliveries and drones. Internals (auth, request validation
// depth, rate shaping)
// are explicitly out of scope; this package implements only the
// documented contract, enough to be exercised end-to-end by the
// dispatcher/KV/simulator it feeds.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dronefleet/control/dispatch"
)

type idemAnchor struct {
	DeliveryID string `json:"delivery_id"`
}

// Publisher is the subset of dispatch.Bus the gateway needs.
type Publisher interface {
	PublishDeliveryRequest(ctx context.Context, deliveryID string, origin, destination dispatch.LatLon, weight float64) error
}

// Gateway holds the zone-bootstrap rectangle/grid parameters and the KV
// store/bus handles needed to create deliveries.
type Gateway struct {
	store *dispatch.Store
	bus   Publisher
	log   *logrus.Entry

	rect Rect
	rows int
	cols int
}

// Rect is the fixed lat/lon rectangle the zone grid is decomposed over.
type Rect struct {
	LatMin, LatMax, LonMin, LonMax float64
}

func New(store *dispatch.Store, bus Publisher, rect Rect, rows, cols int, log *logrus.Entry) *Gateway {
	return &Gateway{store: store, bus: bus, rect: rect, rows: rows, cols: cols, log: log}
}

func (g *Gateway) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/deliveries", g.handleCreateDelivery).Methods(http.MethodPost)
	r.HandleFunc("/deliveries/{id}", g.handleGetDelivery).Methods(http.MethodGet)
	r.HandleFunc("/deliveries", g.handleListDeliveries).Methods(http.MethodGet).Queries("limit", "{limit}")
	r.HandleFunc("/drones", g.handleListDrones).Methods(http.MethodGet)
	r.HandleFunc("/drones/{id}", g.handleGetDrone).Methods(http.MethodGet)
	r.HandleFunc("/zones", g.handleZones).Methods(http.MethodGet)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	return r
}

type createDeliveryBody struct {
	Origin      dispatch.LatLon `json:"origin"`
	Destination dispatch.LatLon `json:"destination"`
	Weight      float64         `json:"weight"`
}

// handleCreateDelivery implements the idempotency-key anchor: the first
// writer for a given key wins the CAS on idem:{key}; every subsequent
// caller with the same key is handed back the original delivery,
// unchanged, with 200 instead of 201.
func (g *Gateway) handleCreateDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body createDeliveryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Weight <= 0 {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")

	zones, _, err := dispatch.LoadZones(ctx, g.store)
	if err != nil {
		http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
		return
	}

	id := uuid.NewString()
	status := http.StatusCreated

	if idemKey != "" {
		anchorKey := "idem:" + idemKey
		anchor := idemAnchor{DeliveryID: id}
		ok, current, err := g.store.CASJSON(ctx, anchorKey, nil, anchor)
		if err != nil {
			http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
			return
		}
		if !ok {
			var existing idemAnchor
			if current != nil {
				_ = json.Unmarshal(current, &existing)
			} else if _, found, gerr := g.store.GetJSON(ctx, anchorKey, &existing); gerr != nil || !found {
				http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
				return
			}
			id = existing.DeliveryID
			status = http.StatusOK
		}
	}

	if status == http.StatusCreated {
		del := dispatch.Delivery{
			ID:              id,
			Origin:          body.Origin,
			Destination:     body.Destination,
			Weight:          body.Weight,
			Status:          dispatch.StatusPending,
			OriginZone:      dispatch.PointZone(zones, body.Origin),
			DestinationZone: dispatch.PointZone(zones, body.Destination),
			Timestamp:       float64(time.Now().UnixNano()) / 1e9,
		}
		if err := g.store.PutJSON(ctx, "delivery:"+id, del); err != nil {
			http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := g.appendDeliveriesIndex(ctx, id); err != nil {
			g.log.WithError(err).Warn("deliveries_index append failed")
		}
		if g.bus != nil {
			if err := g.bus.PublishDeliveryRequest(ctx, id, body.Origin, body.Destination, body.Weight); err != nil {
				g.log.WithError(err).Warn("publish delivery_requests failed")
			}
		}
	}

	writeJSON(w, status, map[string]any{"id": id, "status": dispatch.StatusPending, "drone_id": nil})
}

func (g *Gateway) appendDeliveriesIndex(ctx context.Context, id string) error {
	for attempt := 0; attempt < 10; attempt++ {
		var idx dispatch.DeliveriesIndex
		raw, found, err := g.store.GetJSON(ctx, "deliveries_index", &idx)
		if err != nil {
			return err
		}
		if !found {
			raw = nil
		}
		next := idx
		next.IDs = append(append([]string(nil), idx.IDs...), id)
		ok, _, err := g.store.CASJSON(ctx, "deliveries_index", raw, next)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return nil
}

func (g *Gateway) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var del dispatch.Delivery
	_, found, err := g.store.GetJSON(r.Context(), "delivery:"+id, &del)
	if err != nil {
		http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": del.ID, "status": del.Status, "drone_id": del.DroneID})
}

func (g *Gateway) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	var idx dispatch.DeliveriesIndex
	if _, found, err := g.store.GetJSON(ctx, "deliveries_index", &idx); err != nil {
		http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
		return
	} else if !found {
		writeJSON(w, http.StatusOK, []any{})
		return
	}

	ids := idx.IDs
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	var out []dispatch.Delivery
	for _, id := range ids {
		var del dispatch.Delivery
		if _, found, err := g.store.GetJSON(ctx, "delivery:"+id, &del); err == nil && found {
			out = append(out, del)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleListDrones(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	zones, _, _ := dispatch.LoadZones(ctx, g.store)

	var idx dispatch.DronesIndex
	if _, found, err := g.store.GetJSON(ctx, "drones_index", &idx); err != nil {
		http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
		return
	} else if !found {
		writeJSON(w, http.StatusOK, []any{})
		return
	}

	type enriched struct {
		dispatch.Drone
		Zone string `json:"zone"`
	}
	var out []enriched
	for _, id := range idx.IDs {
		var d dispatch.Drone
		if _, found, err := g.store.GetJSON(ctx, "drone:"+id, &d); err == nil && found {
			out = append(out, enriched{Drone: d, Zone: dispatch.PointZone(zones, d.Pos)})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleGetDrone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	var d dispatch.Drone
	_, found, err := g.store.GetJSON(ctx, "drone:"+id, &d)
	if err != nil {
		http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	zones, _, _ := dispatch.LoadZones(ctx, g.store)
	writeJSON(w, http.StatusOK, struct {
		dispatch.Drone
		Zone string `json:"zone"`
	}{Drone: d, Zone: dispatch.PointZone(zones, d.Pos)})
}

// handleZones implements the lazy-create-on-first-miss, then-immutable
// bootstrap: a CAS on zones_config guards against a concurrent creator.
func (g *Gateway) handleZones(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	zones, found, err := dispatch.LoadZones(ctx, g.store)
	if err != nil {
		http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
		return
	}
	if !found {
		built := dispatch.BuildZonesConfig(g.rect.LatMin, g.rect.LatMax, g.rect.LonMin, g.rect.LonMax, g.rows, g.cols)
		ok, _, err := g.store.CASJSON(ctx, "zones_config", nil, built)
		if err != nil {
			http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
			return
		}
		if ok {
			zones = built
		} else if zones, found, err = dispatch.LoadZones(ctx, g.store); err != nil || !found {
			http.Error(w, "kv unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, zones)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
