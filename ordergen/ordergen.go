// Package ordergen is a synthetic order generator: it periodically
// POSTs a randomized delivery to the ingress gateway, enough to drive
// the dispatcher and
// drone simulator end to end in an integration test or a demo
// environment. Traffic shaping (ramping, bursts, realistic geography)
// is out of scope.
package ordergen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dronefleet/control/dispatch"
)

// Rect bounds the random origin/destination points generated.
type Rect struct {
	LatMin, LatMax, LonMin, LonMax float64
}

type request struct {
	Origin      dispatch.LatLon `json:"origin"`
	Destination dispatch.LatLon `json:"destination"`
	Weight      float64         `json:"weight"`
}

// Generator issues one randomized POST /deliveries every Every tick.
type Generator struct {
	gatewayURL string
	rect       Rect
	every      time.Duration
	hc         *http.Client
	rnd        *rand.Rand
	log        *logrus.Entry
}

func New(gatewayURL string, rect Rect, every time.Duration, log *logrus.Entry) *Generator {
	if every <= 0 {
		every = time.Second
	}
	return &Generator{
		gatewayURL: gatewayURL, rect: rect, every: every,
		hc:  &http.Client{Timeout: 3 * time.Second},
		rnd: rand.New(rand.NewSource(1)),
		log: log,
	}
}

// Run ticks every g.every until ctx is cancelled, posting one synthetic
// order per tick.
func (g *Generator) Run(ctx context.Context) {
	t := time.NewTicker(g.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := g.postOne(ctx); err != nil {
				g.log.WithError(err).Warn("order post failed")
			}
		}
	}
}

func (g *Generator) postOne(ctx context.Context) error {
	req := request{
		Origin:      g.randPoint(),
		Destination: g.randPoint(),
		Weight:      0.5 + g.rnd.Float64()*9.5,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.gatewayURL+"/deliveries", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", fmt.Sprintf("ordergen-%d", g.rnd.Int63()))

	resp, err := g.hc.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}

func (g *Generator) randPoint() dispatch.LatLon {
	return dispatch.LatLon{
		Lat: g.rect.LatMin + g.rnd.Float64()*(g.rect.LatMax-g.rect.LatMin),
		Lon: g.rect.LonMin + g.rnd.Float64()*(g.rect.LonMax-g.rect.LonMin),
	}
}
