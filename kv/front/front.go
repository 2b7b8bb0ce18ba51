// Package front implements the replication coordinator (kv_front): LWW
// conflict resolution across a replica set placed on a consistent-hash
// ring, hinted handoff for unreachable replicas, best-effort
// read-repair, and a CAS protocol anchored at the primary replica.
package front

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dronefleet/control/internal/metrics"
	"github.com/dronefleet/control/kv"
	kvc "github.com/dronefleet/control/kv/client"
	"github.com/sirupsen/logrus"
)

// ErrNoBackends is returned when the coordinator has no replicas configured.
var ErrNoBackends = errors.New("kv front: no backends configured")

// ErrWriteFailed is returned when every replica in the set rejected a PUT.
var ErrWriteFailed = errors.New("kv front: write failed on all replicas")

// ErrReadFailed is returned when no replica could serve a GET and at
// least one of them failed outright (as opposed to returning missing).
var ErrReadFailed = errors.New("kv front: read failed on all replicas")

// Config holds the coordinator's replication and HTTP tunables.
type Config struct {
	Backends     []string
	RF           int
	ReadRepair   bool
	HintFlushSec int
	HTTPTimeout  time.Duration
}

type hintItem struct {
	key   string
	value json.RawMessage
}

// Coordinator is one kv_front process.
type Coordinator struct {
	cfg     Config
	clients map[string]*kvc.Client
	log     *logrus.Entry

	hintsMu sync.Mutex
	hints   map[string][]hintItem // backend URL -> pending writes

	casGroup singleflight.Group

	nowSeconds func() float64
}

func New(cfg Config, log *logrus.Entry) *Coordinator {
	clients := make(map[string]*kvc.Client, len(cfg.Backends))
	for _, b := range cfg.Backends {
		clients[b] = kvc.New(b, cfg.HTTPTimeout)
	}
	return &Coordinator{
		cfg:        cfg,
		clients:    clients,
		log:        log,
		hints:      make(map[string][]hintItem),
		nowSeconds: func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

func (c *Coordinator) replicaSet(key string) []string {
	return kv.ReplicaSet(key, c.cfg.Backends, c.cfg.RF)
}

func wrap(ts float64, data json.RawMessage) json.RawMessage {
	b, _ := json.Marshal(kv.Wrapped{TS: ts, Data: data})
	return b
}

func unwrap(stored json.RawMessage) (float64, json.RawMessage) {
	if len(stored) == 0 {
		return 0, nil
	}
	ts, data := kv.Unwrap(stored)
	if data == nil {
		return 0, stored
	}
	return ts, data
}

type getOutcome struct {
	backend string
	ts      float64
	data    json.RawMessage
	found   bool
	err     error
}

// Get fans out to every replica in parallel, resolves LWW, and
// schedules best-effort read-repair against stale responders.
func (c *Coordinator) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	replicas := c.replicaSet(key)
	if len(replicas) == 0 {
		return nil, false, ErrNoBackends
	}

	outcomes := make([]getOutcome, len(replicas))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range replicas {
		i, b := i, b
		g.Go(func() error {
			raw, err := c.clients[b].Get(gctx, key)
			if err == kvc.ErrNotFound {
				outcomes[i] = getOutcome{backend: b, found: false}
				return nil
			}
			if err != nil {
				outcomes[i] = getOutcome{backend: b, err: err}
				return nil // a single replica failing the fan-out is not fatal
			}
			ts, data := unwrap(raw)
			outcomes[i] = getOutcome{backend: b, ts: ts, data: data, found: true}
			return nil
		})
	}
	_ = g.Wait()

	var (
		winner   getOutcome
		haveAny  bool
		errCount int
	)
	for _, o := range outcomes {
		if o.err != nil {
			errCount++
		}
		if !o.found {
			continue
		}
		if !haveAny || o.ts > winner.ts {
			winner = o
		}
		haveAny = true
	}
	if !haveAny {
		// Missing is only authoritative when every replica actually
		// answered; a failed replica may still hold the value.
		if errCount > 0 {
			return nil, false, ErrReadFailed
		}
		return nil, false, nil
	}

	var staleURLs []string
	for _, o := range outcomes {
		if o.found && o.ts < winner.ts {
			staleURLs = append(staleURLs, o.backend)
		}
	}
	if c.cfg.ReadRepair && len(staleURLs) > 0 {
		go c.readRepair(key, winner.ts, winner.data, staleURLs)
	}
	return winner.data, true, nil
}

func (c *Coordinator) readRepair(key string, ts float64, data json.RawMessage, backends []string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
	defer cancel()
	payload := wrap(ts, data)
	for _, b := range backends {
		if err := c.clients[b].Put(ctx, key, payload); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{"key": key, "backend": b}).Warn("read-repair put failed")
			continue
		}
		metrics.ReadRepairs.WithLabelValues(b).Inc()
	}
}

// Put wraps value with the current wall-clock timestamp and fans it
// out to every replica. Replicas that fail to acknowledge get a
// hinted-handoff entry instead of blocking the write; the write is
// accepted as durable if at least one replica wrote it (sloppy quorum).
func (c *Coordinator) Put(ctx context.Context, key string, value json.RawMessage) error {
	replicas := c.replicaSet(key)
	if len(replicas) == 0 {
		return ErrNoBackends
	}
	payload := wrap(c.nowSeconds(), value)

	var (
		mu      sync.Mutex
		wrote   int
		pending []string
	)
	var wg sync.WaitGroup
	for _, b := range replicas {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.clients[b].Put(ctx, key, payload); err != nil {
				mu.Lock()
				pending = append(pending, b)
				mu.Unlock()
				return
			}
			mu.Lock()
			wrote++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, b := range pending {
		c.addHint(b, key, payload)
	}
	if wrote == 0 {
		return ErrWriteFailed
	}
	return nil
}

func (c *Coordinator) addHint(backend, key string, value json.RawMessage) {
	c.hintsMu.Lock()
	defer c.hintsMu.Unlock()
	c.hints[backend] = append(c.hints[backend], hintItem{key: key, value: value})
	metrics.HintBufferDepth.WithLabelValues(backend).Set(float64(len(c.hints[backend])))
}

// FlushHints retries every buffered hint once; call on a
// HintFlushSec-second ticker from the owning daemon.
func (c *Coordinator) FlushHints(ctx context.Context) {
	c.hintsMu.Lock()
	snapshot := make(map[string][]hintItem, len(c.hints))
	for b, items := range c.hints {
		snapshot[b] = append([]hintItem(nil), items...)
	}
	c.hintsMu.Unlock()

	for b, items := range snapshot {
		var still []hintItem
		for _, it := range items {
			if err := c.clients[b].Put(ctx, it.key, it.value); err != nil {
				still = append(still, it)
			}
		}
		c.hintsMu.Lock()
		// Keep hints that addHint appended while this flush was running.
		if cur := c.hints[b]; len(cur) > len(items) {
			still = append(still, cur[len(items):]...)
		}
		if len(still) == 0 {
			delete(c.hints, b)
			metrics.HintBufferDepth.WithLabelValues(b).Set(0)
		} else {
			c.hints[b] = still
			metrics.HintBufferDepth.WithLabelValues(b).Set(float64(len(still)))
		}
		c.hintsMu.Unlock()
	}
}

// CAS implements primary-anchored CAS: read the primary, compare
// unwrapped data against old, issue a real backend CAS on the
// primary with the wrapped envelope, then best-effort replicate the
// new value (with hints on failure) to secondaries.
func (c *Coordinator) CAS(ctx context.Context, key string, old, newVal json.RawMessage) (ok bool, current json.RawMessage, err error) {
	replicas := c.replicaSet(key)
	if len(replicas) == 0 {
		return false, nil, ErrNoBackends
	}
	primary := replicas[0]

	// Only identical requests (same key, old and new) share one upstream
	// attempt; a CAS with different values must run on its own.
	sfKey := key + "\x00" + string(old) + "\x00" + string(newVal)
	v, sfErr, _ := c.casGroup.Do(sfKey, func() (any, error) {
		return c.casOnce(ctx, key, primary, replicas[1:], old, newVal)
	})
	if sfErr != nil {
		return false, nil, sfErr
	}
	res := v.(casResult)
	return res.ok, res.current, nil
}

type casResult struct {
	ok      bool
	current json.RawMessage
}

func (c *Coordinator) casOnce(ctx context.Context, key, primary string, secondaries []string, old, newVal json.RawMessage) (casResult, error) {
	primaryRaw, err := c.clients[primary].Get(ctx, key)
	var primaryData json.RawMessage
	if err == kvc.ErrNotFound {
		primaryData = nil
	} else if err != nil {
		metrics.CASAttempts.WithLabelValues("error").Inc()
		return casResult{}, err
	} else {
		_, primaryData = unwrap(primaryRaw)
	}

	if !jsonEqual(primaryData, old) {
		metrics.CASAttempts.WithLabelValues("conflict").Inc()
		return casResult{ok: false, current: primaryData}, nil
	}

	wrappedOld := primaryRaw
	wrappedNew := wrap(c.nowSeconds(), newVal)

	res, err := c.clients[primary].CAS(ctx, key, wrappedOld, wrappedNew)
	if err != nil {
		metrics.CASAttempts.WithLabelValues("error").Inc()
		return casResult{}, err
	}
	if !res.OK {
		metrics.CASAttempts.WithLabelValues("conflict").Inc()
		_, curData := unwrap(res.Current)
		return casResult{ok: false, current: curData}, nil
	}

	metrics.CASAttempts.WithLabelValues("ok").Inc()
	for _, b := range secondaries {
		b := b
		go func() {
			repCtx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
			defer cancel()
			if err := c.clients[b].Put(repCtx, key, wrappedNew); err != nil {
				c.addHint(b, key, wrappedNew)
			}
		}()
	}
	return casResult{ok: true}, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		av = nil
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		bv = nil
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return string(ab) == string(bb)
}

// AllKeys returns the union of keys known to any configured backend,
// deduplicated. Used only by the snapshot exporter.
func (c *Coordinator) AllKeys(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range c.cfg.Backends {
		b := b
		g.Go(func() error {
			keys, err := c.clients[b].Keys(gctx)
			if err != nil {
				c.log.WithError(err).WithField("backend", b).Warn("snapshot: keys failed")
				return nil // one unreachable replica shouldn't abort the snapshot
			}
			mu.Lock()
			for _, k := range keys {
				seen[k] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out, nil
}

// LockAcquire/LockRelease proxy to the primary replica only.
func (c *Coordinator) LockAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	replicas := c.replicaSet(key)
	if len(replicas) == 0 {
		return false, ErrNoBackends
	}
	return c.clients[replicas[0]].LockAcquire(ctx, key, ttl)
}

func (c *Coordinator) LockRelease(ctx context.Context, key string) error {
	replicas := c.replicaSet(key)
	if len(replicas) == 0 {
		return ErrNoBackends
	}
	return c.clients[replicas[0]].LockRelease(ctx, key)
}
