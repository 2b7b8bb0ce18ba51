// Package dispatch implements the dispatcher: assignment, delivery and
// drone state machines, charging/retiring governance, fleet
// autoscaling, and the message-bus wiring that ties them to the
// replicated KV coordinator.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	kvc "github.com/dronefleet/control/kv/client"
	"github.com/sirupsen/logrus"
)

// Store is the dispatcher's (and drone simulator's) view of the KV
// coordinator: typed document marshal/unmarshal over the opaque
// json.RawMessage surface kv/client exposes.
type Store struct {
	c   *kvc.Client
	log *logrus.Entry
}

func NewStore(frontURL string, timeout time.Duration, log *logrus.Entry) *Store {
	return &Store{c: kvc.New(frontURL, timeout), log: log}
}

// GetJSON fetches key and unmarshals it into out. found is false if the
// key has never been written.
func (s *Store) GetJSON(ctx context.Context, key string, out any) (raw json.RawMessage, found bool, err error) {
	raw, err = s.c.Get(ctx, key)
	if err == kvc.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, true, err
		}
	}
	return raw, true, nil
}

func (s *Store) PutJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.c.Put(ctx, key, raw)
}

// CASJSON marshals newVal and issues a CAS against old (the exact raw
// bytes previously read for this key, or nil if the key didn't exist).
func (s *Store) CASJSON(ctx context.Context, key string, old json.RawMessage, newVal any) (ok bool, current json.RawMessage, err error) {
	raw, err := json.Marshal(newVal)
	if err != nil {
		return false, nil, err
	}
	res, err := s.c.CAS(ctx, key, old, raw)
	if err != nil {
		return false, nil, err
	}
	return res.OK, res.Current, nil
}

func (s *Store) LockAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.c.LockAcquire(ctx, key, ttl)
}

func (s *Store) LockRelease(ctx context.Context, key string) error {
	return s.c.LockRelease(ctx, key)
}

func deliveryKey(id string) string { return "delivery:" + id }
func droneKey(id string) string    { return "drone:" + id }

func marshalJSON(v any) (json.RawMessage, error) { return json.Marshal(v) }
