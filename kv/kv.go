// Package kv defines the wire types shared by the KV backend, the
// replication coordinator, and every client of either: the LWW-wrapped
// value and the consistent-hash ring used to place keys on replicas.
package kv

import (
	"crypto/md5" //nolint:gosec // used only as a deterministic routing hash, not for security
	"encoding/json"
	"math/big"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// JSON is the jsoniter codec (direct dep shared with every aistore
// variant in the pack) used by Wrap and Unwrap in this package; the
// other packages marshal with encoding/json. RawMessage plumbing uses
// encoding/json.RawMessage so it interoperates with net/http and
// gorilla/mux handlers without extra conversions.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Wrapped is the LWW envelope persisted for every key. The backend
// treats Data opaquely; only the coordinator interprets it.
type Wrapped struct {
	TS   float64         `json:"_ts"`
	Data json.RawMessage `json:"data"`
}

// Wrap stamps a value with the current wall-clock time.
func Wrap(value any) (Wrapped, error) {
	raw, err := JSON.Marshal(value)
	if err != nil {
		return Wrapped{}, err
	}
	return Wrapped{TS: nowSeconds(), Data: raw}, nil
}

// WrapRaw wraps an already-encoded JSON value, for callers that do not
// have the value's concrete Go type.
func WrapRaw(raw json.RawMessage) Wrapped {
	return Wrapped{TS: nowSeconds(), Data: raw}
}

// Unwrap extracts (timestamp, data) from a stored byte slice. A value
// that isn't shaped {_ts,data} is treated as infinitely old (ts=0), so
// it can only ever lose an LWW comparison.
func Unwrap(stored []byte) (float64, json.RawMessage) {
	var w Wrapped
	if err := JSON.Unmarshal(stored, &w); err != nil {
		return 0.0, stored
	}
	if w.Data == nil {
		return 0.0, stored
	}
	return w.TS, w.Data
}

var nowSeconds = func() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// RingIndex returns the MD5-derived starting index on the replica ring
// for key: the key's MD5 digest reduced modulo the ring size.
func RingIndex(key string, n int) int {
	if n <= 0 {
		return 0
	}
	sum := md5.Sum([]byte(key))
	// The whole 128-bit digest, read big-endian, is reduced modulo n.
	idx := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(int64(n)))
	return int(idx.Int64())
}

// ReplicaSet returns the RF consecutive backend URLs responsible for
// key, wrapping around the ring.
func ReplicaSet(key string, backends []string, rf int) []string {
	if len(backends) == 0 {
		return nil
	}
	if rf > len(backends) {
		rf = len(backends)
	}
	start := RingIndex(key, len(backends))
	out := make([]string, 0, rf)
	for i := 0; i < rf; i++ {
		out = append(out, backends[(start+i)%len(backends)])
	}
	return out
}
