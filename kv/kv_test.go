package kv

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	w, err := Wrap(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Greater(t, w.TS, 0.0)

	raw, err := JSON.Marshal(w)
	require.NoError(t, err)

	ts, data := Unwrap(raw)
	assert.Equal(t, w.TS, ts)
	assert.JSONEq(t, `{"a":1}`, string(data))
}

func TestUnwrapTreatsUnshapedValueAsInfinitelyOld(t *testing.T) {
	ts, data := Unwrap([]byte(`{"some":"legacy value"}`))
	assert.Equal(t, 0.0, ts)
	assert.Equal(t, []byte(`{"some":"legacy value"}`), []byte(data))
}

func TestUnwrapTreatsGarbageAsInfinitelyOld(t *testing.T) {
	ts, data := Unwrap([]byte(`not json`))
	assert.Equal(t, 0.0, ts)
	assert.Equal(t, []byte(`not json`), []byte(data))
}

func TestWrapRawPreservesBytesExactly(t *testing.T) {
	raw := json.RawMessage(`{"x":[1,2,3]}`)
	w := WrapRaw(raw)
	assert.JSONEq(t, string(raw), string(w.Data))
}

func TestRingIndexIsDeterministicAndInRange(t *testing.T) {
	const n = 5
	i1 := RingIndex("delivery:abc", n)
	i2 := RingIndex("delivery:abc", n)
	assert.Equal(t, i1, i2)
	assert.GreaterOrEqual(t, i1, 0)
	assert.Less(t, i1, n)
}

func TestRingIndexDistributesDifferentKeysDifferently(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 50; i++ {
		key := "drone:" + string(rune('a'+i))
		seen[RingIndex(key, 8)] = true
	}
	assert.Greater(t, len(seen), 1, "50 distinct keys should not all land on the same ring slot")
}

func TestReplicaSetWrapsAroundRing(t *testing.T) {
	backends := []string{"b0", "b1", "b2"}
	set := ReplicaSet("somekey", backends, 2)
	require.Len(t, set, 2)
	start := RingIndex("somekey", len(backends))
	assert.Equal(t, backends[start], set[0])
	assert.Equal(t, backends[(start+1)%len(backends)], set[1])
}

func TestReplicaSetClampsRFToBackendCount(t *testing.T) {
	backends := []string{"b0", "b1"}
	set := ReplicaSet("k", backends, 5)
	assert.Len(t, set, 2)
}

func TestReplicaSetEmptyBackends(t *testing.T) {
	assert.Nil(t, ReplicaSet("k", nil, 2))
}
