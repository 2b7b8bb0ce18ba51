// Package backend implements one local durable KV replica: a
// compare-and-swap store on top of buntdb, an in-process LRU read
// cache kept write-through, a cuckoo-filter fast-reject for keys never
// written, and a best-effort TTL lock table. The backend treats stored
// values as opaque bytes — all LWW semantics live one layer up, in
// kv/front.
package backend

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/buntdb"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("key not found")

type cacheEntry struct {
	value []byte
}

// Backend is one replica process's local store.
type Backend struct {
	db       *buntdb.DB
	cache    *lru.Cache
	filter   *cuckoo.Filter
	maxBytes int

	bytesMu  sync.Mutex // guards curBytes; buntdb serializes its own txns independently
	curBytes int

	locksMu sync.Mutex
	locks   map[string]time.Time // key -> expiry
}

// Config bounds the LRU cache.
type Config struct {
	Path     string // "" => in-memory
	MaxItems int
	MaxBytes int
}

func Open(cfg Config) (*Backend, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open buntdb")
	}
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 10000
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	b := &Backend{
		db:       db,
		filter:   cuckoo.NewFilter(1 << 20 /* uint capacity */),
		maxBytes: maxBytes,
		locks:    make(map[string]time.Time),
	}
	// Seed the filter with keys already on disk, so a reopened file
	// store does not fast-reject values it still holds.
	if err := db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, _ string) bool {
			b.filter.Insert([]byte(key))
			return true
		})
	}); err != nil {
		return nil, errors.Wrap(err, "seed filter")
	}
	cache, err := lru.NewWithEvict(maxItems, func(_, value interface{}) {
		b.bytesMu.Lock()
		b.curBytes -= len(value.(cacheEntry).value)
		b.bytesMu.Unlock()
	})
	if err != nil {
		return nil, errors.Wrap(err, "new lru")
	}
	b.cache = cache
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

// Get returns the raw stored bytes for key, or ErrNotFound.
func (b *Backend) Get(key string) ([]byte, error) {
	if v, ok := b.cache.Get(key); ok {
		return append([]byte(nil), v.(cacheEntry).value...), nil
	}
	if !b.filter.Lookup([]byte(key)) {
		// Fast-reject: this replica has never been asked to store this
		// key, so buntdb cannot possibly have it.
		return nil, ErrNotFound
	}
	var out []byte
	err := b.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err != nil {
			return err
		}
		out = []byte(val)
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "view")
	}
	b.writeThrough(key, out)
	return out, nil
}

// Put overwrites key atomically with value.
func (b *Backend) Put(key string, value []byte) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), nil)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "update")
	}
	b.filter.Insert([]byte(key))
	b.writeThrough(key, value)
	return nil
}

// CAS conditionally writes newVal iff the currently stored value
// equals old (byte-for-byte). buntdb serializes all Update
// transactions against the same database, so this read-then-write is
// linearizable per key.
func (b *Backend) CAS(key string, old, newVal []byte) (ok bool, current []byte, err error) {
	txErr := b.db.Update(func(tx *buntdb.Tx) error {
		cur, getErr := tx.Get(key)
		switch {
		case errors.Is(getErr, buntdb.ErrNotFound):
			current = nil
		case getErr != nil:
			return getErr
		default:
			current = []byte(cur)
		}
		if !bytesEqual(current, old) {
			ok = false
			return nil
		}
		if _, _, setErr := tx.Set(key, string(newVal), nil); setErr != nil {
			return setErr
		}
		ok = true
		return nil
	})
	if txErr != nil {
		return false, nil, errors.Wrap(txErr, "cas update")
	}
	if ok {
		b.filter.Insert([]byte(key))
		b.writeThrough(key, newVal)
	}
	return ok, current, nil
}

// writeThrough refreshes the cache entry for key, evicting oldest
// entries first if adding it would exceed the configured byte budget.
func (b *Backend) writeThrough(key string, value []byte) {
	cp := append([]byte(nil), value...)

	b.bytesMu.Lock()
	if old, ok := b.cache.Peek(key); ok {
		b.curBytes -= len(old.(cacheEntry).value)
	}
	for b.curBytes+len(cp) > b.maxBytes && b.cache.Len() > 0 {
		b.bytesMu.Unlock()
		b.cache.RemoveOldest() // triggers the evict callback, which locks internally
		b.bytesMu.Lock()
	}
	b.curBytes += len(cp)
	b.bytesMu.Unlock()

	b.cache.Add(key, cacheEntry{value: cp})
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Keys returns every key ever written to this replica, in buntdb's
// natural ascending order. Used only by the coordinator's snapshot
// exporter; never on the hot GET/PUT/CAS path.
func (b *Backend) Keys() ([]string, error) {
	var out []string
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, _ string) bool {
			out = append(out, key)
			return true
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "ascend")
	}
	return out, nil
}

// LockAcquire installs key -> now+ttl iff the lock is currently
// expired (or never held): acquire succeeds iff the current time is at
// or past the existing expiry.
func (b *Backend) LockAcquire(key string, ttl time.Duration) (ok bool, expiresAt time.Time) {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	now := time.Now()
	if exp, held := b.locks[key]; held && now.Before(exp) {
		return false, exp
	}
	expiresAt = now.Add(ttl)
	b.locks[key] = expiresAt
	return true, expiresAt
}

// LockRelease removes the lock entry unconditionally.
func (b *Backend) LockRelease(key string) {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	delete(b.locks, key)
}
