// Package cache provides a small bounded map with idle expiry. Eviction is
// explicit: callers drive it through Tick (and Put, for the capacity bound)
// rather than background timers, so tests and cleanup passes control time.
package cache

import (
	"sort"
	"sync"
	"time"
)

// Policy bounds a cache. A zero Capacity means unbounded; a zero TTL means
// entries never expire.
type Policy struct {
	Capacity int
	TTL      time.Duration
}

type entry[V any] struct {
	val     V
	touched time.Time
}

// Map is a mutex-guarded map honouring a Policy. The oldest-touched entry is
// evicted first when the capacity bound is hit.
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	pol     Policy
	entries map[K]entry[V]
}

// New returns an empty Map with the given policy.
func New[K comparable, V any](pol Policy) *Map[K, V] {
	return &Map[K, V]{pol: pol, entries: make(map[K]entry[V])}
}

// Get returns the value for k and refreshes its idle timer.
func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	e.touched = time.Now()
	m.entries[k] = e
	return e.val, true
}

// Put stores v under k, evicting the oldest entry if the capacity bound
// would be exceeded.
func (m *Map[K, V]) Put(k K, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[k]; !exists && m.pol.Capacity > 0 && len(m.entries) >= m.pol.Capacity {
		m.evictOldestLocked()
	}
	m.entries[k] = entry[V]{val: v, touched: time.Now()}
}

// Delete removes k.
func (m *Map[K, V]) Delete(k K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, k)
}

// Len returns the number of live entries.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Clear drops every entry.
func (m *Map[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[K]entry[V])
}

// Keys returns the live keys in no particular order.
func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]K, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	return out
}

// Tick evicts entries idle longer than the TTL as of now and reports how
// many were removed.
func (m *Map[K, V]) Tick(now time.Time) int {
	if m.pol.TTL <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for k, e := range m.entries {
		if now.Sub(e.touched) > m.pol.TTL {
			delete(m.entries, k)
			evicted++
		}
	}
	return evicted
}

func (m *Map[K, V]) evictOldestLocked() {
	var (
		oldestKey K
		oldest    time.Time
		found     bool
	)
	for k, e := range m.entries {
		if !found || e.touched.Before(oldest) {
			oldestKey, oldest, found = k, e.touched, true
		}
	}
	if found {
		delete(m.entries, oldestKey)
	}
}

// PruneMap applies pol to a plain map whose values carry their own
// timestamps, read via stamp. Expired entries go first, then the oldest
// entries beyond the capacity bound. onEvict, when non-nil, runs for each
// victim before removal so callers can wipe associated material.
func PruneMap[K comparable, V any](m map[K]V, stamp func(V) time.Time, pol Policy, now time.Time, onEvict func(K, V)) []K {
	var evicted []K
	drop := func(k K, v V) {
		if onEvict != nil {
			onEvict(k, v)
		}
		evicted = append(evicted, k)
		delete(m, k)
	}
	if pol.TTL > 0 {
		for k, v := range m {
			if now.Sub(stamp(v)) > pol.TTL {
				drop(k, v)
			}
		}
	}
	if pol.Capacity > 0 && len(m) > pol.Capacity {
		type aged struct {
			key K
			at  time.Time
		}
		rest := make([]aged, 0, len(m))
		for k, v := range m {
			rest = append(rest, aged{key: k, at: stamp(v)})
		}
		sort.Slice(rest, func(i, j int) bool { return rest[i].at.Before(rest[j].at) })
		for _, a := range rest[:len(m)-pol.Capacity] {
			drop(a.key, m[a.key])
		}
	}
	return evicted
}
