// Package cache holds the compiled-image cache and the loaded-table cache of
// the offload runtime. Both are keyed lists with first-match-wins lookup over
// specialized kernel descriptors.
package cache

import (
	"sync"

	"github.com/samcharles93/offload/internal/kernel"
)

type entry[V any] struct {
	kernel kernel.Specialized
	value  V
}

// list maps a string key to an ordered slice of (descriptor, value) pairs.
// Lookups return the first entry whose descriptor matches, in insertion order.
type list[V any] struct {
	mu      sync.RWMutex
	entries map[string][]entry[V]
}

func newList[V any]() *list[V] {
	return &list[V]{entries: make(map[string][]entry[V])}
}

func (l *list[V]) get(key string, k kernel.Key) (kernel.Specialized, V, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries[key] {
		if e.kernel.Matches(k) {
			return e.kernel, e.value, true
		}
	}
	var zero V
	return kernel.Specialized{}, zero, false
}

// insert adds (s, v) unless an existing entry already matches s's snapshot,
// in which case that entry's value is returned with inserted == false.
func (l *list[V]) insert(key string, s kernel.Specialized, v V) (V, bool) {
	k := s.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries[key] {
		if e.kernel.Matches(k) {
			return e.value, false
		}
	}
	l.entries[key] = append(l.entries[key], entry[V]{kernel: s, value: v})
	return v, true
}

func (l *list[V]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, es := range l.entries {
		n += len(es)
	}
	return n
}

// each visits every entry under the read lock, keys in unspecified order and
// entries in insertion order.
func (l *list[V]) each(fn func(key string, s kernel.Specialized, v V)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for key, es := range l.entries {
		for _, e := range es {
			fn(key, e.kernel, e.value)
		}
	}
}

func (l *list[V]) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string][]entry[V])
}
