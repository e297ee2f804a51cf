// Package memmgr caches freed device blocks in power-of-two free lists so
// small, frequent allocations avoid a driver round trip.
package memmgr

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/samcharles93/offload/internal/alloc"
	"github.com/samcharles93/offload/internal/device"
)

// MinBlock is the smallest bucket and the alignment of every block.
const MinBlock = 256

// ErrUnknownPointer is returned when freeing a pointer the manager did not
// hand out.
var ErrUnknownPointer = errors.New("memmgr: unknown pointer")

// Backend is where blocks come from.
type Backend interface {
	Alloc(size int64, kind alloc.Kind) (device.Ptr, error)
	Free(p device.Ptr) error
}

// Stats are cumulative counters and the current cache contents.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Bypassed    int64 `json:"bypassed"`
	Cached      int   `json:"cached_blocks"`
	CachedBytes int64 `json:"cached_bytes"`
}

// Manager serves device allocations up to Threshold bytes from free lists.
type Manager struct {
	back      Backend
	threshold int64

	mu      sync.Mutex
	buckets map[int64][]device.Ptr
	// live maps handed-out pointers to their bucket size, 0 for blocks
	// that bypassed the cache.
	live  map[device.Ptr]int64
	stats Stats
}

// New returns a manager. A threshold of 0 or less disables caching: every
// request goes straight to the backend.
func New(back Backend, threshold int64) *Manager {
	return &Manager{
		back:      back,
		threshold: threshold,
		buckets:   make(map[int64][]device.Ptr),
		live:      make(map[device.Ptr]int64),
	}
}

// Threshold is the largest request served from the free lists.
func (m *Manager) Threshold() int64 { return m.threshold }

// BucketSize rounds size up to the next power of two, at least MinBlock.
func BucketSize(size int64) int64 {
	if size <= MinBlock {
		return MinBlock
	}
	return 1 << bits.Len64(uint64(size-1))
}

// Allocate returns a device block of at least size bytes.
func (m *Manager) Allocate(size int64) (device.Ptr, error) {
	if size == 0 {
		return 0, nil
	}
	if size > m.threshold {
		p, err := m.back.Alloc(size, alloc.Device)
		if err != nil {
			return 0, err
		}
		m.mu.Lock()
		m.live[p] = 0
		m.stats.Bypassed++
		m.mu.Unlock()
		return p, nil
	}

	bucket := BucketSize(size)
	m.mu.Lock()
	if free := m.buckets[bucket]; len(free) > 0 {
		p := free[len(free)-1]
		m.buckets[bucket] = free[:len(free)-1]
		m.live[p] = bucket
		m.stats.Hits++
		m.stats.Cached--
		m.stats.CachedBytes -= bucket
		m.mu.Unlock()
		return p, nil
	}
	m.stats.Misses++
	m.mu.Unlock()

	p, err := m.back.Alloc(bucket, alloc.Device)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.live[p] = bucket
	m.mu.Unlock()
	return p, nil
}

// Owns reports whether p is a live block handed out by m.
func (m *Manager) Owns(p device.Ptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[p]
	return ok
}

// Free returns p to its free list, or to the backend when it bypassed the
// cache.
func (m *Manager) Free(p device.Ptr) error {
	m.mu.Lock()
	bucket, ok := m.live[p]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %#x", ErrUnknownPointer, uintptr(p))
	}
	delete(m.live, p)
	if bucket == 0 {
		m.mu.Unlock()
		return m.back.Free(p)
	}
	m.buckets[bucket] = append(m.buckets[bucket], p)
	m.stats.Cached++
	m.stats.CachedBytes += bucket
	m.mu.Unlock()
	return nil
}

// Release frees every cached block. Blocks still handed out are untouched.
func (m *Manager) Release() error {
	m.mu.Lock()
	buckets := m.buckets
	m.buckets = make(map[int64][]device.Ptr)
	m.stats.Cached = 0
	m.stats.CachedBytes = 0
	m.mu.Unlock()

	var errs []error
	for _, free := range buckets {
		for _, p := range free {
			if err := m.back.Free(p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
