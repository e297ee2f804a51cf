// Package pool implements a growable pool of device-native handles such as
// streams and events.
package pool

import (
	"errors"
	"fmt"
	"sync"
)

// Allocator creates and destroys the handles held by a Pool.
type Allocator[T any] interface {
	Create() (T, error)
	Destroy(T) error
}

// Funcs adapts a pair of functions to the Allocator interface.
type Funcs[T any] struct {
	CreateFn  func() (T, error)
	DestroyFn func(T) error
}

func (f Funcs[T]) Create() (T, error) { return f.CreateFn() }
func (f Funcs[T]) Destroy(v T) error  { return f.DestroyFn(v) }

// Pool hands out handles created by its Allocator. Handles in
// resources[:next] are checked out; resources[next:] are available. Release
// writes the returned handle into the slot just below next, so reuse order is
// not tied to acquisition order.
type Pool[T any] struct {
	mu        sync.Mutex
	alloc     Allocator[T]
	resources []T
	next      int
}

// New creates a pool and eagerly creates initial handles.
func New[T any](alloc Allocator[T], initial int) (*Pool[T], error) {
	p := &Pool[T]{alloc: alloc}
	if initial > 0 {
		p.mu.Lock()
		err := p.resize(initial)
		p.mu.Unlock()
		if err != nil {
			return p, err
		}
	}
	return p, nil
}

// resize grows the backing buffer to size, creating handles for the new
// slots. Callers hold mu. On failure the handles created so far are kept.
func (p *Pool[T]) resize(size int) error {
	cur := len(p.resources)
	if size <= cur {
		return nil
	}
	grown := make([]T, cur, size)
	copy(grown, p.resources)
	for i := cur; i < size; i++ {
		h, err := p.alloc.Create()
		if err != nil {
			p.resources = grown
			return fmt.Errorf("pool: create handle %d: %w", i, err)
		}
		grown = append(grown, h)
	}
	p.resources = grown
	return nil
}

// Acquire returns an available handle, doubling the pool when none is left.
func (p *Pool[T]) Acquire() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.next == len(p.resources) {
		size := max(1, 2*len(p.resources))
		if err := p.resize(size); err != nil {
			// resize may have produced some handles before failing.
			if p.next == len(p.resources) {
				var zero T
				return zero, err
			}
		}
	}
	h := p.resources[p.next]
	p.next++
	return h, nil
}

// Release returns a handle previously obtained from Acquire on this pool.
func (p *Pool[T]) Release(h T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next == 0 {
		return
	}
	p.next--
	p.resources[p.next] = h
}

// Clear destroys every handle the pool created. Destroy failures are joined
// and returned; callers tearing down a process typically only log them.
func (p *Pool[T]) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, h := range p.resources {
		if err := p.alloc.Destroy(h); err != nil {
			errs = append(errs, err)
		}
	}
	p.resources = nil
	p.next = 0
	return errors.Join(errs...)
}

// Len returns the number of handles the pool owns.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}

// InUse returns the number of checked-out handles.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}
