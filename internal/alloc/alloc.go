// Package alloc allocates device, pinned host and managed memory on one
// device and remembers which kind each pointer was allocated as.
package alloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/offload/internal/device"
)

// Kind is the kind of memory requested by the front end.
type Kind int32

const (
	Default Kind = iota
	Device
	Host
	Shared
)

func (k Kind) String() string {
	switch k {
	case Default:
		return "default"
	case Device:
		return "device"
	case Host:
		return "host"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
}

// ErrUnknownPointer is returned when freeing memory this allocator did not
// hand out.
var ErrUnknownPointer = errors.New("alloc: unknown pointer")

// ErrUnknownKind reports an allocation kind outside the known set.
var ErrUnknownKind = errors.New("alloc: unknown allocation kind")

// Allocator allocates on one device context.
type Allocator struct {
	ctx device.Context

	mu    sync.Mutex
	kinds map[device.Ptr]Kind
}

func New(ctx device.Context) *Allocator {
	return &Allocator{ctx: ctx, kinds: make(map[device.Ptr]Kind)}
}

// Alloc returns size bytes of the requested kind. A zero size returns a nil
// pointer and no error.
func (a *Allocator) Alloc(size int64, kind Kind) (device.Ptr, error) {
	if size == 0 {
		return 0, nil
	}
	if size < 0 {
		return 0, fmt.Errorf("alloc: negative size %d", size)
	}
	if err := a.ctx.MakeCurrent(); err != nil {
		return 0, err
	}
	var (
		p   device.Ptr
		err error
	)
	switch kind {
	case Default, Device:
		p, err = a.ctx.MemAlloc(size)
	case Host:
		p, err = a.ctx.MemAllocHost(size)
	case Shared:
		p, err = a.ctx.MemAllocManaged(size)
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if err != nil {
		return 0, fmt.Errorf("alloc %d bytes of %s memory: %w", size, kind, err)
	}
	a.mu.Lock()
	a.kinds[p] = kind
	a.mu.Unlock()
	return p, nil
}

// Free releases p with the call matching its kind.
func (a *Allocator) Free(p device.Ptr) error {
	a.mu.Lock()
	kind, ok := a.kinds[p]
	delete(a.kinds, p)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownPointer, uintptr(p))
	}
	if err := a.ctx.MakeCurrent(); err != nil {
		return err
	}
	var err error
	if kind == Host {
		err = a.ctx.MemFreeHost(p)
	} else {
		err = a.ctx.MemFree(p)
	}
	if err != nil {
		return fmt.Errorf("free %s memory %#x: %w", kind, uintptr(p), err)
	}
	return nil
}

// KindOf reports the kind p was allocated as.
func (a *Allocator) KindOf(p device.Ptr) (Kind, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k, ok := a.kinds[p]
	return k, ok
}

// Live is the number of outstanding allocations.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.kinds)
}
