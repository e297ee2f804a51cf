package sim

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/samcharles93/offload/internal/device"
)

// Alignment of every allocation.
const Alignment = 256

type memKind uint8

const (
	memDevice memKind = iota + 1
	memHost
	memManaged
	memGlobal
)

func (k memKind) String() string {
	switch k {
	case memDevice:
		return "device"
	case memHost:
		return "host"
	case memManaged:
		return "managed"
	case memGlobal:
		return "global"
	default:
		return "unknown"
	}
}

type allocation struct {
	base uint64
	kind memKind
	data []byte
}

func (a *allocation) end() uint64 { return a.base + uint64(len(a.data)) }

// space is one device's address space: a bump allocator over a private
// range, with live allocations kept sorted by base for range lookup.
type space struct {
	mu     sync.RWMutex
	next   uint64
	used   uint64
	limit  uint64
	allocs []*allocation
}

func newSpace(ordinal int, limit uint64) *space {
	return &space{next: uint64(ordinal+1) << 40, limit: limit}
}

func (s *space) alloc(size int64, kind memKind) (device.Ptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: allocation size %d", device.ErrInvalidValue, size)
	}
	rounded := (uint64(size) + Alignment - 1) &^ (Alignment - 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.used+rounded > s.limit {
		return 0, fmt.Errorf("%w: %d bytes requested, %d of %d in use", device.ErrOutOfMemory, size, s.used, s.limit)
	}
	a := &allocation{base: s.next, kind: kind, data: make([]byte, size)}
	s.next += rounded
	s.used += rounded
	// Bases grow monotonically so appending keeps the slice sorted.
	s.allocs = append(s.allocs, a)
	return device.Ptr(a.base), nil
}

// free releases the allocation at p, which must be one of kinds.
func (s *space) free(p device.Ptr, kinds ...memKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(uint64(p))
	if i < 0 || s.allocs[i].base != uint64(p) {
		return fmt.Errorf("%w: %#x is not an allocation", device.ErrInvalidValue, uintptr(p))
	}
	a := s.allocs[i]
	if !slices.Contains(kinds, a.kind) {
		return fmt.Errorf("%w: %#x is %s memory, freed as %s", device.ErrInvalidValue, uintptr(p), a.kind, kinds[0])
	}
	s.used -= (uint64(len(a.data)) + Alignment - 1) &^ (Alignment - 1)
	s.allocs = append(s.allocs[:i], s.allocs[i+1:]...)
	return nil
}

// index returns the allocation containing addr, or -1. Callers hold mu.
func (s *space) index(addr uint64) int {
	i := sort.Search(len(s.allocs), func(i int) bool { return s.allocs[i].end() > addr })
	if i == len(s.allocs) || s.allocs[i].base > addr {
		return -1
	}
	return i
}

// view returns the n bytes at addr. The range must lie within one
// allocation.
func (s *space) view(addr uint64, n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", device.ErrInvalidValue, n)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.index(addr)
	if i < 0 {
		return nil, fmt.Errorf("%w: address %#x is not mapped", device.ErrInvalidValue, addr)
	}
	a := s.allocs[i]
	off := addr - a.base
	if uint64(n) > uint64(len(a.data))-off {
		return nil, fmt.Errorf("%w: %d bytes at %#x overrun a %d byte allocation", device.ErrInvalidValue, n, addr, len(a.data))
	}
	return a.data[off : off+uint64(n) : off+uint64(n)], nil
}

func (s *space) hostVisible(addr uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.index(addr)
	return i >= 0 && (s.allocs[i].kind == memHost || s.allocs[i].kind == memManaged)
}

func (s *space) inUse() (bytes uint64, count int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used, len(s.allocs)
}

func (s *space) reset() {
	s.mu.Lock()
	s.allocs = nil
	s.used = 0
	s.mu.Unlock()
}

// atomicMu serialises read-modify-write operations issued by kernels.
var atomicMu sync.Mutex

func (s *space) addUint32(addr uint64, v uint32) (uint32, error) {
	b, err := s.view(addr, 4)
	if err != nil {
		return 0, err
	}
	atomicMu.Lock()
	old := binary.LittleEndian.Uint32(b)
	binary.LittleEndian.PutUint32(b, old+v)
	atomicMu.Unlock()
	return old, nil
}

func (s *space) addFloat32(addr uint64, v float32) error {
	b, err := s.view(addr, 4)
	if err != nil {
		return err
	}
	atomicMu.Lock()
	old := math.Float32frombits(binary.LittleEndian.Uint32(b))
	binary.LittleEndian.PutUint32(b, math.Float32bits(old+v))
	atomicMu.Unlock()
	return nil
}
