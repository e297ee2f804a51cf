package sim

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// Body is the code of a kernel, run once per participating thread.
type Body func(tc *ThreadContext) error

var (
	registryMu sync.RWMutex
	registry   = map[string]Body{}
)

// Register binds symbol to body. Registering a symbol twice panics, as with
// duplicate flag or driver registrations.
func Register(symbol string, body Body) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if body == nil {
		panic("sim: Register body is nil")
	}
	if _, dup := registry[symbol]; dup {
		panic("sim: Register called twice for " + symbol)
	}
	registry[symbol] = body
}

func lookupBody(symbol string) (Body, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[symbol]
	return b, ok
}

// ThreadContext is what a kernel body sees of its thread and device.
type ThreadContext struct {
	Block   int
	Blocks  int
	Thread  int
	Threads int

	args []uint64
	mem  *space
	mod  *module
	team *team
}

// Arg returns argument i after baked constants were applied.
func (tc *ThreadContext) Arg(i int) uint64 {
	if i < 0 || i >= len(tc.args) {
		return 0
	}
	return tc.args[i]
}

// NumArgs is the launch argument count.
func (tc *ThreadContext) NumArgs() int { return len(tc.args) }

// GlobalID is the thread's index across the grid.
func (tc *ThreadContext) GlobalID() int { return tc.Block*tc.Threads + tc.Thread }

// GridSize is the total number of threads in the launch.
func (tc *ThreadContext) GridSize() int { return tc.Blocks * tc.Threads }

// Global returns the device address of a module global, hidden ones
// included.
func (tc *ThreadContext) Global(name string) (uint64, error) {
	g, ok := tc.mod.globals[name]
	if !ok {
		return 0, fmt.Errorf("sim: global %q not in module", name)
	}
	return g.addr, nil
}

// Bytes returns a view of n bytes of device memory at addr.
func (tc *ThreadContext) Bytes(addr uint64, n int) ([]byte, error) {
	return tc.mem.view(addr, int64(n))
}

func (tc *ThreadContext) Uint32(addr uint64) (uint32, error) {
	b, err := tc.mem.view(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (tc *ThreadContext) PutUint32(addr uint64, v uint32) error {
	b, err := tc.mem.view(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (tc *ThreadContext) Uint64(addr uint64) (uint64, error) {
	b, err := tc.mem.view(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (tc *ThreadContext) PutUint64(addr uint64, v uint64) error {
	b, err := tc.mem.view(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (tc *ThreadContext) Float32(addr uint64) (float32, error) {
	v, err := tc.Uint32(addr)
	return math.Float32frombits(v), err
}

func (tc *ThreadContext) PutFloat32(addr uint64, v float32) error {
	return tc.PutUint32(addr, math.Float32bits(v))
}

// AddUint32 atomically adds v at addr and returns the previous value.
func (tc *ThreadContext) AddUint32(addr uint64, v uint32) (uint32, error) {
	return tc.mem.addUint32(addr, v)
}

// AddFloat32 atomically adds v at addr.
func (tc *ThreadContext) AddFloat32(addr uint64, v float32) error {
	return tc.mem.addFloat32(addr, v)
}

// Parallel runs region on the team's worker threads and waits for them. It
// is only valid on the main thread of a generic-mode kernel; inside the
// region each worker sees its own Thread index and Threads is the worker
// count.
func (tc *ThreadContext) Parallel(region Body) error {
	if tc.team == nil {
		return fmt.Errorf("sim: Parallel called outside the main thread of a generic kernel")
	}
	return tc.team.parallel(region)
}
