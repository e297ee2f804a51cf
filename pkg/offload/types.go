package offload

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/samcharles93/offload/internal/alloc"
	"github.com/samcharles93/offload/internal/device"
	"github.com/samcharles93/offload/internal/ir"
	"github.com/samcharles93/offload/internal/kernel"
)

// BinaryKind classifies a device image.
type BinaryKind int

const (
	// Rejected images cannot run on this plugin.
	Rejected BinaryKind = iota
	// Native images are loaded by the driver as they are.
	Native
	// NeedsJIT images are specialized and compiled at launch time.
	NeedsJIT
)

func (k BinaryKind) String() string {
	switch k {
	case Rejected:
		return "rejected"
	case Native:
		return "native"
	case NeedsJIT:
		return "jit"
	default:
		return fmt.Sprintf("BinaryKind(%d)", int(k))
	}
}

// Requires flags recorded by InitRequires.
const (
	RequiresNone                int64 = 0x001
	RequiresReverseOffload      int64 = 0x002
	RequiresUnifiedAddress      int64 = 0x004
	RequiresUnifiedSharedMemory int64 = 0x008
	RequiresDynamicAllocators   int64 = 0x010
)

// AllocKind is the kind of memory DataAlloc returns.
type AllocKind = alloc.Kind

const (
	AllocDefault = alloc.Default
	AllocDevice  = alloc.Device
	AllocHost    = alloc.Host
	AllocShared  = alloc.Shared
)

// OffloadEntry is a host-side symbol of an image. A zero Size marks a kernel;
// anything else is a global whose host copy is Data.
type OffloadEntry struct {
	Name  string
	Addr  uintptr
	Size  int64
	Flags int32
	Data  []byte
}

// IsKernel reports whether e names a kernel.
func (e OffloadEntry) IsKernel() bool { return e.Size == 0 }

// DeviceImage is a binary together with the host entries it provides.
type DeviceImage struct {
	Image   []byte
	Entries []OffloadEntry
}

// Kernel is the device side of a kernel entry.
type Kernel struct {
	Name string
	Mode kernel.ExecMode
	// MaxThreads is the compiled function's threads-per-block limit.
	MaxThreads int

	fn  device.Function
	jit *jitImage
}

// IsJIT reports whether the kernel is compiled at launch time.
func (k *Kernel) IsJIT() bool { return k.jit != nil }

// TableEntry maps a host entry to its device address or kernel.
type TableEntry struct {
	Name   string
	Addr   device.Ptr
	Size   int64
	Kernel *Kernel
}

// TargetTable is the result of loading an image on a device.
type TargetTable struct {
	Entries []TableEntry
}

// Lookup returns the entry named name.
func (t *TargetTable) Lookup(name string) (*TableEntry, bool) {
	for i := range t.Entries {
		if t.Entries[i].Name == name {
			return &t.Entries[i], true
		}
	}
	return nil, false
}

// jitImage is a registered NeedsJIT image. The module is decoded once and
// cloned by the specializer per launch shape.
type jitImage struct {
	mod     *ir.Module
	entries []OffloadEntry
}

// AsyncInfo is a queue of device work. Its stream is acquired on first use
// and returned by Synchronize or ReleaseAsyncInfo.
type AsyncInfo struct {
	Queue device.Stream
	ID    uuid.UUID
}

// NewAsyncInfo returns an empty queue with a fresh correlation ID.
func NewAsyncInfo() *AsyncInfo {
	return &AsyncInfo{ID: uuid.New()}
}

// Event is a device event handle.
type Event struct {
	ID     uuid.UUID
	handle device.Event
}
