// Package device defines the driver surface the plugin runs on. A Driver
// enumerates devices of one kind; a Context is an opened device with its
// memory, streams, events and loaded modules.
package device

// Opaque handles issued by a Context. The zero value is never a valid handle.
type (
	Stream   uintptr
	Event    uintptr
	Module   uintptr
	Function uintptr
	// Ptr is a device address.
	Ptr uintptr
)

// Limit selects a device resource limit.
type Limit int

const (
	LimitStackSize Limit = iota + 1
	LimitMallocHeapSize
)

func (l Limit) String() string {
	switch l {
	case LimitStackSize:
		return "stack_size"
	case LimitMallocHeapSize:
		return "malloc_heap_size"
	default:
		return "unknown"
	}
}

// Attributes are the properties of a device the plugin sizes launches and
// reports diagnostics from. Zero means the driver did not report the value.
type Attributes struct {
	Name                 string `json:"name"`
	ComputeMajor         int    `json:"compute_major"`
	ComputeMinor         int    `json:"compute_minor"`
	MaxThreadsPerBlock   int    `json:"max_threads_per_block"`
	MaxBlocksPerGrid     int    `json:"max_blocks_per_grid"`
	WarpSize             int    `json:"warp_size"`
	MaxRegistersPerBlock int    `json:"max_registers_per_block"`
	MaxSharedPerBlock    int    `json:"max_shared_memory_per_block"`
	MultiProcessors      int    `json:"multiprocessors"`
	ClockRateKHz         int    `json:"clock_rate_khz"`
	MemoryClockKHz       int    `json:"memory_clock_khz"`
	MemoryBusWidth       int    `json:"memory_bus_width"`
	L2CacheSize          int    `json:"l2_cache_size"`
	TotalMemory          uint64 `json:"total_memory"`
	ConcurrentKernels    bool   `json:"concurrent_kernels"`
	UnifiedAddressing    bool   `json:"unified_addressing"`
	ManagedMemory        bool   `json:"managed_memory"`
}

// LaunchConfig is the shape of one kernel launch.
type LaunchConfig struct {
	Blocks    int
	Threads   int
	SharedMem int
}

// ModuleOptions tune module loading.
type ModuleOptions struct {
	// MaxRegisters caps registers per thread when the driver compiles the
	// image, 0 for the driver default.
	MaxRegisters int
}

// Driver enumerates and opens devices of one kind.
type Driver interface {
	Name() string
	// Triple is the target triple of JIT-able modules for this driver.
	Triple() string
	DeviceCount() (int, error)
	Open(ordinal int) (Context, error)
	// IsNativeImage reports whether image can be loaded without JIT.
	IsNativeImage(image []byte) bool
}

// Context is an opened device. Methods are safe for concurrent use.
type Context interface {
	Ordinal() int
	Attributes() (Attributes, error)
	// MakeCurrent binds the context to the calling thread where the driver
	// requires it.
	MakeCurrent() error
	SetLimit(l Limit, value uint64) error
	Close() error

	CreateStream() (Stream, error)
	DestroyStream(s Stream) error
	SynchronizeStream(s Stream) error

	CreateEvent() (Event, error)
	DestroyEvent(e Event) error
	RecordEvent(e Event, s Stream) error
	// StreamWaitEvent makes s wait for e without blocking the host.
	StreamWaitEvent(s Stream, e Event) error
	SynchronizeEvent(e Event) error

	MemAlloc(size int64) (Ptr, error)
	MemFree(p Ptr) error
	MemAllocHost(size int64) (Ptr, error)
	MemFreeHost(p Ptr) error
	MemAllocManaged(size int64) (Ptr, error)

	CopyHtoDAsync(dst Ptr, src []byte, s Stream) error
	CopyDtoHAsync(dst []byte, src Ptr, s Stream) error
	CopyDtoDAsync(dst, src Ptr, size int64, s Stream) error

	CanAccessPeer(peer Context) (bool, error)
	EnablePeerAccess(peer Context) error
	CopyPeerAsync(dst Ptr, dstCtx Context, src Ptr, size int64, s Stream) error

	LoadModule(image []byte, opts ModuleOptions) (Module, error)
	UnloadModule(m Module) error
	GetFunction(m Module, name string) (Function, error)
	// FunctionMaxThreads is the most threads per block f can be launched with.
	FunctionMaxThreads(f Function) (int, error)
	// GetGlobal returns the address and byte size of a module global, or an
	// error wrapping ErrNotFound.
	GetGlobal(m Module, name string) (Ptr, int64, error)

	Launch(f Function, cfg LaunchConfig, s Stream, args []uint64) error
}
