package cuda

import (
	"bytes"
	"debug/elf"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/samcharles93/offload/internal/device"
)

// Triple is the target triple of CUDA device modules.
const Triple = "nvptx64-nvidia-cuda"

// Driver is the CUDA driver API.
type Driver struct{}

var _ device.Driver = (*Driver)(nil)

// New loads libcuda and initialises the driver API. It fails with an error
// wrapping device.ErrUnavailable when the library cannot be loaded.
func New() (*Driver, error) {
	if err := load(); err != nil {
		return nil, err
	}
	return &Driver{}, nil
}

func (*Driver) Name() string   { return "cuda" }
func (*Driver) Triple() string { return Triple }

func (*Driver) DeviceCount() (int, error) {
	var n int32
	if err := check(cuDeviceGetCount(&n), "cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return int(n), nil
}

// IsNativeImage reports whether image is an ELF object for the CUDA
// machine.
func (*Driver) IsNativeImage(image []byte) bool {
	return IsCUDAImage(image)
}

// IsCUDAImage reports whether image is an ELF object with machine EM_CUDA.
func IsCUDAImage(image []byte) bool {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return false
	}
	defer f.Close()
	return f.Machine == elf.EM_CUDA
}

func (*Driver) Open(ordinal int) (device.Context, error) {
	var dev int32
	if err := check(cuDeviceGet(&dev, int32(ordinal)), "cuDeviceGet"); err != nil {
		return nil, err
	}
	var ctx uintptr
	if err := check(cuDevicePrimaryCtxRetain(&ctx, dev), "cuDevicePrimaryCtxRetain"); err != nil {
		return nil, err
	}
	return &Context{ordinal: ordinal, dev: dev, ctx: ctx}, nil
}

// Context is the primary context of one CUDA device.
type Context struct {
	ordinal int
	dev     int32
	ctx     uintptr
}

var _ device.Context = (*Context)(nil)

// do runs fn with the context current on a locked OS thread. Driver contexts
// are thread-bound and goroutines migrate between threads.
func (c *Context) do(op string, fn func() CUresult) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := check(cuCtxSetCurrent(c.ctx), "cuCtxSetCurrent"); err != nil {
		return err
	}
	return check(fn(), op)
}

func (c *Context) Ordinal() int { return c.ordinal }

func (c *Context) Attributes() (device.Attributes, error) {
	var a device.Attributes
	name := make([]byte, 256)
	if err := check(cuDeviceGetName(&name[0], int32(len(name)), c.dev), "cuDeviceGetName"); err != nil {
		return a, err
	}
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	a.Name = string(name)
	if err := check(cuDeviceTotalMem(&a.TotalMemory, c.dev), "cuDeviceTotalMem"); err != nil {
		return a, err
	}

	ints := []struct {
		attr int32
		dst  *int
	}{
		{CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR, &a.ComputeMajor},
		{CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR, &a.ComputeMinor},
		{CU_DEVICE_ATTRIBUTE_MAX_BLOCK_DIM_X, &a.MaxThreadsPerBlock},
		{CU_DEVICE_ATTRIBUTE_MAX_GRID_DIM_X, &a.MaxBlocksPerGrid},
		{CU_DEVICE_ATTRIBUTE_WARP_SIZE, &a.WarpSize},
		{CU_DEVICE_ATTRIBUTE_MAX_REGISTERS_PER_BLOCK, &a.MaxRegistersPerBlock},
		{CU_DEVICE_ATTRIBUTE_MAX_SHARED_MEMORY_PER_BLOCK, &a.MaxSharedPerBlock},
		{CU_DEVICE_ATTRIBUTE_MULTIPROCESSOR_COUNT, &a.MultiProcessors},
		{CU_DEVICE_ATTRIBUTE_CLOCK_RATE, &a.ClockRateKHz},
		{CU_DEVICE_ATTRIBUTE_MEMORY_CLOCK_RATE, &a.MemoryClockKHz},
		{CU_DEVICE_ATTRIBUTE_GLOBAL_MEMORY_BUS_WIDTH, &a.MemoryBusWidth},
		{CU_DEVICE_ATTRIBUTE_L2_CACHE_SIZE, &a.L2CacheSize},
	}
	for _, q := range ints {
		var v int32
		if err := check(cuDeviceGetAttribute(&v, q.attr, c.dev), "cuDeviceGetAttribute"); err != nil {
			return a, fmt.Errorf("attribute %d: %w", q.attr, err)
		}
		*q.dst = int(v)
	}

	flags := []struct {
		attr int32
		dst  *bool
	}{
		{CU_DEVICE_ATTRIBUTE_CONCURRENT_KERNELS, &a.ConcurrentKernels},
		{CU_DEVICE_ATTRIBUTE_UNIFIED_ADDRESSING, &a.UnifiedAddressing},
		{CU_DEVICE_ATTRIBUTE_MANAGED_MEMORY, &a.ManagedMemory},
	}
	for _, q := range flags {
		var v int32
		if err := check(cuDeviceGetAttribute(&v, q.attr, c.dev), "cuDeviceGetAttribute"); err != nil {
			return a, fmt.Errorf("attribute %d: %w", q.attr, err)
		}
		*q.dst = v != 0
	}
	return a, nil
}

func (c *Context) MakeCurrent() error {
	return check(cuCtxSetCurrent(c.ctx), "cuCtxSetCurrent")
}

func (c *Context) SetLimit(l device.Limit, value uint64) error {
	var limit int32
	switch l {
	case device.LimitStackSize:
		limit = CU_LIMIT_STACK_SIZE
	case device.LimitMallocHeapSize:
		limit = CU_LIMIT_MALLOC_HEAP_SIZE
	default:
		return device.Failed("cuCtxSetLimit", int(CUDA_ERROR_INVALID_VALUE), "unknown limit", device.ErrInvalidValue)
	}
	return c.do("cuCtxSetLimit", func() CUresult { return cuCtxSetLimit(limit, value) })
}

func (c *Context) Close() error {
	return check(cuDevicePrimaryCtxRelease(c.dev), "cuDevicePrimaryCtxRelease")
}

func (c *Context) CreateStream() (device.Stream, error) {
	var s uintptr
	err := c.do("cuStreamCreate", func() CUresult { return cuStreamCreate(&s, CU_STREAM_NON_BLOCKING) })
	return device.Stream(s), err
}

func (c *Context) DestroyStream(s device.Stream) error {
	return c.do("cuStreamDestroy", func() CUresult { return cuStreamDestroy(uintptr(s)) })
}

func (c *Context) SynchronizeStream(s device.Stream) error {
	return c.do("cuStreamSynchronize", func() CUresult { return cuStreamSynchronize(uintptr(s)) })
}

func (c *Context) CreateEvent() (device.Event, error) {
	var e uintptr
	err := c.do("cuEventCreate", func() CUresult { return cuEventCreate(&e, CU_EVENT_DEFAULT) })
	return device.Event(e), err
}

func (c *Context) DestroyEvent(e device.Event) error {
	return c.do("cuEventDestroy", func() CUresult { return cuEventDestroy(uintptr(e)) })
}

func (c *Context) RecordEvent(e device.Event, s device.Stream) error {
	return c.do("cuEventRecord", func() CUresult { return cuEventRecord(uintptr(e), uintptr(s)) })
}

func (c *Context) StreamWaitEvent(s device.Stream, e device.Event) error {
	return c.do("cuStreamWaitEvent", func() CUresult { return cuStreamWaitEvent(uintptr(s), uintptr(e), 0) })
}

func (c *Context) SynchronizeEvent(e device.Event) error {
	return c.do("cuEventSynchronize", func() CUresult { return cuEventSynchronize(uintptr(e)) })
}

func (c *Context) MemAlloc(size int64) (device.Ptr, error) {
	var p uintptr
	err := c.do("cuMemAlloc", func() CUresult { return cuMemAlloc(&p, uint64(size)) })
	return device.Ptr(p), err
}

func (c *Context) MemFree(p device.Ptr) error {
	return c.do("cuMemFree", func() CUresult { return cuMemFree(uintptr(p)) })
}

func (c *Context) MemAllocHost(size int64) (device.Ptr, error) {
	var p uintptr
	err := c.do("cuMemAllocHost", func() CUresult { return cuMemAllocHost(&p, uint64(size)) })
	return device.Ptr(p), err
}

func (c *Context) MemFreeHost(p device.Ptr) error {
	return c.do("cuMemFreeHost", func() CUresult { return cuMemFreeHost(uintptr(p)) })
}

func (c *Context) MemAllocManaged(size int64) (device.Ptr, error) {
	var p uintptr
	err := c.do("cuMemAllocManaged", func() CUresult { return cuMemAllocManaged(&p, uint64(size), CU_MEM_ATTACH_GLOBAL) })
	return device.Ptr(p), err
}

// CopyHtoDAsync copies from pageable Go memory, which the driver stages
// before returning.
func (c *Context) CopyHtoDAsync(dst device.Ptr, src []byte, s device.Stream) error {
	if len(src) == 0 {
		return nil
	}
	err := c.do("cuMemcpyHtoDAsync", func() CUresult {
		return cuMemcpyHtoDAsync(uintptr(dst), unsafe.Pointer(&src[0]), uint64(len(src)), uintptr(s))
	})
	runtime.KeepAlive(src)
	return err
}

func (c *Context) CopyDtoHAsync(dst []byte, src device.Ptr, s device.Stream) error {
	if len(dst) == 0 {
		return nil
	}
	err := c.do("cuMemcpyDtoHAsync", func() CUresult {
		return cuMemcpyDtoHAsync(unsafe.Pointer(&dst[0]), uintptr(src), uint64(len(dst)), uintptr(s))
	})
	runtime.KeepAlive(dst)
	return err
}

func (c *Context) CopyDtoDAsync(dst, src device.Ptr, size int64, s device.Stream) error {
	return c.do("cuMemcpyDtoDAsync", func() CUresult {
		return cuMemcpyDtoDAsync(uintptr(dst), uintptr(src), uint64(size), uintptr(s))
	})
}

func peerOf(op string, p device.Context) (*Context, error) {
	pc, ok := p.(*Context)
	if !ok {
		return nil, device.Failed(op, int(CUDA_ERROR_INVALID_CONTEXT), "peer is not a CUDA context", device.ErrInvalidValue)
	}
	return pc, nil
}

func (c *Context) CanAccessPeer(p device.Context) (bool, error) {
	pc, err := peerOf("cuDeviceCanAccessPeer", p)
	if err != nil {
		return false, err
	}
	var ok int32
	if err := check(cuDeviceCanAccessPeer(&ok, c.dev, pc.dev), "cuDeviceCanAccessPeer"); err != nil {
		return false, err
	}
	return ok != 0, nil
}

func (c *Context) EnablePeerAccess(p device.Context) error {
	pc, err := peerOf("cuCtxEnablePeerAccess", p)
	if err != nil {
		return err
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := check(cuCtxSetCurrent(c.ctx), "cuCtxSetCurrent"); err != nil {
		return err
	}
	r := cuCtxEnablePeerAccess(pc.ctx, 0)
	if r == CUDA_ERROR_PEER_ACCESS_ALREADY_ENABLED {
		return nil
	}
	return check(r, "cuCtxEnablePeerAccess")
}

func (c *Context) CopyPeerAsync(dst device.Ptr, dstCtx device.Context, src device.Ptr, size int64, s device.Stream) error {
	pc, err := peerOf("cuMemcpyPeerAsync", dstCtx)
	if err != nil {
		return err
	}
	return c.do("cuMemcpyPeerAsync", func() CUresult {
		return cuMemcpyPeerAsync(uintptr(dst), pc.ctx, uintptr(src), c.ctx, uint64(size), uintptr(s))
	})
}

func (c *Context) LoadModule(image []byte, opts device.ModuleOptions) (device.Module, error) {
	if len(image) == 0 {
		return 0, device.Failed("cuModuleLoadDataEx", int(CUDA_ERROR_INVALID_IMAGE), "empty image", device.ErrInvalidImage)
	}
	// PTX text must be NUL-terminated; cubins ignore the trailing byte.
	buf := make([]byte, len(image)+1)
	copy(buf, image)

	var (
		m       uintptr
		options []int32
		values  []uintptr
	)
	if opts.MaxRegisters > 0 {
		options = append(options, CU_JIT_MAX_REGISTERS)
		values = append(values, uintptr(opts.MaxRegisters))
	}
	err := c.do("cuModuleLoadDataEx", func() CUresult {
		var optPtr *int32
		var valPtr *uintptr
		if len(options) > 0 {
			optPtr, valPtr = &options[0], &values[0]
		}
		return cuModuleLoadDataEx(&m, unsafe.Pointer(&buf[0]), uint32(len(options)), optPtr, valPtr)
	})
	runtime.KeepAlive(buf)
	return device.Module(m), err
}

func (c *Context) UnloadModule(m device.Module) error {
	return c.do("cuModuleUnload", func() CUresult { return cuModuleUnload(uintptr(m)) })
}

func (c *Context) GetFunction(m device.Module, name string) (device.Function, error) {
	var f uintptr
	err := c.do("cuModuleGetFunction", func() CUresult { return cuModuleGetFunction(&f, uintptr(m), cstring(name)) })
	return device.Function(f), err
}

func (c *Context) FunctionMaxThreads(f device.Function) (int, error) {
	var v int32
	err := c.do("cuFuncGetAttribute", func() CUresult {
		return cuFuncGetAttribute(&v, CU_FUNC_ATTRIBUTE_MAX_THREADS_PER_BLOCK, uintptr(f))
	})
	return int(v), err
}

func (c *Context) GetGlobal(m device.Module, name string) (device.Ptr, int64, error) {
	var (
		p    uintptr
		size uint64
	)
	err := c.do("cuModuleGetGlobal", func() CUresult { return cuModuleGetGlobal(&p, &size, uintptr(m), cstring(name)) })
	return device.Ptr(p), int64(size), err
}

// Launch passes each argument word by address. The word and pointer arrays
// are pinned for the duration of the call.
func (c *Context) Launch(f device.Function, cfg device.LaunchConfig, s device.Stream, args []uint64) error {
	var params unsafe.Pointer
	var pinner runtime.Pinner
	defer pinner.Unpin()
	if len(args) > 0 {
		words := append([]uint64(nil), args...)
		ptrs := make([]unsafe.Pointer, len(words))
		pinner.Pin(&words[0])
		for i := range words {
			ptrs[i] = unsafe.Pointer(&words[i])
		}
		pinner.Pin(&ptrs[0])
		params = unsafe.Pointer(&ptrs[0])
	}
	return c.do("cuLaunchKernel", func() CUresult {
		return cuLaunchKernel(uintptr(f),
			uint32(cfg.Blocks), 1, 1,
			uint32(cfg.Threads), 1, 1,
			uint32(cfg.SharedMem), uintptr(s), params, nil)
	})
}
