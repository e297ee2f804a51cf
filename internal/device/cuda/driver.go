// Package cuda binds the CUDA driver API at runtime through purego. No cgo
// is required; libcuda is opened with dlopen on first use.
package cuda

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/samcharles93/offload/internal/device"
)

// CUresult is a driver API status code.
type CUresult int32

const (
	CUDA_SUCCESS                           CUresult = 0
	CUDA_ERROR_INVALID_VALUE               CUresult = 1
	CUDA_ERROR_OUT_OF_MEMORY               CUresult = 2
	CUDA_ERROR_NOT_INITIALIZED             CUresult = 3
	CUDA_ERROR_DEINITIALIZED               CUresult = 4
	CUDA_ERROR_NO_DEVICE                   CUresult = 100
	CUDA_ERROR_INVALID_DEVICE              CUresult = 101
	CUDA_ERROR_INVALID_IMAGE               CUresult = 200
	CUDA_ERROR_INVALID_CONTEXT             CUresult = 201
	CUDA_ERROR_NO_BINARY_FOR_GPU           CUresult = 209
	CUDA_ERROR_PEER_ACCESS_UNSUPPORTED     CUresult = 217
	CUDA_ERROR_INVALID_PTX                 CUresult = 218
	CUDA_ERROR_INVALID_HANDLE              CUresult = 400
	CUDA_ERROR_NOT_FOUND                   CUresult = 500
	CUDA_ERROR_NOT_READY                   CUresult = 600
	CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES     CUresult = 701
	CUDA_ERROR_PEER_ACCESS_ALREADY_ENABLED CUresult = 704
	CUDA_ERROR_ILLEGAL_ADDRESS             CUresult = 700
	CUDA_ERROR_MISALIGNED_ADDRESS          CUresult = 716
	CUDA_ERROR_LAUNCH_FAILED               CUresult = 719
	CUDA_ERROR_NOT_SUPPORTED               CUresult = 801
)

var resultNames = map[CUresult]string{
	CUDA_ERROR_INVALID_VALUE:               "INVALID_VALUE",
	CUDA_ERROR_OUT_OF_MEMORY:               "OUT_OF_MEMORY",
	CUDA_ERROR_NOT_INITIALIZED:             "NOT_INITIALIZED",
	CUDA_ERROR_DEINITIALIZED:               "DEINITIALIZED",
	CUDA_ERROR_NO_DEVICE:                   "NO_DEVICE",
	CUDA_ERROR_INVALID_DEVICE:              "INVALID_DEVICE",
	CUDA_ERROR_INVALID_IMAGE:               "INVALID_IMAGE",
	CUDA_ERROR_INVALID_CONTEXT:             "INVALID_CONTEXT",
	CUDA_ERROR_NO_BINARY_FOR_GPU:           "NO_BINARY_FOR_GPU",
	CUDA_ERROR_PEER_ACCESS_UNSUPPORTED:     "PEER_ACCESS_UNSUPPORTED",
	CUDA_ERROR_INVALID_PTX:                 "INVALID_PTX",
	CUDA_ERROR_INVALID_HANDLE:              "INVALID_HANDLE",
	CUDA_ERROR_NOT_FOUND:                   "NOT_FOUND",
	CUDA_ERROR_NOT_READY:                   "NOT_READY",
	CUDA_ERROR_ILLEGAL_ADDRESS:             "ILLEGAL_ADDRESS",
	CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES:     "LAUNCH_OUT_OF_RESOURCES",
	CUDA_ERROR_PEER_ACCESS_ALREADY_ENABLED: "PEER_ACCESS_ALREADY_ENABLED",
	CUDA_ERROR_MISALIGNED_ADDRESS:          "MISALIGNED_ADDRESS",
	CUDA_ERROR_LAUNCH_FAILED:               "LAUNCH_FAILED",
	CUDA_ERROR_NOT_SUPPORTED:               "NOT_SUPPORTED",
}

func (r CUresult) Error() string {
	if r == CUDA_SUCCESS {
		return "CUDA_SUCCESS"
	}
	if name, ok := resultNames[r]; ok {
		return "CUDA_ERROR_" + name
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// kind maps a result onto the portable device sentinels.
func (r CUresult) kind() error {
	switch r {
	case CUDA_ERROR_NOT_FOUND:
		return device.ErrNotFound
	case CUDA_ERROR_OUT_OF_MEMORY:
		return device.ErrOutOfMemory
	case CUDA_ERROR_INVALID_VALUE:
		return device.ErrInvalidValue
	case CUDA_ERROR_INVALID_HANDLE, CUDA_ERROR_INVALID_CONTEXT:
		return device.ErrInvalidHandle
	case CUDA_ERROR_INVALID_IMAGE, CUDA_ERROR_NO_BINARY_FOR_GPU, CUDA_ERROR_INVALID_PTX:
		return device.ErrInvalidImage
	case CUDA_ERROR_NO_DEVICE, CUDA_ERROR_INVALID_DEVICE:
		return device.ErrNoDevice
	case CUDA_ERROR_NOT_SUPPORTED, CUDA_ERROR_PEER_ACCESS_UNSUPPORTED:
		return device.ErrNotSupported
	case CUDA_ERROR_LAUNCH_FAILED, CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES, CUDA_ERROR_ILLEGAL_ADDRESS, CUDA_ERROR_MISALIGNED_ADDRESS:
		return device.ErrLaunchFailed
	default:
		return nil
	}
}

func check(r CUresult, op string) error {
	if r == CUDA_SUCCESS {
		return nil
	}
	return device.Failed(op, int(r), r.Error(), r.kind())
}

// CUdevice_attribute codes.
const (
	CU_DEVICE_ATTRIBUTE_MAX_THREADS_PER_BLOCK       = 1
	CU_DEVICE_ATTRIBUTE_MAX_BLOCK_DIM_X             = 2
	CU_DEVICE_ATTRIBUTE_MAX_GRID_DIM_X              = 5
	CU_DEVICE_ATTRIBUTE_MAX_SHARED_MEMORY_PER_BLOCK = 8
	CU_DEVICE_ATTRIBUTE_WARP_SIZE                   = 10
	CU_DEVICE_ATTRIBUTE_MAX_REGISTERS_PER_BLOCK     = 12
	CU_DEVICE_ATTRIBUTE_CLOCK_RATE                  = 13
	CU_DEVICE_ATTRIBUTE_MULTIPROCESSOR_COUNT        = 16
	CU_DEVICE_ATTRIBUTE_CONCURRENT_KERNELS          = 31
	CU_DEVICE_ATTRIBUTE_MEMORY_CLOCK_RATE           = 36
	CU_DEVICE_ATTRIBUTE_GLOBAL_MEMORY_BUS_WIDTH     = 37
	CU_DEVICE_ATTRIBUTE_L2_CACHE_SIZE               = 38
	CU_DEVICE_ATTRIBUTE_UNIFIED_ADDRESSING          = 41
	CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR    = 75
	CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR    = 76
	CU_DEVICE_ATTRIBUTE_MANAGED_MEMORY              = 83
)

const (
	CU_STREAM_NON_BLOCKING                  = 1
	CU_EVENT_DEFAULT                        = 0
	CU_MEM_ATTACH_GLOBAL                    = 1
	CU_LIMIT_STACK_SIZE                     = 0
	CU_LIMIT_MALLOC_HEAP_SIZE               = 2
	CU_FUNC_ATTRIBUTE_MAX_THREADS_PER_BLOCK = 0
	CU_JIT_MAX_REGISTERS                    = 0
)

var (
	driverOnce sync.Once
	driverErr  error

	cuInit func(flags uint32) CUresult

	cuDeviceGetCount      func(count *int32) CUresult
	cuDeviceGet           func(device *int32, ordinal int32) CUresult
	cuDeviceGetName       func(name *byte, len int32, dev int32) CUresult
	cuDeviceGetAttribute  func(pi *int32, attrib int32, dev int32) CUresult
	cuDeviceTotalMem      func(bytes *uint64, dev int32) CUresult
	cuDeviceCanAccessPeer func(canAccess *int32, dev, peer int32) CUresult

	cuDevicePrimaryCtxRetain  func(pctx *uintptr, dev int32) CUresult
	cuDevicePrimaryCtxRelease func(dev int32) CUresult
	cuCtxSetCurrent           func(ctx uintptr) CUresult
	cuCtxSetLimit             func(limit int32, value uint64) CUresult
	cuCtxEnablePeerAccess     func(peer uintptr, flags uint32) CUresult

	cuStreamCreate      func(phStream *uintptr, flags uint32) CUresult
	cuStreamDestroy     func(hStream uintptr) CUresult
	cuStreamSynchronize func(hStream uintptr) CUresult
	cuStreamWaitEvent   func(hStream, hEvent uintptr, flags uint32) CUresult

	cuEventCreate      func(phEvent *uintptr, flags uint32) CUresult
	cuEventDestroy     func(hEvent uintptr) CUresult
	cuEventRecord      func(hEvent, hStream uintptr) CUresult
	cuEventSynchronize func(hEvent uintptr) CUresult

	cuMemAlloc        func(dptr *uintptr, bytesize uint64) CUresult
	cuMemFree         func(dptr uintptr) CUresult
	cuMemAllocHost    func(pp *uintptr, bytesize uint64) CUresult
	cuMemFreeHost     func(p uintptr) CUresult
	cuMemAllocManaged func(dptr *uintptr, bytesize uint64, flags uint32) CUresult

	cuMemcpyHtoDAsync func(dst uintptr, src unsafe.Pointer, n uint64, hStream uintptr) CUresult
	cuMemcpyDtoHAsync func(dst unsafe.Pointer, src uintptr, n uint64, hStream uintptr) CUresult
	cuMemcpyDtoDAsync func(dst, src uintptr, n uint64, hStream uintptr) CUresult
	cuMemcpyPeerAsync func(dst, dstCtx, src, srcCtx uintptr, n uint64, hStream uintptr) CUresult

	cuModuleLoadDataEx  func(module *uintptr, image unsafe.Pointer, numOptions uint32, options *int32, optionValues *uintptr) CUresult
	cuModuleUnload      func(hmod uintptr) CUresult
	cuModuleGetFunction func(hfunc *uintptr, hmod uintptr, name *byte) CUresult
	cuModuleGetGlobal   func(dptr *uintptr, bytes *uint64, hmod uintptr, name *byte) CUresult
	cuFuncGetAttribute  func(pi *int32, attrib int32, hfunc uintptr) CUresult
	cuLaunchKernel      func(
		f uintptr,
		gridDimX, gridDimY, gridDimZ uint32,
		blockDimX, blockDimY, blockDimZ uint32,
		sharedMemBytes uint32,
		hStream uintptr,
		kernelParams unsafe.Pointer,
		extra unsafe.Pointer,
	) CUresult
)

// load opens libcuda and registers every function pointer.
func load() error {
	driverOnce.Do(func() {
		var lib uintptr
		lib, driverErr = purego.Dlopen("libcuda.so.1", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if driverErr != nil {
			lib, driverErr = purego.Dlopen("libcuda.so", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
			if driverErr != nil {
				driverErr = fmt.Errorf("%w: cannot load libcuda.so: %w", device.ErrUnavailable, driverErr)
				return
			}
		}

		purego.RegisterLibFunc(&cuInit, lib, "cuInit")
		purego.RegisterLibFunc(&cuDeviceGetCount, lib, "cuDeviceGetCount")
		purego.RegisterLibFunc(&cuDeviceGet, lib, "cuDeviceGet")
		purego.RegisterLibFunc(&cuDeviceGetName, lib, "cuDeviceGetName")
		purego.RegisterLibFunc(&cuDeviceGetAttribute, lib, "cuDeviceGetAttribute")
		purego.RegisterLibFunc(&cuDeviceTotalMem, lib, "cuDeviceTotalMem_v2")
		purego.RegisterLibFunc(&cuDeviceCanAccessPeer, lib, "cuDeviceCanAccessPeer")
		purego.RegisterLibFunc(&cuDevicePrimaryCtxRetain, lib, "cuDevicePrimaryCtxRetain")
		purego.RegisterLibFunc(&cuDevicePrimaryCtxRelease, lib, "cuDevicePrimaryCtxRelease_v2")
		purego.RegisterLibFunc(&cuCtxSetCurrent, lib, "cuCtxSetCurrent")
		purego.RegisterLibFunc(&cuCtxSetLimit, lib, "cuCtxSetLimit")
		purego.RegisterLibFunc(&cuCtxEnablePeerAccess, lib, "cuCtxEnablePeerAccess")
		purego.RegisterLibFunc(&cuStreamCreate, lib, "cuStreamCreate")
		purego.RegisterLibFunc(&cuStreamDestroy, lib, "cuStreamDestroy_v2")
		purego.RegisterLibFunc(&cuStreamSynchronize, lib, "cuStreamSynchronize")
		purego.RegisterLibFunc(&cuStreamWaitEvent, lib, "cuStreamWaitEvent")
		purego.RegisterLibFunc(&cuEventCreate, lib, "cuEventCreate")
		purego.RegisterLibFunc(&cuEventDestroy, lib, "cuEventDestroy_v2")
		purego.RegisterLibFunc(&cuEventRecord, lib, "cuEventRecord")
		purego.RegisterLibFunc(&cuEventSynchronize, lib, "cuEventSynchronize")
		purego.RegisterLibFunc(&cuMemAlloc, lib, "cuMemAlloc_v2")
		purego.RegisterLibFunc(&cuMemFree, lib, "cuMemFree_v2")
		purego.RegisterLibFunc(&cuMemAllocHost, lib, "cuMemAllocHost_v2")
		purego.RegisterLibFunc(&cuMemFreeHost, lib, "cuMemFreeHost")
		purego.RegisterLibFunc(&cuMemAllocManaged, lib, "cuMemAllocManaged")
		purego.RegisterLibFunc(&cuMemcpyHtoDAsync, lib, "cuMemcpyHtoDAsync_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoHAsync, lib, "cuMemcpyDtoHAsync_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoDAsync, lib, "cuMemcpyDtoDAsync_v2")
		purego.RegisterLibFunc(&cuMemcpyPeerAsync, lib, "cuMemcpyPeerAsync")
		purego.RegisterLibFunc(&cuModuleLoadDataEx, lib, "cuModuleLoadDataEx")
		purego.RegisterLibFunc(&cuModuleUnload, lib, "cuModuleUnload")
		purego.RegisterLibFunc(&cuModuleGetFunction, lib, "cuModuleGetFunction")
		purego.RegisterLibFunc(&cuModuleGetGlobal, lib, "cuModuleGetGlobal_v2")
		purego.RegisterLibFunc(&cuFuncGetAttribute, lib, "cuFuncGetAttribute")
		purego.RegisterLibFunc(&cuLaunchKernel, lib, "cuLaunchKernel")

		driverErr = check(cuInit(0), "cuInit")
	})
	return driverErr
}

// cstring returns a NUL-terminated copy of s.
func cstring(s string) *byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return &b[0]
}
