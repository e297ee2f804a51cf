// Package sim is an in-process accelerator. It implements device.Driver
// with a private address space per device, goroutine-backed streams and
// kernels written as Go functions registered by symbol.
package sim

import (
	"fmt"
	"runtime"
	"slices"
	"sync"

	"github.com/samcharles93/offload/internal/device"
)

// Triple is the target triple of modules the sim compiler accepts.
const Triple = "sim64-offload-sim"

// MaxRegistersPerThread caps a kernel's register budget, as hardware does.
const MaxRegistersPerThread = 255

// Options configure a sim driver.
type Options struct {
	// Devices is the number of devices, default 1.
	Devices int
	// Attributes override the default device attributes field by field.
	Attributes device.Attributes
	// Parallelism bounds concurrently executing blocks per launch, default
	// GOMAXPROCS.
	Parallelism int
}

// DefaultAttributes are the attributes of a sim device.
func DefaultAttributes() device.Attributes {
	return device.Attributes{
		Name:                 "offload-sim",
		ComputeMajor:         8,
		ComputeMinor:         0,
		MaxThreadsPerBlock:   1024,
		MaxBlocksPerGrid:     65535,
		WarpSize:             32,
		MaxRegistersPerBlock: 65536,
		MaxSharedPerBlock:    48 << 10,
		MultiProcessors:      8,
		ClockRateKHz:         1_000_000,
		MemoryClockKHz:       1_000_000,
		MemoryBusWidth:       256,
		L2CacheSize:          4 << 20,
		TotalMemory:          4 << 30,
		ConcurrentKernels:    true,
		UnifiedAddressing:    true,
		ManagedMemory:        true,
	}
}

func mergeAttributes(base, o device.Attributes) device.Attributes {
	if o.Name != "" {
		base.Name = o.Name
	}
	set := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	set(&base.ComputeMajor, o.ComputeMajor)
	set(&base.ComputeMinor, o.ComputeMinor)
	set(&base.MaxThreadsPerBlock, o.MaxThreadsPerBlock)
	set(&base.MaxBlocksPerGrid, o.MaxBlocksPerGrid)
	set(&base.WarpSize, o.WarpSize)
	set(&base.MaxRegistersPerBlock, o.MaxRegistersPerBlock)
	set(&base.MaxSharedPerBlock, o.MaxSharedPerBlock)
	set(&base.MultiProcessors, o.MultiProcessors)
	set(&base.ClockRateKHz, o.ClockRateKHz)
	set(&base.MemoryClockKHz, o.MemoryClockKHz)
	set(&base.MemoryBusWidth, o.MemoryBusWidth)
	set(&base.L2CacheSize, o.L2CacheSize)
	if o.TotalMemory != 0 {
		base.TotalMemory = o.TotalMemory
	}
	return base
}

// Driver is a set of sim devices.
type Driver struct {
	devices     int
	attrs       device.Attributes
	parallelism int

	mu       sync.Mutex
	contexts map[int]*Context
}

// New returns a sim driver.
func New(opts Options) *Driver {
	d := &Driver{
		devices:     opts.Devices,
		attrs:       mergeAttributes(DefaultAttributes(), opts.Attributes),
		parallelism: opts.Parallelism,
		contexts:    make(map[int]*Context),
	}
	if d.devices <= 0 {
		d.devices = 1
	}
	if d.parallelism <= 0 {
		d.parallelism = runtime.GOMAXPROCS(0)
	}
	return d
}

func (d *Driver) Name() string   { return "sim" }
func (d *Driver) Triple() string { return Triple }

func (d *Driver) DeviceCount() (int, error) { return d.devices, nil }

// IsNativeImage reports whether image is a sim binary.
func (d *Driver) IsNativeImage(image []byte) bool { return IsBinary(image) }

// Open returns the context of device ordinal, creating it on first use.
func (d *Driver) Open(ordinal int) (device.Context, error) {
	return d.open(ordinal)
}

// Context returns the opened context of a device, or nil.
func (d *Driver) Context(ordinal int) *Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contexts[ordinal]
}

func (d *Driver) open(ordinal int) (*Context, error) {
	if ordinal < 0 || ordinal >= d.devices {
		return nil, fmt.Errorf("%w: ordinal %d of %d", device.ErrNoDevice, ordinal, d.devices)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.contexts[ordinal]; ok && !c.isClosed() {
		return c, nil
	}
	attrs := d.attrs
	attrs.Name = fmt.Sprintf("%s #%d", d.attrs.Name, ordinal)
	c := &Context{
		drv:     d,
		ordinal: ordinal,
		attrs:   attrs,
		mem:     newSpace(ordinal, attrs.TotalMemory),
		streams: make(map[device.Stream]*stream),
		events:  make(map[device.Event]*event),
		modules: make(map[device.Module]*module),
		funcs:   make(map[device.Function]*function),
		limits:  make(map[device.Limit]uint64),
		peers:   make(map[int]bool),
	}
	d.contexts[ordinal] = c
	return c, nil
}

type modGlobal struct {
	addr   uint64
	size   int
	hidden bool
}

type module struct {
	id      device.Module
	bin     *Binary
	globals map[string]*modGlobal
	kernels map[string]*BinKernel
}

type function struct {
	k    *BinKernel
	mod  *module
	body Body
}

// Context is an opened sim device.
type Context struct {
	drv     *Driver
	ordinal int
	attrs   device.Attributes
	mem     *space

	mu      sync.Mutex
	closed  bool
	handle  uintptr
	streams map[device.Stream]*stream
	events  map[device.Event]*event
	modules map[device.Module]*module
	funcs   map[device.Function]*function
	limits  map[device.Limit]uint64
	peers   map[int]bool

	loads    int
	launches int
}

var _ device.Context = (*Context)(nil)

func (c *Context) nextHandle() uintptr {
	c.handle++
	return c.handle
}

func (c *Context) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Context) Ordinal() int { return c.ordinal }

func (c *Context) Attributes() (device.Attributes, error) { return c.attrs, nil }

func (c *Context) MakeCurrent() error {
	if c.isClosed() {
		return device.Failed("ctxSetCurrent", 201, "context destroyed", device.ErrInvalidHandle)
	}
	return nil
}

func (c *Context) SetLimit(l device.Limit, value uint64) error {
	switch l {
	case device.LimitStackSize, device.LimitMallocHeapSize:
	default:
		return device.Failed("ctxSetLimit", 1, "unknown limit", device.ErrInvalidValue)
	}
	c.mu.Lock()
	c.limits[l] = value
	c.mu.Unlock()
	return nil
}

// Limit returns a limit set through SetLimit, 0 when unset.
func (c *Context) Limit(l device.Limit) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits[l]
}

// ModuleLoads counts LoadModule calls that succeeded.
func (c *Context) ModuleLoads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

// Launches counts kernels queued through Launch.
func (c *Context) Launches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launches
}

// MemoryInUse reports live bytes and allocation count.
func (c *Context) MemoryInUse() (uint64, int) { return c.mem.inUse() }

// Close stops every stream and releases all memory and modules.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := c.streams
	c.streams = make(map[device.Stream]*stream)
	c.events = make(map[device.Event]*event)
	c.modules = make(map[device.Module]*module)
	c.funcs = make(map[device.Function]*function)
	c.mu.Unlock()

	for _, s := range streams {
		_ = s.sync()
		s.close()
	}
	c.mem.reset()
	return nil
}

func (c *Context) CreateStream() (device.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, device.Failed("streamCreate", 201, "context destroyed", device.ErrInvalidHandle)
	}
	h := device.Stream(c.nextHandle())
	c.streams[h] = newStream()
	return h, nil
}

func (c *Context) stream(op string, h device.Stream) (*stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[h]
	if !ok {
		return nil, device.Failed(op, 400, fmt.Sprintf("unknown stream %#x", uintptr(h)), device.ErrInvalidHandle)
	}
	return s, nil
}

func (c *Context) DestroyStream(h device.Stream) error {
	c.mu.Lock()
	s, ok := c.streams[h]
	delete(c.streams, h)
	c.mu.Unlock()
	if !ok {
		return device.Failed("streamDestroy", 400, fmt.Sprintf("unknown stream %#x", uintptr(h)), device.ErrInvalidHandle)
	}
	s.close()
	return nil
}

func (c *Context) SynchronizeStream(h device.Stream) error {
	s, err := c.stream("streamSynchronize", h)
	if err != nil {
		return err
	}
	return s.sync()
}

func (c *Context) CreateEvent() (device.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, device.Failed("eventCreate", 201, "context destroyed", device.ErrInvalidHandle)
	}
	h := device.Event(c.nextHandle())
	c.events[h] = newEvent()
	return h, nil
}

func (c *Context) event(op string, h device.Event) (*event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.events[h]
	if !ok {
		return nil, device.Failed(op, 400, fmt.Sprintf("unknown event %#x", uintptr(h)), device.ErrInvalidHandle)
	}
	return e, nil
}

func (c *Context) DestroyEvent(h device.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.events[h]; !ok {
		return device.Failed("eventDestroy", 400, fmt.Sprintf("unknown event %#x", uintptr(h)), device.ErrInvalidHandle)
	}
	delete(c.events, h)
	return nil
}

func (c *Context) RecordEvent(eh device.Event, sh device.Stream) error {
	e, err := c.event("eventRecord", eh)
	if err != nil {
		return err
	}
	s, err := c.stream("eventRecord", sh)
	if err != nil {
		return err
	}
	e.record(s)
	return nil
}

func (c *Context) StreamWaitEvent(sh device.Stream, eh device.Event) error {
	s, err := c.stream("streamWaitEvent", sh)
	if err != nil {
		return err
	}
	e, err := c.event("streamWaitEvent", eh)
	if err != nil {
		return err
	}
	gen := e.target()
	s.enqueue(func() error {
		e.waitFor(gen)
		return nil
	}, true)
	return nil
}

func (c *Context) SynchronizeEvent(eh device.Event) error {
	e, err := c.event("eventSynchronize", eh)
	if err != nil {
		return err
	}
	e.waitFor(e.target())
	return nil
}

func memErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Context) MemAlloc(size int64) (device.Ptr, error) {
	p, err := c.mem.alloc(size, memDevice)
	return p, memErr("memAlloc", err)
}

// MemFree releases device or managed memory, as cuMemFree does.
func (c *Context) MemFree(p device.Ptr) error {
	return memErr("memFree", c.mem.free(p, memDevice, memManaged))
}

func (c *Context) MemAllocHost(size int64) (device.Ptr, error) {
	p, err := c.mem.alloc(size, memHost)
	return p, memErr("memAllocHost", err)
}

func (c *Context) MemFreeHost(p device.Ptr) error {
	return memErr("memFreeHost", c.mem.free(p, memHost))
}

func (c *Context) MemAllocManaged(size int64) (device.Ptr, error) {
	p, err := c.mem.alloc(size, memManaged)
	return p, memErr("memAllocManaged", err)
}

// HostView exposes a host-pinned or managed allocation to the host.
func (c *Context) HostView(p device.Ptr, size int64) ([]byte, error) {
	if !c.mem.hostVisible(uint64(p)) {
		return nil, fmt.Errorf("hostView: %w: %#x is not host-visible", device.ErrInvalidValue, uintptr(p))
	}
	b, err := c.mem.view(uint64(p), size)
	return b, memErr("hostView", err)
}

func (c *Context) CopyHtoDAsync(dst device.Ptr, src []byte, sh device.Stream) error {
	s, err := c.stream("memcpyHtoDAsync", sh)
	if err != nil {
		return err
	}
	if _, err := c.mem.view(uint64(dst), int64(len(src))); err != nil {
		return memErr("memcpyHtoDAsync", err)
	}
	// Pageable host memory is staged at enqueue time.
	staged := slices.Clone(src)
	s.enqueue(func() error {
		b, err := c.mem.view(uint64(dst), int64(len(staged)))
		if err != nil {
			return memErr("memcpyHtoDAsync", err)
		}
		copy(b, staged)
		return nil
	}, false)
	return nil
}

func (c *Context) CopyDtoHAsync(dst []byte, src device.Ptr, sh device.Stream) error {
	s, err := c.stream("memcpyDtoHAsync", sh)
	if err != nil {
		return err
	}
	if _, err := c.mem.view(uint64(src), int64(len(dst))); err != nil {
		return memErr("memcpyDtoHAsync", err)
	}
	s.enqueue(func() error {
		b, err := c.mem.view(uint64(src), int64(len(dst)))
		if err != nil {
			return memErr("memcpyDtoHAsync", err)
		}
		copy(dst, b)
		return nil
	}, false)
	return nil
}

func (c *Context) CopyDtoDAsync(dst, src device.Ptr, size int64, sh device.Stream) error {
	return c.copyBetween("memcpyDtoDAsync", c.mem, dst, c.mem, src, size, sh)
}

func (c *Context) copyBetween(op string, dstMem *space, dst device.Ptr, srcMem *space, src device.Ptr, size int64, sh device.Stream) error {
	s, err := c.stream(op, sh)
	if err != nil {
		return err
	}
	if _, err := srcMem.view(uint64(src), size); err != nil {
		return memErr(op, err)
	}
	if _, err := dstMem.view(uint64(dst), size); err != nil {
		return memErr(op, err)
	}
	s.enqueue(func() error {
		from, err := srcMem.view(uint64(src), size)
		if err != nil {
			return memErr(op, err)
		}
		to, err := dstMem.view(uint64(dst), size)
		if err != nil {
			return memErr(op, err)
		}
		copy(to, from)
		return nil
	}, false)
	return nil
}

func (c *Context) peer(op string, p device.Context) (*Context, error) {
	pc, ok := p.(*Context)
	if !ok || pc.drv != c.drv {
		return nil, device.Failed(op, 1, "peer belongs to another driver", device.ErrInvalidValue)
	}
	return pc, nil
}

func (c *Context) CanAccessPeer(p device.Context) (bool, error) {
	pc, err := c.peer("deviceCanAccessPeer", p)
	if err != nil {
		return false, err
	}
	return pc.ordinal != c.ordinal, nil
}

func (c *Context) EnablePeerAccess(p device.Context) error {
	pc, err := c.peer("ctxEnablePeerAccess", p)
	if err != nil {
		return err
	}
	if pc.ordinal == c.ordinal {
		return device.Failed("ctxEnablePeerAccess", 1, "peer is the same device", device.ErrInvalidValue)
	}
	c.mu.Lock()
	c.peers[pc.ordinal] = true
	c.mu.Unlock()
	return nil
}

// PeerEnabled reports whether EnablePeerAccess was called for ordinal.
func (c *Context) PeerEnabled(ordinal int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[ordinal]
}

func (c *Context) CopyPeerAsync(dst device.Ptr, dstCtx device.Context, src device.Ptr, size int64, sh device.Stream) error {
	pc, err := c.peer("memcpyPeerAsync", dstCtx)
	if err != nil {
		return err
	}
	return c.copyBetween("memcpyPeerAsync", pc.mem, dst, c.mem, src, size, sh)
}

func (c *Context) LoadModule(image []byte, opts device.ModuleOptions) (device.Module, error) {
	bin, err := DecodeBinary(image)
	if err != nil {
		return 0, fmt.Errorf("moduleLoadData: %w", err)
	}
	m := &module{
		bin:     bin,
		globals: make(map[string]*modGlobal, len(bin.Globals)),
		kernels: make(map[string]*BinKernel, len(bin.Kernels)),
	}
	for i := range bin.Kernels {
		k := &bin.Kernels[i]
		if opts.MaxRegisters > 0 && (k.MaxRegisters == 0 || opts.MaxRegisters < k.MaxRegisters) {
			k.MaxRegisters = opts.MaxRegisters
		}
		m.kernels[k.Name] = k
	}
	for _, g := range bin.Globals {
		size := max(g.Size, 1)
		p, err := c.mem.alloc(int64(size), memGlobal)
		if err != nil {
			c.freeGlobals(m)
			return 0, fmt.Errorf("moduleLoadData: global %s: %w", g.Name, err)
		}
		view, _ := c.mem.view(uint64(p), int64(len(g.Init)))
		copy(view, g.Init)
		m.globals[g.Name] = &modGlobal{addr: uint64(p), size: g.Size, hidden: g.Hidden}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	m.id = device.Module(c.nextHandle())
	c.modules[m.id] = m
	c.loads++
	return m.id, nil
}

func (c *Context) freeGlobals(m *module) {
	for _, g := range m.globals {
		_ = c.mem.free(device.Ptr(g.addr), memGlobal)
	}
}

func (c *Context) UnloadModule(h device.Module) error {
	c.mu.Lock()
	m, ok := c.modules[h]
	delete(c.modules, h)
	for id, f := range c.funcs {
		if f.mod == m {
			delete(c.funcs, id)
		}
	}
	c.mu.Unlock()
	if !ok {
		return device.Failed("moduleUnload", 400, fmt.Sprintf("unknown module %#x", uintptr(h)), device.ErrInvalidHandle)
	}
	c.freeGlobals(m)
	return nil
}

func (c *Context) module(op string, h device.Module) (*module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.modules[h]
	if !ok {
		return nil, device.Failed(op, 400, fmt.Sprintf("unknown module %#x", uintptr(h)), device.ErrInvalidHandle)
	}
	return m, nil
}

func (c *Context) GetFunction(h device.Module, name string) (device.Function, error) {
	m, err := c.module("moduleGetFunction", h)
	if err != nil {
		return 0, err
	}
	k, ok := m.kernels[name]
	if !ok {
		return 0, device.Failed("moduleGetFunction", 500, "kernel "+name+" not in module", device.ErrNotFound)
	}
	body, ok := lookupBody(k.Body)
	if !ok {
		return 0, device.Failed("moduleGetFunction", 500, "no body registered for "+k.Body, device.ErrNotFound)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f := device.Function(c.nextHandle())
	c.funcs[f] = &function{k: k, mod: m, body: body}
	return f, nil
}

func (c *Context) function(op string, h device.Function) (*function, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.funcs[h]
	if !ok {
		return nil, device.Failed(op, 400, fmt.Sprintf("unknown function %#x", uintptr(h)), device.ErrInvalidHandle)
	}
	return f, nil
}

// FunctionMaxThreads is the device block limit narrowed by the kernel's own
// limit, its baked thread count and its register budget.
func (c *Context) FunctionMaxThreads(h device.Function) (int, error) {
	f, err := c.function("funcGetAttribute", h)
	if err != nil {
		return 0, err
	}
	return c.maxThreads(f.k), nil
}

func (c *Context) maxThreads(k *BinKernel) int {
	n := c.attrs.MaxThreadsPerBlock
	if k.MaxThreads > 0 {
		n = min(n, k.MaxThreads)
	}
	if k.NumThreads > 0 {
		n = min(n, k.NumThreads)
	}
	if k.MaxRegisters > 0 && c.attrs.MaxRegistersPerBlock > 0 {
		byRegs := c.attrs.MaxRegistersPerBlock / min(k.MaxRegisters, MaxRegistersPerThread)
		if w := c.attrs.WarpSize; w > 0 && byRegs > w {
			byRegs -= byRegs % w
		}
		n = min(n, max(byRegs, 1))
	}
	return n
}

func (c *Context) GetGlobal(h device.Module, name string) (device.Ptr, int64, error) {
	m, err := c.module("moduleGetGlobal", h)
	if err != nil {
		return 0, 0, err
	}
	g, ok := m.globals[name]
	if !ok || g.hidden {
		return 0, 0, device.Failed("moduleGetGlobal", 500, "global "+name+" not in module", device.ErrNotFound)
	}
	return device.Ptr(g.addr), int64(g.size), nil
}

func (c *Context) Launch(h device.Function, cfg device.LaunchConfig, sh device.Stream, args []uint64) error {
	f, err := c.function("launchKernel", h)
	if err != nil {
		return err
	}
	s, err := c.stream("launchKernel", sh)
	if err != nil {
		return err
	}
	if cfg.Blocks <= 0 || cfg.Threads <= 0 || cfg.Blocks > c.attrs.MaxBlocksPerGrid {
		return device.Failed("launchKernel", 1, fmt.Sprintf("invalid launch %d x %d", cfg.Blocks, cfg.Threads), device.ErrInvalidValue)
	}
	if limit := c.maxThreads(f.k); cfg.Threads > limit {
		return device.Failed("launchKernel", 701, fmt.Sprintf("%d threads exceed the kernel limit of %d", cfg.Threads, limit), device.ErrLaunchFailed)
	}
	if len(args) != f.k.NumParams {
		return device.Failed("launchKernel", 1, fmt.Sprintf("%s takes %d arguments, got %d", f.k.Name, f.k.NumParams, len(args)), device.ErrInvalidValue)
	}
	for _, h := range f.k.Aligns {
		if h.Index < len(args) && h.Align > 0 && args[h.Index]%h.Align != 0 {
			return device.Failed("launchKernel", 716, fmt.Sprintf("argument %d (%#x) violates the compiled alignment %d", h.Index, args[h.Index], h.Align), device.ErrLaunchFailed)
		}
	}
	bound := slices.Clone(args)
	for _, k := range f.k.Consts {
		if k.Index < len(bound) {
			bound[k.Index] = k.Value
		}
	}

	c.mu.Lock()
	c.launches++
	c.mu.Unlock()
	s.enqueue(func() error {
		return execute(f, cfg, bound, c.mem, c.attrs.WarpSize, c.drv.parallelism)
	}, false)
	return nil
}
