package offload

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/offload/internal/alloc"
	"github.com/samcharles93/offload/internal/cache"
	"github.com/samcharles93/offload/internal/device"
	"github.com/samcharles93/offload/internal/jit"
	"github.com/samcharles93/offload/internal/launch"
	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/internal/memmgr"
	"github.com/samcharles93/offload/internal/pool"
)

// Device defaults applied when the driver reports nothing better.
const (
	DefaultNumTeams   = 128
	DefaultNumThreads = 128
	DefaultWarpSize   = 32
	// HardThreadLimit caps threads per block regardless of the device.
	HardThreadLimit = 1024
)

// deviceState is everything the plugin knows about one device. It is filled
// by InitDevice and read by every other entry point.
type deviceState struct {
	id int

	mu          sync.Mutex
	initialized bool

	ctx          device.Context
	attrs        device.Attributes
	major, minor int
	arch         string
	limits       launch.Limits
	maxRegisters int

	streams *pool.Pool[device.Stream]
	events  *pool.Pool[device.Event]
	alloc   *alloc.Allocator
	mm      *memmgr.Manager

	modMu   sync.Mutex
	modules []device.Module

	tables *cache.Tables[*TargetTable]
	// jitMu serialises launch-time compilation on the device.
	jitMu sync.Mutex
}

func newDeviceState(id int) *deviceState {
	return &deviceState{id: id, tables: cache.NewTables[*TargetTable]()}
}

func (d *deviceState) isInitialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

// jitDevice describes the device to the specializer.
func (d *deviceState) jitDevice() jit.Device {
	return jit.Device{
		Arch:            d.arch,
		ThreadsPerBlock: d.limits.ThreadsPerBlock,
		BlocksPerGrid:   d.limits.BlocksPerGrid,
		WarpSize:        d.limits.WarpSize,
		MaxRegisters:    d.maxRegisters,
		NumTeams:        d.limits.NumTeams,
		NumThreads:      d.limits.NumThreads,
		EnvNumTeams:     d.limits.EnvNumTeams,
	}
}

// InitDevice opens the device, derives its launch limits and creates its
// stream and event pools, allocator and memory manager. Initializing an
// initialized device does nothing.
func (p *Plugin) InitDevice(id int) error {
	d, err := p.device(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	log := logger.Device(p.log, id)

	ctx, err := p.drv.Open(id)
	if err != nil {
		return fmt.Errorf("offload: open device %d: %w", id, err)
	}
	defer func() {
		if d.initialized {
			return
		}
		if err := ctx.Close(); err != nil {
			log.Warn("closing context after failed init", "error", err)
		}
	}()
	if err := ctx.MakeCurrent(); err != nil {
		return fmt.Errorf("offload: device %d: %w", id, err)
	}
	attrs, err := ctx.Attributes()
	if err != nil {
		return fmt.Errorf("offload: device %d attributes: %w", id, err)
	}

	lim := p.deviceLimits(attrs, log)
	major, minor := attrs.ComputeMajor, attrs.ComputeMinor
	if major == 0 && minor == 0 {
		log.Debug("compute capability unreported, assuming 3.5")
		major, minor = 3, 5
	}

	if p.cfg.StackSize > 0 {
		if err := ctx.SetLimit(device.LimitStackSize, p.cfg.StackSize); err != nil {
			return fmt.Errorf("offload: device %d: %w", id, err)
		}
	}
	if p.cfg.HeapSize > 0 {
		if err := ctx.SetLimit(device.LimitMallocHeapSize, p.cfg.HeapSize); err != nil {
			return fmt.Errorf("offload: device %d: %w", id, err)
		}
	}

	streams, err := pool.New[device.Stream](pool.Funcs[device.Stream]{
		CreateFn:  ctx.CreateStream,
		DestroyFn: ctx.DestroyStream,
	}, p.cfg.NumInitialStreams)
	if err != nil {
		_ = streams.Clear()
		return fmt.Errorf("offload: device %d: create streams: %w", id, err)
	}
	events, err := pool.New[device.Event](pool.Funcs[device.Event]{
		CreateFn:  ctx.CreateEvent,
		DestroyFn: ctx.DestroyEvent,
	}, 0)
	if err != nil {
		_ = streams.Clear()
		return fmt.Errorf("offload: device %d: create events: %w", id, err)
	}

	d.ctx = ctx
	d.attrs = attrs
	d.major, d.minor = major, minor
	d.arch = archName(p.drv, major, minor)
	d.limits = lim
	d.maxRegisters = attrs.MaxRegistersPerBlock
	d.streams = streams
	d.events = events
	d.alloc = alloc.New(ctx)
	if t := p.cfg.MemoryManagerThreshold; t > 0 {
		d.mm = memmgr.New(d.alloc, t)
		log.Debug("memory manager enabled", "threshold", t)
	}
	d.initialized = true

	log.Info("device initialized",
		"name", attrs.Name,
		"arch", d.arch,
		"blocks_per_grid", lim.BlocksPerGrid,
		"threads_per_block", lim.ThreadsPerBlock,
		"warp_size", lim.WarpSize,
		"num_teams", lim.NumTeams,
		"num_threads", lim.NumThreads,
		"max_registers", d.maxRegisters,
	)
	return nil
}

// deviceLimits applies the environment caps and the plugin defaults to what
// the driver reports.
func (p *Plugin) deviceLimits(attrs device.Attributes, log logger.Logger) launch.Limits {
	cfg := p.cfg
	lim := launch.Limits{EnvNumTeams: cfg.NumTeams}

	lim.BlocksPerGrid = attrs.MaxBlocksPerGrid
	if lim.BlocksPerGrid <= 0 {
		log.Debug("max grid size unreported, using default", "blocks", DefaultNumTeams)
		lim.BlocksPerGrid = DefaultNumTeams
	}
	if cfg.TeamLimit > 0 && lim.BlocksPerGrid > cfg.TeamLimit {
		log.Debug("capping blocks per grid", "env", cfg.TeamLimit)
		lim.BlocksPerGrid = cfg.TeamLimit
	}

	lim.ThreadsPerBlock = attrs.MaxThreadsPerBlock
	if lim.ThreadsPerBlock <= 0 {
		log.Debug("max block size unreported, using default", "threads", DefaultNumThreads)
		lim.ThreadsPerBlock = DefaultNumThreads
	}
	if cfg.TeamThreadLimit > 0 && lim.ThreadsPerBlock > cfg.TeamThreadLimit {
		log.Debug("capping threads per block", "env", cfg.TeamThreadLimit)
		lim.ThreadsPerBlock = cfg.TeamThreadLimit
	}
	if lim.ThreadsPerBlock > HardThreadLimit {
		lim.ThreadsPerBlock = HardThreadLimit
	}

	lim.WarpSize = attrs.WarpSize
	if lim.WarpSize <= 0 {
		lim.WarpSize = DefaultWarpSize
	}

	lim.NumTeams = DefaultNumTeams
	if cfg.NumTeams > 0 {
		lim.NumTeams = cfg.NumTeams
	}
	lim.NumTeams = min(lim.NumTeams, lim.BlocksPerGrid)
	lim.NumThreads = min(DefaultNumThreads, lim.ThreadsPerBlock)
	return lim
}

// archName is the architecture string images are cached under.
func archName(drv device.Driver, major, minor int) string {
	prefix := "sm"
	if drv.Name() != "cuda" {
		prefix = drv.Name()
	}
	return fmt.Sprintf("%s_%d%d", prefix, major, minor)
}

// stream returns info's stream, acquiring one from the pool on first use.
func (d *deviceState) stream(info *AsyncInfo) (device.Stream, error) {
	if info.Queue != 0 {
		return info.Queue, nil
	}
	s, err := d.streams.Acquire()
	if err != nil {
		return 0, fmt.Errorf("offload: device %d: acquire stream: %w", d.id, err)
	}
	info.Queue = s
	return s, nil
}

// releaseStream returns info's stream to the pool.
func (d *deviceState) releaseStream(info *AsyncInfo) {
	if info.Queue == 0 {
		return
	}
	d.streams.Release(info.Queue)
	info.Queue = 0
}

// syncOn runs fn on a pool stream and waits for it.
func (d *deviceState) syncOn(fn func(s device.Stream) error) error {
	info := &AsyncInfo{}
	s, err := d.stream(info)
	if err != nil {
		return err
	}
	defer d.releaseStream(info)
	if err := fn(s); err != nil {
		return err
	}
	return d.ctx.SynchronizeStream(s)
}

func (d *deviceState) addModule(m device.Module) {
	d.modMu.Lock()
	d.modules = append(d.modules, m)
	d.modMu.Unlock()
}

// close tears the device down in reverse order of creation.
func (d *deviceState) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil
	}
	d.initialized = false

	var errs []error
	if d.mm != nil {
		errs = append(errs, d.mm.Release())
	}
	errs = append(errs, d.streams.Clear(), d.events.Clear())

	d.modMu.Lock()
	for _, m := range d.modules {
		errs = append(errs, d.ctx.UnloadModule(m))
	}
	d.modules = nil
	d.modMu.Unlock()

	errs = append(errs, d.ctx.Close())
	return errors.Join(errs...)
}
