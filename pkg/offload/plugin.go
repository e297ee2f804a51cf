// Package offload is the device runtime plugin. It owns the devices of one
// driver and implements the entry points an offloading front end calls:
// device initialization, binary loading, data movement, kernel launch and
// event handling. Images that need JIT compilation are specialized against
// each launch's arguments and the compiled variants are cached in memory and
// on disk.
package offload

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samcharles93/offload/internal/cache"
	"github.com/samcharles93/offload/internal/config"
	"github.com/samcharles93/offload/internal/device"
	"github.com/samcharles93/offload/internal/device/sim"
	"github.com/samcharles93/offload/internal/ir"
	"github.com/samcharles93/offload/internal/jit"
	"github.com/samcharles93/offload/internal/logger"
)

var (
	// ErrInvalidDevice reports a device ID outside [0, NumDevices).
	ErrInvalidDevice = errors.New("offload: invalid device id")
	// ErrNotInitialized reports use of a device before InitDevice.
	ErrNotInitialized = errors.New("offload: device not initialized")
	// ErrInvalidBinary reports an image this plugin cannot load.
	ErrInvalidBinary = errors.New("offload: invalid binary")
	// ErrSizeMismatch reports a global whose device and host sizes differ.
	ErrSizeMismatch = errors.New("offload: global size mismatch")
	// ErrInvalidEntry reports a launch through an entry that is not a kernel.
	ErrInvalidEntry = errors.New("offload: invalid kernel entry")
	// ErrClosed reports use of the plugin after Close.
	ErrClosed = errors.New("offload: plugin closed")
)

// Options configure a Plugin. The zero value resolves the configuration from
// the process environment and selects the backend named there.
type Options struct {
	Logger logger.Logger
	// Level, when set, is adjusted by SetInfoFlag.
	Level *slog.LevelVar
	// Config replaces environment resolution when non-nil.
	Config *config.Config
	// Lookup overrides os.LookupEnv for environment resolution.
	Lookup config.LookupFunc
	// Backend overrides Config.Backend.
	Backend string
	// Driver is used as is when non-nil; Backend is then ignored.
	Driver device.Driver
	// Compiler lowers specialized modules. The sim backend defaults to its
	// own compiler; the cuda backend accepts IR images only when it is set.
	Compiler jit.Compiler
	// Sim configures the sim backend.
	Sim sim.Options
}

// Plugin drives the devices of one driver.
type Plugin struct {
	log   logger.Logger
	level *slog.LevelVar
	cfg   config.Config

	drv       device.Driver
	compiler  jit.Compiler
	images    *cache.Images
	spec      *jit.Specializer
	cacheFile string

	devices []*deviceState

	mu       sync.Mutex
	requires int64
	closed   bool
}

// New opens the driver, counts its devices and, when JIT compilation is
// available, loads the on-disk image cache. Having no devices is not an
// error.
func New(opts Options) (*Plugin, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	base := log
	log = logger.Component(base, "offload")

	var cfg config.Config
	if opts.Config != nil {
		cfg = *opts.Config
	} else {
		cfg = config.FromEnv(opts.Lookup, log)
	}
	if opts.Backend != "" {
		cfg.Backend = opts.Backend
	}

	drv, compiler := opts.Driver, opts.Compiler
	if drv == nil {
		var err error
		drv, compiler, err = openDriver(cfg.Backend, opts, log)
		if err != nil {
			return nil, err
		}
	} else if compiler == nil {
		compiler = defaultCompiler(drv)
	}

	n, err := drv.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("offload: count %s devices: %w", drv.Name(), err)
	}

	p := &Plugin{
		log:      log,
		level:    opts.Level,
		cfg:      cfg,
		drv:      drv,
		compiler: compiler,
		images:   cache.NewImages(),
		devices:  make([]*deviceState, n),
	}
	for i := range p.devices {
		p.devices[i] = newDeviceState(i)
	}
	if p.level != nil && cfg.InfoLevel != 0 {
		p.level.Set(logger.LevelForInfo(cfg.InfoLevel))
	}
	if n == 0 {
		log.Info("no devices", "backend", drv.Name())
	}

	if compiler != nil {
		p.spec = &jit.Specializer{
			Compiler: compiler,
			Images:   p.images,
			Enabled:  cfg.Optimizations,
			Log:      logger.Component(base, "jit"),
		}
		p.cacheFile = cacheFileFor(cfg, drv)
		loaded, err := p.images.Load(p.cacheFile, drv.Triple())
		if err != nil {
			// A bad cache file only costs recompilation.
			log.Debug("ignoring image cache file", "path", p.cacheFile, "error", err)
		} else if loaded > 0 {
			log.Debug("loaded image cache", "path", p.cacheFile, "images", loaded)
		}
	}

	log.Debug("plugin ready", "backend", drv.Name(), "devices", n, "jit", compiler != nil, "optimizations", cfg.Optimizations.String())
	return p, nil
}

// Backend names the driver in use.
func (p *Plugin) Backend() string { return p.drv.Name() }

// Config returns the resolved configuration.
func (p *Plugin) Config() config.Config { return p.cfg }

// NumDevices returns the number of devices of the driver.
func (p *Plugin) NumDevices() int { return len(p.devices) }

// InitRequires records the front end's requires flags and returns them.
func (p *Plugin) InitRequires(flags int64) int64 {
	p.mu.Lock()
	p.requires = flags
	p.mu.Unlock()
	p.log.Debug("requires flags", "flags", fmt.Sprintf("%#x", flags))
	return flags
}

func (p *Plugin) requiresFlags() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requires
}

// SetInfoFlag changes the log verbosity at runtime.
func (p *Plugin) SetInfoFlag(flags uint32) {
	p.mu.Lock()
	p.cfg.InfoLevel = flags
	p.mu.Unlock()
	if p.level != nil {
		p.level.Set(logger.LevelForInfo(flags))
	}
}

// IsValidBinary classifies image for this plugin's driver.
func (p *Plugin) IsValidBinary(image []byte) BinaryKind {
	if len(image) == 0 {
		return Rejected
	}
	if p.drv.IsNativeImage(image) {
		return Native
	}
	if p.compiler == nil || !ir.IsModule(image) {
		return Rejected
	}
	m, err := ir.Decode(image)
	if err != nil {
		p.log.Debug("rejecting image", "error", err)
		return Rejected
	}
	if m.Triple != p.drv.Triple() {
		p.log.Debug("rejecting image for another target", "triple", m.Triple, "want", p.drv.Triple())
		return Rejected
	}
	return NeedsJIT
}

// IsDataExchangable reports whether data can be copied directly between the
// two devices.
func (p *Plugin) IsDataExchangable(src, dst int) bool {
	if _, err := p.ready(src); err != nil {
		return false
	}
	_, err := p.ready(dst)
	return err == nil
}

// CacheFile is the path the image cache is loaded from and flushed to,
// empty when JIT compilation is unavailable.
func (p *Plugin) CacheFile() string { return p.cacheFile }

// Images lists the in-memory image cache.
func (p *Plugin) Images() []cache.Entry { return p.images.Entries() }

// ImageStats summarises the in-memory image cache.
func (p *Plugin) ImageStats() cache.Stats { return p.images.Stats() }

// FlushImageCache writes the image cache to disk.
func (p *Plugin) FlushImageCache() error {
	if p.cacheFile == "" {
		return nil
	}
	if err := p.images.Save(p.cacheFile, p.drv.Triple(), p.cfg.CacheCompress); err != nil {
		return err
	}
	p.log.Debug("flushed image cache", "path", p.cacheFile, "images", p.images.Len())
	return nil
}

// Close flushes the image cache and releases every device resource. Flush
// failures are logged and ignored; release failures are joined.
func (p *Plugin) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.images.Len() > 0 {
		if err := p.FlushImageCache(); err != nil {
			p.log.Debug("image cache flush failed", "path", p.cacheFile, "error", err)
		}
	}

	var errs []error
	for _, d := range p.devices {
		if err := d.close(); err != nil {
			p.log.Error("device teardown", "device", d.id, "error", err)
			errs = append(errs, fmt.Errorf("device %d: %w", d.id, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Plugin) device(id int) (*deviceState, error) {
	if id < 0 || id >= len(p.devices) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidDevice, id, len(p.devices))
	}
	return p.devices[id], nil
}

// ready returns an initialized device.
func (p *Plugin) ready(id int) (*deviceState, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	d, err := p.device(id)
	if err != nil {
		return nil, err
	}
	if !d.isInitialized() {
		return nil, fmt.Errorf("%w: %d", ErrNotInitialized, id)
	}
	return d, nil
}
