package offload

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/samcharles93/offload/internal/binio"
	"github.com/samcharles93/offload/internal/device"
	"github.com/samcharles93/offload/internal/ir"
	"github.com/samcharles93/offload/internal/kernel"
)

// DeviceEnvSymbol is the device global that receives the runtime
// environment after a module is loaded.
const DeviceEnvSymbol = "omptarget_device_environment"

// DeviceEnvSize is the size of the device environment record:
// i32 debug kind, u32 device count, u32 device number, 4 bytes padding,
// u64 dynamic shared memory size.
const DeviceEnvSize = 24

func (p *Plugin) deviceEnvironment(d *deviceState) []byte {
	w := binio.NewWriter(DeviceEnvSize)
	w.Int32(p.cfg.DeviceRTLDebug)
	w.Uint32(uint32(len(p.devices)))
	w.Uint32(uint32(d.id))
	w.Pad(4)
	w.Uint64(p.cfg.DynamicMemSize)
	return w.Bytes()
}

// LoadBinary loads img on device id and returns its entry table. Native
// images are loaded immediately. NeedsJIT images are only registered: their
// kernel entries are compiled on first launch and their globals have no
// device address yet.
func (p *Plugin) LoadBinary(id int, img *DeviceImage) (*TargetTable, error) {
	d, err := p.ready(id)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidBinary)
	}
	switch kind := p.IsValidBinary(img.Image); kind {
	case Native:
		return p.loadNative(d, img)
	case NeedsJIT:
		return p.registerJIT(d, img)
	default:
		return nil, fmt.Errorf("%w: not a %s image", ErrInvalidBinary, p.drv.Name())
	}
}

func (p *Plugin) loadNative(d *deviceState, img *DeviceImage) (*TargetTable, error) {
	if err := d.ctx.MakeCurrent(); err != nil {
		return nil, err
	}
	mod, err := d.ctx.LoadModule(img.Image, device.ModuleOptions{})
	if err != nil {
		p.log.Error("module load failed", "device", d.id, "error", err)
		return nil, fmt.Errorf("offload: device %d: load module: %w", d.id, err)
	}
	d.addModule(mod)
	p.log.Debug("module loaded", "device", d.id, "entries", len(img.Entries))

	usm := p.requiresFlags()&RequiresUnifiedSharedMemory != 0
	table := &TargetTable{Entries: make([]TableEntry, 0, len(img.Entries))}
	for _, e := range img.Entries {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: unnamed host entry (size %d)", ErrInvalidBinary, e.Size)
		}
		if !e.IsKernel() {
			addr, size, err := d.ctx.GetGlobal(mod, e.Name)
			if err != nil {
				p.log.Error("loading global failed", "device", d.id, "global", e.Name, "error", err)
				return nil, fmt.Errorf("offload: global %s: %w", e.Name, err)
			}
			if size != e.Size {
				return nil, fmt.Errorf("%w: %s is %d bytes on device, %d on host", ErrSizeMismatch, e.Name, size, e.Size)
			}
			if usm {
				// Under unified shared memory the device global holds the host
				// address.
				var word [8]byte
				binary.LittleEndian.PutUint64(word[:], uint64(e.Addr))
				if err := d.syncOn(func(s device.Stream) error {
					return d.ctx.CopyHtoDAsync(addr, word[:], s)
				}); err != nil {
					return nil, fmt.Errorf("offload: link global %s: %w", e.Name, err)
				}
				p.log.Debug("linked global to host address", "global", e.Name, "host", fmt.Sprintf("%#x", e.Addr))
			}
			table.Entries = append(table.Entries, TableEntry{Name: e.Name, Addr: addr, Size: size})
			continue
		}
		k, err := p.bindKernel(d, mod, e.Name)
		if err != nil {
			return nil, err
		}
		table.Entries = append(table.Entries, TableEntry{Name: e.Name, Kernel: k})
	}
	if err := p.writeDeviceEnv(d, mod); err != nil {
		return nil, err
	}
	return table, nil
}

// bindKernel resolves a kernel and reads its execution mode. A missing mode
// global means Generic.
func (p *Plugin) bindKernel(d *deviceState, mod device.Module, name string) (*Kernel, error) {
	fn, err := d.ctx.GetFunction(mod, name)
	if err != nil {
		p.log.Error("loading kernel failed", "device", d.id, "kernel", name, "error", err)
		return nil, fmt.Errorf("offload: kernel %s: %w", name, err)
	}
	mode := kernel.ExecGeneric
	sym := kernel.ExecModeSymbol(name)
	addr, size, err := d.ctx.GetGlobal(mod, sym)
	switch {
	case errors.Is(err, device.ErrNotFound):
		p.log.Debug("exec mode symbol missing, using Generic", "kernel", name)
	case err != nil:
		return nil, fmt.Errorf("offload: %s: %w", sym, err)
	default:
		if size != 1 {
			return nil, fmt.Errorf("%w: %s is %d bytes, want 1", ErrSizeMismatch, sym, size)
		}
		var b [1]byte
		if err := d.syncOn(func(s device.Stream) error {
			return d.ctx.CopyDtoHAsync(b[:], addr, s)
		}); err != nil {
			return nil, fmt.Errorf("offload: read %s: %w", sym, err)
		}
		if mode, err = kernel.ParseExecMode(int8(b[0])); err != nil {
			return nil, fmt.Errorf("offload: kernel %s: %w", name, err)
		}
	}
	maxThreads, err := d.ctx.FunctionMaxThreads(fn)
	if err != nil {
		return nil, fmt.Errorf("offload: kernel %s: %w", name, err)
	}
	p.log.Debug("kernel bound", "device", d.id, "kernel", name, "mode", mode.String(), "max_threads", maxThreads)
	return &Kernel{Name: name, Mode: mode, MaxThreads: maxThreads, fn: fn}, nil
}

// writeDeviceEnv sends the runtime environment to the module when it
// declares the record.
func (p *Plugin) writeDeviceEnv(d *deviceState, mod device.Module) error {
	addr, size, err := d.ctx.GetGlobal(mod, DeviceEnvSymbol)
	if errors.Is(err, device.ErrNotFound) {
		p.log.Debug("device environment symbol missing", "device", d.id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("offload: %s: %w", DeviceEnvSymbol, err)
	}
	if size != DeviceEnvSize {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, DeviceEnvSymbol, size, DeviceEnvSize)
	}
	env := p.deviceEnvironment(d)
	if err := d.syncOn(func(s device.Stream) error {
		return d.ctx.CopyHtoDAsync(addr, env, s)
	}); err != nil {
		return fmt.Errorf("offload: write %s: %w", DeviceEnvSymbol, err)
	}
	p.log.Debug("sent device environment", "device", d.id, "bytes", size)
	return nil
}

// registerJIT records a NeedsJIT image. Kernel entries share the decoded
// module; their execution mode is read from the module now so the table is
// informative before the first launch.
func (p *Plugin) registerJIT(d *deviceState, img *DeviceImage) (*TargetTable, error) {
	mod, err := ir.Decode(img.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBinary, err)
	}
	ji := &jitImage{mod: mod, entries: img.Entries}
	table := &TargetTable{Entries: make([]TableEntry, 0, len(img.Entries))}
	kernels := 0
	for _, e := range img.Entries {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: unnamed host entry (size %d)", ErrInvalidBinary, e.Size)
		}
		if !e.IsKernel() {
			table.Entries = append(table.Entries, TableEntry{Name: e.Name, Size: e.Size})
			continue
		}
		mode := kernel.ExecGeneric
		if g := mod.Global(kernel.ExecModeSymbol(e.Name)); g != nil && len(g.Init) == 1 {
			if m, err := kernel.ParseExecMode(int8(g.Init[0])); err == nil {
				mode = m
			}
		}
		table.Entries = append(table.Entries, TableEntry{Name: e.Name, Kernel: &Kernel{Name: e.Name, Mode: mode, jit: ji}})
		kernels++
	}
	p.log.Debug("registered image for launch-time compilation", "device", d.id, "kernels", kernels, "triple", mod.Triple)
	return table, nil
}
