package offload

import (
	"errors"
	"fmt"

	"github.com/samcharles93/offload/internal/device"
	"github.com/samcharles93/offload/internal/jit"
	"github.com/samcharles93/offload/internal/kernel"
	"github.com/samcharles93/offload/internal/launch"
)

// RunTargetRegion runs entry as a single team of one thread and waits for it.
func (p *Plugin) RunTargetRegion(id int, entry *TableEntry, args []uint64, offsets []int64) error {
	return p.RunTeamRegion(id, entry, args, offsets, 1, 1, 0)
}

// RunTargetRegionAsync enqueues entry as a single team of one thread.
func (p *Plugin) RunTargetRegionAsync(id int, entry *TableEntry, args []uint64, offsets []int64, info *AsyncInfo) error {
	return p.RunTeamRegionAsync(id, entry, args, offsets, 1, 1, 0, info)
}

// RunTeamRegion launches entry and waits for it.
func (p *Plugin) RunTeamRegion(id int, entry *TableEntry, args []uint64, offsets []int64, teams, threadLimit int, tripCount uint64) error {
	return p.sync(id, func(info *AsyncInfo) error {
		return p.RunTeamRegionAsync(id, entry, args, offsets, teams, threadLimit, tripCount, info)
	})
}

// RunTeamRegionAsync launches entry on info's stream. The argument words are
// args[i]+offsets[i]. teams and threadLimit of 0 leave the choice to the
// runtime; tripCount is the loop trip count, 0 when unknown.
func (p *Plugin) RunTeamRegionAsync(id int, entry *TableEntry, args []uint64, offsets []int64, teams, threadLimit int, tripCount uint64, info *AsyncInfo) error {
	d, s, err := p.queue(id, info)
	if err != nil {
		return err
	}
	if entry == nil || entry.Kernel == nil {
		return ErrInvalidEntry
	}
	if len(offsets) != 0 && len(offsets) != len(args) {
		return fmt.Errorf("offload: %d offsets for %d arguments", len(offsets), len(args))
	}
	words := make([]uint64, len(args))
	for i, a := range args {
		words[i] = a
		if len(offsets) != 0 {
			words[i] += uint64(offsets[i])
		}
	}

	k := entry.Kernel
	if k.IsJIT() {
		if k, err = p.jitKernel(d, k, words, teams, threadLimit, tripCount, info); err != nil {
			p.log.Error("launch-time compilation failed", "device", id, "kernel", entry.Name, "async", info.ID, "error", err)
			return err
		}
	}

	geo, err := launch.Compute(launch.Request{
		Teams:            teams,
		ThreadLimit:      threadLimit,
		TripCount:        tripCount,
		Mode:             k.Mode,
		KernelMaxThreads: k.MaxThreads,
	}, d.limits)
	if err != nil {
		return fmt.Errorf("offload: kernel %s: %w", k.Name, err)
	}

	p.log.Info("launching kernel",
		"device", id,
		"kernel", k.Name,
		"mode", k.Mode.String(),
		"blocks", geo.Blocks,
		"threads", geo.Threads,
		"trip_count", tripCount,
		"async", info.ID,
	)
	err = d.ctx.Launch(k.fn, device.LaunchConfig{
		Blocks:    geo.Blocks,
		Threads:   geo.Threads,
		SharedMem: int(p.cfg.DynamicMemSize),
	}, s, words)
	if err != nil {
		p.log.Error("kernel launch failed", "device", id, "kernel", k.Name, "error", err)
		return fmt.Errorf("offload: launch %s: %w", k.Name, err)
	}
	return nil
}

// jitKernel returns the compiled kernel for one launch shape. A table cache
// hit reuses a loaded module. Otherwise the image comes from the image cache
// or a fresh specialization and is loaded into a new module.
func (p *Plugin) jitKernel(d *deviceState, k *Kernel, words []uint64, teams, threadLimit int, tripCount uint64, info *AsyncInfo) (*Kernel, error) {
	if p.spec == nil {
		return nil, fmt.Errorf("%w: no compiler for %s", ErrInvalidBinary, k.Name)
	}
	log := p.log.With("device", d.id, "kernel", k.Name)

	key := kernel.NewKey(k.Name)
	key.SetArgs(words)
	if p.cfg.Optimizations.Enabled(jit.ActionNumTeams) && teams > 0 {
		key.NumTeams = uint32(teams)
	}
	if p.cfg.Optimizations.Enabled(jit.ActionNumThreads) && threadLimit > 0 {
		key.NumThreads = uint32(threadLimit)
	}

	d.jitMu.Lock()
	defer d.jitMu.Unlock()

	if t, ok := d.tables.Get(key); ok {
		log.Debug("target table cache hit")
		return t.Entries[0].Kernel, nil
	}

	regs := d.maxRegisters
	img, ok := p.images.Get(d.arch, key)
	if ok {
		if n := img.Kernel.NumThreads(); n != 0 {
			regs = d.maxRegisters / int(n)
		}
		log.Debug("image cache hit", "registers", regs, "bytes", len(img.Data))
	} else {
		res, err := p.spec.Specialize(k.jit.mod, d.jitDevice(), jit.Request{
			Key:         key,
			Teams:       teams,
			ThreadLimit: threadLimit,
			TripCount:   tripCount,
			Globals:     hostGlobals(k.jit.entries),
		})
		if err != nil {
			return nil, err
		}
		img, regs = res.Image, res.Registers
		log.Debug("specialized", "threads", res.NumThreads, "registers", regs, "steps", len(res.Steps), "globals", len(res.Specialized))
	}

	desc, err := key.Specialize(img.Kernel.Mask())
	if err != nil {
		return nil, err
	}

	mod, err := d.ctx.LoadModule(img.Data, device.ModuleOptions{MaxRegisters: regs})
	if err != nil {
		return nil, fmt.Errorf("offload: load specialized module: %w", err)
	}
	d.addModule(mod)

	s, err := d.stream(info)
	if err != nil {
		return nil, err
	}
	for _, e := range k.jit.entries {
		if e.IsKernel() || len(e.Data) == 0 {
			continue
		}
		addr, size, err := d.ctx.GetGlobal(mod, e.Name)
		if errors.Is(err, device.ErrNotFound) {
			// Specialized into the code.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("offload: global %s: %w", e.Name, err)
		}
		if size != e.Size || int64(len(e.Data)) != size {
			return nil, fmt.Errorf("%w: %s is %d bytes on device, %d on host", ErrSizeMismatch, e.Name, size, e.Size)
		}
		if err := d.ctx.CopyHtoDAsync(addr, e.Data, s); err != nil {
			return nil, fmt.Errorf("offload: initialize global %s: %w", e.Name, err)
		}
	}

	bound, err := p.bindKernel(d, mod, k.Name)
	if err != nil {
		return nil, err
	}
	if err := p.writeDeviceEnv(d, mod); err != nil {
		return nil, err
	}
	table := &TargetTable{Entries: []TableEntry{{Name: k.Name, Kernel: bound}}}
	table, _ = d.tables.Insert(desc, table)
	return table.Entries[0].Kernel, nil
}

func hostGlobals(entries []OffloadEntry) []jit.HostGlobal {
	var out []jit.HostGlobal
	for _, e := range entries {
		if e.IsKernel() || len(e.Data) == 0 {
			continue
		}
		out = append(out, jit.HostGlobal{Name: e.Name, Data: e.Data})
	}
	return out
}
