package jit

import (
	"errors"
	"fmt"

	"github.com/samcharles93/offload/internal/cache"
	"github.com/samcharles93/offload/internal/ir"
	"github.com/samcharles93/offload/internal/kernel"
	"github.com/samcharles93/offload/internal/logger"
)

// ErrCompile wraps backend compilation failures.
var ErrCompile = errors.New("jit: compilation failed")

// Compiler lowers a specialized module to a native image.
type Compiler interface {
	Compile(m *ir.Module, opts ir.CompileOptions) ([]byte, error)
}

// Device carries the limits and defaults of the device a kernel is being
// specialized for.
type Device struct {
	Arch            string
	ThreadsPerBlock int
	BlocksPerGrid   int
	WarpSize        int
	MaxRegisters    int
	NumTeams        int
	NumThreads      int
	// EnvNumTeams is the user's team-count override, negative when unset.
	EnvNumTeams int
}

// HostGlobal is the host copy of a device global at launch time.
type HostGlobal struct {
	Name string
	Data []byte
}

// Request describes one launch to specialize for.
type Request struct {
	// Key is the launch descriptor. Its team/thread counts are only set when
	// the matching optimization is enabled.
	Key         kernel.Key
	Teams       int
	ThreadLimit int
	TripCount   uint64
	Globals     []HostGlobal
}

// Result is the outcome of a specialization.
type Result struct {
	Image *kernel.Image
	// Inserted is false when a concurrent specialization of the same shape
	// won the cache insert and Image is that earlier artifact.
	Inserted   bool
	NumThreads int
	Registers  int
	Steps      []Step
	// Specialized lists the globals whose initializer was replaced.
	Specialized []string
}

// Specializer turns lifted modules into cached, specialized images.
type Specializer struct {
	Compiler Compiler
	Images   *cache.Images
	Enabled  Optimizations
	Log      logger.Logger
}

// Specialize applies the enabled actions to a copy of mod for req, compiles
// it and inserts the image into the image cache. Nothing is cached on error.
func (s *Specializer) Specialize(mod *ir.Module, dev Device, req Request) (*Result, error) {
	log := s.Log
	if log == nil {
		log = logger.Discard()
	}
	name := req.Key.Name
	m := mod.Clone()
	k, err := m.Kernel(name)
	if err != nil {
		return nil, err
	}
	if len(k.Params) != len(req.Key.Args) {
		return nil, fmt.Errorf("%w: %s takes %d, launch passed %d", ir.ErrArgumentCount, name, len(k.Params), len(req.Key.Args))
	}

	mode, err := modeOf(m, name)
	if err != nil {
		return nil, err
	}
	threads := 0
	if mode.IsSPMD() {
		threads = threadCount(req.ThreadLimit, dev, false)
	}

	steps := planArguments(k, req.Key.Args, s.Enabled)
	if threads != 0 && s.Enabled.Enabled(ActionNumThreads) && !k.HasAttr(ir.AttrThreadLimit) {
		steps = append(steps, Step{Action: ActionNumThreads, Index: -1, Value: uint64(threads)})
	}
	if s.Enabled.Enabled(ActionNumTeams) && !k.HasAttr(ir.AttrNumTeams) {
		if teams := teamCount(req, dev, mode, threads); teams != 0 {
			steps = append(steps, Step{Action: ActionNumTeams, Index: -1, Value: uint64(teams)})
		}
	}

	var specialized []string
	for _, hg := range req.Globals {
		if len(hg.Data) == 0 {
			continue
		}
		g := m.Global(hg.Name)
		if g == nil || g.Aggregate || !g.ReadOnly() {
			continue
		}
		if g.Size != len(hg.Data) {
			return nil, fmt.Errorf("%w: %s is %d bytes on device, %d on host", ir.ErrGlobalSize, hg.Name, g.Size, len(hg.Data))
		}
		if specializeGlobal(g, hg.Data) {
			specialized = append(specialized, hg.Name)
			log.Debug("specialized global", "global", hg.Name, "size", g.Size)
		} else {
			log.Debug("unsupported size for global specialization", "global", hg.Name, "size", g.Size)
		}
	}

	mask := kernel.FullMaskFor(len(req.Key.Args))
	if err := apply(k, steps, mask); err != nil {
		return nil, err
	}
	for _, st := range steps {
		log.Debug("apply", "kernel", name, "step", st.String())
	}

	desc, err := req.Key.Specialize(mask)
	if err != nil {
		return nil, err
	}

	// The register budget follows the mode of the module being compiled.
	if mode, err = modeOf(m, name); err != nil {
		return nil, err
	}
	if !mode.IsSPMD() {
		// Generic kernels are not sized at compile time; this count only sets
		// the register budget.
		threads = threadCount(req.ThreadLimit, dev, true)
	}
	if threads <= 0 {
		return nil, fmt.Errorf("jit: %s: no thread count could be derived", name)
	}
	regs := dev.MaxRegisters / threads

	data, err := s.Compiler.Compile(m, ir.CompileOptions{
		Arch:         dev.Arch,
		OptLevel:     3,
		Preserve:     []string{name, kernel.ExecModeSymbol(name)},
		MaxRegisters: regs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompile, name, err)
	}

	img, inserted := s.Images.Insert(dev.Arch, &kernel.Image{Kernel: desc, Data: data})
	log.Debug("specialized kernel", "kernel", name, "arch", dev.Arch, "threads", threads, "registers", regs, "steps", len(steps), "inserted", inserted)
	return &Result{
		Image:       img,
		Inserted:    inserted,
		NumThreads:  threads,
		Registers:   regs,
		Steps:       steps,
		Specialized: specialized,
	}, nil
}

// modeOf reads the kernel's execution mode global. A module without one
// cannot be specialized.
func modeOf(m *ir.Module, name string) (kernel.ExecMode, error) {
	sym := kernel.ExecModeSymbol(name)
	g := m.Global(sym)
	if g == nil {
		return 0, fmt.Errorf("%w: %s", ir.ErrMissingGlobal, sym)
	}
	if len(g.Init) != 1 {
		return 0, fmt.Errorf("%w: %s holds %d bytes", kernel.ErrUnknownExecMode, sym, len(g.Init))
	}
	mode, err := kernel.ParseExecMode(int8(g.Init[0]))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", sym, err)
	}
	return mode, nil
}

// threadCount is the JIT thread count: the user's limit or the device
// default, plus one warp for generic kernels, capped by the block limit.
func threadCount(limit int, dev Device, generic bool) int {
	n := dev.NumThreads
	if limit > 0 {
		n = limit
	}
	if generic {
		n += dev.WarpSize
	}
	if dev.ThreadsPerBlock > 0 && n > dev.ThreadsPerBlock {
		n = dev.ThreadsPerBlock
	}
	return n
}

// teamCount is the team count baked into the kernel, 0 when it should stay
// dynamic.
func teamCount(req Request, dev Device, mode kernel.ExecMode, threads int) int {
	var n int
	switch {
	case req.Teams > 0:
		n = req.Teams
	case req.TripCount > 0 && dev.EnvNumTeams < 0:
		if mode.IsSPMD() && threads > 0 {
			n = int((req.TripCount-1)/uint64(threads)) + 1
		}
	default:
		n = dev.NumTeams
	}
	if dev.BlocksPerGrid > 0 && n > dev.BlocksPerGrid {
		n = dev.BlocksPerGrid
	}
	return n
}
