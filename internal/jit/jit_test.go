package jit

import (
	"errors"
	"strconv"
	"testing"

	"github.com/samcharles93/offload/internal/cache"
	"github.com/samcharles93/offload/internal/ir"
	"github.com/samcharles93/offload/internal/kernel"
)

type recordingCompiler struct {
	calls int
	last  *ir.Module
	opts  ir.CompileOptions
	err   error
}

func (c *recordingCompiler) Compile(m *ir.Module, opts ir.CompileOptions) ([]byte, error) {
	c.calls++
	c.last = m
	c.opts = opts
	if c.err != nil {
		return nil, c.err
	}
	return []byte("native:" + strconv.Itoa(c.calls)), nil
}

func testModule(mode kernel.ExecMode) *ir.Module {
	return &ir.Module{
		Triple: "sim64-offload-sim",
		Kernels: []ir.Kernel{{
			Name: "k",
			Body: "k",
			Params: []ir.Param{
				{Name: "out", Pointer: true},
				{Name: "in", Pointer: true, Aggregate: true},
				{Name: "n"},
			},
		}},
		Globals: []ir.Global{
			{Name: "k_exec_mode", Size: 1, Constant: true, Init: []byte{byte(mode)}},
			{Name: "scale", Size: 4, Init: make([]byte, 4), Uses: []ir.Use{{Kind: ir.UseLoad}}},
			{Name: "counter", Size: 4, Init: make([]byte, 4), Uses: []ir.Use{{Kind: ir.UseStore}}},
		},
	}
}

func testDevice() Device {
	return Device{
		Arch:            "sm_80",
		ThreadsPerBlock: 1024,
		BlocksPerGrid:   65536,
		WarpSize:        32,
		MaxRegisters:    65536,
		NumTeams:        128,
		NumThreads:      128,
		EnvNumTeams:     -1,
	}
}

func TestParseDisabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		off     []Action
		unknown int
	}{
		{"", nil, 0},
		{"alignment", []Action{ActionAlignment}, 0},
		{"Specialization;NUM_TEAMS", []Action{ActionSpecialization, ActionNumTeams}, 0},
		{"num_threads;;bogus", []Action{ActionNumThreads}, 1},
		{"all", []Action{ActionAlignment, ActionSpecialization, ActionNumTeams, ActionNumThreads}, 0},
	}
	for _, tc := range tests {
		got, unknown := ParseDisabled(tc.in)
		if len(unknown) != tc.unknown {
			t.Errorf("%q: unknown = %v", tc.in, unknown)
		}
		want := AllOptimizations
		for _, a := range tc.off {
			want = want.Without(a)
		}
		if got != want {
			t.Errorf("%q: enabled = %s, want %s", tc.in, got, want)
		}
	}
}

func TestAlignmentOf(t *testing.T) {
	t.Parallel()

	tests := map[uint64]uint64{
		0x1000: 128,
		0x1040: 64,
		0x1020: 32,
		0x1010: 16,
		0x1008: 8,
		0x1004: 0,
		0x1001: 0,
	}
	for ptr, want := range tests {
		if got := AlignmentOf(ptr); got != want {
			t.Errorf("AlignmentOf(%#x) = %d, want %d", ptr, got, want)
		}
	}
}

func TestSpecializeSPMDBuildsMaskAndSteps(t *testing.T) {
	t.Parallel()

	comp := &recordingCompiler{}
	s := &Specializer{Compiler: comp, Images: cache.NewImages(), Enabled: AllOptimizations}
	key := kernel.Key{Name: "k", NumThreads: 256, Args: []uint64{0x7f0000040, 0x7f0001000, 1000}}
	res, err := s.Specialize(testModule(kernel.ExecSPMD), testDevice(), Request{
		Key:         key,
		ThreadLimit: 256,
		TripCount:   1000,
		Globals: []HostGlobal{
			{Name: "scale", Data: []byte{3, 0, 0, 0}},
			{Name: "counter", Data: []byte{1, 0, 0, 0}},
			{Name: "not_in_module", Data: []byte{1}},
		},
	})
	if err != nil {
		t.Fatalf("Specialize: %v", err)
	}

	mask := res.Image.Kernel.Mask()
	if mask[0] != 63 {
		t.Errorf("aligned pointer mask = %#x, want 0x3f", mask[0])
	}
	if mask[1] != kernel.FullMask {
		t.Errorf("aggregate pointer must stay exact, got %#x", mask[1])
	}
	if mask[2] != kernel.FullMask {
		t.Errorf("specialized scalar must stay exact, got %#x", mask[2])
	}

	k, _ := comp.last.Kernel("k")
	if k.Params[0].Align != 64 || k.Params[2].Const == nil || *k.Params[2].Const != 1000 {
		t.Errorf("kernel not rewritten: %+v", k.Params)
	}
	if k.Attrs[ir.AttrThreadLimit] != "256" {
		t.Errorf("thread limit attr = %q", k.Attrs[ir.AttrThreadLimit])
	}
	// ceil(1000/256) = 4 teams.
	if k.Attrs[ir.AttrNumTeams] != "4" {
		t.Errorf("num teams attr = %q", k.Attrs[ir.AttrNumTeams])
	}
	if res.NumThreads != 256 || res.Registers != 256 {
		t.Errorf("threads=%d registers=%d", res.NumThreads, res.Registers)
	}
	if len(res.Specialized) != 1 || res.Specialized[0] != "scale" {
		t.Errorf("specialized globals = %v", res.Specialized)
	}
	if g := comp.last.Global("scale"); !g.Internal || g.Init[0] != 3 {
		t.Errorf("scale not specialized: %+v", g)
	}
	if g := comp.last.Global("counter"); g.Internal {
		t.Error("written global must not be specialized")
	}
	if comp.opts.OptLevel != 3 || len(comp.opts.Preserve) != 2 || comp.opts.Preserve[1] != "k_exec_mode" {
		t.Errorf("compile options = %+v", comp.opts)
	}

	// The input module is untouched.
	orig := testModule(kernel.ExecSPMD)
	if orig.Kernels[0].Params[0].Align != 0 {
		t.Fatal("unexpected mutation of a fresh module")
	}

	// A second launch with a differently placed but equally aligned buffer
	// hits the cache entry.
	probe := kernel.Key{Name: "k", NumThreads: 256, Args: []uint64{0x100000040, 0x7f0001000, 1000}}
	if img, ok := s.Images.Get("sm_80", probe); !ok || img != res.Image {
		t.Fatal("expected image cache hit for an equally aligned pointer")
	}
	probe.Args[2] = 999
	if _, ok := s.Images.Get("sm_80", probe); ok {
		t.Fatal("a different scalar must not reuse the specialized image")
	}
}

func TestSpecializeGenericAddsWarp(t *testing.T) {
	t.Parallel()

	comp := &recordingCompiler{}
	s := &Specializer{Compiler: comp, Images: cache.NewImages(), Enabled: AllOptimizations}
	res, err := s.Specialize(testModule(kernel.ExecGeneric), testDevice(), Request{
		Key:         kernel.Key{Name: "k", Args: []uint64{8, 8, 1}},
		ThreadLimit: 100,
		TripCount:   1000,
	})
	if err != nil {
		t.Fatalf("Specialize: %v", err)
	}
	if res.NumThreads != 132 {
		t.Fatalf("generic threads = %d, want 132", res.NumThreads)
	}
	k, _ := comp.last.Kernel("k")
	if k.HasAttr(ir.AttrThreadLimit) {
		t.Error("generic kernels do not bake a thread count")
	}
	if k.HasAttr(ir.AttrNumTeams) {
		t.Error("generic kernel with trip count and no env override bakes no team count")
	}
}

func TestSpecializeHonoursDisabledAndFixedAttrs(t *testing.T) {
	t.Parallel()

	comp := &recordingCompiler{}
	enabled, _ := ParseDisabled("alignment;specialization")
	s := &Specializer{Compiler: comp, Images: cache.NewImages(), Enabled: enabled}
	mod := testModule(kernel.ExecSPMD)
	mod.Kernels[0].SetAttr(ir.AttrNumTeams, "7")

	res, err := s.Specialize(mod, testDevice(), Request{
		Key:   kernel.Key{Name: "k", Args: []uint64{0x1000, 0x2000, 5}},
		Teams: 3,
	})
	if err != nil {
		t.Fatalf("Specialize: %v", err)
	}
	for i, m := range res.Image.Kernel.Mask() {
		if m != kernel.FullMask {
			t.Errorf("mask[%d] = %#x, want full", i, m)
		}
	}
	k, _ := comp.last.Kernel("k")
	if k.Params[0].Align != 0 || k.Params[2].Const != nil {
		t.Error("disabled actions were applied")
	}
	if k.Attrs[ir.AttrNumTeams] != "7" {
		t.Errorf("fixed num teams attribute overwritten: %q", k.Attrs[ir.AttrNumTeams])
	}
	if k.Attrs[ir.AttrThreadLimit] != "128" {
		t.Errorf("default SPMD thread count not baked: %q", k.Attrs[ir.AttrThreadLimit])
	}
}

func TestSpecializeFailuresCacheNothing(t *testing.T) {
	t.Parallel()

	images := cache.NewImages()
	dev := testDevice()

	s := &Specializer{Compiler: &recordingCompiler{}, Images: images, Enabled: AllOptimizations}
	if _, err := s.Specialize(testModule(kernel.ExecSPMD), dev, Request{Key: kernel.Key{Name: "missing"}}); !errors.Is(err, ir.ErrMissingKernel) {
		t.Fatalf("missing kernel: %v", err)
	}
	if _, err := s.Specialize(testModule(kernel.ExecSPMD), dev, Request{Key: kernel.Key{Name: "k", Args: []uint64{1}}}); !errors.Is(err, ir.ErrArgumentCount) {
		t.Fatalf("argument count: %v", err)
	}
	_, err := s.Specialize(testModule(kernel.ExecSPMD), dev, Request{
		Key:     kernel.Key{Name: "k", Args: []uint64{8, 8, 1}},
		Globals: []HostGlobal{{Name: "scale", Data: []byte{1, 2}}},
	})
	if !errors.Is(err, ir.ErrGlobalSize) {
		t.Fatalf("global size: %v", err)
	}

	noMode := testModule(kernel.ExecSPMD)
	noMode.Globals = noMode.Globals[1:]
	if _, err := s.Specialize(noMode, dev, Request{Key: kernel.Key{Name: "k", Args: []uint64{8, 8, 1}}}); !errors.Is(err, ir.ErrMissingGlobal) {
		t.Fatalf("missing exec mode: %v", err)
	}
	if _, err := s.Specialize(testModule(kernel.ExecMode(9)), dev, Request{Key: kernel.Key{Name: "k", Args: []uint64{8, 8, 1}}}); !errors.Is(err, kernel.ErrUnknownExecMode) {
		t.Fatalf("invalid exec mode: %v", err)
	}

	s.Compiler = &recordingCompiler{err: errors.New("ptxas exploded")}
	if _, err := s.Specialize(testModule(kernel.ExecSPMD), dev, Request{Key: kernel.Key{Name: "k", Args: []uint64{8, 8, 1}}}); !errors.Is(err, ErrCompile) {
		t.Fatalf("compile failure: %v", err)
	}
	if images.Len() != 0 {
		t.Fatalf("failed specializations cached %d images", images.Len())
	}
}

func TestTeamCount(t *testing.T) {
	t.Parallel()

	dev := testDevice()
	dev.BlocksPerGrid = 10
	tests := []struct {
		name string
		req  Request
		env  int
		mode kernel.ExecMode
		want int
	}{
		{"explicit", Request{Teams: 5, TripCount: 10000}, -1, kernel.ExecSPMD, 5},
		{"explicit capped", Request{Teams: 50}, -1, kernel.ExecSPMD, 10},
		{"trip spmd", Request{TripCount: 300}, -1, kernel.ExecSPMD, 3},
		{"trip generic", Request{TripCount: 300}, -1, kernel.ExecGeneric, 0},
		{"env set", Request{TripCount: 300}, 4, kernel.ExecSPMD, 10},
		{"default", Request{}, -1, kernel.ExecSPMD, 10},
	}
	for _, tc := range tests {
		d := dev
		d.EnvNumTeams = tc.env
		if got := teamCount(tc.req, d, tc.mode, 128); got != tc.want {
			t.Errorf("%s: teamCount = %d, want %d", tc.name, got, tc.want)
		}
	}
}
