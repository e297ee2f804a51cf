package offload

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/samcharles93/offload/internal/config"
	"github.com/samcharles93/offload/internal/device"
	"github.com/samcharles93/offload/internal/device/sim"
	"github.com/samcharles93/offload/internal/ir"
	"github.com/samcharles93/offload/internal/jit"
	"github.com/samcharles93/offload/internal/kernel"
	"github.com/samcharles93/offload/internal/logger"
)

func init() {
	sim.Register("offloadtest.axpy", func(tc *sim.ThreadContext) error {
		i := uint64(tc.GlobalID())
		if i >= tc.Arg(2) {
			return nil
		}
		x, err := tc.Uint32(tc.Arg(1) + 4*i)
		if err != nil {
			return err
		}
		o, err := tc.Uint32(tc.Arg(0) + 4*i)
		if err != nil {
			return err
		}
		return tc.PutUint32(tc.Arg(0)+4*i, o+uint32(tc.Arg(3))*x)
	})
	sim.Register("offloadtest.env", func(tc *sim.ThreadContext) error {
		if tc.GlobalID() != 0 {
			return nil
		}
		env, err := tc.Global(DeviceEnvSymbol)
		if err != nil {
			return err
		}
		b, err := tc.Bytes(env, DeviceEnvSize)
		if err != nil {
			return err
		}
		out, err := tc.Bytes(tc.Arg(0), DeviceEnvSize)
		if err != nil {
			return err
		}
		copy(out, b)
		return nil
	})
	sim.Register("offloadtest.scaled", func(tc *sim.ThreadContext) error {
		if tc.GlobalID() != 0 {
			return nil
		}
		var vals [2]uint32
		for i, name := range []string{"factor", "bias"} {
			addr, err := tc.Global(name)
			if err != nil {
				return err
			}
			if vals[i], err = tc.Uint32(addr); err != nil {
				return err
			}
		}
		return tc.PutUint32(tc.Arg(0), vals[0]*uint32(tc.Arg(1))+vals[1])
	})
	sim.Register("offloadtest.count", func(tc *sim.ThreadContext) error {
		return tc.Parallel(func(w *sim.ThreadContext) error {
			_, err := w.AddUint32(w.Arg(0), 1)
			return err
		})
	})
	sim.Register("offloadtest.fail", func(tc *sim.ThreadContext) error {
		return errors.New("device assertion")
	})
}

type countingCompiler struct {
	calls atomic.Int32
}

func (c *countingCompiler) Compile(m *ir.Module, opts ir.CompileOptions) ([]byte, error) {
	c.calls.Add(1)
	return sim.Compiler{}.Compile(m, opts)
}

type fixture struct {
	p   *Plugin
	drv *sim.Driver
	cc  *countingCompiler
}

func (f fixture) ctx(id int) *sim.Context { return f.drv.Context(id) }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CacheFile = filepath.Join(t.TempDir(), "jit.cache")
	return cfg
}

// newFixture builds a plugin over a fresh sim driver and initializes every
// device.
func newFixture(t *testing.T, cfg config.Config, devices int) fixture {
	t.Helper()
	drv := sim.New(sim.Options{Devices: devices, Parallelism: 4})
	cc := &countingCompiler{}
	p, err := New(Options{Driver: drv, Config: &cfg, Compiler: cc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	for id := range devices {
		if err := p.InitDevice(id); err != nil {
			t.Fatalf("InitDevice(%d): %v", id, err)
		}
	}
	return fixture{p: p, drv: drv, cc: cc}
}

func u32s(vs ...uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return b
}

func modeGlobal(name string, mode kernel.ExecMode) sim.BinGlobal {
	return sim.BinGlobal{Name: kernel.ExecModeSymbol(name), Size: 1, Init: []byte{byte(mode)}}
}

func nativeImage(t *testing.T, kernels []sim.BinKernel, globals ...sim.BinGlobal) []byte {
	t.Helper()
	img, err := sim.EncodeBinary(&sim.Binary{Arch: "sim_80", Kernels: kernels, Globals: globals})
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	return img
}

func axpyModule() *ir.Module {
	return &ir.Module{
		Triple: sim.Triple,
		Kernels: []ir.Kernel{{
			Name: "axpy",
			Body: "offloadtest.axpy",
			Params: []ir.Param{
				{Name: "out", Pointer: true},
				{Name: "x", Pointer: true},
				{Name: "n"},
				{Name: "a"},
			},
		}},
		Globals: []ir.Global{{Name: kernel.ExecModeSymbol("axpy"), Size: 1, Constant: true, Init: []byte{byte(kernel.ExecSPMD)}}},
	}
}

func encodeModule(t *testing.T, m *ir.Module) []byte {
	t.Helper()
	b, err := ir.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func upload(t *testing.T, p *Plugin, id int, data []byte) device.Ptr {
	t.Helper()
	ptr, err := p.DataAlloc(id, int64(len(data)), AllocDefault)
	if err != nil {
		t.Fatalf("DataAlloc: %v", err)
	}
	if err := p.DataSubmit(id, ptr, data); err != nil {
		t.Fatalf("DataSubmit: %v", err)
	}
	return ptr
}

func download(t *testing.T, p *Plugin, id int, ptr device.Ptr, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	if err := p.DataRetrieve(id, out, ptr); err != nil {
		t.Fatalf("DataRetrieve: %v", err)
	}
	return out
}

func lookup(t *testing.T, table *TargetTable, name string) *TableEntry {
	t.Helper()
	e, ok := table.Lookup(name)
	if !ok {
		t.Fatalf("entry %s missing from table", name)
	}
	return e
}

// runAxpy computes out = 1 + a*x over n elements through entry and checks
// the result.
func runAxpy(t *testing.T, p *Plugin, entry *TableEntry, n int, a uint32) {
	t.Helper()
	xs := make([]uint32, n)
	ones := make([]uint32, n)
	for i := range xs {
		xs[i] = uint32(i)
		ones[i] = 1
	}
	x := upload(t, p, 0, u32s(xs...))
	out := upload(t, p, 0, u32s(ones...))
	defer func() {
		_ = p.DataDelete(0, x)
		_ = p.DataDelete(0, out)
	}()
	args := []uint64{uint64(out), uint64(x), uint64(n), uint64(a)}
	if err := p.RunTeamRegion(0, entry, args, make([]int64, len(args)), 0, 0, uint64(n)); err != nil {
		t.Fatalf("RunTeamRegion: %v", err)
	}
	got := download(t, p, 0, out, 4*n)
	for i := range n {
		if v := binary.LittleEndian.Uint32(got[4*i:]); v != 1+a*uint32(i) {
			t.Fatalf("out[%d] = %d, want %d", i, v, 1+a*uint32(i))
		}
	}
}

func TestInitDeviceLimits(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.TeamLimit = 16
	cfg.TeamThreadLimit = 256
	cfg.NumTeams = 64
	f := newFixture(t, cfg, 1)

	info, err := f.p.DeviceInfo(0)
	if err != nil {
		t.Fatal(err)
	}
	if info.BlocksPerGrid != 16 || info.ThreadsPerBlock != 256 {
		t.Errorf("limits = %d blocks x %d threads, want 16 x 256", info.BlocksPerGrid, info.ThreadsPerBlock)
	}
	if info.NumTeams != 16 || info.NumThreads != 128 {
		t.Errorf("defaults = %d teams x %d threads, want 16 x 128", info.NumTeams, info.NumThreads)
	}
	if info.Arch != "sim_80" || info.ComputeCapability != "8.0" || info.WarpSize != 32 {
		t.Errorf("arch=%s cc=%s warp=%d", info.Arch, info.ComputeCapability, info.WarpSize)
	}
	if info.Streams != config.DefaultNumInitialStreams {
		t.Errorf("stream pool = %d, want %d", info.Streams, config.DefaultNumInitialStreams)
	}
	if err := f.p.InitDevice(0); err != nil {
		t.Fatalf("re-init: %v", err)
	}
}

func TestHardThreadLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	drv := sim.New(sim.Options{Attributes: device.Attributes{MaxThreadsPerBlock: 4096}})
	p, err := New(Options{Driver: drv, Config: &cfg})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.InitDevice(0); err != nil {
		t.Fatal(err)
	}
	info, _ := p.DeviceInfo(0)
	if info.ThreadsPerBlock != HardThreadLimit {
		t.Fatalf("threads per block = %d, want %d", info.ThreadsPerBlock, HardThreadLimit)
	}
}

// limitFailDriver opens sim contexts whose SetLimit always fails.
type limitFailDriver struct {
	*sim.Driver
	opened []device.Context
}

type limitFailContext struct {
	device.Context
}

func (limitFailContext) SetLimit(device.Limit, uint64) error {
	return device.Failed("ctxSetLimit", 1, "limit rejected", device.ErrInvalidValue)
}

func (d *limitFailDriver) Open(ordinal int) (device.Context, error) {
	ctx, err := d.Driver.Open(ordinal)
	if err != nil {
		return nil, err
	}
	d.opened = append(d.opened, ctx)
	return limitFailContext{ctx}, nil
}

func TestFailedInitClosesContext(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.StackSize = 4096
	drv := &limitFailDriver{Driver: sim.New(sim.Options{})}
	p, err := New(Options{Driver: drv, Config: &cfg})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.InitDevice(0); !errors.Is(err, device.ErrInvalidValue) {
		t.Fatalf("InitDevice err = %v", err)
	}
	if len(drv.opened) != 1 {
		t.Fatalf("opened %d contexts", len(drv.opened))
	}
	if err := drv.opened[0].MakeCurrent(); !errors.Is(err, device.ErrInvalidHandle) {
		t.Fatalf("context left open after failed init: %v", err)
	}
	if _, err := p.DataAlloc(0, 64, AllocDefault); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("device usable after failed init: %v", err)
	}

	// A later attempt opens a fresh context.
	cfg.StackSize = 0
	p2, err := New(Options{Driver: drv.Driver, Config: &cfg})
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()
	if err := p2.InitDevice(0); err != nil {
		t.Fatalf("init after a failed attempt: %v", err)
	}
}

func TestEntryPointsRequireInit(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	p, err := New(Options{Driver: sim.New(sim.Options{Devices: 2}), Config: &cfg})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if p.NumDevices() != 2 {
		t.Fatalf("NumDevices = %d", p.NumDevices())
	}
	if _, err := p.DataAlloc(0, 64, AllocDefault); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("uninitialized device: %v", err)
	}
	if err := p.InitDevice(5); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("bad device id: %v", err)
	}
	if err := p.InitDevice(0); err != nil {
		t.Fatal(err)
	}
	if p.IsDataExchangable(0, 1) {
		t.Fatal("exchange with an uninitialized device")
	}
	if err := p.InitDevice(1); err != nil {
		t.Fatal(err)
	}
	if !p.IsDataExchangable(0, 1) {
		t.Fatal("initialized devices of one driver must be exchangeable")
	}
}

func TestIsValidBinary(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	foreign := axpyModule()
	foreign.Triple = "nvptx64-nvidia-cuda"

	tests := []struct {
		name  string
		image []byte
		want  BinaryKind
	}{
		{"native", nativeImage(t, nil), Native},
		{"ir", encodeModule(t, axpyModule()), NeedsJIT},
		{"foreign ir", encodeModule(t, foreign), Rejected},
		{"garbage", []byte("\x7fELF not really"), Rejected},
		{"empty", nil, Rejected},
	}
	for _, tc := range tests {
		if got := f.p.IsValidBinary(tc.image); got != tc.want {
			t.Errorf("%s: kind = %s, want %s", tc.name, got, tc.want)
		}
	}
	if _, err := f.p.LoadBinary(0, &DeviceImage{Image: []byte("junk")}); !errors.Is(err, ErrInvalidBinary) {
		t.Fatalf("LoadBinary(junk): %v", err)
	}
}

func TestNativeLoadAndLaunch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	img := nativeImage(t,
		[]sim.BinKernel{{Name: "axpy", Body: "offloadtest.axpy", NumParams: 4, Mode: int8(kernel.ExecSPMD)}},
		modeGlobal("axpy", kernel.ExecSPMD),
		sim.BinGlobal{Name: "counter", Size: 4, Init: u32s(9)},
	)
	table, err := f.p.LoadBinary(0, &DeviceImage{Image: img, Entries: []OffloadEntry{
		{Name: "axpy"},
		{Name: "counter", Size: 4},
	}})
	if err != nil {
		t.Fatalf("LoadBinary: %v", err)
	}

	k := lookup(t, table, "axpy").Kernel
	if k == nil || k.IsJIT() || k.Mode != kernel.ExecSPMD || k.MaxThreads != 1024 {
		t.Fatalf("kernel entry = %+v", k)
	}
	g := lookup(t, table, "counter")
	if g.Addr == 0 || g.Size != 4 {
		t.Fatalf("global entry = %+v", g)
	}
	if got := download(t, f.p, 0, g.Addr, 4); !bytes.Equal(got, u32s(9)) {
		t.Fatalf("global initializer = %v", got)
	}

	runAxpy(t, f.p, lookup(t, table, "axpy"), 1000, 3)
	if n := f.ctx(0).Launches(); n != 1 {
		t.Fatalf("launches = %d, want 1", n)
	}
}

func TestNativeLoadFailures(t *testing.T) {
	t.Parallel()

	axpy := sim.BinKernel{Name: "axpy", Body: "offloadtest.axpy", NumParams: 4, Mode: int8(kernel.ExecSPMD)}
	tests := []struct {
		name    string
		kernels []sim.BinKernel
		globals []sim.BinGlobal
		entries []OffloadEntry
		want    error
	}{
		{
			name:    "invalid exec mode",
			kernels: []sim.BinKernel{axpy},
			globals: []sim.BinGlobal{{Name: kernel.ExecModeSymbol("axpy"), Size: 1, Init: []byte{7}}},
			entries: []OffloadEntry{{Name: "axpy"}},
			want:    kernel.ErrUnknownExecMode,
		},
		{
			name:    "exec mode size",
			kernels: []sim.BinKernel{axpy},
			globals: []sim.BinGlobal{{Name: kernel.ExecModeSymbol("axpy"), Size: 4, Init: []byte{2}}},
			entries: []OffloadEntry{{Name: "axpy"}},
			want:    ErrSizeMismatch,
		},
		{
			name:    "missing global",
			entries: []OffloadEntry{{Name: "nowhere", Size: 4}},
			want:    device.ErrNotFound,
		},
		{
			name:    "global size",
			globals: []sim.BinGlobal{{Name: "g", Size: 8}},
			entries: []OffloadEntry{{Name: "g", Size: 4}},
			want:    ErrSizeMismatch,
		},
		{
			name:    "device environment size",
			globals: []sim.BinGlobal{{Name: DeviceEnvSymbol, Size: 16}},
			want:    ErrSizeMismatch,
		},
		{
			name:    "kernel without body",
			kernels: []sim.BinKernel{{Name: "ghost", Body: "offloadtest.unregistered"}},
			entries: []OffloadEntry{{Name: "ghost"}},
			want:    device.ErrNotFound,
		},
		{
			name:    "unnamed entry",
			entries: []OffloadEntry{{Size: 4}},
			want:    ErrInvalidBinary,
		},
	}

	f := newFixture(t, testConfig(t), 1)
	for _, tc := range tests {
		_, err := f.p.LoadBinary(0, &DeviceImage{
			Image:   nativeImage(t, tc.kernels, tc.globals...),
			Entries: tc.entries,
		})
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestMissingExecModeDefaultsToGeneric(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	img := nativeImage(t, []sim.BinKernel{{Name: "count", Body: "offloadtest.count", NumParams: 1, Mode: int8(kernel.ExecGeneric)}})
	table, err := f.p.LoadBinary(0, &DeviceImage{Image: img, Entries: []OffloadEntry{{Name: "count"}}})
	if err != nil {
		t.Fatal(err)
	}
	entry := lookup(t, table, "count")
	if entry.Kernel.Mode != kernel.ExecGeneric {
		t.Fatalf("mode = %s, want Generic", entry.Kernel.Mode)
	}

	counter := upload(t, f.p, 0, u32s(0))
	// 64 requested threads plus the main warp: 64 workers per team.
	if err := f.p.RunTeamRegion(0, entry, []uint64{uint64(counter)}, nil, 2, 64, 0); err != nil {
		t.Fatalf("RunTeamRegion: %v", err)
	}
	if got := binary.LittleEndian.Uint32(download(t, f.p, 0, counter, 4)); got != 128 {
		t.Fatalf("parallel region ran %d times, want 128", got)
	}
}

func TestDeviceEnvironment(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.DeviceRTLDebug = 5
	cfg.DynamicMemSize = 512
	f := newFixture(t, cfg, 2)

	img := nativeImage(t,
		[]sim.BinKernel{{Name: "env", Body: "offloadtest.env", NumParams: 1, Mode: int8(kernel.ExecSPMD)}},
		modeGlobal("env", kernel.ExecSPMD),
		sim.BinGlobal{Name: DeviceEnvSymbol, Size: DeviceEnvSize},
	)
	table, err := f.p.LoadBinary(1, &DeviceImage{Image: img, Entries: []OffloadEntry{{Name: "env"}}})
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.p.DataAlloc(1, DeviceEnvSize, AllocDevice)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.p.RunTargetRegion(1, lookup(t, table, "env"), []uint64{uint64(out)}, nil); err != nil {
		t.Fatalf("RunTargetRegion: %v", err)
	}
	got := download(t, f.p, 1, out, DeviceEnvSize)
	if d := int32(binary.LittleEndian.Uint32(got[0:])); d != 5 {
		t.Errorf("debug kind = %d", d)
	}
	if n := binary.LittleEndian.Uint32(got[4:]); n != 2 {
		t.Errorf("device count = %d", n)
	}
	if id := binary.LittleEndian.Uint32(got[8:]); id != 1 {
		t.Errorf("device number = %d", id)
	}
	if sz := binary.LittleEndian.Uint64(got[16:]); sz != 512 {
		t.Errorf("dynamic memory size = %d", sz)
	}
}

func TestUnifiedSharedMemoryLinksHostAddress(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	if got := f.p.InitRequires(RequiresUnifiedSharedMemory); got != RequiresUnifiedSharedMemory {
		t.Fatalf("InitRequires = %#x", got)
	}
	img := nativeImage(t, nil, sim.BinGlobal{Name: "linked", Size: 8})
	table, err := f.p.LoadBinary(0, &DeviceImage{Image: img, Entries: []OffloadEntry{
		{Name: "linked", Size: 8, Addr: 0xdeadbeef},
	}})
	if err != nil {
		t.Fatal(err)
	}
	got := download(t, f.p, 0, lookup(t, table, "linked").Addr, 8)
	if v := binary.LittleEndian.Uint64(got); v != 0xdeadbeef {
		t.Fatalf("device global holds %#x, want the host address", v)
	}
}

func TestJITLaunchUsesTableAndImageCaches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	img := encodeModule(t, axpyModule())
	table, err := f.p.LoadBinary(0, &DeviceImage{Image: img, Entries: []OffloadEntry{{Name: "axpy"}}})
	if err != nil {
		t.Fatalf("LoadBinary: %v", err)
	}
	entry := lookup(t, table, "axpy")
	if !entry.Kernel.IsJIT() || entry.Kernel.Mode != kernel.ExecSPMD {
		t.Fatalf("jit entry = %+v", entry.Kernel)
	}
	if f.ctx(0).ModuleLoads() != 0 {
		t.Fatal("registering a JIT image must not load a module")
	}

	runAxpy(t, f.p, entry, 1000, 3)
	if c, l := f.cc.calls.Load(), f.ctx(0).ModuleLoads(); c != 1 || l != 1 {
		t.Fatalf("first launch: %d compilations, %d module loads", c, l)
	}

	// New buffers with the same alignment reuse the loaded module.
	runAxpy(t, f.p, entry, 1000, 3)
	if c, l := f.cc.calls.Load(), f.ctx(0).ModuleLoads(); c != 1 || l != 1 {
		t.Fatalf("second launch: %d compilations, %d module loads", c, l)
	}

	// A different scalar is a different specialization.
	runAxpy(t, f.p, entry, 1000, 4)
	if c, l := f.cc.calls.Load(), f.ctx(0).ModuleLoads(); c != 2 || l != 2 {
		t.Fatalf("third launch: %d compilations, %d module loads", c, l)
	}

	entries := f.p.Images()
	if len(entries) != 2 {
		t.Fatalf("image cache holds %d images, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Key != "sim_80-axpy" || e.Mask[0] != "0x7f" || e.Mask[3] != "0xffffffffffffffff" {
			t.Errorf("cached image = %+v", e)
		}
	}
}

func TestJITWithOptimizationsDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Optimizations, _ = jit.ParseDisabled("all")
	f := newFixture(t, cfg, 1)
	p := f.p
	table, err := p.LoadBinary(0, &DeviceImage{Image: encodeModule(t, axpyModule()), Entries: []OffloadEntry{{Name: "axpy"}}})
	if err != nil {
		t.Fatal(err)
	}
	entry := lookup(t, table, "axpy")

	const n = 64
	x := upload(t, p, 0, make([]byte, 4*n))
	out1 := upload(t, p, 0, make([]byte, 4*n))
	out2 := upload(t, p, 0, make([]byte, 4*n))
	launch := func(out device.Ptr, a uint64) {
		t.Helper()
		if err := p.RunTeamRegion(0, entry, []uint64{uint64(out), uint64(x), n, a}, nil, 0, 0, n); err != nil {
			t.Fatalf("RunTeamRegion: %v", err)
		}
	}

	launch(out1, 3)
	launch(out1, 3)
	if c := f.cc.calls.Load(); c != 1 {
		t.Fatalf("identical launches compiled %d times", c)
	}
	// Without alignment analysis every pointer bit is significant.
	launch(out2, 3)
	if c := f.cc.calls.Load(); c != 2 {
		t.Fatalf("compilations after a new buffer = %d, want 2", c)
	}
	for _, e := range p.Images() {
		for i, m := range e.Mask {
			if m != "0xffffffffffffffff" {
				t.Errorf("mask[%d] = %s with alignment disabled", i, m)
			}
		}
	}
}

func scaledModule() *ir.Module {
	return &ir.Module{
		Triple: sim.Triple,
		Kernels: []ir.Kernel{{
			Name:   "scaled",
			Body:   "offloadtest.scaled",
			Params: []ir.Param{{Name: "out", Pointer: true}, {Name: "v"}},
		}},
		Globals: []ir.Global{
			{Name: kernel.ExecModeSymbol("scaled"), Size: 1, Constant: true, Init: []byte{byte(kernel.ExecSPMD)}},
			{Name: "factor", Size: 4, Init: u32s(1), Uses: []ir.Use{{Kind: ir.UseLoad}}},
			{Name: "bias", Size: 4, Init: u32s(0), Uses: []ir.Use{{Kind: ir.UseLoad}, {Kind: ir.UseStore}}},
		},
	}
}

func TestJITCopiesAndSpecializesGlobals(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	table, err := f.p.LoadBinary(0, &DeviceImage{Image: encodeModule(t, scaledModule()), Entries: []OffloadEntry{
		{Name: "scaled"},
		{Name: "factor", Size: 4, Data: u32s(7)},
		{Name: "bias", Size: 4, Data: u32s(5)},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if g := lookup(t, table, "factor"); g.Addr != 0 || g.Size != 4 {
		t.Fatalf("JIT global entry = %+v", g)
	}
	out := upload(t, f.p, 0, u32s(0))
	if err := f.p.RunTargetRegion(0, lookup(t, table, "scaled"), []uint64{uint64(out), 6}, nil); err != nil {
		t.Fatalf("RunTargetRegion: %v", err)
	}
	if got := binary.LittleEndian.Uint32(download(t, f.p, 0, out, 4)); got != 47 {
		t.Fatalf("7*6+5 = %d", got)
	}
}

func TestJITGlobalSizeMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	table, err := f.p.LoadBinary(0, &DeviceImage{Image: encodeModule(t, scaledModule()), Entries: []OffloadEntry{
		{Name: "scaled"},
		{Name: "factor", Size: 2, Data: []byte{7, 0}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	out := upload(t, f.p, 0, u32s(0))
	err = f.p.RunTargetRegion(0, lookup(t, table, "scaled"), []uint64{uint64(out), 6}, nil)
	if !errors.Is(err, ir.ErrGlobalSize) {
		t.Fatalf("err = %v, want ErrGlobalSize", err)
	}
	if f.p.ImageStats().Images != 0 {
		t.Fatal("a failed specialization must not be cached")
	}
}

func TestImageCachePersistsAcrossPlugins(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	img := &DeviceImage{Image: encodeModule(t, axpyModule()), Entries: []OffloadEntry{{Name: "axpy"}}}

	first := newFixture(t, cfg, 1)
	table, err := first.p.LoadBinary(0, img)
	if err != nil {
		t.Fatal(err)
	}
	runAxpy(t, first.p, lookup(t, table, "axpy"), 500, 2)
	if err := first.p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(cfg.CacheFile); err != nil {
		t.Fatalf("cache file not written: %v", err)
	}

	second := newFixture(t, cfg, 1)
	if n := second.p.ImageStats().Images; n != 1 {
		t.Fatalf("restored %d images, want 1", n)
	}
	table, err = second.p.LoadBinary(0, img)
	if err != nil {
		t.Fatal(err)
	}
	runAxpy(t, second.p, lookup(t, table, "axpy"), 500, 2)
	if c := second.cc.calls.Load(); c != 0 {
		t.Fatalf("restored image recompiled %d times", c)
	}
	if l := second.ctx(0).ModuleLoads(); l != 1 {
		t.Fatalf("module loads = %d, want 1", l)
	}
}

func TestBadCacheFileIsColdStart(t *testing.T) {
	t.Parallel()

	for name, content := range map[string][]byte{
		"empty":   {},
		"garbage": []byte("definitely not a cache file"),
	} {
		cfg := testConfig(t)
		if err := os.WriteFile(cfg.CacheFile, content, 0o644); err != nil {
			t.Fatal(err)
		}
		f := newFixture(t, cfg, 1)
		if n := f.p.ImageStats().Images; n != 0 {
			t.Fatalf("%s: %d images from a bad file", name, n)
		}
		table, err := f.p.LoadBinary(0, &DeviceImage{Image: encodeModule(t, axpyModule()), Entries: []OffloadEntry{{Name: "axpy"}}})
		if err != nil {
			t.Fatal(err)
		}
		runAxpy(t, f.p, lookup(t, table, "axpy"), 10, 1)
		if c := f.cc.calls.Load(); c != 1 {
			t.Fatalf("%s: compilations = %d", name, c)
		}
	}
}

func TestDataAllocKinds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	p := f.p

	if ptr, err := p.DataAlloc(0, 0, AllocDefault); ptr != 0 || err != nil {
		t.Fatalf("zero-size alloc = %#x, %v", uintptr(ptr), err)
	}
	if err := p.DataDelete(0, 0); err != nil {
		t.Fatalf("delete nil: %v", err)
	}

	small, err := p.DataAlloc(0, 100, AllocDefault)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.DataDelete(0, small); err != nil {
		t.Fatal(err)
	}
	again, err := p.DataAlloc(0, 120, AllocDevice)
	if err != nil {
		t.Fatal(err)
	}
	if again != small {
		t.Fatalf("memory manager did not reuse the freed block: %#x vs %#x", uintptr(again), uintptr(small))
	}
	info, _ := p.DeviceInfo(0)
	if mm := info.MemoryManager; mm == nil || mm.Hits != 1 || mm.Misses != 1 {
		t.Fatalf("memory manager stats = %+v", info.MemoryManager)
	}

	for _, kind := range []AllocKind{AllocHost, AllocShared} {
		ptr, err := p.DataAlloc(0, 64, kind)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if err := p.DataSubmit(0, ptr, u32s(1, 2)); err != nil {
			t.Fatalf("%s submit: %v", kind, err)
		}
		if err := p.DataDelete(0, ptr); err != nil {
			t.Fatalf("%s delete: %v", kind, err)
		}
	}

	if err := p.DataDelete(0, device.Ptr(0x1234)); err == nil {
		t.Fatal("freeing an unknown pointer must fail")
	}
}

func TestMemoryManagerDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.MemoryManagerThreshold = 0
	f := newFixture(t, cfg, 1)
	ptr, err := f.p.DataAlloc(0, 100, AllocDefault)
	if err != nil {
		t.Fatal(err)
	}
	info, _ := f.p.DeviceInfo(0)
	if info.MemoryManager != nil || info.Allocations != 1 {
		t.Fatalf("info = %+v", info)
	}
	if err := f.p.DataDelete(0, ptr); err != nil {
		t.Fatal(err)
	}
}

func TestDataExchange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 2)
	payload := u32s(10, 20, 30, 40)
	src := upload(t, f.p, 0, payload)

	dst, err := f.p.DataAlloc(1, int64(len(payload)), AllocDefault)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.p.DataExchange(0, src, 1, dst, int64(len(payload))); err != nil {
		t.Fatalf("DataExchange across devices: %v", err)
	}
	if got := download(t, f.p, 1, dst, len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("peer copy = %v", got)
	}
	if !f.ctx(0).PeerEnabled(1) {
		t.Fatal("peer access was not enabled")
	}

	local, err := f.p.DataAlloc(0, int64(len(payload)), AllocDefault)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.p.DataExchange(0, src, 0, local, int64(len(payload))); err != nil {
		t.Fatalf("DataExchange on one device: %v", err)
	}
	if got := download(t, f.p, 0, local, len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("device copy = %v", got)
	}
}

func TestEventsOrderStreams(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	p := f.p
	payload := u32s(1, 2, 3, 4, 5, 6, 7, 8)
	ptr, err := p.DataAlloc(0, int64(len(payload)), AllocDevice)
	if err != nil {
		t.Fatal(err)
	}

	producer := NewAsyncInfo()
	if err := p.DataSubmitAsync(0, ptr, payload, producer); err != nil {
		t.Fatal(err)
	}
	ev, err := p.CreateEvent(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.RecordEvent(0, ev, producer); err != nil {
		t.Fatal(err)
	}

	consumer := NewAsyncInfo()
	if err := p.WaitEvent(0, ev, consumer); err != nil {
		t.Fatal(err)
	}
	if consumer.Queue == 0 || consumer.Queue == producer.Queue {
		t.Fatalf("consumer stream %d, producer stream %d", consumer.Queue, producer.Queue)
	}
	got := make([]byte, len(payload))
	if err := p.DataRetrieveAsync(0, got, ptr, consumer); err != nil {
		t.Fatal(err)
	}
	if err := p.Synchronize(0, consumer); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("consumer saw %v before the producer finished", got)
	}
	if err := p.SyncEvent(0, ev); err != nil {
		t.Fatal(err)
	}
	if err := p.Synchronize(0, producer); err != nil {
		t.Fatal(err)
	}
	if err := p.DestroyEvent(0, ev); err != nil {
		t.Fatal(err)
	}
}

func TestStreamsReturnToPool(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	p := f.p
	ptr, err := p.DataAlloc(0, 16, AllocDevice)
	if err != nil {
		t.Fatal(err)
	}

	info := NewAsyncInfo()
	if err := p.DataSubmitAsync(0, ptr, u32s(1, 2, 3, 4), info); err != nil {
		t.Fatal(err)
	}
	if st, _ := p.DeviceInfo(0); st.StreamsInUse != 1 {
		t.Fatalf("streams in use = %d", st.StreamsInUse)
	}
	if err := p.Synchronize(0, info); err != nil {
		t.Fatal(err)
	}
	if info.Queue != 0 {
		t.Fatal("Synchronize must clear the queue")
	}

	if err := p.DataSubmitAsync(0, ptr, u32s(5, 6, 7, 8), info); err != nil {
		t.Fatal(err)
	}
	if err := p.ReleaseAsyncInfo(0, info); err != nil {
		t.Fatal(err)
	}
	if st, _ := p.DeviceInfo(0); st.StreamsInUse != 0 || info.Queue != 0 {
		t.Fatalf("streams in use after release = %d", st.StreamsInUse)
	}
}

func TestLaunchFailureSurfaces(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	img := nativeImage(t, []sim.BinKernel{{Name: "bad", Body: "offloadtest.fail", Mode: int8(kernel.ExecSPMD)}}, modeGlobal("bad", kernel.ExecSPMD))
	table, err := f.p.LoadBinary(0, &DeviceImage{Image: img, Entries: []OffloadEntry{{Name: "bad"}}})
	if err != nil {
		t.Fatal(err)
	}
	err = f.p.RunTeamRegion(0, lookup(t, table, "bad"), nil, nil, 1, 32, 0)
	if !errors.Is(err, device.ErrLaunchFailed) {
		t.Fatalf("err = %v, want a launch failure", err)
	}
	if err := f.p.RunTeamRegion(0, &TableEntry{Name: "data"}, nil, nil, 1, 1, 0); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("launching a global: %v", err)
	}
}

func TestSetInfoFlag(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	level := new(slog.LevelVar)
	p, err := New(Options{Driver: sim.New(sim.Options{}), Config: &cfg, Level: level})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	p.SetInfoFlag(logger.InfoDebug)
	if level.Level() != slog.LevelDebug {
		t.Fatalf("level = %s", level.Level())
	}
	p.SetInfoFlag(0)
	if level.Level() != slog.LevelWarn {
		t.Fatalf("level = %s", level.Level())
	}
}

func TestPrintDeviceInfo(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	var buf bytes.Buffer
	if err := f.p.PrintDeviceInfo(0, &buf); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Device 0 (sim backend)", "offload-sim", "Compute Capability:", "8.0"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestCloseIsFinal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t), 1)
	if err := f.p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := f.p.DataAlloc(0, 8, AllocDefault); !errors.Is(err, ErrClosed) {
		t.Fatalf("alloc after close: %v", err)
	}
}
