package sim

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/samcharles93/offload/internal/ir"
	"github.com/samcharles93/offload/internal/jit"
	"github.com/samcharles93/offload/internal/kernel"
)

// Compiler lowers ir modules to sim binaries.
type Compiler struct{}

var _ jit.Compiler = Compiler{}

// Compile lowers m. When opts.Preserve is set, kernels not named in it are
// dropped from the image.
func (Compiler) Compile(m *ir.Module, opts ir.CompileOptions) ([]byte, error) {
	if m.Triple != Triple {
		return nil, fmt.Errorf("sim: cannot compile %s modules", m.Triple)
	}
	bin := &Binary{Arch: opts.Arch}
	for _, k := range m.Kernels {
		if len(opts.Preserve) > 0 && !slices.Contains(opts.Preserve, k.Name) {
			continue
		}
		bk, err := lowerKernel(m, &k, opts)
		if err != nil {
			return nil, err
		}
		bin.Kernels = append(bin.Kernels, bk)
	}
	for _, g := range m.Globals {
		bin.Globals = append(bin.Globals, BinGlobal{
			Name:   g.Name,
			Size:   g.Size,
			Init:   g.Init,
			Hidden: g.Internal,
		})
	}
	return EncodeBinary(bin)
}

func lowerKernel(m *ir.Module, k *ir.Kernel, opts ir.CompileOptions) (BinKernel, error) {
	bk := BinKernel{
		Name:         k.Name,
		Body:         k.Body,
		NumParams:    len(k.Params),
		Mode:         int8(kernel.ExecGeneric),
		MaxRegisters: opts.MaxRegisters,
		MaxThreads:   k.MaxThreads,
	}
	if bk.Body == "" {
		bk.Body = k.Name
	}
	if g := m.Global(kernel.ExecModeSymbol(k.Name)); g != nil && len(g.Init) == 1 {
		mode, err := kernel.ParseExecMode(int8(g.Init[0]))
		if err != nil {
			return BinKernel{}, fmt.Errorf("sim: kernel %s: %w", k.Name, err)
		}
		bk.Mode = int8(mode)
	}
	for i, p := range k.Params {
		if p.Const != nil {
			bk.Consts = append(bk.Consts, Const{Index: i, Value: *p.Const})
		}
		if p.Align > 0 {
			bk.Aligns = append(bk.Aligns, Hint{Index: i, Align: uint64(p.Align)})
		}
	}
	var err error
	if bk.NumTeams, err = intAttr(k, ir.AttrNumTeams); err != nil {
		return BinKernel{}, err
	}
	if bk.NumThreads, err = intAttr(k, ir.AttrThreadLimit); err != nil {
		return BinKernel{}, err
	}
	return bk, nil
}

func intAttr(k *ir.Kernel, name string) (int, error) {
	v, ok := k.Attrs[name]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("sim: kernel %s: attribute %s=%q is not a count", k.Name, name, v)
	}
	return n, nil
}
