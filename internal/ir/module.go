// Package ir defines the lifted form of a JIT-able device image: a module of
// kernels and globals that the specializer rewrites before handing it to a
// backend compiler. Modules are stored as an "OFIR" magic followed by a
// msgpack body.
package ir

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Magic prefixes every encoded module.
var Magic = []byte("OFIR")

// FormatVersion is bumped on incompatible changes of the module layout.
const FormatVersion = 1

var (
	ErrNotModule       = errors.New("ir: not an ir module")
	ErrUnsupported     = errors.New("ir: unsupported module version")
	ErrMissingKernel   = errors.New("ir: kernel not found")
	ErrMissingGlobal   = errors.New("ir: global not found")
	ErrArgumentCount   = errors.New("ir: argument count mismatch")
	ErrGlobalSize      = errors.New("ir: global size mismatch")
	ErrInvalidArgument = errors.New("ir: invalid argument index")
)

// Kernel attributes understood by the specializer.
const (
	// AttrThreadLimit fixes the kernel's thread count.
	AttrThreadLimit = "omp_target_thread_limit"
	// AttrNumTeams fixes the kernel's team count.
	AttrNumTeams = "omp_target_num_teams"
)

// Module is a device module in lifted form.
type Module struct {
	Version int      `msgpack:"v"`
	Triple  string   `msgpack:"triple"`
	Kernels []Kernel `msgpack:"kernels"`
	Globals []Global `msgpack:"globals"`
}

// Param is a kernel parameter.
type Param struct {
	Name    string `msgpack:"name"`
	Pointer bool   `msgpack:"ptr"`
	// Aggregate marks a pointer whose pointee is a struct or array.
	Aggregate bool `msgpack:"agg,omitempty"`
	// Align is the alignment the compiler may assume, 0 when unknown.
	Align int `msgpack:"align,omitempty"`
	// Const holds the literal that replaced every use of the parameter.
	Const *uint64 `msgpack:"const,omitempty"`
}

// Kernel is an entry function.
type Kernel struct {
	Name string `msgpack:"name"`
	// Body names the code the backend binds the kernel to.
	Body   string            `msgpack:"body"`
	Params []Param           `msgpack:"params"`
	Attrs  map[string]string `msgpack:"attrs,omitempty"`
	// MaxThreads is the most threads per block the kernel supports, 0 if
	// unconstrained.
	MaxThreads int `msgpack:"max_threads,omitempty"`
}

// UseKind classifies how a global is used.
type UseKind uint8

const (
	UseLoad UseKind = iota + 1
	UseStore
	// UsePtrArith is address arithmetic; its own uses decide whether the
	// global stays read-only.
	UsePtrArith
	UseCall
	UseEscape
)

// Use is one use of a global, with nested uses for pointer arithmetic.
type Use struct {
	Kind UseKind `msgpack:"k"`
	Uses []Use   `msgpack:"u,omitempty"`
}

// Global is a device global variable.
type Global struct {
	Name      string `msgpack:"name"`
	Size      int    `msgpack:"size"`
	Aggregate bool   `msgpack:"agg,omitempty"`
	Constant  bool   `msgpack:"const,omitempty"`
	Init      []byte `msgpack:"init,omitempty"`
	Uses      []Use  `msgpack:"uses,omitempty"`
	// Internal globals are not visible to symbol lookup after compilation.
	Internal bool `msgpack:"internal,omitempty"`
}

// IsModule reports whether data carries the module magic.
func IsModule(data []byte) bool {
	return bytes.HasPrefix(data, Magic)
}

// Decode parses an encoded module.
func Decode(data []byte) (*Module, error) {
	if !IsModule(data) {
		return nil, ErrNotModule
	}
	var m Module
	if err := msgpack.Unmarshal(data[len(Magic):], &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotModule, err)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupported, m.Version)
	}
	return &m, nil
}

// Encode serialises m. A zero Version is written as FormatVersion.
func Encode(m *Module) ([]byte, error) {
	out := *m
	if out.Version == 0 {
		out.Version = FormatVersion
	}
	body, err := msgpack.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("ir: encode: %w", err)
	}
	return append(bytes.Clone(Magic), body...), nil
}

// Kernel returns the kernel named name.
func (m *Module) Kernel(name string) (*Kernel, error) {
	for i := range m.Kernels {
		if m.Kernels[i].Name == name {
			return &m.Kernels[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMissingKernel, name)
}

// Global returns the global named name, or nil.
func (m *Module) Global(name string) *Global {
	for i := range m.Globals {
		if m.Globals[i].Name == name {
			return &m.Globals[i]
		}
	}
	return nil
}

// Clone returns a deep copy of m so a specialization never mutates the
// module it was lifted from.
func (m *Module) Clone() *Module {
	out := &Module{Version: m.Version, Triple: m.Triple}
	out.Kernels = make([]Kernel, len(m.Kernels))
	for i, k := range m.Kernels {
		k.Params = append([]Param(nil), k.Params...)
		for j := range k.Params {
			if c := k.Params[j].Const; c != nil {
				v := *c
				k.Params[j].Const = &v
			}
		}
		if k.Attrs != nil {
			attrs := make(map[string]string, len(k.Attrs))
			for key, v := range k.Attrs {
				attrs[key] = v
			}
			k.Attrs = attrs
		}
		out.Kernels[i] = k
	}
	out.Globals = make([]Global, len(m.Globals))
	for i, g := range m.Globals {
		g.Init = bytes.Clone(g.Init)
		g.Uses = cloneUses(g.Uses)
		out.Globals[i] = g
	}
	return out
}

func cloneUses(us []Use) []Use {
	if us == nil {
		return nil
	}
	out := make([]Use, len(us))
	for i, u := range us {
		out[i] = Use{Kind: u.Kind, Uses: cloneUses(u.Uses)}
	}
	return out
}

// HasAttr reports whether the kernel carries attribute name.
func (k *Kernel) HasAttr(name string) bool {
	_, ok := k.Attrs[name]
	return ok
}

// SetAttr sets a kernel attribute.
func (k *Kernel) SetAttr(name, value string) {
	if k.Attrs == nil {
		k.Attrs = make(map[string]string)
	}
	k.Attrs[name] = value
}

// ReadOnly reports whether every use of g is a load, directly or through
// address arithmetic whose uses are themselves read-only.
func (g *Global) ReadOnly() bool {
	return readOnlyUses(g.Uses)
}

func readOnlyUses(us []Use) bool {
	for _, u := range us {
		switch u.Kind {
		case UseLoad:
		case UsePtrArith:
			if !readOnlyUses(u.Uses) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// CompileOptions drive a backend compilation.
type CompileOptions struct {
	// Arch is the target architecture string, e.g. "sm_80".
	Arch string
	// OptLevel is the optimization level, 0 through 3.
	OptLevel int
	// Preserve lists the symbols that must remain externally visible.
	Preserve []string
	// MaxRegisters caps registers per thread, 0 for the backend default.
	MaxRegisters int
}
