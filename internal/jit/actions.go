package jit

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/offload/internal/ir"
)

// Alignments are the pointer alignments probed for, largest first.
var Alignments = [...]uint64{128, 64, 32, 16, 8}

// Step is one planned rewrite of a kernel. Index is the argument position for
// per-argument actions and -1 otherwise.
type Step struct {
	Action Action
	Index  int
	Value  uint64
}

func (s Step) String() string {
	if s.Index < 0 {
		return fmt.Sprintf("%s=%d", s.Action, s.Value)
	}
	return fmt.Sprintf("%s[%d]=%#x", s.Action, s.Index, s.Value)
}

// AlignmentOf returns the largest probed alignment of ptr, or 0.
func AlignmentOf(ptr uint64) uint64 {
	for _, a := range Alignments {
		if ptr&(a-1) == 0 {
			return a
		}
	}
	return 0
}

// planArguments derives the per-argument steps for args against the kernel's
// parameter list.
func planArguments(k *ir.Kernel, args []uint64, enabled Optimizations) []Step {
	var steps []Step
	for i, p := range k.Params {
		if p.Pointer {
			if !enabled.Enabled(ActionAlignment) || p.Aggregate {
				continue
			}
			if a := AlignmentOf(args[i]); a != 0 {
				steps = append(steps, Step{Action: ActionAlignment, Index: i, Value: a})
			}
			continue
		}
		if enabled.Enabled(ActionSpecialization) {
			steps = append(steps, Step{Action: ActionSpecialization, Index: i, Value: args[i]})
		}
	}
	return steps
}

// apply rewrites k according to steps and updates mask. mask starts fully
// significant; alignment narrows an argument to its low alignment bits, and a
// specialized scalar keeps every bit significant so a different value never
// reuses code compiled for the old one.
func apply(k *ir.Kernel, steps []Step, mask []uint64) error {
	for _, s := range steps {
		switch s.Action {
		case ActionAlignment:
			if s.Index < 0 || s.Index >= len(k.Params) {
				return fmt.Errorf("%w: alignment of argument %d", ir.ErrInvalidArgument, s.Index)
			}
			k.Params[s.Index].Align = int(s.Value)
			mask[s.Index] = s.Value - 1
		case ActionSpecialization:
			if s.Index < 0 || s.Index >= len(k.Params) {
				return fmt.Errorf("%w: specialization of argument %d", ir.ErrInvalidArgument, s.Index)
			}
			v := s.Value
			k.Params[s.Index].Const = &v
		case ActionNumTeams:
			k.SetAttr(ir.AttrNumTeams, strconv.FormatUint(s.Value, 10))
		case ActionNumThreads:
			k.SetAttr(ir.AttrThreadLimit, strconv.FormatUint(s.Value, 10))
		default:
			return fmt.Errorf("jit: unknown action %d", s.Action)
		}
	}
	return nil
}

// specializeGlobal replaces the initializer of g with the host bytes. Only
// scalar widths are supported; other sizes are left alone and reported false.
func specializeGlobal(g *ir.Global, host []byte) bool {
	switch len(host) {
	case 1, 2, 4, 8:
		g.Init = append([]byte(nil), host...)
		g.Constant = true
		g.Internal = true
		return true
	default:
		return false
	}
}
