package kernel

import (
	"errors"
	"fmt"
)

// ExecMode is the compiled shape of a kernel, stored on the device in the
// one-byte global "<kernel>_exec_mode".
type ExecMode int8

const (
	// ExecGeneric reserves a control thread that drives worker threads.
	ExecGeneric ExecMode = 1
	// ExecSPMD runs the same code on every thread.
	ExecSPMD ExecMode = 2
	// ExecGenericSPMD is a generic kernel that was transformed to SPMD.
	ExecGenericSPMD ExecMode = ExecGeneric | ExecSPMD
)

// ExecModeSuffix is appended to a kernel name to form its mode symbol.
const ExecModeSuffix = "_exec_mode"

// ErrUnknownExecMode reports an execution mode outside the known set.
var ErrUnknownExecMode = errors.New("kernel: unknown execution mode")

// ExecModeSymbol returns the name of the mode global for kernel.
func ExecModeSymbol(kernel string) string {
	return kernel + ExecModeSuffix
}

// Valid reports whether m is one of the known modes.
func (m ExecMode) Valid() bool {
	return m == ExecGeneric || m == ExecSPMD || m == ExecGenericSPMD
}

// IsSPMD reports whether the SPMD bit is set.
func (m ExecMode) IsSPMD() bool {
	return m&ExecSPMD != 0
}

// ParseExecMode validates a raw mode byte.
func ParseExecMode(b int8) (ExecMode, error) {
	m := ExecMode(b)
	if !m.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownExecMode, b)
	}
	return m, nil
}

func (m ExecMode) String() string {
	switch m {
	case ExecGeneric:
		return "Generic"
	case ExecSPMD:
		return "SPMD"
	case ExecGenericSPMD:
		return "Generic-SPMD"
	default:
		return fmt.Sprintf("ExecMode(%d)", int8(m))
	}
}
