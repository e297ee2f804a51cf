// Package launch computes the grid and block sizes of a kernel launch.
package launch

import (
	"fmt"

	"github.com/samcharles93/offload/internal/kernel"
)

// Limits are the device-side bounds and defaults that shape a launch.
type Limits struct {
	ThreadsPerBlock int
	BlocksPerGrid   int
	WarpSize        int
	// NumTeams and NumThreads are the device defaults after environment
	// overrides.
	NumTeams   int
	NumThreads int
	// EnvNumTeams is the user's team-count override, negative when unset.
	EnvNumTeams int
}

// Request is what the caller asked for. Zero means unspecified.
type Request struct {
	Teams       int
	ThreadLimit int
	TripCount   uint64
	Mode        kernel.ExecMode
	// KernelMaxThreads is the compiled kernel's own threads-per-block limit,
	// 0 when unknown.
	KernelMaxThreads int
}

// Geometry is the resolved launch shape.
type Geometry struct {
	Blocks  int
	Threads int
}

func (g Geometry) String() string {
	return fmt.Sprintf("%d blocks x %d threads", g.Blocks, g.Threads)
}

// Compute resolves the launch shape. Explicit requests win over trip-count
// derivation, which wins over device defaults; the result never exceeds the
// device limits or the kernel's own thread limit.
func Compute(req Request, lim Limits) (Geometry, error) {
	threads := lim.NumThreads
	if req.ThreadLimit > 0 {
		threads = req.ThreadLimit
		if req.Mode == kernel.ExecGeneric {
			// One warp drives the team's state machine.
			threads += lim.WarpSize
		}
	}
	if lim.ThreadsPerBlock > 0 && threads > lim.ThreadsPerBlock {
		threads = lim.ThreadsPerBlock
	}
	if req.KernelMaxThreads > 0 && threads > req.KernelMaxThreads {
		threads = req.KernelMaxThreads
	}
	if threads <= 0 {
		return Geometry{}, fmt.Errorf("launch: no thread count (limit %d, device default %d)", req.ThreadLimit, lim.NumThreads)
	}

	var blocks int
	switch {
	case req.Teams > 0:
		blocks = req.Teams
	case req.TripCount > 0 && lim.EnvNumTeams < 0:
		switch req.Mode {
		case kernel.ExecGenericSPMD:
			// The trip count only covers the distribute loop of a kernel
			// that was rewritten to SPMD; one team per iteration.
			blocks = clampTrip(req.TripCount)
		case kernel.ExecSPMD:
			blocks = clampTrip((req.TripCount-1)/uint64(threads) + 1)
		case kernel.ExecGeneric:
			// teams distribute with a nested parallel region.
			blocks = clampTrip(req.TripCount)
		default:
			return Geometry{}, fmt.Errorf("%w: %d", kernel.ErrUnknownExecMode, req.Mode)
		}
	default:
		blocks = lim.NumTeams
	}
	if lim.BlocksPerGrid > 0 && blocks > lim.BlocksPerGrid {
		blocks = lim.BlocksPerGrid
	}
	if blocks <= 0 {
		return Geometry{}, fmt.Errorf("launch: no block count (teams %d, device default %d)", req.Teams, lim.NumTeams)
	}
	return Geometry{Blocks: blocks, Threads: threads}, nil
}

func clampTrip(n uint64) int {
	const maxInt = int(^uint(0) >> 1)
	if n > uint64(maxInt) {
		return maxInt
	}
	return int(n)
}
