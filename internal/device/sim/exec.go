package sim

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/offload/internal/device"
	"github.com/samcharles93/offload/internal/kernel"
)

// WorkKind tags the work state a generic-mode team's workers wait on.
type WorkKind uint8

const (
	WorkIdle WorkKind = iota
	WorkRegion
	WorkExit
)

// Work is the message the main thread publishes to its workers.
type Work struct {
	Kind   WorkKind
	Region int
}

func (w Work) String() string {
	switch w.Kind {
	case WorkIdle:
		return "idle"
	case WorkRegion:
		return fmt.Sprintf("region(%d)", w.Region)
	case WorkExit:
		return "exit"
	default:
		return "unknown"
	}
}

// team is one block of a generic-mode kernel. The main thread publishes work
// and meets its workers at a cyclic barrier before and after every region.
type team struct {
	mu      sync.Mutex
	cond    *sync.Cond
	work    Work
	regions []Body
	size    int
	arrived int
	gen     uint64
	err     error

	base    ThreadContext
	workers int
}

// await is the cyclic barrier. Callers hold t.mu.
func (t *team) await() {
	gen := t.gen
	t.arrived++
	if t.arrived == t.size {
		t.arrived = 0
		t.gen++
		t.cond.Broadcast()
		return
	}
	for gen == t.gen {
		t.cond.Wait()
	}
}

func (t *team) parallel(region Body) error {
	if t.workers == 0 {
		tc := t.base
		tc.Thread, tc.Threads = 0, 1
		return call(region, &tc)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regions = append(t.regions, region)
	t.work = Work{Kind: WorkRegion, Region: len(t.regions) - 1}
	t.err = nil
	t.await() // release
	t.await() // join
	t.work = Work{Kind: WorkIdle}
	return t.err
}

func (t *team) exit() {
	if t.workers == 0 {
		return
	}
	t.mu.Lock()
	t.work = Work{Kind: WorkExit}
	t.await()
	t.mu.Unlock()
}

func (t *team) worker(id int) {
	tc := t.base
	tc.Thread, tc.Threads = id, t.workers

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.await()
		w := t.work
		if w.Kind == WorkExit {
			return
		}
		region := t.regions[w.Region]
		t.mu.Unlock()
		err := call(region, &tc)
		t.mu.Lock()
		if err != nil && t.err == nil {
			t.err = err
		}
		t.await()
	}
}

// mainThread is the first thread of the last warp; every thread below it is
// a worker.
func mainThread(threads, warp int) int {
	if warp <= 0 || threads <= warp {
		return 0
	}
	return (threads - 1) / warp * warp
}

func runGenericBlock(body Body, base ThreadContext, warp int) error {
	mainID := mainThread(base.Threads, warp)
	t := &team{base: base, workers: mainID, size: mainID + 1}
	t.cond = sync.NewCond(&t.mu)

	var wg sync.WaitGroup
	for id := range t.workers {
		wg.Go(func() { t.worker(id) })
	}

	tc := base
	tc.Thread = mainID
	tc.team = t
	err := call(body, &tc)
	t.exit()
	wg.Wait()
	return err
}

func runSPMDBlock(body Body, base ThreadContext) error {
	var g errgroup.Group
	for id := range base.Threads {
		g.Go(func() error {
			tc := base
			tc.Thread = id
			return call(body, &tc)
		})
	}
	return g.Wait()
}

// call runs a body, turning a panic into a launch failure.
func call(body Body, tc *ThreadContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: block %d thread %d: panic: %v", device.ErrLaunchFailed, tc.Block, tc.Thread, r)
		}
	}()
	if err := body(tc); err != nil {
		return fmt.Errorf("%w: block %d thread %d: %w", device.ErrLaunchFailed, tc.Block, tc.Thread, err)
	}
	return nil
}

// execute runs every block of a launch. Blocks are scheduled concurrently up
// to the driver's parallelism; after the first failure the remaining blocks
// are skipped.
func execute(fn *function, cfg device.LaunchConfig, args []uint64, mem *space, warp, parallelism int) error {
	mode := kernel.ExecMode(fn.k.Mode)
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(parallelism)
	for b := range cfg.Blocks {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			base := ThreadContext{
				Block:   b,
				Blocks:  cfg.Blocks,
				Threads: cfg.Threads,
				args:    args,
				mem:     mem,
				mod:     fn.mod,
			}
			if mode.IsSPMD() {
				return runSPMDBlock(fn.body, base)
			}
			return runGenericBlock(fn.body, base, warp)
		})
	}
	return g.Wait()
}
