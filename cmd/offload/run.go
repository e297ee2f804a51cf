package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/offload/internal/device/sim"
	"github.com/samcharles93/offload/internal/ir"
	"github.com/samcharles93/offload/internal/kernel"
	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/pkg/offload"
)

const demoKernel = "saxpy"

func init() {
	sim.Register("offload.demo.saxpy", func(tc *sim.ThreadContext) error {
		n := tc.Arg(2)
		a := math.Float32frombits(uint32(tc.Arg(3)))
		for i := uint64(tc.GlobalID()); i < n; i += uint64(tc.GridSize()) {
			x, err := tc.Float32(tc.Arg(1) + 4*i)
			if err != nil {
				return err
			}
			y, err := tc.Float32(tc.Arg(0) + 4*i)
			if err != nil {
				return err
			}
			if err := tc.PutFloat32(tc.Arg(0)+4*i, a*x+y); err != nil {
				return err
			}
		}
		return nil
	})
}

func demoModule() *ir.Module {
	return &ir.Module{
		Triple: sim.Triple,
		Kernels: []ir.Kernel{{
			Name: demoKernel,
			Body: "offload.demo.saxpy",
			Params: []ir.Param{
				{Name: "y", Pointer: true},
				{Name: "x", Pointer: true},
				{Name: "n"},
				{Name: "a"},
			},
		}},
		Globals: []ir.Global{{
			Name:     kernel.ExecModeSymbol(demoKernel),
			Size:     1,
			Constant: true,
			Init:     []byte{byte(kernel.ExecSPMD)},
		}},
	}
}

func runCmd() *cli.Command {
	var (
		n        int64
		a        float64
		launches int64
		teams    int64
		threads  int64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run a demo kernel through launch-time compilation on the simulated device",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "n", Usage: "vector length", Value: 1 << 16, Destination: &n},
			&cli.FloatFlag{Name: "a", Usage: "scale factor", Value: 2, Destination: &a},
			&cli.Int64Flag{Name: "launches", Usage: "number of launches", Value: 3, Destination: &launches},
			&cli.Int64Flag{Name: "teams", Usage: "requested teams, 0 for automatic", Destination: &teams},
			&cli.Int64Flag{Name: "threads", Usage: "thread limit, 0 for automatic", Destination: &threads},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if n <= 0 || launches <= 0 {
				return cli.Exit("error: --n and --launches must be positive", 1)
			}

			cfg := runtimeConfig(log)
			cfg.Backend = "sim"
			p, err := offload.New(offload.Options{
				Logger: log,
				Level:  level,
				Config: &cfg,
				Driver: sim.New(simOptions()),
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() {
				if err := p.Close(); err != nil {
					log.Warn("close failed", "error", err)
				}
			}()
			if err := p.InitDevice(0); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			image, err := ir.Encode(demoModule())
			if err != nil {
				return err
			}
			row("Image", fmt.Sprintf("%s (%s)", p.IsValidBinary(image), formatBytes(uint64(len(image)))))
			row("Cache file", p.CacheFile())
			row("Cached images", fmt.Sprintf("%d", p.ImageStats().Images))
			table, err := p.LoadBinary(0, &offload.DeviceImage{
				Image:   image,
				Entries: []offload.OffloadEntry{{Name: demoKernel}},
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			entry, _ := table.Lookup(demoKernel)

			size := 4 * n
			x, err := p.DataAlloc(0, size, offload.AllocDevice)
			if err != nil {
				return err
			}
			y, err := p.DataAlloc(0, size, offload.AllocDevice)
			if err != nil {
				return err
			}
			xs := make([]byte, size)
			ys := make([]byte, size)
			for i := range n {
				binary.LittleEndian.PutUint32(xs[4*i:], math.Float32bits(float32(i%1024)))
				binary.LittleEndian.PutUint32(ys[4*i:], math.Float32bits(1))
			}
			if err := p.DataSubmit(0, x, xs); err != nil {
				return err
			}
			if err := p.DataSubmit(0, y, ys); err != nil {
				return err
			}

			args := []uint64{uint64(y), uint64(x), uint64(n), uint64(math.Float32bits(float32(a)))}
			section("Launches")
			for i := range launches {
				start := time.Now()
				if err := p.RunTeamRegion(0, entry, args, nil, int(teams), int(threads), uint64(n)); err != nil {
					return cli.Exit(fmt.Sprintf("error: launch %d: %v", i, err), 1)
				}
				st := p.ImageStats()
				info, _ := p.DeviceInfo(0)
				fmt.Printf("launch %d  %-12s images=%d hits=%d misses=%d modules=%d\n",
					i, time.Since(start).Round(time.Microsecond), st.Images, st.Hits, st.Misses, info.Modules)
			}

			if err := p.DataRetrieve(0, ys, y); err != nil {
				return err
			}
			for i := range n {
				got := math.Float32frombits(binary.LittleEndian.Uint32(ys[4*i:]))
				want := 1 + float32(launches)*float32(a)*float32(i%1024)
				if math.Abs(float64(got-want)) > 1e-3*math.Max(1, math.Abs(float64(want))) {
					return cli.Exit(fmt.Sprintf("error: y[%d] = %g, want %g", i, got, want), 1)
				}
			}
			fmt.Printf("\nverified %d elements\n", n)
			_ = p.DataDelete(0, x)
			_ = p.DataDelete(0, y)
			return nil
		},
	}
}
