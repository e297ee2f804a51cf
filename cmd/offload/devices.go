package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/offload/internal/device/sim"
	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/pkg/offload"
)

func simOptions() sim.Options {
	return sim.Options{Devices: int(max(simDevices, 1))}
}

// initAll initializes every device of p concurrently. Devices that fail are
// logged and left out of the returned list.
func initAll(ctx context.Context, p *offload.Plugin) []int {
	log := logger.FromContext(ctx)
	ok := make([]bool, p.NumDevices())
	var g errgroup.Group
	for id := range p.NumDevices() {
		g.Go(func() error {
			if err := p.InitDevice(id); err != nil {
				log.Warn("device initialization failed", "device", id, "error", err)
				return nil
			}
			ok[id] = true
			return nil
		})
	}
	_ = g.Wait()

	var ids []int
	for id, good := range ok {
		if good {
			ids = append(ids, id)
		}
	}
	return ids
}

func devicesCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:    "devices",
		Aliases: []string{"ls"},
		Usage:   "List the devices of the selected backend",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print device descriptions as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p, err := openPlugin(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			ids := initAll(ctx, p)
			infos := make([]offload.DeviceInfo, 0, len(ids))
			for _, id := range ids {
				info, err := p.DeviceInfo(id)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: device %d: %v", id, err), 1)
				}
				infos = append(infos, info)
			}

			if asJSON {
				data, err := json.MarshalIndent(infos, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Backend: %s (%d device(s))\n\n", p.Backend(), p.NumDevices())
			fmt.Printf("%-4s %-24s %-8s %-5s %-12s %s\n", "ID", "NAME", "ARCH", "CC", "MEMORY", "SMS")
			for _, info := range infos {
				a := info.Attributes
				fmt.Printf("%-4d %-24s %-8s %-5s %-12s %d\n",
					info.ID, a.Name, info.Arch, info.ComputeCapability, formatBytes(a.TotalMemory), a.MultiProcessors)
			}
			if len(infos) < p.NumDevices() {
				fmt.Fprintf(os.Stderr, "\n%d device(s) failed to initialize\n", p.NumDevices()-len(infos))
			}
			return nil
		},
	}
}

func infoCmd() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Print a detailed description of one device",
		ArgsUsage: "<device-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return cli.Exit("error: expected exactly one device id", 1)
			}
			id, err := strconv.Atoi(cmd.Args().First())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: invalid device id %q", cmd.Args().First()), 1)
			}

			p, err := openPlugin(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.InitDevice(id); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return p.PrintDeviceInfo(id, os.Stdout)
		},
	}
}
