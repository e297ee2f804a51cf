package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/offload/internal/cache"
	"github.com/samcharles93/offload/internal/logger"
)

func cacheCmd() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect or rewrite the launch-time image cache",
		Commands: []*cli.Command{
			cacheInspectCmd(),
			cacheFlushCmd(),
		},
	}
}

func cacheInspectCmd() *cli.Command {
	var verbose bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the images stored in a cache file",
		ArgsUsage: "[file]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "verbose",
				Aliases:     []string{"v"},
				Usage:       "print argument values and masks of every image",
				Destination: &verbose,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				p, err := openPlugin(ctx)
				if err != nil {
					return err
				}
				path = p.CacheFile()
				_ = p.Close()
			}

			stat, err := os.Stat(path)
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Printf("No cache file at %s\n", path)
				return nil
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			snap, err := cache.ReadSnapshot(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			row("File", path)
			row("Size", formatBytes(uint64(stat.Size())))
			row("Target", snap.Target)
			rowInt("Images", snap.Len())
			rowInt("Kernels", len(snap.Keys))
			for _, key := range snap.Keys {
				section(key)
				for i, img := range snap.Images[key] {
					s := img.Kernel
					fmt.Printf("[%d] %s  teams=%d threads=%d args=%d size=%s\n",
						i, s.Name(), s.NumTeams(), s.NumThreads(), s.NumArgs(), formatBytes(uint64(len(img.Data))))
					if !verbose {
						continue
					}
					args, mask := s.Args(), s.Mask()
					for j := range args {
						fmt.Printf("    arg %-3d %#018x mask %#018x\n", j, args[j], mask[j])
					}
				}
			}
			return nil
		},
	}
}

func cacheFlushCmd() *cli.Command {
	return &cli.Command{
		Name:  "flush",
		Usage: "Load the cache file and write it back, applying --cache-compress",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			p, err := openPlugin(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			n := p.ImageStats().Images
			if n == 0 {
				log.Info("image cache is empty, nothing to write", "file", p.CacheFile())
				return nil
			}
			if err := p.FlushImageCache(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			mode := "plain"
			if p.Config().CacheCompress {
				mode = "lz4"
			}
			fmt.Printf("Wrote %d image(s) to %s (%s)\n", n, p.CacheFile(), mode)
			return nil
		},
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-24s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
		tb = 1024 * gb
	)
	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TiB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
