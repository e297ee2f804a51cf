package main

import (
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/offload/internal/config"
)

var (
	backend       string
	configFile    string
	cacheFile     string
	cacheCompress bool
	simDevices    int64
	logLevel      string
	logFormat     string
	debug         bool

	fileCfg config.File

	// level is shared by the CLI logger and the plugin's verbosity setter.
	level = new(slog.LevelVar)
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "device backend (auto, cuda, sim)",
			Value:       "auto",
			Destination: &backend,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "cache-file",
			Usage:       "launch-time image cache file (default depends on the backend)",
			Destination: &cacheFile,
		},
		&cli.BoolFlag{
			Name:        "cache-compress",
			Usage:       "lz4-compress the image cache file when it is written",
			Destination: &cacheCompress,
		},
		&cli.Int64Flag{
			Name:        "sim-devices",
			Usage:       "number of simulated devices",
			Value:       1,
			Destination: &simDevices,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "warn",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
