package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/offload/internal/config"
	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/pkg/offload"
)

// setup loads the config file, applies it to flags the user did not set and
// installs the logger.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := configFile
	if path == "" {
		path = config.FilePath()
	}
	file, err := config.LoadFile(path)
	if err != nil {
		return ctx, cli.Exit("error: "+err.Error(), 1)
	}
	fileCfg = file
	applyFileConfig(cmd, file)

	level.Set(logger.ParseLevel(logLevel))
	if debug {
		level.Set(slog.LevelDebug)
	}
	log := logger.Build(os.Stderr, logFormat, level)
	return logger.WithContext(ctx, log), nil
}

// applyFileConfig applies config file values to flags that were not set
// explicitly.
func applyFileConfig(c *cli.Command, f config.File) {
	if f.Backend != nil && !c.IsSet("backend") {
		backend = *f.Backend
	}
	if f.LogLevel != nil && !c.IsSet("log-level") {
		logLevel = *f.LogLevel
	}
	if f.LogFormat != nil && !c.IsSet("log-format") {
		logFormat = *f.LogFormat
	}
	if f.CacheFile != nil && !c.IsSet("cache-file") {
		cacheFile = *f.CacheFile
	}
	if f.CacheCompress != nil && !c.IsSet("cache-compress") {
		cacheCompress = *f.CacheCompress
	}
	if f.Devices != nil && !c.IsSet("sim-devices") {
		simDevices = int64(*f.Devices)
	}
}

// runtimeConfig resolves the plugin configuration. Environment variables
// win over flags and the config file.
func runtimeConfig(log logger.Logger) config.Config {
	cfg := config.FromEnv(nil, log)
	if _, ok := os.LookupEnv(config.EnvBackend); !ok {
		cfg.Backend = backend
	}
	if _, ok := os.LookupEnv(config.EnvCacheFile); !ok && cacheFile != "" {
		cfg.CacheFile = cacheFile
	}
	if _, ok := os.LookupEnv(config.EnvCacheCompress); !ok {
		cfg.CacheCompress = cacheCompress
	}
	return cfg
}

// openPlugin builds a plugin from the resolved configuration.
func openPlugin(ctx context.Context) (*offload.Plugin, error) {
	log := logger.FromContext(ctx)
	cfg := runtimeConfig(log)
	p, err := offload.New(offload.Options{
		Logger: log,
		Level:  level,
		Config: &cfg,
		Sim:    simOptions(),
	})
	if err != nil {
		return nil, cli.Exit("error: "+err.Error(), 1)
	}
	return p, nil
}
