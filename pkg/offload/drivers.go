package offload

import (
	"github.com/samcharles93/offload/internal/config"
	"github.com/samcharles93/offload/internal/device"
	"github.com/samcharles93/offload/internal/device/cuda"
	"github.com/samcharles93/offload/internal/device/sim"
	"github.com/samcharles93/offload/internal/jit"
	"github.com/samcharles93/offload/internal/logger"
)

// Default image cache file names, relative to the working directory.
const (
	DefaultCUDACacheFile = "libomptarget.jit.cuda.cache"
	DefaultSimCacheFile  = "libomptarget.jit.sim.cache"
)

// openDriver resolves the backend name to a driver and the compiler used for
// IR images. auto prefers CUDA and falls back to the simulator when the
// driver library cannot be loaded.
func openDriver(name string, opts Options, log logger.Logger) (device.Driver, jit.Compiler, error) {
	backend, err := device.Normalize(name)
	if err != nil {
		return nil, nil, err
	}
	switch backend {
	case device.Sim:
		drv := sim.New(opts.Sim)
		return drv, compilerOr(opts.Compiler, drv), nil
	case device.CUDA:
		drv, err := cuda.New()
		if err != nil {
			return nil, nil, err
		}
		return drv, opts.Compiler, nil
	default:
		drv, err := cuda.New()
		if err == nil {
			return drv, opts.Compiler, nil
		}
		log.Info("cuda unavailable, using the simulator", "error", err)
		sd := sim.New(opts.Sim)
		return sd, compilerOr(opts.Compiler, sd), nil
	}
}

func compilerOr(c jit.Compiler, drv device.Driver) jit.Compiler {
	if c != nil {
		return c
	}
	return defaultCompiler(drv)
}

// defaultCompiler is the compiler that ships with a driver, nil when there is
// none.
func defaultCompiler(drv device.Driver) jit.Compiler {
	if _, ok := drv.(*sim.Driver); ok {
		return sim.Compiler{}
	}
	return nil
}

func cacheFileFor(cfg config.Config, drv device.Driver) string {
	if cfg.CacheFile != "" {
		return cfg.CacheFile
	}
	if _, ok := drv.(*sim.Driver); ok {
		return DefaultSimCacheFile
	}
	return DefaultCUDACacheFile
}
