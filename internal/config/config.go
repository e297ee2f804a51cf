// Package config resolves the runtime's environment-driven settings once at
// plugin construction and reads the optional YAML file used by the CLI.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/samcharles93/offload/internal/jit"
	"github.com/samcharles93/offload/internal/logger"
)

// Environment variables read by FromEnv.
const (
	EnvTeamLimit              = "OMP_TEAM_LIMIT"
	EnvTeamThreadLimit        = "OMP_TEAMS_THREAD_LIMIT"
	EnvNumTeams               = "OMP_NUM_TEAMS"
	EnvSharedMemorySize       = "LIBOMPTARGET_SHARED_MEMORY_SIZE"
	EnvNumInitialStreams      = "LIBOMPTARGET_NUM_INITIAL_STREAMS"
	EnvMemoryManagerThreshold = "LIBOMPTARGET_MEMORY_MANAGER_THRESHOLD"
	EnvCacheFile              = "LIBOMPTARGET_JIT_CUDA_CACHE"
	EnvCacheCompress          = "LIBOMPTARGET_JIT_CACHE_COMPRESS"
	EnvDisabledOptimizations  = "LIBOMPTARGET_JIT_DISABLED_OPTIMIZATIONS"
	EnvDeviceRTLDebug         = "LIBOMPTARGET_DEVICE_RTL_DEBUG"
	EnvStackSize              = "LIBOMPTARGET_STACK_SIZE"
	EnvHeapSize               = "LIBOMPTARGET_HEAP_SIZE"
	EnvInfo                   = "LIBOMPTARGET_INFO"
	EnvBackend                = "OFFLOAD_BACKEND"
)

// Defaults.
const (
	DefaultNumInitialStreams      = 32
	DefaultMemoryManagerThreshold = 8 << 10
)

// Config is the resolved runtime configuration. Negative team and thread
// values mean "not set".
type Config struct {
	TeamLimit       int
	TeamThreadLimit int
	NumTeams        int
	DynamicMemSize  uint64

	NumInitialStreams int
	// MemoryManagerThreshold is the largest request served from the free
	// lists; 0 disables the memory manager.
	MemoryManagerThreshold int64

	// CacheFile is empty when the backend default should be used.
	CacheFile             string
	CacheCompress         bool
	Optimizations         jit.Optimizations
	DisabledOptimizations []string

	DeviceRTLDebug int32
	StackSize      uint64
	HeapSize       uint64
	InfoLevel      uint32
	Backend        string
}

// Default returns the configuration with no environment applied.
func Default() Config {
	return Config{
		TeamLimit:              -1,
		TeamThreadLimit:        -1,
		NumTeams:               -1,
		NumInitialStreams:      DefaultNumInitialStreams,
		MemoryManagerThreshold: DefaultMemoryManagerThreshold,
		Optimizations:          jit.AllOptimizations,
		Backend:                "auto",
	}
}

// LookupFunc reads one variable, like os.LookupEnv.
type LookupFunc func(string) (string, bool)

// FromEnv resolves the configuration. A nil lookup reads the process
// environment; invalid values are logged and the default is kept.
func FromEnv(lookup LookupFunc, log logger.Logger) Config {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if log == nil {
		log = logger.Discard()
	}
	r := reader{lookup: lookup, log: log}
	cfg := Default()

	r.int(EnvTeamLimit, &cfg.TeamLimit, 1)
	r.int(EnvTeamThreadLimit, &cfg.TeamThreadLimit, 1)
	r.int(EnvNumTeams, &cfg.NumTeams, 1)
	r.uint64(EnvSharedMemorySize, &cfg.DynamicMemSize)
	r.int(EnvNumInitialStreams, &cfg.NumInitialStreams, 1)
	r.int64(EnvMemoryManagerThreshold, &cfg.MemoryManagerThreshold)
	if v, ok := lookup(EnvCacheFile); ok {
		cfg.CacheFile = strings.TrimSpace(v)
	}
	r.bool(EnvCacheCompress, &cfg.CacheCompress)
	if v, ok := lookup(EnvDisabledOptimizations); ok {
		opt, unknown := jit.ParseDisabled(v)
		for _, name := range unknown {
			log.Warn("unknown jit optimization ignored", "env", EnvDisabledOptimizations, "name", name)
		}
		cfg.Optimizations = opt
		cfg.DisabledOptimizations = disabledNames(opt)
	}
	var debug int
	if r.int(EnvDeviceRTLDebug, &debug, 0) {
		cfg.DeviceRTLDebug = int32(debug)
	}
	r.uint64(EnvStackSize, &cfg.StackSize)
	r.uint64(EnvHeapSize, &cfg.HeapSize)
	r.uint32(EnvInfo, &cfg.InfoLevel)
	if v, ok := lookup(EnvBackend); ok && strings.TrimSpace(v) != "" {
		cfg.Backend = strings.TrimSpace(v)
	}
	return cfg
}

func disabledNames(opt jit.Optimizations) []string {
	var out []string
	for _, a := range []jit.Action{jit.ActionAlignment, jit.ActionSpecialization, jit.ActionNumTeams, jit.ActionNumThreads} {
		if !opt.Enabled(a) {
			out = append(out, a.String())
		}
	}
	return out
}

type reader struct {
	lookup LookupFunc
	log    logger.Logger
}

func (r reader) get(name string) (string, bool) {
	v, ok := r.lookup(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r reader) invalid(name, value string, err error) {
	r.log.Warn("invalid environment value ignored", "env", name, "value", value, "error", err)
}

// int parses a decimal int no smaller than floor.
func (r reader) int(name string, dst *int, floor int) bool {
	v, ok := r.get(name)
	if !ok {
		return false
	}
	n, err := strconv.Atoi(v)
	if err == nil && n < floor {
		err = strconv.ErrRange
	}
	if err != nil {
		r.invalid(name, v, err)
		return false
	}
	*dst = n
	return true
}

func (r reader) int64(name string, dst *int64) bool {
	v, ok := r.get(name)
	if !ok {
		return false
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err == nil && n < 0 {
		err = strconv.ErrRange
	}
	if err != nil {
		r.invalid(name, v, err)
		return false
	}
	*dst = n
	return true
}

func (r reader) uint64(name string, dst *uint64) bool {
	v, ok := r.get(name)
	if !ok {
		return false
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		r.invalid(name, v, err)
		return false
	}
	*dst = n
	return true
}

func (r reader) uint32(name string, dst *uint32) bool {
	v, ok := r.get(name)
	if !ok {
		return false
	}
	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		r.invalid(name, v, err)
		return false
	}
	*dst = uint32(n)
	return true
}

func (r reader) bool(name string, dst *bool) bool {
	v, ok := r.get(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.invalid(name, v, err)
		return false
	}
	*dst = b
	return true
}
