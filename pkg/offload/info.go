package offload

import (
	"fmt"
	"io"
	"strconv"

	"github.com/samcharles93/offload/internal/device"
	"github.com/samcharles93/offload/internal/memmgr"
)

// DeviceInfo is the structured description of an initialized device.
type DeviceInfo struct {
	ID                int               `json:"id"`
	Backend           string            `json:"backend"`
	Arch              string            `json:"arch"`
	ComputeCapability string            `json:"compute_capability"`
	Attributes        device.Attributes `json:"attributes"`
	BlocksPerGrid     int               `json:"blocks_per_grid"`
	ThreadsPerBlock   int               `json:"threads_per_block"`
	WarpSize          int               `json:"warp_size"`
	NumTeams          int               `json:"num_teams"`
	NumThreads        int               `json:"num_threads"`
	MaxRegisters      int               `json:"max_registers"`
	Streams           int               `json:"streams"`
	StreamsInUse      int               `json:"streams_in_use"`
	Events            int               `json:"events"`
	Allocations       int               `json:"allocations"`
	Modules           int               `json:"modules"`
	TargetTables      int               `json:"target_tables"`
	MemoryManager     *memmgr.Stats     `json:"memory_manager,omitempty"`
}

// DeviceInfo describes device id.
func (p *Plugin) DeviceInfo(id int) (DeviceInfo, error) {
	d, err := p.ready(id)
	if err != nil {
		return DeviceInfo{}, err
	}
	info := DeviceInfo{
		ID:                id,
		Backend:           p.drv.Name(),
		Arch:              d.arch,
		ComputeCapability: fmt.Sprintf("%d.%d", d.major, d.minor),
		Attributes:        d.attrs,
		BlocksPerGrid:     d.limits.BlocksPerGrid,
		ThreadsPerBlock:   d.limits.ThreadsPerBlock,
		WarpSize:          d.limits.WarpSize,
		NumTeams:          d.limits.NumTeams,
		NumThreads:        d.limits.NumThreads,
		MaxRegisters:      d.maxRegisters,
		Streams:           d.streams.Len(),
		StreamsInUse:      d.streams.InUse(),
		Events:            d.events.Len(),
		Allocations:       d.alloc.Live(),
		TargetTables:      d.tables.Len(),
	}
	d.modMu.Lock()
	info.Modules = len(d.modules)
	d.modMu.Unlock()
	if d.mm != nil {
		st := d.mm.Stats()
		info.MemoryManager = &st
	}
	return info, nil
}

// PrintDeviceInfo writes a human-readable description of device id to w.
func (p *Plugin) PrintDeviceInfo(id int, w io.Writer) error {
	info, err := p.DeviceInfo(id)
	if err != nil {
		return err
	}
	a := info.Attributes
	row := func(label, value string) {
		fmt.Fprintf(w, "    %-34s %s\n", label+":", value)
	}
	fmt.Fprintf(w, "Device %d (%s backend)\n", info.ID, info.Backend)
	row("Name", a.Name)
	row("Compute Capability", info.ComputeCapability)
	row("Architecture", info.Arch)
	row("Global Memory Size", strconv.FormatUint(a.TotalMemory, 10)+" bytes")
	row("Number of Multiprocessors", strconv.Itoa(a.MultiProcessors))
	row("Concurrent Kernels", yesNo(a.ConcurrentKernels))
	row("Unified Addressing", yesNo(a.UnifiedAddressing))
	row("Managed Memory", yesNo(a.ManagedMemory))
	row("Shared Memory per Block", strconv.Itoa(a.MaxSharedPerBlock)+" bytes")
	row("Registers per Block", strconv.Itoa(a.MaxRegistersPerBlock))
	row("Warp Size", strconv.Itoa(info.WarpSize))
	row("Maximum Threads per Block", strconv.Itoa(a.MaxThreadsPerBlock))
	row("Maximum Grid Dimensions", strconv.Itoa(a.MaxBlocksPerGrid))
	row("Clock Rate", strconv.Itoa(a.ClockRateKHz)+" kHz")
	row("Memory Clock Rate", strconv.Itoa(a.MemoryClockKHz)+" kHz")
	row("Memory Bus Width", strconv.Itoa(a.MemoryBusWidth)+" bits")
	row("L2 Cache Size", strconv.Itoa(a.L2CacheSize)+" bytes")
	row("Blocks per Grid (effective)", strconv.Itoa(info.BlocksPerGrid))
	row("Threads per Block (effective)", strconv.Itoa(info.ThreadsPerBlock))
	row("Default Teams", strconv.Itoa(info.NumTeams))
	row("Default Threads", strconv.Itoa(info.NumThreads))
	row("Streams (in use)", fmt.Sprintf("%d (%d)", info.Streams, info.StreamsInUse))
	row("Loaded Modules", strconv.Itoa(info.Modules))
	if mm := info.MemoryManager; mm != nil {
		row("Memory Manager", fmt.Sprintf("hits=%d misses=%d bypassed=%d cached=%d", mm.Hits, mm.Misses, mm.Bypassed, mm.Cached))
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
