package watchdog

import (
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type SystemStats struct {
	CPUPercent    float64
	MemoryPercent float64
	ProcessRSS    uint64
}

type Sampler interface {
	Sample() (SystemStats, error)
}

// HostSampler reads host and process usage through gopsutil.
type HostSampler struct {
	proc *process.Process
}

func NewHostSampler() (*HostSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &HostSampler{proc: proc}, nil
}

func (h *HostSampler) Sample() (SystemStats, error) {
	var stats SystemStats

	// Zero interval compares against the previous call.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return stats, err
	}
	stats.MemoryPercent = vm.UsedPercent

	if info, err := h.proc.MemoryInfo(); err == nil {
		stats.ProcessRSS = info.RSS
	}
	return stats, nil
}
