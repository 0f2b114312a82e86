package pipeline

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a resource sample of a running encoder
type ProcessStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// SampleProcess reads cpu and resident memory for pid
func SampleProcess(pid int) (*ProcessStats, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}

	cpu, err := p.CPUPercent()
	if err != nil {
		return nil, fmt.Errorf("cpu of process %d: %w", pid, err)
	}

	mem, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("memory of process %d: %w", pid, err)
	}

	return &ProcessStats{CPUPercent: cpu, RSSBytes: mem.RSS}, nil
}

// ProcessExists reports whether pid is still present in the process table,
// including as an unreaped zombie.
func ProcessExists(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}
