package monitoring

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	NumGoroutines int     `json:"num_goroutines"`
}

// ProcessUsage is the combined CPU and RSS of a set of child processes.
type ProcessUsage struct {
	CPUPercent float64 `json:"cpu"`
	RAMMB      float64 `json:"ram_mb"`
	Processes  int     `json:"processes"`
}

// SelfUsage reports the resource usage of this service.
func SelfUsage() (ResourceUsage, error) {
	var usage ResourceUsage

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return usage, fmt.Errorf("error getting process: %w", err)
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return usage, fmt.Errorf("error getting CPU usage: %w", err)
	}
	usage.CPUPercent = cpuPercent

	virtualMem, err := mem.VirtualMemory()
	if err != nil {
		return usage, fmt.Errorf("error getting memory info: %w", err)
	}

	procMem, err := proc.MemoryInfo()
	if err != nil {
		return usage, fmt.Errorf("error getting process memory: %w", err)
	}

	usage.MemoryUsedMB = float64(procMem.RSS) / 1024 / 1024
	usage.MemoryTotalMB = float64(virtualMem.Total) / 1024 / 1024
	usage.MemoryPercent = float64(procMem.RSS) / float64(virtualMem.Total) * 100
	usage.NumGoroutines = runtime.NumGoroutine()

	return usage, nil
}

// UsageOf sums CPU and memory over pids. Processes that are gone are skipped.
func UsageOf(pids []int) ProcessUsage {
	var usage ProcessUsage
	for _, pid := range pids {
		proc, err := process.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			usage.CPUPercent += cpu
		}
		if m, err := proc.MemoryInfo(); err == nil {
			usage.RAMMB += float64(m.RSS) / 1024 / 1024
		}
		usage.Processes++
	}
	return usage
}

// PidAlive reports whether a process with pid exists.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// DiskSpace describes the filesystem holding a directory.
type DiskSpace struct {
	Path        string  `json:"path"`
	TotalGB     float64 `json:"total_gb"`
	FreeGB      float64 `json:"free_gb"`
	UsedPercent float64 `json:"used_percent"`
}

// DiskUsage reports free space on the filesystem containing dir.
func DiskUsage(dir string) (DiskSpace, error) {
	u, err := disk.Usage(dir)
	if err != nil {
		return DiskSpace{}, fmt.Errorf("error getting disk usage for %s: %w", dir, err)
	}
	const gb = 1024 * 1024 * 1024
	return DiskSpace{
		Path:        dir,
		TotalGB:     float64(u.Total) / gb,
		FreeGB:      float64(u.Free) / gb,
		UsedPercent: u.UsedPercent,
	}, nil
}
