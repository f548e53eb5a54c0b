package httpapi

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// processInfoProvider reports this process's own CPU and memory usage for
// the GET /rtc/api/system/info endpoint, grounded on manager.py's
// system_info combining store description with process health.
type processInfoProvider struct{}

// NewProcessInfoProvider returns a systemInfoProvider backed by gopsutil.
func NewProcessInfoProvider() systemInfoProvider {
	return processInfoProvider{}
}

func (processInfoProvider) SystemInfo() map[string]any {
	out := map[string]any{}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return out
	}
	if cpuPercent, err := proc.CPUPercent(); err == nil {
		out["cpu_percent"] = cpuPercent
	}
	if memPercent, err := proc.MemoryPercent(); err == nil {
		out["memory_percent"] = memPercent
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		out["rss_bytes"] = memInfo.RSS
	}
	return out
}
