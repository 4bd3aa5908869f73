package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HandleSystemStats serves process and host statistics for diagnostics.
func HandleSystemStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	stats := make(map[string]interface{})

	// Process information from the Go runtime
	uptime := time.Since(StartTime)
	days := int(uptime.Hours() / 24)
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	var uptimeStr string
	if days > 0 {
		uptimeStr = fmt.Sprintf("%dd %02dh %02dm %02ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		uptimeStr = fmt.Sprintf("%02dh %02dm %02ds", hours, minutes, seconds)
	} else {
		uptimeStr = fmt.Sprintf("%02dm %02ds", minutes, seconds)
	}
	stats["itachd_uptime"] = uptimeStr
	stats["itachd_version"] = Version

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	allocMB := float64(m.Alloc) / 1024 / 1024
	sysMB := float64(m.Sys) / 1024 / 1024
	stats["itachd_memory"] = fmt.Sprintf("Alloc: %.1f MB, Sys: %.1f MB", allocMB, sysMB)
	stats["itachd_goroutines"] = runtime.NumGoroutine()

	// Host statistics via gopsutil; each section is best-effort
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats["host_cpu_percent"] = fmt.Sprintf("%.1f", percents[0])
	}
	if info, err := cpu.Info(); err == nil && len(info) > 0 {
		stats["host_cpu_model"] = info[0].ModelName
		stats["host_cpu_cores"] = len(info)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats["host_memory"] = fmt.Sprintf("Used: %.1f GB / %.1f GB (%.1f%%)",
			float64(vm.Used)/1024/1024/1024,
			float64(vm.Total)/1024/1024/1024,
			vm.UsedPercent)
	}
	if up, err := host.Uptime(); err == nil {
		stats["host_uptime_seconds"] = up
	}

	if err := json.NewEncoder(w).Encode(stats); err != nil {
		http.Error(w, "Failed to encode stats", http.StatusInternalServerError)
	}
}
