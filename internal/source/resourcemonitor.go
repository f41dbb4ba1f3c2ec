// SPDX-License-Identifier: MIT

package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ResourceMetrics is a point-in-time resource usage snapshot for one
// decoder subprocess.
type ResourceMetrics struct {
	PID             int
	FileDescriptors int
	CPUPercent      float64
	MemoryBytes     int64
	ThreadCount     int
	Uptime          time.Duration
	Timestamp       time.Time

	// cpuTicks is the raw utime+stime tick total backing CPUPercent,
	// kept unexported since it's only meaningful as input to the next
	// sample's delta calculation.
	cpuTicks int64
}

// ResourceThresholds defines warning and critical levels for the
// fields ResourceMonitor.CheckThresholds inspects.
type ResourceThresholds struct {
	FDWarning      int
	FDCritical     int
	CPUWarning     float64
	CPUCritical    float64
	MemoryWarning  int64
	MemoryCritical int64
}

// DefaultResourceThresholds returns the thresholds applied when an
// adapter doesn't override them: a single long-lived ffmpeg/rtl_fm
// decoder process is expected to stay well under these.
func DefaultResourceThresholds() ResourceThresholds {
	return ResourceThresholds{
		FDWarning:      64,
		FDCritical:     256,
		CPUWarning:     80.0,
		CPUCritical:    95.0,
		MemoryWarning:  256 * 1024 * 1024,
		MemoryCritical: 512 * 1024 * 1024,
	}
}

// AlertLevel is the severity of a ResourceAlert.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertWarning
	AlertCritical
)

func (a AlertLevel) String() string {
	switch a {
	case AlertWarning:
		return "warning"
	case AlertCritical:
		return "critical"
	default:
		return "ok"
	}
}

// ResourceAlert is one threshold crossing observed for the live
// decoder subprocess. Observability only — per spec.md §7, resource
// pressure never drives the health state machine; overruns and
// silence do that.
type ResourceAlert struct {
	Level    AlertLevel
	Resource string // "fd", "cpu", "memory"
	Message  string
}

// ResourceMonitor samples /proc for one decoder subprocess's resource
// usage. One ResourceMonitor is owned per Adapter.
type ResourceMonitor struct {
	thresholds ResourceThresholds
	procPath   string

	mu   sync.Mutex
	last *ResourceMetrics // previous sample, for CPU delta calculation
}

// NewResourceMonitor constructs a ResourceMonitor with the given
// thresholds, sampling from /proc.
func NewResourceMonitor(thresholds ResourceThresholds) *ResourceMonitor {
	return &ResourceMonitor{thresholds: thresholds, procPath: "/proc"}
}

// GetMetrics reads /proc/<pid>/{fd,stat,statm} for a point-in-time
// resource snapshot. CPU percent is left at zero on the first sample
// of a given PID (no prior sample to diff against).
func (m *ResourceMonitor) GetMetrics(pid int) (*ResourceMetrics, error) {
	procDir := filepath.Join(m.procPath, strconv.Itoa(pid))
	if _, err := os.Stat(procDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("source: process %d not found", pid)
	}

	metrics := &ResourceMetrics{PID: pid, Timestamp: time.Now()}

	if entries, err := os.ReadDir(filepath.Join(procDir, "fd")); err == nil {
		metrics.FileDescriptors = len(entries)
	}

	statPath := filepath.Join(procDir, "stat")
	var utime, stime int64
	// #nosec G304 -- reading from /proc, PID sourced from our own decoder subprocess
	if data, err := os.ReadFile(statPath); err == nil {
		metrics.ThreadCount = parseStatField(string(data), 17)
		utime = int64(parseStatField(string(data), 11))
		stime = int64(parseStatField(string(data), 12))
		if start, err := m.getProcessStartTime(pid); err == nil {
			metrics.Uptime = time.Since(start)
		}
	}

	statmPath := filepath.Join(procDir, "statm")
	// #nosec G304 -- reading from /proc, PID sourced from our own decoder subprocess
	if data, err := os.ReadFile(statmPath); err == nil {
		metrics.MemoryBytes = parseMemoryBytes(string(data))
	}

	metrics.cpuTicks = utime + stime

	m.mu.Lock()
	prev := m.last
	m.last = metrics
	m.mu.Unlock()

	if prev != nil && prev.PID == pid {
		elapsed := metrics.Timestamp.Sub(prev.Timestamp).Seconds()
		delta := metrics.cpuTicks - prev.cpuTicks
		if elapsed > 0 && delta >= 0 {
			const ticksPerSecond = 100 // CLK_TCK; see getProcessStartTime
			metrics.CPUPercent = (float64(delta) / ticksPerSecond) / elapsed * 100
		}
	}

	return metrics, nil
}

// CheckThresholds compares metrics against m's configured thresholds,
// returning one alert per crossed resource (fd/cpu/memory), warning or
// critical.
func (m *ResourceMonitor) CheckThresholds(metrics *ResourceMetrics) []ResourceAlert {
	var alerts []ResourceAlert

	switch {
	case metrics.FileDescriptors >= m.thresholds.FDCritical:
		alerts = append(alerts, ResourceAlert{AlertCritical, "fd",
			fmt.Sprintf("file descriptors at critical level: %d >= %d", metrics.FileDescriptors, m.thresholds.FDCritical)})
	case metrics.FileDescriptors >= m.thresholds.FDWarning:
		alerts = append(alerts, ResourceAlert{AlertWarning, "fd",
			fmt.Sprintf("file descriptors at warning level: %d >= %d", metrics.FileDescriptors, m.thresholds.FDWarning)})
	}

	switch {
	case metrics.CPUPercent >= m.thresholds.CPUCritical:
		alerts = append(alerts, ResourceAlert{AlertCritical, "cpu",
			fmt.Sprintf("CPU usage at critical level: %.1f%% >= %.1f%%", metrics.CPUPercent, m.thresholds.CPUCritical)})
	case metrics.CPUPercent >= m.thresholds.CPUWarning:
		alerts = append(alerts, ResourceAlert{AlertWarning, "cpu",
			fmt.Sprintf("CPU usage at warning level: %.1f%% >= %.1f%%", metrics.CPUPercent, m.thresholds.CPUWarning)})
	}

	switch {
	case metrics.MemoryBytes >= m.thresholds.MemoryCritical:
		alerts = append(alerts, ResourceAlert{AlertCritical, "memory",
			fmt.Sprintf("memory usage at critical level: %d bytes >= %d bytes", metrics.MemoryBytes, m.thresholds.MemoryCritical)})
	case metrics.MemoryBytes >= m.thresholds.MemoryWarning:
		alerts = append(alerts, ResourceAlert{AlertWarning, "memory",
			fmt.Sprintf("memory usage at warning level: %d bytes >= %d bytes", metrics.MemoryBytes, m.thresholds.MemoryWarning)})
	}

	return alerts
}

// getProcessStartTime approximates the process start time from field
// 22 of /proc/<pid>/stat and the system boot time. The 100 ticks/sec
// assumption matches the common Linux CLK_TCK; exact iff the kernel
// wasn't built with a different tick rate.
func (m *ResourceMonitor) getProcessStartTime(pid int) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(m.procPath, strconv.Itoa(pid), "stat"))
	if err != nil {
		return time.Time{}, err
	}
	startTicks := parseStatField(string(data), 19)
	if startTicks == 0 {
		return time.Time{}, fmt.Errorf("source: could not parse process start time")
	}
	boot := getSystemBootTime(m.procPath)
	return boot.Add(time.Duration(startTicks) * (time.Second / 100)), nil
}

// parseStatField returns the 0-indexed field at position idx from the
// portion of a /proc/<pid>/stat line after the comm field's closing
// paren (comm may itself contain spaces/parens, so indexing starts
// there rather than from the front of the line).
func parseStatField(stat string, idx int) int {
	paren := strings.LastIndex(stat, ")")
	if paren == -1 {
		return 0
	}
	fields := strings.Fields(stat[paren+1:])
	if idx < 0 || idx >= len(fields) {
		return 0
	}
	v, err := strconv.Atoi(fields[idx])
	if err != nil {
		return 0
	}
	return v
}

// parseMemoryBytes extracts resident set size from /proc/<pid>/statm
// content (second field, in pages).
func parseMemoryBytes(statm string) int64 {
	fields := strings.Fields(statm)
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * int64(os.Getpagesize())
}

// getSystemBootTime reads btime from /proc/stat, falling back to now
// if unavailable (e.g. non-Linux test environment).
func getSystemBootTime(procPath string) time.Time {
	data, err := os.ReadFile(filepath.Join(procPath, "stat"))
	if err != nil {
		return time.Now()
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "btime ") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if secs, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return time.Unix(secs, 0)
				}
			}
		}
	}
	return time.Now()
}
