// SPDX-License-Identifier: MIT

package source

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// fakeProcDir builds a minimal /proc/<pid>/{fd,stat,statm} tree, plus a
// /proc/stat with a btime line, under a temp directory so
// ResourceMonitor can be pointed at it via its unexported procPath
// field (same package; no exported override is needed for tests).
func fakeProcDir(t *testing.T, pid int, statLine, statmLine string, fdCount int) string {
	t.Helper()
	root := t.TempDir()
	procDir := filepath.Join(root, strconv.Itoa(pid))
	fdDir := filepath.Join(procDir, "fd")
	if err := os.MkdirAll(fdDir, 0o755); err != nil {
		t.Fatalf("MkdirAll(fd) error = %v", err)
	}
	for i := 0; i < fdCount; i++ {
		if err := os.WriteFile(filepath.Join(fdDir, strconv.Itoa(i)), nil, 0o644); err != nil {
			t.Fatalf("WriteFile(fd) error = %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(procDir, "stat"), []byte(statLine), 0o644); err != nil {
		t.Fatalf("WriteFile(stat) error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(procDir, "statm"), []byte(statmLine), 0o644); err != nil {
		t.Fatalf("WriteFile(statm) error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "stat"), []byte("btime 1000000000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile(root stat) error = %v", err)
	}
	return root
}

// sampleStatLine is a /proc/<pid>/stat line with utime=500, stime=200,
// num_threads=4, starttime=1000 (fields 14/15/20/22, 1-indexed) —
// everything else is a zeroed placeholder field.
const sampleStatLine = "1234 (decoder) S 1 1 1 0 -1 0 0 0 0 0 500 200 0 0 20 0 4 0 1000"

func TestResourceMonitorGetMetrics(t *testing.T) {
	procPath := fakeProcDir(t, 1234, sampleStatLine, "1000 256 100 10 0 50 0", 3)

	m := NewResourceMonitor(DefaultResourceThresholds())
	m.procPath = procPath

	metrics, err := m.GetMetrics(1234)
	if err != nil {
		t.Fatalf("GetMetrics() error = %v", err)
	}
	if metrics.PID != 1234 {
		t.Errorf("PID = %d, want 1234", metrics.PID)
	}
	if metrics.FileDescriptors != 3 {
		t.Errorf("FileDescriptors = %d, want 3", metrics.FileDescriptors)
	}
	if metrics.ThreadCount != 4 {
		t.Errorf("ThreadCount = %d, want 4", metrics.ThreadCount)
	}
	wantMem := int64(256 * os.Getpagesize())
	if metrics.MemoryBytes != wantMem {
		t.Errorf("MemoryBytes = %d, want %d", metrics.MemoryBytes, wantMem)
	}
	if metrics.CPUPercent != 0 {
		t.Errorf("CPUPercent on first sample = %v, want 0 (no prior sample to diff)", metrics.CPUPercent)
	}
	if metrics.Uptime <= 0 {
		t.Errorf("Uptime = %v, want > 0", metrics.Uptime)
	}
}

func TestResourceMonitorGetMetricsUnchangedTicksYieldsZeroCPU(t *testing.T) {
	procPath := fakeProcDir(t, 1234, sampleStatLine, "1000 256 100 10 0 50 0", 3)

	m := NewResourceMonitor(DefaultResourceThresholds())
	m.procPath = procPath

	if _, err := m.GetMetrics(1234); err != nil {
		t.Fatalf("first GetMetrics() error = %v", err)
	}
	second, err := m.GetMetrics(1234)
	if err != nil {
		t.Fatalf("second GetMetrics() error = %v", err)
	}
	if second.CPUPercent != 0 {
		t.Errorf("CPUPercent with unchanged utime/stime = %v, want 0", second.CPUPercent)
	}
}

func TestResourceMonitorGetMetricsProcessNotFound(t *testing.T) {
	procPath := t.TempDir()
	m := NewResourceMonitor(DefaultResourceThresholds())
	m.procPath = procPath

	if _, err := m.GetMetrics(9999); err == nil {
		t.Error("GetMetrics() for nonexistent pid should error")
	}
}

func TestResourceMonitorCheckThresholds(t *testing.T) {
	thresholds := ResourceThresholds{
		FDWarning: 10, FDCritical: 20,
		CPUWarning: 50, CPUCritical: 90,
		MemoryWarning: 1000, MemoryCritical: 2000,
	}
	m := NewResourceMonitor(thresholds)

	cases := []struct {
		name    string
		metrics *ResourceMetrics
		want    []string // expected resources alerting, in order
		level   AlertLevel
	}{
		{"ok", &ResourceMetrics{FileDescriptors: 1, CPUPercent: 1, MemoryBytes: 1}, nil, AlertNone},
		{"fd warning", &ResourceMetrics{FileDescriptors: 15}, []string{"fd"}, AlertWarning},
		{"fd critical", &ResourceMetrics{FileDescriptors: 25}, []string{"fd"}, AlertCritical},
		{"cpu critical", &ResourceMetrics{CPUPercent: 95}, []string{"cpu"}, AlertCritical},
		{"memory warning", &ResourceMetrics{MemoryBytes: 1500}, []string{"memory"}, AlertWarning},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			alerts := m.CheckThresholds(c.metrics)
			if len(alerts) != len(c.want) {
				t.Fatalf("CheckThresholds() = %+v, want %d alert(s)", alerts, len(c.want))
			}
			for i, resource := range c.want {
				if alerts[i].Resource != resource {
					t.Errorf("alerts[%d].Resource = %q, want %q", i, alerts[i].Resource, resource)
				}
				if alerts[i].Level != c.level {
					t.Errorf("alerts[%d].Level = %v, want %v", i, alerts[i].Level, c.level)
				}
			}
		})
	}
}

func TestDefaultResourceThresholds(t *testing.T) {
	d := DefaultResourceThresholds()
	if d.FDWarning <= 0 || d.FDCritical <= d.FDWarning {
		t.Errorf("FD thresholds = %d/%d, want warning>0 and critical>warning", d.FDWarning, d.FDCritical)
	}
	if d.CPUWarning <= 0 || d.CPUCritical <= d.CPUWarning {
		t.Errorf("CPU thresholds = %v/%v, want warning>0 and critical>warning", d.CPUWarning, d.CPUCritical)
	}
	if d.MemoryWarning <= 0 || d.MemoryCritical <= d.MemoryWarning {
		t.Errorf("memory thresholds = %d/%d, want warning>0 and critical>warning", d.MemoryWarning, d.MemoryCritical)
	}
}

func TestAlertLevelString(t *testing.T) {
	cases := map[AlertLevel]string{
		AlertNone:     "ok",
		AlertWarning:  "warning",
		AlertCritical: "critical",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(level), got, want)
		}
	}
}
