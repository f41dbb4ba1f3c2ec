// SPDX-License-Identifier: MIT

// Package diagnostics provides an operator-facing health sweep over the
// ingest core's own state: configuration validity, the single-instance
// lock, the decoder binary, source reachability, and host resource
// pressure that would starve audio capture (disk, file descriptors).
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/KR8MER/eas-station-sub008/internal/config"
	"github.com/KR8MER/eas-station-sub008/internal/health"
	"github.com/KR8MER/eas-station-sub008/internal/sourceprobe"
)

// CheckResult represents the result of a single diagnostic check.
type CheckResult struct {
	Name        string        `json:"name"`
	Category    string        `json:"category"`
	Status      CheckStatus   `json:"status"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Duration    time.Duration `json:"duration"`
	Suggestions []string      `json:"suggestions,omitempty"`
}

// CheckStatus indicates the result of a check.
type CheckStatus string

const (
	StatusOK       CheckStatus = "OK"
	StatusWarning  CheckStatus = "WARNING"
	StatusCritical CheckStatus = "CRITICAL"
	StatusSkipped  CheckStatus = "SKIPPED"
	StatusError    CheckStatus = "ERROR"
)

// Report contains results from all diagnostic checks plus a snapshot of
// the manager's own source/failover state, when a StatusProvider was
// supplied to the Runner.
type Report struct {
	Timestamp time.Time           `json:"timestamp"`
	Duration  time.Duration       `json:"duration"`
	HostInfo  *HostInfo           `json:"host_info"`
	Checks    []CheckResult       `json:"checks"`
	Summary   *Summary            `json:"summary"`
	Sources   []health.SourceInfo `json:"sources,omitempty"`
	Failovers []health.FailoverInfo `json:"recent_failovers,omitempty"`
	Healthy   bool                `json:"healthy"`
}

// HostInfo contains basic information about the host the core runs on.
type HostInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUs         int    `json:"cpus"`
	GoVersion    string `json:"go_version"`
}

// Summary contains a summary of check results.
type Summary struct {
	Total    int `json:"total"`
	OK       int `json:"ok"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Skipped  int `json:"skipped"`
	Error    int `json:"error"`
}

// Diagnostic thresholds, configurable for different deployment scenarios.
const (
	// DiskUsageCriticalPercent is the disk usage percentage that triggers critical status.
	DiskUsageCriticalPercent = 95

	// DiskUsageWarningPercent is the disk usage percentage that triggers warning status.
	DiskUsageWarningPercent = 85

	// FDUsageCriticalPercent is the file descriptor usage percentage that triggers critical status.
	FDUsageCriticalPercent = 80

	// FDUsageWarningPercent is the file descriptor usage percentage that triggers warning status.
	FDUsageWarningPercent = 50

	// LogSizeWarningBytes is the threshold for warning about log directory size (100MB).
	LogSizeWarningBytes = 100 * 1024 * 1024

	// sourceProbeTimeout bounds each HTTP source reachability check.
	sourceProbeTimeout = 3 * time.Second
)

// StatusProvider supplies a live snapshot of the manager's sources and
// failover history, when available. A Runner constructed without one
// still performs every check that does not depend on a running manager.
type StatusProvider = health.StatusProvider

// Options configures the diagnostic run.
type Options struct {
	ConfigPath string
	LogDir     string
	Provider   StatusProvider
}

// DefaultOptions returns default diagnostic options.
func DefaultOptions() Options {
	return Options{
		ConfigPath: config.ConfigFilePath,
		LogDir:     "/var/log/eas-station-sub008",
	}
}

// Runner executes diagnostic checks.
type Runner struct {
	opts Options
}

// NewRunner creates a new diagnostic runner.
func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Run executes all diagnostic checks and returns a report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	report := &Report{
		Timestamp: start,
		HostInfo:  collectHostInfo(),
		Summary:   &Summary{},
	}

	if r.opts.Provider != nil {
		report.Sources = r.opts.Provider.Sources()
		report.Failovers = r.opts.Provider.RecentFailovers(20)
	}

	for _, check := range r.checks() {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		result := check(ctx)
		report.Checks = append(report.Checks, result)

		report.Summary.Total++
		switch result.Status {
		case StatusOK:
			report.Summary.OK++
		case StatusWarning:
			report.Summary.Warning++
		case StatusCritical:
			report.Summary.Critical++
		case StatusSkipped:
			report.Summary.Skipped++
		case StatusError:
			report.Summary.Error++
		}
	}

	report.Duration = time.Since(start)
	report.Healthy = report.Summary.Critical == 0 && report.Summary.Error == 0

	return report, nil
}

func (r *Runner) checks() []func(context.Context) CheckResult {
	return []func(context.Context) CheckResult{
		r.checkConfig,
		r.checkDecoderBinary,
		r.checkLockFile,
		r.checkLogDir,
		r.checkSourceReachability,
		r.checkDiskSpace,
		r.checkFileDescriptors,
		r.checkManagerSnapshot,
	}
}

func collectHostInfo() *HostInfo {
	info := &HostInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	return info
}

func (r *Runner) checkConfig(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Configuration", Category: "Config"}

	if r.opts.ConfigPath == "" {
		result.Status = StatusSkipped
		result.Message = "No configuration path configured"
		result.Duration = time.Since(start)
		return result
	}

	cfg, err := config.LoadConfig(r.opts.ConfigPath)
	if err != nil {
		result.Status = StatusCritical
		result.Message = "Configuration failed to load or validate"
		result.Details = err.Error()
		result.Suggestions = append(result.Suggestions, "Run the admin CLI's config wizard to regenerate it")
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("Configuration valid: %d source(s) configured", len(cfg.Sources))
	result.Details = r.opts.ConfigPath
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkDecoderBinary(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Decoder Binaries", Category: "Dependencies"}

	var missing []string
	for _, bin := range []string{"ffmpeg", "rtl_fm"} {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}

	switch {
	case len(missing) == 2:
		result.Status = StatusCritical
		result.Message = "Neither ffmpeg nor rtl_fm is on PATH"
		result.Suggestions = append(result.Suggestions, "Install ffmpeg for HTTP/line sources, rtl_fm (rtl-sdr) for SDR sources")
	case len(missing) == 1:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("%s not found on PATH", missing[0])
	default:
		result.Status = StatusOK
		result.Message = "ffmpeg and rtl_fm both found on PATH"
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkLockFile(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Instance Lock", Category: "System"}

	lockPath := "/run/eas-station-sub008/manager.lock"
	data, err := os.ReadFile(lockPath) // #nosec G304 -- fixed, non-configurable diagnostic path
	if os.IsNotExist(err) {
		result.Status = StatusOK
		result.Message = "No lock file present; no instance currently running"
		result.Duration = time.Since(start)
		return result
	}
	if err != nil {
		result.Status = StatusError
		result.Message = "Failed to read lock file"
		result.Details = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
	if perr != nil {
		result.Status = StatusWarning
		result.Message = "Lock file exists but does not contain a valid PID"
		result.Duration = time.Since(start)
		return result
	}

	if proc, err := os.FindProcess(pid); err == nil && proc.Signal(syscall.Signal(0)) == nil {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("Instance running under PID %d", pid)
	} else {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Lock file references PID %d, which is not running", pid)
		result.Suggestions = append(result.Suggestions, "Remove the stale lock file before starting a new instance")
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkLogDir(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Log Directory", Category: "System"}

	if r.opts.LogDir == "" {
		result.Status = StatusSkipped
		result.Message = "No log directory configured"
		result.Duration = time.Since(start)
		return result
	}

	if _, err := os.Stat(r.opts.LogDir); os.IsNotExist(err) {
		result.Status = StatusOK
		result.Message = "Log directory will be created on first run"
		result.Duration = time.Since(start)
		return result
	}

	var totalSize int64
	_ = filepath.Walk(r.opts.LogDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})

	if totalSize > LogSizeWarningBytes {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Log directory size: %s", formatBytes(totalSize))
		result.Suggestions = append(result.Suggestions, "Decoder log rotation should be keeping this bounded; check rotation settings")
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("Log directory size: %s", formatBytes(totalSize))
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkSourceReachability(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Source Reachability", Category: "Sources"}

	if r.opts.ConfigPath == "" {
		result.Status = StatusSkipped
		result.Message = "No configuration path configured"
		result.Duration = time.Since(start)
		return result
	}

	cfg, err := config.LoadConfig(r.opts.ConfigPath)
	if err != nil {
		result.Status = StatusSkipped
		result.Message = "Configuration unavailable; skipping reachability probe"
		result.Duration = time.Since(start)
		return result
	}

	prober := sourceprobe.New(sourceprobe.WithTimeout(sourceProbeTimeout))

	var unreachable []string
	checked := 0
	for _, src := range cfg.Sources {
		if !src.Enabled || src.Kind == "sdr" || src.Kind == "line" {
			continue
		}
		checked++

		reqCtx, cancel := context.WithTimeout(ctx, sourceProbeTimeout)
		probeResult := prober.Probe(reqCtx, src.URI)
		cancel()
		if !probeResult.Reachable {
			unreachable = append(unreachable, src.Name)
		}
	}

	switch {
	case checked == 0:
		result.Status = StatusSkipped
		result.Message = "No enabled HTTP sources to probe"
	case len(unreachable) == 0:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("All %d HTTP source(s) reachable", checked)
	case len(unreachable) == checked:
		result.Status = StatusCritical
		result.Message = "No configured HTTP source is reachable"
		result.Details = strings.Join(unreachable, ", ")
	default:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("%d of %d HTTP source(s) unreachable", len(unreachable), checked)
		result.Details = strings.Join(unreachable, ", ")
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkDiskSpace(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Disk Space", Category: "Resources"}

	var stat syscall.Statfs_t
	if err := syscall.Statfs("/", &stat); err != nil {
		result.Status = StatusError
		result.Message = "Failed to check disk space"
		result.Duration = time.Since(start)
		return result
	}

	// #nosec G115 -- Bsize is always positive on Linux filesystems
	available := stat.Bavail * uint64(stat.Bsize)
	// #nosec G115 -- Bsize is always positive on Linux filesystems
	total := stat.Blocks * uint64(stat.Bsize)
	usedPercent := 100.0 - (float64(available)/float64(total))*100.0

	switch {
	case usedPercent > DiskUsageCriticalPercent:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Disk usage critical: %.1f%%", usedPercent)
		result.Suggestions = append(result.Suggestions, "Free up disk space; decoder logs may fail to rotate")
	case usedPercent > DiskUsageWarningPercent:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Disk usage high: %.1f%%", usedPercent)
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("Disk usage: %.1f%% (%.1f GB available)", usedPercent, float64(available)/(1024*1024*1024))
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkFileDescriptors(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "File Descriptors", Category: "Resources"}

	data, err := os.ReadFile("/proc/sys/fs/file-nr")
	if err != nil {
		result.Status = StatusError
		result.Message = "Failed to read file descriptor info"
		result.Duration = time.Since(start)
		return result
	}

	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		result.Status = StatusError
		result.Message = "Invalid file-nr format"
		result.Duration = time.Since(start)
		return result
	}

	used, _ := strconv.ParseInt(fields[0], 10, 64)
	max, _ := strconv.ParseInt(fields[2], 10, 64)
	if max == 0 {
		result.Status = StatusError
		result.Message = "File descriptor limit reported as zero"
		result.Duration = time.Since(start)
		return result
	}
	usedPercent := float64(used) / float64(max) * 100

	switch {
	case usedPercent > FDUsageCriticalPercent:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("FD usage critical: %.1f%% (%d/%d)", usedPercent, used, max)
	case usedPercent > FDUsageWarningPercent:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("FD usage elevated: %.1f%% (%d/%d)", usedPercent, used, max)
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("FD usage normal: %.1f%% (%d/%d)", usedPercent, used, max)
	}

	result.Duration = time.Since(start)
	return result
}

// checkManagerSnapshot summarizes the live manager snapshot collected in
// Run, rather than probing anything itself; it exists so "no active
// source" shows up as a finding in Checks, not only in the raw Sources
// field, for a reader scanning the check list top-to-bottom.
func (r *Runner) checkManagerSnapshot(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Active Source", Category: "Sources"}

	if r.opts.Provider == nil {
		result.Status = StatusSkipped
		result.Message = "No running manager attached to this diagnostic run"
		result.Duration = time.Since(start)
		return result
	}

	active := r.opts.Provider.ActiveSource()
	if active == "" {
		result.Status = StatusCritical
		result.Message = "No source is currently active"
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("Active source: %s", active)
	result.Duration = time.Since(start)
	return result
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
