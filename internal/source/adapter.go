// SPDX-License-Identifier: MIT

package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/KR8MER/eas-station-sub008/internal/audioutil"
	"github.com/KR8MER/eas-station-sub008/internal/decoder"
	"github.com/KR8MER/eas-station-sub008/internal/ring"
	"github.com/KR8MER/eas-station-sub008/internal/sourceprobe"
	"github.com/KR8MER/eas-station-sub008/internal/util"
)

// pcmChunkBytes is the read granularity for the producer task's stdout
// reads. 4096 bytes is 1024 mono s16le samples at any sample rate, a
// few milliseconds of audio at canonical rates.
const pcmChunkBytes = 4096

// sampleRateWindow is the span over which observed throughput is
// averaged into Metrics.SamplesPerSec.
const sampleRateWindow = 1 * time.Second

// DefaultMinThroughputFraction is the fraction of a source's
// configured SampleRate that observed throughput may fall to before
// evaluateHealth calls it Degraded.
const DefaultMinThroughputFraction = 0.5

// Config describes one source adapter: how to spawn its decoder and
// the policy governing its health state machine.
type Config struct {
	Name     string
	Priority int

	Kind       decoder.Kind
	URI        string
	SampleRate int
	Channels   int
	Binary     string
	ExtraArgs  []string
	LogDir     string
	StopGrace  time.Duration

	// RingSeconds sizes the adapter's own ring buffer; default 10s.
	RingSeconds int

	SilenceThresholdDB    float64
	SilenceDuration       time.Duration
	WatchdogTimeout       time.Duration
	MaxRestartAttempts    int
	HealthyResetThreshold time.Duration

	// MinThroughputFraction is the fraction of SampleRate observed
	// samples/sec may fall to before the adapter is considered
	// Degraded. Defaults to DefaultMinThroughputFraction.
	MinThroughputFraction float64

	// MonitorInterval, when positive, enables periodic process
	// resource sampling (fds/RSS/threads) of the live decoder
	// subprocess, attached to the next Metrics() snapshot. Zero
	// disables resource monitoring entirely.
	MonitorInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 22050
	}
	if c.RingSeconds <= 0 {
		c.RingSeconds = 10
	}
	if c.SilenceThresholdDB == 0 {
		c.SilenceThresholdDB = -50
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = 10 * time.Second
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = 5 * time.Second
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if c.HealthyResetThreshold <= 0 {
		c.HealthyResetThreshold = DefaultHealthyResetThreshold
	}
	if c.MinThroughputFraction <= 0 {
		c.MinThroughputFraction = DefaultMinThroughputFraction
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Metrics is a point-in-time snapshot of one adapter's health.
type Metrics struct {
	Name                 string
	State                State
	RestartCount         int
	ConsecutiveFailures  int
	LastError            string
	LastRestartReason    string
	Uptime               time.Duration
	RingStats            ring.Stats
	RingFillFraction     float64
	PeakDB               float64
	RMSDB                float64
	SamplesPerSec        float64
	LastSampleReceivedAt time.Time
	LastNonZeroSampleAt  time.Time

	// ProcessMetrics is the most recent resource sample of the live
	// decoder subprocess, or nil when MonitorInterval is disabled or
	// no sample has landed yet.
	ProcessMetrics *ResourceMetrics
	// ResourceAlerts are any threshold crossings from that sample.
	// Observational only; never feeds State.
	ResourceAlerts []ResourceAlert
}

// HealthCallback receives a Metrics snapshot on every state
// transition. Implementations must not block.
type HealthCallback func(Metrics)

// ErrAlreadyStarted is returned by Start when called on a running adapter.
var ErrAlreadyStarted = errors.New("source: adapter already started")

// Adapter couples one decoder subprocess to one ring buffer, adding a
// watchdog, a backoff restarter, and windowed silence detection.
//
// The producer task (decoder stdout -> ring buffer) and the watchdog
// task run as two suture.Service implementations under a private
// *suture.Supervisor owned by this adapter — one supervisor per
// adapter, not a shared tree, so the ring buffer's single-owner
// invariant holds and a stuck adapter's restart storm cannot touch its
// siblings. Suture is a safety net for programming-error panics inside
// those two tasks only; the restart policy driven by subprocess exit,
// read errors, watchdog timeout, and silence is entirely owned by
// Backoff and the state machine below.
type Adapter struct {
	cfg Config

	buf      *ring.Buffer
	producer ring.ProducerHandle
	consumer ring.ConsumerHandle
	window   *audioutil.Window
	backoff  *Backoff

	mu                sync.RWMutex
	state             State
	proc              *decoder.Process
	lastError         string
	lastRestartReason string
	startedAt         time.Time
	spawnedAt         time.Time
	lastSampleAt      time.Time
	lastNonZeroAt     time.Time
	lastOverruns      uint64
	rateWindowStart   time.Time
	rateWindowSamples int
	samplesPerSec     float64
	rateWindowDone    bool
	procMetrics       *ResourceMetrics
	resourceAlerts    []ResourceAlert

	resourceMonitor *ResourceMonitor
	prober          *sourceprobe.Prober

	callbackMu sync.Mutex
	callback   HealthCallback

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// New validates cfg, applies defaults, and returns an unstarted Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Name == "" {
		return nil, errors.New("source: name cannot be empty")
	}
	if cfg.URI == "" {
		return nil, errors.New("source: URI cannot be empty")
	}
	cfg.setDefaults()

	buf, err := ring.New(cfg.SampleRate * cfg.RingSeconds)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}

	var prober *sourceprobe.Prober
	if cfg.Kind == decoder.KindHTTP {
		prober = sourceprobe.New()
	}

	return &Adapter{
		cfg:             cfg,
		buf:             buf,
		producer:        buf.Producer(),
		consumer:        buf.Consumer(),
		window:          audioutil.NewWindow(cfg.SampleRate),
		backoff:         NewBackoffWithSchedule(DefaultSchedule, cfg.HealthyResetThreshold, cfg.MaxRestartAttempts),
		state:           StateStopped,
		resourceMonitor: NewResourceMonitor(DefaultResourceThresholds()),
		prober:          prober,
	}, nil
}

// Name returns the adapter's configured name.
func (a *Adapter) Name() string { return a.cfg.Name }

// Priority returns the adapter's configured priority (lower preferred).
func (a *Adapter) Priority() int { return a.cfg.Priority }

// SetHealthCallback installs fn to be invoked (on a non-critical
// goroutine) after every state transition. Pass nil to remove it.
func (a *Adapter) SetHealthCallback(fn HealthCallback) {
	a.callbackMu.Lock()
	a.callback = fn
	a.callbackMu.Unlock()
}

// Start spawns the supervision tree for this adapter. Idempotent: a
// second call while already running returns ErrAlreadyStarted.
func (a *Adapter) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if a.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.started = true
	a.setState(StateStarting)

	sup := suture.New(a.cfg.Name, suture.Spec{
		FailureThreshold: float64(a.cfg.MaxRestartAttempts),
		FailureBackoff:   DefaultSchedule[0],
	})
	sup.Add(&producerService{a: a})
	sup.Add(&watchdogService{a: a})
	if a.cfg.MonitorInterval > 0 {
		sup.Add(&resourceMonitorService{a: a})
	}

	done := a.done
	util.SafeGo(a.cfg.Name+"-supervisor", logWriter{a.cfg.Logger}, func() {
		_ = sup.Serve(runCtx)
		close(done)
	}, nil)

	return nil
}

// Stop signals the producer and watchdog tasks to exit and tears down
// the decoder subprocess. Idempotent; safe to call on a never-started
// or already-stopped adapter. Observes the 1s stop bound from the
// concurrency model on a best-effort basis: Stop itself does not
// block past that, logging if the tasks have not wound down in time.
func (a *Adapter) Stop() {
	a.lifecycleMu.Lock()
	if !a.started {
		a.lifecycleMu.Unlock()
		return
	}
	a.started = false
	cancel := a.cancel
	done := a.done
	a.lifecycleMu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		a.cfg.Logger.Warn("source adapter stop exceeded 1s bound", "source", a.cfg.Name)
	}

	a.mu.Lock()
	proc := a.proc
	a.proc = nil
	a.mu.Unlock()
	if proc != nil {
		proc.Stop()
	}

	a.setState(StateStopped)
}

// ReadSamples delegates to the ring buffer; never blocks.
func (a *Adapter) ReadSamples(dst []float32, n int) (int, bool) {
	return a.consumer.Read(dst, n)
}

// Available reports the number of samples ready to read.
func (a *Adapter) Available() int {
	return a.consumer.Available()
}

// Metrics returns a point-in-time health snapshot.
func (a *Adapter) Metrics() Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metricsLocked()
}

// State returns the current health state.
func (a *Adapter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// setState transitions the state machine and, if it actually changed,
// dispatches the health callback on its own goroutine so a slow or
// blocking callback cannot stall the producer/watchdog tasks.
func (a *Adapter) setState(s State) {
	a.mu.Lock()
	changed := a.state != s
	a.state = s
	if s == StateHealthy {
		if a.startedAt.IsZero() {
			a.startedAt = time.Now()
		}
		a.backoff.RecordHealthyAt(time.Now())
	}
	if s == StateStarting || s == StateStopped {
		a.startedAt = time.Time{}
	}
	snapshot := a.metricsLocked()
	a.mu.Unlock()

	if !changed {
		return
	}

	a.callbackMu.Lock()
	cb := a.callback
	a.callbackMu.Unlock()
	if cb == nil {
		return
	}
	// Dispatched on a disposable goroutine: callbacks must not block,
	// and a slow/blocked callback is dropped rather than backing up
	// the state machine, per the spec's "may be dropped" clause.
	go cb(snapshot)
}

func (a *Adapter) metricsLocked() Metrics {
	stats := a.buf.Stats()
	var uptime time.Duration
	if !a.startedAt.IsZero() {
		uptime = time.Since(a.startedAt)
	}
	return Metrics{
		Name:                 a.cfg.Name,
		State:                a.state,
		RestartCount:         a.backoff.Attempts(),
		ConsecutiveFailures:  a.backoff.ConsecutiveFailures(),
		LastError:            a.lastError,
		LastRestartReason:    a.lastRestartReason,
		Uptime:               uptime,
		RingStats:            stats,
		RingFillFraction:     a.buf.FillFraction(),
		PeakDB:               a.window.PeakDB(),
		RMSDB:                a.window.RMSDB(),
		SamplesPerSec:        a.samplesPerSec,
		LastSampleReceivedAt: a.lastSampleAt,
		LastNonZeroSampleAt:  a.lastNonZeroAt,
		ProcessMetrics:       a.procMetrics,
		ResourceAlerts:       a.resourceAlerts,
	}
}

// recordFailure advances the backoff ladder and records err as the
// last observed failure. It does not itself change State; callers
// transition to StateFailed or StateGivingUp afterward based on
// ShouldGiveUp.
func (a *Adapter) recordFailure(err error) {
	a.mu.Lock()
	if err != nil {
		a.lastError = err.Error()
	}
	a.mu.Unlock()
	a.backoff.RecordFailure()
}

func (a *Adapter) setProc(p *decoder.Process) {
	a.mu.Lock()
	a.proc = p
	a.mu.Unlock()
}

func (a *Adapter) currentProc() *decoder.Process {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.proc
}

// touchSample records arrival of nSamples at now and folds them into
// the rolling samplesPerSec estimate, refreshed once per
// sampleRateWindow rather than on every chunk.
func (a *Adapter) touchSample(now time.Time, peakDB float64, nSamples int) {
	a.mu.Lock()
	a.lastSampleAt = now
	if peakDB > a.cfg.SilenceThresholdDB {
		a.lastNonZeroAt = now
	}
	a.rateWindowSamples += nSamples
	if a.rateWindowStart.IsZero() {
		a.rateWindowStart = now
	} else if elapsed := now.Sub(a.rateWindowStart); elapsed >= sampleRateWindow {
		a.samplesPerSec = float64(a.rateWindowSamples) / elapsed.Seconds()
		a.rateWindowSamples = 0
		a.rateWindowStart = now
		a.rateWindowDone = true
	}
	a.mu.Unlock()
}

// markSpawned records the instant a subprocess successfully started,
// so the watchdog can detect a hang during Starting (no first chunk
// ever arrives) the same way it detects a stall once Healthy.
func (a *Adapter) markSpawned(now time.Time) {
	a.mu.Lock()
	a.spawnedAt = now
	a.lastNonZeroAt = now
	a.mu.Unlock()
}

// evaluateHealth toggles between Healthy and Degraded based on
// transient conditions that do not by themselves warrant a restart:
// incrementing overruns, a silence spell shorter than the full
// silence_duration, or observed throughput below a configured fraction
// of the nominal sample rate. Escalation to Failed on watchdog timeout
// or full silence duration is the watchdog task's responsibility.
func (a *Adapter) evaluateHealth(now time.Time, peakDB float64) {
	stats := a.buf.Stats()

	a.mu.Lock()
	overrunDelta := stats.Overruns - a.lastOverruns
	a.lastOverruns = stats.Overruns
	silenceElapsed := now.Sub(a.lastNonZeroAt)
	rate := a.samplesPerSec
	rateWindowDone := a.rateWindowDone
	a.mu.Unlock()

	silentNow := peakDB <= a.cfg.SilenceThresholdDB
	minRate := float64(a.cfg.SampleRate) * a.cfg.MinThroughputFraction
	throughputLow := rateWindowDone && rate < minRate

	degraded := overrunDelta > 0 ||
		(silentNow && silenceElapsed < a.cfg.SilenceDuration) ||
		throughputLow

	if degraded {
		a.setState(StateDegraded)
	} else {
		a.setState(StateHealthy)
	}
}

// watchdogCheck reports whether the current state and timestamps
// indicate the adapter is stuck and should be force-restarted, along
// with a human-readable reason. Called by watchdogService at a
// cadence of at least watchdog_timeout/2.
func (a *Adapter) watchdogCheck(now time.Time) (restart bool, reason string) {
	a.mu.RLock()
	state := a.state
	spawnedAt := a.spawnedAt
	lastSample := a.lastSampleAt
	lastNonZero := a.lastNonZeroAt
	a.mu.RUnlock()

	if state == StateHealthy {
		a.backoff.ResetIfHealthySince(now)
	}

	if state != StateStarting && state != StateHealthy && state != StateDegraded {
		return false, ""
	}

	if state == StateStarting {
		if spawnedAt.IsZero() {
			return false, ""
		}
		if now.Sub(spawnedAt) >= a.cfg.WatchdogTimeout {
			return true, "watchdog timeout"
		}
		return false, ""
	}

	if !lastSample.IsZero() && now.Sub(lastSample) >= a.cfg.WatchdogTimeout {
		return true, "watchdog timeout"
	}
	if !lastNonZero.IsZero() && now.Sub(lastNonZero) >= a.cfg.SilenceDuration {
		return true, "silence"
	}
	return false, ""
}

// forceRestart terminates the live decoder subprocess, if any. The
// producer task observes the resulting read failure/EOF on its next
// loop iteration and drives the normal Failed/backoff/restart path —
// watchdogService never touches restart bookkeeping directly, keeping
// a single owner for the subprocess lifecycle.
func (a *Adapter) forceRestart(reason string) {
	proc := a.currentProc()
	if proc == nil {
		return
	}
	a.mu.Lock()
	a.lastRestartReason = reason
	a.mu.Unlock()
	a.cfg.Logger.Warn("source watchdog forcing restart", "source", a.cfg.Name, "reason", reason)
	proc.Stop()
}

// sampleResourceMetrics samples the live decoder subprocess's resource
// usage, if one is running, and attaches the result to the next
// Metrics() snapshot. Observational only: the outcome never feeds
// setState.
func (a *Adapter) sampleResourceMetrics() {
	proc := a.currentProc()
	if proc == nil {
		return
	}
	pid := proc.PID()
	if pid == 0 {
		return
	}

	metrics, err := a.resourceMonitor.GetMetrics(pid)
	if err != nil {
		return
	}
	alerts := a.resourceMonitor.CheckThresholds(metrics)
	for _, alert := range alerts {
		a.cfg.Logger.Warn("source resource alert", "source", a.cfg.Name,
			"resource", alert.Resource, "level", alert.Level.String(), "message", alert.Message)
	}

	a.mu.Lock()
	a.procMetrics = metrics
	a.resourceAlerts = alerts
	a.mu.Unlock()
}

// logWriter adapts a *slog.Logger to the io.Writer util.SafeGo expects
// for its panic log line.
type logWriter struct{ logger *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Error(string(p))
	return len(p), nil
}
