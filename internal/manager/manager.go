// SPDX-License-Identifier: MIT

// Package manager composes N source.Adapters and one MasterBuffer
// into a single, always-available sample stream: it runs the
// priority-and-health failover selection, pumps the active adapter
// into the master buffer, and exposes the pure-data administrative
// surface (add/remove/enable/force-failover/query) that every
// transport in internal/admincli calls through.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KR8MER/eas-station-sub008/internal/config"
	"github.com/KR8MER/eas-station-sub008/internal/decoder"
	"github.com/KR8MER/eas-station-sub008/internal/health"
	"github.com/KR8MER/eas-station-sub008/internal/lock"
	"github.com/KR8MER/eas-station-sub008/internal/ring"
	"github.com/KR8MER/eas-station-sub008/internal/source"
	"github.com/KR8MER/eas-station-sub008/internal/util"
)

// adapterEntry pairs a live adapter with the configuration it was
// built from and its insertion order, used as the tie-break in the
// priority selection rule (spec §4.4.3).
type adapterEntry struct {
	adapter  *source.Adapter
	cfg      config.SourceConfig
	enabled  bool
	addedIdx int
}

// FailoverCallback receives every FailoverEvent as it is recorded.
type FailoverCallback func(FailoverEvent)

// Manager composes a set of source.Adapters behind one MasterBuffer,
// continuously selecting the best available source by priority and
// health and draining it into the buffer the SAME decoder reads from.
//
// Grounded on internal/supervisor/supervisor.go's service-map +
// restart-loop shape, generalized from "restart on failure" to
// "select among healthy services by priority": entries replace
// serviceEntry, the failover loop replaces runServiceLoop, and Start/
// Stop mirror Supervisor.Run/shutdown's cancel-then-wait pattern.
type Manager struct {
	managerCfg config.ManagerConfig
	decoderCfg config.DecoderConfig
	logger     *slog.Logger

	mu      sync.RWMutex
	entries []*adapterEntry
	nextIdx int

	master         *ring.Buffer
	masterProducer ring.ProducerHandle
	masterConsumer ring.ConsumerHandle
	pumpBuf        []float32

	activeMu     sync.RWMutex
	active       string
	hasHadActive bool

	healthySinceMu sync.Mutex
	healthySince   map[string]time.Time

	stallSinceMu sync.Mutex
	stallSince   map[string]time.Time

	historyMu sync.Mutex
	history   *historyRing

	failoverCbMu sync.Mutex
	failoverCb   FailoverCallback

	fileLock *lock.FileLock

	forcedMu sync.Mutex
	forced   string

	lifecycleMu sync.Mutex
	started     bool
	runCtx      context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// New validates cfg and constructs a Manager and one source.Adapter
// per configured source, but does not start anything. Duplicate
// names or conflicting priorities among enabled sources fail fast
// with InvalidConfigurationError, matching spec §4.4.7.
func New(cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return &Manager{}, &InvalidConfigurationError{Reason: err.Error()}
	}

	sampleRate := cfg.Manager.SampleRate
	masterCapacity := sampleRate * cfg.Manager.MasterBufferSeconds
	master, err := ring.New(masterCapacity)
	if err != nil {
		return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("master buffer: %v", err)}
	}

	m := &Manager{
		managerCfg:     cfg.Manager,
		decoderCfg:     cfg.Decoder,
		logger:         logger,
		master:         master,
		masterProducer: master.Producer(),
		masterConsumer: master.Consumer(),
		pumpBuf:        make([]float32, sampleRate), // 1s scratch buffer, bounds per-tick drain
		healthySince:   make(map[string]time.Time),
		stallSince:     make(map[string]time.Time),
		history:        newHistoryRing(cfg.Manager.FailoverHistorySize),
	}

	for _, sc := range cfg.Sources {
		if _, err := m.buildEntry(sc); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Manager) buildEntry(sc config.SourceConfig) (*adapterEntry, error) {
	for _, e := range m.entries {
		if e.cfg.Name == sc.Name {
			return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("duplicate source name %q", sc.Name)}
		}
		if e.enabled && sc.Enabled && e.cfg.Priority == sc.Priority {
			return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("sources %q and %q share priority %d", e.cfg.Name, sc.Name, sc.Priority)}
		}
	}

	binary := m.decoderCfg.Binary
	if sc.Kind == "sdr" && binary == "ffmpeg" {
		binary = "" // let decoder.Config.setDefaults pick rtl_fm for SDR
	}

	adapter, err := source.New(source.Config{
		Name:               sc.Name,
		Priority:           sc.Priority,
		Kind:               kindFromString(sc.Kind),
		URI:                sc.URI,
		SampleRate:         m.managerCfg.SampleRate,
		Binary:             binary,
		ExtraArgs:          sc.ExtraArgs,
		LogDir:             m.decoderCfg.LogDir,
		StopGrace:          m.decoderCfg.StopGrace,
		RingSeconds:        m.managerCfg.SourceRingSeconds,
		SilenceThresholdDB: sc.SilenceThresholdDB,
		SilenceDuration:    sc.SilenceDuration,
		WatchdogTimeout:    sc.WatchdogTimeout,
		MaxRestartAttempts: sc.MaxRestartAttempts,
		MonitorInterval:    m.decoderCfg.MonitorInterval,
		Logger:             m.logger,
	})
	if err != nil {
		return nil, &InvalidConfigurationError{Reason: err.Error()}
	}

	entry := &adapterEntry{adapter: adapter, cfg: sc, enabled: sc.Enabled, addedIdx: m.nextIdx}
	m.nextIdx++
	m.entries = append(m.entries, entry)
	return entry, nil
}

func kindFromString(s string) decoder.Kind {
	switch s {
	case "sdr":
		return decoder.KindSDR
	case "line":
		return decoder.KindLineInput
	default:
		return decoder.KindHTTP
	}
}

// Start acquires the single-instance lock, starts every enabled
// adapter, chooses the initial active source, and enters the
// failover loop. Idempotent callers get ErrAlreadyStarted.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}

	lockPath := m.managerCfg.LockPath
	if lockPath == "" {
		lockPath = "/run/eas-station-sub008/manager.lock"
	}
	fl, err := lock.NewFileLock(lockPath)
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	if err := fl.AcquireContext(ctx, lock.DefaultAcquireTimeout); err != nil {
		return fmt.Errorf("manager: failed to acquire single-instance lock: %w", err)
	}
	m.fileLock = fl

	runCtx, cancel := context.WithCancel(context.Background())
	m.runCtx = runCtx
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	m.mu.RLock()
	entries := append([]*adapterEntry(nil), m.entries...)
	m.mu.RUnlock()

	for _, e := range entries {
		if !e.enabled {
			continue
		}
		if err := e.adapter.Start(runCtx); err != nil && err != source.ErrAlreadyStarted {
			m.logger.Error("failed to start source adapter", "source", e.cfg.Name, "error", err)
		}
	}

	m.selectInitial()

	done := m.done
	util.SafeGo("manager-failover-loop", logWriter{m.logger}, func() {
		m.runFailoverLoop(runCtx)
		close(done)
	}, nil)

	return nil
}

// Stop cancels the failover loop, stops every adapter, and releases
// the single-instance lock. Idempotent.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	if !m.started {
		m.lifecycleMu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	done := m.done
	fl := m.fileLock
	m.fileLock = nil
	m.runCtx = nil
	m.lifecycleMu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		m.logger.Warn("manager failover loop stop exceeded 1s bound")
	}

	m.mu.RLock()
	entries := append([]*adapterEntry(nil), m.entries...)
	m.mu.RUnlock()
	for _, e := range entries {
		e.adapter.Stop()
	}

	if fl != nil {
		if err := fl.Release(); err != nil {
			m.logger.Warn("failed to release single-instance lock", "error", err)
		}
	}

	m.activeMu.Lock()
	m.active = ""
	m.activeMu.Unlock()
}

// ReadAudio drains up to n samples from the master buffer. Returns
// (nil, false) if fewer than n samples are currently available —
// including when no source is active — never an error.
func (m *Manager) ReadAudio(n int) ([]float32, bool) {
	dst := make([]float32, n)
	got, ok := m.masterConsumer.Read(dst, n)
	if !ok {
		return nil, false
	}
	return dst[:got], true
}

// ActiveSource returns the name of the currently active source, or
// "" if no source is serving.
func (m *Manager) ActiveSource() string {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	return m.active
}

// GetSourceMetrics returns the metrics snapshot for one named source.
func (m *Manager) GetSourceMetrics(name string) (source.Metrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.cfg.Name == name {
			return e.adapter.Metrics(), true
		}
	}
	return source.Metrics{}, false
}

// GetAllMetrics returns every configured source's metrics snapshot, keyed by name.
func (m *Manager) GetAllMetrics() map[string]source.Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]source.Metrics, len(m.entries))
	for _, e := range m.entries {
		out[e.cfg.Name] = e.adapter.Metrics()
	}
	return out
}

// GetFailoverHistory returns up to limit most recent FailoverEvents,
// oldest first. limit <= 0 returns everything retained.
func (m *Manager) GetFailoverHistory(limit int) []FailoverEvent {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	return m.history.recent(limit)
}

// SetFailoverCallback installs fn to be invoked on every FailoverEvent.
// Pass nil to remove it.
func (m *Manager) SetFailoverCallback(fn FailoverCallback) {
	m.failoverCbMu.Lock()
	m.failoverCb = fn
	m.failoverCbMu.Unlock()
}

// AddSource constructs and registers a new adapter. If the manager is
// already running, the adapter is started immediately; it becomes
// eligible for selection at the next failover iteration, never
// mid-chunk.
func (m *Manager) AddSource(sc config.SourceConfig) error {
	m.mu.Lock()
	for _, e := range m.entries {
		if e.cfg.Name == sc.Name {
			m.mu.Unlock()
			return ErrSourceExists
		}
	}
	entry, err := m.buildEntry(sc)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.lifecycleMu.Lock()
	started := m.started
	runCtx := m.runCtx
	m.lifecycleMu.Unlock()

	if started && sc.Enabled && runCtx != nil {
		if err := entry.adapter.Start(runCtx); err != nil {
			m.logger.Error("failed to start newly added source", "source", sc.Name, "error", err)
		}
	}
	return nil
}

// RemoveSource stops and unregisters name. If it was active, the next
// failover iteration observes it missing and reselects.
func (m *Manager) RemoveSource(name string) error {
	m.mu.Lock()
	idx := -1
	for i, e := range m.entries {
		if e.cfg.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return ErrSourceNotFound
	}
	entry := m.entries[idx]
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	m.mu.Unlock()

	entry.adapter.Stop()
	return nil
}

// SetEnabled toggles a source's enabled flag, starting or stopping
// its adapter to match when the manager is running — mirroring
// Start's "starts every enabled adapter" rule for sources that join
// or leave after startup.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	var entry *adapterEntry
	for _, e := range m.entries {
		if e.cfg.Name == name {
			entry = e
			break
		}
	}
	if entry == nil {
		m.mu.Unlock()
		return ErrSourceNotFound
	}
	already := entry.enabled
	entry.enabled = enabled
	entry.cfg.Enabled = enabled
	m.mu.Unlock()

	m.lifecycleMu.Lock()
	started := m.started
	runCtx := m.runCtx
	m.lifecycleMu.Unlock()

	if !started || already == enabled {
		return nil
	}
	if enabled {
		if err := entry.adapter.Start(runCtx); err != nil {
			m.logger.Error("failed to start source on enable", "source", name, "error", err)
		}
	} else {
		entry.adapter.Stop()
	}
	return nil
}

// ForceFailover records an administrative override, switched to at
// the start of the next failover iteration with reason "manual".
func (m *Manager) ForceFailover(name string) error {
	m.mu.RLock()
	found := false
	for _, e := range m.entries {
		if e.cfg.Name == name {
			found = true
			break
		}
	}
	m.mu.RUnlock()
	if !found {
		return ErrSourceNotFound
	}

	m.forcedMu.Lock()
	m.forced = name
	m.forcedMu.Unlock()
	return nil
}

// Sources implements part of health.StatusProvider over the manager's
// live state, adapted from the teacher's health.Handler wiring.
func (m *Manager) Sources() []health.SourceInfo {
	m.mu.RLock()
	entries := append([]*adapterEntry(nil), m.entries...)
	m.mu.RUnlock()

	active := m.ActiveSource()
	out := make([]health.SourceInfo, 0, len(entries))
	for _, e := range entries {
		met := e.adapter.Metrics()
		out = append(out, health.SourceInfo{
			Name:             met.Name,
			State:            strings.ToLower(met.State.String()),
			Active:           met.Name == active,
			Uptime:           met.Uptime,
			Healthy:          met.State.Serving(),
			LastError:        met.LastError,
			RestartCount:     met.RestartCount,
			ConsecutiveFails: met.ConsecutiveFailures,
			RingFillFraction: met.RingFillFraction,
			Overruns:         met.RingStats.Overruns,
			Underruns:        met.RingStats.Underruns,
			PeakDB:           met.PeakDB,
			RMSDB:            met.RMSDB,
			SamplesPerSec:    met.SamplesPerSec,
			ResourceAlerts:   len(met.ResourceAlerts),
		})
	}
	return out
}

func (m *Manager) RecentFailovers(limit int) []health.FailoverInfo {
	events := m.GetFailoverHistory(limit)
	out := make([]health.FailoverInfo, len(events))
	for i, ev := range events {
		out[i] = health.FailoverInfo{Timestamp: ev.Timestamp, From: ev.From, To: ev.To, Reason: ev.Reason, Note: ev.Note}
	}
	return out
}

func (m *Manager) sortedByPriority() []*adapterEntry {
	m.mu.RLock()
	entries := append([]*adapterEntry(nil), m.entries...)
	m.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].cfg.Priority != entries[j].cfg.Priority {
			return entries[i].cfg.Priority < entries[j].cfg.Priority
		}
		return entries[i].addedIdx < entries[j].addedIdx
	})
	return entries
}

// selectBest applies spec §4.4.3: among enabled adapters in Healthy
// or Degraded, the lowest priority number wins; ties break by add
// order (sortedByPriority already returns that order).
func (m *Manager) selectBest() *adapterEntry {
	for _, e := range m.sortedByPriority() {
		if !e.enabled {
			continue
		}
		if e.adapter.State().Serving() {
			return e
		}
	}
	return nil
}

// selectBestExcluding applies the same rule as selectBest but treats
// the named source as ineligible, used by the stall check (spec
// §4.4.4 step 2) to force consideration of an alternative even though
// the stalled source is nominally still Degraded/serving.
func (m *Manager) selectBestExcluding(exclude string) *adapterEntry {
	for _, e := range m.sortedByPriority() {
		if !e.enabled || e.cfg.Name == exclude {
			continue
		}
		if e.adapter.State().Serving() {
			return e
		}
	}
	return nil
}

func (m *Manager) selectInitial() {
	best := m.selectBest()
	to := ""
	if best != nil {
		to = best.cfg.Name
	}
	m.setActive(to, ReasonInitial, "")
}

// logWriter adapts a *slog.Logger to the io.Writer util.SafeGo expects.
type logWriter struct{ logger *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Error(string(p))
	return len(p), nil
}
