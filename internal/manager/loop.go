// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"strings"
	"time"

	"github.com/KR8MER/eas-station-sub008/internal/source"
)

// runFailoverLoop is the single dedicated task from spec §4.4.4: every
// tick it re-runs the selection rule if the active source stopped
// serving or stalled, checks for higher-priority preemption, then
// pumps the active adapter into the master buffer.
func (m *Manager) runFailoverLoop(ctx context.Context) {
	interval := m.managerCfg.FailoverPollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

func (m *Manager) tick(now time.Time) {
	entries := m.sortedByPriority()
	m.updateHealthyStreaks(now, entries)

	currentName := m.ActiveSource()
	var current *adapterEntry
	for _, e := range entries {
		if e.cfg.Name == currentName {
			current = e
			break
		}
	}

	if forced := m.takeForced(); forced != "" && forced != currentName {
		if target := findEntry(entries, forced); target != nil {
			m.setActive(forced, ReasonManual, "")
			m.clearStall(currentName)
			current = target
			currentName = forced
		}
	}

	serving := current != nil && current.enabled && current.adapter.State().Serving()

	if !serving {
		m.clearStall(currentName)
		best := m.selectBest()
		switch {
		case best != nil && best.cfg.Name != currentName:
			reason, note := m.deriveUnhealthyReason(current)
			m.setActive(best.cfg.Name, reason, note)
			currentName = best.cfg.Name
			current = best
		case best == nil && currentName != "" && !m.stillRetrying(current):
			// No alternative exists and the outgoing source is not
			// merely mid-restart: clear the active pointer rather than
			// staying pinned to a source that will never recover on
			// its own (GivingUp, removed, or administratively disabled).
			reason, note := m.deriveUnhealthyReason(current)
			m.setActive("", reason, note)
			currentName = ""
			current = nil
		default:
			// Sticky: current is transiently Failed/Starting with no
			// better alternative. Stay pinned to it rather than
			// bouncing active_source to None and back, so a single-
			// source crash-and-restart never produces a spurious
			// FailoverEvent (spec §8 scenario 2).
		}
	} else if current.adapter.State() == source.StateDegraded && current.adapter.Available() == 0 {
		if m.stallElapsed(currentName, now, m.managerCfg.StallWindow) {
			if best := m.selectBestExcluding(currentName); best != nil {
				m.setActive(best.cfg.Name, ReasonStall, "")
				m.clearStall(currentName)
				currentName = best.cfg.Name
				current = best
			}
		}
	} else {
		m.clearStall(currentName)
	}

	if current != nil {
		if preempted := m.checkPreemption(entries, current, now); preempted != nil && preempted.cfg.Name != currentName {
			m.setActive(preempted.cfg.Name, ReasonHigherPriorityRecovered, "")
			m.clearStall(currentName)
			currentName = preempted.cfg.Name
			current = preempted
		}
	}

	m.pump(current)
}

// checkPreemption returns the best candidate with a strictly better
// (lower) priority than current that has been continuously Healthy
// for at least preempt_hysteresis, or nil if none qualifies.
func (m *Manager) checkPreemption(entries []*adapterEntry, current *adapterEntry, now time.Time) *adapterEntry {
	hysteresis := m.managerCfg.PreemptHysteresis
	if hysteresis <= 0 {
		hysteresis = 5 * time.Second
	}

	for _, e := range entries {
		if !e.enabled || e.cfg.Priority >= current.cfg.Priority {
			continue
		}
		if e.adapter.State() != source.StateHealthy {
			continue
		}
		since := m.healthySinceFor(e.cfg.Name)
		if since.IsZero() || now.Sub(since) < hysteresis {
			continue
		}
		return e
	}
	return nil
}

func (m *Manager) updateHealthyStreaks(now time.Time, entries []*adapterEntry) {
	m.healthySinceMu.Lock()
	defer m.healthySinceMu.Unlock()
	live := make(map[string]bool, len(entries))
	for _, e := range entries {
		live[e.cfg.Name] = true
		if e.adapter.State() == source.StateHealthy {
			if _, ok := m.healthySince[e.cfg.Name]; !ok {
				m.healthySince[e.cfg.Name] = now
			}
		} else {
			delete(m.healthySince, e.cfg.Name)
		}
	}
	for name := range m.healthySince {
		if !live[name] {
			delete(m.healthySince, name)
		}
	}
}

func (m *Manager) healthySinceFor(name string) time.Time {
	m.healthySinceMu.Lock()
	defer m.healthySinceMu.Unlock()
	return m.healthySince[name]
}

func (m *Manager) stallElapsed(name string, now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	m.stallSinceMu.Lock()
	defer m.stallSinceMu.Unlock()
	since, ok := m.stallSince[name]
	if !ok {
		m.stallSince[name] = now
		return false
	}
	return now.Sub(since) >= window
}

func (m *Manager) clearStall(name string) {
	m.stallSinceMu.Lock()
	delete(m.stallSince, name)
	m.stallSinceMu.Unlock()
}

func (m *Manager) takeForced() string {
	m.forcedMu.Lock()
	defer m.forcedMu.Unlock()
	f := m.forced
	m.forced = ""
	return f
}

// deriveUnhealthyReason inspects the outgoing active adapter's last
// watchdog-forced restart reason to distinguish a silence-driven
// failover from a generic one, per spec §8 scenario 3 ("reason:
// silence").
func (m *Manager) deriveUnhealthyReason(current *adapterEntry) (reason, note string) {
	if current == nil {
		return ReasonSourceUnhealthy, ""
	}
	met := current.adapter.Metrics()
	if met.State == source.StateGivingUp {
		return ReasonGaveUp, met.LastError
	}
	if strings.Contains(strings.ToLower(met.LastRestartReason), "silence") {
		return ReasonSilence, met.LastError
	}
	return ReasonSourceUnhealthy, met.LastError
}

// stillRetrying reports whether current is transiently unserving
// (Failed or Starting) but still enabled and therefore expected to
// recover on its own via its own backoff, as opposed to a terminal or
// administratively-removed condition that warrants clearing the
// active pointer immediately.
func (m *Manager) stillRetrying(current *adapterEntry) bool {
	if current == nil || !current.enabled {
		return false
	}
	switch current.adapter.State() {
	case source.StateFailed, source.StateStarting:
		return true
	default:
		return false
	}
}

func findEntry(entries []*adapterEntry, name string) *adapterEntry {
	for _, e := range entries {
		if e.cfg.Name == name {
			return e
		}
	}
	return nil
}

// setActive updates the active pointer and appends a FailoverEvent,
// but only when the identity actually changes — per spec §8 property
// 5, Healthy<->Degraded transitions on the same source never emit one.
// The very first time any source becomes active, the reason is always
// "initial" regardless of what the caller passed, since selection may
// not resolve a source until the first tick after Start rather than
// at Start itself.
func (m *Manager) setActive(to, reason, note string) {
	m.activeMu.Lock()
	from := m.active
	if from == to {
		m.activeMu.Unlock()
		return
	}
	if !m.hasHadActive && to != "" {
		reason = ReasonInitial
		m.hasHadActive = true
	}
	m.active = to
	m.activeMu.Unlock()

	ev := FailoverEvent{Timestamp: time.Now(), From: from, To: to, Reason: reason, Note: note}

	m.historyMu.Lock()
	m.history.push(ev)
	m.historyMu.Unlock()

	m.failoverCbMu.Lock()
	cb := m.failoverCb
	m.failoverCbMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}

// pump drains up to min(master free space, active.available()) samples
// from the active adapter into the master buffer, bounded per tick by
// the scratch buffer size so one iteration can never starve others.
func (m *Manager) pump(current *adapterEntry) {
	if current == nil {
		return
	}

	free := m.master.Capacity() - m.masterConsumer.Available()
	avail := current.adapter.Available()
	n := minInt(free, avail)
	n = minInt(n, len(m.pumpBuf))
	if n <= 0 {
		return
	}

	got, ok := current.adapter.ReadSamples(m.pumpBuf[:n], n)
	if !ok || got <= 0 {
		return
	}
	m.masterProducer.Write(m.pumpBuf[:got])
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
