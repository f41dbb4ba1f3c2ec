// SPDX-License-Identifier: MIT

package manager

import (
	"testing"
	"time"

	"github.com/KR8MER/eas-station-sub008/internal/config"
)

func testConfig(sources ...config.SourceConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Manager.SampleRate = 1000
	cfg.Manager.SourceRingSeconds = 1
	cfg.Manager.MasterBufferSeconds = 1
	cfg.Decoder.Binary = "/nonexistent/eas-test-decoder-binary"
	cfg.Sources = sources
	return cfg
}

func src(name string, priority int) config.SourceConfig {
	return config.SourceConfig{
		Name:     name,
		Kind:     "http",
		URI:      "http://example.invalid/" + name,
		Priority: priority,
		Enabled:  true,
	}
}

func TestNewRejectsDuplicateSourceName(t *testing.T) {
	_, err := New(testConfig(src("a", 1), src("a", 2)), nil)
	if err == nil {
		t.Fatal("New() with duplicate source names should error")
	}
}

func TestNewRejectsPriorityCollisionAmongEnabled(t *testing.T) {
	_, err := New(testConfig(src("a", 1), src("b", 1)), nil)
	if err == nil {
		t.Fatal("New() with colliding priorities among enabled sources should error")
	}
}

func TestNewAllowsPriorityCollisionWhenOneDisabled(t *testing.T) {
	b := src("b", 1)
	b.Enabled = false
	_, err := New(testConfig(src("a", 1), b), nil)
	if err != nil {
		t.Fatalf("New() error = %v, want nil (disabled source should not collide)", err)
	}
}

func TestNewConstructsOneEntryPerSource(t *testing.T) {
	m, err := New(testConfig(src("a", 1), src("b", 2)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(m.entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(m.entries))
	}
}

func TestSortedByPriorityOrdersAscendingThenByAddOrder(t *testing.T) {
	m, err := New(testConfig(src("low", 5), src("high", 1), src("mid-first", 3), src("mid-second", 3)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := m.sortedByPriority()
	want := []string{"high", "mid-first", "mid-second", "low"}
	if len(got) != len(want) {
		t.Fatalf("len(sortedByPriority()) = %d, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.cfg.Name != want[i] {
			t.Errorf("sortedByPriority()[%d].cfg.Name = %q, want %q", i, e.cfg.Name, want[i])
		}
	}
}

func TestSelectBestNilWhenNoneServing(t *testing.T) {
	m, err := New(testConfig(src("a", 1), src("b", 2)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// Neither adapter was ever started, so both sit in StateStopped,
	// which Serving() reports false for.
	if got := m.selectBest(); got != nil {
		t.Errorf("selectBest() = %v, want nil", got)
	}
}

func TestSelectBestSkipsDisabledEvenIfServing(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.entries[0].enabled = false
	if got := m.selectBest(); got != nil {
		t.Errorf("selectBest() = %v, want nil for disabled-only entry", got)
	}
}

func TestSelectBestExcludingSkipsNamedEntryOnly(t *testing.T) {
	m, err := New(testConfig(src("a", 1), src("b", 2)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// Still all Stopped/not-serving, so excluding "a" changes nothing
	// about the (nil) result, but must not panic or skip "b" by mistake.
	if got := m.selectBestExcluding("a"); got != nil {
		t.Errorf("selectBestExcluding(a) = %v, want nil", got)
	}
}

func TestGetFailoverHistoryEmptyInitially(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := m.GetFailoverHistory(0); len(got) != 0 {
		t.Errorf("GetFailoverHistory(0) = %v, want empty", got)
	}
}

func TestSetActiveNoopWhenIdentityUnchanged(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.setActive("", ReasonSourceUnhealthy, "")
	if got := m.GetFailoverHistory(0); len(got) != 0 {
		t.Errorf("setActive(\"\",...) from initial \"\" should be a no-op, history = %v", got)
	}
}

func TestSetActiveFirstTransitionForcesReasonInitial(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// Caller passes a reason other than "initial" — the very first
	// transition away from "" must still be recorded as "initial".
	m.setActive("a", ReasonSourceUnhealthy, "")

	hist := m.GetFailoverHistory(0)
	if len(hist) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(hist))
	}
	if hist[0].Reason != ReasonInitial {
		t.Errorf("first activation Reason = %q, want %q", hist[0].Reason, ReasonInitial)
	}
	if hist[0].To != "a" || hist[0].From != "" {
		t.Errorf("first activation From/To = %q/%q, want \"\"/\"a\"", hist[0].From, hist[0].To)
	}
	if m.ActiveSource() != "a" {
		t.Errorf("ActiveSource() = %q, want %q", m.ActiveSource(), "a")
	}
}

func TestSetActiveSubsequentTransitionsKeepCallerReason(t *testing.T) {
	m, err := New(testConfig(src("a", 1), src("b", 2)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.setActive("a", ReasonSourceUnhealthy, "") // forced to "initial"
	m.setActive("b", ReasonStall, "ring drained")

	hist := m.GetFailoverHistory(0)
	if len(hist) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(hist))
	}
	if hist[1].Reason != ReasonStall || hist[1].From != "a" || hist[1].To != "b" || hist[1].Note != "ring drained" {
		t.Errorf("second event = %+v, want {From:a To:b Reason:%s Note:\"ring drained\"}", hist[1], ReasonStall)
	}
}

func TestSetActiveInvokesCallback(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	done := make(chan FailoverEvent, 1)
	m.SetFailoverCallback(func(ev FailoverEvent) { done <- ev })
	m.setActive("a", ReasonManual, "")

	select {
	case ev := <-done:
		if ev.To != "a" {
			t.Errorf("callback event.To = %q, want %q", ev.To, "a")
		}
	case <-time.After(time.Second):
		t.Fatal("failover callback was not invoked")
	}
}

func TestStillRetryingFalseForNilOrDisabled(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if m.stillRetrying(nil) {
		t.Error("stillRetrying(nil) = true, want false")
	}
	entry := m.entries[0]
	entry.enabled = false
	if m.stillRetrying(entry) {
		t.Error("stillRetrying(disabled entry) = true, want false")
	}
}

func TestStillRetryingFalseForStoppedState(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// A never-started adapter sits in StateStopped, which is neither
	// Failed nor Starting, so it is not "still retrying" — it is
	// treated as terminal for the purpose of clearing the active
	// pointer when no alternative exists.
	if m.stillRetrying(m.entries[0]) {
		t.Error("stillRetrying(stopped entry) = true, want false")
	}
}

func TestTickClearsActiveWhenPinnedSourceHasNoAlternative(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// Simulate "a" having been active (e.g. it crashed out from under
	// the manager) while never actually serving.
	m.active = "a"
	m.hasHadActive = true

	m.tick(time.Now())

	if got := m.ActiveSource(); got != "" {
		t.Errorf("ActiveSource() after tick = %q, want \"\" (no alternative, not retrying)", got)
	}
	hist := m.GetFailoverHistory(0)
	if len(hist) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(hist))
	}
	if hist[0].Reason != ReasonSourceUnhealthy {
		t.Errorf("clear-active Reason = %q, want %q", hist[0].Reason, ReasonSourceUnhealthy)
	}
}

func TestTickLeavesInactiveManagerInactive(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.tick(time.Now())
	if got := m.ActiveSource(); got != "" {
		t.Errorf("ActiveSource() = %q, want \"\"", got)
	}
	if got := m.GetFailoverHistory(0); len(got) != 0 {
		t.Errorf("history = %v, want empty (no activation ever occurred)", got)
	}
}

func TestForceFailoverUnknownSourceErrors(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.ForceFailover("missing"); err != ErrSourceNotFound {
		t.Errorf("ForceFailover(missing) error = %v, want ErrSourceNotFound", err)
	}
}

func TestForceFailoverRecordsPendingSwitch(t *testing.T) {
	m, err := New(testConfig(src("a", 1), src("b", 2)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.ForceFailover("b"); err != nil {
		t.Fatalf("ForceFailover(b) error = %v", err)
	}
	if got := m.takeForced(); got != "b" {
		t.Errorf("takeForced() = %q, want %q", got, "b")
	}
	// Consumed exactly once.
	if got := m.takeForced(); got != "" {
		t.Errorf("second takeForced() = %q, want \"\"", got)
	}
}

func TestAddSourceRejectsExistingName(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.AddSource(src("a", 2)); err != ErrSourceExists {
		t.Errorf("AddSource(existing name) error = %v, want ErrSourceExists", err)
	}
}

func TestAddSourceBeforeStartDoesNotStartAdapter(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.AddSource(src("b", 2)); err != nil {
		t.Fatalf("AddSource(b) error = %v", err)
	}
	if len(m.entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(m.entries))
	}
}

func TestRemoveSourceUnknownErrors(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.RemoveSource("missing"); err != ErrSourceNotFound {
		t.Errorf("RemoveSource(missing) error = %v, want ErrSourceNotFound", err)
	}
}

func TestRemoveSourceDropsEntry(t *testing.T) {
	m, err := New(testConfig(src("a", 1), src("b", 2)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.RemoveSource("a"); err != nil {
		t.Fatalf("RemoveSource(a) error = %v", err)
	}
	if len(m.entries) != 1 || m.entries[0].cfg.Name != "b" {
		t.Errorf("entries after removal = %+v, want only %q", m.entries, "b")
	}
}

func TestSetEnabledUnknownErrors(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.SetEnabled("missing", false); err != ErrSourceNotFound {
		t.Errorf("SetEnabled(missing) error = %v, want ErrSourceNotFound", err)
	}
}

func TestSetEnabledBeforeStartOnlyFlipsFlag(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.SetEnabled("a", false); err != nil {
		t.Fatalf("SetEnabled(a, false) error = %v", err)
	}
	if m.entries[0].enabled {
		t.Error("entries[0].enabled = true, want false")
	}
	if m.entries[0].cfg.Enabled {
		t.Error("entries[0].cfg.Enabled = true, want false")
	}
}

func TestSourcesReportsActiveFlag(t *testing.T) {
	m, err := New(testConfig(src("a", 1), src("b", 2)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.setActive("a", ReasonManual, "")

	infos := m.Sources()
	if len(infos) != 2 {
		t.Fatalf("len(Sources()) = %d, want 2", len(infos))
	}
	for _, si := range infos {
		want := si.Name == "a"
		if si.Active != want {
			t.Errorf("Sources() entry %q Active = %v, want %v", si.Name, si.Active, want)
		}
	}
}

func TestRecentFailoversMapsFromHistory(t *testing.T) {
	m, err := New(testConfig(src("a", 1)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.setActive("a", ReasonManual, "")

	infos := m.RecentFailovers(0)
	if len(infos) != 1 {
		t.Fatalf("len(RecentFailovers(0)) = %d, want 1", len(infos))
	}
	if infos[0].To != "a" || infos[0].Reason != ReasonInitial {
		t.Errorf("RecentFailovers(0)[0] = %+v, want To=a Reason=%s", infos[0], ReasonInitial)
	}
}
