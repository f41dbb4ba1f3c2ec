package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestKoanfConfigLoadYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	testConfig := `
sources:
  - name: wx-stream
    kind: http
    uri: http://example.com/wx
    priority: 1
    enabled: true

manager:
  sample_rate: 22050
  source_ring_seconds: 10
  master_buffer_seconds: 5
  failover_poll_interval: 100ms
  stall_window: 500ms
  preempt_hysteresis: 5s
  failover_history_size: 256
  lock_path: /run/eas-station-sub008/manager.lock

decoder:
  binary: ffmpeg
  log_dir: /var/log/eas-station-sub008
  stop_grace: 2s
  monitor_interval: 10s

health:
  enabled: true
  addr: 127.0.0.1:9998
`
	if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Sources) != 1 || cfg.Sources[0].Name != "wx-stream" {
		t.Fatalf("Sources = %+v, want one source named wx-stream", cfg.Sources)
	}
	if cfg.Manager.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want 22050", cfg.Manager.SampleRate)
	}
	if cfg.Manager.PreemptHysteresis != 5*time.Second {
		t.Errorf("PreemptHysteresis = %v, want 5s", cfg.Manager.PreemptHysteresis)
	}
	if cfg.Health.Addr != "127.0.0.1:9998" {
		t.Errorf("Health.Addr = %q, want 127.0.0.1:9998", cfg.Health.Addr)
	}
}

func TestKoanfConfigEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	testConfig := `
manager:
  sample_rate: 22050
  source_ring_seconds: 10
  master_buffer_seconds: 5
`
	if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	t.Setenv("EASCORE_MANAGER_SAMPLE_RATE", "44100")
	t.Setenv("EASCORE_HEALTH_ADDR", "0.0.0.0:9090")

	kc, err := NewKoanfConfig(
		WithYAMLFile(configPath),
		WithEnvPrefix("EASCORE"),
	)
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Manager.SampleRate != 44100 {
		t.Errorf("SampleRate = %d, want 44100 (env override)", cfg.Manager.SampleRate)
	}
	if cfg.Health.Addr != "0.0.0.0:9090" {
		t.Errorf("Health.Addr = %q, want 0.0.0.0:9090 (env override)", cfg.Health.Addr)
	}
}

func TestKoanfConfigReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("manager:\n  sample_rate: 22050\n  source_ring_seconds: 10\n  master_buffer_seconds: 5\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	if err := os.WriteFile(configPath, []byte("manager:\n  sample_rate: 48000\n  source_ring_seconds: 10\n  master_buffer_seconds: 5\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := kc.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Manager.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000 after reload", cfg.Manager.SampleRate)
	}
}

func TestKoanfConfigWatch(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("manager:\n  sample_rate: 22050\n  source_ring_seconds: 10\n  master_buffer_seconds: 5\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	events := make(chan string, 4)
	go func() {
		_ = kc.Watch(ctx, func(event string, err error) {
			if err == nil {
				events <- event
			}
		})
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(configPath, []byte("manager:\n  sample_rate: 48000\n  source_ring_seconds: 10\n  master_buffer_seconds: 5\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not observe a config change")
	}

	cancel()
}

func TestKoanfConfigWatchRequiresFilePath(t *testing.T) {
	kc, err := NewKoanfConfig()
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	if err := kc.Watch(context.Background(), func(string, error) {}); err == nil {
		t.Error("expected error when watching without a configured file path")
	}
}

func TestKoanfConfigAccessors(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	testConfig := `
manager:
  sample_rate: 22050
  source_ring_seconds: 10
  master_buffer_seconds: 5
health:
  enabled: true
  addr: 127.0.0.1:9998
`
	if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	if got := kc.GetInt("manager.sample_rate"); got != 22050 {
		t.Errorf("GetInt(manager.sample_rate) = %d, want 22050", got)
	}
	if got := kc.GetString("health.addr"); got != "127.0.0.1:9998" {
		t.Errorf("GetString(health.addr) = %q, want 127.0.0.1:9998", got)
	}
	if got := kc.GetBool("health.enabled"); !got {
		t.Error("GetBool(health.enabled) = false, want true")
	}
	if !kc.Exists("manager.sample_rate") {
		t.Error("Exists(manager.sample_rate) = false, want true")
	}
	if kc.Exists("manager.nonexistent") {
		t.Error("Exists(manager.nonexistent) = true, want false")
	}

	all := kc.All()
	if _, ok := all["manager"]; !ok {
		t.Error("All() should contain a 'manager' key")
	}
}

func TestKoanfConfigMissingFile(t *testing.T) {
	_, err := NewKoanfConfig(WithYAMLFile(filepath.Join(t.TempDir(), "nonexistent.yaml")))
	if err == nil {
		t.Error("expected error for missing YAML file")
	}
}

func TestKoanfConfigValidatesOnLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("manager:\n  sample_rate: 0\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	if _, err := kc.Load(); err == nil {
		t.Error("expected Load() to fail validation for zero sample rate")
	}
}

func TestKoanfConfigDecoderEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	testConfig := `
manager:
  sample_rate: 22050
  source_ring_seconds: 10
  master_buffer_seconds: 5
decoder:
  binary: ffmpeg
  log_dir: /var/log/eas-station-sub008
`
	if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	t.Setenv("EASCORE_DECODER_BINARY", "/usr/local/bin/ffmpeg")

	kc, err := NewKoanfConfig(WithYAMLFile(configPath), WithEnvPrefix("EASCORE"))
	if err != nil {
		t.Fatalf("NewKoanfConfig failed: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Decoder.Binary != "/usr/local/bin/ffmpeg" {
		t.Errorf("Decoder.Binary = %q, want /usr/local/bin/ffmpeg", cfg.Decoder.Binary)
	}
}
