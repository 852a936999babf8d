package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
ramrod:
  node:
    hostname: nic-host-01
  control:
    socket: /tmp/ramrod-test.sock
    pid_file: /tmp/ramrod-test.pid
  log:
    level: debug
    format: text
  device:
    chip: e1x
    path: 1
    port: 1
    func_id: 3
    func_num: 2
    num_queues: 8
    max_cos: 3
    mcast_exact: true
    wait:
      retries: 100
      interval: 2ms
    firmware:
      mode: hold
      completion_delay: 5ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Node.Hostname != "nic-host-01" {
		t.Errorf("Expected hostname nic-host-01, got %s", cfg.Node.Hostname)
	}
	if cfg.Control.PIDFile != "/tmp/ramrod-test.pid" {
		t.Errorf("Expected PIDFile /tmp/ramrod-test.pid, got %s", cfg.Control.PIDFile)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Unexpected log config: %+v", cfg.Log)
	}
	d := cfg.Device
	if d.Chip != "e1x" || d.Path != 1 || d.Port != 1 || d.FuncID != 3 || d.FuncNum != 2 {
		t.Errorf("Unexpected device identity: %+v", d)
	}
	if d.NumQueues != 8 || d.MaxCos != 3 || !d.McastExact {
		t.Errorf("Unexpected device sizing: %+v", d)
	}
	if d.Wait.Retries != 100 || d.Wait.Interval != 2*time.Millisecond || d.Wait.SlowFactor != 1 {
		t.Errorf("Unexpected wait config: %+v", d.Wait)
	}
	if d.Firmware.Mode != "hold" || d.Firmware.CompletionDelay != 5*time.Millisecond {
		t.Errorf("Unexpected firmware config: %+v", d.Firmware)
	}
	if d.RxMode != "normal" {
		t.Errorf("Expected default rx mode normal, got %s", d.RxMode)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
ramrod:
  node:
    hostname: defaults
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Control.PIDFile != "/var/run/ramrod.pid" {
		t.Errorf("Expected default PIDFile /var/run/ramrod.pid, got %s", cfg.Control.PIDFile)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Unexpected default log config: %+v", cfg.Log)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Expected metrics enabled by default")
	}
	if cfg.CommandChannel.CommandTTL != 5*time.Minute {
		t.Errorf("Expected command TTL 5m, got %s", cfg.CommandChannel.CommandTTL)
	}
	if cfg.Snapshot.Dir != filepath.Join("/var/lib/ramrod", "snapshots") {
		t.Errorf("Unexpected snapshot dir: %s", cfg.Snapshot.Dir)
	}
	if cfg.Device.Chip != "e2" || cfg.Device.NumQueues != 4 || cfg.Device.MaxCos != 1 {
		t.Errorf("Unexpected default device: %+v", cfg.Device)
	}
	if cfg.Device.Wait.Retries != 5000 || cfg.Device.Wait.Interval != time.Millisecond {
		t.Errorf("Unexpected default wait: %+v", cfg.Device.Wait)
	}
	if cfg.Device.EventBus.Partitions != 4 || cfg.Device.EventBus.QueueSize != 1024 {
		t.Errorf("Unexpected default event bus: %+v", cfg.Device.EventBus)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"log level", "ramrod:\n  log:\n    level: verbose\n", "invalid log level"},
		{"log format", "ramrod:\n  log:\n    format: xml\n", "invalid log format"},
		{"chip", "ramrod:\n  device:\n    chip: e3\n", "invalid device.chip"},
		{"max cos", "ramrod:\n  device:\n    max_cos: 4\n", "invalid device.max_cos"},
		{"queues", "ramrod:\n  device:\n    num_queues: 0\n", "num_queues"},
		{"rx mode", "ramrod:\n  device:\n    rx_mode: sniff\n", "invalid device.rx_mode"},
		{"firmware mode", "ramrod:\n  device:\n    firmware:\n      mode: replay\n", "invalid device.firmware.mode"},
		{"command channel", "ramrod:\n  command_channel:\n    enabled: true\n", "brokers is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadKafkaInheritance(t *testing.T) {
	path := writeConfig(t, `
ramrod:
  node:
    hostname: edge-7
  kafka:
    brokers: ["k1:9092", "k2:9092"]
  command_channel:
    enabled: true
    kafka:
      topic: nic-commands
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.CommandChannel.Kafka.Brokers) != 2 {
		t.Errorf("Expected inherited brokers, got %v", cfg.CommandChannel.Kafka.Brokers)
	}
	if cfg.CommandChannel.Kafka.GroupID != "ramrod-edge-7" {
		t.Errorf("Expected group id ramrod-edge-7, got %s", cfg.CommandChannel.Kafka.GroupID)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "ramrod:\n  log:\n    level: info\n")
	t.Setenv("RAMROD_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug from env var, got %s", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
