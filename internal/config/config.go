// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `ramrod:` root key in YAML.
type GlobalConfig struct {
	Node           NodeConfig           `mapstructure:"node"`
	Control        ControlConfig        `mapstructure:"control"`
	Kafka          GlobalKafkaConfig    `mapstructure:"kafka"`
	CommandChannel CommandChannelConfig `mapstructure:"command_channel"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Log            LogConfig            `mapstructure:"log"`
	DataDir        string               `mapstructure:"data_dir"`
	Snapshot       SnapshotConfig       `mapstructure:"snapshot"`
	Device         DeviceConfig         `mapstructure:"device"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	Hostname string            `mapstructure:"hostname"` // Empty = os.Hostname()
	Tags     map[string]string `mapstructure:"tags"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Kafka ───

// GlobalKafkaConfig provides shared Kafka connection defaults.
// command_channel.kafka inherits from here when its fields are zero.
type GlobalKafkaConfig struct {
	Brokers []string   `mapstructure:"brokers"`
	SASL    SASLConfig `mapstructure:"sasl"`
	TLS     TLSConfig  `mapstructure:"tls"`
}

// SASLConfig contains SASL authentication settings.
type SASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"` // PLAIN | SCRAM-SHA-256 | SCRAM-SHA-512
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// TLSConfig contains TLS settings.
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CACert             string `mapstructure:"ca_cert"`
	ClientCert         string `mapstructure:"client_cert"`
	ClientKey          string `mapstructure:"client_key"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ─── Command Channel ───

// CommandChannelConfig configures the remote command channel.
type CommandChannelConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Type       string             `mapstructure:"type"` // "kafka"
	Kafka      CommandKafkaConfig `mapstructure:"kafka"`
	CommandTTL time.Duration      `mapstructure:"command_ttl"`
}

// CommandKafkaConfig contains Kafka-specific command channel settings.
type CommandKafkaConfig struct {
	Brokers         []string   `mapstructure:"brokers"`
	Topic           string     `mapstructure:"topic"`
	ResponseTopic   string     `mapstructure:"response_topic"` // empty = responses not published
	GroupID         string     `mapstructure:"group_id"`
	AutoOffsetReset string     `mapstructure:"auto_offset_reset"`
	SASL            SASLConfig `mapstructure:"sasl"`
	TLS             TLSConfig  `mapstructure:"tls"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Snapshot ───

// SnapshotConfig controls persistence of classification registries.
type SnapshotConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"` // Empty = <data_dir>/snapshots
}

// ─── Device ───

// DeviceConfig describes the PCI function driven by the daemon.
type DeviceConfig struct {
	Chip       string         `mapstructure:"chip"` // e1x | e2
	Path       int            `mapstructure:"path"`
	Port       int            `mapstructure:"port"`
	FuncID     int            `mapstructure:"func_id"`
	FuncNum    int            `mapstructure:"func_num"`
	NumQueues  int            `mapstructure:"num_queues"`
	MaxCos     int            `mapstructure:"max_cos"`
	MACCredit  int            `mapstructure:"mac_credit"`  // 0 = chip default
	VLANCredit int            `mapstructure:"vlan_credit"` // 0 = chip default
	McastExact bool           `mapstructure:"mcast_exact"`
	RxMode     string         `mapstructure:"rx_mode"` // applied on load
	Wait       WaitConfig     `mapstructure:"wait"`
	EventBus   EventBusConfig `mapstructure:"event_bus"`
	Firmware   FirmwareConfig `mapstructure:"firmware"`
}

// WaitConfig bounds completion waits.
type WaitConfig struct {
	Retries    int           `mapstructure:"retries"`
	Interval   time.Duration `mapstructure:"interval"`
	SlowFactor int           `mapstructure:"slow_factor"`
}

// EventBusConfig sizes the completion dispatcher.
type EventBusConfig struct {
	Partitions int `mapstructure:"partitions"`
	QueueSize  int `mapstructure:"queue_size"`
}

// FirmwareConfig configures the simulated device.
type FirmwareConfig struct {
	Mode            string        `mapstructure:"mode"` // auto | hold
	CompletionDelay time.Duration `mapstructure:"completion_delay"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `ramrod: ...`.
type configRoot struct {
	Ramrod GlobalConfig `mapstructure:"ramrod"`
}

// Load loads configuration from file.
// The YAML file uses `ramrod:` as root key; env vars use the RAMROD_ prefix
// (e.g. RAMROD_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `ramrod.` key prefix maps to `RAMROD_` through the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Ramrod

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "ramrod." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("ramrod.control.pid_file", "/var/run/ramrod.pid")
	v.SetDefault("ramrod.control.socket", "/var/run/ramrod.sock")

	// Log defaults
	v.SetDefault("ramrod.log.level", "info")
	v.SetDefault("ramrod.log.format", "json")
	v.SetDefault("ramrod.log.outputs.file.enabled", false)
	v.SetDefault("ramrod.log.outputs.file.path", "/var/log/ramrod/ramrod.log")
	v.SetDefault("ramrod.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("ramrod.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("ramrod.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("ramrod.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("ramrod.metrics.enabled", true)
	v.SetDefault("ramrod.metrics.listen", ":9092")
	v.SetDefault("ramrod.metrics.path", "/metrics")

	// Command channel defaults
	v.SetDefault("ramrod.command_channel.enabled", false)
	v.SetDefault("ramrod.command_channel.type", "kafka")
	v.SetDefault("ramrod.command_channel.kafka.auto_offset_reset", "latest")
	v.SetDefault("ramrod.command_channel.command_ttl", "5m")

	// Persistence defaults
	v.SetDefault("ramrod.data_dir", "/var/lib/ramrod")
	v.SetDefault("ramrod.snapshot.enabled", true)

	// Device defaults
	v.SetDefault("ramrod.device.chip", "e2")
	v.SetDefault("ramrod.device.func_num", 1)
	v.SetDefault("ramrod.device.num_queues", 4)
	v.SetDefault("ramrod.device.max_cos", 1)
	v.SetDefault("ramrod.device.rx_mode", "normal")
	v.SetDefault("ramrod.device.wait.retries", 5000)
	v.SetDefault("ramrod.device.wait.interval", "1ms")
	v.SetDefault("ramrod.device.wait.slow_factor", 1)
	v.SetDefault("ramrod.device.event_bus.partitions", 4)
	v.SetDefault("ramrod.device.event_bus.queue_size", 1024)
	v.SetDefault("ramrod.device.firmware.mode", "auto")
	v.SetDefault("ramrod.device.firmware.completion_delay", "0s")
	v.SetDefault("ramrod.device.firmware.queue_size", 256)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	if err := cfg.Log.Validate(); err != nil {
		return err
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Kafka inheritance ──
	applyKafkaInheritance(cfg)

	// ── Command channel validation ──
	if cfg.CommandChannel.Enabled {
		if cfg.CommandChannel.Type != "kafka" {
			return fmt.Errorf("unsupported command_channel.type: %s (only 'kafka' supported)", cfg.CommandChannel.Type)
		}
		if len(cfg.CommandChannel.Kafka.Brokers) == 0 {
			return fmt.Errorf("command_channel.kafka.brokers is required when command_channel.enabled=true")
		}
		if cfg.CommandChannel.Kafka.Topic == "" {
			return fmt.Errorf("command_channel.kafka.topic is required when command_channel.enabled=true")
		}
		if cfg.CommandChannel.Kafka.GroupID == "" {
			cfg.CommandChannel.Kafka.GroupID = "ramrod-" + cfg.Node.Hostname
		}
	}

	// ── Snapshot directory ──
	if cfg.Snapshot.Dir == "" && cfg.DataDir != "" {
		cfg.Snapshot.Dir = filepath.Join(cfg.DataDir, "snapshots")
	}

	// ── Device ──
	return cfg.Device.Validate()
}

// Validate checks level and format.
func (l LogConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", l.Level)
	}
	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", l.Format)
	}
	return nil
}

// Validate checks the device profile and fills zero sizes.
func (d *DeviceConfig) Validate() error {
	switch d.Chip {
	case "e1x", "e2":
	default:
		return fmt.Errorf("invalid device.chip: %q (must be e1x/e2)", d.Chip)
	}
	if d.FuncNum <= 0 {
		d.FuncNum = 1
	}
	if d.FuncID < 0 || d.FuncID >= 8 {
		return fmt.Errorf("invalid device.func_id: %d (must be 0..7)", d.FuncID)
	}
	if d.Path < 0 || d.Path > 1 || d.Port < 0 || d.Port > 1 {
		return fmt.Errorf("invalid device.path/port: %d/%d (must be 0 or 1)", d.Path, d.Port)
	}
	if d.NumQueues <= 0 {
		return fmt.Errorf("device.num_queues must be positive, got %d", d.NumQueues)
	}
	if d.MaxCos < 1 || d.MaxCos > 3 {
		return fmt.Errorf("invalid device.max_cos: %d (must be 1..3)", d.MaxCos)
	}
	if d.MACCredit < 0 || d.VLANCredit < 0 {
		return fmt.Errorf("device credits must not be negative")
	}
	switch d.RxMode {
	case "":
		d.RxMode = "normal"
	case "none", "normal", "allmulti", "promisc":
	default:
		return fmt.Errorf("invalid device.rx_mode: %q", d.RxMode)
	}
	if d.Wait.Retries <= 0 {
		d.Wait.Retries = 5000
	}
	if d.Wait.Interval <= 0 {
		return fmt.Errorf("device.wait.interval must be positive, got %s", d.Wait.Interval)
	}
	if d.Wait.SlowFactor <= 0 {
		d.Wait.SlowFactor = 1
	}
	if d.EventBus.Partitions <= 0 {
		d.EventBus.Partitions = 1
	}
	if d.EventBus.QueueSize <= 0 {
		d.EventBus.QueueSize = 1024
	}
	switch d.Firmware.Mode {
	case "":
		d.Firmware.Mode = "auto"
	case "auto", "hold":
	default:
		return fmt.Errorf("invalid device.firmware.mode: %q (must be auto/hold)", d.Firmware.Mode)
	}
	if d.Firmware.CompletionDelay < 0 {
		return fmt.Errorf("device.firmware.completion_delay must not be negative")
	}
	return nil
}

// applyKafkaInheritance copies global kafka settings into command_channel.kafka
// where the local fields are empty.
func applyKafkaInheritance(cfg *GlobalConfig) {
	global := &cfg.Kafka
	cc := &cfg.CommandChannel.Kafka
	if len(cc.Brokers) == 0 {
		cc.Brokers = global.Brokers
	}
	if !cc.SASL.Enabled && global.SASL.Enabled {
		cc.SASL = global.SASL
	}
	if !cc.TLS.Enabled && global.TLS.Enabled {
		cc.TLS = global.TLS
	}
}
