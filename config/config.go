package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Meshmon MeshmonConfig `yaml:"meshmon"`
}

// MeshmonConfig is the project configuration.
type MeshmonConfig struct {
	Topology  TopologyConfig  `yaml:"topology"`
	Probe     ProbeConfig     `yaml:"probe"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Grace     GraceConfig     `yaml:"grace"`
	Policy    PolicyConfig    `yaml:"policy"`
	Storage   StorageConfig   `yaml:"storage"`
	Samples   SamplesConfig   `yaml:"samples"`
	Events    EventsConfig    `yaml:"events"`
	Rules     RulesConfig     `yaml:"rules"`
	Notices   NoticesConfig   `yaml:"notices"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TopologyConfig controls the routing daemon source.
type TopologyConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProbeConfig controls reachability probing.
type ProbeConfig struct {
	Binary         string        `yaml:"binary"`
	Count          int           `yaml:"count"`
	DefaultSize    int           `yaml:"default_size"`
	AlternateSizes []int         `yaml:"alternate_sizes"`
	Timeout        time.Duration `yaml:"timeout"`
}

// TelemetryConfig controls per-node telemetry fetches.
type TelemetryConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// PipelineConfig controls cycle scheduling and the worker pool.
type PipelineConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Workers     int           `yaml:"workers"`
	PoolEnabled *bool         `yaml:"pool_enabled"`
}

// GraceConfig holds the expiry and suppression timers.
type GraceConfig struct {
	ClientExpiry     time.Duration `yaml:"client_expiry"`
	EventResend      time.Duration `yaml:"event_resend"`
	StuckRenumber    time.Duration `yaml:"stuck_renumber"`
	LinkExpiry       time.Duration `yaml:"link_expiry"`
	PackageRefresh   time.Duration `yaml:"package_refresh"`
	AdjacencyMinimum time.Duration `yaml:"adjacency_minimum"`
	EventRetention   time.Duration `yaml:"event_retention"`
}

// PolicyConfig holds network-wide reconciliation policy.
type PolicyConfig struct {
	ReservedHosts *int     `yaml:"reserved_hosts"`
	LossThreshold int64    `yaml:"loss_threshold"`
	BorderRouters []string `yaml:"border_routers"`
}

// StorageConfig selects the registry backend.
type StorageConfig struct {
	Mode  string      `yaml:"mode"` // memory|redis
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig controls Redis access.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SamplesConfig controls the time-series sink.
type SamplesConfig struct {
	Mode          string                 `yaml:"mode"` // file|clickhouse
	BatchSize     int                    `yaml:"batch_size"`
	FlushInterval time.Duration          `yaml:"flush_interval"`
	File          FileOutputConfig       `yaml:"file"`
	ClickHouse    ClickHouseOutputConfig `yaml:"clickhouse"`
}

// EventsConfig controls the operator event sink.
type EventsConfig struct {
	Mode string           `yaml:"mode"` // file|http
	File FileOutputConfig `yaml:"file"`
	HTTP HTTPOutputConfig `yaml:"http"`
}

// RulesConfig controls operator telemetry rules.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// NoticesConfig controls the renumber notice queue.
type NoticesConfig struct {
	Enabled bool        `yaml:"enabled"`
	Key     string      `yaml:"key"`
	Redis   RedisConfig `yaml:"redis"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// PoolEnabledOrDefault reports whether Phase B runs on the worker pool.
func (p PipelineConfig) PoolEnabledOrDefault() bool {
	if p.PoolEnabled == nil {
		return true
	}
	return *p.PoolEnabled
}

// ReservedHostsOrDefault returns the number of addresses per subnet kept
// out of the DHCP pool. Unset means 2; zero is honored.
func (p PolicyConfig) ReservedHostsOrDefault() int {
	if p.ReservedHosts == nil {
		return 2
	}
	return *p.ReservedHosts
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	m := &cfg.Meshmon

	if m.Topology.Host == "" {
		m.Topology.Host = "127.0.0.1"
	}
	if m.Topology.Port == 0 {
		m.Topology.Port = 9090
	}
	if m.Topology.Timeout <= 0 {
		m.Topology.Timeout = 10 * time.Second
	}

	if m.Probe.Binary == "" {
		m.Probe.Binary = "fping"
	}
	if m.Probe.Count <= 0 {
		m.Probe.Count = 4
	}
	if m.Probe.DefaultSize <= 0 {
		m.Probe.DefaultSize = 100
	}
	if len(m.Probe.AlternateSizes) == 0 {
		m.Probe.AlternateSizes = []int{500, 1000, 1480}
	}
	if m.Probe.Timeout <= 0 {
		m.Probe.Timeout = 60 * time.Second
	}

	if m.Telemetry.Path == "" {
		m.Telemetry.Path = "/cgi-bin/nodewatcher"
	}
	if m.Telemetry.Timeout <= 0 {
		m.Telemetry.Timeout = 5 * time.Second
	}

	if m.Pipeline.Interval <= 0 {
		m.Pipeline.Interval = 5 * time.Minute
	}
	if m.Pipeline.Workers <= 0 {
		m.Pipeline.Workers = 8
	}

	if m.Grace.ClientExpiry <= 0 {
		m.Grace.ClientExpiry = 15 * time.Minute
	}
	if m.Grace.EventResend <= 0 {
		m.Grace.EventResend = 30 * time.Minute
	}
	if m.Grace.StuckRenumber <= 0 {
		m.Grace.StuckRenumber = 7 * 24 * time.Hour
	}
	if m.Grace.LinkExpiry <= 0 {
		m.Grace.LinkExpiry = 7 * 24 * time.Hour
	}
	if m.Grace.PackageRefresh <= 0 {
		m.Grace.PackageRefresh = time.Hour
	}
	if m.Grace.AdjacencyMinimum <= 0 {
		m.Grace.AdjacencyMinimum = 24 * time.Hour
	}
	if m.Grace.EventRetention <= 0 {
		m.Grace.EventRetention = 7 * 24 * time.Hour
	}

	if m.Policy.LossThreshold <= 0 {
		m.Policy.LossThreshold = 1
	}

	if m.Storage.Mode == "" {
		m.Storage.Mode = "memory"
	}
	if m.Storage.Redis.Addr == "" {
		m.Storage.Redis.Addr = "127.0.0.1:6379"
	}
	if m.Storage.Redis.KeyPrefix == "" {
		m.Storage.Redis.KeyPrefix = "meshmon"
	}

	if m.Samples.Mode == "" {
		m.Samples.Mode = "file"
	}
	if m.Samples.BatchSize <= 0 {
		m.Samples.BatchSize = 500
	}
	if m.Samples.FlushInterval <= 0 {
		m.Samples.FlushInterval = 2 * time.Second
	}
	if m.Samples.File.Path == "" {
		m.Samples.File.Path = "output/samples.jsonl"
	}
	if m.Samples.ClickHouse.Database == "" {
		m.Samples.ClickHouse.Database = "meshmon"
	}
	if m.Samples.ClickHouse.Table == "" {
		m.Samples.ClickHouse.Table = "samples"
	}

	if m.Events.Mode == "" {
		m.Events.Mode = "file"
	}
	if m.Events.File.Path == "" {
		m.Events.File.Path = "output/events.jsonl"
	}

	if m.Notices.Key == "" {
		m.Notices.Key = "meshmon:renumber_notices"
	}
	if m.Notices.Redis.Addr == "" {
		m.Notices.Redis.Addr = m.Storage.Redis.Addr
	}

	if m.Metrics.Listen == "" {
		m.Metrics.Listen = "127.0.0.1:9108"
	}

	if m.Logging.Level == "" {
		m.Logging.Level = "info"
	}
}

// Validate performs minimal validation of mode selectors.
func Validate(cfg *Config) error {
	m := cfg.Meshmon
	switch m.Storage.Mode {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown storage mode: %s", m.Storage.Mode)
	}
	switch m.Samples.Mode {
	case "file", "clickhouse":
	default:
		return fmt.Errorf("unknown samples output mode: %s", m.Samples.Mode)
	}
	switch m.Events.Mode {
	case "file", "http":
	default:
		return fmt.Errorf("unknown events output mode: %s", m.Events.Mode)
	}
	if m.Policy.ReservedHosts != nil && *m.Policy.ReservedHosts < 0 {
		return fmt.Errorf("policy.reserved_hosts must not be negative: %d", *m.Policy.ReservedHosts)
	}
	if m.Rules.Enabled && m.Rules.Path == "" {
		return fmt.Errorf("rules.path is required when rules are enabled")
	}
	return nil
}
