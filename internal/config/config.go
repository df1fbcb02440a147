package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 18790
	DefaultBufSize          = 100
	DefaultLowThreshold     = 0.4
	DefaultHighThreshold    = 0.8
	DefaultPreparationDelay = "15s"
	DefaultIOTimeout        = "5s"
	DefaultHistoryDays      = 7
	DefaultMaxConcurrency   = 16
	DefaultSweepInterval    = "60s"
	DefaultMaxRequeue       = 10
	DefaultCapPolicy        = "deliver"
	DefaultTelegramRate     = 1.0
	DefaultTraceExporter    = "none"
	DefaultServiceName      = "attune"
)

type Config struct {
	Router   RouterConfig   `json:"router" yaml:"router"`
	Sweep    SweepConfig    `json:"sweep" yaml:"sweep"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Tracing  TracingConfig  `json:"tracing" yaml:"tracing"`
}

type RouterConfig struct {
	Timezone         string             `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	LowThreshold     float64            `json:"lowThreshold" yaml:"lowThreshold"`
	HighThreshold    float64            `json:"highThreshold" yaml:"highThreshold"`
	PreparationDelay string             `json:"preparationDelay" yaml:"preparationDelay"`
	IOTimeout        string             `json:"ioTimeout" yaml:"ioTimeout"`
	HistoryDays      int                `json:"historyDays" yaml:"historyDays"`
	MaxConcurrency   int                `json:"maxConcurrency" yaml:"maxConcurrency"`
	SilentActivities map[string]string  `json:"silentActivities,omitempty" yaml:"silentActivities,omitempty"`
	CategoryWeights  map[string]float64 `json:"categoryWeights,omitempty" yaml:"categoryWeights,omitempty"`
}

type SweepConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Interval      string `json:"interval" yaml:"interval"`
	MaxRequeue    int    `json:"maxRequeue" yaml:"maxRequeue"`
	CapPolicy     string `json:"capPolicy" yaml:"capPolicy"` // "deliver" (default) or "expire"
	IncludeSilent bool   `json:"includeSilent" yaml:"includeSilent"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	WebUI    WebUIConfig    `json:"webui" yaml:"webui"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	Proxy   string `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	// Recipients maps recipient ids to telegram chat ids.
	Recipients map[string]int64 `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	// RatePerSecond throttles outgoing sends.
	RatePerSecond float64 `json:"ratePerSecond,omitempty" yaml:"ratePerSecond,omitempty"`
}

type WebUIConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// LogConfig enables a channel that only writes notifications to the log.
type LogConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// NotifyConfig lists the channels every notification fans out to. Empty
// means every enabled channel.
type NotifyConfig struct {
	Channels []string `json:"channels,omitempty" yaml:"channels,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// TracingConfig selects the span exporter: "none" (default) or "stdout".
type TracingConfig struct {
	Exporter    string  `json:"exporter,omitempty" yaml:"exporter,omitempty"`
	ServiceName string  `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
	SampleRatio float64 `json:"sampleRatio,omitempty" yaml:"sampleRatio,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Router: RouterConfig{
			LowThreshold:     DefaultLowThreshold,
			HighThreshold:    DefaultHighThreshold,
			PreparationDelay: DefaultPreparationDelay,
			IOTimeout:        DefaultIOTimeout,
			HistoryDays:      DefaultHistoryDays,
			MaxConcurrency:   DefaultMaxConcurrency,
		},
		Sweep: SweepConfig{
			Enabled:    true,
			Interval:   DefaultSweepInterval,
			MaxRequeue: DefaultMaxRequeue,
			CapPolicy:  DefaultCapPolicy,
		},
		Channels: ChannelsConfig{
			WebUI: WebUIConfig{Enabled: true},
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".attune")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// YAMLConfigPath is read when config.json does not exist.
func YAMLConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func DefaultDBPath() string {
	return filepath.Join(ConfigDir(), "attune.db")
}

// CronStorePath holds the maintenance job state shared by the gateway and
// the status command.
func CronStorePath() string {
	return filepath.Join(ConfigDir(), "data", "cron", "jobs.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if err := readConfigFile(cfg); err != nil {
		return nil, err
	}

	// Environment variable overrides
	if token := os.Getenv("ATTUNE_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if dbPath := os.Getenv("ATTUNE_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if tz := os.Getenv("ATTUNE_TIMEZONE"); tz != "" {
		cfg.Router.Timezone = tz
	}
	if delay := os.Getenv("ATTUNE_PREPARATION_DELAY"); delay != "" {
		cfg.Router.PreparationDelay = delay
	}
	if interval := os.Getenv("ATTUNE_SWEEP_INTERVAL"); interval != "" {
		cfg.Sweep.Interval = interval
	}
	if maxRequeue := os.Getenv("ATTUNE_MAX_REQUEUE"); maxRequeue != "" {
		if parsed, err := strconv.Atoi(maxRequeue); err == nil {
			cfg.Sweep.MaxRequeue = parsed
		}
	}
	if policy := os.Getenv("ATTUNE_CAP_POLICY"); policy != "" {
		cfg.Sweep.CapPolicy = policy
	}
	if silent := os.Getenv("ATTUNE_INCLUDE_SILENT"); silent != "" {
		if parsed, err := strconv.ParseBool(silent); err == nil {
			cfg.Sweep.IncludeSilent = parsed
		}
	}
	if exporter := os.Getenv("ATTUNE_TRACE_EXPORTER"); exporter != "" {
		cfg.Tracing.Exporter = exporter
	}
	if port := os.Getenv("ATTUNE_GATEWAY_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}

	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = DefaultDBPath()
	}
	if cfg.Router.PreparationDelay == "" {
		cfg.Router.PreparationDelay = DefaultPreparationDelay
	}
	if cfg.Router.IOTimeout == "" {
		cfg.Router.IOTimeout = DefaultIOTimeout
	}
	if cfg.Sweep.Interval == "" {
		cfg.Sweep.Interval = DefaultSweepInterval
	}
	if cfg.Sweep.MaxRequeue <= 0 {
		cfg.Sweep.MaxRequeue = DefaultMaxRequeue
	}
	if cfg.Sweep.CapPolicy == "" {
		cfg.Sweep.CapPolicy = DefaultCapPolicy
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = DefaultTraceExporter
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = DefaultServiceName
	}
	if cfg.Channels.Telegram.RatePerSecond <= 0 {
		cfg.Channels.Telegram.RatePerSecond = DefaultTelegramRate
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(cfg *Config) error {
	data, err := os.ReadFile(ConfigPath())
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("read config: %w", err)
	}

	data, err = os.ReadFile(YAMLConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml config: %w", err)
	}
	return nil
}

// Validate rejects settings that cannot be applied.
func (c *Config) Validate() error {
	if c.Router.LowThreshold < 0 || c.Router.HighThreshold > 1 || c.Router.LowThreshold > c.Router.HighThreshold {
		return fmt.Errorf("router thresholds out of range: low=%v high=%v", c.Router.LowThreshold, c.Router.HighThreshold)
	}
	if _, err := time.ParseDuration(c.Router.PreparationDelay); err != nil {
		return fmt.Errorf("router.preparationDelay: %w", err)
	}
	if _, err := time.ParseDuration(c.Router.IOTimeout); err != nil {
		return fmt.Errorf("router.ioTimeout: %w", err)
	}
	for activity, estimate := range c.Router.SilentActivities {
		if estimate == "" {
			continue
		}
		if _, err := time.ParseDuration(estimate); err != nil {
			return fmt.Errorf("router.silentActivities[%s]: %w", activity, err)
		}
	}
	if c.Router.Timezone != "" {
		if _, err := time.LoadLocation(c.Router.Timezone); err != nil {
			return fmt.Errorf("router.timezone: %w", err)
		}
	}
	if d, err := time.ParseDuration(c.Sweep.Interval); err != nil {
		return fmt.Errorf("sweep.interval: %w", err)
	} else if d < time.Second {
		return fmt.Errorf("sweep.interval must be at least 1s, got %s", d)
	}
	switch strings.ToLower(c.Sweep.CapPolicy) {
	case "deliver", "expire":
	default:
		return fmt.Errorf("sweep.capPolicy must be deliver or expire, got %q", c.Sweep.CapPolicy)
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be none or stdout, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sampleRatio must be within [0,1], got %v", c.Tracing.SampleRatio)
	}
	return nil
}

// Duration parses a duration setting, returning fallback when s is empty
// or malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Location resolves the router timezone; empty means the local zone.
func (r RouterConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(r.Timezone)
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
