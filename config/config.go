// Package config loads the tradeguard configuration from YAML (or JSON),
// an optional .env file and TRADEGUARD_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/tradeguard/advisor"
	"github.com/rustyeddy/tradeguard/broker/paper"
	"github.com/rustyeddy/tradeguard/mode"
	"github.com/rustyeddy/tradeguard/notify"
	"github.com/rustyeddy/tradeguard/orchestrator"
	"github.com/rustyeddy/tradeguard/pkg/logger"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/rustyeddy/tradeguard/scanner"
	"github.com/rustyeddy/tradeguard/scheduler"
)

type Config struct {
	// Timezone is the IANA location used for calendar dates in the ledger.
	Timezone     string               `json:"timezone" yaml:"timezone"`
	Store        StoreConfig          `json:"store" yaml:"store"`
	Lock         LockConfig           `json:"lock" yaml:"lock"`
	Idempotency  IdempotencyConfig    `json:"idempotency" yaml:"idempotency"`
	Limits       risk.Limits          `json:"limits" yaml:"limits"`
	Jobs         []orchestrator.Job   `json:"jobs" yaml:"jobs"`
	Orchestrator orchestrator.Options `json:"orchestrator" yaml:"orchestrator"`
	Scheduler    scheduler.Config     `json:"scheduler" yaml:"scheduler"`
	Advisor      AdvisorConfig        `json:"advisor" yaml:"advisor"`
	Notify       NotifyConfig         `json:"notify" yaml:"notify"`
	Metrics      MetricsConfig        `json:"metrics" yaml:"metrics"`
	Log          logger.Config        `json:"log" yaml:"log"`
	Paper        paper.Config         `json:"paper" yaml:"paper"`
	Market       MarketConfig         `json:"market" yaml:"market"`
	Scanner      scanner.StaticConfig `json:"scanner" yaml:"scanner"`
}

// StoreConfig is the SQLite database shared by the ledger, journal and the
// sqlite lock and idempotency backends.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

type LockConfig struct {
	Backend   string        `json:"backend" yaml:"backend"` // memory, sqlite or redis
	OpTimeout time.Duration `json:"op_timeout" yaml:"op_timeout"`
	Redis     RedisConfig   `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

type IdempotencyConfig struct {
	Backend   string        `json:"backend" yaml:"backend"` // memory, sqlite or badger
	Retention time.Duration `json:"retention" yaml:"retention"`
	BadgerDir string        `json:"badger_dir,omitempty" yaml:"badger_dir,omitempty"`
}

type AdvisorConfig struct {
	Enabled bool               `json:"enabled" yaml:"enabled"`
	HTTP    advisor.HTTPConfig `json:"http" yaml:"http"`
}

type NotifyConfig struct {
	Log     bool                 `json:"log" yaml:"log"`
	Webhook notify.WebhookConfig `json:"webhook" yaml:"webhook"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// MarketConfig seeds the in-memory feed: asset to candle CSV path.
type MarketConfig struct {
	CSV map[string]string `json:"csv,omitempty" yaml:"csv,omitempty"`
}

var (
	lockBackends = []string{"memory", "sqlite", "redis"}
	idemBackends = []string{"memory", "sqlite", "badger"}
)

// Environment overrides, applied after the file is parsed.
const (
	EnvDBPath        = "TRADEGUARD_DB_PATH"
	EnvRedisAddr     = "TRADEGUARD_REDIS_ADDR"
	EnvRedisPassword = "TRADEGUARD_REDIS_PASSWORD"
	EnvAdvisorURL    = "TRADEGUARD_ADVISOR_URL"
	EnvAdvisorAPIKey = "TRADEGUARD_ADVISOR_API_KEY"
	EnvWebhookURL    = "TRADEGUARD_WEBHOOK_URL"
	EnvLogLevel      = "TRADEGUARD_LOG_LEVEL"
	EnvTimezone      = "TRADEGUARD_TIMEZONE"
)

// Default returns a paper-trading configuration with an entry and a
// management job sharing one lock.
func Default() *Config {
	return &Config{
		Timezone: "UTC",
		Store:    StoreConfig{Path: "tradeguard.db"},
		Lock: LockConfig{
			Backend:   "sqlite",
			OpTimeout: 2 * time.Second,
			Redis:     RedisConfig{Addr: "localhost:6379", Prefix: "tradeguard:lock:"},
		},
		Idempotency: IdempotencyConfig{Backend: "sqlite", Retention: 48 * time.Hour},
		Limits:      risk.DefaultLimits(),
		Jobs: []orchestrator.Job{
			{
				Name:      "entry",
				LockName:  "risk-core",
				Timeframe: "H1",
				Modes:     []mode.Mode{mode.Entry},
				Interval:  15 * time.Minute,
				LockTTL:   5 * time.Minute,
			},
			{
				Name:      "management",
				LockName:  "risk-core",
				Timeframe: "M15",
				Modes:     []mode.Mode{mode.Management},
				Interval:  5 * time.Minute,
				LockTTL:   5 * time.Minute,
			},
		},
		Orchestrator: orchestrator.DefaultOptions(),
		Scheduler:    scheduler.Config{GCInterval: time.Hour, RunOnStart: true},
		Advisor: AdvisorConfig{
			HTTP: advisor.HTTPConfig{Timeout: 15 * time.Second, Retries: 1},
		},
		Notify:  NotifyConfig{Log: true, Webhook: notify.WebhookConfig{Timeout: 5 * time.Second, Retries: 2}},
		Metrics: MetricsConfig{Addr: ":9102"},
		Log:     logger.Config{Level: "info", Format: "console"},
		Paper:   paper.Config{Capital: 10000, FeePct: 0.1},
		Scanner: scanner.StaticConfig{Assets: []string{"BTC", "ETH", "SOL"}, Timeframe: time.Hour, Lookback: 12},
	}
}

// LoadFromFile loads .env from the working directory if present, then the
// configuration file (YAML, falling back to JSON) over Default, then the
// environment overrides, and validates the result.
func LoadFromFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		// Try YAML first, fall back to JSON
		cfg = Default()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides endpoints and secrets from TRADEGUARD_* variables.
func (c *Config) ApplyEnv() {
	set := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvDBPath, &c.Store.Path)
	set(EnvRedisAddr, &c.Lock.Redis.Addr)
	set(EnvRedisPassword, &c.Lock.Redis.Password)
	set(EnvAdvisorURL, &c.Advisor.HTTP.URL)
	set(EnvAdvisorAPIKey, &c.Advisor.HTTP.APIKey)
	set(EnvWebhookURL, &c.Notify.Webhook.URL)
	set(EnvLogLevel, &c.Log.Level)
	set(EnvTimezone, &c.Timezone)
}

// SaveToFile writes YAML for .yaml/.yml paths and indented JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Job returns the configured job called name.
func (c *Config) Job(name string) (orchestrator.Job, bool) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return orchestrator.Job{}, false
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	if !oneOf(c.Lock.Backend, lockBackends) {
		return fmt.Errorf("lock.backend must be one of %s", strings.Join(lockBackends, ", "))
	}
	if c.Lock.Backend == "redis" && c.Lock.Redis.Addr == "" {
		return fmt.Errorf("lock.redis.addr is required for the redis backend")
	}
	if c.Lock.OpTimeout < 0 {
		return fmt.Errorf("lock.op_timeout must not be negative")
	}

	if !oneOf(c.Idempotency.Backend, idemBackends) {
		return fmt.Errorf("idempotency.backend must be one of %s", strings.Join(idemBackends, ", "))
	}
	if c.Idempotency.Retention <= 0 {
		return fmt.Errorf("idempotency.retention must be positive")
	}
	if c.Idempotency.Backend == "badger" && c.Idempotency.BadgerDir == "" {
		return fmt.Errorf("idempotency.badger_dir is required for the badger backend")
	}

	if err := c.Limits.Validate(); err != nil {
		return err
	}

	if len(c.Jobs) == 0 {
		return fmt.Errorf("jobs: at least one job is required")
	}
	seen := make(map[string]bool, len(c.Jobs))
	for _, j := range c.Jobs {
		if err := j.Validate(); err != nil {
			return fmt.Errorf("jobs: %w", err)
		}
		if seen[j.Name] {
			return fmt.Errorf("jobs: duplicate job name %q", j.Name)
		}
		seen[j.Name] = true
		if j.Interval <= 0 {
			return fmt.Errorf("jobs: job %s: interval must be positive", j.Name)
		}
	}

	o := c.Orchestrator
	if o.Capital <= 0 {
		return fmt.Errorf("orchestrator.capital must be positive")
	}
	if o.MinConfidence < 0 || o.MinConfidence > 1 {
		return fmt.Errorf("orchestrator.min_confidence must be between 0 and 1")
	}
	if o.Fallback.WinRate < 0 || o.Fallback.WinRate > 1 {
		return fmt.Errorf("orchestrator.fallback.win_rate must be between 0 and 1")
	}

	if c.Advisor.Enabled && c.Advisor.HTTP.URL == "" {
		return fmt.Errorf("advisor.http.url is required when the advisor is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	if c.Paper.Capital <= 0 {
		return fmt.Errorf("paper.capital must be positive")
	}
	if c.Paper.FeePct < 0 || c.Paper.SlippagePct < 0 {
		return fmt.Errorf("paper fee and slippage must not be negative")
	}
	if len(c.Scanner.Assets) == 0 && len(c.Market.CSV) == 0 {
		return fmt.Errorf("scanner.assets or market.csv must name at least one asset")
	}
	return nil
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
