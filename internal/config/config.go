// Package config loads daemon configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/orchestrator"
	"github.com/kimhsiao/memonexus/syncd/internal/pipeline"
	"github.com/kimhsiao/memonexus/syncd/internal/status"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SYNCD_"

// Provider kinds.
const (
	KindFeed       = "feed"
	KindLocalStore = "localstore"
	KindMock       = "mock"
)

// Config is the daemon configuration.
type Config struct {
	UserID    string           `yaml:"user_id"`
	Database  DatabaseConfig   `yaml:"database"`
	HTTP      HTTPConfig       `yaml:"http"`
	Retry     RetryConfig      `yaml:"retry"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Window    WindowConfig     `yaml:"window"`
	Status    StatusConfig     `yaml:"status"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Providers []ProviderConfig `yaml:"providers"`
	Watch     WatchConfig      `yaml:"watch"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Log       LogConfig        `yaml:"log"`
}

// DatabaseConfig selects the record store. DSN accepts a SQLite path,
// "memory:", or a postgres:// URL.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// HTTPConfig configures the status API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RetryConfig mirrors pipeline.RetryPolicy.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxElapsed   time.Duration `yaml:"max_elapsed"`
}

// PipelineConfig sets checkpoint and progress granularity in records.
type PipelineConfig struct {
	CheckpointEvery int `yaml:"checkpoint_every"`
	ProgressEvery   int `yaml:"progress_every"`
}

// WindowConfig bounds fetch windows.
type WindowConfig struct {
	Lookback  time.Duration `yaml:"lookback"`
	SafetyCap int           `yaml:"safety_cap"`
}

// StatusConfig sizes the status board.
type StatusConfig struct {
	HistorySize int `yaml:"history_size"`
}

// SchedulerConfig controls periodic and manual triggers.
type SchedulerConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Types              []string      `yaml:"types"`
	MinTriggerInterval time.Duration `yaml:"min_trigger_interval"`
}

// ProviderConfig declares one fetch adapter.
type ProviderConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Kind     string            `yaml:"kind"`
	BaseURL  string            `yaml:"base_url,omitempty"`
	Path     string            `yaml:"path,omitempty"`
	Query    map[string]string `yaml:"query,omitempty"`
	TokenEnv string            `yaml:"token_env,omitempty"`
	PageSize int               `yaml:"page_size,omitempty"`
	Dir      string            `yaml:"dir,omitempty"`
	// Records is the number of demo records a mock provider serves.
	Records int `yaml:"records,omitempty"`
}

// SyncType returns the provider's parsed sync type.
func (p ProviderConfig) SyncType() models.SyncType {
	return models.SyncType(strings.ToLower(strings.TrimSpace(p.Type)))
}

// Token reads the provider's bearer token from its environment variable.
func (p ProviderConfig) Token() string {
	if p.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(p.TokenEnv))
}

// WatchConfig controls the local store watcher.
type WatchConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Debounce    time.Duration `yaml:"debounce"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// TelemetryConfig controls the telemetry sinks.
type TelemetryConfig struct {
	OTel   bool `yaml:"otel"`
	Buffer int  `yaml:"buffer"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration: a SQLite file under ./data,
// demo providers for every sync type and a 15 minute schedule.
func Default() *Config {
	retry := pipeline.DefaultRetryPolicy()
	pcfg := pipeline.DefaultConfig()
	ocfg := orchestrator.DefaultConfig()

	cfg := &Config{
		UserID:   ocfg.UserID,
		Database: DatabaseConfig{DSN: "./data/syncd.db"},
		HTTP:     HTTPConfig{Addr: "127.0.0.1:8090", ShutdownTimeout: 15 * time.Second},
		Retry: RetryConfig{
			MaxAttempts:  retry.MaxAttempts,
			InitialDelay: retry.InitialDelay,
			MaxDelay:     retry.MaxDelay,
			Multiplier:   retry.Multiplier,
			MaxElapsed:   retry.MaxElapsed,
		},
		Pipeline: PipelineConfig{CheckpointEvery: pcfg.CheckpointEvery, ProgressEvery: pcfg.ProgressEvery},
		Window:   WindowConfig{Lookback: ocfg.Lookback, SafetyCap: ocfg.SafetyCap},
		Status:   StatusConfig{HistorySize: status.DefaultHistorySize},
		Scheduler: SchedulerConfig{
			Interval:           15 * time.Minute,
			Types:              []string{"contacts", "emails", "messages"},
			MinTriggerInterval: 30 * time.Second,
		},
		Watch:     WatchConfig{Debounce: 500 * time.Millisecond, MinInterval: 5 * time.Second},
		Telemetry: TelemetryConfig{Buffer: 256},
		Log:       LogConfig{Level: "info"},
	}
	for _, name := range []string{"outlook-inbox", "outlook-sent", "outlook-all-folders", "gmail-search", "gmail-labels"} {
		cfg.Providers = append(cfg.Providers, ProviderConfig{Name: name, Type: "emails", Kind: KindMock, Records: 25})
	}
	cfg.Providers = append(cfg.Providers,
		ProviderConfig{Name: "contacts-directory", Type: "contacts", Kind: KindMock, Records: 10},
		ProviderConfig{Name: "local-messages", Type: "messages", Kind: KindMock, Records: 10},
	)
	return cfg
}

// Load reads path from the OS file system. See LoadFs.
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path, os.LookupEnv)
}

// LoadFs applies defaults, then the YAML file at path (if path is set),
// then environment overrides, and validates the result.
func LoadFs(fs afero.Fs, path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "failed to read config file "+path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "failed to parse config file "+path, err)
		}
	}
	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SYNCD_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var firstErr error
	fail := func(name, v string, err error) {
		if firstErr == nil {
			firstErr = errors.Wrap(errors.ErrConfig, fmt.Sprintf("invalid %s%s=%q", EnvPrefix, name, v), err)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				fail(name, v, err)
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				fail(name, v, err)
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				fail(name, v, err)
				return
			}
			*dst = b
		}
	}

	str("USER_ID", &c.UserID)
	str("DATABASE_DSN", &c.Database.DSN)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	num("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	dur("RETRY_INITIAL_DELAY", &c.Retry.InitialDelay)
	dur("RETRY_MAX_DELAY", &c.Retry.MaxDelay)
	dur("WINDOW_LOOKBACK", &c.Window.Lookback)
	num("WINDOW_SAFETY_CAP", &c.Window.SafetyCap)
	num("STATUS_HISTORY_SIZE", &c.Status.HistorySize)
	dur("SCHEDULER_INTERVAL", &c.Scheduler.Interval)
	dur("SCHEDULER_MIN_TRIGGER_INTERVAL", &c.Scheduler.MinTriggerInterval)
	flag("WATCH_ENABLED", &c.Watch.Enabled)
	flag("TELEMETRY_OTEL", &c.Telemetry.OTel)
	if v, ok := lookup(EnvPrefix + "SCHEDULER_TYPES"); ok && strings.TrimSpace(v) != "" {
		c.Scheduler.Types = splitList(v)
	}
	return firstErr
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.UserID) == "" {
		add("user_id is required")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		add("database.dsn is required")
	}
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier must be at least 1")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 || c.Retry.MaxElapsed < 0 {
		add("retry delays must not be negative")
	}
	if c.Pipeline.CheckpointEvery < 0 || c.Pipeline.ProgressEvery < 0 {
		add("pipeline granularity must not be negative")
	}
	if c.Window.SafetyCap <= 0 {
		add("window.safety_cap must be positive")
	}
	if c.Window.Lookback < 0 {
		add("window.lookback must not be negative")
	}
	if c.Status.HistorySize <= 0 {
		add("status.history_size must be positive")
	}
	if c.Scheduler.Interval < 0 || c.Scheduler.MinTriggerInterval < 0 {
		add("scheduler intervals must not be negative")
	}
	for _, t := range c.Scheduler.Types {
		if _, err := models.ParseSyncType(t); err != nil {
			add("scheduler.types: %v", err)
		}
	}

	if len(c.Providers) == 0 {
		add("at least one provider is required")
	}
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if strings.TrimSpace(p.Name) == "" {
			add("providers[%d].name is required", i)
		}
		if !p.SyncType().Valid() {
			add("providers[%d].type %q is not a sync type", i, p.Type)
		}
		key := string(p.SyncType()) + "/" + p.Name
		if seen[key] {
			add("provider %s is declared twice for %s", p.Name, p.Type)
		}
		seen[key] = true
		switch p.Kind {
		case KindFeed:
			if strings.TrimSpace(p.BaseURL) == "" {
				add("provider %s: base_url is required for feed", p.Name)
			}
		case KindLocalStore:
			if strings.TrimSpace(p.Dir) == "" {
				add("provider %s: dir is required for localstore", p.Name)
			}
		case KindMock:
		default:
			add("provider %s: unknown kind %q", p.Name, p.Kind)
		}
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
		MaxElapsed:   c.Retry.MaxElapsed,
	}
}

// PipelineConfig converts the retry and pipeline sections.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Retry:           c.RetryPolicy(),
		CheckpointEvery: c.Pipeline.CheckpointEvery,
		ProgressEvery:   c.Pipeline.ProgressEvery,
	}
}

// OrchestratorConfig converts the window section.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Lookback:  c.Window.Lookback,
		SafetyCap: c.Window.SafetyCap,
		UserID:    c.UserID,
	}
}

// SchedulerTypes returns the scheduled sync types. Validate must have passed.
func (c *Config) SchedulerTypes() []models.SyncType {
	set := make(map[models.SyncType]bool, len(c.Scheduler.Types))
	for _, s := range c.Scheduler.Types {
		if t, err := models.ParseSyncType(s); err == nil {
			set[t] = true
		}
	}
	return models.SortedTypes(set)
}

// LocalStoreDir returns the directory of the first localstore provider, or
// "" if none is configured.
func (c *Config) LocalStoreDir() string {
	for _, p := range c.Providers {
		if p.Kind == KindLocalStore {
			return p.Dir
		}
	}
	return ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
