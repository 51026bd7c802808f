// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/headless"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/logging"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/opsserver"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/politeness"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/resolver"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/runstatus"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/sink/kafka"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/sink/postgres"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/sink/pubsub"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/storage/gcs"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/storage/local"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/strategy/selector"
)

// EnvPrefix namespaces environment overrides, e.g. HARVESTER_BROWSER_CAPACITY.
const EnvPrefix = "HARVESTER"

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Logging    logging.Config   `mapstructure:"logging"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Targets    []TargetConfig   `mapstructure:"targets"`
	Sinks      SinksConfig      `mapstructure:"sinks"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Ops        OpsConfig        `mapstructure:"ops"`
}

// BrowserConfig sizes the session pool and configures Chrome.
type BrowserConfig struct {
	Capacity        int            `mapstructure:"capacity"`
	BorrowTimeout   time.Duration  `mapstructure:"borrow_timeout"`
	ReturnTimeout   time.Duration  `mapstructure:"return_timeout"`
	ProbeTimeout    time.Duration  `mapstructure:"probe_timeout"`
	ResetTimeout    time.Duration  `mapstructure:"reset_timeout"`
	DisposeTimeout  time.Duration  `mapstructure:"dispose_timeout"`
	ExecPath        string         `mapstructure:"exec_path"`
	Headless        bool           `mapstructure:"headless"`
	UserAgent       string         `mapstructure:"user_agent"`
	WindowWidth     int            `mapstructure:"window_width"`
	WindowHeight    int            `mapstructure:"window_height"`
	StartTimeout    time.Duration  `mapstructure:"start_timeout"`
	PageLoadTimeout time.Duration  `mapstructure:"page_load_timeout"`
	ScriptTimeout   time.Duration  `mapstructure:"script_timeout"`
	Flags           map[string]any `mapstructure:"flags"`
}

// ResolverConfig tunes offer link resolution.
type ResolverConfig struct {
	PageLoadTimeout time.Duration `mapstructure:"page_load_timeout"`
	ScriptTimeout   time.Duration `mapstructure:"script_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	StabilityDelay  time.Duration `mapstructure:"stability_delay"`
	CleanupTimeout  time.Duration `mapstructure:"cleanup_timeout"`
	BridgePatterns  []string      `mapstructure:"bridge_patterns"`
	BridgeMarkers   []string      `mapstructure:"bridge_markers"`
}

// PipelineConfig tunes the three-stage run.
type PipelineConfig struct {
	Workers     int           `mapstructure:"workers"`
	ItemDelay   time.Duration `mapstructure:"item_delay"`
	MaxPages    int           `mapstructure:"max_pages"`
	PageTimeout time.Duration `mapstructure:"page_timeout"`
	ItemTimeout time.Duration `mapstructure:"item_timeout"`
}

// PolitenessConfig caps per-host request rates.
type PolitenessConfig struct {
	DomainRPS   float64 `mapstructure:"domain_rps"`
	DomainBurst int     `mapstructure:"domain_burst"`
}

// TargetConfig describes one site crawled with CSS selectors.
type TargetConfig struct {
	Name            string `mapstructure:"name"`
	StartURL        string `mapstructure:"start_url"`
	selector.Config `mapstructure:",squash"`
}

// SinksConfig toggles each result backend.
type SinksConfig struct {
	Postgres PostgresSinkConfig `mapstructure:"postgres"`
	PubSub   PubSubSinkConfig   `mapstructure:"pubsub"`
	Kafka    KafkaSinkConfig    `mapstructure:"kafka"`
	Blob     BlobSinkConfig     `mapstructure:"blob"`
}

// PostgresSinkConfig enables the Postgres sink.
type PostgresSinkConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	postgres.Config `mapstructure:",squash"`
}

// PubSubSinkConfig enables the Pub/Sub sink.
type PubSubSinkConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	pubsub.Config `mapstructure:",squash"`
}

// KafkaSinkConfig enables the Kafka sink.
type KafkaSinkConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	kafka.Config `mapstructure:",squash"`
}

// Blob snapshot backends.
const (
	BlobBackendGCS    = "gcs"
	BlobBackendLocal  = "local"
	BlobBackendMemory = "memory"
)

// BlobSinkConfig enables JSONL run snapshots.
type BlobSinkConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Backend string       `mapstructure:"backend"`
	Prefix  string       `mapstructure:"prefix"`
	GCS     gcs.Config   `mapstructure:"gcs"`
	Local   local.Config `mapstructure:"local"`
}

// RedisConfig enables the last-run status store.
type RedisConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	runstatus.Config `mapstructure:",squash"`
}

// OpsConfig enables the operator HTTP server.
type OpsConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	opsserver.Config `mapstructure:",squash"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("browser.capacity", 10)
	v.SetDefault("browser.borrow_timeout", "30s")
	v.SetDefault("browser.return_timeout", "1s")
	v.SetDefault("browser.probe_timeout", "5s")
	v.SetDefault("browser.reset_timeout", "5s")
	v.SetDefault("browser.dispose_timeout", "5s")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.start_timeout", "30s")
	v.SetDefault("browser.page_load_timeout", "45s")
	v.SetDefault("browser.script_timeout", "10s")

	v.SetDefault("resolver.page_load_timeout", "8s")
	v.SetDefault("resolver.script_timeout", "4s")
	v.SetDefault("resolver.settle_delay", "1500ms")
	v.SetDefault("resolver.stability_delay", "1s")
	v.SetDefault("resolver.cleanup_timeout", "10s")

	v.SetDefault("pipeline.workers", 0)
	v.SetDefault("pipeline.item_delay", "300ms")
	v.SetDefault("pipeline.max_pages", 0)
	v.SetDefault("pipeline.page_timeout", "60s")
	v.SetDefault("pipeline.item_timeout", "90s")

	v.SetDefault("politeness.domain_rps", 0)
	v.SetDefault("politeness.domain_burst", 1)

	v.SetDefault("sinks.postgres.enabled", false)
	v.SetDefault("sinks.postgres.dsn", "")
	v.SetDefault("sinks.postgres.runs_table", "harvest_runs")
	v.SetDefault("sinks.postgres.items_table", "harvest_items")
	v.SetDefault("sinks.postgres.migrate", false)
	v.SetDefault("sinks.pubsub.enabled", false)
	v.SetDefault("sinks.pubsub.project_id", "")
	v.SetDefault("sinks.pubsub.topic_id", "")
	v.SetDefault("sinks.kafka.enabled", false)
	v.SetDefault("sinks.kafka.brokers", []string{})
	v.SetDefault("sinks.kafka.topic", "")
	v.SetDefault("sinks.blob.enabled", false)
	v.SetDefault("sinks.blob.backend", BlobBackendLocal)
	v.SetDefault("sinks.blob.prefix", "runs")
	v.SetDefault("sinks.blob.gcs.bucket", "")
	v.SetDefault("sinks.blob.local.base_dir", "./data")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "harvester:last_run:")
	v.SetDefault("redis.ttl", "168h")

	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.addr", ":9090")
	v.SetDefault("ops.request_timeout", "10s")
	v.SetDefault("ops.shutdown_grace", "5s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.Logging.Level, 0); err != nil {
		errs = append(errs, err)
	}
	if c.Browser.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("browser.capacity must be > 0"))
	}
	if c.Pipeline.Workers < 0 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be >= 0"))
	}
	if c.Pipeline.MaxPages < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_pages must be >= 0"))
	}
	if c.Politeness.DomainRPS < 0 {
		errs = append(errs, fmt.Errorf("politeness.domain_rps must be >= 0"))
	}

	if len(c.Targets) == 0 {
		errs = append(errs, fmt.Errorf("at least one target is required"))
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		switch {
		case t.Name == "":
			errs = append(errs, fmt.Errorf("targets[%d].name is required", i))
		case t.StartURL == "":
			errs = append(errs, fmt.Errorf("targets[%d].start_url is required", i))
		case t.Listing.Item == "":
			errs = append(errs, fmt.Errorf("targets[%d].listing.item is required", i))
		}
		if _, dup := seen[t.Name]; dup && t.Name != "" {
			errs = append(errs, fmt.Errorf("duplicate target name %q", t.Name))
		}
		seen[t.Name] = struct{}{}
	}

	if s := c.Sinks.Postgres; s.Enabled && s.DSN == "" {
		errs = append(errs, fmt.Errorf("sinks.postgres.dsn is required when enabled"))
	}
	if s := c.Sinks.PubSub; s.Enabled && (s.ProjectID == "" || s.TopicID == "") {
		errs = append(errs, fmt.Errorf("sinks.pubsub.project_id and topic_id are required when enabled"))
	}
	if s := c.Sinks.Kafka; s.Enabled && (len(s.Brokers) == 0 || s.Topic == "") {
		errs = append(errs, fmt.Errorf("sinks.kafka.brokers and topic are required when enabled"))
	}
	if s := c.Sinks.Blob; s.Enabled {
		switch s.Backend {
		case BlobBackendGCS:
			if s.GCS.Bucket == "" {
				errs = append(errs, fmt.Errorf("sinks.blob.gcs.bucket is required for the gcs backend"))
			}
		case BlobBackendLocal:
			if s.Local.BaseDir == "" {
				errs = append(errs, fmt.Errorf("sinks.blob.local.base_dir is required for the local backend"))
			}
		case BlobBackendMemory:
		default:
			errs = append(errs, fmt.Errorf("sinks.blob.backend %q is not one of gcs, local, memory", s.Backend))
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("redis.addr is required when enabled"))
	}
	if c.Ops.Enabled && c.Ops.Addr == "" {
		errs = append(errs, fmt.Errorf("ops.addr is required when enabled"))
	}
	return errors.Join(errs...)
}

// Target returns the named target.
func (c Config) Target(name string) (TargetConfig, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return TargetConfig{}, false
}

// PoolConfig converts the browser section for browser.NewPool.
func (b BrowserConfig) PoolConfig() browser.PoolConfig {
	return browser.PoolConfig{
		Capacity:       b.Capacity,
		BorrowTimeout:  b.BorrowTimeout,
		ReturnTimeout:  b.ReturnTimeout,
		ProbeTimeout:   b.ProbeTimeout,
		ResetTimeout:   b.ResetTimeout,
		DisposeTimeout: b.DisposeTimeout,
	}
}

// ChromeConfig converts the browser section for headless.NewFactory.
func (b BrowserConfig) ChromeConfig() headless.Config {
	return headless.Config{
		ExecPath:        b.ExecPath,
		Headless:        b.Headless,
		UserAgent:       b.UserAgent,
		WindowWidth:     b.WindowWidth,
		WindowHeight:    b.WindowHeight,
		StartTimeout:    b.StartTimeout,
		PageLoadTimeout: b.PageLoadTimeout,
		ScriptTimeout:   b.ScriptTimeout,
		Flags:           b.Flags,
	}
}

// Resolver converts the resolver section for resolver.New.
func (r ResolverConfig) Resolver() resolver.Config {
	return resolver.Config{
		PageLoadTimeout: r.PageLoadTimeout,
		ScriptTimeout:   r.ScriptTimeout,
		SettleDelay:     r.SettleDelay,
		StabilityDelay:  r.StabilityDelay,
		CleanupTimeout:  r.CleanupTimeout,
		BridgePatterns:  r.BridgePatterns,
		BridgeMarkers:   r.BridgeMarkers,
	}
}

// Orchestrator converts the pipeline section for pipeline.New.
func (p PipelineConfig) Orchestrator() pipeline.Config {
	return pipeline.Config{
		Workers:     p.Workers,
		ItemDelay:   p.ItemDelay,
		MaxPages:    p.MaxPages,
		PageTimeout: p.PageTimeout,
		ItemTimeout: p.ItemTimeout,
	}
}

// LimiterConfig combines politeness limits with the pipeline's item delay.
func (c Config) LimiterConfig() politeness.Config {
	return politeness.Config{
		Delay:       c.Pipeline.ItemDelay,
		DomainRPS:   c.Politeness.DomainRPS,
		DomainBurst: c.Politeness.DomainBurst,
	}
}
