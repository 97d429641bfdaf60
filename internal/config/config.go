// Package config loads the crawler orchestrator's tunables from environment
// variables, one struct per component, each with a Default*() constructor
// applied before env.Load overrides it from the process environment —
// mirroring the teacher's internal/config.Load / internal/env.Load split.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/finfeed/crawler-orchestrator/internal/batch"
	"github.com/finfeed/crawler-orchestrator/internal/classifier"
	"github.com/finfeed/crawler-orchestrator/internal/domain"
	"github.com/finfeed/crawler-orchestrator/internal/env"
	"github.com/finfeed/crawler-orchestrator/internal/importer"
	"github.com/finfeed/crawler-orchestrator/internal/ledger"
	"github.com/finfeed/crawler-orchestrator/internal/observability"
	"github.com/finfeed/crawler-orchestrator/internal/pipeline"
	"github.com/finfeed/crawler-orchestrator/internal/retryqueue"
)

// PathsConfig holds the filesystem roots shared across components.
type PathsConfig struct {
	ConfigRoot  string `env:"CRAWL_CONFIG_ROOT"`
	OutputRoot  string `env:"CRAWL_OUTPUT_ROOT"`
	ProgressDir string `env:"CRAWL_PROGRESS_DIR"`
}

// DefaultPathsConfig matches the spec's default working directories.
func DefaultPathsConfig() PathsConfig {
	return PathsConfig{
		ConfigRoot:  "./configs",
		OutputRoot:  "./output",
		ProgressDir: "./progress",
	}
}

// ClassifierConfig mirrors classifier.Config with env tags.
type ClassifierConfig struct {
	MaxAttempts   int           `env:"CRAWL_CLASSIFIER_MAX_ATTEMPTS"`
	MaxRetryDelay time.Duration `env:"CRAWL_CLASSIFIER_MAX_RETRY_DELAY"`
	LogPath       string        `env:"CRAWL_CLASSIFIER_LOG_PATH"`
}

// DefaultClassifierConfig matches classifier.DefaultConfig.
func DefaultClassifierConfig() ClassifierConfig {
	d := classifier.DefaultConfig()
	return ClassifierConfig{MaxAttempts: d.MaxAttempts, MaxRetryDelay: d.MaxRetryDelay}
}

// ToClassifierConfig converts to the classifier package's own Config.
func (c ClassifierConfig) ToClassifierConfig() classifier.Config {
	return classifier.Config{MaxAttempts: c.MaxAttempts, MaxRetryDelay: c.MaxRetryDelay, LogPath: c.LogPath}
}

// ConcurrencyConfig tunes the per-site concurrency gate. concurrency.Manager
// takes per-domain overrides rather than a flat config, so this only carries
// the one knob appropriate for env-var tuning: the fallback applied to any
// domain without an explicit override.
type ConcurrencyConfig struct {
	DefaultMaxConcurrent int   `env:"CRAWL_CONCURRENCY_DEFAULT_MAX"`
	DefaultMinDelayMs    int64 `env:"CRAWL_CONCURRENCY_DEFAULT_MIN_DELAY_MS"`
}

// DefaultConcurrencyConfig matches domain.DefaultSiteConfig.
func DefaultConcurrencyConfig() ConcurrencyConfig {
	return ConcurrencyConfig{DefaultMaxConcurrent: 2, DefaultMinDelayMs: 2000}
}

// ToSiteConfig converts to a domain.SiteConfig, the shape concurrency.New
// applies to any domain without an explicit override.
func (c ConcurrencyConfig) ToSiteConfig() domain.SiteConfig {
	return domain.SiteConfig{MaxConcurrent: c.DefaultMaxConcurrent, MinDelayMs: c.DefaultMinDelayMs}
}

// ProgressConfig tunes the progress tracker's autosave cadence.
type ProgressConfig struct {
	AutoSaveInterval time.Duration `env:"CRAWL_PROGRESS_AUTOSAVE_INTERVAL"`
}

// DefaultProgressConfig matches the progress tracker's built-in 30s
// auto-save interval.
func DefaultProgressConfig() ProgressConfig {
	return ProgressConfig{AutoSaveInterval: 30 * time.Second}
}

// RetryQueueConfig mirrors retryqueue.Config with env tags.
type RetryQueueConfig struct {
	MaxAttempts int `env:"CRAWL_RETRYQUEUE_MAX_ATTEMPTS"`
	CleanupDays int `env:"CRAWL_RETRYQUEUE_CLEANUP_DAYS"`
}

// DefaultRetryQueueConfig matches retryqueue.DefaultConfig.
func DefaultRetryQueueConfig() RetryQueueConfig {
	d := retryqueue.DefaultConfig()
	return RetryQueueConfig{MaxAttempts: d.MaxAttempts, CleanupDays: d.CleanupDays}
}

// ToRetryQueueConfig converts to the retryqueue package's own Config.
func (c RetryQueueConfig) ToRetryQueueConfig() retryqueue.Config {
	return retryqueue.Config{MaxAttempts: c.MaxAttempts, CleanupDays: c.CleanupDays}
}

// BatchConfig mirrors batch.Config with env tags. SiteOverrides has no
// practical flat env-var encoding and is left for callers to set
// programmatically after Load.
type BatchConfig struct {
	MaxConcurrency     int    `env:"CRAWL_BATCH_MAX_CONCURRENCY"`
	DelayMs            int64  `env:"CRAWL_BATCH_DELAY_MS"`
	ErrorLogPath       string `env:"CRAWL_BATCH_ERROR_LOG_PATH"`
	UseSiteConcurrency bool   `env:"CRAWL_BATCH_USE_SITE_CONCURRENCY"`
}

// DefaultBatchConfig matches batch.DefaultConfig.
func DefaultBatchConfig() BatchConfig {
	d := batch.DefaultConfig()
	return BatchConfig{MaxConcurrency: d.MaxConcurrency, DelayMs: d.DelayMs, UseSiteConcurrency: d.UseSiteConcurrency}
}

// ToBatchConfig converts to the batch package's own Config, filling in the
// filesystem roots and any site overrides supplied separately (there is no
// practical flat env-var encoding for a per-domain override map).
func (c BatchConfig) ToBatchConfig(paths PathsConfig, overrides map[string]domain.SiteConfig) batch.Config {
	return batch.Config{
		ConfigRoot:         paths.ConfigRoot,
		OutputRoot:         paths.OutputRoot,
		ProgressDir:        paths.ProgressDir,
		MaxConcurrency:     c.MaxConcurrency,
		DelayMs:            c.DelayMs,
		ErrorLogPath:       c.ErrorLogPath,
		UseSiteConcurrency: c.UseSiteConcurrency,
		SiteOverrides:      overrides,
	}
}

// PipelineConfig mirrors pipeline.Config's scalar fields with env tags.
type PipelineConfig struct {
	Regions           string        `env:"CRAWL_PIPELINE_REGIONS"` // comma-separated
	RetryJitter       time.Duration `env:"CRAWL_PIPELINE_RETRY_JITTER"`
	RetryRateLimit    time.Duration `env:"CRAWL_PIPELINE_RETRY_RATE_LIMIT"`
	RetryBatchSize    int           `env:"CRAWL_PIPELINE_RETRY_BATCH_SIZE"`
	ConfigGenScript   string        `env:"CRAWL_PIPELINE_CONFIG_GEN_SCRIPT"`
}

// DefaultPipelineConfig matches pipeline.DefaultRetryPassConfig plus a single
// default region.
func DefaultPipelineConfig() PipelineConfig {
	d := pipeline.DefaultRetryPassConfig()
	return PipelineConfig{
		Regions:        "us",
		RetryJitter:    d.MaxStartupJitter,
		RetryRateLimit: d.RateLimitDelay,
		RetryBatchSize: d.BatchSize,
	}
}

// RegionList splits Regions on commas, trimming whitespace and dropping
// empty entries.
func (c PipelineConfig) RegionList() []string {
	var regions []string
	for _, r := range strings.Split(c.Regions, ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			regions = append(regions, r)
		}
	}
	return regions
}

// ImporterConfig mirrors importer.Config's scalar fields with env tags; the
// endpoint-candidate lists keep importer.DefaultConfig's values since a flat
// env var is a poor fit for an ordered list of fallback URLs.
type ImporterConfig struct {
	BaseURL string        `env:"CRAWL_IMPORTER_BASE_URL"`
	Token   string        `env:"CRAWL_IMPORTER_TOKEN"`
	Timeout time.Duration `env:"CRAWL_IMPORTER_TIMEOUT"`
}

// DefaultImporterConfig matches importer.DefaultConfig's scalar fields.
func DefaultImporterConfig() ImporterConfig {
	d := importer.DefaultConfig()
	return ImporterConfig{BaseURL: d.BaseURL, Timeout: d.Timeout}
}

// ToImporterConfig converts to the importer package's own Config, keeping
// its default endpoint lists and batch sizes.
func (c ImporterConfig) ToImporterConfig() importer.Config {
	d := importer.DefaultConfig()
	d.BaseURL = c.BaseURL
	d.Token = c.Token
	if c.Timeout > 0 {
		d.Timeout = c.Timeout
	}
	return d
}

// LedgerConfig mirrors ledger.Config with env tags. The default DSN comes
// from DefaultLedgerConfig; a DSN set to the empty string is passed on
// unchanged.
type LedgerConfig struct {
	Driver string `env:"CRAWL_LEDGER_DRIVER"`
	DSN    string `env:"CRAWL_LEDGER_DSN"`
}

// DefaultLedgerConfig defaults to an embedded SQLite file under the output
// root; DSN here is a plain file path for "sqlite" and a full libpq DSN for
// "pgx" (ledger.OpenSQLite appends its own WAL/busy-timeout query params).
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{Driver: "sqlite", DSN: "./output/crawler-ledger.db"}
}

// ToLedgerConfig converts to the ledger package's own Config.
func (c LedgerConfig) ToLedgerConfig() ledger.Config {
	return ledger.Config{Driver: c.Driver, DSN: c.DSN}
}

// ObservabilityConfig mirrors observability.Config with env tags.
type ObservabilityConfig struct {
	Enabled     bool   `env:"CRAWL_OTEL_ENABLED"`
	ServiceName string `env:"CRAWL_OTEL_SERVICE_NAME"`
}

// DefaultObservabilityConfig defaults to the service's own name, disabled
// until CRAWL_OTEL_ENABLED is set to true.
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{Enabled: false, ServiceName: observability.DefaultServiceName}
}

// ToObservabilityConfig converts to the observability package's own Config.
func (c ObservabilityConfig) ToObservabilityConfig() observability.Config {
	name := c.ServiceName
	if name == "" {
		name = observability.DefaultServiceName
	}
	return observability.Config{Enabled: c.Enabled, ServiceName: name}
}

// Config aggregates every component's configuration.
type Config struct {
	Paths         PathsConfig
	Classifier    ClassifierConfig
	Concurrency   ConcurrencyConfig
	Progress      ProgressConfig
	RetryQueue    RetryQueueConfig
	Batch         BatchConfig
	Pipeline      PipelineConfig
	Importer      ImporterConfig
	Ledger        LedgerConfig
	Observability ObservabilityConfig

	// CrawlerBinary is the external headless-browser crawler executable
	// invoked once per config name (choice of browser engine is out of
	// scope; this only needs to emit a CrawlResult as JSON on stdout).
	CrawlerBinary string `env:"CRAWL_CRAWLER_BINARY"`
	// ArtifactBucket, when set, switches the artifact store from the local
	// filesystem to this GCS bucket.
	ArtifactBucket string `env:"CRAWL_ARTIFACT_BUCKET"`
}

// Default builds a Config from every component's Default*() constructor.
func Default() Config {
	return Config{
		Paths:         DefaultPathsConfig(),
		Classifier:    DefaultClassifierConfig(),
		Concurrency:   DefaultConcurrencyConfig(),
		Progress:      DefaultProgressConfig(),
		RetryQueue:    DefaultRetryQueueConfig(),
		Batch:         DefaultBatchConfig(),
		Pipeline:      DefaultPipelineConfig(),
		Importer:      DefaultImporterConfig(),
		Ledger:        DefaultLedgerConfig(),
		Observability: DefaultObservabilityConfig(),
		CrawlerBinary: "./bin/headless-crawler",
	}
}

// Load builds the default configuration and overrides it with whatever
// environment variables are set, recursing into every nested struct the way
// env.Load does for the teacher's own config.
func Load() (Config, error) {
	cfg := Default()
	if err := env.Load(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to load from environment: %w", err)
	}
	return cfg, nil
}
