// Package config loads the enricher's YAML configuration, applies environment overrides
// and validates the result. A Config is read-only once Load returns.
package config

import (
	"time"

	"github.com/palantir/equity-enrichment-pipeline/internal/store/postgres"
)

// Enricher names accepted in the enrichers list.
const (
	MarketData     = "market_data"
	Identifier     = "identifier"
	Classification = "classification"
	Filings        = "filings"
	InvestorInfo   = "investor_info"
)

// KnownEnrichers lists every enricher name in its recommended order.
var KnownEnrichers = []string{MarketData, Identifier, Classification, Filings, InvestorInfo}

// Config is the top-level configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Retry     RetryConfig      `yaml:"retry"`
	Enrichers []EnricherConfig `yaml:"enrichers"`
	Providers ProvidersConfig  `yaml:"providers"`
	Redis     RedisConfig      `yaml:"redis"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// StoreConfig selects and configures the backing store.
type StoreConfig struct {
	Backend string `yaml:"backend"` // postgres, badger

	postgres.Config `yaml:",inline"`

	// Path is the BadgerDB directory. Empty runs in memory.
	Path string `yaml:"path"`
}

type PipelineConfig struct {
	BatchSize     int  `yaml:"batch_size"`
	SaveFrequency int  `yaml:"save_frequency"`
	Workers       int  `yaml:"workers"`
	RetryFlush    bool `yaml:"retry_flush"`
	// Limit caps candidates per run; 0 means all.
	Limit int `yaml:"limit"`
}

// RetryConfig is shared by every enricher unless overridden. Delays are in seconds.
type RetryConfig struct {
	MaxRetries int     `yaml:"max_retries"`
	RetryDelay float64 `yaml:"retry_delay"`
	Jitter     float64 `yaml:"jitter"`

	// MaxDelay caps a single backoff sleep. 0 leaves backoff uncapped.
	MaxDelay float64 `yaml:"max_delay"`
}

// EnricherConfig enables one enricher. Unset overrides fall back to RetryConfig.
type EnricherConfig struct {
	Name       string   `yaml:"name"`
	MaxRetries *int     `yaml:"max_retries"`
	RetryDelay *float64 `yaml:"retry_delay"`

	// RateLimit is requests per second across workers; 0 disables.
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
	Timeout   time.Duration `yaml:"timeout"`
	// Cache stores successful results in Redis for redis.cache_ttl.
	Cache bool `yaml:"cache"`
}

type ProvidersConfig struct {
	MarketData     MarketDataConfig     `yaml:"market_data"`
	OpenFIGI       OpenFIGIConfig       `yaml:"openfigi"`
	Classification ClassificationConfig `yaml:"classification"`
	Filings        FilingsConfig        `yaml:"filings"`
	Gemini         GeminiConfig         `yaml:"gemini"`
}

type MarketDataConfig struct {
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`
}

type OpenFIGIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type ClassificationConfig struct {
	// Table is an optional YAML sector table replacing the built-in one.
	Table string `yaml:"table"`
}

type FilingsConfig struct {
	WWWBaseURL   string `yaml:"www_base_url"`
	DataBaseURL  string `yaml:"data_base_url"`
	Identity     string `yaml:"identity"`
	LookbackDays int    `yaml:"lookback_days"`
}

type GeminiConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	Grounding bool   `yaml:"grounding"`
}

// RedisConfig is optional; an empty URL disables the run lock and the cache.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	LockKey  string        `yaml:"lock_key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type MetricsConfig struct {
	// Addr serves /metrics during a run, e.g. ":9090". Empty disables.
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: "postgres",
			Config:  postgres.Config{MaxConns: 10, MinConns: 2},
		},
		Pipeline: PipelineConfig{
			BatchSize:     10,
			SaveFrequency: 5,
			Workers:       1,
		},
		Retry: RetryConfig{
			MaxRetries: 2,
			RetryDelay: 1.0,
		},
		Enrichers: []EnricherConfig{
			{Name: MarketData},
			{Name: Classification},
		},
		Providers: ProvidersConfig{
			MarketData: MarketDataConfig{
				BaseURL:   "https://query2.finance.yahoo.com",
				UserAgent: "Mozilla/5.0 (compatible; equity-enrichment-pipeline)",
			},
			OpenFIGI: OpenFIGIConfig{BaseURL: "https://api.openfigi.com"},
			Filings: FilingsConfig{
				WWWBaseURL:   "https://www.sec.gov",
				DataBaseURL:  "https://data.sec.gov",
				LookbackDays: 365,
			},
		},
		Redis: RedisConfig{
			LockKey:  "equity-enrichment:run-lock",
			LockTTL:  2 * time.Hour,
			CacheTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Seconds converts a float seconds knob to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
