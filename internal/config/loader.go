package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/palantir/equity-enrichment-pipeline/internal/logging"
)

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("invalid config")

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment without
// overriding variables that are already set. A missing file is only an error when
// required is true.
func LoadDotEnv(path string, required bool) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from a YAML file, then applies environment overrides and
// validates the result. An empty path uses defaults plus the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(data []byte, cfg *Config) error {
	// Expand environment variables in the YAML content
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	str("DATABASE_URL", &cfg.Store.URL)
	str("DATABASE_PASSWORD", &cfg.Store.Password)
	str("GEMINI_API_KEY", &cfg.Providers.Gemini.APIKey)
	str("GEMINI_MODEL", &cfg.Providers.Gemini.Model)
	str("OPENFIGI_API_KEY", &cfg.Providers.OpenFIGI.APIKey)
	str("EDGAR_IDENTITY", &cfg.Providers.Filings.Identity)
	str("REDIS_URL", &cfg.Redis.URL)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("METRICS_ADDR", &cfg.Metrics.Addr)

	var err error
	if cfg.Pipeline.BatchSize, err = envInt("BATCH_SIZE", cfg.Pipeline.BatchSize); err != nil {
		return err
	}
	if cfg.Pipeline.SaveFrequency, err = envInt("SAVE_FREQUENCY", cfg.Pipeline.SaveFrequency); err != nil {
		return err
	}
	if cfg.Pipeline.Workers, err = envInt("WORKERS", cfg.Pipeline.Workers); err != nil {
		return err
	}
	if cfg.Retry.MaxRetries, err = envInt("MAX_RETRIES", cfg.Retry.MaxRetries); err != nil {
		return err
	}
	if cfg.Retry.RetryDelay, err = envFloat("RETRY_DELAY", cfg.Retry.RetryDelay); err != nil {
		return err
	}
	if cfg.Providers.Filings.LookbackDays, err = envInt("FILINGS_LOOKBACK_DAYS", cfg.Providers.Filings.LookbackDays); err != nil {
		return err
	}
	return nil
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %w", ErrInvalid, varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %w", ErrInvalid, varName, v, err)
	}
	return out, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Backend {
	case "postgres":
		if strings.TrimSpace(c.Store.URL) == "" {
			bad("store.url (DATABASE_URL) is required for the postgres backend")
		}
		if c.Store.MaxConns < 0 || c.Store.MinConns < 0 || (c.Store.MaxConns > 0 && c.Store.MinConns > c.Store.MaxConns) {
			bad("store.min_conns/max_conns out of range: %d/%d", c.Store.MinConns, c.Store.MaxConns)
		}
	case "badger":
	default:
		bad("store.backend must be postgres or badger, got %q", c.Store.Backend)
	}

	if c.Pipeline.BatchSize < 1 {
		bad("pipeline.batch_size must be >= 1, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.SaveFrequency < 1 {
		bad("pipeline.save_frequency must be >= 1, got %d", c.Pipeline.SaveFrequency)
	}
	if c.Pipeline.Workers < 1 {
		bad("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.Limit < 0 {
		bad("pipeline.limit must be >= 0, got %d", c.Pipeline.Limit)
	}

	if c.Retry.MaxRetries < 0 {
		bad("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.RetryDelay < 0 || c.Retry.MaxDelay < 0 {
		bad("retry delays must be >= 0")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		bad("retry.jitter must be in [0, 1), got %g", c.Retry.Jitter)
	}

	if len(c.Enrichers) == 0 {
		bad("at least one enricher must be enabled")
	}
	seen := make(map[string]bool, len(c.Enrichers))
	for i, e := range c.Enrichers {
		name := e.Name
		switch {
		case !slices.Contains(KnownEnrichers, name):
			bad("enrichers[%d]: unknown enricher %q (known: %s)", i, name, strings.Join(KnownEnrichers, ", "))
			continue
		case seen[name]:
			bad("enrichers[%d]: duplicate enricher %q", i, name)
			continue
		}
		seen[name] = true

		if e.MaxRetries != nil && *e.MaxRetries < 0 {
			bad("enrichers[%d] %s: max_retries must be >= 0", i, name)
		}
		if e.RetryDelay != nil && *e.RetryDelay < 0 {
			bad("enrichers[%d] %s: retry_delay must be >= 0", i, name)
		}
		if e.RateLimit < 0 || e.Burst < 0 || e.Timeout < 0 {
			bad("enrichers[%d] %s: rate_limit, burst and timeout must be >= 0", i, name)
		}
		if e.Cache && strings.TrimSpace(c.Redis.URL) == "" {
			bad("enrichers[%d] %s: cache requires redis.url (REDIS_URL)", i, name)
		}
	}
	if seen[InvestorInfo] && strings.TrimSpace(c.Providers.Gemini.APIKey) == "" {
		bad("providers.gemini.api_key (GEMINI_API_KEY) is required for %s", InvestorInfo)
	}
	if seen[Filings] && strings.TrimSpace(c.Providers.Filings.Identity) == "" {
		bad("providers.filings.identity (EDGAR_IDENTITY) is required for %s", Filings)
	}
	if seen[Filings] && c.Providers.Filings.LookbackDays < 1 {
		bad("providers.filings.lookback_days must be >= 1")
	}

	if c.Redis.URL != "" && c.Redis.LockTTL <= 0 {
		bad("redis.lock_ttl must be > 0")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		bad("logging.level: %v", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		bad("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
