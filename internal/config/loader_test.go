package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"DATABASE_URL", "DATABASE_PASSWORD", "BATCH_SIZE", "SAVE_FREQUENCY", "MAX_RETRIES",
	"RETRY_DELAY", "WORKERS", "GEMINI_API_KEY", "GEMINI_MODEL", "OPENFIGI_API_KEY",
	"EDGAR_IDENTITY", "FILINGS_LOOKBACK_DAYS", "REDIS_URL", "LOG_LEVEL", "METRICS_ADDR",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://app@localhost/equity")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, 10, cfg.Pipeline.BatchSize)
	assert.Equal(t, 5, cfg.Pipeline.SaveFrequency)
	assert.Equal(t, 2, cfg.Retry.MaxRetries)
	assert.Equal(t, 1.0, cfg.Retry.RetryDelay)
	assert.Zero(t, cfg.Retry.MaxDelay, "backoff is uncapped by default")
	assert.Equal(t, []EnricherConfig{{Name: MarketData}, {Name: Classification}}, cfg.Enrichers)
	assert.False(t, cfg.Pipeline.RetryFlush)
}

func TestLoad_FileWithEnvSubstitution(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_SUPABASE_URL", "postgres://postgres@db.example.supabase.co:5432/postgres")

	path := writeConfig(t, `
store:
  backend: postgres
  url: ${TEST_SUPABASE_URL}
  max_conns: 4
pipeline:
  batch_size: 25
  save_frequency: 10
  retry_flush: true
retry:
  max_retries: 0
  retry_delay: 0.5
enrichers:
  - name: market_data
    rate_limit: 2
    timeout: 15s
  - name: classification
  - name: filings
    max_retries: 4
providers:
  filings:
    identity: Research Team research@example.com
redis:
  url: redis://localhost:6379/0
  lock_ttl: 30m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://postgres@db.example.supabase.co:5432/postgres", cfg.Store.URL)
	assert.Equal(t, 4, cfg.Store.MaxConns)
	assert.Equal(t, 2, cfg.Store.MinConns, "unset keys keep defaults")
	assert.Equal(t, 25, cfg.Pipeline.BatchSize)
	assert.True(t, cfg.Pipeline.RetryFlush)
	assert.Equal(t, 0, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, Seconds(cfg.Retry.RetryDelay))

	require.Len(t, cfg.Enrichers, 3)
	assert.Equal(t, 15*time.Second, cfg.Enrichers[0].Timeout)
	assert.Equal(t, 2.0, cfg.Enrichers[0].RateLimit)
	require.NotNil(t, cfg.Enrichers[2].MaxRetries)
	assert.Equal(t, 4, *cfg.Enrichers[2].MaxRetries)
	assert.Nil(t, cfg.Enrichers[0].MaxRetries)

	assert.Equal(t, 30*time.Minute, cfg.Redis.LockTTL)
	assert.Equal(t, 24*time.Hour, cfg.Redis.CacheTTL)
	assert.Equal(t, 365, cfg.Providers.Filings.LookbackDays)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
store:
  backend: badger
pipeline:
  batch_size: 25
`)
	t.Setenv("BATCH_SIZE", "3")
	t.Setenv("RETRY_DELAY", "2.5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pipeline.BatchSize)
	assert.Equal(t, 2.5, cfg.Retry.RetryDelay)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_InvalidEnvNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("WORKERS", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "WORKERS")
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "store:\n  backend: badger\npipeline:\n  batchsize: 3\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batchsize")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := Default()
		c.Store.Backend = "badger"
		return c
	}
	neg := -1

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "unknown enricher", mutate: func(c *Config) { c.Enrichers = append(c.Enrichers, EnricherConfig{Name: "isin"}) }, want: `unknown enricher "isin"`},
		{name: "duplicate enricher", mutate: func(c *Config) { c.Enrichers = append(c.Enrichers, EnricherConfig{Name: MarketData}) }, want: `duplicate enricher "market_data"`},
		{name: "no enrichers", mutate: func(c *Config) { c.Enrichers = nil }, want: "at least one enricher"},
		{name: "batch size", mutate: func(c *Config) { c.Pipeline.BatchSize = 0 }, want: "batch_size"},
		{name: "save frequency", mutate: func(c *Config) { c.Pipeline.SaveFrequency = -2 }, want: "save_frequency"},
		{name: "negative retries", mutate: func(c *Config) { c.Retry.MaxRetries = -1 }, want: "max_retries"},
		{name: "negative override", mutate: func(c *Config) { c.Enrichers[0].MaxRetries = &neg }, want: "market_data: max_retries"},
		{name: "gemini key", mutate: func(c *Config) { c.Enrichers = append(c.Enrichers, EnricherConfig{Name: InvestorInfo}) }, want: "GEMINI_API_KEY"},
		{name: "edgar identity", mutate: func(c *Config) { c.Enrichers = append(c.Enrichers, EnricherConfig{Name: Filings}) }, want: "EDGAR_IDENTITY"},
		{name: "cache needs redis", mutate: func(c *Config) { c.Enrichers[0].Cache = true }, want: "cache requires redis.url"},
		{name: "backend", mutate: func(c *Config) { c.Store.Backend = "sqlite" }, want: "store.backend"},
		{name: "postgres url", mutate: func(c *Config) { c.Store.Backend = "postgres" }, want: "DATABASE_URL"},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "chatty" }, want: "logging.level"},
		{name: "jitter", mutate: func(c *Config) { c.Retry.Jitter = 1 }, want: "retry.jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	c := base()
	assert.NoError(t, c.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DATABASE_PASSWORD=from-dotenv\nGEMINI_MODEL=gemini-2.5-pro\n"), 0o600))

	// Already-set variables win over the file.
	t.Setenv("GEMINI_MODEL", "preset")
	// godotenv only fills variables that are unset, not empty.
	require.NoError(t, os.Unsetenv("DATABASE_PASSWORD"))

	require.NoError(t, LoadDotEnv(path, true))
	assert.Equal(t, "from-dotenv", os.Getenv("DATABASE_PASSWORD"))
	assert.Equal(t, "preset", os.Getenv("GEMINI_MODEL"))

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), false))
	assert.Error(t, LoadDotEnv(filepath.Join(dir, "missing.env"), true))
}
