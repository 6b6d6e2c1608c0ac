package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/palantir/equity-enrichment-pipeline/internal/config"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich/classification"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich/filings"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich/gemini"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich/identifier"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich/marketdata"
	"github.com/palantir/equity-enrichment-pipeline/internal/retry"
)

// NewEnricher constructs the named enricher from its provider configuration.
func NewEnricher(ctx context.Context, name string, p config.ProvidersConfig) (enrich.Enricher, error) {
	switch name {
	case config.MarketData:
		return marketdata.New(marketdata.Config{
			BaseURL:   p.MarketData.BaseURL,
			UserAgent: p.MarketData.UserAgent,
		})
	case config.Identifier:
		return identifier.New(identifier.Config{
			BaseURL: p.OpenFIGI.BaseURL,
			APIKey:  p.OpenFIGI.APIKey,
		})
	case config.Classification:
		return classification.New(p.Classification.Table)
	case config.Filings:
		return filings.New(filings.Config{
			WWWBaseURL:   p.Filings.WWWBaseURL,
			DataBaseURL:  p.Filings.DataBaseURL,
			Identity:     p.Filings.Identity,
			LookbackDays: p.Filings.LookbackDays,
		})
	case config.InvestorInfo:
		return gemini.New(ctx, gemini.Config{
			APIKey:    p.Gemini.APIKey,
			Model:     p.Gemini.Model,
			BaseURL:   p.Gemini.BaseURL,
			Grounding: p.Gemini.Grounding,
		})
	default:
		return nil, fmt.Errorf("unknown enricher %q", name)
	}
}

// BasePolicy is the retry policy shared by enrichers and batch flushes.
func BasePolicy(r config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxRetries: r.MaxRetries,
		BaseDelay:  config.Seconds(r.RetryDelay),
		MaxDelay:   config.Seconds(r.MaxDelay),
		JitterFrac: r.Jitter,
	}
}

// StepPolicy applies an enricher's overrides on top of the shared policy.
func StepPolicy(base config.RetryConfig, e config.EnricherConfig) retry.Policy {
	p := BasePolicy(base)
	if e.MaxRetries != nil {
		p.MaxRetries = *e.MaxRetries
	}
	if e.RetryDelay != nil {
		p.BaseDelay = config.Seconds(*e.RetryDelay)
	}
	return p
}

// StepLimiter returns nil when the enricher is not rate limited.
func StepLimiter(e config.EnricherConfig) *rate.Limiter {
	if e.RateLimit <= 0 {
		return nil
	}
	burst := e.Burst
	if burst <= 0 {
		burst = max(1, int(math.Ceil(e.RateLimit)))
	}
	return rate.NewLimiter(rate.Limit(e.RateLimit), burst)
}

// StepBuilder turns the configured enricher list into pipeline steps.
type StepBuilder struct {
	Config *config.Config
	// Redis backs the result cache; nil disables caching.
	Redis  redis.Cmdable
	Logger *slog.Logger

	// New overrides enricher construction (tests).
	New func(ctx context.Context, name string, p config.ProvidersConfig) (enrich.Enricher, error)
}

// Build returns one step per configured enricher, in declared order.
func (b StepBuilder) Build(ctx context.Context) ([]enrich.Step, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newEnricher := b.New
	if newEnricher == nil {
		newEnricher = NewEnricher
	}

	steps := make([]enrich.Step, 0, len(b.Config.Enrichers))
	for _, ec := range b.Config.Enrichers {
		e, err := newEnricher(ctx, ec.Name, b.Config.Providers)
		if err != nil {
			return nil, fmt.Errorf("enricher %s: %w", ec.Name, err)
		}
		e = enrich.Traced(e, logger)
		if ec.Cache && b.Redis != nil {
			e = enrich.Cached(e, b.Redis, b.Config.Redis.CacheTTL, logger)
		}
		steps = append(steps, enrich.Step{
			Enricher:       e,
			Policy:         StepPolicy(b.Config.Retry, ec),
			Limiter:        StepLimiter(ec),
			RequestTimeout: ec.Timeout,
		})
		logger.Debug("enricher configured",
			"enricher", ec.Name,
			"max_retries", StepPolicy(b.Config.Retry, ec).MaxRetries,
			"rate_limit", ec.RateLimit,
			"timeout", ec.Timeout,
			"cache", ec.Cache && b.Redis != nil,
		)
	}
	return steps, nil
}
