package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/metrics"
)

type cachedEnricher struct {
	next   Enricher
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// Cached serves repeated lookups for the same ticker from Redis. Only successful
// deltas are cached; cache read and write errors fall through to next.
func Cached(next Enricher, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &cachedEnricher{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		prefix: "enrich:" + next.Name() + ":",
		logger: logger.With("enricher", next.Name()),
	}
}

func (e *cachedEnricher) Name() string { return e.next.Name() }

func (e *cachedEnricher) Enrich(ctx context.Context, c company.Company) (company.Fields, error) {
	ticker := c.Ticker()
	if ticker == "" {
		return e.next.Enrich(ctx, c)
	}
	key := e.prefix + ticker

	raw, err := e.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached company.Fields
		if jerr := json.Unmarshal(raw, &cached); jerr == nil {
			metrics.CacheLookups.WithLabelValues(e.next.Name(), "hit").Inc()
			return cached, nil
		}
		e.logger.Warn("discarding undecodable cache entry", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		e.logger.Warn("enrichment cache read failed", "key", key, "error", err)
	}
	metrics.CacheLookups.WithLabelValues(e.next.Name(), "miss").Inc()

	out, err := e.next.Enrich(ctx, c)
	if err != nil {
		return out, err
	}

	b, err := json.Marshal(out)
	if err != nil {
		e.logger.Warn("enrichment cache encode failed", "ticker", ticker, "error", err)
		return out, nil
	}
	if err := e.rdb.Set(ctx, key, b, e.ttl).Err(); err != nil {
		e.logger.Warn("enrichment cache write failed", "key", key, "error", err)
	}
	return out, nil
}
