package enrich

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/util"
)

type tracedEnricher struct {
	next   Enricher
	logger *slog.Logger
}

// Traced logs every call to next at debug level: the attempt number (see
// AttemptFrom), the duration, and either the returned field names or the (redacted) error.
func Traced(next Enricher, logger *slog.Logger) Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &tracedEnricher{
		next:   next,
		logger: logger.With("enricher", next.Name()),
	}
}

func (t *tracedEnricher) Name() string { return t.next.Name() }

func (t *tracedEnricher) Enrich(ctx context.Context, c company.Company) (company.Fields, error) {
	ticker := c.Ticker()
	attempt := AttemptFrom(ctx)

	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	t.logger.Debug("enrich request", "ticker", ticker, "attempt", attempt, "deadline_in", deadlineIn)

	start := time.Now()
	out, err := t.next.Enrich(ctx, c)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		t.logger.Debug("enrich response",
			"ticker", ticker,
			"attempt", attempt,
			"duration", elapsed,
			"status", "error",
			"permanent", IsPermanent(err),
			"error", util.RedactSecrets(err.Error()),
		)
		return out, err
	}

	keys := out.Keys()
	t.logger.Debug("enrich response",
		"ticker", ticker,
		"attempt", attempt,
		"duration", elapsed,
		"status", "ok",
		"fields", strings.Join(keys, ","),
	)
	return out, nil
}
