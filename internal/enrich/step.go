package enrich

import (
	"context"
	"fmt"
	"maps"
	"time"

	"golang.org/x/time/rate"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/metrics"
	"github.com/palantir/equity-enrichment-pipeline/internal/retry"
)

// Step is one configured enricher in the pipeline's declared order: the enricher plus
// the retry policy, rate limit and per-attempt timeout applied to it.
type Step struct {
	Enricher Enricher
	Policy   retry.Policy

	// Limiter is applied before every attempt. Nil disables rate limiting.
	Limiter *rate.Limiter
	// RequestTimeout bounds a single attempt. Set to <=0 to disable.
	RequestTimeout time.Duration
}

// Outcome is the result of applying one Step to one company: either Fields to merge
// or the final Err after retries.
type Outcome struct {
	Enricher string
	Fields   company.Fields
	Err      error
	Attempts int
	Duration time.Duration
}

// Name returns the enricher name.
func (s Step) Name() string {
	return s.Enricher.Name()
}

// Run applies the step to c under its retry policy.
func (s Step) Run(ctx context.Context, c company.Company) Outcome {
	name := s.Name()
	start := time.Now()

	attempts := 0
	var fields company.Fields
	err := s.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts++
		var err error
		fields, err = s.attempt(WithAttempt(ctx, attempt+1), c)
		return err
	})

	out := Outcome{
		Enricher: name,
		Attempts: attempts,
		Duration: time.Since(start),
	}
	if err != nil {
		out.Err = err
		return out
	}
	// The enricher may hand back a map it keeps using.
	out.Fields = maps.Clone(fields).Compact()
	return out
}

type attemptKey struct{}

// WithAttempt records the 1-based attempt number of the call made with ctx.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// AttemptFrom returns the attempt number stored by WithAttempt, or 1.
func AttemptFrom(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok && n > 0 {
		return n
	}
	return 1
}

func (s Step) attempt(ctx context.Context, c company.Company) (company.Fields, error) {
	name := s.Name()
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if s.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
	}
	start := time.Now()
	fields, panicked, err := s.call(reqCtx, c)
	if cancel != nil {
		cancel()
	}
	metrics.EnricherLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

	status := "ok"
	switch {
	case err == nil:
	case panicked:
		status = "panic"
	case IsPermanent(err):
		status = "permanent"
	default:
		status = "error"
	}
	metrics.EnricherAttempts.WithLabelValues(name, status).Inc()
	return fields, err
}

// call invokes the enricher, turning a panic into a permanent error so that the
// company's other enrichers still run and the failure reaches the audit log.
func (s Step) call(ctx context.Context, c company.Company) (fields company.Fields, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			fields = nil
			err = Permanent(fmt.Errorf("panic: %v", r))
			panicked = true
		}
	}()
	fields, err = s.Enricher.Enrich(ctx, c)
	return fields, false, err
}
