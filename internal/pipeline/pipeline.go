package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich"
	"github.com/palantir/equity-enrichment-pipeline/internal/metrics"
	"github.com/palantir/equity-enrichment-pipeline/internal/retry"
	"github.com/palantir/equity-enrichment-pipeline/internal/store"
	"github.com/palantir/equity-enrichment-pipeline/internal/util"
	"github.com/palantir/equity-enrichment-pipeline/internal/worker"
)

// Locker guards a run against concurrent runs over the same store.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

type Options struct {
	// BatchSize is the number of companies buffered before a flush. Defaults to 10.
	BatchSize int
	// SaveFrequency is the checkpoint cadence in companies: progress is logged,
	// concurrent enrichment is joined and cancellation is honored every
	// SaveFrequency companies. Defaults to 5.
	SaveFrequency int
	// Workers bounds how many companies of one checkpoint window are enriched
	// concurrently. Defaults to 1.
	Workers int

	// RetryFlush retries a failed BatchUpsert under FlushPolicy. When false a failed
	// flush drops that batch's updates for this run.
	RetryFlush  bool
	FlushPolicy retry.Policy

	// Lock is optional.
	Lock Locker

	Logger *slog.Logger
	// Now overrides the clock used for last_enriched and audit timestamps (tests).
	Now func() time.Time
	// NewRunID overrides run ID generation (tests).
	NewRunID func() string
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.SaveFrequency <= 0 {
		o.SaveFrequency = 5
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewRunID == nil {
		o.NewRunID = uuid.NewString
	}
	return o
}

// Pipeline enriches candidate companies with a fixed, ordered list of steps and
// persists the merged patches in batches.
type Pipeline struct {
	store store.Store
	steps []enrich.Step
	opts  Options
	pool  *worker.Pool
}

// New builds a pipeline. Steps run in the given order for every company.
func New(st store.Store, steps []enrich.Step, opts Options) (*Pipeline, error) {
	if st == nil {
		return nil, errors.New("pipeline: store is required")
	}
	opts = opts.withDefaults()
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if s.Enricher == nil {
			return nil, errors.New("pipeline: step without enricher")
		}
		if _, dup := seen[s.Name()]; dup {
			return nil, fmt.Errorf("pipeline: duplicate enricher %q", s.Name())
		}
		seen[s.Name()] = struct{}{}
	}
	pool, err := worker.New(worker.Options{Workers: opts.Workers, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	return &Pipeline{store: st, steps: steps, opts: opts, pool: pool}, nil
}

// Close releases the worker pool. The store is owned by the caller.
func (p *Pipeline) Close() {
	p.pool.Release()
}

// companyResult is the outcome of running every step over one candidate.
type companyResult struct {
	ticker   string
	patch    company.Fields
	outcomes []enrich.Outcome
	// done is false only for a slot whose worker never returned.
	done    bool
	skipped bool
	// aborted is set when the company's patch was discarded after a panic.
	aborted bool
}

// pipelineEnricher names audit entries for failures outside any single enricher.
const pipelineEnricher = "pipeline"

// run is the per-Run state owned by the driver goroutine.
type run struct {
	p       *Pipeline
	id      string
	logger  *slog.Logger
	summary *Summary

	batch    []company.Update
	batchIdx []int // indexes into summary.Outcomes
}

// Run fetches up to limit candidates (limit <= 0 means all), enriches and persists
// them. Only failures to reach the store while fetching (or to take the run lock)
// are returned as errors; enrichment, flush and audit failures are reported in the
// Summary. On cancellation the in-flight batch is flushed at the next checkpoint and
// the partial Summary is returned with Canceled set.
func (p *Pipeline) Run(ctx context.Context, limit int) (*Summary, error) {
	start := time.Now()
	r := &run{
		p:       p,
		id:      p.opts.NewRunID(),
		summary: &Summary{},
	}
	r.summary.RunID = r.id
	r.logger = p.opts.Logger.With("run", r.id)

	if p.opts.Lock != nil {
		release, err := p.opts.Lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("failed to release run lock", "error", err)
			}
		}()
	}

	r.logger.Info("fetching candidates", "limit", limit)
	candidates, err := p.store.FetchCandidates(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}
	r.summary.Candidates = len(candidates)
	r.logger.Info("processing candidates",
		"candidates", len(candidates),
		"enrichers", len(p.steps),
		"batch_size", p.opts.BatchSize,
		"save_frequency", p.opts.SaveFrequency,
		"workers", p.pool.Size(),
	)

	// Enrichment, flushes and audit writes are not interrupted mid-window: a
	// cancellation is observed at the next checkpoint.
	work := context.WithoutCancel(ctx)
	window := p.opts.SaveFrequency
	for lo := 0; lo < len(candidates); lo += window {
		if ctx.Err() != nil {
			r.summary.Canceled = true
			r.logger.Warn("run canceled; stopping at checkpoint", "processed", r.summary.Processed, "candidates", len(candidates))
			break
		}
		hi := min(lo+window, len(candidates))

		results, err := worker.Map(work, p.pool, candidates[lo:hi], func(ctx context.Context, _ int, c company.Company) companyResult {
			return p.enrichCompany(ctx, c)
		})
		if err != nil {
			// Only reachable if the pool was released underneath us.
			return nil, fmt.Errorf("enrich window %d-%d: %w", lo, hi, err)
		}
		for _, res := range results {
			r.fold(work, res)
		}
		r.logger.Info("checkpoint",
			"processed", r.summary.Processed,
			"candidates", len(candidates),
			"pending", len(r.batch),
			"persisted", r.summary.Persisted,
		)
	}

	if len(r.batch) > 0 {
		r.flush(work)
	}

	r.summary.Duration = time.Since(start)
	metrics.LastRunTimestamp.SetToCurrentTime()
	r.logger.Info("run complete",
		"processed", r.summary.Processed,
		"enriched", r.summary.Enriched,
		"partial", r.summary.Partial,
		"failed", r.summary.Failed,
		"skipped", r.summary.Skipped,
		"enricher_failures", r.summary.EnricherFailures,
		"persisted", r.summary.Persisted,
		"not_persisted", r.summary.NotPersisted,
		"flushes", r.summary.Flushes,
		"failed_flushes", r.summary.FailedFlushes,
		"canceled", r.summary.Canceled,
		"duration", r.summary.Duration.Round(time.Millisecond),
	)
	return r.summary, nil
}

// enrichCompany runs every step over c in declared order. Each step sees c overlaid
// with the patch accumulated so far; later steps overwrite earlier fields.
func (p *Pipeline) enrichCompany(ctx context.Context, c company.Company) (res companyResult) {
	res = companyResult{ticker: c.Ticker(), done: true}
	if res.ticker == "" {
		res.skipped = true
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			res.patch = nil
			res.aborted = true
			res.outcomes = append(res.outcomes, enrich.Outcome{
				Enricher: pipelineEnricher,
				Err:      fmt.Errorf("panic: %v", r),
				Attempts: 1,
			})
		}
	}()

	view := c
	var patch company.Fields
	for _, step := range p.steps {
		o := step.Run(ctx, view)
		res.outcomes = append(res.outcomes, o)
		if o.Err != nil || len(o.Fields) == 0 {
			continue
		}
		patch = patch.Merge(o.Fields)
		view = c.With(patch)
	}
	if len(patch) > 0 {
		patch[company.LastEnrichedField] = p.opts.Now().UTC()
	}
	res.patch = patch
	return res
}

// fold records one company's result, appends audit entries and adds its patch to
// the batch, flushing when the batch is full. Called only from the driver goroutine.
func (r *run) fold(ctx context.Context, res companyResult) {
	switch {
	case !res.done:
		r.summary.Processed++
		r.summary.Failed++
		r.logger.Error("enrichment worker returned no result")
		return
	case res.skipped:
		r.summary.Skipped++
		r.logger.Warn("skipping candidate without ticker")
		return
	}
	r.summary.Processed++

	out := CompanyOutcome{Ticker: res.ticker, Fields: sortedKeys(res.patch)}
	ok := 0
	for _, o := range res.outcomes {
		if o.Err == nil {
			ok++
			continue
		}
		r.summary.EnricherFailures++
		metrics.EnricherFailures.WithLabelValues(o.Enricher).Inc()

		msg := util.RedactSecrets(o.Err.Error())
		out.FailedEnrichers = append(out.FailedEnrichers, o.Enricher)
		out.Errors = append(out.Errors, o.Enricher+": "+msg)
		r.logger.Warn("enrichment failed",
			"ticker", res.ticker,
			"enricher", o.Enricher,
			"attempts", o.Attempts,
			"error", msg,
		)
		r.appendLog(ctx, company.AuditEntry{
			Ticker:    res.ticker,
			Enricher:  o.Enricher,
			Error:     msg,
			Attempts:  o.Attempts,
			RunID:     r.id,
			CreatedAt: r.p.opts.Now().UTC(),
		})
	}

	switch {
	case res.aborted:
		out.Status = StatusFailed
		r.summary.Failed++
	case ok == len(res.outcomes):
		out.Status = StatusEnriched
		r.summary.Enriched++
	case ok > 0:
		out.Status = StatusPartial
		r.summary.Partial++
	default:
		out.Status = StatusFailed
		r.summary.Failed++
	}
	metrics.CompaniesProcessed.WithLabelValues(out.Status).Inc()

	r.summary.Outcomes = append(r.summary.Outcomes, out)
	r.batch = append(r.batch, company.Update{Ticker: res.ticker, Fields: res.patch})
	r.batchIdx = append(r.batchIdx, len(r.summary.Outcomes)-1)

	if len(r.batch) >= r.p.opts.BatchSize {
		r.flush(ctx)
	}
}

// appendLog writes one audit entry. Failures are logged and counted, never returned.
func (r *run) appendLog(ctx context.Context, entry company.AuditEntry) {
	if err := r.p.store.AppendLog(ctx, entry); err != nil {
		r.summary.AuditWriteFailures++
		metrics.AuditWriteFailures.Inc()
		r.logger.Warn("failed to write audit log entry",
			"ticker", entry.Ticker,
			"enricher", entry.Enricher,
			"error", util.RedactSecrets(err.Error()),
		)
	}
}

// flush persists the pending batch and clears it whatever the outcome.
func (r *run) flush(ctx context.Context) {
	batch := r.batch
	idx := r.batchIdx
	r.batch = nil
	r.batchIdx = nil

	start := time.Now()
	var err error
	if r.p.opts.RetryFlush {
		policy := r.p.opts.FlushPolicy
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			r.logger.Warn("batch flush failed; retrying", "attempt", attempt+1, "delay", delay, "error", util.RedactSecrets(err.Error()))
		}
		err = policy.Do(ctx, func(ctx context.Context, _ int) error {
			return r.p.store.BatchUpsert(ctx, batch)
		})
	} else {
		err = r.p.store.BatchUpsert(ctx, batch)
	}
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	metrics.BatchSize.Observe(float64(len(batch)))

	r.summary.Flushes++
	if err != nil {
		r.summary.FailedFlushes++
		r.summary.NotPersisted += len(batch)
		metrics.Flushes.WithLabelValues("error").Inc()
		r.logger.Error("batch flush failed; updates dropped for this run",
			"companies", len(batch),
			"tickers", store.Tickers(batch),
			"error", util.RedactSecrets(err.Error()),
		)
		return
	}

	r.summary.Persisted += len(batch)
	for _, i := range idx {
		r.summary.Outcomes[i].Persisted = true
	}
	metrics.Flushes.WithLabelValues("ok").Inc()
	r.logger.Info("batch flushed", "companies", len(batch), "duration", time.Since(start).Round(time.Millisecond))
}
