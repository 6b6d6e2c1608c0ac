// Package app wires configuration into the store, the enrichers and the pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/palantir/equity-enrichment-pipeline/internal/config"
	"github.com/palantir/equity-enrichment-pipeline/internal/lock"
	"github.com/palantir/equity-enrichment-pipeline/internal/pipeline"
	"github.com/palantir/equity-enrichment-pipeline/internal/redisx"
	"github.com/palantir/equity-enrichment-pipeline/internal/seed"
	"github.com/palantir/equity-enrichment-pipeline/internal/store"
	"github.com/palantir/equity-enrichment-pipeline/internal/store/badger"
	"github.com/palantir/equity-enrichment-pipeline/internal/store/postgres"
)

// OpenStore opens the configured backend.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return postgres.Open(ctx, cfg.Store.Config, logger)
	case "badger":
		return badger.Open(cfg.Store.Path, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// RunOptions are per-invocation overrides of the pipeline config.
type RunOptions struct {
	// Limit overrides pipeline.limit when > 0.
	Limit int
	// Workers overrides pipeline.workers when > 0.
	Workers int
	// ReportPath, when set, receives a CSV line per processed company.
	ReportPath string
}

// Run enriches candidates from the configured store once.
func Run(ctx context.Context, cfg *config.Config, opts RunOptions, logger *slog.Logger) (*pipeline.Summary, error) {
	st, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	// Left nil (not a typed nil) when Redis is not configured.
	var rdb redis.Cmdable
	if cfg.Redis.URL != "" {
		client, err := redisx.NewClient(ctx, redisx.Config{URL: cfg.Redis.URL, Password: cfg.Redis.Password})
		if err != nil {
			return nil, err
		}
		defer client.Close()
		rdb = client
	}

	return RunWith(ctx, cfg, st, rdb, opts, logger)
}

// RunWith runs the pipeline against an already opened store. rdb may be nil.
func RunWith(ctx context.Context, cfg *config.Config, st store.Store, rdb redis.Cmdable, opts RunOptions, logger *slog.Logger) (*pipeline.Summary, error) {
	steps, err := StepBuilder{Config: cfg, Redis: rdb, Logger: logger}.Build(ctx)
	if err != nil {
		return nil, err
	}

	popts := pipeline.Options{
		BatchSize:     cfg.Pipeline.BatchSize,
		SaveFrequency: cfg.Pipeline.SaveFrequency,
		Workers:       cfg.Pipeline.Workers,
		RetryFlush:    cfg.Pipeline.RetryFlush,
		FlushPolicy:   BasePolicy(cfg.Retry),
		Logger:        logger,
	}
	if opts.Workers > 0 {
		popts.Workers = opts.Workers
	}
	if rdb != nil {
		popts.Lock = lock.New(rdb, cfg.Redis.LockKey, cfg.Redis.LockTTL)
	}

	p, err := pipeline.New(st, steps, popts)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	limit := cfg.Pipeline.Limit
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	summary, err := p.Run(ctx, limit)
	if err != nil {
		return nil, err
	}

	if opts.ReportPath != "" {
		if err := writeReport(opts.ReportPath, summary); err != nil {
			return summary, fmt.Errorf("write report: %w", err)
		}
		logger.Info("report written", "path", opts.ReportPath, "companies", len(summary.Outcomes))
	}
	return summary, nil
}

func writeReport(path string, summary *pipeline.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	if err := pipeline.WriteReportCSV(f, summary); err != nil {
		return err
	}
	return f.Close()
}

// Migrate applies schema migrations. Only the postgres backend has a schema.
func Migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Store.Backend != "postgres" {
		logger.Info("store has no schema to migrate", "backend", cfg.Store.Backend)
		return nil
	}
	st, err := postgres.Open(ctx, cfg.Store.Config, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Migrate(ctx)
}

// Seed loads candidate companies from a CSV file.
func Seed(ctx context.Context, cfg *config.Config, path string, logger *slog.Logger) (int, error) {
	st, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return 0, err
	}
	defer st.Close()

	seeder, ok := st.(store.Seeder)
	if !ok {
		return 0, fmt.Errorf("store backend %q cannot seed companies", cfg.Store.Backend)
	}
	n, err := seed.LoadFile(ctx, seeder, path)
	if err != nil {
		return 0, err
	}
	logger.Info("seeded companies", "path", path, "companies", n)
	return n, nil
}

// ErrNoAudit is returned when the store cannot list audit entries.
var ErrNoAudit = errors.New("store does not support reading the audit log")

// Audit prints the most recent audit entries as a table.
func Audit(ctx context.Context, cfg *config.Config, limit int, w io.Writer, logger *slog.Logger) error {
	st, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return PrintAudit(ctx, st, limit, w)
}

// PrintAudit writes up to limit entries from st, newest first.
func PrintAudit(ctx context.Context, st store.Store, limit int, w io.Writer) error {
	reader, ok := st.(store.AuditReader)
	if !ok {
		return ErrNoAudit
	}
	entries, err := reader.RecentAudit(ctx, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CREATED\tRUN\tTICKER\tENRICHER\tATTEMPTS\tERROR")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.RunID,
			e.Ticker,
			e.Enricher,
			e.Attempts,
			e.Error,
		)
	}
	return tw.Flush()
}
