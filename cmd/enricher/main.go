package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/palantir/equity-enrichment-pipeline/internal/app"
	"github.com/palantir/equity-enrichment-pipeline/internal/config"
	"github.com/palantir/equity-enrichment-pipeline/internal/logging"
	"github.com/palantir/equity-enrichment-pipeline/internal/pipeline"
	"github.com/palantir/equity-enrichment-pipeline/internal/util"
	"github.com/palantir/equity-enrichment-pipeline/internal/version"
)

const (
	exitFailure = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	err := newApp(stdout, stderr).RunContext(ctx, args)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(stderr, "enricher: %s\n", util.RedactSecrets(err.Error()))
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return exitFailure
}

// env holds what the Before hook resolves for every command.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func newApp(stdout, stderr io.Writer) *cli.App {
	e := &env{stdout: stdout, stderr: stderr}
	return &cli.App{
		Name:      "enricher",
		Usage:     "Enrich company records from market data, identifier, filings and LLM providers",
		Version:   version.Current,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file (defaults plus environment when empty)",
				EnvVars: []string{"ENRICHER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load credentials from this .env file before reading the config",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error); overrides logging.level",
			},
		},
		Before: e.setup,
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return cli.Exit(err, exitConfig)
		},
		// Exit codes are mapped in run so commands stay testable.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Enrich candidate companies and persist the results",
				Action: e.runCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of candidates to process (0 uses pipeline.limit)",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent enrichment workers (0 uses pipeline.workers)",
					},
					&cli.StringFlag{
						Name:  "report",
						Usage: "Write a per-company CSV report to this path",
					},
					&cli.StringFlag{
						Name:  "metrics-addr",
						Usage: "Serve Prometheus /metrics on this address during the run (env: METRICS_ADDR)",
					},
				},
			},
			{
				Name:   "migrate",
				Usage:  "Create or upgrade the companies and audit tables",
				Action: e.migrateCommand,
			},
			{
				Name:   "seed",
				Usage:  "Load candidate companies from a CSV file (must include a 'Ticker' column)",
				Action: e.seedCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "input",
						Aliases: []string{"i"},
						Usage:   "Input CSV file path",
					},
				},
			},
			{
				Name:   "audit",
				Usage:  "Show the most recent enrichment failures",
				Action: e.auditCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of entries to show",
						Value: 20,
					},
				},
			},
		},
	}
}

func (e *env) setup(c *cli.Context) error {
	// Only an explicitly requested env file must exist.
	if err := config.LoadDotEnv(c.String("env-file"), c.IsSet("env-file")); err != nil {
		return cli.Exit(err, exitConfig)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Errorf("config error: %w", err), exitConfig)
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, e.stderr)
	if err != nil {
		return cli.Exit(fmt.Errorf("config error: %w", err), exitConfig)
	}
	slog.SetDefault(logger)

	e.cfg = cfg
	e.logger = logger
	return nil
}

func (e *env) runCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := app.RunOptions{
		Limit:      c.Int("limit"),
		Workers:    c.Int("workers"),
		ReportPath: c.String("report"),
	}
	if opts.Limit < 0 || opts.Workers < 0 {
		return cli.Exit("--limit and --workers must be >= 0", exitConfig)
	}
	addr := c.String("metrics-addr")
	if addr == "" {
		addr = e.cfg.Metrics.Addr
	}

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			e.logger.Info("serving metrics", "addr", addr)
			// Metrics are optional: a listener failure must not stop the run.
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("metrics server failed; continuing without /metrics", "addr", addr, "error", err)
			}
			return nil
		})
	}

	var summary *pipeline.Summary
	g.Go(func() error {
		defer func() {
			if srv == nil {
				return
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		s, err := app.Run(gctx, e.cfg, opts, e.logger)
		summary = s
		return err
	})

	if err := g.Wait(); err != nil {
		return cli.Exit(fmt.Errorf("run failed: %w", err), exitFailure)
	}

	printSummary(e.stdout, summary)
	if summary.Canceled {
		return cli.Exit("run canceled before all candidates were processed", exitFailure)
	}
	return nil
}

func printSummary(w io.Writer, s *pipeline.Summary) {
	_, _ = fmt.Fprintf(w,
		"run %s: candidates=%d processed=%d enriched=%d partial=%d failed=%d skipped=%d enricher_failures=%d persisted=%d not_persisted=%d flushes=%d failed_flushes=%d duration=%s\n",
		s.RunID,
		s.Candidates,
		s.Processed,
		s.Enriched,
		s.Partial,
		s.Failed,
		s.Skipped,
		s.EnricherFailures,
		s.Persisted,
		s.NotPersisted,
		s.Flushes,
		s.FailedFlushes,
		s.Duration.Round(time.Millisecond),
	)
}

func (e *env) migrateCommand(c *cli.Context) error {
	if err := app.Migrate(c.Context, e.cfg, e.logger); err != nil {
		return cli.Exit(fmt.Errorf("migrate failed: %w", err), exitFailure)
	}
	return nil
}

func (e *env) seedCommand(c *cli.Context) error {
	input := c.String("input")
	if input == "" {
		return cli.Exit("seed requires --input", exitConfig)
	}
	n, err := app.Seed(c.Context, e.cfg, input, e.logger)
	if err != nil {
		return cli.Exit(fmt.Errorf("seed failed: %w", err), exitFailure)
	}
	_, _ = fmt.Fprintf(e.stdout, "seeded %d companies\n", n)
	return nil
}

func (e *env) auditCommand(c *cli.Context) error {
	if err := app.Audit(c.Context, e.cfg, c.Int("limit"), e.stdout, e.logger); err != nil {
		return cli.Exit(fmt.Errorf("audit failed: %w", err), exitFailure)
	}
	return nil
}
