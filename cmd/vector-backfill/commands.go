package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/app"
	"github.com/radiusdt/vector-attribution/internal/attribution"
	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/ingest"
	"github.com/radiusdt/vector-attribution/internal/jobs"
	"github.com/radiusdt/vector-attribution/internal/middleware"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/rollup"
)

// env is what every command needs: config, logger and opened stores.
type env struct {
	cfg        *config.Config
	logger     *zap.Logger
	backends   *app.Backends
	aggregator *rollup.Aggregator
}

// setup loads configuration and opens the backends. The returned context is
// cancelled on SIGINT or SIGTERM.
func setup() (context.Context, *env, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	if cfg.Storage.Driver == "memory" {
		logger.Warn("backfill against in-memory storage has no lasting effect")
	}

	e := &env{
		cfg:        cfg,
		logger:     logger,
		backends:   backends,
		aggregator: rollup.NewAggregator(backends.Stores.Metrics, logger, nil),
	}
	cleanup := func() {
		backends.Close()
		stop()
		_ = logger.Sync()
	}
	return ctx, e, cleanup, nil
}

func newImportCSVCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-csv [file]",
		Short: "Apply a daily metrics CSV export to the rollup",
		Long: `Reads a CSV with the header
day,episode_id,source,downloads,listeners,completion_rate,ctr,conversions,revenue_cents
and applies every valid row. Use "-" to read from standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			svc := ingest.NewService(ingest.Deps{
				Events: e.backends.Stores.Events,
				Rollup: e.aggregator,
				Logger: e.logger,
			})
			return runImportCSV(ctx, svc, in, cmd.OutOrStdout())
		},
	}
}

func runImportCSV(ctx context.Context, svc *ingest.Service, in io.Reader, out io.Writer) error {
	batch, err := svc.IngestMetricsCSV(ctx, in)
	if batch != nil {
		for _, r := range batch.Results {
			if r.Error != nil {
				fmt.Fprintf(out, "row %d rejected: %s\n", r.Index+1, r.Error.Error())
			}
		}
		fmt.Fprintf(out, "applied %d, unchanged %d, rejected %d\n", batch.Ingested, batch.Duplicates, batch.Rejected)
	}
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	return nil
}

func newRecomputeDayCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "recompute-day [YYYY-MM-DD]",
		Short: "Refold every rollup row of a day from its contribution ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			if concurrency <= 0 {
				concurrency = e.cfg.Workers.BackfillConcurrent
			}
			return runRecomputeDay(ctx, e.aggregator, args[0], concurrency, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "partitions refolded in parallel (default VECTOR_ATTR_BACKFILL_CONCURRENCY)")
	return cmd
}

func runRecomputeDay(ctx context.Context, agg *rollup.Aggregator, day string, concurrency int, out io.Writer) error {
	report, err := agg.RecomputeDay(ctx, day, concurrency)
	if report != nil {
		fmt.Fprintf(out, "%s: %d of %d partitions rewritten\n", day, report.Recomputed, report.Partitions)
	}
	if err != nil {
		return fmt.Errorf("recompute %s: %w", day, err)
	}
	return nil
}

func newRecomputeCampaignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute-campaign [campaign-id]",
		Short: "Re-resolve every conversion of a campaign and update the rollup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			stores := e.backends.Stores
			resolver := attribution.NewResolver(stores, e.backends.Locker, e.cfg.Workers.LockTTL, e.logger, nil)
			svc := attribution.NewService(stores, resolver, jobs.NewInlineSink(e.aggregator), e.logger)
			return runRecomputeCampaign(ctx, svc, args[0], cmd.OutOrStdout())
		},
	}
}

func runRecomputeCampaign(ctx context.Context, svc *attribution.Service, campaignID string, out io.Writer) error {
	summary, err := svc.RecomputeCampaign(ctx, campaignID)
	if summary != nil {
		fmt.Fprintf(out, "%s: %d conversions, %d attributed, %d unattributed\n",
			campaignID, summary.Conversions, summary.Attributed, summary.Unattributed)
	}
	if err != nil {
		if models.IsValidation(err) {
			return fmt.Errorf("campaign %s cannot be resolved: %w", campaignID, err)
		}
		return fmt.Errorf("recompute %s: %w", campaignID, err)
	}
	return nil
}
