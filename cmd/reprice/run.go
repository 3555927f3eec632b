package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/the-price-must-flow/internal/batch"
	"github.com/Veraticus/the-price-must-flow/internal/cli"
	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/pipeline"
	"github.com/Veraticus/the-price-must-flow/internal/service"
)

// runFlags are the options shared by run and resume.
type runFlags struct {
	vendor       string
	status       string
	reportPath   string
	resumeFrom   string
	limit        int
	concurrency  int
	apply        bool
	localOnly    bool
	dryRun       bool
	fast         bool
	failOnErrors bool
}

func runCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Price the catalog",
		Long: `Analyze every variant matching the filters and store a price recommendation.

With --apply, successful recommendations are written to Shopify (or only to
the local mirror with --local-only). A JSON report of the run is written to
the report directory; pass it to "reprice resume" to retry the failures.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, flags)
		},
	}
	addRunFlags(cmd, &flags)
	cmd.Flags().StringVar(&flags.vendor, "vendor", "", "only products from this vendor")
	cmd.Flags().StringVar(&flags.status, "status", "", "only products with this status (active, draft, archived)")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "maximum number of products (0 for all)")
	cmd.Flags().StringVar(&flags.resumeFrom, "resume", "", "retry the failed variants of this report")
	return cmd
}

func resumeCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "resume <report.json>",
		Short: "Retry the failed variants of a previous run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.resumeFrom = args[0]
			return runBatch(cmd, flags)
		},
	}
	addRunFlags(cmd, &flags)
	return cmd
}

func addRunFlags(cmd *cobra.Command, flags *runFlags) {
	cmd.Flags().BoolVar(&flags.apply, "apply", false, "write successful recommendations to the price of record")
	cmd.Flags().BoolVar(&flags.localOnly, "local-only", false, "with --apply, update only the local mirror")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "analyze and store results without writing prices")
	cmd.Flags().BoolVar(&flags.fast, "fast", false, "skip the reflection and deliberation stages")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "products priced in parallel (default: batch.concurrency)")
	cmd.Flags().BoolVar(&flags.failOnErrors, "fail-on-errors", false, "exit non-zero when any variant failed")
	cmd.Flags().StringVar(&flags.reportPath, "report", "", "report file (default: <batch.report_dir>/<run id>.json)")
}

// validate rejects contradictory flag combinations.
func (f runFlags) validate() error {
	if f.dryRun && f.apply {
		return common.NewUserError("--dry-run and --apply cannot be combined", nil)
	}
	if f.localOnly && !f.apply {
		return common.NewUserError("--local-only requires --apply", nil)
	}
	if f.status != "" {
		switch model.ProductStatus(f.status) {
		case model.StatusActive, model.StatusDraft, model.StatusArchived:
		default:
			return common.NewUserError(fmt.Sprintf("unknown product status %q", f.status), nil)
		}
	}
	return nil
}

// filter builds the catalog filter, narrowing to a report's failures when resuming.
func (f runFlags) filter() (service.CatalogFilter, error) {
	filter := service.CatalogFilter{
		Vendor: f.vendor,
		Status: model.ProductStatus(f.status),
		Limit:  f.limit,
	}
	if f.resumeFrom == "" {
		return filter, nil
	}
	previous, err := batch.LoadReport(f.resumeFrom)
	if err != nil {
		return filter, common.NewUserError("cannot resume", err)
	}
	filter.VariantIDs = previous.FailedVariantIDs()
	return filter, nil
}

func runBatch(cmd *cobra.Command, flags runFlags) error {
	if err := flags.validate(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flags.concurrency > 0 {
		cfg.Batch.Concurrency = flags.concurrency
	}
	settings, err := cfg.VolumeSettings()
	if err != nil {
		return common.NewUserError("invalid volume settings", err)
	}
	filter, err := flags.filter()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if flags.resumeFrom != "" && len(filter.VariantIDs) == 0 {
		fmt.Fprintln(out, cli.FormatSuccess("Nothing to resume: the report has no failed variants"))
		return nil
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	products, err := a.store.ListProducts(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list catalog: %w", err)
	}
	total := 0
	for _, p := range products {
		total += len(p.Variants)
	}
	if total == 0 {
		fmt.Fprintln(out, cli.FormatWarning("No variants match the filters. Run \"reprice import\" to sync the catalog."))
		return nil
	}

	stageEvents := make(chan pipeline.Event, 256)
	analyzer, err := a.analyzer(ctx, stageEvents)
	if err != nil {
		return err
	}
	deps := batch.Deps{
		Store:        a.store,
		Analyzer:     analyzer,
		Checkpointer: a.store,
		Observer:     a.metrics,
		Logger:       a.logger.With("component", "batch"),
	}
	if flags.apply {
		applier, err := a.applier(flags.localOnly)
		if err != nil {
			return err
		}
		deps.Applier = applier
	}
	controller, err := batch.NewController(deps)
	if err != nil {
		return err
	}

	runID := batch.NewRunID()
	reportPath := flags.reportPath
	if reportPath == "" {
		reportPath = filepath.Join(cfg.Batch.ReportDir, runID+".json")
	}
	interrupt.SetResumeHint("reprice resume " + reportPath)

	fmt.Fprintln(out, cli.FormatTitle(fmt.Sprintf("Repricing %d variants across %d products", total, len(products))))
	reporter := cli.NewProgressReporter(os.Stderr, total)

	report, err := execute(ctx, a, controller, reporter, stageEvents, batch.Options{
		Filter:      filter,
		Products:    products,
		RunID:       runID,
		Volume:      settings,
		Concurrency: cfg.Batch.Concurrency,
		Apply:       flags.apply,
		FastPath:    flags.fast,
		Checkpoint:  cfg.Batch.Checkpoint,
	})
	if report == nil {
		return err
	}

	if writeErr := report.Write(reportPath); writeErr != nil {
		a.logger.Error("Failed to write report", "path", reportPath, "error", writeErr)
		reportPath = ""
	}
	fmt.Fprint(out, cli.RenderSummary(report, reportPath))
	if err != nil {
		return err
	}

	return exitStatus(report, flags.failOnErrors, interrupt.WasInterrupted())
}

// execute runs the batch beside its progress consumers and, when configured,
// the metrics endpoint. Cancelling ctx only stops the batch from starting new
// products. The endpoint stops when the batch finishes, and its failure is
// logged without touching the batch.
func execute(
	ctx context.Context,
	a *app,
	controller *batch.Controller,
	reporter *cli.ProgressReporter,
	stageEvents chan pipeline.Event,
	opts batch.Options,
) (*batch.Report, error) {
	var g errgroup.Group
	serveCtx, stopServe := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServe()

	var report *batch.Report
	g.Go(func() error {
		defer stopServe()
		defer close(stageEvents)
		r, err := controller.Run(ctx, opts)
		report = r
		return err
	})
	g.Go(func() error {
		reporter.Consume(controller.Events())
		return nil
	})
	g.Go(func() error {
		logStageEvents(stageEvents)
		return nil
	})
	if addr := a.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error {
			if err := a.metrics.Serve(serveCtx, addr); err != nil {
				a.logger.Error("Metrics endpoint failed", "addr", addr, "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	return report, err
}

// exitStatus maps a finished report to the process exit code.
func exitStatus(report *batch.Report, failOnErrors, interrupted bool) error {
	s := report.Summary
	switch {
	case s.Fatal:
		return &exitError{
			err:    fmt.Errorf("%w: %s", common.ErrFatal, s.FatalError),
			reason: "batch halted by a fatal provider error",
			code:   1,
		}
	case interrupted:
		return &exitError{reason: "batch interrupted", code: 130}
	case failOnErrors && s.Failed+s.ApplyFailed > 0:
		return &exitError{reason: fmt.Sprintf("%d variants failed", s.Failed+s.ApplyFailed), code: 1}
	}
	return nil
}
