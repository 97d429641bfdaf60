// Command crawler is the batch crawler orchestrator's CLI: it wires every
// component together and dispatches to one of its subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/finfeed/crawler-orchestrator/internal/artifacts"
	"github.com/finfeed/crawler-orchestrator/internal/batch"
	"github.com/finfeed/crawler-orchestrator/internal/classifier"
	"github.com/finfeed/crawler-orchestrator/internal/config"
	"github.com/finfeed/crawler-orchestrator/internal/configloader"
	"github.com/finfeed/crawler-orchestrator/internal/domain"
	"github.com/finfeed/crawler-orchestrator/internal/dryrun"
	"github.com/finfeed/crawler-orchestrator/internal/execcrawler"
	"github.com/finfeed/crawler-orchestrator/internal/fileexport"
	"github.com/finfeed/crawler-orchestrator/internal/importer"
	"github.com/finfeed/crawler-orchestrator/internal/ledger"
	"github.com/finfeed/crawler-orchestrator/internal/observability"
	"github.com/finfeed/crawler-orchestrator/internal/pipeline"
	"github.com/finfeed/crawler-orchestrator/internal/retryqueue"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "crawler: failed to load configuration:", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg.Observability)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Observability.Enabled {
		shutdownTracing := initTracing(ctx, cfg.Observability)
		defer shutdownTracing()
	}

	dryRun, rest := extractDryRunFlag(os.Args[1:])
	if len(rest) < 1 {
		usage()
		os.Exit(2)
	}
	cmd, args := rest[0], rest[1:]

	switch cmd {
	case "run":
		runCommand(ctx, cfg, args, dryRun)
	case "resume":
		resumeCommand(ctx, cfg, args, dryRun)
	case "retry":
		retryCommand(ctx, cfg, args, dryRun)
	case "retry-status":
		retryStatusCommand(ctx, cfg, dryRun)
	case "stats":
		statsCommand(ctx, cfg, dryRun)
	case "clean":
		cleanCommand(ctx, cfg, args, dryRun)
	case "clear-retries":
		clearRetriesCommand(ctx, cfg, dryRun)
	default:
		usage()
		os.Exit(2)
	}
}

// extractDryRunFlag pulls -dry-run/--dry-run out of args wherever it
// appears, so it can be combined with any subcommand: "crawler -dry-run run"
// or "crawler run -dry-run" both work.
func extractDryRunFlag(args []string) (bool, []string) {
	dryRun := false
	rest := make([]string, 0, len(args))
	for _, a := range args {
		if a == "-dry-run" || a == "--dry-run" {
			dryRun = true
			continue
		}
		rest = append(rest, a)
	}
	return dryRun, rest
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: crawler <command> [flags]

commands:
  run            generate configs, crawl, validate, retry, aggregate and import
  resume         resume a previously interrupted batch by progress id
  retry          re-run failed tasks from a previous batch by progress id
  retry-status   print the cross-run retry queue's pending counts
  stats          print artifact, retry-queue and run-ledger statistics
  clean          prune artifacts older than -days (default 30)
  clear-retries  empty the cross-run retry queue`)
}

func setupLogging(cfg observability.Config) *slog.Logger {
	if !cfg.Enabled {
		return slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	_, logger, err := observability.InitLogger(context.Background(), cfg)
	if err != nil {
		slog.Warn("observability: failed to init OTLP logger, falling back to stdout", "error", err)
		return slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return logger
}

func initTracing(ctx context.Context, cfg observability.Config) func() {
	tp, err := observability.InitTracerProvider(ctx, cfg)
	if err != nil {
		slog.WarnContext(ctx, "observability: failed to init tracer provider", "error", err)
		return func() {}
	}
	mp, err := observability.InitMeterProvider(ctx, cfg)
	if err != nil {
		slog.WarnContext(ctx, "observability: failed to init meter provider", "error", err)
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "observability: tracer shutdown failed", "error", err)
		}
		if mp != nil {
			if err := mp.Shutdown(shutdownCtx); err != nil {
				slog.WarnContext(shutdownCtx, "observability: meter shutdown failed", "error", err)
			}
		}
	}
}

// noopGenerator is the -dry-run stand-in for ScriptConfigGenerator: it
// reports zero newly generated configs without shelling out to anything.
type noopGenerator struct{}

func (noopGenerator) Generate(ctx context.Context, region string) (int, error) { return 0, nil }

// components bundles everything buildOrchestrator wires together, so
// subcommands that don't need the full pipeline (resume, retry) can still
// reuse the batch manager and ledger.
type components struct {
	loader       domain.ConfigLoader
	batchMgr     *batch.Manager
	retryQ       *retryqueue.Queue
	artifactsMgr *artifacts.Manager
	backend      artifacts.Backend
	orchestrator *pipeline.Orchestrator
	ledger       *ledger.Ledger // nil if unavailable
}

func buildComponents(ctx context.Context, cfg config.Config, dryRun bool) (*components, error) {
	loader := configloader.New(cfg.Paths.ConfigRoot)

	ec, err := classifier.New(cfg.Classifier.ToClassifierConfig())
	if err != nil {
		return nil, fmt.Errorf("crawler: failed to build classifier: %w", err)
	}

	domain.DefaultSiteConfig = cfg.Concurrency.ToSiteConfig()

	var crawler domain.Crawler = execcrawler.New(cfg.CrawlerBinary, cfg.Paths.ConfigRoot)
	var exporter domain.Exporter = fileexport.New(cfg.Paths.OutputRoot)
	var backendImporter domain.BackendImporter = importer.New(cfg.Importer.ToImporterConfig())
	var generator pipeline.ConfigGenerator = &pipeline.ScriptConfigGenerator{ScriptPath: cfg.Pipeline.ConfigGenScript}
	if dryRun {
		slog.WarnContext(ctx, "crawler: running with -dry-run, no browser/network/backend I/O will occur")
		crawler = dryrun.NewCrawler(nil)
		exporter = dryrun.NewExporter()
		backendImporter = dryrun.NewBackendImporter()
		generator = noopGenerator{}
	}

	batchMgr := batch.New(cfg.Batch.ToBatchConfig(cfg.Paths, nil), loader, crawler, exporter, ec)

	retryQ, err := retryqueue.Open(cfg.Paths.OutputRoot, cfg.RetryQueue.ToRetryQueueConfig())
	if err != nil {
		return nil, fmt.Errorf("crawler: failed to open retry queue: %w", err)
	}

	var backend artifacts.Backend
	if cfg.ArtifactBucket != "" {
		backend, err = artifacts.NewGCSStore(ctx, cfg.ArtifactBucket)
	} else {
		backend, err = artifacts.NewStore(cfg.Paths.OutputRoot)
	}
	if err != nil {
		return nil, fmt.Errorf("crawler: failed to open artifact store: %w", err)
	}
	artifactsMgr := artifacts.New(backend)

	pipelineCfg := pipeline.Config{
		ConfigRoot:  cfg.Paths.ConfigRoot,
		OutputRoot:  cfg.Paths.OutputRoot,
		ProgressDir: cfg.Paths.ProgressDir,
		Regions:     cfg.Pipeline.RegionList(),
		RetryPass: pipeline.RetryPassConfig{
			MaxStartupJitter: cfg.Pipeline.RetryJitter,
			RateLimitDelay:   cfg.Pipeline.RetryRateLimit,
			BatchSize:        cfg.Pipeline.RetryBatchSize,
		},
	}
	orchestrator := pipeline.New(pipelineCfg, loader, batchMgr, retryQ, artifactsMgr, generator, backendImporter)

	var lg *ledger.Ledger
	var lgErr error
	if cfg.Ledger.Driver == "sqlite" {
		lg, lgErr = ledger.OpenSQLite(ctx, cfg.Ledger.DSN)
	} else {
		lg, lgErr = ledger.Open(ctx, cfg.Ledger.ToLedgerConfig())
	}
	if lgErr != nil {
		slog.WarnContext(ctx, "crawler: run ledger unavailable, continuing without it", "error", lgErr)
		lg = nil
	}

	return &components{
		loader: loader, batchMgr: batchMgr, retryQ: retryQ,
		artifactsMgr: artifactsMgr, backend: backend, orchestrator: orchestrator, ledger: lg,
	}, nil
}

func recordRun(ctx context.Context, lg *ledger.Ledger, result pipeline.Result) {
	if lg == nil {
		return
	}
	runID := uuid.NewString()
	started := time.Now().UTC()
	run := ledger.Run{
		ID: runID, ProgressID: runID, StartedAt: started,
		TotalConfigs: result.TasksCompleted + result.TasksFailed + result.TasksSkipped,
		Completed:    result.TasksCompleted, Failed: result.TasksFailed, Skipped: result.TasksSkipped, Retried: result.Retried,
	}
	if err := lg.StartRun(ctx, run); err != nil {
		slog.WarnContext(ctx, "crawler: failed to record run start", "error", err)
		return
	}
	for _, e := range result.Errors {
		if err := lg.RecordError(ctx, ledger.RunError{RunID: runID, Message: e, OccurredAt: time.Now().UTC()}); err != nil {
			slog.WarnContext(ctx, "crawler: failed to record run error", "error", err)
		}
	}
	status := "completed"
	if result.TasksFailed > 0 {
		status = "completed_with_failures"
	}
	if err := lg.FinishRun(ctx, runID, result.TasksCompleted, result.TasksFailed, result.TasksSkipped, result.Retried, status, time.Now().UTC()); err != nil {
		slog.WarnContext(ctx, "crawler: failed to record run finish", "error", err)
	}
}

func runCommand(ctx context.Context, cfg config.Config, args []string, dryRun bool) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	category := fs.String("category", "", "filter by category")
	market := fs.String("market", "", "filter by market")
	typ := fs.String("type", "", "filter by report type")
	skipConfigGen := fs.Bool("skip-config-generation", false, "skip stage 2 (config generation)")
	skipCrawling := fs.Bool("skip-crawling", false, "skip stages 3-4 (crawl + validate)")
	skipAggregation := fs.Bool("skip-aggregation", false, "skip stages 6-7 (aggregate + import)")
	retryOnly := fs.Bool("retry-only", false, "run only the retry pass")
	clearRetries := fs.Bool("clear-retries", false, "clear the retry queue before running")
	_ = fs.Parse(args)

	comp, err := buildComponents(ctx, cfg, dryRun)
	if err != nil {
		slog.ErrorContext(ctx, "crawler: failed to wire components", "error", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		slog.InfoContext(ctx, "crawler: shutdown signal received, stopping scheduling loop")
		comp.batchMgr.Stop()
	}()

	result, err := comp.orchestrator.Run(ctx, pipeline.Options{
		Filter:               domain.ConfigFilter{Category: *category, Market: *market, Type: *typ},
		SkipConfigGeneration: *skipConfigGen,
		SkipCrawling:         *skipCrawling,
		SkipAggregation:      *skipAggregation,
		RetryOnly:            *retryOnly,
		ClearRetries:         *clearRetries,
	})
	if err != nil {
		slog.ErrorContext(ctx, "crawler: run failed", "error", err)
		os.Exit(1)
	}

	recordRun(ctx, comp.ledger, result)
	slog.InfoContext(ctx, "crawler: run complete",
		"configs_generated", result.ConfigsGenerated,
		"completed", result.TasksCompleted, "failed", result.TasksFailed, "skipped", result.TasksSkipped,
		"retried", result.Retried, "imported", result.RecordsImported)
}

func resumeCommand(ctx context.Context, cfg config.Config, args []string, dryRun bool) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: crawler resume <progress-id>")
		os.Exit(2)
	}
	progressID := fs.Arg(0)

	comp, err := buildComponents(ctx, cfg, dryRun)
	if err != nil {
		slog.ErrorContext(ctx, "crawler: failed to wire components", "error", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		comp.batchMgr.Stop()
	}()

	result, err := comp.batchMgr.ResumeBatch(ctx, progressID)
	if err != nil {
		slog.ErrorContext(ctx, "crawler: resume failed", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "crawler: resume complete", "completed", result.Completed, "failed", result.Failed, "skipped", result.Skipped)
}

func retryCommand(ctx context.Context, cfg config.Config, args []string, dryRun bool) {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: crawler retry <progress-id>")
		os.Exit(2)
	}
	progressID := fs.Arg(0)

	comp, err := buildComponents(ctx, cfg, dryRun)
	if err != nil {
		slog.ErrorContext(ctx, "crawler: failed to wire components", "error", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		comp.batchMgr.Stop()
	}()

	result, err := comp.batchMgr.RetryFailed(ctx, progressID)
	if err != nil {
		slog.ErrorContext(ctx, "crawler: retry failed", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "crawler: retry complete", "completed", result.Completed, "failed", result.Failed, "skipped", result.Skipped)
}

func retryStatusCommand(ctx context.Context, cfg config.Config, dryRun bool) {
	comp, err := buildComponents(ctx, cfg, dryRun)
	if err != nil {
		slog.ErrorContext(ctx, "crawler: failed to wire components", "error", err)
		os.Exit(1)
	}

	stats, err := comp.retryQ.Statistics()
	if err != nil {
		slog.ErrorContext(ctx, "crawler: failed to read retry queue statistics", "error", err)
		os.Exit(1)
	}
	fmt.Printf("retry queue: %d pending\n", stats.Total)
	for region, n := range stats.ByRegion {
		fmt.Printf("  region=%s pending=%d\n", region, n)
	}
	for reason, n := range stats.ByReason {
		fmt.Printf("  reason=%s pending=%d\n", reason, n)
	}
}

func statsCommand(ctx context.Context, cfg config.Config, dryRun bool) {
	comp, err := buildComponents(ctx, cfg, dryRun)
	if err != nil {
		slog.ErrorContext(ctx, "crawler: failed to wire components", "error", err)
		os.Exit(1)
	}

	stats := comp.orchestrator.Statistics(ctx)
	fmt.Printf("artifacts: %d files, %d bytes, %d unique symbols\n", stats.Artifacts.TotalFiles, stats.Artifacts.TotalSize, stats.Artifacts.UniqueSymbols)
	fmt.Printf("retry queue: %d pending\n", stats.Retries.Total)

	if comp.ledger != nil {
		agg, err := comp.ledger.Aggregate(ctx)
		if err != nil {
			slog.WarnContext(ctx, "crawler: failed to read run ledger statistics", "error", err)
			return
		}
		fmt.Printf("run ledger: %d runs, %d completed, %d failed, %d retried\n", agg.TotalRuns, agg.TotalCompleted, agg.TotalFailed, agg.TotalRetried)
	}
}

func cleanCommand(ctx context.Context, cfg config.Config, args []string, dryRun bool) {
	fs := flag.NewFlagSet("clean", flag.ExitOnError)
	days := fs.Int("days", 30, "delete artifacts older than this many days")
	_ = fs.Parse(args)

	comp, err := buildComponents(ctx, cfg, dryRun)
	if err != nil {
		slog.ErrorContext(ctx, "crawler: failed to wire components", "error", err)
		os.Exit(1)
	}

	removed, err := comp.artifactsMgr.CleanOldFiles(ctx, *days)
	if err != nil {
		slog.ErrorContext(ctx, "crawler: clean failed", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "crawler: clean complete", "removed", removed)
}

func clearRetriesCommand(ctx context.Context, cfg config.Config, dryRun bool) {
	comp, err := buildComponents(ctx, cfg, dryRun)
	if err != nil {
		slog.ErrorContext(ctx, "crawler: failed to wire components", "error", err)
		os.Exit(1)
	}

	n, err := comp.retryQ.ClearAll()
	if err != nil {
		slog.ErrorContext(ctx, "crawler: clear-retries failed", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "crawler: retry queue cleared", "removed", n)
}
