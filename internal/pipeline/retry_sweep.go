package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryPassConfig tunes the retry sweep's jittered startup and rate limiting,
// borrowed from the teacher's ReconciliationConfig shape.
type RetryPassConfig struct {
	// MaxStartupJitter is the maximum random delay before the sweep begins
	// (default: 2s). Prevents multiple pipeline invocations started at once
	// from hammering the retry queue file simultaneously.
	MaxStartupJitter time.Duration

	// RateLimitDelay is the pause between re-running each retry record
	// (default: 200ms).
	RateLimitDelay time.Duration

	// BatchSize limits records processed per sweep (default: 50; zero or a
	// negative value selects the default).
	BatchSize int
}

// DefaultRetryPassConfig returns the spec's literal defaults.
func DefaultRetryPassConfig() RetryPassConfig {
	return RetryPassConfig{
		MaxStartupJitter: 2 * time.Second,
		RateLimitDelay:   200 * time.Millisecond,
		BatchSize:        50,
	}
}

// runRetryPass re-invokes the crawl stage over every pending retry record
// (spec §4.7 step 5): jittered start, rate-limited iteration, bounded batch,
// per-item counters.
func (o *Orchestrator) runRetryPass(ctx context.Context) (reconciled, skipped, failed int, err error) {
	cfg := o.cfg.RetryPass
	def := DefaultRetryPassConfig()
	if cfg.MaxStartupJitter <= 0 {
		cfg.MaxStartupJitter = def.MaxStartupJitter
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = def.RateLimitDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	if cfg.MaxStartupJitter > 0 {
		jitter := rand.N(cfg.MaxStartupJitter)
		timer := time.NewTimer(jitter)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, 0, 0, ctx.Err()
		case <-timer.C:
		}
	}

	records, err := o.retryQ.Pending()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("pipeline: failed to read pending retries: %w", err)
	}
	if len(records) == 0 {
		slog.DebugContext(ctx, "retry pass: nothing pending")
		return 0, 0, 0, nil
	}
	if len(records) > cfg.BatchSize {
		slog.InfoContext(ctx, "retry pass: batch size exceeded, truncating", "pending", len(records), "batch_size", cfg.BatchSize)
		records = records[:cfg.BatchSize]
	}

	slog.InfoContext(ctx, "retry pass started", "records", len(records))

	for i, record := range records {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "retry pass interrupted", "reason", ctx.Err(), "reconciled", reconciled, "remaining", len(records)-i)
			return reconciled, skipped, failed, nil
		default:
		}

		if cfg.RateLimitDelay > 0 && i > 0 {
			time.Sleep(cfg.RateLimitDelay)
		}

		batchResult, runErr := o.batchMgr.RunConfigs(ctx, []string{record.ConfigName})
		if runErr != nil {
			slog.ErrorContext(ctx, "retry pass: batch run failed", "config_name", record.ConfigName, "error", runErr)
			failed++
			continue
		}
		if batchResult.Completed > 0 {
			reconciled++
			if err := o.retryQ.Remove(record.ConfigName, record.SymbolCode, record.ReportType); err != nil {
				slog.WarnContext(ctx, "retry pass: failed to clear retry entry", "config_name", record.ConfigName, "error", err)
			}
		} else if batchResult.Skipped > 0 {
			skipped++
		} else {
			failed++
		}
	}

	slog.InfoContext(ctx, "retry pass completed", "reconciled", reconciled, "skipped", skipped, "failed", failed)
	return reconciled, skipped, failed, nil
}
