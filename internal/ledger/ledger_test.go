package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	l, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestStartAndFinishRun(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	started := time.Now()
	require.NoError(t, l.StartRun(ctx, Run{
		ID:           "run-1",
		ProgressID:   "progress-20260729",
		StartedAt:    started,
		TotalConfigs: 10,
	}))

	finished := started.Add(time.Minute)
	require.NoError(t, l.FinishRun(ctx, "run-1", 8, 1, 1, 2, "completed", finished))

	runs, err := l.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, 8, runs[0].Completed)
	assert.Equal(t, "completed", runs[0].Status)
	require.NotNil(t, runs[0].FinishedAt)
}

func TestRecordError(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.StartRun(ctx, Run{ID: "run-1", ProgressID: "p1", StartedAt: time.Now(), TotalConfigs: 1}))
	require.NoError(t, l.RecordError(ctx, RunError{
		RunID:      "run-1",
		ConfigName: "us-income-statement-AAPL",
		Kind:       "network",
		Message:    "connection reset",
		OccurredAt: time.Now(),
	}))
}

func TestAggregate(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.StartRun(ctx, Run{ID: "run-1", ProgressID: "p1", StartedAt: time.Now(), TotalConfigs: 5}))
	require.NoError(t, l.FinishRun(ctx, "run-1", 4, 1, 0, 0, "completed", time.Now()))
	require.NoError(t, l.StartRun(ctx, Run{ID: "run-2", ProgressID: "p2", StartedAt: time.Now(), TotalConfigs: 3}))
	require.NoError(t, l.FinishRun(ctx, "run-2", 3, 0, 0, 1, "completed", time.Now()))

	stats, err := l.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 7, stats.TotalCompleted)
	assert.Equal(t, 1, stats.TotalFailed)
	assert.Equal(t, 1, stats.TotalRetried)
	require.NotNil(t, stats.LastRunAt)
}

func TestRecentRunsOrdering(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, l.StartRun(ctx, Run{ID: "older", ProgressID: "p1", StartedAt: base}))
	require.NoError(t, l.StartRun(ctx, Run{ID: "newer", ProgressID: "p2", StartedAt: base.Add(time.Hour)}))

	runs, err := l.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "newer", runs[0].ID)
}
