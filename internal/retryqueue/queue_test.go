package retryqueue

import (
	"testing"
	"time"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCreatesThenIncrementsThenGraduates(t *testing.T) {
	q, err := Open(t.TempDir(), Config{MaxAttempts: 2})
	require.NoError(t, err)

	require.NoError(t, q.Add("cfgA", "AAPL", "eps", "us", domain.RetryReasonEmptyData))
	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	// Idempotence property (testable property 8): two Adds increase attempts by 2.
	require.NoError(t, q.Add("cfgA", "AAPL", "eps", "us", domain.RetryReasonEmptyData))
	pending, err = q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)

	// A third Add exceeds maxAttempts=2: the record graduates (is removed).
	require.NoError(t, q.Add("cfgA", "AAPL", "eps", "us", domain.RetryReasonEmptyData))
	pending, err = q.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRemove(t *testing.T) {
	q, err := Open(t.TempDir(), DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, q.Add("cfgA", "AAPL", "eps", "us", domain.RetryReasonTimeout))
	require.NoError(t, q.Remove("cfgA", "AAPL", "eps"))

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClearAll(t *testing.T) {
	q, err := Open(t.TempDir(), DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, q.Add("cfgA", "AAPL", "eps", "us", domain.RetryReasonTimeout))
	require.NoError(t, q.Add("cfgB", "MSFT", "eps", "us", domain.RetryReasonTimeout))

	n, err := q.ClearAll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCleanupExpired(t *testing.T) {
	q, err := Open(t.TempDir(), Config{MaxAttempts: 3, CleanupDays: 7})
	require.NoError(t, err)

	require.NoError(t, q.Add("cfgA", "AAPL", "eps", "us", domain.RetryReasonTimeout))

	// Manually age the record past the cleanup window.
	records, err := q.readLocked()
	require.NoError(t, err)
	records[0].CreatedAt = time.Now().UTC().AddDate(0, 0, -8)
	require.NoError(t, q.writeLocked(records))

	removed, err := q.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestStatisticsBreakdown(t *testing.T) {
	q, err := Open(t.TempDir(), DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, q.Add("cfgA", "AAPL", "eps", "us", domain.RetryReasonEmptyData))
	require.NoError(t, q.Add("cfgB", "7203", "eps", "jp", domain.RetryReasonTimeout))

	stats, err := q.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByRegion["us"])
	assert.Equal(t, 1, stats.ByRegion["jp"])
	assert.False(t, stats.OldestCreatedAt.IsZero())
}

func TestQueueSurvivesMissingFile(t *testing.T) {
	q, err := Open(t.TempDir(), DefaultConfig())
	require.NoError(t, err)

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
