package progress

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateProgressTransitions(t *testing.T) {
	dir := t.TempDir()
	tr := New(dir, "batch-1", "cat", "mkt", "typ", []string{"A", "B", "C"})

	require.NoError(t, tr.UpdateProgress("A", domain.StatusRunning, ""))
	summary := tr.Summary()
	assert.Equal(t, 1, summary.Running)
	assert.Equal(t, 2, summary.Pending)
	assert.Equal(t, 1, summary.Tasks["A"].Attempts)
	assert.False(t, summary.Tasks["A"].StartedAt.IsZero())

	require.NoError(t, tr.UpdateProgress("A", domain.StatusCompleted, ""))
	summary = tr.Summary()
	assert.Equal(t, 1, summary.Completed)
	assert.False(t, summary.Tasks["A"].EndedAt.IsZero())
}

func TestUpdateProgressErrorRecorded(t *testing.T) {
	dir := t.TempDir()
	tr := New(dir, "batch-2", "", "", "", []string{"X"})

	require.NoError(t, tr.UpdateProgress("X", domain.StatusRunning, ""))
	require.NoError(t, tr.UpdateProgress("X", domain.StatusFailed, "HTTP 500 Internal Server Error"))

	summary := tr.Summary()
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "HTTP 500 Internal Server Error", summary.Tasks["X"].LastError)
	assert.Len(t, summary.Errors, 1)
}

func TestUpdateProgressUnknownConfig(t *testing.T) {
	tr := New(t.TempDir(), "batch-3", "", "", "", []string{"A"})
	err := tr.UpdateProgress("missing", domain.StatusRunning, "")
	assert.ErrorIs(t, err, domain.ErrConfigNotFound)
}

func TestCallbacksFireInOrder(t *testing.T) {
	dir := t.TempDir()
	var events []string

	tr := New(dir, "batch-4", "", "", "", []string{"A"}, WithCallbacks(Callbacks{
		OnProgress: func(*domain.ProgressSummary) { events = append(events, "progress") },
		OnError:    func(string, string) { events = append(events, "error") },
		OnComplete: func(*domain.ProgressSummary) { events = append(events, "complete") },
	}))

	require.NoError(t, tr.UpdateProgress("A", domain.StatusRunning, ""))
	require.NoError(t, tr.UpdateProgress("A", domain.StatusFailed, "boom"))

	assert.Equal(t, []string{"progress", "progress", "error", "complete"}, events)
}

func TestResetConfig(t *testing.T) {
	tr := New(t.TempDir(), "batch-5", "", "", "", []string{"A"})
	require.NoError(t, tr.UpdateProgress("A", domain.StatusRunning, ""))
	require.NoError(t, tr.UpdateProgress("A", domain.StatusFailed, "oops"))

	require.NoError(t, tr.ResetConfig("A"))
	summary := tr.Summary()
	assert.Equal(t, domain.StatusPending, summary.Tasks["A"].Status)
	assert.Empty(t, summary.Tasks["A"].LastError)
	assert.True(t, summary.Tasks["A"].EndedAt.IsZero())
}

func TestGetRetryableConfigs(t *testing.T) {
	tr := New(t.TempDir(), "batch-6", "", "", "", []string{"A", "B"})
	require.NoError(t, tr.UpdateProgress("A", domain.StatusRunning, ""))
	require.NoError(t, tr.UpdateProgress("A", domain.StatusFailed, "err"))
	require.NoError(t, tr.UpdateProgress("B", domain.StatusRunning, ""))
	require.NoError(t, tr.UpdateProgress("B", domain.StatusCompleted, ""))

	assert.Equal(t, []string{"A"}, tr.GetRetryableConfigs())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tr := New(dir, "batch-7", "cat", "mkt", "typ", []string{"A", "B"})
	require.NoError(t, tr.UpdateProgress("A", domain.StatusRunning, ""))
	require.NoError(t, tr.UpdateProgress("A", domain.StatusCompleted, ""))

	path := filepath.Join(dir, "batch-7.json")
	require.NoError(t, tr.Save(path))

	loaded, err := Load(path, dir)
	require.NoError(t, err)

	before := tr.Summary()
	after := loaded.Summary()
	// Deep-equal modulo LastUpdateAt, which may advance on reload.
	after.LastUpdateAt = before.LastUpdateAt
	assert.Equal(t, before, after)
}

func TestListProgressFilesMissingDirIsEmpty(t *testing.T) {
	files, err := ListProgressFiles(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestBuildID(t *testing.T) {
	ts := time.Date(2026, 7, 29, 10, 30, 0, 0, time.UTC)
	id := BuildID("financials", "us", "quarterly", ts)
	assert.Equal(t, "financials-us-quarterly-20260729T103000Z", id)
}
