// Package progress implements the durable per-batch task state machine:
// ProgressTracker owns a ProgressSummary, serializes every mutation,
// recomputes counters/ETA, and periodically persists itself to JSON so an
// interrupted batch can be resumed.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
)

// Callbacks are delivered synchronously in the mutation goroutine, in the
// order mutations occur, satisfying the spec's ordering guarantee.
type Callbacks struct {
	OnProgress func(summary *domain.ProgressSummary)
	OnError    func(configName, message string)
	OnComplete func(summary *domain.ProgressSummary)
}

// Tracker encapsulates one batch's ProgressSummary and its persistence.
type Tracker struct {
	mu           sync.Mutex
	summary      *domain.ProgressSummary
	progressDir  string
	autoSave     time.Duration
	callbacks    Callbacks
	stopAutoSave chan struct{}
	autoSaveDone chan struct{}
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithAutoSaveInterval overrides the default 30s auto-save period.
func WithAutoSaveInterval(d time.Duration) Option {
	return func(t *Tracker) { t.autoSave = d }
}

// WithCallbacks installs the progress/error/complete callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(t *Tracker) { t.callbacks = cb }
}

// New creates a tracker over a freshly selected batch of configNames.
func New(progressDir, id, category, market, typ string, configNames []string, opts ...Option) *Tracker {
	t := &Tracker{
		summary:     domain.NewProgressSummary(id, category, market, typ, configNames),
		progressDir: progressDir,
		autoSave:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.summary.Recount()
	return t
}

// StartAutoSave launches the periodic save timer; Cleanup stops it.
func (t *Tracker) StartAutoSave(ctx context.Context) {
	t.mu.Lock()
	if t.stopAutoSave != nil {
		t.mu.Unlock()
		return // already running
	}
	t.stopAutoSave = make(chan struct{})
	t.autoSaveDone = make(chan struct{})
	stop := t.stopAutoSave
	done := t.autoSaveDone
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.autoSave)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := t.Save(""); err != nil {
					slog.WarnContext(ctx, "progress: auto-save failed", "error", err)
				}
			}
		}
	}()
}

// Cleanup stops the auto-save timer (if running) and performs a final save.
func (t *Tracker) Cleanup() error {
	t.mu.Lock()
	stop := t.stopAutoSave
	done := t.autoSaveDone
	t.stopAutoSave = nil
	t.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return t.Save("")
}

// UpdateProgress transitions a task to newStatus, maintaining attempts,
// timestamps, counters and firing callbacks in the order mutations occur.
func (t *Tracker) UpdateProgress(configName string, newStatus domain.TaskStatus, errMsg string) error {
	t.mu.Lock()

	task, ok := t.summary.Tasks[configName]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("progress: unknown config %q: %w", configName, domain.ErrConfigNotFound)
	}

	now := time.Now().UTC()
	oldStatus := task.Status
	task.Status = newStatus

	if oldStatus != domain.StatusRunning && newStatus == domain.StatusRunning {
		task.Attempts++
		task.StartedAt = now
	}
	if newStatus.Terminal() || newStatus == domain.StatusFailed {
		task.EndedAt = now
	}
	if errMsg != "" {
		task.LastError = errMsg
		t.summary.Errors = append(t.summary.Errors, fmt.Sprintf("%s: %s", configName, errMsg))
	}

	t.recomputeAverageLocked()
	t.summary.Recount()
	if newStatus == domain.StatusRunning {
		t.summary.CurrentItem = configName
	}
	t.summary.LastUpdateAt = now

	summaryCopy := t.summary
	pending, running := t.summary.Pending, t.summary.Running
	cb := t.callbacks
	t.mu.Unlock()

	if cb.OnProgress != nil {
		cb.OnProgress(summaryCopy)
	}
	if errMsg != "" && cb.OnError != nil {
		cb.OnError(configName, errMsg)
	}
	if running == 0 && pending == 0 && cb.OnComplete != nil {
		cb.OnComplete(summaryCopy)
	}
	return nil
}

// recomputeAverageLocked recomputes AverageTimePerTask from completed tasks.
// Must be called with t.mu held.
func (t *Tracker) recomputeAverageLocked() {
	var total time.Duration
	var n int
	for _, task := range t.summary.Tasks {
		if task.Status == domain.StatusCompleted && !task.StartedAt.IsZero() && !task.EndedAt.IsZero() {
			total += task.EndedAt.Sub(task.StartedAt)
			n++
		}
	}
	if n > 0 {
		t.summary.AverageTimePerTask = total / time.Duration(n)
	}
}

// ResetConfig forces a task back to Pending, clearing its terminal fields.
func (t *Tracker) ResetConfig(configName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.summary.Tasks[configName]
	if !ok {
		return fmt.Errorf("progress: unknown config %q: %w", configName, domain.ErrConfigNotFound)
	}
	task.Status = domain.StatusPending
	task.LastError = ""
	task.EndedAt = time.Time{}
	t.summary.Recount()
	t.summary.LastUpdateAt = time.Now().UTC()
	return nil
}

// GetRetryableConfigs returns the names of Failed tasks with attempts < 3.
func (t *Tracker) GetRetryableConfigs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var names []string
	for name, task := range t.summary.Tasks {
		if task.Status == domain.StatusFailed && task.Attempts < 3 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Summary returns a snapshot of the current ProgressSummary.
func (t *Tracker) Summary() domain.ProgressSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.summary
}

func (t *Tracker) path(override string) string {
	if override != "" {
		return override
	}
	t.mu.Lock()
	id := t.summary.ID
	t.mu.Unlock()
	return filepath.Join(t.progressDir, id+".json")
}

// Save serializes the summary to path (or the default <progressDir>/<id>.json)
// via write-to-temp-then-rename for crash safety.
func (t *Tracker) Save(path string) error {
	dest := t.path(path)

	t.mu.Lock()
	data, err := json.MarshalIndent(t.summary, "", "  ")
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("progress: failed to marshal summary: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("progress: failed to create progress dir: %w", err)
	}

	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("progress: failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("progress: failed to rename temp file: %w", err)
	}
	return nil
}

// Load reconstructs a Tracker from a persisted summary file.
func Load(path, progressDir string) (*Tracker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("progress: %w", domain.ErrProgressNotFound)
		}
		return nil, fmt.Errorf("progress: failed to read %s: %w", path, err)
	}

	var summary domain.ProgressSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("progress: failed to unmarshal %s: %w", path, err)
	}
	summary.Recount()

	return &Tracker{
		summary:     &summary,
		progressDir: progressDir,
		autoSave:    30 * time.Second,
	}, nil
}

// ListProgressFiles enumerates durable progress summaries under dir.
func ListProgressFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("progress: failed to read %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// BuildID derives the stable progress-file id from its filter tags and a
// compact UTC timestamp, matching <category>-<market>-<type>-<UTCcompact>.
func BuildID(category, market, typ string, at time.Time) string {
	parts := []string{}
	for _, p := range []string{category, market, typ} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, at.UTC().Format("20060102T150405Z"))
	return strings.Join(parts, "-")
}
