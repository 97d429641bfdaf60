// Package batch implements BatchManager, the component that owns one batch
// run end to end: enumerating configurations, gating per-site concurrency,
// invoking the external Crawler, consulting the ErrorClassifier on failure,
// and driving a ProgressTracker to completion. It borrows the teacher's
// ticker-driven Start/Stop shape and per-task panic recovery, generalized
// from a recurring-job worker to a single batch's task pool.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/finfeed/crawler-orchestrator/internal/classifier"
	"github.com/finfeed/crawler-orchestrator/internal/concurrency"
	"github.com/finfeed/crawler-orchestrator/internal/domain"
	"github.com/finfeed/crawler-orchestrator/internal/progress"
)

// Config holds BatchManager's construction parameters (spec §4.6).
type Config struct {
	ConfigRoot         string
	OutputRoot         string
	ProgressDir        string
	MaxConcurrency     int // legacy mode only
	DelayMs            int64
	ErrorLogPath       string
	UseSiteConcurrency bool // default true
	SiteOverrides      map[string]domain.SiteConfig
}

// DefaultConfig fills in the spec's literal defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     5,
		DelayMs:            1000,
		UseSiteConcurrency: true,
	}
}

// StartOptions parameterizes startBatch.
type StartOptions struct {
	Category  string
	Market    string
	Type      string
	StartFrom int
	Limit     int
}

// BatchResult summarizes a completed (or stopped) batch run.
type BatchResult struct {
	ProgressID string
	Total      int
	Completed  int
	Failed     int
	Skipped    int
	Duration   time.Duration
	Errors     []string
}

// Manager owns one batch run at a time.
type Manager struct {
	cfg        Config
	loader     domain.ConfigLoader
	crawler    domain.Crawler
	exporter   domain.Exporter
	classifier *classifier.ErrorClassifier
	concurr    *concurrency.Manager

	mu          sync.Mutex
	running     bool
	paused      bool
	stopped     bool
	tracker     *progress.Tracker
	legacyMax   int
	legacySlots int
	stop        chan struct{}

	// pendingDelayed counts in-flight RetryAfterDelay timers; the scheduling
	// loop must not treat a batch as done while one is outstanding, since it
	// will flip the task (still Running while it waits) back to Pending when
	// it fires.
	pendingDelayed int32
}

// New creates a BatchManager wired to its collaborators. loader resolves
// configuration descriptors; crawler and exporter are the externally
// supplied capability implementations (production HTTP/browser clients, or
// dryrun test doubles).
func New(cfg Config, loader domain.ConfigLoader, crawler domain.Crawler, exporter domain.Exporter, ec *classifier.ErrorClassifier) *Manager {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.DelayMs <= 0 {
		cfg.DelayMs = def.DelayMs
	}

	return &Manager{
		cfg:        cfg,
		loader:     loader,
		crawler:    crawler,
		exporter:   exporter,
		classifier: ec,
		concurr:    concurrency.New(cfg.SiteOverrides),
		legacyMax:  cfg.MaxConcurrency,
	}
}

// StartBatch enumerates configs per options, builds a fresh ProgressTracker,
// and runs the scheduling loop to completion.
func (m *Manager) StartBatch(ctx context.Context, options StartOptions) (BatchResult, error) {
	names, err := m.loader.List(ctx, domain.ConfigFilter{
		Category: options.Category, Market: options.Market, Type: options.Type,
		StartFrom: options.StartFrom, Limit: options.Limit,
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("batch: failed to enumerate configs: %w", err)
	}
	sort.Strings(names)
	return m.runConfigs(ctx, names, options.Category, options.Market, options.Type)
}

// RunConfigs runs the scheduling loop over an explicit, caller-supplied list
// of config names rather than a fresh enumeration — used by the pipeline's
// retry pass to re-run just the configs pending in the retry queue.
func (m *Manager) RunConfigs(ctx context.Context, names []string) (BatchResult, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return m.runConfigs(ctx, sorted, "", "", "")
}

func (m *Manager) runConfigs(ctx context.Context, names []string, category, market, typ string) (BatchResult, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return BatchResult{}, domain.ErrBatchAlreadyRunning
	}
	m.running = true
	m.stopped = false
	m.paused = false
	m.stop = make(chan struct{})
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	options := StartOptions{Category: category, Market: market, Type: typ}
	id := progress.BuildID(options.Category, options.Market, options.Type, time.Now())
	tracker := progress.New(m.cfg.ProgressDir, id, options.Category, options.Market, options.Type, names,
		progress.WithCallbacks(progress.Callbacks{
			OnProgress: func(s *domain.ProgressSummary) {
				slog.DebugContext(ctx, "batch progress", "completed", s.Completed, "failed", s.Failed, "pending", s.Pending)
			},
			OnError: func(configName, message string) {
				slog.WarnContext(ctx, "task error recorded", "config_name", configName, "error", message)
			},
			OnComplete: func(s *domain.ProgressSummary) {
				slog.InfoContext(ctx, "batch complete", "id", s.ID, "completed", s.Completed, "failed", s.Failed)
			},
		}))
	tracker.StartAutoSave(ctx)
	defer tracker.Cleanup()

	urls, doms, err := m.resolveURLsAndDomains(ctx, names)
	if err != nil {
		return BatchResult{}, err
	}

	started := time.Now()
	m.mu.Lock()
	m.tracker = tracker
	m.legacySlots = 0
	m.mu.Unlock()

	m.runSchedulingLoop(ctx, names, urls, doms)

	result := m.summarize(tracker, id, started)
	return result, nil
}

// resumeOrRetry is shared by ResumeBatch and RetryFailed: it loads a
// persisted tracker, filters to the requested subset of tasks, resets them
// to Pending, and runs the scheduling loop over just that subset.
func (m *Manager) resumeOrRetry(ctx context.Context, progressID string, onlyFailed bool) (BatchResult, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return BatchResult{}, domain.ErrBatchAlreadyRunning
	}
	m.running = true
	m.stopped = false
	m.paused = false
	m.stop = make(chan struct{})
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	path := m.cfg.ProgressDir + "/" + progressID + ".json"
	tracker, err := progress.Load(path, m.cfg.ProgressDir)
	if err != nil {
		return BatchResult{}, err
	}

	summary := tracker.Summary()
	var names []string
	for name, task := range summary.Tasks {
		switch {
		case task.Status == domain.StatusPending && !onlyFailed:
			names = append(names, name)
		case task.Status == domain.StatusFailed && task.Attempts < 3:
			if err := tracker.ResetConfig(name); err != nil {
				return BatchResult{}, err
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)

	tracker.StartAutoSave(ctx)
	defer tracker.Cleanup()

	urls, doms, err := m.resolveURLsAndDomains(ctx, names)
	if err != nil {
		return BatchResult{}, err
	}

	started := time.Now()
	m.mu.Lock()
	m.tracker = tracker
	m.legacySlots = 0
	m.mu.Unlock()

	m.runSchedulingLoop(ctx, names, urls, doms)

	return m.summarize(tracker, progressID, started), nil
}

// ResumeBatch continues a persisted batch: Pending tasks plus Failed tasks
// with retries remaining.
func (m *Manager) ResumeBatch(ctx context.Context, progressID string) (BatchResult, error) {
	return m.resumeOrRetry(ctx, progressID, false)
}

// RetryFailed is like ResumeBatch but restricted to failed tasks with
// retries remaining.
func (m *Manager) RetryFailed(ctx context.Context, progressID string) (BatchResult, error) {
	return m.resumeOrRetry(ctx, progressID, true)
}

func (m *Manager) resolveURLsAndDomains(ctx context.Context, names []string) (urls, doms map[string]string, err error) {
	urls = make(map[string]string, len(names))
	doms = make(map[string]string, len(names))
	for _, name := range names {
		descriptor, err := m.loader.Load(ctx, name)
		if err != nil {
			return nil, nil, fmt.Errorf("batch: failed to load config %q: %w", name, err)
		}
		urls[name] = descriptor.URL
		doms[name] = concurrency.Domain(descriptor.URL)
	}
	return urls, doms, nil
}

// runSchedulingLoop is the cooperative scheduler thread from spec §5: pick
// the next Pending task, gate it through SiteConcurrencyManager (or the
// legacy global counter), and launch its execution asynchronously. It
// returns once every task is Completed, Skipped or Failed and no delayed
// retry is outstanding, or once the stop flag is set.
func (m *Manager) runSchedulingLoop(ctx context.Context, names []string, urls, doms map[string]string) {
	var wg sync.WaitGroup
	var running sync.Map // configName -> struct{}{} while in flight

	for {
		if m.isStopped() {
			break
		}
		if m.isPaused() {
			time.Sleep(time.Second)
			continue
		}

		next, allDone := m.pickNextPending(names, &running)
		if allDone && atomic.LoadInt32(&m.pendingDelayed) == 0 {
			break
		}
		if next == "" {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		rawURL := urls[next]
		if !m.tryAcquire(next, rawURL) {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		running.Store(next, struct{}{})
		if err := m.tracker.UpdateProgress(next, domain.StatusRunning, ""); err != nil {
			slog.WarnContext(ctx, "batch: failed to mark task running", "config_name", next, "error", err)
		}

		wg.Add(1)
		go func(configName, rawURL string) {
			defer wg.Done()
			defer running.Delete(configName)
			defer m.release(configName, rawURL)
			m.executeTask(ctx, configName)
		}(next, rawURL)
	}

	wg.Wait()
}

// pickNextPending returns the first Pending task (by sorted name) not
// already in flight, or allDone=true if every task is Completed, Skipped or
// Failed.
func (m *Manager) pickNextPending(names []string, running *sync.Map) (next string, allDone bool) {
	summary := m.tracker.Summary()
	terminal := 0
	for _, name := range names {
		task, ok := summary.Tasks[name]
		if !ok {
			continue
		}
		if task.Status.Terminal() {
			terminal++
			continue
		}
		if task.Status == domain.StatusFailed {
			terminal++
			continue
		}
		if task.Status == domain.StatusPending {
			if _, inFlight := running.Load(name); !inFlight {
				if next == "" {
					next = name
				}
			}
		}
	}
	return next, terminal == len(names) && next == ""
}

func (m *Manager) tryAcquire(configName, rawURL string) bool {
	m.mu.Lock()
	site := m.cfg.UseSiteConcurrency
	max := m.legacyMax
	slots := m.legacySlots
	m.mu.Unlock()

	if site {
		// Check before acquiring so a refused task is not left behind in the
		// site's wait queue, where ReleaseSlot would later promote it.
		if !m.concurr.CanExecute(rawURL) {
			return false
		}
		return m.concurr.AcquireSlot(configName, rawURL, 1) == concurrency.Acquired
	}
	if slots >= max {
		return false
	}
	m.mu.Lock()
	m.legacySlots++
	m.mu.Unlock()
	return true
}

// release always runs on every exit path of the per-task goroutine,
// guaranteed via defer, matching spec §4.6 step 5c.
func (m *Manager) release(configName, rawURL string) {
	m.mu.Lock()
	site := m.cfg.UseSiteConcurrency
	m.mu.Unlock()

	if site {
		m.concurr.ReleaseSlot(configName, rawURL)
		return
	}
	m.mu.Lock()
	if m.legacySlots > 0 {
		m.legacySlots--
	}
	m.mu.Unlock()
}

// executeTask runs one task's crawl-classify-act cycle, recovering any
// panic from the crawler or exporter into a classifier.PanicError so a
// single misbehaving config never takes down the scheduling loop.
func (m *Manager) executeTask(ctx context.Context, configName string) {
	defer func() {
		if r := recover(); r != nil {
			err := classifier.PanicError{Value: r, StackTrace: string(debug.Stack())}
			slog.ErrorContext(ctx, "batch: task panicked", "config_name", configName, "panic", err.Error())
			m.handleFailure(ctx, configName, err)
		}
	}()

	result, err := m.crawler.Run(ctx, configName)
	if err == nil && !result.Success {
		err = fmt.Errorf("%s", result.Error)
	}
	if err != nil {
		m.handleFailure(ctx, configName, err)
		return
	}

	if err := m.tracker.UpdateProgress(configName, domain.StatusCompleted, ""); err != nil {
		slog.WarnContext(ctx, "batch: failed to mark task completed", "config_name", configName, "error", err)
	}

	descriptor, loadErr := m.loader.Load(ctx, configName)
	if loadErr != nil || descriptor.Export == nil || m.exporter == nil {
		return
	}
	for _, format := range descriptor.Export.Formats {
		if _, err := m.exporter.Export(ctx, result.Artifact, domain.ExportOptions{
			Format: format, Filename: descriptor.Export.Filename, ConfigName: configName,
		}); err != nil {
			slog.WarnContext(ctx, "batch: export failed", "config_name", configName, "format", format, "error", err)
		}
	}
}

func (m *Manager) handleFailure(ctx context.Context, configName string, taskErr error) {
	summary := m.tracker.Summary()
	attempt := 1
	if task, ok := summary.Tasks[configName]; ok {
		attempt = task.Attempts
	}

	action := m.classifier.HandleError(ctx, configName, taskErr, attempt)
	switch action.Kind {
	case domain.ActionRetry:
		if err := m.tracker.ResetConfig(configName); err != nil {
			slog.WarnContext(ctx, "batch: failed to reset task for retry", "config_name", configName, "error", err)
		}
	case domain.ActionRetryAfterDelay:
		atomic.AddInt32(&m.pendingDelayed, 1)
		go func() {
			defer atomic.AddInt32(&m.pendingDelayed, -1)
			time.Sleep(action.Delay)
			if err := m.tracker.ResetConfig(configName); err != nil {
				slog.WarnContext(ctx, "batch: failed to reset task after delay", "config_name", configName, "error", err)
			}
		}()
	case domain.ActionReduceConcurrency:
		m.reduceConcurrency()
		m.markFailed(ctx, configName, taskErr)
	case domain.ActionSkip:
		if err := m.tracker.UpdateProgress(configName, domain.StatusSkipped, taskErr.Error()); err != nil {
			slog.WarnContext(ctx, "batch: failed to mark task skipped", "config_name", configName, "error", err)
		}
	case domain.ActionAbort:
		m.markFailed(ctx, configName, taskErr)
		m.Stop()
	}
}

func (m *Manager) markFailed(ctx context.Context, configName string, taskErr error) {
	if err := m.tracker.UpdateProgress(configName, domain.StatusFailed, taskErr.Error()); err != nil {
		slog.WarnContext(ctx, "batch: failed to mark task failed", "config_name", configName, "error", err)
	}
}

func (m *Manager) reduceConcurrency() {
	m.mu.Lock()
	defer m.mu.Unlock()
	reduced := int(float64(m.legacyMax) * 0.8)
	if reduced < 1 {
		reduced = 1
	}
	m.legacyMax = reduced
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Manager) isPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Pause cooperatively suspends the scheduling loop; in-flight tasks finish.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Unpause resumes a paused scheduling loop.
func (m *Manager) Unpause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// Stop sets the cooperative stop flag, taking effect within the scheduling
// loop's next iteration. Intended to be wired to SIGINT/SIGTERM.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *Manager) summarize(tracker *progress.Tracker, id string, started time.Time) BatchResult {
	summary := tracker.Summary()
	return BatchResult{
		ProgressID: id,
		Total:      summary.Total,
		Completed:  summary.Completed,
		Failed:     summary.Failed,
		Skipped:    summary.Skipped,
		Duration:   time.Since(started),
		Errors:     summary.Errors,
	}
}
