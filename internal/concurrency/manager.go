// Package concurrency implements the per-domain politeness gate: a slot
// count per site plus a golang.org/x/time/rate token bucket enforcing the
// minimum inter-request delay, with a priority/FIFO wait queue drained as
// slots and the limiter allow.
package concurrency

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
)

// AcquireOutcome is the result of a slot acquisition attempt.
type AcquireOutcome string

const (
	Acquired AcquireOutcome = "acquired"
	Queued   AcquireOutcome = "queued"
)

// waiter is one entry in a site's FIFO/priority wait queue.
type waiter struct {
	taskID    string
	url       string
	priority  int
	createdAt time.Time
}

// siteState is the mutable per-domain bookkeeping; mutated only under
// Manager.mu, per the spec's shared-resource policy. The minimum
// inter-request delay is enforced by a token-bucket rate.Limiter (burst 1,
// refilled every MinDelayMs) rather than a hand-rolled time.Since check.
type siteState struct {
	running       int
	lastRequestAt time.Time
	limiter       *rate.Limiter
	queue         []waiter
	config        domain.SiteConfig
}

// newLimiter builds the per-site rate limiter enforcing config's minimum
// inter-request delay: one token available every MinDelayMs, burst 1, so at
// most one request may start immediately after another drains the bucket.
func newLimiter(cfg domain.SiteConfig) *rate.Limiter {
	if cfg.MinDelayMs <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Duration(cfg.MinDelayMs)*time.Millisecond), 1)
}

// Manager is the SiteConcurrencyManager: per-domain slot accounting with a
// minimum inter-request delay and priority-ordered wait queues.
type Manager struct {
	mu          sync.Mutex
	sites       map[string]*siteState
	overrides   map[string]domain.SiteConfig
	shuttingDown bool
}

// New creates a Manager with optional per-domain config overrides.
func New(overrides map[string]domain.SiteConfig) *Manager {
	if overrides == nil {
		overrides = map[string]domain.SiteConfig{}
	}
	return &Manager{
		sites:     make(map[string]*siteState),
		overrides: overrides,
	}
}

// Domain extracts the canonical (lowercased host) domain from a URL,
// returning "unknown" if the URL is unparsable or has no host.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

func (m *Manager) siteFor(domainName string) *siteState {
	s, ok := m.sites[domainName]
	if !ok {
		cfg := domain.DefaultSiteConfig
		if override, ok := m.overrides[domainName]; ok {
			cfg = override
		}
		s = &siteState{config: cfg, limiter: newLimiter(cfg)}
		m.sites[domainName] = s
	}
	return s
}

// CanExecute reports whether a task on url's domain may start now.
func (m *Manager) CanExecute(rawURL string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canExecuteLocked(Domain(rawURL))
}

func (m *Manager) canExecuteLocked(domainName string) bool {
	if m.shuttingDown {
		return false
	}
	s := m.siteFor(domainName)
	if s.running >= s.config.MaxConcurrent {
		return false
	}
	return s.limiter.TokensAt(time.Now()) >= 1
}

// AcquireSlot attempts to start taskID on rawURL's domain immediately,
// enqueuing it (priority desc, arrival asc) if no slot is currently open.
func (m *Manager) AcquireSlot(taskID, rawURL string, priority int) AcquireOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	domainName := Domain(rawURL)
	if m.canExecuteLocked(domainName) {
		s := m.siteFor(domainName)
		s.running++
		s.limiter.Allow()
		s.lastRequestAt = time.Now()
		return Acquired
	}

	s := m.siteFor(domainName)
	s.queue = append(s.queue, waiter{taskID: taskID, url: rawURL, priority: priority, createdAt: time.Now()})
	sortQueue(s.queue)
	return Queued
}

func sortQueue(q []waiter) {
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].priority != q[j].priority {
			return q[i].priority > q[j].priority
		}
		return q[i].createdAt.Before(q[j].createdAt)
	})
}

// ReleaseSlot releases taskID's slot on rawURL's domain and attempts to
// promote the next eligible waiter. The caller is responsible for actually
// starting any promoted task; BatchManager checks CanExecute before
// AcquireSlot, so its tasks are never queued and never promoted.
func (m *Manager) ReleaseSlot(taskID, rawURL string) (promoted string, promotedURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	domainName := Domain(rawURL)
	s := m.siteFor(domainName)
	if s.running > 0 {
		s.running--
	}

	// Remove taskID from the queue if it's still there (acquired directly,
	// never enqueued; defensive no-op in that common case).
	for i, w := range s.queue {
		if w.taskID == taskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}

	for i, w := range s.queue {
		if m.canExecuteLocked(Domain(w.url)) {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.running++
			s.limiter.Allow()
			s.lastRequestAt = time.Now()
			return w.taskID, w.url
		}
	}
	return "", ""
}

// WaitForSlot polls CanExecute at a 1s interval until a slot opens, then
// acquires it. It returns ctx.Err() if ctx is cancelled while waiting.
func (m *Manager) WaitForSlot(ctx context.Context, taskID, rawURL string, priority int) error {
	if m.AcquireSlot(taskID, rawURL, priority) == Acquired {
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.CanExecute(rawURL) {
				if m.AcquireSlot(taskID, rawURL, priority) == Acquired {
					return nil
				}
			}
		}
	}
}

// Shutdown marks the manager as shutting down (refusing new acquisitions)
// and waits for all running slots to drain, up to timeout.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.totalRunning() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (m *Manager) totalRunning() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, s := range m.sites {
		total += s.running
	}
	return total
}

// SiteStats is the reporting view of one domain's state.
type SiteStats struct {
	Domain        string
	Running       int
	MaxConcurrent int
	Queued        int
	UtilizationPct float64
	Description   string
	LastRequestAt time.Time
}

// Statistics returns per-domain stats plus the global running total.
func (m *Manager) Statistics() (sites []SiteStats, totalRunning int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for domainName, s := range m.sites {
		util := 0.0
		if s.config.MaxConcurrent > 0 {
			util = float64(s.running) / float64(s.config.MaxConcurrent) * 100
		}
		sites = append(sites, SiteStats{
			Domain:         domainName,
			Running:        s.running,
			MaxConcurrent:  s.config.MaxConcurrent,
			Queued:         len(s.queue),
			UtilizationPct: util,
			Description:    s.config.Description,
			LastRequestAt:  s.lastRequestAt,
		})
		totalRunning += s.running
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Domain < sites[j].Domain })
	return sites, totalRunning
}
