// Package retryqueue implements the durable, cross-run list of failures to
// re-run on the next pipeline invocation: a JSON array of domain.RetryRecord
// persisted to <outputDir>/pipeline-retries.json, rewritten atomically on
// every mutation.
package retryqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
)

const fileName = "pipeline-retries.json"

// Config tunes queue defaults.
type Config struct {
	MaxAttempts int
	CleanupDays int
}

// DefaultConfig matches the spec's literal defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, CleanupDays: 7}
}

// Queue is the RetryQueue: one file per output root, single-writer.
type Queue struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// Open loads (or initializes) the retry queue file under outputDir.
func Open(outputDir string, cfg Config) (*Queue, error) {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CleanupDays <= 0 {
		cfg.CleanupDays = def.CleanupDays
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("retryqueue: failed to create output dir: %w", err)
	}
	return &Queue{path: filepath.Join(outputDir, fileName), cfg: cfg}, nil
}

func (q *Queue) readLocked() ([]domain.RetryRecord, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("retryqueue: failed to read %s: %w", q.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []domain.RetryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("retryqueue: failed to unmarshal %s: %w", q.path, err)
	}
	return records, nil
}

// writeLocked rewrites the file atomically: write-to-temp, then rename.
func (q *Queue) writeLocked(records []domain.RetryRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("retryqueue: failed to marshal records: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("retryqueue: failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("retryqueue: failed to rename temp file: %w", err)
	}
	return nil
}

// Add records a failure for (configName, symbolCode, reportType). If a
// pending record with the same key exists, its attempts is incremented and
// reason/lastRetryAt refreshed; if it had already reached maxAttempts it is
// instead removed ("graduated"). Otherwise a fresh record is created with
// attempts=1.
func (q *Queue) Add(configName, symbolCode, reportType, region string, reason domain.RetryReason) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.readLocked()
	if err != nil {
		return err
	}

	key := domain.RetryKey{ConfigName: configName, SymbolCode: symbolCode, ReportType: reportType}
	now := time.Now().UTC()

	for i, r := range records {
		if r.Key() != key {
			continue
		}
		if r.Attempts >= r.MaxAttempts {
			records = append(records[:i], records[i+1:]...)
			return q.writeLocked(records)
		}
		records[i].Attempts++
		records[i].LastRetryAt = now
		records[i].Reason = reason
		return q.writeLocked(records)
	}

	records = append(records, domain.RetryRecord{
		ConfigName:  configName,
		SymbolCode:  symbolCode,
		ReportType:  reportType,
		Region:      region,
		CreatedAt:   now,
		LastRetryAt: now,
		Reason:      reason,
		Attempts:    1,
		MaxAttempts: q.cfg.MaxAttempts,
	})
	return q.writeLocked(records)
}

// Remove deletes the record for (configName, symbolCode, reportType), if any.
func (q *Queue) Remove(configName, symbolCode, reportType string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.readLocked()
	if err != nil {
		return err
	}

	key := domain.RetryKey{ConfigName: configName, SymbolCode: symbolCode, ReportType: reportType}
	filtered := records[:0]
	for _, r := range records {
		if r.Key() != key {
			filtered = append(filtered, r)
		}
	}
	return q.writeLocked(filtered)
}

// Pending returns every record whose attempts does not exceed maxAttempts,
// oldest first.
func (q *Queue) Pending() ([]domain.RetryRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.readLocked()
	if err != nil {
		return nil, err
	}
	var pending []domain.RetryRecord
	for _, r := range records {
		if r.Attempts <= r.MaxAttempts {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	return pending, nil
}

// ClearAll truncates the queue, returning the number of records removed.
func (q *Queue) ClearAll() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.readLocked()
	if err != nil {
		return 0, err
	}
	if err := q.writeLocked(nil); err != nil {
		return 0, err
	}
	return len(records), nil
}

// CleanupExpired removes records older than cfg.CleanupDays, returning the
// count removed.
func (q *Queue) CleanupExpired() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.readLocked()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -q.cfg.CleanupDays)

	var kept []domain.RetryRecord
	removed := 0
	for _, r := range records {
		if r.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, q.writeLocked(kept)
}

// Stats is the RetryQueue's reporting surface.
type Stats struct {
	Total        int
	ByRegion     map[string]int
	ByReportType map[string]int
	ByReason     map[domain.RetryReason]int
	OldestCreatedAt time.Time
}

// Statistics aggregates totals broken down by region, report type and reason.
func (q *Queue) Statistics() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.readLocked()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		ByRegion:     make(map[string]int),
		ByReportType: make(map[string]int),
		ByReason:     make(map[domain.RetryReason]int),
	}
	for _, r := range records {
		stats.Total++
		stats.ByRegion[r.Region]++
		stats.ByReportType[r.ReportType]++
		stats.ByReason[r.Reason]++
		if stats.OldestCreatedAt.IsZero() || r.CreatedAt.Before(stats.OldestCreatedAt) {
			stats.OldestCreatedAt = r.CreatedAt
		}
	}
	return stats, nil
}
