// Package dryrun provides test doubles for the Crawler, Exporter and
// BackendImporter capability interfaces (spec §9: "model these as capability
// interfaces ... allows dry-run test doubles"). They perform no network or
// browser I/O; they're wired in by the CLI's --dry-run flag and used
// throughout the batch/pipeline test suites.
package dryrun

import (
	"context"
	"fmt"
	"sync"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
)

// Crawler is a deterministic, in-memory domain.Crawler. FailFor names a set
// of configs that should report failure with a fixed error message; every
// other config reports success with a minimal artifact whose single result
// holds a one-element "data" array.
type Crawler struct {
	mu      sync.Mutex
	FailFor map[string]string
	calls   map[string]int
}

// NewCrawler returns a Crawler that fails for the given configs with the
// given error messages and succeeds for everything else.
func NewCrawler(failFor map[string]string) *Crawler {
	return &Crawler{FailFor: failFor, calls: make(map[string]int)}
}

func (c *Crawler) Run(ctx context.Context, configName string) (domain.CrawlResult, error) {
	c.mu.Lock()
	c.calls[configName]++
	c.mu.Unlock()

	if msg, failing := c.FailFor[configName]; failing {
		return domain.CrawlResult{Success: false, Error: msg}, fmt.Errorf("%s", msg)
	}
	return domain.CrawlResult{
		Success:  true,
		Artifact: map[string]any{"results": []any{map[string]any{"data": map[string]any{"data": []any{1}}}}},
	}, nil
}

// Calls returns how many times Run was invoked for configName.
func (c *Crawler) Calls(configName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[configName]
}

// Exporter is an in-memory domain.Exporter that records every export call
// instead of writing to disk.
type Exporter struct {
	mu      sync.Mutex
	Written []string
}

func NewExporter() *Exporter {
	return &Exporter{}
}

func (e *Exporter) Export(ctx context.Context, results map[string]any, opts domain.ExportOptions) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	path := fmt.Sprintf("dryrun://%s/%s.%s", opts.ConfigName, opts.Filename, opts.Format)
	e.Written = append(e.Written, path)
	return path, nil
}

// BackendImporter is an in-memory domain.BackendImporter that always
// succeeds and records the batches it was given.
type BackendImporter struct {
	mu           sync.Mutex
	Symbols      [][]map[string]any
	Fundamentals [][]map[string]any
	Labels       [][]map[string]any
}

func NewBackendImporter() *BackendImporter {
	return &BackendImporter{}
}

func (b *BackendImporter) ImportSymbols(ctx context.Context, records []map[string]any) (domain.ImportResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Symbols = append(b.Symbols, records)
	return domain.ImportResult{Success: true}, nil
}

func (b *BackendImporter) ImportFundamentals(ctx context.Context, records []map[string]any) (domain.ImportResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Fundamentals = append(b.Fundamentals, records)
	return domain.ImportResult{Success: true}, nil
}

func (b *BackendImporter) SyncLabels(ctx context.Context, records []map[string]any) (domain.ImportResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Labels = append(b.Labels, records)
	return domain.ImportResult{Success: true}, nil
}
