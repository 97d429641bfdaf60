// Package artifacts implements the OutputFileManager: it locates, groups,
// reads and prunes the financial artifacts produced by successful crawl
// tasks, behind a Backend interface with a filesystem and a GCS
// implementation.
package artifacts

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Object is one artifact's backend-agnostic metadata.
type Object struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Backend is the storage abstraction OutputFileManager reads artifacts
// through; Store (filesystem) and GCSStore implement it.
type Backend interface {
	List(ctx context.Context) ([]Object, error)
	Delete(ctx context.Context, name string) error
}

// nameRe recognizes yahoo-finance-<region>-<reportType>-<symbol>_<YYYYMMDD>.json,
// tolerating report types with embedded hyphens.
var nameRe = regexp.MustCompile(`^yahoo-finance-(tw|us|jp)-(.+)-([A-Za-z0-9_.]+)_(\d{8})\.json$`)

// Artifact is one parsed artifact's identity.
type Artifact struct {
	Object
	Region     string
	ReportType string
	Symbol     string
	Date       string // YYYYMMDD
}

// parseName extracts the Artifact fields from a base file name; ok is false
// for names that don't match the recognized pattern (e.g. non-artifact
// files under the output tree).
func parseName(base string) (Artifact, bool) {
	m := nameRe.FindStringSubmatch(base)
	if m == nil {
		return Artifact{}, false
	}
	symbol := strings.ReplaceAll(m[3], "_", ".")
	return Artifact{Region: m[1], ReportType: m[2], Symbol: symbol, Date: m[4]}, true
}

// Manager is the OutputFileManager.
type Manager struct {
	backend Backend
}

// New wraps a Backend (filesystem or GCS) as an OutputFileManager.
func New(backend Backend) *Manager {
	return &Manager{backend: backend}
}

func (m *Manager) artifacts(ctx context.Context) ([]Artifact, error) {
	objs, err := m.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: failed to list backend: %w", err)
	}
	var out []Artifact
	for _, o := range objs {
		a, ok := parseName(path.Base(o.Name))
		if !ok {
			continue
		}
		a.Object = o
		out = append(out, a)
	}
	return out, nil
}

// List returns every recognized artifact, optionally filtered by symbol
// and/or region.
func (m *Manager) List(ctx context.Context, filterSymbol, filterRegion string) ([]Artifact, error) {
	all, err := m.artifacts(ctx)
	if err != nil {
		return nil, err
	}
	var out []Artifact
	for _, a := range all {
		if filterSymbol != "" && a.Symbol != filterSymbol {
			continue
		}
		if filterRegion != "" && a.Region != filterRegion {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GroupBySymbol buckets every artifact by its ticker symbol.
func (m *Manager) GroupBySymbol(ctx context.Context) (map[string][]Artifact, error) {
	all, err := m.artifacts(ctx)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]Artifact)
	for _, a := range all {
		groups[a.Symbol] = append(groups[a.Symbol], a)
	}
	return groups, nil
}

// LatestPerSymbolAndType returns, for each (symbol, reportType) pair, the
// artifact with the newest modification time.
func (m *Manager) LatestPerSymbolAndType(ctx context.Context) (map[string]Artifact, error) {
	all, err := m.artifacts(ctx)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]Artifact)
	for _, a := range all {
		key := a.Symbol + "|" + a.ReportType
		if existing, ok := latest[key]; !ok || a.ModTime.After(existing.ModTime) {
			latest[key] = a
		}
	}
	return latest, nil
}

// CleanOldFiles deletes every artifact older than daysToKeep, returning the
// count removed.
func (m *Manager) CleanOldFiles(ctx context.Context, daysToKeep int) (int, error) {
	all, err := m.artifacts(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -daysToKeep)

	removed := 0
	for _, a := range all {
		if a.ModTime.Before(cutoff) {
			if err := m.backend.Delete(ctx, a.Name); err != nil {
				return removed, fmt.Errorf("artifacts: failed to delete %s: %w", a.Name, err)
			}
			removed++
		}
	}
	return removed, nil
}

// Stats is the OutputFileManager's reporting surface.
type Stats struct {
	TotalFiles     int
	TotalSize      int64
	ByRegion       map[string]int
	ByReportType   map[string]int
	UniqueSymbols  int
}

// Statistics summarizes the whole artifact tree.
func (m *Manager) Statistics(ctx context.Context) (Stats, error) {
	all, err := m.artifacts(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		ByRegion:     make(map[string]int),
		ByReportType: make(map[string]int),
	}
	symbols := make(map[string]struct{})
	for _, a := range all {
		stats.TotalFiles++
		stats.TotalSize += a.Size
		stats.ByRegion[a.Region]++
		stats.ByReportType[a.ReportType]++
		symbols[a.Symbol] = struct{}{}
	}
	stats.UniqueSymbols = len(symbols)
	return stats, nil
}

// HasDataForSymbol reports whether any artifact exists for symbol in region.
func (m *Manager) HasDataForSymbol(ctx context.Context, symbol, region string) (bool, error) {
	matches, err := m.List(ctx, symbol, region)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}
