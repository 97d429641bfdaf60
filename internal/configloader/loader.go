// Package configloader implements the production domain.ConfigLoader: a
// plain JSON file per configuration, read from a directory tree rooted at
// configRoot, following the same os.ReadFile/json.Unmarshal/filepath.Walk
// idiom internal/validator uses to read artifacts.
package configloader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
)

// fileConfig is the on-disk shape of one configuration file (spec §6): the
// core only reads url and export, but selectors is kept so the file round
// trips for the external Crawler that also reads it.
type fileConfig struct {
	URL        string             `json:"url"`
	Selectors  json.RawMessage    `json:"selectors,omitempty"`
	Export     *domain.ExportSpec `json:"export,omitempty"`
	Variables  map[string]string  `json:"variables,omitempty"`
	ReportType string             `json:"reportType,omitempty"`
}

// FileLoader resolves configuration names to descriptors by reading the
// matching JSON file under root (see Load), and enumerates names by walking
// root for *.json files, excluding templates and anything under an
// "active/" directory.
type FileLoader struct {
	root string
}

// New returns a FileLoader rooted at root.
func New(root string) *FileLoader {
	return &FileLoader{root: root}
}

var _ domain.ConfigLoader = (*FileLoader)(nil)

// List walks root for *.json configuration files, excludes templates and
// anything under an active/ directory, applies the category/market/type
// filter by substring match against each candidate's derived name, sorts the
// survivors, and slices deterministically by StartFrom/Limit.
func (l *FileLoader) List(ctx context.Context, filter domain.ConfigFilter) ([]string, error) {
	var names []string
	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".json" {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		if isExcluded(rel) {
			return nil
		}
		names = append(names, nameFromPath(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("configloader: failed to enumerate %s: %w", l.root, err)
	}

	sort.Strings(names)
	names = applyFilter(names, filter)

	start := filter.StartFrom
	if start < 0 {
		start = 0
	}
	if start > len(names) {
		start = len(names)
	}
	names = names[start:]
	if filter.Limit > 0 && filter.Limit < len(names) {
		names = names[:filter.Limit]
	}
	return names, nil
}

// Load finds the file for name and decodes it into a ConfigDescriptor. It
// tries the nested path with every hyphen read as a directory separator,
// then "<root>/<name>.json", then any file under root whose derived name
// (as List reports it) equals name.
func (l *FileLoader) Load(ctx context.Context, name string) (domain.ConfigDescriptor, error) {
	path := filepath.Join(l.root, filepath.FromSlash(strings.ReplaceAll(name, "-", string(filepath.Separator)))+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Fall back to a flat "<root>/<name>.json" layout, since the
			// hyphen-to-path-separator guess above only holds for configs
			// that were themselves enumerated from a nested directory tree.
			flat := filepath.Join(l.root, name+".json")
			data, err = os.ReadFile(flat)
		}
		if err != nil && os.IsNotExist(err) {
			// Neither guess holds when a directory segment itself contains a
			// hyphen ("us/income-statement/AAPL.json"), so look for the file
			// whose derived name, as List reports it, matches.
			_ = filepath.WalkDir(l.root, func(p string, d os.DirEntry, walkErr error) error {
				if walkErr != nil || d.IsDir() || filepath.Ext(p) != ".json" {
					return nil
				}
				if rel, relErr := filepath.Rel(l.root, p); relErr == nil && nameFromPath(rel) == name {
					data, err = os.ReadFile(p)
					return filepath.SkipAll
				}
				return nil
			})
		}
		if err != nil {
			if os.IsNotExist(err) {
				return domain.ConfigDescriptor{}, fmt.Errorf("configloader: %s: %w", name, domain.ErrConfigNotFound)
			}
			return domain.ConfigDescriptor{}, fmt.Errorf("configloader: failed to read %s: %w", name, err)
		}
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return domain.ConfigDescriptor{}, fmt.Errorf("configloader: failed to parse %s: %w", name, err)
	}

	return domain.ConfigDescriptor{Name: name, URL: fc.URL, Export: fc.Export}, nil
}

func isExcluded(rel string) bool {
	lower := strings.ToLower(rel)
	if strings.Contains(lower, "template") {
		return true
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, p := range parts {
		if p == "active" {
			return true
		}
	}
	return false
}

// nameFromPath derives a configName from a relative file path by stripping
// the .json extension and joining any directory segments with "-", so a
// nested "us/income-statement/AAPL.json" becomes "us-income-statement-AAPL".
func nameFromPath(rel string) string {
	trimmed := strings.TrimSuffix(rel, filepath.Ext(rel))
	segments := strings.Split(filepath.ToSlash(trimmed), "/")
	return strings.Join(segments, "-")
}

// applyFilter keeps only names whose hyphen-separated segments contain the
// (non-empty) category/market/type filter values as substrings, in any
// position — configName layout is <region>-<reportType>-<symbol>, but the
// filter's own field names (category/market/type) are deliberately looser
// than that fixed shape.
func applyFilter(names []string, filter domain.ConfigFilter) []string {
	if filter.Category == "" && filter.Market == "" && filter.Type == "" {
		return names
	}
	var kept []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if filter.Category != "" && !strings.Contains(lower, strings.ToLower(filter.Category)) {
			continue
		}
		if filter.Market != "" && !strings.Contains(lower, strings.ToLower(filter.Market)) {
			continue
		}
		if filter.Type != "" && !strings.Contains(lower, strings.ToLower(filter.Type)) {
			continue
		}
		kept = append(kept, name)
	}
	return kept
}
