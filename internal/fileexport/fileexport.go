// Package fileexport implements the production domain.Exporter: it writes a
// completed task's artifact to the output tree in the requested format,
// resolving the config's filename template the way internal/validator's
// Locate later tolerates it (date and "${...}" placeholders).
package fileexport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
)

// FileExporter writes artifacts under Root, one file per (configName,
// format) pair.
type FileExporter struct {
	Root string
}

// New returns a FileExporter rooted at root.
func New(root string) *FileExporter {
	return &FileExporter{Root: root}
}

var _ domain.Exporter = (*FileExporter)(nil)

var dateToken = regexp.MustCompile(`(?i)\$\{date\}`)
var placeholderToken = regexp.MustCompile(`\$\{[^}]*\}`)

// resolveFilename replaces the filename template's "${date}" token with
// today's UTC date (YYYYMMDD) and any other "${...}" token with the
// config name, so every write lands on a concrete, collision-resistant path
// while still matching the glob patterns internal/validator.Locate expects.
func resolveFilename(template, configName string) string {
	name := dateToken.ReplaceAllString(template, time.Now().UTC().Format("20060102"))
	name = placeholderToken.ReplaceAllString(name, configName)
	return name
}

// Export writes results to "<Root>/<resolved filename>.<format>", wrapping
// results in the {"results":[{"data": ...}]} envelope internal/validator
// expects. json is the only format with a defined on-disk shape; any other
// requested format is written as a single raw JSON document under the same
// name, since the spec leaves output-format schemas unspecified beyond json.
func (e *FileExporter) Export(ctx context.Context, results map[string]any, opts domain.ExportOptions) (string, error) {
	filename := resolveFilename(opts.Filename, opts.ConfigName)
	if !strings.HasSuffix(strings.ToLower(filename), "."+strings.ToLower(opts.Format)) {
		filename = fmt.Sprintf("%s.%s", strings.TrimSuffix(filename, filepath.Ext(filename)), opts.Format)
	}

	path := filepath.Join(e.Root, filepath.Base(filename))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("fileexport: failed to create output directory: %w", err)
	}

	var payload any
	switch strings.ToLower(opts.Format) {
	case "json", "":
		payload = map[string]any{
			"results": []map[string]any{{"data": results}},
		}
	default:
		payload = results
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("fileexport: failed to encode artifact for %s: %w", opts.ConfigName, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("fileexport: failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("fileexport: failed to finalize %s: %w", path, err)
	}
	return path, nil
}
