// Package validator implements the post-run quality gate: given a path to a
// JSON artifact produced by the external Crawler, decide whether it is
// structurally correct and holds at least one non-empty data array, either
// "data" or one of the known alternative fields. The same check applies to
// every report type.
package validator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
)

// reportTypes is the ordered set of recognized report-type tags; order
// matters because matching is by substring and the first tag found in the
// name wins.
var reportTypes = []string{
	"income-statement", "balance-sheet", "cash-flow-statement", "cashflow",
	"eps", "dividend", "performance", "history", "revenue", "financials",
}

// alternativeDataFields are the known non-"data" array fields that count
// toward non-emptiness.
var alternativeDataFields = []string{
	"simpleEPSData", "independentCashFlowData", "dividendData", "performanceData",
	"historyData", "revenueData", "financialsData", "cashFlowData",
	"balanceSheetData", "incomeStatementData",
}

// Result is the outcome of validating one artifact.
type Result struct {
	Valid  bool
	Reason domain.ValidationReason
}

// MinSizeBytes is the default minimum artifact size, below which an artifact
// is considered suspect even before structural inspection.
const MinSizeBytes = 1024

// ReportType extracts the report-type tag from a file name by substring
// match, falling back to "generic" if none of the known types match.
func ReportType(filename string) string {
	lower := strings.ToLower(filename)
	for _, t := range reportTypes {
		if strings.Contains(lower, t) {
			return t
		}
	}
	return "generic"
}

// Validate inspects the artifact at path and decides whether it is valid.
func Validate(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Valid: false, Reason: domain.ReasonFileNotFound}, nil
		}
		return Result{}, fmt.Errorf("validator: failed to read %s: %w", path, err)
	}

	var artifact struct {
		Results []struct {
			Data map[string]any `json:"data"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &artifact); err != nil {
		return Result{Valid: false, Reason: domain.ReasonParseError}, nil
	}

	if artifact.Results == nil {
		return Result{Valid: false, Reason: domain.ReasonNoResults}, nil
	}
	if len(artifact.Results) == 0 {
		return Result{Valid: false, Reason: domain.ReasonNoResults}, nil
	}

	anyDataField := false
	nonEmpty := false
	for _, r := range artifact.Results {
		if r.Data == nil {
			continue
		}
		anyDataField = true
		if hasNonEmptyArray(r.Data, "data") || hasAnyNonEmptyArray(r.Data, alternativeDataFields) {
			nonEmpty = true
		}
	}
	if !anyDataField {
		return Result{Valid: false, Reason: domain.ReasonNoDataField}, nil
	}
	if !nonEmpty {
		return Result{Valid: false, Reason: domain.ReasonEmptyData}, nil
	}

	return Result{Valid: true}, nil
}

func hasNonEmptyArray(data map[string]any, field string) bool {
	v, ok := data[field]
	if !ok {
		return false
	}
	arr, ok := v.([]any)
	return ok && len(arr) > 0
}

func hasAnyNonEmptyArray(data map[string]any, fields []string) bool {
	for _, f := range fields {
		if hasNonEmptyArray(data, f) {
			return true
		}
	}
	return false
}

// Locate finds the artifact file for a configuration's export filename
// template under one of the known base directories, tolerating date
// suffixes and "${...}" placeholders by replacing them with glob wildcards.
// Among multiple matches, the file with the newest modification time wins.
var placeholderPattern = regexp.MustCompile(`\$\{[^}]*\}`)
var dateSuffixPattern = regexp.MustCompile(`_\d{8}`)

func Locate(outputRoot string, filenameTemplate string) (string, error) {
	pattern := dateSuffixPattern.ReplaceAllString(filenameTemplate, "_*")
	pattern = placeholderPattern.ReplaceAllString(pattern, "*")

	bases := []string{
		filepath.Join(outputRoot, "quarterly", "**"),
		filepath.Join(outputRoot, "daily", "**"),
		filepath.Join(outputRoot, "metadata", "**"),
		outputRoot,
	}

	var candidates []string
	for _, base := range bases {
		matches, err := globRecursive(base, pattern)
		if err != nil {
			return "", fmt.Errorf("validator: glob failed under %s: %w", base, err)
		}
		candidates = append(candidates, matches...)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("validator: %w: no artifact matched %q under %s", domain.ErrConfigNotFound, filenameTemplate, outputRoot)
	}

	sort.Slice(candidates, func(i, j int) bool {
		fi, errI := os.Stat(candidates[i])
		fj, errJ := os.Stat(candidates[j])
		if errI != nil || errJ != nil {
			return false
		}
		return fi.ModTime().After(fj.ModTime())
	})
	return candidates[0], nil
}

// globRecursive expands a "**" glob segment by walking the tree rooted at
// the path preceding it and matching pattern against the remaining suffix.
func globRecursive(base, pattern string) ([]string, error) {
	root := strings.TrimSuffix(base, string(filepath.Separator)+"**")
	if !strings.HasSuffix(base, "**") {
		matches, err := filepath.Glob(filepath.Join(base, pattern))
		if err != nil {
			return nil, err
		}
		return matches, nil
	}

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var matches []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ok, matchErr := filepath.Match(pattern, d.Name())
		if matchErr == nil && ok {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// ValidateConfigOutput locates the artifact for desc's export filename under
// outputRoot and validates it, mapping structural failures to a
// domain.ValidationReason the pipeline can route into the retry queue.
func ValidateConfigOutput(desc domain.ConfigDescriptor, outputRoot string) (Result, error) {
	if desc.Export == nil {
		return Result{Valid: false, Reason: domain.ReasonFileNotFound}, nil
	}
	path, err := Locate(outputRoot, desc.Export.Filename)
	if err != nil {
		return Result{Valid: false, Reason: domain.ReasonFileNotFound}, nil
	}
	return Validate(path)
}

// ValidateBatch validates every descriptor's artifact, returning a map from
// config name to result.
func ValidateBatch(descs []domain.ConfigDescriptor, outputRoot string) (map[string]Result, error) {
	results := make(map[string]Result, len(descs))
	for _, d := range descs {
		r, err := ValidateConfigOutput(d, outputRoot)
		if err != nil {
			return nil, err
		}
		results[d.Name] = r
	}
	return results, nil
}

// MeetsMinSize reports whether the file at path is at least minBytes large.
func MeetsMinSize(path string, minBytes int64) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("validator: failed to stat %s: %w", path, err)
	}
	return info.Size() >= minBytes, nil
}
