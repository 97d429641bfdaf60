package validator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func olderTime() time.Time {
	return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
}

func writeArtifact(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func TestValidateMissingFile(t *testing.T) {
	res, err := Validate(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, domain.ReasonFileNotFound, res.Reason)
}

func TestValidateParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	writeArtifact(t, path, "{not json")

	res, err := Validate(path)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonParseError, res.Reason)
}

func TestValidateNoResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-results.json")
	writeArtifact(t, path, `{"foo": "bar"}`)

	res, err := Validate(path)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNoResults, res.Reason)
}

func TestValidateNoDataField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-data.json")
	writeArtifact(t, path, `{"results": [{}]}`)

	res, err := Validate(path)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNoDataField, res.Reason)
}

// S4 scenario: config Z completes successfully but its data arrays are empty.
func TestValidateEmptyData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	writeArtifact(t, path, `{"results": [{"data": {"simpleEPSData": []}}]}`)

	res, err := Validate(path)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, domain.ReasonEmptyData, res.Reason)
}

func TestValidatePrimaryDataField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ok.json")
	writeArtifact(t, path, `{"results": [{"data": {"data": [1, 2, 3]}}]}`)

	res, err := Validate(path)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestValidateAlternativeDataField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ok-alt.json")
	writeArtifact(t, path, `{"results": [{"data": {"dividendData": [{"amount": 1}]}}]}`)

	res, err := Validate(path)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestReportType(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"yahoo-finance-us-income-statement-AAPL_20260101.json", "income-statement"},
		{"yahoo-finance-us-cash-flow-statement-AAPL_20260101.json", "cash-flow-statement"},
		{"yahoo-finance-us-cashflow-AAPL_20260101.json", "cashflow"},
		{"yahoo-finance-us-eps-AAPL_20260101.json", "eps"},
		{"unrecognized-name.json", "generic"},
	}
	for _, tc := range tests {
		t.Run(tc.filename, func(t *testing.T) {
			assert.Equal(t, tc.want, ReportType(tc.filename))
		})
	}
}

func TestLocateToleratesDateSuffixAndPlaceholders(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "quarterly", "us", "eps", "yahoo-finance-us-eps-AAPL_20260715.json")
	writeArtifact(t, path, `{"results": [{"data": {"data": [1]}}]}`)

	found, err := Locate(root, "yahoo-finance-us-eps-${symbol}_20260101.json")
	require.NoError(t, err)
	assert.Equal(t, path, found)
}

func TestLocateNewestWins(t *testing.T) {
	root := t.TempDir()
	older := filepath.Join(root, "daily", "us", "eps-AAPL_20260101.json")
	newer := filepath.Join(root, "daily", "us", "eps-AAPL_20260102.json")
	writeArtifact(t, older, `{"results": []}`)
	writeArtifact(t, newer, `{"results": []}`)
	require.NoError(t, os.Chtimes(older, olderTime(), olderTime()))

	found, err := Locate(root, "eps-AAPL_20260101.json")
	require.NoError(t, err)
	assert.Equal(t, newer, found)
}

func TestMeetsMinSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json")
	writeArtifact(t, path, string(make([]byte, MinSizeBytes+1)))

	ok, err := MeetsMinSize(path, MinSizeBytes)
	require.NoError(t, err)
	assert.True(t, ok)
}
