package fileexport

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
	"github.com/finfeed/crawler-orchestrator/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportWritesValidatableArtifact(t *testing.T) {
	dir := t.TempDir()
	exp := New(dir)

	results := map[string]any{"data": []any{map[string]any{"quarter": "Q1"}}}
	path, err := exp.Export(context.Background(), results, domain.ExportOptions{
		Format: "json", Filename: "AAPL_${date}.json", ConfigName: "us-income-statement-AAPL",
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "results")

	result, err := validator.Validate(path)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestExportResolvesPlaceholders(t *testing.T) {
	dir := t.TempDir()
	exp := New(dir)

	path, err := exp.Export(context.Background(), map[string]any{"data": []any{1}}, domain.ExportOptions{
		Format: "json", Filename: "${symbol}_${date}.json", ConfigName: "us-income-statement-AAPL",
	})
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestExportEmptyDataFailsValidation(t *testing.T) {
	dir := t.TempDir()
	exp := New(dir)

	path, err := exp.Export(context.Background(), map[string]any{"data": []any{}}, domain.ExportOptions{
		Format: "json", Filename: "AAPL_${date}.json", ConfigName: "us-income-statement-AAPL",
	})
	require.NoError(t, err)

	result, err := validator.Validate(path)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, domain.ReasonEmptyData, result.Reason)
}
