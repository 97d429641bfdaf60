package importer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordsOf(n int) []map[string]any {
	records := make([]map[string]any, n)
	for i := range records {
		records[i] = map[string]any{"symbol": "AAPL", "seq": i}
	}
	return records
}

func TestImportSymbolsBatchesRequests(t *testing.T) {
	var batches [][]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Records []map[string]any `json:"records"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		batches = append(batches, payload.Records)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	imp := New(Config{BaseURL: srv.URL, SymbolEndpoints: []string{"/bulk"}, SymbolBatchSize: 2})
	result, err := imp.ImportSymbols(context.Background(), recordsOf(5))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, batches, 3) // 2 + 2 + 1
}

func TestImportFallsBackToNextCandidateEndpoint(t *testing.T) {
	var hitSecond bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/first" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hitSecond = true
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	imp := New(Config{BaseURL: srv.URL, FundamentalEndpoints: []string{"/first", "/second"}})
	result, err := imp.ImportFundamentals(context.Background(), recordsOf(1))
	require.NoError(t, err)
	assert.True(t, hitSecond)
	assert.True(t, result.Success)
}

func TestImportAllEndpointsFailingReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	imp := New(Config{BaseURL: srv.URL, LabelEndpoints: []string{"/only"}})
	result, err := imp.SyncLabels(context.Background(), recordsOf(1))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Errors)
}

func TestDefaultConfigFillsZeroValues(t *testing.T) {
	imp := New(Config{})
	assert.Equal(t, DefaultConfig().BaseURL, imp.cfg.BaseURL)
	assert.Equal(t, DefaultSymbolBatchSize, imp.cfg.SymbolBatchSize)
}
