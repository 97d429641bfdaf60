// Package importer implements the HTTP-backed domain.BackendImporter: bulk
// create calls to a downstream backend, tried against a list of candidate
// endpoints in order and stopping at the first one returning 2xx.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultSymbolBatchSize is the default batch size for symbol imports.
	DefaultSymbolBatchSize = 30
	// DefaultFundamentalBatchSize is the default batch size for fundamental imports.
	DefaultFundamentalBatchSize = 50
	// DefaultLabelBatchSize is the default batch size for label sync.
	DefaultLabelBatchSize = 100
)

// Config configures the HTTP BackendImporter.
type Config struct {
	BaseURL string // defaults to http://localhost:3000
	Token   string // bearer token; absence means unauthenticated

	SymbolEndpoints      []string
	FundamentalEndpoints []string
	LabelEndpoints       []string

	SymbolBatchSize      int
	FundamentalBatchSize int
	LabelBatchSize       int

	Timeout time.Duration
}

// DefaultConfig returns the spec's literal defaults: localhost:3000,
// unauthenticated, with two candidate endpoints per operation (the unversioned
// path first, then its /api/v1 form).
func DefaultConfig() Config {
	return Config{
		BaseURL:              "http://localhost:3000",
		SymbolEndpoints:      []string{"/api/symbols/bulk", "/api/v1/symbols/bulk"},
		FundamentalEndpoints: []string{"/api/fundamentals/bulk", "/api/v1/fundamentals/bulk"},
		LabelEndpoints:       []string{"/api/labels/sync", "/api/v1/labels/sync"},
		SymbolBatchSize:      DefaultSymbolBatchSize,
		FundamentalBatchSize: DefaultFundamentalBatchSize,
		LabelBatchSize:       DefaultLabelBatchSize,
		Timeout:              30 * time.Second,
	}
}

// HTTPImporter is the domain.BackendImporter HTTP implementation. Every call
// is traced/measured via otelhttp.
type HTTPImporter struct {
	cfg    Config
	client *http.Client
}

// New wraps cfg into a ready HTTPImporter, applying DefaultConfig's zero-value
// fallbacks.
func New(cfg Config) *HTTPImporter {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if len(cfg.SymbolEndpoints) == 0 {
		cfg.SymbolEndpoints = def.SymbolEndpoints
	}
	if len(cfg.FundamentalEndpoints) == 0 {
		cfg.FundamentalEndpoints = def.FundamentalEndpoints
	}
	if len(cfg.LabelEndpoints) == 0 {
		cfg.LabelEndpoints = def.LabelEndpoints
	}
	if cfg.SymbolBatchSize <= 0 {
		cfg.SymbolBatchSize = def.SymbolBatchSize
	}
	if cfg.FundamentalBatchSize <= 0 {
		cfg.FundamentalBatchSize = def.FundamentalBatchSize
	}
	if cfg.LabelBatchSize <= 0 {
		cfg.LabelBatchSize = def.LabelBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return &HTTPImporter{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (h *HTTPImporter) post(ctx context.Context, endpoints []string, records []map[string]any) (domain.ImportResult, error) {
	body, err := json.Marshal(map[string]any{"records": records})
	if err != nil {
		return domain.ImportResult{}, fmt.Errorf("importer: failed to marshal payload: %w", err)
	}

	var lastErr error
	for _, endpoint := range endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			lastErr = fmt.Errorf("failed to build request for %s: %w", endpoint, err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		if h.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request to %s failed: %w", endpoint, err)
			continue
		}
		result, err := decodeResult(resp)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return result, nil
		}
		lastErr = fmt.Errorf("endpoint %s returned status %d", endpoint, resp.StatusCode)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("importer: no candidate endpoints configured")
	}
	return domain.ImportResult{}, lastErr
}

func decodeResult(resp *http.Response) (domain.ImportResult, error) {
	var result domain.ImportResult
	if resp.ContentLength == 0 {
		return domain.ImportResult{Success: resp.StatusCode < 300}, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.ImportResult{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}

// ImportSymbols bulk-creates symbol records in batches of cfg.SymbolBatchSize.
func (h *HTTPImporter) ImportSymbols(ctx context.Context, records []map[string]any) (domain.ImportResult, error) {
	return h.importBatched(ctx, h.cfg.SymbolEndpoints, records, h.cfg.SymbolBatchSize)
}

// ImportFundamentals bulk-creates fundamental records in batches of cfg.FundamentalBatchSize.
func (h *HTTPImporter) ImportFundamentals(ctx context.Context, records []map[string]any) (domain.ImportResult, error) {
	return h.importBatched(ctx, h.cfg.FundamentalEndpoints, records, h.cfg.FundamentalBatchSize)
}

// SyncLabels syncs label records in batches of cfg.LabelBatchSize.
func (h *HTTPImporter) SyncLabels(ctx context.Context, records []map[string]any) (domain.ImportResult, error) {
	return h.importBatched(ctx, h.cfg.LabelEndpoints, records, h.cfg.LabelBatchSize)
}

func (h *HTTPImporter) importBatched(ctx context.Context, endpoints []string, records []map[string]any, batchSize int) (domain.ImportResult, error) {
	var errs []string
	overall := domain.ImportResult{Success: true}

	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		result, err := h.post(ctx, endpoints, records[start:end])
		if err != nil {
			overall.Success = false
			errs = append(errs, err.Error())
			continue
		}
		if !result.Success {
			overall.Success = false
		}
		errs = append(errs, result.Errors...)
	}
	overall.Errors = errs
	return overall, nil
}
