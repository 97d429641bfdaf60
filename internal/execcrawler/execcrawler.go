// Package execcrawler implements domain.Crawler by shelling out to an
// external headless-browser crawler binary, one invocation per config name.
// The choice of browser engine is explicitly out of this system's scope; the
// core only needs something that reads a config file and reports a
// CrawlResult, the same os/exec boundary pipeline.ScriptConfigGenerator uses
// for the config-generation stage.
package execcrawler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
)

// Crawler invokes an external binary per config, decoding a CrawlResult from
// its stdout as a JSON object.
type Crawler struct {
	// BinaryPath is the external crawler executable.
	BinaryPath string
	// ConfigRoot is passed through so the external process can resolve the
	// config name to its own copy of the configuration file.
	ConfigRoot string
}

// New returns a Crawler invoking binaryPath for every config under configRoot.
func New(binaryPath, configRoot string) *Crawler {
	return &Crawler{BinaryPath: binaryPath, ConfigRoot: configRoot}
}

var _ domain.Crawler = (*Crawler)(nil)

// Run invokes the external crawler binary for configName and decodes its
// result from stdout. A non-zero exit with no parseable JSON is reported as
// a failed (not erroring) CrawlResult, so the classifier's normal retry
// policy applies instead of a hard pipeline error.
func (c *Crawler) Run(ctx context.Context, configName string) (domain.CrawlResult, error) {
	cmd := exec.CommandContext(ctx, c.BinaryPath, "--config-root", c.ConfigRoot, "--config", configName)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var result domain.CrawlResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		if runErr != nil {
			return domain.CrawlResult{Success: false, Error: stderr.String()}, nil
		}
		return domain.CrawlResult{}, fmt.Errorf("execcrawler: failed to parse result for %s: %w", configName, err)
	}
	if runErr != nil && result.Error == "" {
		result.Success = false
		result.Error = stderr.String()
	}
	return result, nil
}
