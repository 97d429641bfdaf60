package execcrawler

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-crawler.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestRunDecodesSuccessfulResult(t *testing.T) {
	script := writeScript(t, `echo '{"Success": true, "Artifact": {"data": [1,2]}}'`)
	c := New(script, "/configs")

	result, err := c.Run(context.Background(), "us-income-statement-AAPL")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []any{float64(1), float64(2)}, result.Artifact["data"])
}

func TestRunReportsFailureFromNonZeroExit(t *testing.T) {
	script := writeScript(t, `echo 'rate limited' 1>&2
exit 1`)
	c := New(script, "/configs")

	result, err := c.Run(context.Background(), "us-income-statement-AAPL")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "rate limited")
}
