package configloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, root, rel string, body string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestListEnumeratesAndExcludesTemplatesAndActive(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "us/income-statement/AAPL.json", `{"url":"https://x.test/AAPL"}`)
	writeConfig(t, root, "us/income-statement/MSFT.json", `{"url":"https://x.test/MSFT"}`)
	writeConfig(t, root, "us/income-statement/_template.json", `{"url":"https://x.test/template"}`)
	writeConfig(t, root, "active/us/income-statement/IGNORE.json", `{"url":"https://x.test/ignore"}`)

	loader := New(root)
	names, err := loader.List(context.Background(), domain.ConfigFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"us-income-statement-AAPL", "us-income-statement-MSFT"}, names)
}

func TestListAppliesFilterAndSlicing(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "us/income-statement/AAPL.json", `{"url":"https://x.test/AAPL"}`)
	writeConfig(t, root, "us/income-statement/MSFT.json", `{"url":"https://x.test/MSFT"}`)
	writeConfig(t, root, "uk/income-statement/BP.json", `{"url":"https://x.test/BP"}`)

	loader := New(root)
	names, err := loader.List(context.Background(), domain.ConfigFilter{Market: "us"})
	require.NoError(t, err)
	assert.Equal(t, []string{"us-income-statement-AAPL", "us-income-statement-MSFT"}, names)

	sliced, err := loader.List(context.Background(), domain.ConfigFilter{StartFrom: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"us-income-statement-AAPL"}, sliced)
}

func TestLoadReadsURLAndExport(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "us/income-statement/AAPL.json", `{
		"url": "https://x.test/AAPL",
		"selectors": {"price": ".price"},
		"export": {"filename": "AAPL_${date}.json", "formats": ["json"]}
	}`)

	loader := New(root)
	desc, err := loader.Load(context.Background(), "us-income-statement-AAPL")
	require.NoError(t, err)
	assert.Equal(t, "https://x.test/AAPL", desc.URL)
	require.NotNil(t, desc.Export)
	assert.Equal(t, "AAPL_${date}.json", desc.Export.Filename)
}

func TestLoadMissingConfigReturnsErrConfigNotFound(t *testing.T) {
	root := t.TempDir()
	loader := New(root)
	_, err := loader.Load(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, domain.ErrConfigNotFound)
}
