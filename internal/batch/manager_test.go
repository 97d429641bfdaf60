package batch

import (
	"context"
	"testing"
	"time"

	"github.com/finfeed/crawler-orchestrator/internal/classifier"
	"github.com/finfeed/crawler-orchestrator/internal/domain"
	"github.com/finfeed/crawler-orchestrator/internal/dryrun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLoader is an in-memory domain.ConfigLoader for tests.
type fakeLoader struct {
	descriptors map[string]domain.ConfigDescriptor
}

func newFakeLoader(names []string, urlFor func(name string) string) *fakeLoader {
	descriptors := make(map[string]domain.ConfigDescriptor, len(names))
	for _, name := range names {
		descriptors[name] = domain.ConfigDescriptor{Name: name, URL: urlFor(name)}
	}
	return &fakeLoader{descriptors: descriptors}
}

func (f *fakeLoader) List(ctx context.Context, filter domain.ConfigFilter) ([]string, error) {
	var names []string
	for name := range f.descriptors {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeLoader) Load(ctx context.Context, name string) (domain.ConfigDescriptor, error) {
	d, ok := f.descriptors[name]
	if !ok {
		return domain.ConfigDescriptor{}, domain.ErrConfigNotFound
	}
	return d, nil
}

func newTestClassifier(t *testing.T) *classifier.ErrorClassifier {
	t.Helper()
	ec, err := classifier.New(classifier.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { ec.Close() })
	return ec
}

func TestStartBatchHappyPath(t *testing.T) {
	names := []string{"us-income-statement-AAPL", "us-income-statement-MSFT"}
	loader := newFakeLoader(names, func(name string) string { return "https://finance.example.com/" + name })
	crawler := dryrun.NewCrawler(nil)
	exporter := dryrun.NewExporter()

	m := New(Config{ProgressDir: t.TempDir(), UseSiteConcurrency: true}, loader, crawler, exporter, newTestClassifier(t))
	result, err := m.StartBatch(context.Background(), StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Completed)
	assert.Equal(t, 0, result.Failed)
}

func TestStartBatchRefusesConcurrentRun(t *testing.T) {
	names := []string{"us-income-statement-AAPL"}
	loader := newFakeLoader(names, func(string) string { return "https://finance.example.com/a" })
	m := New(Config{ProgressDir: t.TempDir()}, loader, dryrun.NewCrawler(nil), dryrun.NewExporter(), newTestClassifier(t))

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	_, err := m.StartBatch(context.Background(), StartOptions{})
	assert.ErrorIs(t, err, domain.ErrBatchAlreadyRunning)
}

func TestStartBatchSiteIsolationKeepsDomainsIndependent(t *testing.T) {
	names := []string{"us-a", "us-b", "jp-a"}
	loader := newFakeLoader(names, func(name string) string {
		if name == "jp-a" {
			return "https://jp.example.com/a"
		}
		return "https://us.example.com/" + name
	})
	crawler := dryrun.NewCrawler(nil)
	m := New(Config{ProgressDir: t.TempDir(), UseSiteConcurrency: true}, loader, crawler, dryrun.NewExporter(), newTestClassifier(t))

	result, err := m.StartBatch(context.Background(), StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Completed)
	for _, name := range names {
		assert.Equal(t, 1, crawler.Calls(name))
	}
}

func TestStartBatchSkipsPermanentFailure(t *testing.T) {
	names := []string{"bad-config"}
	loader := newFakeLoader(names, func(string) string { return "https://finance.example.com/bad" })
	crawler := dryrun.NewCrawler(map[string]string{"bad-config": "404 not found"})

	m := New(Config{ProgressDir: t.TempDir()}, loader, crawler, dryrun.NewExporter(), newTestClassifier(t))
	result, err := m.StartBatch(context.Background(), StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Completed)
}

func TestResumeBatchReusesProgressIDOfCompletedBatch(t *testing.T) {
	dir := t.TempDir()
	names := []string{"a", "b"}
	loader := newFakeLoader(names, func(name string) string { return "https://finance.example.com/" + name })
	crawler := dryrun.NewCrawler(nil)

	m := New(Config{ProgressDir: dir}, loader, crawler, dryrun.NewExporter(), newTestClassifier(t))

	progressID := "resume-test-" + time.Now().Format("150405")
	summaryTasks := []string{"a", "b"}
	_ = summaryTasks

	// StartBatch picks its own progress ID, so seed the persisted progress
	// file with a full StartBatch run and resume from that ID. Every task is
	// already Completed, so only the ID round trip is checked.
	result, err := m.StartBatch(context.Background(), StartOptions{})
	require.NoError(t, err)
	_ = progressID

	resumed, err := m.ResumeBatch(context.Background(), result.ProgressID)
	require.NoError(t, err)
	assert.Equal(t, result.ProgressID, resumed.ProgressID)
}
