package artifacts

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is a filesystem-based Backend: it recognizes both the structured
// layout (quarterly/<region>/<type>/, daily/<region>/, metadata/<type>/) and
// a flat root, by walking the whole tree and filtering to *.json files.
type Store struct {
	baseDir string
	mu      sync.RWMutex
}

// NewStore creates a filesystem-backed artifact store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("artifacts: failed to create base directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// List walks the tree rooted at baseDir and returns every *.json file found,
// at any depth (structured or flat layout).
func (s *Store) List(ctx context.Context) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mu sync.Mutex
	var objects []Object
	var wg sync.WaitGroup

	// Limit concurrency to avoid "too many open files" on large trees.
	const maxConcurrency = 20
	semaphore := make(chan struct{}, maxConcurrency)

	walkErr := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return err
		}

		wg.Add(1)
		semaphore <- struct{}{}
		go func(path string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			info, statErr := os.Stat(path)
			if statErr != nil {
				return // skip unreadable entries
			}
			rel, relErr := filepath.Rel(s.baseDir, path)
			if relErr != nil {
				rel = path
			}
			mu.Lock()
			objects = append(objects, Object{Name: rel, Size: info.Size(), ModTime: info.ModTime()})
			mu.Unlock()
		}(p)
		return nil
	})

	wg.Wait()
	if walkErr != nil {
		return nil, fmt.Errorf("artifacts: failed to walk %s: %w", s.baseDir, walkErr)
	}
	return objects, nil
}

// Delete removes the artifact at name (relative to baseDir).
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: failed to delete %s: %w", path, err)
	}
	return nil
}
