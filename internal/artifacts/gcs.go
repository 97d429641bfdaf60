package artifacts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore is a Google Cloud Storage-backed Backend, selected via
// CRAWL_ARTIFACT_BUCKET so the OutputFileManager can serve artifacts from a
// bucket instead of the local filesystem behind the same interface.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a GCS-backed store; it assumes the client is
// authenticated (e.g. via GOOGLE_APPLICATION_CREDENTIALS).
func NewGCSStore(ctx context.Context, bucketName string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucketName}, nil
}

// List enumerates every *.json object in the bucket.
func (g *GCSStore) List(ctx context.Context) ([]Object, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, nil)

	var objects []Object
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("artifacts: failed to list bucket %s: %w", g.bucket, err)
		}
		if !strings.HasSuffix(attrs.Name, ".json") {
			continue
		}
		objects = append(objects, Object{Name: attrs.Name, Size: attrs.Size, ModTime: attrs.Updated})
	}
	return objects, nil
}

// Delete removes the object named name from the bucket.
func (g *GCSStore) Delete(ctx context.Context, name string) error {
	obj := g.client.Bucket(g.bucket).Object(name)
	err := obj.Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("artifacts: failed to delete %s: %w", name, err)
	}
	return nil
}
