//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink writes archive objects to a Google Cloud Storage bucket. Built
// behind the gcp tag so default builds do not pull the GCS client in.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink builds a sink using application default credentials.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

// Put uploads one object, skipping keys that already exist.
func (s *GCSSink) Put(ctx context.Context, key string, data []byte) error {
	obj := s.client.Bucket(s.bucket).Object(s.prefix + key)

	if _, err := obj.Attrs(ctx); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("archive: gcs attrs %s: %w", key, err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/jsonl"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: gcs close %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
