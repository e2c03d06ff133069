//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSSink stores evidence objects in a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSSink.
type GCSConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSSink creates a GCS-backed evidence sink. Credentials come from
// Application Default Credentials.
func NewGCSSink(ctx context.Context, cfg GCSConfig) (*GCSSink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: gcs bucket is required")
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: creating GCS client: %w", err)
	}

	return &GCSSink{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSSink) key(name string) (string, error) {
	return prefixedKey(s.prefix, name)
}

// Put uploads the object with a generation-0 precondition so a lost race
// still cannot overwrite.
func (s *GCSSink) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	key, err := s.key(name)
	if err != nil {
		return "", err
	}

	obj := s.client.Bucket(s.bucket).Object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		return "", fmt.Errorf("archive: %s: %w", name, ErrObjectExists)
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write of %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		// A precondition failure means someone else won the name.
		if _, attrs := obj.Attrs(ctx); attrs == nil {
			return "", fmt.Errorf("archive: %s: %w", name, ErrObjectExists)
		}
		return "", fmt.Errorf("archive: gcs commit of %s: %w", name, err)
	}

	return "gs://" + s.bucket + "/" + key, nil
}

// Open streams a stored object.
func (s *GCSSink) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key, err := s.key(name)
	if err != nil {
		return nil, err
	}

	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("archive: %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("archive: gcs get of %s: %w", name, err)
	}
	return reader, nil
}

// Exists reports whether an object is stored under name.
func (s *GCSSink) Exists(ctx context.Context, name string) (bool, error) {
	key, err := s.key(name)
	if err != nil {
		return false, err
	}

	_, err = s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("archive: gcs attrs of %s: %w", name, err)
	}
	return true, nil
}

// Close closes the underlying GCS client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
