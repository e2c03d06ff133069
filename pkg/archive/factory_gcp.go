//go:build gcp

package archive

import (
	"context"
	"fmt"
	"os"
)

func newGCSSinkFromEnv(ctx context.Context) (Sink, error) {
	bucket := os.Getenv("NEUROMESH_ARCHIVE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: NEUROMESH_ARCHIVE_GCS_BUCKET is required for the gcs sink")
	}

	return NewGCSSink(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("NEUROMESH_ARCHIVE_GCS_PREFIX"),
	})
}
