package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// SinkType selects an evidence sink backend.
type SinkType string

const (
	SinkTypeFS  SinkType = "fs"
	SinkTypeS3  SinkType = "s3"
	SinkTypeGCS SinkType = "gcs"
)

// NewSinkFromEnv creates an evidence sink based on environment variables.
//
// Environment variables:
//   - NEUROMESH_ARCHIVE_SINK: "fs" (default), "s3", or "gcs"
//   - NEUROMESH_ARCHIVE_DIR: root directory for the fs sink (default: "data/archive")
//
// For S3:
//   - NEUROMESH_ARCHIVE_S3_BUCKET (required)
//   - NEUROMESH_ARCHIVE_S3_REGION or AWS_REGION
//   - NEUROMESH_ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - NEUROMESH_ARCHIVE_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - NEUROMESH_ARCHIVE_GCS_BUCKET (required)
//   - NEUROMESH_ARCHIVE_GCS_PREFIX (optional)
func NewSinkFromEnv(ctx context.Context) (Sink, error) {
	sinkType := SinkType(os.Getenv("NEUROMESH_ARCHIVE_SINK"))
	if sinkType == "" {
		sinkType = SinkTypeFS
	}

	switch sinkType {
	case SinkTypeFS:
		return newFileSinkFromEnv()
	case SinkTypeS3:
		return newS3SinkFromEnv(ctx)
	case SinkTypeGCS:
		return newGCSSinkFromEnv(ctx)
	default:
		return nil, fmt.Errorf("archive: unsupported sink type: %s", sinkType)
	}
}

func newFileSinkFromEnv() (Sink, error) {
	dir := os.Getenv("NEUROMESH_ARCHIVE_DIR")
	if dir == "" {
		dir = filepath.Join("data", "archive")
	}
	return NewFileSink(dir)
}

func newS3SinkFromEnv(ctx context.Context) (Sink, error) {
	bucket := os.Getenv("NEUROMESH_ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: NEUROMESH_ARCHIVE_S3_BUCKET is required for the s3 sink")
	}

	region := os.Getenv("NEUROMESH_ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Sink(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("NEUROMESH_ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("NEUROMESH_ARCHIVE_S3_PREFIX"),
	})
}
