//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSSinkFromEnv(context.Context) (Sink, error) {
	return nil, fmt.Errorf("archive: gcs sink is not enabled in this build (use -tags gcp)")
}
