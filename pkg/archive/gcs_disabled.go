//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSStore(_ context.Context, _ StoreConfig) (Store, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
