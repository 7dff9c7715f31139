//go:build !gcp

package archive

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/crosswalk/pkg/config"
)

func newGCSStore(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	return nil, fmt.Errorf("archive: gcs backend is not enabled in this build (use -tags gcp)")
}
