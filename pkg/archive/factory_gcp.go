//go:build gcp

package archive

import (
	"context"

	"github.com/Mindburn-Labs/crosswalk/pkg/config"
)

func newGCSStore(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
