package sink

import (
	"context"
	"fmt"
)

// Store kinds accepted by OpenStore.
const (
	KindLocal = "local"
	KindS3    = "s3"
	KindGCS   = "gcs"
	KindAzure = "azure"
)

// StoreConfig selects a backend explicitly; it is never inferred from the environment.
type StoreConfig struct {
	Kind string

	// LocalRoot is the output directory of the local store.
	LocalRoot string

	S3    S3Config
	GCS   GCSConfig
	Azure AzureBlobConfig
}

// OpenStore builds the configured backend. The returned close function releases client
// resources and is never nil.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Kind {
	case KindLocal, "":
		s, err := NewLocalStore(cfg.LocalRoot)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case KindS3:
		s, err := NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case KindGCS:
		s, err := NewGCSStore(ctx, cfg.GCS)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case KindAzure:
		s, err := NewAzureBlobStore(cfg.Azure)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown sink %q (expected local, s3, gcs or azure)", cfg.Kind)
}
