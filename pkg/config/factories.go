package config

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/offsvc/wimforge/pkg/batch"
	"github.com/offsvc/wimforge/pkg/images"
	badgerstore "github.com/offsvc/wimforge/pkg/store/batch/badger"
	"github.com/offsvc/wimforge/pkg/store/batch/memory"
)

// CreateBatchStore creates a batch store based on configuration.
//
// This factory function uses the Type field to determine which store
// implementation to create, then decodes the type-specific configuration from
// the corresponding map and passes it to the store's constructor.
//
// Supported types:
//   - "memory": in-process store, records vanish on restart
//   - "badger": BadgerDB-backed persistent store
func CreateBatchStore(ctx context.Context, cfg *StoreConfig) (batch.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.NewMemoryStore(), nil
	case "badger":
		return createBadgerBatchStore(cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown batch store type: %q", cfg.Type)
	}
}

// createBadgerBatchStore creates a BadgerDB-backed batch store.
func createBadgerBatchStore(options map[string]any) (batch.Store, error) {
	type BadgerStoreConfig struct {
		Path     string `mapstructure:"path"`
		InMemory bool   `mapstructure:"in_memory"`
	}

	var storeCfg BadgerStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger store config: %w", err)
	}

	if storeCfg.Path == "" && !storeCfg.InMemory {
		return nil, fmt.Errorf("badger batch store: path is required")
	}

	store, err := badgerstore.NewBadgerStore(badgerstore.Options{
		Path:     storeCfg.Path,
		InMemory: storeCfg.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger batch store: %w", err)
	}

	return store, nil
}

// CreateImageSource creates an image source based on configuration.
//
// scratchDir is where remote sources stage their downloads; the filesystem
// source ignores it.
//
// Supported types:
//   - "filesystem": local paths passed straight to the native stack
//   - "s3": s3:// references staged to the scratch directory
func CreateImageSource(ctx context.Context, cfg *ImagesConfig, scratchDir string) (images.Source, error) {
	switch cfg.Type {
	case "filesystem":
		return images.NewFilesystemSource(), nil
	case "s3":
		return createS3ImageSource(ctx, cfg.S3, scratchDir)
	default:
		return nil, fmt.Errorf("unknown image source type: %q", cfg.Type)
	}
}

// createS3ImageSource creates an S3-backed image source.
func createS3ImageSource(ctx context.Context, options map[string]any, scratchDir string) (images.Source, error) {
	type S3SourceConfig struct {
		Region          string `mapstructure:"region"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		ScratchDir      string `mapstructure:"scratch_dir"`
	}

	var sourceCfg S3SourceConfig
	if err := mapstructure.Decode(options, &sourceCfg); err != nil {
		return nil, fmt.Errorf("failed to decode s3 image source config: %w", err)
	}

	if sourceCfg.Region == "" {
		return nil, fmt.Errorf("s3 image source: region is required")
	}
	if sourceCfg.ScratchDir == "" {
		sourceCfg.ScratchDir = scratchDir
	}

	source, err := images.NewS3Source(ctx, images.S3Options{
		ScratchDir:      sourceCfg.ScratchDir,
		Region:          sourceCfg.Region,
		Endpoint:        sourceCfg.Endpoint,
		AccessKeyID:     sourceCfg.AccessKeyID,
		SecretAccessKey: sourceCfg.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 image source: %w", err)
	}

	return source, nil
}
