package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBatchStoreMemory(t *testing.T) {
	store, err := CreateBatchStore(context.Background(), &StoreConfig{Type: "memory"})
	require.NoError(t, err)
	defer store.Close()
}

func TestCreateBatchStoreBadger(t *testing.T) {
	store, err := CreateBatchStore(context.Background(), &StoreConfig{
		Type:   "badger",
		Badger: map[string]any{"path": t.TempDir()},
	})
	require.NoError(t, err)
	defer store.Close()
}

func TestCreateBatchStoreBadgerInMemory(t *testing.T) {
	store, err := CreateBatchStore(context.Background(), &StoreConfig{
		Type:   "badger",
		Badger: map[string]any{"in_memory": true},
	})
	require.NoError(t, err)
	defer store.Close()
}

func TestCreateBatchStoreBadgerMissingPath(t *testing.T) {
	_, err := CreateBatchStore(context.Background(), &StoreConfig{Type: "badger"})
	assert.Error(t, err, "badger store without a path should fail")
}

func TestCreateBatchStoreUnknownType(t *testing.T) {
	_, err := CreateBatchStore(context.Background(), &StoreConfig{Type: "etcd"})
	assert.Error(t, err, "unknown store type should fail")
}

func TestCreateImageSourceFilesystem(t *testing.T) {
	source, err := CreateImageSource(context.Background(), &ImagesConfig{Type: "filesystem"}, t.TempDir())
	require.NoError(t, err)
	defer source.Close()
}

func TestCreateImageSourceS3MissingRegion(t *testing.T) {
	_, err := CreateImageSource(context.Background(), &ImagesConfig{Type: "s3"}, t.TempDir())
	assert.Error(t, err, "s3 source without a region should fail")
}

func TestCreateImageSourceUnknownType(t *testing.T) {
	_, err := CreateImageSource(context.Background(), &ImagesConfig{Type: "ftp"}, t.TempDir())
	assert.Error(t, err, "unknown source type should fail")
}
