package badger

import (
	"testing"

	"github.com/offsvc/wimforge/pkg/batch"
	storetesting "github.com/offsvc/wimforge/pkg/store/batch/testing"
)

func TestBadgerStoreInMemory(t *testing.T) {
	storetesting.RunStoreSuite(t, func(t *testing.T) batch.Store {
		s, err := NewBadgerStore(Options{InMemory: true})
		if err != nil {
			t.Fatalf("failed to open badger store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBadgerStoreOnDisk(t *testing.T) {
	storetesting.RunStoreSuite(t, func(t *testing.T) batch.Store {
		s, err := NewBadgerStore(Options{Path: t.TempDir()})
		if err != nil {
			t.Fatalf("failed to open badger store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBadgerStoreRequiresPath(t *testing.T) {
	if _, err := NewBadgerStore(Options{}); err == nil {
		t.Fatal("NewBadgerStore should fail without a path")
	}
}
