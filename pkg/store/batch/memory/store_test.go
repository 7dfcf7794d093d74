package memory

import (
	"testing"

	"github.com/offsvc/wimforge/pkg/batch"
	storetesting "github.com/offsvc/wimforge/pkg/store/batch/testing"
)

func TestMemoryStore(t *testing.T) {
	storetesting.RunStoreSuite(t, func(t *testing.T) batch.Store {
		return NewMemoryStore()
	})
}
