package volume

import (
	"context"

	"github.com/marmos91/cloudcached/internal/bitmap"
)

// bitmapCheckpointAdapter adapts *bitmap.Store to blockcache.BitmapStore.
// Reopen is a no-op: bitmaps are not transaction-versioned the way cache
// entries are, so there is nothing to re-stage at a new transaction id
// beyond the Flush checkpoint already performed.
type bitmapCheckpointAdapter struct {
	store *bitmap.Store
}

func (a bitmapCheckpointAdapter) Flush(_ context.Context) error {
	return a.store.Flush()
}

func (a bitmapCheckpointAdapter) Reopen(_ uint64) error {
	return nil
}
