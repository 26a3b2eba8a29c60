package blockcache

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/cloudcached/internal/backend"
	"github.com/marmos91/cloudcached/internal/telemetry"
)

// Barrier excludes frontend put() completions for the duration of a
// checkpoint swap (the put-barrier shared-write lock).
type Barrier interface {
	// Lock blocks new puts from completing (readers are unaffected) and
	// returns a release function.
	Lock(ctx context.Context) (release func(), err error)
}

// SlogSyncer is the write-ahead log's durability barrier.
type SlogSyncer interface {
	Sync() error
	RotateUnsyncedKeys()
}

// BitmapStore is the subset of internal/bitmap's behavior checkpoint needs:
// flush dirty pages and reopen in the new transaction.
type BitmapStore interface {
	Flush(ctx context.Context) error
	Reopen(transid uint64) error
}

// TransactionAdvancer finalizes the current transaction and hands back the
// new transaction id, writing the `<transid>_finalized`/`_complete` marker
// objects.
type TransactionAdvancer interface {
	AdvanceTransaction(ctx context.Context, complete bool) (newTransID uint64, err error)
}

// CheckpointDeps bundles the collaborators the atomic checkpoint algorithm
// needs beyond the cache's own entry map. Bitmaps may be nil only in tests
// that do not exercise the bitmap-reopen step.
type CheckpointDeps struct {
	Barrier  Barrier
	Slog     SlogSyncer
	Bitmaps  []BitmapStore // "all three bitmap cache entries": fine, big, old-big
	Trans    TransactionAdvancer
	RetryMax int // bounded retries before surfacing fatal; 0 = DefaultRetryPolicy.MaxRetries (unlimited, caller's ctx bounds it)
}

// Checkpoint runs the seven-step atomic checkpoint algorithm:
// barrier, sync slog, flush put-db queue, backend sync, flush bitmaps,
// advance transaction id, reopen bitmaps. Idempotent under retry: a failure
// at any step backs off and retries the whole sequence rather than resuming
// mid-way, since every step here is itself idempotent (re-syncing an
// already-synced slog, re-flushing an already-flushed queue, etc. are all
// no-ops on retry).
func (c *Cache) Checkpoint(ctx context.Context, doSubmit bool, deps CheckpointDeps) (uint64, error) {
	ctx, span := telemetry.StartVolumeSpan(ctx, telemetry.SpanVolumeCheckpoint)
	defer span.End()

	start := time.Now()
	before := c.Stats().SubmittedBytes

	policy := backend.DefaultRetryPolicy
	if deps.RetryMax > 0 {
		policy.MaxRetries = deps.RetryMax
	}

	var newTransID uint64
	err := backend.Retry(ctx, policy, func(ctx context.Context) error {
		id, err := c.runCheckpointOnce(ctx, doSubmit, deps)
		if err != nil {
			return err
		}
		newTransID = id
		return nil
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return 0, fmt.Errorf("checkpoint: retries exhausted: %w", err)
	}
	telemetry.SetAttributes(ctx, telemetry.TransID(newTransID))

	c.mu.Lock()
	m := c.metrics
	entries := len(c.entries)
	c.mu.Unlock()
	if m != nil {
		m.ObserveCheckpoint(c.Stats().SubmittedBytes-before, entries, time.Since(start))
	}
	return newTransID, nil
}

func (c *Cache) runCheckpointOnce(ctx context.Context, doSubmit bool, deps CheckpointDeps) (uint64, error) {
	// Step 1: acquire the put-barrier.
	release, err := deps.Barrier.Lock(ctx)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: acquire put-barrier: %w", err)
	}
	defer release()

	// Step 2: sync the slog, rotate unsynced-keys buffers.
	if deps.Slog != nil {
		if err := deps.Slog.Sync(); err != nil {
			return 0, fmt.Errorf("checkpoint: sync slog: %w", err)
		}
		deps.Slog.RotateUnsyncedKeys()
	}

	// Step 3: flush the put-db worker queue (submit dirty entries).
	if doSubmit {
		if err := c.submitDirty(ctx); err != nil {
			return 0, fmt.Errorf("checkpoint: submit dirty entries: %w", err)
		}
	}

	// Step 4: backend sync — wait for all outstanding uploads to land durably.
	if err := c.src.Sync(ctx); err != nil {
		return 0, fmt.Errorf("checkpoint: backend sync: %w", err)
	}

	// Step 5: close (flush) all bitmap cache entries.
	for _, bm := range deps.Bitmaps {
		if err := bm.Flush(ctx); err != nil {
			return 0, fmt.Errorf("checkpoint: flush bitmap: %w", err)
		}
	}

	// Step 6: advance transaction id, write the finalized marker object.
	newTransID, err := deps.Trans.AdvanceTransaction(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: advance transaction: %w", err)
	}

	// Step 7: reopen bitmap entries in the new transaction.
	for _, bm := range deps.Bitmaps {
		if err := bm.Reopen(newTransID); err != nil {
			return 0, fmt.Errorf("checkpoint: reopen bitmap: %w", err)
		}
	}

	return newTransID, nil
}

// submitDirty submits every dirty, non-fetching entry to the source and
// promotes it to submitted.
func (c *Cache) submitDirty(ctx context.Context) error {
	c.mu.Lock()
	type pending struct {
		key  string
		data []byte
	}
	var toSubmit []pending
	for k, e := range c.entries {
		if e.dirty && !e.fetching {
			toSubmit = append(toSubmit, pending{key: k, data: e.data})
		}
	}
	c.mu.Unlock()

	for _, p := range toSubmit {
		if err := c.src.Submit(ctx, p.key, p.data); err != nil {
			return fmt.Errorf("submit %q: %w", p.key, err)
		}

		c.mu.Lock()
		if e, ok := c.entries[p.key]; ok {
			e.dirty = false
			e.submitted = true
			e.lastUsed = time.Now()
			c.dirtyBytes -= int64(len(p.data))
			c.submittedBytes += int64(len(p.data))
		}
		c.mu.Unlock()
	}
	return nil
}
