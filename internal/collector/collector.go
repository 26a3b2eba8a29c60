// Package collector implements the background collector: a single worker
// loop that drains the catalog's persistent task queue and deletes objects
// the frontend no longer needs, generalized from a one-shot orphan scan
// over an in-memory listing
// to a persistent FIFO of typed tasks that survives restart.
package collector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/cloudcached/internal/backend"
	"github.com/marmos91/cloudcached/internal/catalog"
	"github.com/marmos91/cloudcached/internal/frontend"
	"github.com/marmos91/cloudcached/internal/logger"
	"github.com/marmos91/cloudcached/internal/telemetry"
)

// Stats summarizes one run (or one Poll) of the collector.
type Stats struct {
	TasksProcessed int
	ObjectsDeleted int
	Errors         int
}

// Options configures a collection pass.
type Options struct {
	// BatchSize bounds how many tasks are pulled from the queue per poll.
	// 0 defaults to 64.
	BatchSize int

	// DryRun reports what would be deleted without touching the backend
	// or the catalog.
	DryRun bool

	// ProgressCallback, if non-nil, is invoked after each task completes.
	ProgressCallback func(Stats)

	// PollInterval is how long Run sleeps between empty polls. 0 defaults
	// to 5s.
	PollInterval time.Duration
}

// Frontend is the subset of *frontend.Frontend the collector drives: object
// naming/marker naming and raw backend deletion. A concrete *frontend.
// Frontend satisfies this without adaptation; the interface only exists so
// tests can substitute a fake.
type Frontend interface {
	ObjectName(transid uint64, key string) string
	MarkerNames(transid uint64) (finalized, complete, inactive string)
	DeleteBackendObjects(ctx context.Context, names []string) error
}

var _ Frontend = (*frontend.Frontend)(nil)

// Metrics observes the collector's task throughput. Defined next to the
// subsystem it measures, as with blockcache.CacheMetrics; nil disables it.
type Metrics interface {
	// ObserveTask records one processed task: its kind, how many backend
	// objects it deleted, and how long the batch took.
	ObserveTask(kind string, objectsDeleted int, d time.Duration)

	// ObserveError records a task that failed and will be retried later.
	ObserveError()
}

// Collector runs the background deletion worker loop against one cd's
// catalog and frontend.
type Collector struct {
	cat  *catalog.Catalog
	fe   Frontend
	cdID uint64

	retryPolicy backend.RetryPolicy
	metrics     Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	running bool // true while a batch is being processed
	pauses  int  // held by scrub/mirror interlocks; blocks new batches from starting
}

// New constructs a Collector for cdID, backed by cat (the task queue and
// object/transaction rows) and fe (object naming and deletion).
func New(cat *catalog.Catalog, fe Frontend, cdID uint64) *Collector {
	c := &Collector{cat: cat, fe: fe, cdID: cdID, retryPolicy: backend.DefaultRetryPolicy}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetMetrics attaches m as the collector's metrics sink; nil disables it.
func (c *Collector) SetMetrics(m Metrics) { c.metrics = m }

// Pause blocks new batches from starting and waits for any batch already
// in flight to finish, so a concurrent enumerator (scrub, mirror sync)
// never sees catalog rows removed under it. The returned release function
// must be called to resume the worker.
func (c *Collector) Pause(ctx context.Context) (release func(), err error) {
	c.mu.Lock()
	for c.running {
		waitCh := make(chan struct{})
		go func() {
			c.mu.Lock()
			for c.running {
				c.cond.Wait()
			}
			c.mu.Unlock()
			close(waitCh)
		}()
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCh:
		}
		c.mu.Lock()
	}
	c.pauses++
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		c.pauses--
		c.mu.Unlock()
	}, nil
}

// Run polls the task queue until ctx is cancelled, processing batches with
// exponential backoff on backend failure (internal/backend.Retry, capped
// at 30 minutes).
func (c *Collector) Run(ctx context.Context, opts Options) error {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stats, err := c.Poll(ctx, opts)
		if err != nil {
			logger.Errorf("collector: poll failed: %v", err)
		}
		if stats.TasksProcessed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}

// Poll pulls one batch of tasks and processes them, returning without
// blocking once the batch is drained (or the queue is empty).
func (c *Collector) Poll(ctx context.Context, opts Options) (Stats, error) {
	c.mu.Lock()
	if c.pauses > 0 {
		c.mu.Unlock()
		return Stats{}, nil
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.cond.Broadcast()
		c.mu.Unlock()
	}()

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	tasks, err := c.cat.NextTasks(batchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("collector: fetch tasks: %w", err)
	}

	// Coalesce multiple TASK_REMOVE_OLD_OBJECTS for the same cd into one
	// batch: keep only the highest trans_id, since removing
	// everything superseded at-or-below the highest T also removes
	// everything superseded at-or-below any lower T in the same group.
	var removeOldMax *catalog.TaskRow
	var removeOldTasks []catalog.TaskRow
	var other []catalog.TaskRow
	for _, t := range tasks {
		if t.Kind == catalog.TaskRemoveOldObjects {
			removeOldTasks = append(removeOldTasks, t)
			tt := t
			if removeOldMax == nil || tt.TransID > removeOldMax.TransID {
				removeOldMax = &tt
			}
			continue
		}
		other = append(other, t)
	}

	var stats Stats
	if removeOldMax != nil {
		batchStart := time.Now()
		var deleted int
		spanCtx, span := telemetry.StartCollectorSpan(ctx, string(catalog.TaskRemoveOldObjects), telemetry.TransID(removeOldMax.TransID))
		if err := c.runWithRetry(spanCtx, func(ctx context.Context) error {
			n, err := c.removeOldObjects(ctx, removeOldMax.TransID, opts.DryRun)
			stats.ObjectsDeleted += n
			deleted += n
			return err
		}); err != nil {
			stats.Errors++
			telemetry.RecordError(spanCtx, err)
			if c.metrics != nil {
				c.metrics.ObserveError()
			}
			logger.Errorf("collector: TASK_REMOVE_OLD_OBJECTS(%d): %v", removeOldMax.TransID, err)
		} else if !opts.DryRun {
			if c.metrics != nil {
				c.metrics.ObserveTask("remove_old_objects", deleted, time.Since(batchStart))
			}
			for _, t := range removeOldTasks {
				if err := c.cat.CompleteTask(t.ID); err != nil {
					logger.Errorf("collector: complete task %d: %v", t.ID, err)
				}
			}
		}
		span.End()
		stats.TasksProcessed += len(removeOldTasks)
		if opts.ProgressCallback != nil {
			opts.ProgressCallback(stats)
		}
	}

	for _, t := range other {
		if t.Kind != catalog.TaskRemoveTransaction {
			continue
		}
		taskStart := time.Now()
		var deleted int
		spanCtx, span := telemetry.StartCollectorSpan(ctx, string(catalog.TaskRemoveTransaction), telemetry.TransID(t.TransID))
		err := c.runWithRetry(spanCtx, func(ctx context.Context) error {
			n, err := c.removeTransaction(ctx, t.TransID, opts.DryRun)
			stats.ObjectsDeleted += n
			deleted += n
			return err
		})
		if err != nil {
			stats.Errors++
			telemetry.RecordError(spanCtx, err)
			if c.metrics != nil {
				c.metrics.ObserveError()
			}
			logger.Errorf("collector: TASK_REMOVE_TRANSACTION(%d): %v", t.TransID, err)
		} else if !opts.DryRun {
			if c.metrics != nil {
				c.metrics.ObserveTask("remove_transaction", deleted, time.Since(taskStart))
			}
			if err := c.cat.CompleteTask(t.ID); err != nil {
				logger.Errorf("collector: complete task %d: %v", t.ID, err)
			}
		}
		span.End()
		stats.TasksProcessed++
		if opts.ProgressCallback != nil {
			opts.ProgressCallback(stats)
		}
	}

	return stats, nil
}

func (c *Collector) runWithRetry(ctx context.Context, fn func(context.Context) error) error {
	return backend.Retry(ctx, c.retryPolicy, fn)
}

// removeOldObjects implements TASK_REMOVE_OLD_OBJECTS(T): delete every
// (T', B) object that has a successor (T'', B) with T' < T'' <= T. For each
// key that is, delete every version at or below T except the newest one.
func (c *Collector) removeOldObjects(ctx context.Context, maxTransID uint64, dryRun bool) (int, error) {
	versions := make(map[string][]catalog.ObjectRow)
	err := c.cat.ListObjects(c.cdID, func(row catalog.ObjectRow) error {
		if row.TransID <= maxTransID {
			versions[row.Key] = append(versions[row.Key], row)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list objects: %w", err)
	}

	var names []string
	var removable []catalog.ObjectRow
	for _, rows := range versions {
		if len(rows) <= 1 {
			continue
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].TransID < rows[j].TransID })
		for _, row := range rows[:len(rows)-1] {
			removable = append(removable, row)
			names = append(names, c.fe.ObjectName(row.TransID, row.Key))
		}
	}

	if dryRun || len(removable) == 0 {
		return len(removable), nil
	}

	if err := c.fe.DeleteBackendObjects(ctx, names); err != nil {
		return 0, fmt.Errorf("delete %d superseded objects: %w", len(names), err)
	}
	for _, row := range removable {
		if err := c.cat.DeleteObject(c.cdID, row.TransID, row.Key); err != nil {
			return 0, fmt.Errorf("drop catalog row for %q@%d: %w", row.Key, row.TransID, err)
		}
	}
	return len(removable), nil
}

// removeTransaction implements TASK_REMOVE_TRANSACTION(T): delete every
// object in T plus its three marker objects, then drop the transaction row.
func (c *Collector) removeTransaction(ctx context.Context, transID uint64, dryRun bool) (int, error) {
	var rows []catalog.ObjectRow
	var names []string
	err := c.cat.ListObjects(c.cdID, func(row catalog.ObjectRow) error {
		if row.TransID == transID {
			rows = append(rows, row)
			names = append(names, c.fe.ObjectName(transID, row.Key))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list objects: %w", err)
	}

	finalized, complete, inactive := c.fe.MarkerNames(transID)
	names = append(names, finalized, complete, inactive)

	if dryRun {
		return len(rows), nil
	}

	if err := c.fe.DeleteBackendObjects(ctx, names); err != nil {
		return 0, fmt.Errorf("delete transaction %d objects: %w", transID, err)
	}
	for _, row := range rows {
		if err := c.cat.DeleteObject(c.cdID, row.TransID, row.Key); err != nil {
			return 0, fmt.Errorf("drop catalog row for %q@%d: %w", row.Key, row.TransID, err)
		}
	}
	if err := c.cat.DeleteTransaction(c.cdID, transID); err != nil {
		return 0, fmt.Errorf("drop transaction row %d: %w", transID, err)
	}
	return len(rows), nil
}
