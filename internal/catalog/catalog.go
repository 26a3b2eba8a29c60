// Package catalog implements the frontend's persisted bookkeeping: object
// versions, transactions, the collector's task queue, and the generation
// counter. It is backed by github.com/dgraph-io/badger/v4: the catalog
// needs only point lookups and prefix scans by cd_id/transid, not
// relational joins, so an embedded SQL engine would add nothing.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/cloudcached/internal/coreerr"
	"github.com/marmos91/cloudcached/internal/logger"
)

// ============================================================================
// Key namespace design: a short ASCII prefix per logical table plus a
// binary-sortable suffix so
// prefix scans enumerate rows for one cd_id/transid without a secondary
// index.
//
// Table                    Prefix   Key format                    Value
// ======================================================================
// Objects                  "o:"     o:<cd_id>:<transid>:<tkey>    ObjectRow (JSON)
// Transactions             "t:"     t:<cd_id>:<transid>           TransactionRow (JSON)
// Tasks                    "q:"     q:<id zero-padded u64 BE>     TaskRow (JSON)
// Generation counter       "g:"     g:<cd_id>                     uint64 (binary BE)
// Misc                     "m:"     m:<key>                       raw bytes
// ============================================================================

const (
	prefixObject      = "o:"
	prefixTransaction = "t:"
	prefixTask        = "q:"
	prefixGeneration  = "g:"
	prefixMisc        = "m:"
)

func keyObject(cdID, transid uint64, tkey string) []byte {
	return []byte(fmt.Sprintf("%s%016x:%016x:%s", prefixObject, cdID, transid, tkey))
}

func keyObjectScanPrefix(cdID uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x:", prefixObject, cdID))
}

func keyTransaction(cdID, transid uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x:%016x", prefixTransaction, cdID, transid))
}

func keyTransactionScanPrefix(cdID uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x:", prefixTransaction, cdID))
}

func keyTask(id uint64) []byte {
	b := make([]byte, len(prefixTask)+8)
	copy(b, prefixTask)
	binary.BigEndian.PutUint64(b[len(prefixTask):], id)
	return b
}

func keyGeneration(cdID uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixGeneration, cdID))
}

func keyMisc(k string) []byte { return []byte(prefixMisc + k) }

// ============================================================================
// Row types
// ============================================================================

// ObjectRow is one version of one block key:
// clouddrive_objects(cd_id?, trans_id, tkey, md5sum, size, last_modified?, mirrored?).
type ObjectRow struct {
	CDID         uint64    `json:"cd_id"`
	TransID      uint64    `json:"trans_id"`
	Key          string    `json:"tkey"`
	MD5          string    `json:"md5sum"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified,omitempty"`
	Mirrored     bool      `json:"mirrored,omitempty"`
	Deleted      bool      `json:"deleted,omitempty"` // tombstone left by del()
}

// TransactionRow is clouddrive_transactions(id, completed, active, mirrored?).
type TransactionRow struct {
	ID        uint64 `json:"id"`
	Completed bool   `json:"completed"`
	Active    bool   `json:"active"`
	Mirrored  bool   `json:"mirrored,omitempty"`
	Finalized bool   `json:"finalized,omitempty"`
}

// TaskKind enumerates the collector's persistent task types.
type TaskKind string

const (
	TaskRemoveOldObjects TaskKind = "TASK_REMOVE_OLD_OBJECTS"
	TaskRemoveTransaction TaskKind = "TASK_REMOVE_TRANSACTION"
)

// TaskRow is tasks(id, task_id, trans_id, cd_id, created).
type TaskRow struct {
	ID      uint64    `json:"id"`
	Kind    TaskKind  `json:"task_id"`
	CDID    uint64    `json:"cd_id"`
	TransID uint64    `json:"trans_id"`
	Created time.Time `json:"created"`
}

// Metrics observes catalog lookup traffic. Defined next to the subsystem
// it measures, as with blockcache.CacheMetrics; nil
// disables it.
type Metrics interface {
	// ObserveGetObject records one GetObject lookup outcome.
	ObserveGetObject(hit bool, d time.Duration)
}

// Catalog wraps a badger.DB with the frontend's logical tables.
type Catalog struct {
	db      *badgerdb.DB
	nextID  uint64 // in-memory task-id cursor, primed from disk on Open
	metrics Metrics
}

// SetMetrics attaches m as the catalog's metrics sink; nil disables it.
func (c *Catalog) SetMetrics(m Metrics) { c.metrics = m }

// Open opens (creating if absent) a badger catalog rooted at dir. Badger's
// own internal logging is routed through the package's log/slog-backed
// logger rather than stdout, matching how the rest of the tree logs.
func Open(dir string) (*Catalog, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(badgerLogAdapter{})
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, coreerr.Wrapf(coreerr.KindCacheIO, err, "open catalog at %q", dir)
	}
	c := &Catalog{db: db}
	if err := c.primeTaskCursor(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// badgerLogAdapter routes badger's internal logging through the shared
// logger package instead of badger's own stderr writer.
type badgerLogAdapter struct{}

func (badgerLogAdapter) Errorf(f string, v ...any)   { logger.Errorf(f, v...) }
func (badgerLogAdapter) Warningf(f string, v ...any) { logger.Warnf(f, v...) }
func (badgerLogAdapter) Infof(f string, v ...any)    { logger.Infof(f, v...) }
func (badgerLogAdapter) Debugf(f string, v ...any)   { logger.Debugf(f, v...) }

// Close flushes and closes the underlying badger database.
func (c *Catalog) Close() error { return c.db.Close() }

// RunGC runs badger's value-log garbage collection; callers invoke this
// periodically (e.g. from the collector's loop) since badger does not do it
// on its own.
func (c *Catalog) RunGC(discardRatio float64) error {
	err := c.db.RunValueLogGC(discardRatio)
	if err == badgerdb.ErrNoRewrite {
		return nil
	}
	return err
}

func (c *Catalog) primeTaskCursor() error {
	return c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefixTask)
		it := txn.NewIterator(opts)
		defer it.Close()

		seekFrom := append([]byte(prefixTask), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seekFrom)
		if it.ValidForPrefix([]byte(prefixTask)) {
			item := it.Item()
			id := binary.BigEndian.Uint64(item.Key()[len(prefixTask):])
			c.nextID = id + 1
		}
		return nil
	})
}

// ============================================================================
// Objects
// ============================================================================

// PutObject records a new object version.
func (c *Catalog) PutObject(row ObjectRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal object row: %w", err)
	}
	return c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyObject(row.CDID, row.TransID, row.Key), data)
	})
}

// GetObject returns the newest object version for (cdID, key) with
// transid <= maxTransID.
func (c *Catalog) GetObject(cdID uint64, key string, maxTransID uint64) (ObjectRow, bool, error) {
	var found ObjectRow
	var ok bool
	start := time.Now()

	err := c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		prefix := keyObjectScanPrefix(cdID)
		it := txn.NewIterator(opts)
		defer it.Close()

		seekFrom := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seekFrom); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var row ObjectRow
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("decode object row: %w", err)
			}
			if row.Key != key || row.TransID > maxTransID {
				continue
			}
			found, ok = row, true
			return nil
		}
		return nil
	})
	if err != nil {
		return ObjectRow{}, false, err
	}
	if c.metrics != nil {
		c.metrics.ObserveGetObject(ok, time.Since(start))
	}
	return found, ok, nil
}

// ListObjects enumerates every object row for cdID, newest-transid first is
// not guaranteed; used by recovery/import and the collector.
func (c *Catalog) ListObjects(cdID uint64, fn func(ObjectRow) error) error {
	return c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		prefix := keyObjectScanPrefix(cdID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var row ObjectRow
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("decode object row: %w", err)
			}
			if err := fn(row); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteObject removes the catalog row for (cdID, transid, key) after the
// corresponding backend object has actually been deleted.
func (c *Catalog) DeleteObject(cdID, transid uint64, key string) error {
	return c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyObject(cdID, transid, key))
	})
}

// MarkDeleted records a tombstone for (cdID, key) at transid. Readers at
// older transactions keep seeing the prior live version until the
// transaction completes and the collector removes it.
func (c *Catalog) MarkDeleted(cdID, transid uint64, key string) error {
	return c.PutObject(ObjectRow{CDID: cdID, TransID: transid, Key: key, Deleted: true})
}

// ============================================================================
// Transactions
// ============================================================================

// NewTransaction allocates and persists a fresh, active transaction row.
func (c *Catalog) NewTransaction(cdID, transid uint64) error {
	row := TransactionRow{ID: transid, Active: true}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal transaction row: %w", err)
	}
	return c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyTransaction(cdID, transid), data)
	})
}

// FinalizeTransaction implements transaction_finalize(cd_id, transid, complete).
func (c *Catalog) FinalizeTransaction(cdID, transid uint64, complete bool) error {
	return c.db.Update(func(txn *badgerdb.Txn) error {
		row, err := getTransactionTxn(txn, cdID, transid)
		if err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		row.ID = transid
		row.Finalized = true
		if complete {
			row.Completed = true
		}
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return txn.Set(keyTransaction(cdID, transid), data)
	})
}

// SetActiveTransactions implements set_active_transactions(cd_id, active[]):
// every incomplete transaction not present in active becomes inactive.
func (c *Catalog) SetActiveTransactions(cdID uint64, active []uint64) ([]uint64, error) {
	activeSet := make(map[uint64]bool, len(active))
	for _, t := range active {
		activeSet[t] = true
	}

	var madeInactive []uint64
	err := c.db.Update(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		prefix := keyTransactionScanPrefix(cdID)
		it := txn.NewIterator(opts)
		defer it.Close()

		var rows []TransactionRow
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var row TransactionRow
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("decode transaction row: %w", err)
			}
			rows = append(rows, row)
		}
		it.Close()

		for _, row := range rows {
			if row.Completed || activeSet[row.ID] {
				continue
			}
			row.Active = false
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := txn.Set(keyTransaction(cdID, row.ID), data); err != nil {
				return err
			}
			madeInactive = append(madeInactive, row.ID)
		}
		return nil
	})
	return madeInactive, err
}

func getTransactionTxn(txn *badgerdb.Txn, cdID, transid uint64) (TransactionRow, error) {
	item, err := txn.Get(keyTransaction(cdID, transid))
	if err != nil {
		return TransactionRow{}, err
	}
	var row TransactionRow
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &row) })
	return row, err
}

// GetTransaction returns the transaction row, if present.
func (c *Catalog) GetTransaction(cdID, transid uint64) (TransactionRow, bool, error) {
	var row TransactionRow
	var ok bool
	err := c.db.View(func(txn *badgerdb.Txn) error {
		r, err := getTransactionTxn(txn, cdID, transid)
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		row, ok = r, true
		return nil
	})
	return row, ok, err
}

// DeleteTransaction drops a transaction row once TASK_REMOVE_TRANSACTION has
// deleted every object in it.
func (c *Catalog) DeleteTransaction(cdID, transid uint64) error {
	return c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyTransaction(cdID, transid))
	})
}

// ============================================================================
// Task queue
// ============================================================================

// EnqueueTask appends a task to the persistent FIFO and returns its id.
func (c *Catalog) EnqueueTask(kind TaskKind, cdID, transID uint64, created time.Time) (uint64, error) {
	var id uint64
	err := c.db.Update(func(txn *badgerdb.Txn) error {
		id = c.nextID
		row := TaskRow{ID: id, Kind: kind, CDID: cdID, TransID: transID, Created: created}
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return txn.Set(keyTask(id), data)
	})
	if err != nil {
		return 0, err
	}
	c.nextID++
	return id, nil
}

// NextTasks returns up to limit tasks in FIFO order, oldest first, for the
// collector's worker loop to process.
func (c *Catalog) NextTasks(limit int) ([]TaskRow, error) {
	var rows []TaskRow
	err := c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTask)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefixTask)); it.ValidForPrefix([]byte(prefixTask)) && len(rows) < limit; it.Next() {
			item := it.Item()
			var row TaskRow
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("decode task row: %w", err)
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

// CompleteTask removes a task once it has been fully processed.
func (c *Catalog) CompleteTask(id uint64) error {
	return c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyTask(id))
	})
}

// ============================================================================
// Generation counter
// ============================================================================

// Generation returns the current generation counter for cdID, 0 if unset.
func (c *Catalog) Generation(cdID uint64) (uint64, error) {
	var gen uint64
	err := c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyGeneration(cdID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			gen = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	return gen, err
}

// SetGeneration persists the generation counter for cdID.
func (c *Catalog) SetGeneration(cdID, gen uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, gen)
	return c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyGeneration(cdID), buf)
	})
}

// SkipGeneration advances the on-disk generation counter by at least n
// beyond its current value, so a crash that lost unflushed increments can
// never reuse a generation number already visible to a reader.
func (c *Catalog) SkipGeneration(cdID uint64, n uint64) (uint64, error) {
	var next uint64
	err := c.db.Update(func(txn *badgerdb.Txn) error {
		var cur uint64
		item, err := txn.Get(keyGeneration(cdID))
		switch err {
		case nil:
			if verr := item.Value(func(val []byte) error {
				cur = binary.BigEndian.Uint64(val)
				return nil
			}); verr != nil {
				return verr
			}
		case badgerdb.ErrKeyNotFound:
			cur = 0
		default:
			return err
		}
		next = cur + n
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return txn.Set(keyGeneration(cdID), buf)
	})
	return next, err
}

// ============================================================================
// Misc table
// ============================================================================

// GetMisc returns a raw value from the misc table.
func (c *Catalog) GetMisc(key string) ([]byte, bool, error) {
	var val []byte
	var ok bool
	err := c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyMisc(key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return item.Value(func(v []byte) error {
			val = append([]byte{}, v...)
			return nil
		})
	})
	return val, ok, err
}

// SetMisc persists a raw value in the misc table.
func (c *Catalog) SetMisc(key string, val []byte) error {
	return c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyMisc(key), val)
	})
}

// IsEmpty reports whether the catalog has no object rows for any cd_id,
// used at startup to decide whether an enumeration-based rebuild from the
// bucket listing is needed.
func (c *Catalog) IsEmpty() (bool, error) {
	empty := true
	err := c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixObject)
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek([]byte(prefixObject))
		empty = !it.ValidForPrefix([]byte(prefixObject))
		return nil
	})
	return empty, err
}
