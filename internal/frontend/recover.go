package frontend

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/cloudcached/internal/backend"
	"github.com/marmos91/cloudcached/internal/catalog"
	"github.com/marmos91/cloudcached/internal/coreerr"
	"github.com/marmos91/cloudcached/internal/logger"
)

// EnsureMagic performs the bucket-belongs-to-us test at mount: the bucket's
// cd_magic_file must hold the literal magic content. A bucket with no magic
// file is fresh and gets claimed by writing one; a bucket with different
// content belongs to something else and is refused.
func (f *Frontend) EnsureMagic(ctx context.Context) error {
	rc, _, err := f.be.Get(ctx, backend.MagicObjectName, "", 0)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			if _, err := f.be.Put(ctx, backend.MagicObjectName, strings.NewReader(backend.MagicContent), 0); err != nil {
				return coreerr.Wrapf(coreerr.Classify(err), err, "claim bucket: write %s", backend.MagicObjectName)
			}
			return nil
		}
		return coreerr.Wrapf(coreerr.Classify(err), err, "read %s", backend.MagicObjectName)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read %s body: %w", backend.MagicObjectName, err)
	}
	if string(body) != backend.MagicContent {
		return fmt.Errorf("bucket is not a cloudcached bucket: %s holds %q", backend.MagicObjectName, body)
	}
	return nil
}

// RecoverCatalog rebuilds an empty catalog from the bucket enumeration:
// every transaction-tagged object becomes a catalog row, marker objects
// reconstruct the transaction table, and the generation counter is advanced
// to at least the newest transaction seen so it stays monotone relative to
// anything the bucket already holds. A non-empty catalog is left untouched.
func (f *Frontend) RecoverCatalog(ctx context.Context) (rebuilt bool, err error) {
	empty, err := f.cat.IsEmpty()
	if err != nil {
		return false, fmt.Errorf("check catalog emptiness: %w", err)
	}
	if !empty {
		return false, nil
	}

	type transMarkers struct {
		finalized, complete, inactive bool
	}
	seen := make(map[uint64]*transMarkers)
	var maxTrans uint64
	var objects int

	err = f.be.List(ctx, func(name, md5sum string, size int64, mtime time.Time) error {
		transid, key, marker, ok := f.parseObjectName(name)
		if !ok {
			return nil
		}
		if transid > maxTrans {
			maxTrans = transid
		}
		if _, ok := seen[transid]; !ok {
			seen[transid] = &transMarkers{}
		}
		switch marker {
		case "":
			objects++
			return f.cat.PutObject(catalog.ObjectRow{
				CDID:         f.cfg.CDID,
				TransID:      transid,
				Key:          key,
				MD5:          md5sum,
				Size:         size,
				LastModified: mtime,
			})
		case "finalized":
			seen[transid].finalized = true
		case "complete":
			seen[transid].complete = true
		case "inactive":
			seen[transid].inactive = true
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rebuild catalog from listing: %w", err)
	}
	if len(seen) == 0 {
		return false, nil
	}

	for transid, markers := range seen {
		if err := f.cat.NewTransaction(f.cfg.CDID, transid); err != nil {
			return false, fmt.Errorf("rebuild transaction %d: %w", transid, err)
		}
		if markers.finalized || markers.complete {
			if err := f.cat.FinalizeTransaction(f.cfg.CDID, transid, markers.complete); err != nil {
				return false, fmt.Errorf("rebuild transaction %d markers: %w", transid, err)
			}
		}
	}

	// Writes resume past anything the bucket already holds.
	if maxTrans >= f.currentTransID.Load() {
		f.currentTransID.Store(maxTrans + 1)
		if err := f.NewTransaction(maxTrans + 1); err != nil {
			return false, fmt.Errorf("open transaction %d after rebuild: %w", maxTrans+1, err)
		}
	}

	gen, err := f.cat.Generation(f.cfg.CDID)
	if err != nil {
		return false, fmt.Errorf("read generation after rebuild: %w", err)
	}
	if gen < maxTrans {
		if err := f.cat.SetGeneration(f.cfg.CDID, maxTrans); err != nil {
			return false, fmt.Errorf("recover generation after rebuild: %w", err)
		}
	}

	logger.Info("catalog rebuilt from bucket enumeration",
		"objects", objects, "transactions", len(seen), "resume_trans_id", f.currentTransID.Load())
	return true, nil
}

// parseObjectName reverses objectName/MarkerNames for this frontend's cd_id:
// it strips the optional aaa/bb/ shard prefix, skips the well-known magic
// and bookkeeping objects, and splits the remainder into transaction id
// plus either a block key or a marker suffix. ok is false for names that
// belong to another cd_id or don't parse.
func (f *Frontend) parseObjectName(name string) (transid uint64, key string, marker string, ok bool) {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if name == backend.MagicObjectName || name == backend.NumObjectName {
		return 0, "", "", false
	}

	parts := strings.Split(name, "_")
	if f.cfg.CDID != 0 {
		if len(parts) < 3 || parts[0] != strconv.FormatUint(f.cfg.CDID, 10) {
			return 0, "", "", false
		}
		parts = parts[1:]
	}
	if len(parts) != 2 {
		return 0, "", "", false
	}

	transid, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", "", false
	}

	switch parts[1] {
	case "finalized", "complete", "inactive":
		return transid, "", parts[1], true
	}

	raw, err := hex.DecodeString(parts[1])
	if err != nil {
		return 0, "", "", false
	}
	return transid, string(raw), "", true
}
