// Package slog implements the volume layer's write-ahead log: a sequential
// append-only file recording every write before it is acknowledged to the
// client, replayed on restart to recover writes not yet reflected by a
// checkpoint.
//
// Note: slog is this system's historical name for its storage log; the
// package has no relation to the standard library's log/slog, which
// internal/logger wraps separately.
package slog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/marmos91/cloudcached/internal/coreerr"
	"github.com/marmos91/cloudcached/internal/logger"
)

const (
	magic        = "TCDSLOG#1.0"
	headerSize   = len(magic) + 8 // magic + base-transid
	recordHeader = 4 + 8 + 4      // size u32 + offset i64 + crc u32
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is one recovered write: the byte offset within the volume and the
// bytes written there.
type Record struct {
	Offset int64
	Payload []byte
}

// Slog is a single write-ahead log file opened at baseTransID, the
// transaction in effect when the file was created or last reopened.
type Slog struct {
	mu   sync.Mutex
	path string
	file *os.File

	baseTransID uint64
	size        int64
	maxSize     int64

	unsynced int // records appended since the last Sync, for RotateUnsyncedKeys bookkeeping
}

// Open creates a fresh slog file at path (writing the header) if none
// exists, or opens an existing one and validates its header, appending from
// its current end. maxSize is the soft limit past which the volume layer
// should trigger a checkpoint and Reopen.
func Open(path string, baseTransID uint64, maxSize int64) (*Slog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return create(path, baseTransID, maxSize)
	} else if err != nil {
		return nil, coreerr.Wrapf(coreerr.KindCacheIO, err, "stat slog %q", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, coreerr.Wrapf(coreerr.KindCacheIO, err, "open slog %q", path)
	}
	gotBase, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, coreerr.Wrapf(coreerr.KindCacheIO, err, "stat slog %q", path)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, coreerr.Wrapf(coreerr.KindCacheIO, err, "seek slog %q", path)
	}
	return &Slog{path: path, file: f, baseTransID: gotBase, size: info.Size(), maxSize: maxSize}, nil
}

func create(path string, baseTransID uint64, maxSize int64) (*Slog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, coreerr.Wrapf(coreerr.KindCacheIO, err, "create slog %q", path)
	}
	if err := writeHeader(f, baseTransID); err != nil {
		f.Close()
		return nil, err
	}
	return &Slog{path: path, file: f, baseTransID: baseTransID, size: int64(headerSize), maxSize: maxSize}, nil
}

func writeHeader(f *os.File, baseTransID uint64) error {
	buf := make([]byte, headerSize)
	copy(buf, magic)
	binary.LittleEndian.PutUint64(buf[len(magic):], baseTransID)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return coreerr.Wrapf(coreerr.KindCacheIO, err, "write slog header")
	}
	return nil
}

func readHeader(f *os.File) (uint64, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0, coreerr.Wrapf(coreerr.KindIntegrity, err, "read slog header")
	}
	if string(buf[:len(magic)]) != magic {
		return 0, coreerr.Wrap(coreerr.KindIntegrity, fmt.Errorf("slog: bad magic"))
	}
	return binary.LittleEndian.Uint64(buf[len(magic):]), nil
}

// BaseTransID reports the transaction this slog was opened at.
func (s *Slog) BaseTransID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseTransID
}

// Size reports the current file size in bytes.
func (s *Slog) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// ExceedsMaxSize reports whether the slog has grown past its configured
// soft limit, signaling the volume layer to checkpoint and Reopen.
func (s *Slog) ExceedsMaxSize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSize > 0 && s.size > s.maxSize
}

// Append writes one record (fixed header + CRC-32C over header+payload)
// before the caller acknowledges the write to the client.
func (s *Slog) Append(offset int64, payload []byte) error {
	buf := make([]byte, recordHeader+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(offset))
	// crc field (buf[12:16]) stays zero for the checksum computation.
	copy(buf[recordHeader:], payload)
	crc := crc32.Checksum(buf, castagnoli)
	binary.LittleEndian.PutUint32(buf[12:16], crc)

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.file.Write(buf)
	if err != nil {
		return coreerr.Wrapf(coreerr.KindCacheIO, err, "append slog record at offset %d", offset)
	}
	s.size += int64(n)
	s.unsynced++
	return nil
}

// Sync implements internal/blockcache.SlogSyncer: fsync the slog file so
// every appended record up to this point is durable.
func (s *Slog) Sync() error {
	s.mu.Lock()
	f := s.file
	s.mu.Unlock()
	if err := f.Sync(); err != nil {
		return coreerr.Wrapf(coreerr.KindCacheIO, err, "sync slog %q", s.path)
	}
	return nil
}

// RotateUnsyncedKeys implements internal/blockcache.SlogSyncer: clears the
// bookkeeping of records appended since the last Sync, called right after
// Sync during checkpoint.
func (s *Slog) RotateUnsyncedKeys() {
	s.mu.Lock()
	s.unsynced = 0
	s.mu.Unlock()
}

// Close syncs and closes the slog file.
func (s *Slog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return coreerr.Wrapf(coreerr.KindCacheIO, err, "sync slog %q on close", s.path)
	}
	return s.file.Close()
}

// Reopen truncates the file to a fresh header at newBaseTransID, called
// once a checkpoint advances the transaction (the old records are now
// reflected in the catalog) or once the log crosses its size limit.
func (s *Slog) Reopen(newBaseTransID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Truncate(0); err != nil {
		return coreerr.Wrapf(coreerr.KindCacheIO, err, "truncate slog %q", s.path)
	}
	if err := writeHeader(s.file, newBaseTransID); err != nil {
		return err
	}
	if _, err := s.file.Seek(int64(headerSize), io.SeekStart); err != nil {
		return coreerr.Wrapf(coreerr.KindCacheIO, err, "seek slog %q", s.path)
	}
	s.baseTransID = newBaseTransID
	s.size = int64(headerSize)
	s.unsynced = 0
	return nil
}

// Replay reads path and returns its records if the slog is the live log
// for the volume's current transaction. A base-transid strictly older than
// currentTransID is a previously-checkpointed, now-discardable log
// (ok=false, err=nil,
// logged and skipped); a base-transid strictly newer is impossible under
// correct operation and is treated as corruption (refused, mount does not
// start); equal means this is the live log and its records must be
// replayed. A truncated tail (a record whose header or CRC does not
// validate, from a write that crashed mid-append) stops replay at that
// point rather than failing it, since everything durably appended before
// the crash is still valid.
func Replay(path string, currentTransID uint64) (records []Record, ok bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coreerr.Wrapf(coreerr.KindCacheIO, err, "open slog %q for replay", path)
	}
	defer f.Close()

	baseTransID, err := readHeader(f)
	if err != nil {
		return nil, false, err
	}

	switch {
	case baseTransID < currentTransID:
		logger.Warnf("slog %q: base transaction %d predates catalog transaction %d, discarding", path, baseTransID, currentTransID)
		return nil, false, nil
	case baseTransID > currentTransID:
		return nil, false, coreerr.Wrap(coreerr.KindIntegrity, fmt.Errorf(
			"slog %q: base transaction %d is ahead of catalog transaction %d", path, baseTransID, currentTransID))
	}

	for {
		header := make([]byte, recordHeader)
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF {
				break
			}
			logger.Warnf("slog %q: truncated record header, stopping replay: %v", path, err)
			break
		}
		size := binary.LittleEndian.Uint32(header[0:4])
		offset := int64(binary.LittleEndian.Uint64(header[4:12]))
		storedCRC := binary.LittleEndian.Uint32(header[12:16])

		payload := make([]byte, size)
		if _, err := io.ReadFull(f, payload); err != nil {
			logger.Warnf("slog %q: truncated record payload, stopping replay: %v", path, err)
			break
		}

		check := make([]byte, recordHeader+len(payload))
		copy(check, header)
		binary.LittleEndian.PutUint32(check[12:16], 0)
		copy(check[recordHeader:], payload)
		if crc32.Checksum(check, castagnoli) != storedCRC {
			logger.Warnf("slog %q: CRC mismatch at offset %d, stopping replay", path, offset)
			break
		}

		records = append(records, Record{Offset: offset, Payload: payload})
	}

	return records, true, nil
}
