// Package bitmap implements durable bit arrays backed by a file, with an
// LRU page cache bounding how much of the array is resident at once.
//
// Three bitmaps are opened by the volume layer: the fine bitmap (one bit
// per 4 KiB cell), the big-block bitmap, and the old-big-block bitmap. All
// three share this implementation; only their page counts differ.
package bitmap

import (
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"sync"
	"time"

	"github.com/marmos91/cloudcached/internal/logger"
)

const (
	magic       = "CCBITMAP"
	version     = uint16(1)
	headerSize  = 4096
	// PageSize is the page granularity of the backing file and of the
	// resident page cache; 4 KiB matches the volume's fine-grained cell size.
	PageSize  = 4096
	PageBits  = PageSize * 8
	maxRetries = 5
	retryBase  = 50 * time.Millisecond
)

var (
	// ErrCorrupted is returned when the backing file's header fails validation.
	ErrCorrupted = errors.New("bitmap: corrupted header")
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("bitmap: store is closed")
)

type page struct {
	idx   uint32
	data  []byte
	dirty bool
	elem  *list.Element
}

// Store is a durable bit array with a bounded, LRU-managed page cache.
type Store struct {
	mu sync.Mutex

	file      *os.File
	totalBits uint64
	numPages  uint32

	pages    map[uint32]*page
	lru      *list.List // front = most recently used
	maxPages int

	// inFlight coalesces concurrent fetches of the same page: waiters
	// block on the channel instead of re-issuing the read.
	inFlight map[uint32]chan struct{}

	closed bool
}

// Open opens or creates a bitmap store backed by path, sized to hold
// totalBits logical bits. maxResidentPages bounds the page cache.
func Open(path string, totalBits uint64, maxResidentPages int) (*Store, error) {
	if maxResidentPages < 1 {
		maxResidentPages = 1
	}

	numPages := uint32((totalBits + PageBits - 1) / PageBits)
	if numPages == 0 {
		numPages = 1
	}

	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("bitmap: open %s: %w", path, err)
	}

	s := &Store{
		file:     f,
		pages:    make(map[uint32]*page),
		lru:      list.New(),
		maxPages: maxResidentPages,
		inFlight: make(map[uint32]chan struct{}),
	}

	if exists {
		if err := s.readHeader(); err != nil {
			f.Close()
			return nil, err
		}
		// Grow the logical bit count if the caller asked for more bits
		// than the file currently covers (volume resize).
		if totalBits > s.totalBits {
			if err := s.growLocked(totalBits); err != nil {
				f.Close()
				return nil, err
			}
		}
	} else {
		s.totalBits = totalBits
		s.numPages = numPages
		if err := s.writeHeaderLocked(); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Truncate(int64(headerSize) + int64(numPages)*PageSize); err != nil {
			f.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) readHeader() error {
	buf := make([]byte, headerSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("bitmap: read header: %w", err)
	}
	if string(buf[:8]) != magic {
		return ErrCorrupted
	}
	v := binary.LittleEndian.Uint16(buf[8:10])
	if v != version {
		return fmt.Errorf("bitmap: unsupported version %d", v)
	}
	s.totalBits = binary.LittleEndian.Uint64(buf[10:18])
	s.numPages = uint32((s.totalBits + PageBits - 1) / PageBits)
	if s.numPages == 0 {
		s.numPages = 1
	}
	return nil
}

func (s *Store) writeHeaderLocked() error {
	buf := make([]byte, headerSize)
	copy(buf[:8], magic)
	binary.LittleEndian.PutUint16(buf[8:10], version)
	binary.LittleEndian.PutUint64(buf[10:18], s.totalBits)
	_, err := s.file.WriteAt(buf, 0)
	return err
}

func (s *Store) growLocked(totalBits uint64) error {
	numPages := uint32((totalBits + PageBits - 1) / PageBits)
	if numPages == 0 {
		numPages = 1
	}
	if err := s.file.Truncate(int64(headerSize) + int64(numPages)*PageSize); err != nil {
		return fmt.Errorf("bitmap: grow: %w", err)
	}
	s.totalBits = totalBits
	s.numPages = numPages
	return s.writeHeaderLocked()
}

// Get returns the bit at logical index i.
func (s *Store) Get(i uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	p, err := s.fetchPageLocked(uint32(i / PageBits))
	if err != nil {
		return false, err
	}
	bitIdx := i % PageBits
	byteIdx := bitIdx / 8
	return p.data[byteIdx]&(1<<(bitIdx%8)) != 0, nil
}

// Set mutates the bit at logical index i and returns whether the value
// actually changed (so callers can keep a used-bytes accounting in sync).
func (s *Store) Set(i uint64, v bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	p, err := s.fetchPageLocked(uint32(i / PageBits))
	if err != nil {
		return false, err
	}
	bitIdx := i % PageBits
	byteIdx := bitIdx / 8
	mask := byte(1 << (bitIdx % 8))
	was := p.data[byteIdx]&mask != 0
	if was == v {
		return false, nil
	}
	if v {
		p.data[byteIdx] |= mask
	} else {
		p.data[byteIdx] &^= mask
	}
	p.dirty = true
	s.touchLocked(p)
	return true, nil
}

// GetRange reports whether any bit in [start,end) is set. It skips whole
// all-zero bytes instead of testing bit by bit.
func (s *Store) GetRange(start, end uint64) (bool, error) {
	if start >= end {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	for i := start; i < end; {
		p, err := s.fetchPageLocked(uint32(i / PageBits))
		if err != nil {
			return false, err
		}

		pageStart := uint64(p.idx) * PageBits
		pageEnd := pageStart + PageBits
		rangeEnd := end
		if pageEnd < rangeEnd {
			rangeEnd = pageEnd
		}

		if any, next := scanAnySet(p.data, i-pageStart, rangeEnd-pageStart); any {
			return true, nil
		} else {
			i = pageStart + next
		}
	}
	return false, nil
}

// scanAnySet scans bits [from,to) of a page's byte slice, skipping whole
// zero bytes, and reports whether any bit is set. next is the bit offset
// (within the page) to resume scanning from, used to jump to the next page.
func scanAnySet(data []byte, from, to uint64) (any bool, next uint64) {
	byteFrom := from / 8
	byteTo := (to + 7) / 8

	for bi := byteFrom; bi < byteTo; bi++ {
		b := data[bi]
		if b == 0 {
			continue
		}
		// Found a non-zero byte; check whether any of its in-range bits are set.
		loBit := uint64(0)
		hiBit := uint64(8)
		if bi == byteFrom {
			loBit = from % 8
		}
		if bi == byteTo-1 {
			hiBit = to - bi*8
			if hiBit > 8 {
				hiBit = 8
			}
		}
		mask := byte((uint16(1)<<hiBit)-1) &^ byte((uint16(1)<<loBit)-1)
		if b&mask != 0 {
			return true, to
		}
	}
	return false, to
}

// SetRange sets or clears every bit in [start,end) and returns the number
// of bits that actually changed.
func (s *Store) SetRange(start, end uint64, v bool) (int64, error) {
	if start >= end {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var changed int64
	for i := start; i < end; {
		p, err := s.fetchPageLocked(uint32(i / PageBits))
		if err != nil {
			return changed, err
		}

		pageStart := uint64(p.idx) * PageBits
		pageEnd := pageStart + PageBits
		rangeEnd := end
		if pageEnd < rangeEnd {
			rangeEnd = pageEnd
		}

		n := setRangeInPage(p.data, i-pageStart, rangeEnd-pageStart, v)
		if n > 0 {
			p.dirty = true
			changed += n
		}
		s.touchLocked(p)
		i = rangeEnd
	}
	return changed, nil
}

func setRangeInPage(data []byte, from, to uint64, v bool) int64 {
	var changed int64
	for bi := from; bi < to; bi++ {
		byteIdx := bi / 8
		mask := byte(1 << (bi % 8))
		was := data[byteIdx]&mask != 0
		if was == v {
			continue
		}
		if v {
			data[byteIdx] |= mask
		} else {
			data[byteIdx] &^= mask
		}
		changed++
	}
	return changed
}

// CountBits counts all set bits across the whole array, skipping whole
// bytes that are 0x00 or 0xFF. Intended for one-shot use at open to seed
// a used-bytes counter.
func (s *Store) CountBits() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var total uint64
	buf := make([]byte, PageSize)
	for pi := uint32(0); pi < s.numPages; pi++ {
		if p, ok := s.pages[pi]; ok {
			total += countSetBytes(p.data)
			continue
		}
		if _, err := s.file.ReadAt(buf, int64(headerSize)+int64(pi)*PageSize); err != nil {
			return total, fmt.Errorf("bitmap: count_bits read page %d: %w", pi, err)
		}
		total += countSetBytes(buf)
	}
	return total, nil
}

func countSetBytes(data []byte) uint64 {
	var total uint64
	for _, b := range data {
		if b == 0 {
			continue
		}
		if b == 0xFF {
			total += 8
			continue
		}
		total += uint64(bits.OnesCount8(b))
	}
	return total
}

// Flush writes back every dirty resident page. Idempotent.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.closed {
		return ErrClosed
	}
	for _, p := range s.pages {
		if !p.dirty {
			continue
		}
		if err := s.writeBackWithRetry(p); err != nil {
			return err
		}
	}
	return s.writeHeaderLocked()
}

// Resize changes the logical bit count the store covers, used by the volume
// layer's resize operation. Growing extends the backing file (new pages read
// back as zero); shrinking only updates the logical bound in place, since
// nothing in this store's callers ever reads past the new bound afterward.
func (s *Store) Resize(totalBits uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if totalBits <= s.totalBits {
		s.totalBits = totalBits
		return s.writeHeaderLocked()
	}
	return s.growLocked(totalBits)
}

// Close flushes and releases the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flushLocked()
	s.closed = true
	closeErr := s.file.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// fetchPageLocked returns the requested page, loading it from disk (and
// evicting if over budget) as needed. Caller holds s.mu.
func (s *Store) fetchPageLocked(idx uint32) (*page, error) {
	if p, ok := s.pages[idx]; ok {
		s.touchLocked(p)
		return p, nil
	}

	// Join an in-flight fetch for this page if one exists, so a page is
	// never read twice concurrently.
	if ch, ok := s.inFlight[idx]; ok {
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
		if p, ok := s.pages[idx]; ok {
			s.touchLocked(p)
			return p, nil
		}
		// Fetch failed for the other waiter; fall through and retry ourselves.
	}

	ch := make(chan struct{})
	s.inFlight[idx] = ch
	defer func() {
		delete(s.inFlight, idx)
		close(ch)
	}()

	data := make([]byte, PageSize)
	if _, err := s.file.ReadAt(data, int64(headerSize)+int64(idx)*PageSize); err != nil {
		return nil, fmt.Errorf("bitmap: read page %d: %w", idx, err)
	}

	p := &page{idx: idx, data: data}
	s.pages[idx] = p
	p.elem = s.lru.PushFront(p)

	if len(s.pages) > s.maxPages {
		if err := s.evictOneLocked(); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (s *Store) touchLocked(p *page) {
	s.lru.MoveToFront(p.elem)
}

// evictOneLocked evicts the least-recently-used page, excluding the one
// just inserted at the front.
func (s *Store) evictOneLocked() error {
	for e := s.lru.Back(); e != nil; e = e.Prev() {
		p := e.Value.(*page)
		if p.dirty {
			if err := s.writeBackWithRetry(p); err != nil {
				return err
			}
		}
		s.lru.Remove(e)
		delete(s.pages, p.idx)
		return nil
	}
	return nil
}

func (s *Store) writeBackWithRetry(p *page) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if _, err = s.file.WriteAt(p.data, int64(headerSize)+int64(p.idx)*PageSize); err == nil {
			p.dirty = false
			return nil
		}
		logger.Warn("bitmap: page writeback failed, retrying", "page", p.idx, "attempt", attempt, "error", err)
		time.Sleep(retryBase << attempt)
	}
	return fmt.Errorf("bitmap: writeback page %d failed after %d attempts: %w", p.idx, maxRetries, err)
}
