package hexa

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"
)

type offHeapEntry struct {
	addr int64
	buf  []byte
}

// OffHeapFile backs a page store with directly allocated, page aligned
// buffers instead of a disk file: a sorted page-address map over aligned
// blocks. It satisfies DBFile, so the paged file abstraction is identical
// over disk and memory regions.
//
// Buffers are whole-page granular: overwrites must hit an entry exactly,
// partial overwrites, frees and truncations are rejected.
type OffHeapFile struct {
	entries []offHeapEntry // sorted by addr
	length  int64
	pos     int64

	readCount  atomic.Int64
	readBytes  atomic.Int64
	writeCount atomic.Int64
	writeBytes atomic.Int64

	mu sync.Mutex
}

func NewOffHeapFile() *OffHeapFile {
	return &OffHeapFile{}
}

// floorEntry returns the index of the entry with the greatest address
// <= addr, or -1.
func (f *OffHeapFile) floorEntry(addr int64) int {
	i := sort.Search(len(f.entries), func(i int) bool {
		return f.entries[i].addr > addr
	})
	return i - 1
}

// ReadFully returns a zero-copy view of len bytes at pos.
func (f *OffHeapFile) ReadFully(pos int64, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.floorEntry(pos)
	if i < 0 {
		return nil, newDbError(ErrorReadingFailed, "no off-heap entry at %d", pos)
	}
	e := f.entries[i]
	off := pos - e.addr
	if off+int64(length) > int64(len(e.buf)) {
		return nil, newDbError(ErrorReadingFailed, "read of %d bytes at %d crosses entry at %d", length, pos, e.addr)
	}
	f.readCount.Add(1)
	f.readBytes.Add(int64(length))
	return e.buf[off : off+int64(length)], nil
}

// WriteFully stores src at pos. An entry at exactly pos with exactly
// len(src) capacity is overwritten in place; a position inside an existing
// entry is a rejected partial overwrite; otherwise a fresh aligned buffer
// is allocated.
func (f *OffHeapFile) WriteFully(pos int64, src []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.floorEntry(pos)
	if i >= 0 {
		e := &f.entries[i]
		if e.addr == pos && len(e.buf) == len(src) {
			copy(e.buf, src)
			f.countWrite(len(src))
			f.extend(pos + int64(len(src)))
			return nil
		}
		if pos < e.addr+int64(len(e.buf)) {
			return newDbError(ErrorReadingFailed, "partial overwrite of %d bytes at %d inside entry at %d", len(src), pos, e.addr)
		}
	}

	buf := directio.AlignedBlock(len(src))
	copy(buf, src)
	insertAt := i + 1
	f.entries = append(f.entries, offHeapEntry{})
	copy(f.entries[insertAt+1:], f.entries[insertAt:])
	f.entries[insertAt] = offHeapEntry{addr: pos, buf: buf}
	f.countWrite(len(src))
	f.extend(pos + int64(len(src)))
	return nil
}

func (f *OffHeapFile) countWrite(n int) {
	f.writeCount.Add(1)
	f.writeBytes.Add(int64(n))
}

func (f *OffHeapFile) extend(end int64) {
	if end > f.length {
		f.length = end
	}
}

// Free removes the entry covering exactly [pos, pos+length); partial frees
// are rejected.
func (f *OffHeapFile) Free(pos int64, length int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.floorEntry(pos)
	if i < 0 || f.entries[i].addr != pos || len(f.entries[i].buf) != length {
		return newDbError(ErrorReadingFailed, "no off-heap entry of %d bytes at %d", length, pos)
	}
	f.entries = append(f.entries[:i], f.entries[i+1:]...)
	return nil
}

// Truncate removes every entry at or beyond size, rejecting a size that
// would cut an entry in half.
func (f *OffHeapFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.floorEntry(size - 1)
	if i >= 0 {
		e := f.entries[i]
		if e.addr < size && e.addr+int64(len(e.buf)) > size {
			return newDbError(ErrorReadingFailed, "truncate to %d splits entry at %d", size, e.addr)
		}
	}
	cut := sort.Search(len(f.entries), func(i int) bool {
		return f.entries[i].addr >= size
	})
	f.entries = f.entries[:cut]
	f.length = size
	if f.pos > size {
		f.pos = size
	}
	return nil
}

// Counters returns the atomic I/O statistics (reads, read bytes, writes,
// written bytes).
func (f *OffHeapFile) Counters() (int64, int64, int64, int64) {
	return f.readCount.Load(), f.readBytes.Load(), f.writeCount.Load(), f.writeBytes.Load()
}

// ReadAt implements io.ReaderAt over the entry map, copying out of the
// backing buffers.
func (f *OffHeapFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	length := f.length
	f.mu.Unlock()
	if off >= length {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > length-off {
		n = int(length - off)
	}
	view, err := f.ReadFully(off, n)
	if err != nil {
		return 0, err
	}
	copy(p, view)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt with whole-entry semantics.
func (f *OffHeapFile) WriteAt(p []byte, off int64) (int, error) {
	if err := f.WriteFully(off, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *OffHeapFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *OffHeapFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = f.length + offset
	default:
		return 0, newDbError(GeneralError, "invalid whence %d", whence)
	}
	return f.pos, nil
}

func (f *OffHeapFile) Sync() error {
	return nil
}

func (f *OffHeapFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = nil
	f.length = 0
	return nil
}
