package hexa

import (
	"fmt"
	"io"
	"os"

	"github.com/dsnet/golib/memfile"
)

// DBFile is the random access backing of a paged file. Both *os.File and
// the in-memory memfile implementation satisfy it.
type DBFile interface {
	io.ReadSeeker
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
}

// memFile adapts memfile.File, which only exposes ReadAt/WriteAt/Truncate,
// to the full DBFile surface.
type memFile struct {
	*memfile.File
	pos int64
}

func (m *memFile) Read(p []byte) (int, error) {
	n, err := m.ReadAt(p, m.pos)
	m.pos += int64(n)
	return n, err
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.Bytes())) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	return m.pos, nil
}

func (m *memFile) Close() error { return nil }
func (m *memFile) Sync() error  { return nil }

// NewMemFile returns an in-memory DBFile, used for :memory: databases and
// tests.
func NewMemFile() DBFile {
	return &memFile{File: memfile.New(nil)}
}

type FileMode int

const (
	ModeReadOnly FileMode = iota
	ModeReadWrite
)

// PagedFile exposes fixed size page I/O over a DBFile. All reads and
// writes are page aligned; the abstraction is identical whether the
// backing is a disk file, an in-memory file or the off-heap region.
type PagedFile struct {
	file        DBFile
	pageSize    int
	pageCount   int64
	filePointer int64
	freed       []int32 // freed page ids, reused LIFO
	mode        FileMode
}

// OpenPagedFile wraps an already opened backing file.
func OpenPagedFile(file DBFile, pageSize int, mode FileMode) (*PagedFile, error) {
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if size%int64(pageSize) != 0 {
		return nil, newDbError(FileCorrupted, "file size %d is not a multiple of page size %d", size, pageSize)
	}
	return &PagedFile{
		file:      file,
		pageSize:  pageSize,
		pageCount: size / int64(pageSize),
		mode:      mode,
	}, nil
}

// OpenPagedOSFile opens (or creates, in read-write mode) a disk backed
// paged file.
func OpenPagedOSFile(path string, pageSize int, mode FileMode) (*PagedFile, error) {
	flags := os.O_RDONLY
	if mode == ModeReadWrite {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open paged file: %w", err)
	}
	pf, err := OpenPagedFile(f, pageSize, mode)
	if err != nil {
		f.Close()
		return nil, err
	}
	return pf, nil
}

func (p *PagedFile) PageSize() int {
	return p.pageSize
}

func (p *PagedFile) PageCount() int64 {
	return p.pageCount
}

// Length returns the file length in bytes.
func (p *PagedFile) Length() int64 {
	return p.pageCount * int64(p.pageSize)
}

// Read fills out with the contents of the given page. The output buffer
// must be exactly one page.
func (p *PagedFile) Read(pageID int32, out []byte) error {
	if len(out) != p.pageSize {
		return fmt.Errorf("page buffer size %d does not match page size %d", len(out), p.pageSize)
	}
	if int64(pageID) >= p.pageCount || pageID < 0 {
		return newDbError(ErrorReadingFailed, "page %d out of range, page count %d", pageID, p.pageCount)
	}
	return p.readFullyAt(out, int64(pageID)*int64(p.pageSize))
}

// Write stores buf as the contents of the given page, extending the file
// if the page is the next unallocated one.
func (p *PagedFile) Write(pageID int32, buf []byte) error {
	if p.mode == ModeReadOnly {
		return fmt.Errorf("paged file is read only")
	}
	if len(buf) != p.pageSize {
		return fmt.Errorf("page buffer size %d does not match page size %d", len(buf), p.pageSize)
	}
	if _, err := p.file.WriteAt(buf, int64(pageID)*int64(p.pageSize)); err != nil {
		return err
	}
	if int64(pageID) >= p.pageCount {
		p.pageCount = int64(pageID) + 1
	}
	return nil
}

// Allocate returns a page id, preferring previously freed pages.
func (p *PagedFile) Allocate() (int32, error) {
	if p.mode == ModeReadOnly {
		return 0, fmt.Errorf("paged file is read only")
	}
	if n := len(p.freed); n > 0 {
		id := p.freed[n-1]
		p.freed = p.freed[:n-1]
		return id, nil
	}
	id := int32(p.pageCount)
	zero := make([]byte, p.pageSize)
	if _, err := p.file.WriteAt(zero, int64(id)*int64(p.pageSize)); err != nil {
		return 0, err
	}
	p.pageCount++
	return id, nil
}

// Free returns the page to the allocator.
func (p *PagedFile) Free(pageID int32) {
	p.freed = append(p.freed, pageID)
}

// Truncate shrinks the file to the given byte size, which must be page
// aligned.
func (p *PagedFile) Truncate(size int64) error {
	if size%int64(p.pageSize) != 0 {
		return newDbError(FileCorrupted, "truncate to unaligned size %d", size)
	}
	type truncater interface {
		Truncate(int64) error
	}
	t, ok := p.file.(truncater)
	if !ok {
		return fmt.Errorf("backing file does not support truncate")
	}
	if err := t.Truncate(size); err != nil {
		return err
	}
	p.pageCount = size / int64(p.pageSize)
	if p.filePointer > size {
		p.filePointer = size
	}
	newFreed := p.freed[:0]
	for _, id := range p.freed {
		if int64(id) < p.pageCount {
			newFreed = append(newFreed, id)
		}
	}
	p.freed = newFreed
	return nil
}

func (p *PagedFile) Sync() error {
	return p.file.Sync()
}

// FilePointer returns the current byte position used by the sequential
// read/write helpers.
func (p *PagedFile) FilePointer() int64 {
	return p.filePointer
}

func (p *PagedFile) SeekTo(offset int64) {
	p.filePointer = offset
}

// ReadFully reads exactly len(out) bytes at the file pointer, blocking
// until complete or failing.
func (p *PagedFile) ReadFully(out []byte) error {
	if err := p.readFullyAt(out, p.filePointer); err != nil {
		return err
	}
	p.filePointer += int64(len(out))
	return nil
}

// WriteFully writes the full buffer at the file pointer.
func (p *PagedFile) WriteFully(buf []byte) error {
	if _, err := p.file.WriteAt(buf, p.filePointer); err != nil {
		return err
	}
	p.filePointer += int64(len(buf))
	end := p.filePointer
	if pages := (end + int64(p.pageSize) - 1) / int64(p.pageSize); pages > p.pageCount {
		p.pageCount = pages
	}
	return nil
}

func (p *PagedFile) readFullyAt(out []byte, off int64) error {
	read := 0
	for read < len(out) {
		n, err := p.file.ReadAt(out[read:], off+int64(read))
		read += n
		if err == io.EOF && read == len(out) {
			return nil
		}
		if err != nil {
			return wrapDbError(ErrorReadingFailed, err, "short read at %d, got %d of %d", off, read, len(out))
		}
	}
	return nil
}

// Close releases the backing file handle.
func (p *PagedFile) Close() error {
	return p.file.Close()
}
