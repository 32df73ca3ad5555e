package hexa

import (
	"io"
	"os"

	"go.uber.org/zap"
)

type UndoOperation int32

const (
	UndoInsert UndoOperation = iota
	UndoDelete
	UndoTruncate
)

type UndoState int

const (
	UndoInMemory UndoState = iota
	UndoInMemoryInvalid
	UndoStored
)

const (
	// UndoBlockSize is the spill buffer flush threshold.
	UndoBlockSize = 4096

	// DefaultMaxMemoryUndo caps in-memory undo records before spilling.
	DefaultMaxMemoryUndo = 50000
)

// UndoLogRecord is one reversible row mutation.
// On-file layout, aligned to FileBlockSize:
//
//	int32 block_count | int32 operation | int32 table_id | int64 row_key |
//	int32 column_count | Value[column_count] | zero pad
type UndoLogRecord struct {
	Operation UndoOperation
	TableID   int32
	RowKey    int64
	Values    []OptionalValue

	State   UndoState
	filePos int64
	stored  bool // ever written to the spill file
}

func (r *UndoLogRecord) append(d *Data) {
	start := d.Pos()
	d.WriteInt32(0) // block count, patched below
	d.WriteInt32(int32(r.Operation))
	d.WriteInt32(r.TableID)
	d.WriteInt64(r.RowKey)
	d.WriteInt32(int32(len(r.Values)))
	for _, v := range r.Values {
		d.WriteValue(v)
	}
	d.FillAligned(FileBlockSize)
	blocks := int32((d.Pos() - start) / FileBlockSize)
	end := d.Pos()
	d.SetPos(start)
	d.WriteInt32(blocks)
	d.SetPos(end)
}

func decodeRecord(d *Data) (*UndoLogRecord, error) {
	start := d.Pos()
	blocks := d.ReadInt32()
	if blocks <= 0 {
		return nil, newDbError(FileCorrupted, "undo record has non-positive block count %d", blocks)
	}
	r := &UndoLogRecord{
		Operation: UndoOperation(d.ReadInt32()),
		TableID:   d.ReadInt32(),
		RowKey:    d.ReadInt64(),
	}
	if r.Operation > UndoTruncate {
		return nil, newDbError(FileCorrupted, "undo record has unknown operation %d", r.Operation)
	}
	n := d.ReadInt32()
	if n < 0 {
		return nil, newDbError(FileCorrupted, "undo record has negative column count %d", n)
	}
	if n > 0 {
		r.Values = make([]OptionalValue, n)
		for i := range r.Values {
			v, err := d.ReadValue()
			if err != nil {
				return nil, err
			}
			r.Values[i] = v
		}
	}
	d.SetPos(start + uint64(blocks)*FileBlockSize)
	return r, nil
}

// TempFileFactory creates the spill file on demand. The returned path is
// used for deletion on clear.
type TempFileFactory func() (DBFile, string, error)

// OSTempFileFactory spills into the given directory ("" = system temp).
func OSTempFileFactory(dir, name string) TempFileFactory {
	return func() (DBFile, string, error) {
		f, err := os.CreateTemp(dir, name)
		if err != nil {
			return nil, "", err
		}
		return f, f.Name(), nil
	}
}

// MemTempFileFactory spills into an in-memory file, used by non-persistent
// databases and tests.
func MemTempFileFactory() TempFileFactory {
	return func() (DBFile, string, error) {
		return NewMemFile(), "", nil
	}
}

// UndoLog is the per-session ordered list of undo records. It is single
// owner and not thread safe; the session envelope guarantees no concurrent
// mutation. Under memory pressure records spill to a temporary file and
// are read back in reverse order.
type UndoLog struct {
	logger *zap.Logger

	records    []*UndoLogRecord
	memoryUndo int // records resident in memory with data

	storedEntries    int
	storedEntriesPos []int64

	file     DBFile
	filePath string
	fileLen  int64
	filePtr  int64

	maxMemoryUndo int
	persistent    bool
	mvStore       bool

	tempFiles TempFileFactory
}

func NewUndoLog(logger *zap.Logger, maxMemoryUndo int, persistent, mvStore bool, tempFiles TempFileFactory) *UndoLog {
	if maxMemoryUndo <= 0 {
		maxMemoryUndo = DefaultMaxMemoryUndo
	}
	if tempFiles == nil {
		tempFiles = MemTempFileFactory()
	}
	return &UndoLog{
		logger:        logger,
		maxMemoryUndo: maxMemoryUndo,
		persistent:    persistent,
		mvStore:       mvStore,
		tempFiles:     tempFiles,
	}
}

// Size returns the total number of undo records, spilled ones included.
func (u *UndoLog) Size() int {
	return len(u.records) + u.storedEntries
}

// Add appends a record, spilling the in-memory batch to the temp file when
// the memory bound is exceeded. Spilling only applies to persistent
// databases running on the page store.
func (u *UndoLog) Add(entry *UndoLogRecord) error {
	u.records = append(u.records, entry)
	u.memoryUndo++

	if u.memoryUndo <= u.maxMemoryUndo || !u.persistent || u.mvStore {
		return nil
	}
	return u.spill()
}

func (u *UndoLog) spill() error {
	if u.file == nil {
		f, path, err := u.tempFiles()
		if err != nil {
			return err
		}
		u.file = f
		u.filePath = path
		if u.logger != nil {
			u.logger.Debug("undo log spilling to temp file", zap.String("path", path))
		}
	}

	buff := NewData(UndoBlockSize)
	chunkStart := u.fileLen
	for _, r := range u.records {
		if buff.Pos() > UndoBlockSize {
			if err := u.flushChunk(buff, chunkStart); err != nil {
				return err
			}
			chunkStart = u.fileLen
			buff = NewData(UndoBlockSize)
		}
		r.filePos = chunkStart + int64(buff.Pos())
		r.append(buff)
		r.State = UndoStored
		r.stored = true
		r.Values = nil
	}
	if buff.Pos() > 0 {
		if err := u.flushChunk(buff, chunkStart); err != nil {
			return err
		}
	}

	u.storedEntries += len(u.records)
	u.records = u.records[:0]
	u.memoryUndo = 0
	return nil
}

// flushChunk writes the buffered records and remembers the pre-write file
// offset so getLast can find the chunk again.
func (u *UndoLog) flushChunk(buff *Data, pos int64) error {
	if _, err := u.file.WriteAt(buff.Bytes(), pos); err != nil {
		return err
	}
	u.storedEntriesPos = append(u.storedEntriesPos, pos)
	u.fileLen = pos + int64(buff.Pos())
	u.filePtr = u.fileLen
	return nil
}

// GetLast returns the most recent undo record, pulling the last spilled
// chunk back into memory when the in-memory list is empty, and
// re-hydrating a window of stored predecessors around a stored result.
func (u *UndoLog) GetLast() (*UndoLogRecord, error) {
	if len(u.records) == 0 {
		if u.storedEntries == 0 {
			return nil, nil
		}
		if err := u.reloadLastChunk(); err != nil {
			return nil, err
		}
	}

	entry := u.records[len(u.records)-1]
	if entry.State != UndoStored {
		return entry, nil
	}

	// Load the trailing window of stored records so the caller's next few
	// GetLast calls hit memory.
	last := len(u.records) - 1
	start := last - u.maxMemoryUndo/2
	if start < 0 {
		start = 0
	}
	var first *UndoLogRecord
	for j := start; j <= last; j++ {
		r := u.records[j]
		if r.State != UndoStored {
			continue
		}
		if err := u.loadRecord(r); err != nil {
			return nil, err
		}
		u.memoryUndo++
		if first == nil {
			first = r
		}
	}
	// Earlier in-memory records now carry stale cached positions.
	for k := 0; k < start; k++ {
		if u.records[k].State == UndoInMemory && u.records[k].stored {
			u.records[k].State = UndoInMemoryInvalid
		}
	}
	if first != nil {
		u.filePtr = first.filePos
	}
	return entry, nil
}

// reloadLastChunk reads the byte range [pos, fileLen) of the last spilled
// chunk into stub records and truncates the file back to pos.
func (u *UndoLog) reloadLastChunk() error {
	lastChunk := len(u.storedEntriesPos) - 1
	pos := u.storedEntriesPos[lastChunk]
	u.storedEntriesPos = u.storedEntriesPos[:lastChunk]

	length := u.fileLen - pos
	buf := make([]byte, length)
	if err := readFullyAt(u.file, buf, pos); err != nil {
		return err
	}
	d := NewDataFrom(buf)
	loaded := 0
	for d.Remaining() > 0 {
		start := d.Pos()
		r, err := decodeRecord(d)
		if err != nil {
			return err
		}
		// The file shrinks below, so the cached position is already stale.
		r.State = UndoInMemoryInvalid
		r.stored = true
		r.filePos = pos + int64(start)
		u.records = append(u.records, r)
		u.memoryUndo++
		loaded++
	}
	u.storedEntries -= loaded

	if err := truncateFile(u.file, pos); err != nil {
		return err
	}
	u.fileLen = pos
	u.filePtr = pos
	return nil
}

// loadRecord re-reads a stored stub's full contents from the spill file.
func (u *UndoLog) loadRecord(r *UndoLogRecord) error {
	header := make([]byte, 4)
	if err := readFullyAt(u.file, header, r.filePos); err != nil {
		return err
	}
	blocks := unmarshalInt32(header, 0)
	if blocks <= 0 {
		return newDbError(FileCorrupted, "undo record at %d has non-positive block count %d", r.filePos, blocks)
	}
	buf := make([]byte, int64(blocks)*FileBlockSize)
	if err := readFullyAt(u.file, buf, r.filePos); err != nil {
		return err
	}
	full, err := decodeRecord(NewDataFrom(buf))
	if err != nil {
		return err
	}
	if full.Operation != r.Operation || full.TableID != r.TableID || full.RowKey != r.RowKey {
		return newDbError(FileCorrupted, "undo record at %d does not match its stub", r.filePos)
	}
	r.Values = full.Values
	r.State = UndoInMemory
	return nil
}

// RemoveLast pops the trailing record.
func (u *UndoLog) RemoveLast() {
	n := len(u.records)
	if n == 0 {
		return
	}
	entry := u.records[n-1]
	u.records[n-1] = nil
	u.records = u.records[:n-1]
	if !entry.stored {
		u.memoryUndo--
	}
}

// Clear drops every record and deletes the temp file; called on commit and
// after a completed rollback.
func (u *UndoLog) Clear() error {
	u.records = u.records[:0]
	u.memoryUndo = 0
	u.storedEntries = 0
	u.storedEntriesPos = u.storedEntriesPos[:0]
	u.fileLen = 0
	u.filePtr = 0
	if u.file == nil {
		return nil
	}
	err := u.file.Close()
	u.file = nil
	if u.filePath != "" {
		if rmErr := os.Remove(u.filePath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
		u.filePath = ""
	}
	return err
}

// HasSpillFile reports whether a spill file currently exists, exposed for
// lifecycle verification.
func (u *UndoLog) HasSpillFile() bool {
	return u.file != nil
}

// SpillFileLength returns the current spill file length in bytes.
func (u *UndoLog) SpillFileLength() int64 {
	return u.fileLen
}

func readFullyAt(f io.ReaderAt, buf []byte, off int64) error {
	read := 0
	for read < len(buf) {
		n, err := f.ReadAt(buf[read:], off+int64(read))
		read += n
		if err == io.EOF && read == len(buf) {
			return nil
		}
		if err != nil {
			return wrapDbError(ErrorReadingFailed, err, "short read at %d, got %d of %d", off, read, len(buf))
		}
	}
	return nil
}

func truncateFile(f DBFile, size int64) error {
	type truncater interface {
		Truncate(int64) error
	}
	t, ok := f.(truncater)
	if !ok {
		return newDbError(GeneralError, "undo spill file does not support truncate")
	}
	return t.Truncate(size)
}
