package hexa

import (
	"io"
)

// BlockWriter partitions its input into aligned records on a paged file.
// One record is emitted per Write call:
//
//	uncompressed: int32 len | bytes[len]
//	compressed:   int32 compressed_len | int32 uncompressed_len | bytes
//
// Records are zero padded to FileBlockSize boundaries. The writer owns its
// backing file and closes it on stream close.
type BlockWriter struct {
	file   *PagedFile
	tool   CompressTool
	algo   string
	closed bool
}

func NewBlockWriter(file *PagedFile, tool CompressTool, algo string) *BlockWriter {
	return &BlockWriter{file: file, tool: tool, algo: algo}
}

func (w *BlockWriter) compressed() bool {
	return w.algo != "" && w.algo != CompressionNone
}

func (w *BlockWriter) Write(buf []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	d := NewData(len(buf) + 2*4 + FileBlockSize)
	if w.compressed() {
		compressed, err := w.tool.Compress(buf, w.algo)
		if err != nil {
			return 0, err
		}
		d.WriteInt32(int32(len(compressed)))
		d.WriteInt32(int32(len(buf)))
		d.WriteBytes(compressed)
	} else {
		d.WriteInt32(int32(len(buf)))
		d.WriteBytes(buf)
	}
	d.FillAligned(FileBlockSize)
	if err := w.file.WriteFully(d.Bytes()); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (w *BlockWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// BlockReader is the inverse of BlockWriter: it reads one aligned record
// at a time, optionally decompressing, and serves the payload through a
// remaining-bytes cursor. Header errors (negative length) close the
// stream cleanly; subsequent reads report EOF.
type BlockReader struct {
	file       *PagedFile
	tool       CompressTool
	compressed bool

	buf               []byte
	remainingInBuffer int
	closed            bool
}

func NewBlockReader(file *PagedFile, tool CompressTool, compressed bool) *BlockReader {
	return &BlockReader{file: file, tool: tool, compressed: compressed}
}

func (r *BlockReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.remainingInBuffer == 0 {
		if err := r.fillBuffer(); err != nil {
			return 0, err
		}
	}
	start := len(r.buf) - r.remainingInBuffer
	n := copy(p, r.buf[start:])
	r.remainingInBuffer -= n
	return n, nil
}

func (r *BlockReader) fillBuffer() error {
	if r.closed {
		return io.EOF
	}
	headerLen := 4
	if r.compressed {
		headerLen = 8
	}
	if r.file.FilePointer()+int64(headerLen) > r.file.Length() {
		r.closed = true
		return io.EOF
	}
	recordStart := r.file.FilePointer()
	header := make([]byte, headerLen)
	if err := r.file.ReadFully(header); err != nil {
		r.closed = true
		return io.EOF
	}
	storedLen := unmarshalInt32(header, 0)
	if storedLen < 0 {
		r.closed = true
		return io.EOF
	}

	payload := make([]byte, storedLen)
	if err := r.file.ReadFully(payload); err != nil {
		r.closed = true
		return io.EOF
	}

	if r.compressed {
		uncompressedLen := unmarshalInt32(header, 4)
		if uncompressedLen < 0 {
			r.closed = true
			return io.EOF
		}
		out := make([]byte, uncompressedLen)
		if err := r.tool.Expand(payload, out, 0); err != nil {
			return err
		}
		r.buf = out
	} else {
		r.buf = payload
	}
	r.remainingInBuffer = len(r.buf)

	// Skip the zero padding up to the record's aligned end.
	consumed := r.file.FilePointer() - recordStart
	if rem := consumed % FileBlockSize; rem != 0 {
		r.file.SeekTo(r.file.FilePointer() + FileBlockSize - rem)
	}
	return nil
}

func (r *BlockReader) Close() error {
	r.closed = true
	return r.file.Close()
}

// PageOutputStream writes a byte stream across a trunk/data page chain in
// the page store. All pages of one stream share its log key.
type PageOutputStream struct {
	store  *PageStore
	logKey int64

	firstTrunk int32
	trunk      *Page

	pending []byte
	closed  bool
}

func NewPageOutputStream(store *PageStore, logKey int64) *PageOutputStream {
	return &PageOutputStream{store: store, logKey: logKey}
}

func (s *PageOutputStream) FirstTrunk() int32 {
	return s.firstTrunk
}

func (s *PageOutputStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	written := len(p)
	for len(p) > 0 {
		space := maxStreamDataBytes() - len(s.pending)
		n := len(p)
		if n > space {
			n = space
		}
		s.pending = append(s.pending, p[:n]...)
		p = p[n:]
		if len(s.pending) == maxStreamDataBytes() {
			if err := s.flushPending(); err != nil {
				return 0, err
			}
		}
	}
	return written, nil
}

func (s *PageOutputStream) flushPending() error {
	if len(s.pending) == 0 {
		return nil
	}
	page, err := s.store.AllocateTyped(PageTypeStreamData, 0)
	if err != nil {
		return err
	}
	page.StreamData.LogKey = s.logKey
	page.StreamData.Data = append([]byte(nil), s.pending...)
	s.pending = s.pending[:0]
	s.store.Update(page)
	return s.appendToTrunk(page.ID)
}

func (s *PageOutputStream) appendToTrunk(dataPageID int32) error {
	if s.trunk == nil || len(s.trunk.Trunk.PageIDs) >= maxTrunkPages() {
		trunk, err := s.store.AllocateTyped(PageTypeStreamTrunk, 0)
		if err != nil {
			return err
		}
		trunk.Trunk.LogKey = s.logKey
		if s.trunk != nil {
			s.trunk.Trunk.NextTrunk = trunk.ID
			s.store.Update(s.trunk)
		} else {
			s.firstTrunk = trunk.ID
		}
		s.trunk = trunk
	}
	s.trunk.Trunk.PageIDs = append(s.trunk.Trunk.PageIDs, dataPageID)
	s.store.Update(s.trunk)
	return nil
}

// Close flushes the trailing partial page. The chain becomes readable via
// FirstTrunk afterwards.
func (s *PageOutputStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flushPending()
}

// PageInputStream reads a trunk/data page chain back. The stream ends
// cleanly when the next trunk is absent or carries a different log key.
type PageInputStream struct {
	store  *PageStore
	logKey int64

	trunkID   int32
	trunk     *Page
	trunkPos  int
	buf       []byte
	remaining int
	done      bool
}

func NewPageInputStream(store *PageStore, firstTrunk int32, logKey int64) *PageInputStream {
	return &PageInputStream{store: store, logKey: logKey, trunkID: firstTrunk}
}

func (s *PageInputStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.remaining == 0 {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	start := len(s.buf) - s.remaining
	n := copy(p, s.buf[start:])
	s.remaining -= n
	return n, nil
}

func (s *PageInputStream) fill() error {
	if s.done {
		return io.EOF
	}
	for {
		if s.trunk == nil {
			if s.trunkID == 0 {
				s.done = true
				return io.EOF
			}
			trunk, err := s.store.getPageOfType(s.trunkID, PageTypeStreamTrunk)
			if err != nil {
				s.done = true
				return io.EOF
			}
			if trunk.Trunk.LogKey != s.logKey {
				s.done = true
				return io.EOF
			}
			s.trunk = trunk
			s.trunkPos = 0
		}
		if s.trunkPos >= len(s.trunk.Trunk.PageIDs) {
			s.trunkID = s.trunk.Trunk.NextTrunk
			s.trunk = nil
			continue
		}
		page, err := s.store.getPageOfType(s.trunk.Trunk.PageIDs[s.trunkPos], PageTypeStreamData)
		if err != nil {
			return err
		}
		s.trunkPos++
		if page.StreamData.LogKey != s.logKey {
			s.done = true
			return io.EOF
		}
		if len(page.StreamData.Data) == 0 {
			continue
		}
		s.buf = page.StreamData.Data
		s.remaining = len(s.buf)
		return nil
	}
}

// freePageStream returns every page of a stream chain to the store.
func freePageStream(store *PageStore, firstTrunk int32, logKey int64) error {
	trunkID := firstTrunk
	for trunkID != 0 {
		trunk, err := store.getPageOfType(trunkID, PageTypeStreamTrunk)
		if err != nil {
			return err
		}
		if trunk.Trunk.LogKey != logKey {
			return nil
		}
		for _, dataID := range trunk.Trunk.PageIDs {
			store.Free(dataID)
		}
		next := trunk.Trunk.NextTrunk
		store.Free(trunkID)
		trunkID = next
	}
	return nil
}

// writeLob copies a large value into its own page stream.
func writeLob(store *PageStore, payload []byte) (LobPointer, error) {
	logKey := store.NextStreamKey()
	out := NewPageOutputStream(store, logKey)
	if _, err := out.Write(payload); err != nil {
		return LobPointer{}, err
	}
	if err := out.Close(); err != nil {
		return LobPointer{}, err
	}
	return LobPointer{Trunk: out.FirstTrunk(), LogKey: logKey, Length: int64(len(payload))}, nil
}

// readLob materializes a LOB stream.
func readLob(store *PageStore, ptr LobPointer) ([]byte, error) {
	in := NewPageInputStream(store, ptr.Trunk, ptr.LogKey)
	out := make([]byte, ptr.Length)
	read := 0
	for int64(read) < ptr.Length {
		n, err := in.Read(out[read:])
		read += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if int64(read) != ptr.Length {
		return nil, newDbError(FileCorrupted, "lob stream %d has %d bytes, expected %d", ptr.Trunk, read, ptr.Length)
	}
	return out, nil
}

// freeLob releases the pages of an out of line value.
func freeLob(store *PageStore, ptr LobPointer) error {
	return freePageStream(store, ptr.Trunk, ptr.LogKey)
}
