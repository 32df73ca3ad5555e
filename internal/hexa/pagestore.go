package hexa

import (
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const rowCountInvalid = int64(-1)

const metaPageID = int32(0)

// PageStore owns page allocation, the root page registry and the typed
// page object cache. A single writer session mutates the store at a time;
// readers obtain pages through type checked lookups.
//
// Page slot lifecycle: FREE -> ALLOCATED -> DIRTY <-> CLEAN -> FREE.
type PageStore struct {
	logger *zap.Logger
	file   *PagedFile
	cached *CachedFile // the cache tier under file, for memory signals

	allocated *roaring.Bitmap // page ids currently in use
	freed     *roaring.Bitmap // page ids available for reuse

	pages map[int32]*Page // materialized page objects
	dirty map[int32]struct{}

	// undoImages holds the first pre-image of each page modified since the
	// last flush, the raw material for crash recovery journaling.
	undoImages map[int32][]byte

	meta *Page

	changeCount atomic.Int64

	writer *Session

	mu sync.RWMutex
}

// OpenPageStore layers a store over a backing file: a block read cache is
// inserted between the store and the file.
func OpenPageStore(logger *zap.Logger, backing DBFile, cacheSize int) (*PageStore, error) {
	cached := NewCachedFile(logger, backing, cacheSize)
	pf, err := OpenPagedFile(cached, PageSize, ModeReadWrite)
	if err != nil {
		return nil, err
	}
	s := &PageStore{
		logger:    logger,
		file:      pf,
		cached:    cached,
		allocated:  roaring.New(),
		freed:      roaring.New(),
		pages:      make(map[int32]*Page),
		dirty:      make(map[int32]struct{}),
		undoImages: make(map[int32][]byte),
	}
	if pf.PageCount() == 0 {
		if err := s.bootstrap(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PageStore) bootstrap() error {
	id, err := s.file.Allocate()
	if err != nil {
		return err
	}
	if id != metaPageID {
		return newDbError(FileCorrupted, "fresh store allocated page %d as meta", id)
	}
	s.meta = &Page{
		ID:   metaPageID,
		Type: PageTypeMeta,
		Meta: &PageMeta{Roots: make(map[int32]int32)},
	}
	s.allocated.Add(uint32(metaPageID))
	s.pages[metaPageID] = s.meta
	s.dirty[metaPageID] = struct{}{}
	return s.Flush()
}

// load scans page types to rebuild the allocation bitmaps and reads the
// meta page.
func (s *PageStore) load() error {
	buf := make([]byte, PageSize)
	for id := int32(0); int64(id) < s.file.PageCount(); id++ {
		if err := s.file.Read(id, buf); err != nil {
			return err
		}
		if PageType(buf[0]) == PageTypeFree && id != metaPageID {
			s.freed.Add(uint32(id))
			continue
		}
		s.allocated.Add(uint32(id))
	}
	meta, err := s.getPageOfType(metaPageID, PageTypeMeta)
	if err != nil {
		return err
	}
	s.meta = meta
	s.changeCount.Store(meta.Meta.ChangeCount)
	return nil
}

// SetWriter registers the single writer session. The session envelope
// serializes writers; a second concurrent writer is a broken invariant and
// fatal.
func (s *PageStore) SetWriter(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil && session != nil && s.writer != session {
		return newDbError(GeneralError, "store already has writer session %s", s.writer.ID())
	}
	s.writer = session
	return nil
}

func (s *PageStore) checkWriter(session *Session) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.writer != nil && session != nil && s.writer != session {
		return newDbError(GeneralError, "session %s is not the store writer", session.ID())
	}
	return nil
}

// AllocateTyped allocates a page and materializes its variant.
func (s *PageStore) AllocateTyped(t PageType, parent int32) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocateTypedLocked(t, parent)
}

func (s *PageStore) allocateTypedLocked(t PageType, parent int32) (*Page, error) {
	var id int32
	if !s.freed.IsEmpty() {
		id = int32(s.freed.Minimum())
		s.freed.Remove(uint32(id))
	} else {
		allocated, err := s.file.Allocate()
		if err != nil {
			return nil, wrapDbError(GeneralError, err, "page allocation failed")
		}
		id = allocated
	}
	s.allocated.Add(uint32(id))

	page := &Page{ID: id, Type: t, Parent: parent}
	switch t {
	case PageTypeLeaf:
		page.Leaf = &PageDataLeaf{}
	case PageTypeNode:
		page.Node = &PageDataNode{RowCountStored: rowCountInvalid}
	case PageTypeOverflow:
		page.Overflow = &PageDataOverflow{}
	case PageTypeStreamTrunk:
		page.Trunk = &PageStreamTrunk{}
	case PageTypeStreamData:
		page.StreamData = &PageStreamData{}
	case PageTypeMeta:
		page.Meta = &PageMeta{Roots: make(map[int32]int32)}
	}
	s.pages[id] = page
	s.dirty[id] = struct{}{}
	s.changeCount.Add(1)

	if s.logger != nil {
		s.logger.Debug("allocated page", zap.Int32("page", id), zap.String("type", t.String()))
	}
	return page, nil
}

// GetPage returns the materialized page object for id, reading and
// unmarshaling it on first access.
func (s *PageStore) GetPage(id int32) (*Page, error) {
	s.mu.RLock()
	page, ok := s.pages[id]
	allocated := s.allocated.Contains(uint32(id))
	s.mu.RUnlock()
	if ok {
		return page, nil
	}
	if !allocated {
		return nil, newDbError(FileCorrupted, "page %d is not allocated", id)
	}

	buf := make([]byte, PageSize)
	if err := s.file.Read(id, buf); err != nil {
		return nil, err
	}
	page, err := unmarshalPage(id, buf)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pages[id]; ok {
		return existing, nil
	}
	s.pages[id] = page
	return page, nil
}

// GetPageWithParent fetches a page and opportunistically rebuilds the
// parent back-edge. A mismatch is a defensive repair, not an error.
func (s *PageStore) GetPageWithParent(id, expectedParent int32) (*Page, error) {
	page, err := s.GetPage(id)
	if err != nil {
		return nil, err
	}
	if page.Parent != expectedParent {
		if s.logger != nil {
			s.logger.Debug("repairing parent back-edge",
				zap.Int32("page", id),
				zap.Int32("stored", page.Parent),
				zap.Int32("expected", expectedParent))
		}
		page.Parent = expectedParent
	}
	return page, nil
}

func (s *PageStore) getPageOfType(id int32, t PageType) (*Page, error) {
	page, err := s.GetPage(id)
	if err != nil {
		return nil, err
	}
	if page.Type != t {
		return nil, newDbError(FileCorrupted, "page %d has type %s, expected %s", id, page.Type, t)
	}
	return page, nil
}

// Update marks the page dirty for the next flush.
func (s *PageStore) Update(page *Page) {
	s.mu.Lock()
	s.dirty[page.ID] = struct{}{}
	s.mu.Unlock()
	s.changeCount.Add(1)
}

// Free returns the page to the free pool and invalidates its cache line by
// writing the cleared image through the cache.
func (s *PageStore) Free(id int32) {
	s.mu.Lock()
	delete(s.pages, id)
	delete(s.dirty, id)
	s.allocated.Remove(uint32(id))
	s.freed.Add(uint32(id))
	s.mu.Unlock()
	s.changeCount.Add(1)

	free := &Page{ID: id, Type: PageTypeFree}
	buf := make([]byte, PageSize)
	if err := free.marshal(buf); err == nil {
		_ = s.file.Write(id, buf)
	}
	s.file.Free(id)

	if s.logger != nil {
		s.logger.Debug("freed page", zap.Int32("page", id))
	}
}

// Flush writes every dirty page and syncs the file, transitioning DIRTY
// pages to CLEAN. Before a page's first overwrite its on-disk pre-image is
// captured through LogUndo.
func (s *PageStore) Flush() error {
	s.mu.Lock()
	ids := make([]int32, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	buf := make([]byte, PageSize)
	for _, id := range ids {
		s.mu.RLock()
		page, ok := s.pages[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if int64(id) < s.file.PageCount() {
			s.mu.RLock()
			_, haveImage := s.undoImages[id]
			s.mu.RUnlock()
			if !haveImage {
				prev := make([]byte, PageSize)
				if err := s.file.Read(id, prev); err == nil {
					s.LogUndo(page, prev)
				}
			}
		}
		if page.Type == PageTypeMeta {
			page.Meta.ChangeCount = s.changeCount.Load()
		}
		if err := page.marshal(buf); err != nil {
			return err
		}
		if err := s.file.Write(id, buf); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.dirty, id)
		s.mu.Unlock()
	}
	return s.file.Sync()
}

// LogUndo records the pre-image of a page the first time it is modified
// after a checkpoint; later modifications keep the first image.
func (s *PageStore) LogUndo(page *Page, prevImage []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.undoImages[page.ID]; ok {
		return
	}
	s.undoImages[page.ID] = append([]byte(nil), prevImage...)
}

// UndoImage returns the captured pre-image of a page, if any.
func (s *PageStore) UndoImage(id int32) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.undoImages[id]
	return img, ok
}

// Checkpoint flushes and drops the collected pre-images: everything on
// disk is now the baseline for the next round of modifications.
func (s *PageStore) Checkpoint() error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	s.undoImages = make(map[int32][]byte)
	s.mu.Unlock()
	return nil
}

// SetRoot registers the root page of an index, persisted in the meta page.
func (s *PageStore) SetRoot(indexID, rootID int32) {
	s.mu.Lock()
	s.meta.Meta.Roots[indexID] = rootID
	s.mu.Unlock()
	s.Update(s.meta)
}

// Root returns the registered root page of an index.
func (s *PageStore) Root(indexID int32) (int32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rootID, ok := s.meta.Meta.Roots[indexID]
	return rootID, ok
}

// IncrementChangeCount is the happens-after point for each mutating call,
// used by higher layers for optimistic read validation.
func (s *PageStore) IncrementChangeCount() {
	s.changeCount.Add(1)
}

func (s *PageStore) ChangeCount() int64 {
	return s.changeCount.Load()
}

// NextStreamKey allocates a monotonically increasing log key for a page
// stream chain. Keys ride the change counter, which is persisted, so keys
// never repeat across store generations.
func (s *PageStore) NextStreamKey() int64 {
	return s.changeCount.Add(1)
}

// LogAddOrRemoveRow appends a row level undo record to the session log.
func (s *PageStore) LogAddOrRemoveRow(session *Session, tableID int32, row *Row, insert bool) error {
	return logRowUndo(session, tableID, row, insert)
}

// LogTruncate records a whole table truncation for the session.
func (s *PageStore) LogTruncate(session *Session, tableID int32) error {
	if session == nil {
		return nil
	}
	return session.UndoLog().Add(&UndoLogRecord{
		Operation: UndoTruncate,
		TableID:   tableID,
	})
}

// ReleaseMemory forwards a memory pressure signal to the cache tier.
func (s *PageStore) ReleaseMemory() {
	s.cached.ReleaseMemory()
}

// Close flushes and releases the backing file.
func (s *PageStore) Close() error {
	err := s.Flush()
	return multierr.Append(err, s.file.Close())
}
