package hexa

import (
	"math"
	"math/rand"

	"go.uber.org/zap"
)

const (
	// memoryFactor controls the exponential smoothing of the per page
	// memory estimate.
	memoryFactor = 64

	// lobThreshold is the inline size limit; larger values move into a
	// page stream owned by the index.
	lobThreshold = PageSize / 2
)

// BTreeIndex is the paged data index keyed by the 64 bit row key. All page
// access goes through the page store; parent links are plain page ids
// validated opportunistically on load.
type BTreeIndex struct {
	logger *zap.Logger
	store  *PageStore
	table  *Table

	id   int32
	name string

	// mainIndexColumn is the column whose value IS the row key, -1 when
	// keys are generated.
	mainIndexColumn int

	rootID   int32
	lastKey  int64
	rowCount int64

	memoryPerPage int64
	memoryCount   int

	rnd *rand.Rand
}

func NewBTreeIndex(logger *zap.Logger, store *PageStore, table *Table, id int32, name string, mainIndexColumn int) (*BTreeIndex, error) {
	ix := &BTreeIndex{
		logger:          logger,
		store:           store,
		table:           table,
		id:              id,
		name:            name,
		mainIndexColumn: mainIndexColumn,
		rnd:             rand.New(rand.NewSource(int64(id) + 1)),
	}
	rootID, ok := store.Root(id)
	if !ok {
		root, err := store.AllocateTyped(PageTypeLeaf, 0)
		if err != nil {
			return nil, err
		}
		rootID = root.ID
		store.SetRoot(id, rootID)
	}
	ix.rootID = rootID
	if err := ix.loadRowCount(); err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *BTreeIndex) Name() string {
	return ix.name
}

func (ix *BTreeIndex) Table() *Table {
	return ix.table
}

// loadRowCount uses the root's cached subtree count when valid, falling
// back to a full traversal.
func (ix *BTreeIndex) loadRowCount() error {
	root, err := ix.store.GetPage(ix.rootID)
	if err != nil {
		return err
	}
	if root.Type == PageTypeNode && root.Node.RowCountStored != rowCountInvalid {
		ix.rowCount = root.Node.RowCountStored
		ix.lastKey, err = ix.maxKey()
		return err
	}
	count := int64(0)
	cursor, err := ix.Find(nil, nil, nil)
	if err != nil {
		return err
	}
	for {
		ok, err := cursor.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		count++
		if key := cursor.Row().Key; key > ix.lastKey {
			ix.lastKey = key
		}
	}
	ix.rowCount = count
	return nil
}

func (ix *BTreeIndex) maxKey() (int64, error) {
	page, err := ix.store.GetPage(ix.rootID)
	if err != nil {
		return 0, err
	}
	for page.Type == PageTypeNode {
		page, err = ix.store.GetPageWithParent(page.Node.children[len(page.Node.children)-1], page.ID)
		if err != nil {
			return 0, err
		}
	}
	if page.Type != PageTypeLeaf {
		return 0, newDbError(FileCorrupted, "page %d has type %s, expected leaf", page.ID, page.Type)
	}
	for {
		if n := len(page.Leaf.entries); n > 0 {
			return page.Leaf.entries[n-1].key, nil
		}
		if page.Leaf.NextLeaf == 0 {
			return 0, nil
		}
		page, err = ix.store.getPageOfType(page.Leaf.NextLeaf, PageTypeLeaf)
		if err != nil {
			return 0, err
		}
	}
}

// Add inserts the row, assigning a key when the table has no main index
// column, and retrying with perturbed keys on generated key collisions.
func (ix *BTreeIndex) Add(session *Session, row *Row) error {
	if err := ix.store.checkWriter(session); err != nil {
		return err
	}

	retry := false
	if ix.mainIndexColumn >= 0 {
		v := row.Value(ix.mainIndexColumn)
		if !v.Valid {
			return newDbError(GeneralError, "null key for main index column of %s", ix.name)
		}
		row.Key = asInt64(v.Value)
	} else if row.Key == 0 {
		ix.lastKey++
		row.Key = ix.lastKey
		retry = true
	}

	if err := ix.interceptLobs(session, row); err != nil {
		return err
	}

	add := int64(0)
	for {
		err := ix.addTry(session, row)
		if err == nil {
			break
		}
		if !HasCode(err, DuplicateKey) {
			return err
		}
		if !retry {
			return newDbError(DuplicateKey, "key %d in index %s", row.Key, ix.name)
		}
		if add == 0 {
			row.Key += int64(math.Round(ix.rnd.Float64() * 10000))
			add++
		} else {
			add++
			row.Key += add
		}
	}

	if row.Key > ix.lastKey {
		ix.lastKey = row.Key
	}
	return nil
}

// addTry asks the root to insert, splitting it as long as it reports a
// split point, then finalizes counts and the undo record.
func (ix *BTreeIndex) addTry(session *Session, row *Row) error {
	for {
		root, err := ix.store.GetPage(ix.rootID)
		if err != nil {
			return err
		}
		splitPoint, err := ix.addRowToPage(root, row)
		if err != nil {
			return err
		}
		if splitPoint < 0 {
			break
		}
		if err := ix.splitRoot(root, splitPoint); err != nil {
			return err
		}
	}

	root, err := ix.store.GetPage(ix.rootID)
	if err != nil {
		return err
	}
	if root.Type == PageTypeNode {
		root.Node.RowCountStored = rowCountInvalid
	}
	ix.rowCount++
	ix.sampleMemory(root)
	return logRowUndo(session, ix.table.ID(), row, true)
}

// splitRoot splits the current root and installs a fresh node page above
// both halves, re-registering it as the index root.
func (ix *BTreeIndex) splitRoot(root *Page, splitPoint int) error {
	var (
		right *Page
		pivot int64
		err   error
	)
	if root.Type == PageTypeLeaf {
		right, pivot, err = root.Leaf.split(ix.store, root, splitPoint)
	} else {
		right, pivot, err = root.Node.split(ix.store, root)
	}
	if err != nil {
		return err
	}

	newRoot, err := ix.store.AllocateTyped(PageTypeNode, 0)
	if err != nil {
		return err
	}
	newRoot.Node.keys = []int64{pivot}
	newRoot.Node.children = []int32{root.ID, right.ID}
	root.Parent = newRoot.ID
	right.Parent = newRoot.ID
	ix.store.Update(root)
	ix.store.Update(right)
	ix.store.Update(newRoot)

	ix.rootID = newRoot.ID
	ix.store.SetRoot(ix.id, newRoot.ID)
	if ix.logger != nil {
		ix.logger.Debug("split index root",
			zap.String("index", ix.name),
			zap.Int32("new_root", newRoot.ID),
			zap.Int64("pivot", pivot))
	}
	return nil
}

// addRowToPage recursively inserts, returning the page's own split point
// when it is too full to absorb the insert (or a child pivot).
func (ix *BTreeIndex) addRowToPage(page *Page, row *Row) (int, error) {
	switch page.Type {
	case PageTypeLeaf:
		splitPoint, err := page.Leaf.addRowTry(ix.store, row)
		if err != nil {
			return -1, err
		}
		if splitPoint < 0 {
			ix.store.Update(page)
		}
		return splitPoint, nil
	case PageTypeNode:
	default:
		return -1, newDbError(FileCorrupted, "page %d has type %s inside index %s", page.ID, page.Type, ix.name)
	}

	node := page.Node
	for {
		pos := node.childPos(row.Key)
		child, err := ix.store.GetPageWithParent(node.children[pos], page.ID)
		if err != nil {
			return -1, err
		}
		splitPoint, err := ix.addRowToPage(child, row)
		if err != nil {
			return -1, err
		}
		if splitPoint < 0 {
			node.RowCountStored = rowCountInvalid
			ix.store.Update(page)
			return -1, nil
		}
		// The child must split; if this node cannot take another entry the
		// split bubbles up before the child is touched.
		if node.full() {
			return len(node.keys) / 2, nil
		}
		var (
			right *Page
			pivot int64
		)
		if child.Type == PageTypeLeaf {
			right, pivot, err = child.Leaf.split(ix.store, child, splitPoint)
		} else {
			right, pivot, err = child.Node.split(ix.store, child)
		}
		if err != nil {
			return -1, err
		}
		right.Parent = page.ID
		node.insertChild(pos, pivot, right.ID)
		ix.store.Update(right)
		ix.store.Update(page)
	}
}

// Remove deletes the row. Removing the final row resets the index to a
// fresh empty leaf.
func (ix *BTreeIndex) Remove(session *Session, row *Row) error {
	if err := ix.store.checkWriter(session); err != nil {
		return err
	}

	if ix.rowCount == 1 {
		if err := ix.reset(); err != nil {
			return err
		}
	} else {
		root, err := ix.store.GetPage(ix.rootID)
		if err != nil {
			return err
		}
		found, _, err := ix.removeFromPage(root, row.Key)
		if err != nil {
			return err
		}
		if !found {
			return newDbError(RowNotFoundWhenDeleting, "row %d in index %s", row.Key, ix.name)
		}
		if root.Type == PageTypeNode {
			root.Node.RowCountStored = rowCountInvalid
		}
	}

	ix.rowCount--
	return logRowUndo(session, ix.table.ID(), row, false)
}

// removeFromPage recursively deletes key, freeing emptied leaves whose
// chain predecessor shares the same parent.
func (ix *BTreeIndex) removeFromPage(page *Page, key int64) (found, empty bool, err error) {
	if page.Type == PageTypeLeaf {
		found, empty, err = page.Leaf.remove(ix.store, key)
		if err != nil {
			return false, false, err
		}
		if found {
			ix.store.Update(page)
		}
		return found, empty, nil
	}
	if page.Type != PageTypeNode {
		return false, false, newDbError(FileCorrupted, "page %d has type %s inside index %s", page.ID, page.Type, ix.name)
	}

	node := page.Node
	pos := node.childPos(key)
	child, err := ix.store.GetPageWithParent(node.children[pos], page.ID)
	if err != nil {
		return false, false, err
	}
	found, childEmpty, err := ix.removeFromPage(child, key)
	if err != nil {
		return false, false, err
	}
	if !found {
		return false, false, nil
	}
	node.RowCountStored = rowCountInvalid

	// Free an emptied leaf when its chain predecessor is a sibling under
	// this node, so the leaf chain can be repaired locally.
	if childEmpty && child.Type == PageTypeLeaf && pos > 0 && len(node.children) > 1 {
		prev, err := ix.store.GetPageWithParent(node.children[pos-1], page.ID)
		if err != nil {
			return false, false, err
		}
		if prev.Type == PageTypeLeaf {
			prev.Leaf.NextLeaf = child.Leaf.NextLeaf
			ix.store.Update(prev)
			node.removeChild(pos)
			ix.store.Free(child.ID)
		}
	}
	ix.store.Update(page)
	return true, len(node.children) == 0, nil
}

// reset frees every page of the index and installs a fresh leaf root.
func (ix *BTreeIndex) reset() error {
	if err := ix.freeSubtree(ix.rootID); err != nil {
		return err
	}
	root, err := ix.store.AllocateTyped(PageTypeLeaf, 0)
	if err != nil {
		return err
	}
	ix.rootID = root.ID
	ix.store.SetRoot(ix.id, root.ID)
	return nil
}

func (ix *BTreeIndex) freeSubtree(id int32) error {
	page, err := ix.store.GetPage(id)
	if err != nil {
		return err
	}
	if page.Type == PageTypeNode {
		for _, childID := range page.Node.children {
			if err := ix.freeSubtree(childID); err != nil {
				return err
			}
		}
	}
	if page.Type == PageTypeLeaf {
		for i := range page.Leaf.entries {
			if overflow := page.Leaf.entries[i].overflow; overflow != 0 {
				if err := freeOverflowChain(ix.store, overflow); err != nil {
					return err
				}
			}
		}
	}
	ix.store.Free(id)
	return nil
}

// Find returns a cursor yielding rows in key order within the bounds of
// first/last (nil = unbounded).
func (ix *BTreeIndex) Find(session *Session, first, last *Row) (Cursor, error) {
	from := int64(math.MinInt64)
	to := int64(math.MaxInt64)
	if first != nil {
		from = first.Key
	}
	if last != nil {
		to = last.Key
	}

	page, err := ix.store.GetPage(ix.rootID)
	if err != nil {
		return nil, err
	}
	for page.Type == PageTypeNode {
		pos := page.Node.childPos(from)
		page, err = ix.store.GetPageWithParent(page.Node.children[pos], page.ID)
		if err != nil {
			return nil, err
		}
	}
	if page.Type != PageTypeLeaf {
		return nil, newDbError(FileCorrupted, "page %d has type %s, expected leaf", page.ID, page.Type)
	}
	return &btreeCursor{
		store: ix.store,
		leaf:  page,
		pos:   page.Leaf.findPos(from) - 1,
		to:    to,
	}, nil
}

type btreeCursor struct {
	store *PageStore
	leaf  *Page
	pos   int
	to    int64
	row   *Row
	done  bool
}

func (c *btreeCursor) Next() (bool, error) {
	if c.done {
		return false, nil
	}
	c.pos++
	for c.pos >= len(c.leaf.Leaf.entries) {
		next := c.leaf.Leaf.NextLeaf
		if next == 0 {
			c.done = true
			return false, nil
		}
		leaf, err := c.store.getPageOfType(next, PageTypeLeaf)
		if err != nil {
			return false, err
		}
		c.leaf = leaf
		c.pos = 0
	}
	if c.leaf.Leaf.entries[c.pos].key > c.to {
		c.done = true
		return false, nil
	}
	row, err := c.leaf.Leaf.getRow(c.store, c.pos)
	if err != nil {
		return false, err
	}
	c.row = row
	return true, nil
}

func (c *btreeCursor) Row() *Row {
	return c.row
}

// GetRow fetches a single row by key.
func (ix *BTreeIndex) GetRow(session *Session, key int64) (*Row, error) {
	bound := &Row{Key: key}
	cursor, err := ix.Find(session, bound, bound)
	if err != nil {
		return nil, err
	}
	ok, err := cursor.Next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newDbError(GeneralError, "row %d not found in index %s", key, ix.name)
	}
	return cursor.Row(), nil
}

// GetCost reports the primary B-tree scan cost. It never returns zero.
func (ix *BTreeIndex) GetCost(session *Session, masks []ColumnMask) float64 {
	return 10*float64(ix.rowCount+CostRowOffset) + 200
}

func (ix *BTreeIndex) RowCount() int64 {
	return ix.rowCount
}

// Truncate drops every row, logging a single truncate undo marker.
func (ix *BTreeIndex) Truncate(session *Session) error {
	if err := ix.store.checkWriter(session); err != nil {
		return err
	}
	if err := ix.reset(); err != nil {
		return err
	}
	ix.rowCount = 0
	return ix.store.LogTruncate(session, ix.table.ID())
}

// Close persists the row count hint on a node root and flushes.
func (ix *BTreeIndex) Close() error {
	root, err := ix.store.GetPage(ix.rootID)
	if err != nil {
		return err
	}
	if root.Type == PageTypeNode {
		root.Node.RowCountStored = ix.rowCount
		ix.store.Update(root)
	}
	return ix.store.Flush()
}

// interceptLobs moves oversized values into an index owned page stream and
// registers the stream for cleanup should the session roll back.
func (ix *BTreeIndex) interceptLobs(session *Session, row *Row) error {
	for i, v := range row.Values {
		if !v.Valid {
			continue
		}
		var payload []byte
		switch val := v.Value.(type) {
		case []byte:
			if len(val) <= lobThreshold {
				continue
			}
			payload = val
		case string:
			if len(val) <= lobThreshold {
				continue
			}
			payload = []byte(val)
		default:
			continue
		}
		ptr, err := writeLob(ix.store, payload)
		if err != nil {
			return err
		}
		row.Values[i] = OptionalValue{Value: ptr, Valid: true}
		if session != nil {
			session.RegisterLobCleanup(ix.store, ptr)
		}
	}
	return nil
}

// ReadLob materializes a LOB previously moved out of line by this index.
func (ix *BTreeIndex) ReadLob(ptr LobPointer) ([]byte, error) {
	return readLob(ix.store, ptr)
}

// sampleMemory feeds one page memory observation into the smoothed per
// page estimate: a running mean for the first memoryFactor samples, then
// +-1 plus a 1/memoryFactor share of the difference.
func (ix *BTreeIndex) sampleMemory(page *Page) {
	var x int64
	switch page.Type {
	case PageTypeLeaf:
		x = int64(page.Leaf.used) + pageHeaderSize
	case PageTypeNode:
		x = int64(page.Node.size()) + pageHeaderSize
	default:
		return
	}
	ix.memoryCount++
	if ix.memoryCount <= memoryFactor {
		ix.memoryPerPage += (x - ix.memoryPerPage) / int64(ix.memoryCount)
		return
	}
	if x > ix.memoryPerPage {
		ix.memoryPerPage++
	} else if x < ix.memoryPerPage {
		ix.memoryPerPage--
	}
	ix.memoryPerPage += (x - ix.memoryPerPage) / memoryFactor
}

// MemoryPerPage exposes the smoothed estimate.
func (ix *BTreeIndex) MemoryPerPage() int64 {
	return ix.memoryPerPage
}
