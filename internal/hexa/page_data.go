package hexa

import (
	"sort"

	"github.com/hexadb/hexa/pkg/bitwise"
)

const (
	leafFixedOverhead = 4 + 4 // entry count + next leaf pointer
	leafEntryOverhead = 8 + 4 // key + length prefix
	nodeEntryOverhead = 8 + 4 // key + child page id

	// overflowMarker in an entry's length prefix means the payload lives in
	// an overflow chain: the entry body is first page id + total length.
	overflowMarker = int32(-1)
)

func leafCapacity() int {
	return PageSize - pageHeaderSize - leafFixedOverhead
}

func nodeCapacity() int {
	return PageSize - pageHeaderSize - 4 - 4 // entry count + trailing child
}

type leafEntry struct {
	key         int64
	row         *Row   // decoded row, nil while payload is in an overflow chain
	payload     []byte // serialized value list for inline entries
	overflow    int32  // first overflow page id, 0 = inline
	overflowLen int32
}

func (e *leafEntry) size() int {
	if e.overflow != 0 {
		return leafEntryOverhead + 8 // page id + total length
	}
	return leafEntryOverhead + len(e.payload)
}

// PageDataLeaf holds (key, row payload) pairs in key order. Leaves chain
// through NextLeaf for in-order cursors.
type PageDataLeaf struct {
	entries  []leafEntry
	used     int
	NextLeaf int32
}

// serializeRowValues encodes a value list as count, null bitmask, then
// the non-null values. The bitmask caps rows at 64 columns.
func serializeRowValues(row *Row) []byte {
	d := NewData(64)
	d.WriteInt32(int32(len(row.Values)))
	var nulls uint64
	for i, v := range row.Values {
		if !v.Valid {
			nulls = bitwise.Set(nulls, i)
		}
	}
	d.WriteInt64(int64(nulls))
	for _, v := range row.Values {
		if v.Valid {
			d.WriteValue(v)
		}
	}
	out := make([]byte, d.Pos())
	copy(out, d.Bytes())
	return out
}

func deserializeRowValues(key int64, payload []byte) (*Row, error) {
	d := NewDataFrom(payload)
	n := d.ReadInt32()
	if n < 0 || n > 64 {
		return nil, newDbError(FileCorrupted, "invalid column count %d for row %d", n, key)
	}
	nulls := uint64(d.ReadInt64())
	values := make([]OptionalValue, n)
	for i := range values {
		if bitwise.IsSet(nulls, i) {
			continue
		}
		v, err := d.ReadValue()
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return NewRow(key, values), nil
}

func (l *PageDataLeaf) marshal(buf []byte, i uint64) error {
	marshalInt32(buf, int32(len(l.entries)), i)
	i += 4
	marshalInt32(buf, l.NextLeaf, i)
	i += 4
	for idx := range l.entries {
		e := &l.entries[idx]
		marshalInt64(buf, e.key, i)
		i += 8
		if e.overflow != 0 {
			marshalInt32(buf, overflowMarker, i)
			i += 4
			marshalInt32(buf, e.overflow, i)
			i += 4
			marshalInt32(buf, e.overflowLen, i)
			i += 4
			continue
		}
		marshalInt32(buf, int32(len(e.payload)), i)
		i += 4
		copy(buf[i:], e.payload)
		i += uint64(len(e.payload))
	}
	return nil
}

func (l *PageDataLeaf) unmarshal(buf []byte, i uint64) error {
	count := unmarshalInt32(buf, i)
	i += 4
	l.NextLeaf = unmarshalInt32(buf, i)
	i += 4
	if count < 0 {
		return newDbError(FileCorrupted, "negative leaf entry count %d", count)
	}
	l.entries = make([]leafEntry, 0, count)
	l.used = 0
	for j := int32(0); j < count; j++ {
		key := unmarshalInt64(buf, i)
		i += 8
		n := unmarshalInt32(buf, i)
		i += 4
		var e leafEntry
		e.key = key
		if n == overflowMarker {
			e.overflow = unmarshalInt32(buf, i)
			i += 4
			e.overflowLen = unmarshalInt32(buf, i)
			i += 4
		} else {
			if n < 0 || uint64(n) > uint64(len(buf))-i {
				return newDbError(FileCorrupted, "leaf entry %d has invalid length %d", j, n)
			}
			e.payload = make([]byte, n)
			copy(e.payload, buf[i:])
			i += uint64(n)
		}
		l.entries = append(l.entries, e)
		l.used += e.size()
	}
	return nil
}

// findPos returns the position of the first entry with key >= target.
func (l *PageDataLeaf) findPos(key int64) int {
	return sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].key >= key
	})
}

// addRowTry inserts the row, returning a split point >= 0 when the leaf is
// full. Rows taking more than half the leaf spill into an overflow chain.
func (l *PageDataLeaf) addRowTry(s *PageStore, row *Row) (int, error) {
	pos := l.findPos(row.Key)
	if pos < len(l.entries) && l.entries[pos].key == row.Key {
		return -1, wrapDbError(DuplicateKey, errDuplicateKeyCached, "key %d", row.Key)
	}

	e := leafEntry{key: row.Key, row: row, payload: serializeRowValues(row)}
	if leafEntryOverhead+len(e.payload) > leafCapacity()/2 {
		// Spill to overflow so a single wide row cannot defeat splitting.
		first, err := writeOverflowChain(s, e.payload)
		if err != nil {
			return -1, err
		}
		e.overflow = first
		e.overflowLen = int32(len(e.payload))
		e.payload = nil
	}

	if l.used+e.size() > leafCapacity() && len(l.entries) > 1 {
		splitPoint := len(l.entries) / 2
		if splitPoint == 0 {
			splitPoint = 1
		}
		if e.overflow != 0 {
			// Undo the spill, the insert retries after the split.
			if err := freeOverflowChain(s, e.overflow); err != nil {
				return -1, err
			}
		}
		return splitPoint, nil
	}

	l.entries = append(l.entries, leafEntry{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = e
	l.used += e.size()
	return -1, nil
}

// split moves entries [splitPoint:) into a fresh right leaf and returns it
// along with the pivot key (the first key of the right leaf).
func (l *PageDataLeaf) split(s *PageStore, page *Page, splitPoint int) (*Page, int64, error) {
	right, err := s.AllocateTyped(PageTypeLeaf, page.Parent)
	if err != nil {
		return nil, 0, err
	}
	rightLeaf := right.Leaf
	rightLeaf.entries = append(rightLeaf.entries, l.entries[splitPoint:]...)
	for i := range rightLeaf.entries {
		rightLeaf.used += rightLeaf.entries[i].size()
	}
	l.entries = l.entries[:splitPoint]
	l.used -= rightLeaf.used

	rightLeaf.NextLeaf = l.NextLeaf
	l.NextLeaf = right.ID

	pivot := rightLeaf.entries[0].key
	s.Update(page)
	s.Update(right)
	return right, pivot, nil
}

// remove deletes the entry for key. It reports whether the key was found
// and whether the leaf is now empty.
func (l *PageDataLeaf) remove(s *PageStore, key int64) (found, empty bool, err error) {
	pos := l.findPos(key)
	if pos >= len(l.entries) || l.entries[pos].key != key {
		return false, len(l.entries) == 0, nil
	}
	e := l.entries[pos]
	if e.overflow != 0 {
		if err := freeOverflowChain(s, e.overflow); err != nil {
			return false, false, err
		}
	}
	l.used -= e.size()
	l.entries = append(l.entries[:pos], l.entries[pos+1:]...)
	return true, len(l.entries) == 0, nil
}

// getRow decodes the row at position i, loading overflow payload on demand.
func (l *PageDataLeaf) getRow(s *PageStore, i int) (*Row, error) {
	e := &l.entries[i]
	if e.row != nil {
		return e.row, nil
	}
	payload := e.payload
	if e.overflow != 0 {
		var err error
		payload, err = readOverflowChain(s, e.overflow, int(e.overflowLen))
		if err != nil {
			return nil, err
		}
	}
	row, err := deserializeRowValues(e.key, payload)
	if err != nil {
		return nil, err
	}
	e.row = row
	return row, nil
}

// PageDataNode is an interior B-tree page: len(children) == len(keys)+1,
// children[i] holds keys < keys[i]. RowCountStored caches the subtree row
// count (-1 = invalid).
type PageDataNode struct {
	keys           []int64
	children       []int32
	RowCountStored int64
}

func (n *PageDataNode) marshal(buf []byte, i uint64) error {
	marshalInt32(buf, int32(len(n.keys)), i)
	i += 4
	marshalInt64(buf, n.RowCountStored, i)
	i += 8
	for _, k := range n.keys {
		marshalInt64(buf, k, i)
		i += 8
	}
	for _, c := range n.children {
		marshalInt32(buf, c, i)
		i += 4
	}
	return nil
}

func (n *PageDataNode) unmarshal(buf []byte, i uint64) error {
	count := unmarshalInt32(buf, i)
	i += 4
	n.RowCountStored = unmarshalInt64(buf, i)
	i += 8
	if count < 0 || uint64(count)*12 > uint64(len(buf))-i {
		return newDbError(FileCorrupted, "node has invalid key count %d", count)
	}
	n.keys = make([]int64, count)
	for j := range n.keys {
		n.keys[j] = unmarshalInt64(buf, i)
		i += 8
	}
	n.children = make([]int32, count+1)
	for j := range n.children {
		n.children[j] = unmarshalInt32(buf, i)
		i += 4
	}
	return nil
}

func (n *PageDataNode) size() int {
	return 4 + 8 + len(n.keys)*nodeEntryOverhead + 4
}

// childPos returns the child slot the given key belongs to.
func (n *PageDataNode) childPos(key int64) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return key < n.keys[i]
	})
}

// insertChild adds a pivot key and the right child produced by a split of
// children[pos].
func (n *PageDataNode) insertChild(pos int, pivot int64, rightChild int32) {
	n.keys = append(n.keys, 0)
	copy(n.keys[pos+1:], n.keys[pos:])
	n.keys[pos] = pivot

	n.children = append(n.children, 0)
	copy(n.children[pos+2:], n.children[pos+1:])
	n.children[pos+1] = rightChild
}

// removeChild drops the child at slot pos (and the key separating it).
func (n *PageDataNode) removeChild(pos int) {
	n.children = append(n.children[:pos], n.children[pos+1:]...)
	if len(n.keys) > 0 {
		// child[i] covers [keys[i-1], keys[i]); dropping child i drops the
		// separator on its left, except for the leftmost child.
		keyPos := pos - 1
		if keyPos < 0 {
			keyPos = 0
		}
		n.keys = append(n.keys[:keyPos], n.keys[keyPos+1:]...)
	}
}

// full reports whether another entry would overflow the page.
func (n *PageDataNode) full() bool {
	return n.size()+nodeEntryOverhead > nodeCapacity()
}

// split moves the upper half into a fresh right node, returning the new
// page and the promoted pivot. splitPoint semantics follow the leaf: the
// pivot is keys[splitPoint] and does not remain in either half.
func (n *PageDataNode) split(s *PageStore, page *Page) (*Page, int64, error) {
	splitPoint := len(n.keys) / 2
	pivot := n.keys[splitPoint]

	right, err := s.AllocateTyped(PageTypeNode, page.Parent)
	if err != nil {
		return nil, 0, err
	}
	rightNode := right.Node
	rightNode.keys = append(rightNode.keys, n.keys[splitPoint+1:]...)
	rightNode.children = append(rightNode.children, n.children[splitPoint+1:]...)
	rightNode.RowCountStored = rowCountInvalid

	n.keys = n.keys[:splitPoint]
	n.children = n.children[:splitPoint+1]
	n.RowCountStored = rowCountInvalid

	// Reparent moved children.
	for _, childID := range rightNode.children {
		child, err := s.GetPage(childID)
		if err != nil {
			return nil, 0, err
		}
		child.Parent = right.ID
		s.Update(child)
	}

	s.Update(page)
	s.Update(right)
	return right, pivot, nil
}

// writeOverflowChain stores payload across overflow pages, returning the
// first page id.
func writeOverflowChain(s *PageStore, payload []byte) (int32, error) {
	chunk := maxOverflowBytes()
	var first, prev *Page
	for off := 0; off < len(payload); off += chunk {
		end := off + chunk
		if end > len(payload) {
			end = len(payload)
		}
		page, err := s.AllocateTyped(PageTypeOverflow, 0)
		if err != nil {
			return 0, err
		}
		page.Overflow.Data = append([]byte(nil), payload[off:end]...)
		if prev != nil {
			prev.Overflow.Next = page.ID
			s.Update(prev)
		} else {
			first = page
		}
		s.Update(page)
		prev = page
	}
	if first == nil {
		return 0, newDbError(GeneralError, "empty overflow payload")
	}
	return first.ID, nil
}

func readOverflowChain(s *PageStore, first int32, totalLen int) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	id := first
	for id != 0 {
		page, err := s.getPageOfType(id, PageTypeOverflow)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Overflow.Data...)
		id = page.Overflow.Next
	}
	if len(out) != totalLen {
		return nil, newDbError(FileCorrupted, "overflow chain %d has %d bytes, expected %d", first, len(out), totalLen)
	}
	return out, nil
}

func freeOverflowChain(s *PageStore, first int32) error {
	id := first
	for id != 0 {
		page, err := s.getPageOfType(id, PageTypeOverflow)
		if err != nil {
			return err
		}
		next := page.Overflow.Next
		s.Free(id)
		id = next
	}
	return nil
}
