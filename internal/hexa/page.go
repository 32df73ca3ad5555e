package hexa

const (
	// PageSize is the store wide page size, immutable once a store is
	// created.
	PageSize = 4096

	// FileBlockSize is the alignment unit of stream and undo records.
	FileBlockSize = 16

	pageHeaderSize = 1 + 4 // type byte + parent page id
)

type PageType uint8

const (
	PageTypeFree PageType = iota
	PageTypeLeaf
	PageTypeNode
	PageTypeOverflow
	PageTypeStreamTrunk
	PageTypeStreamData
	PageTypeMeta
)

func (t PageType) String() string {
	switch t {
	case PageTypeFree:
		return "free"
	case PageTypeLeaf:
		return "leaf"
	case PageTypeNode:
		return "node"
	case PageTypeOverflow:
		return "overflow"
	case PageTypeStreamTrunk:
		return "stream_trunk"
	case PageTypeStreamData:
		return "stream_data"
	case PageTypeMeta:
		return "meta"
	default:
		return "unknown"
	}
}

// Page is one fixed size block of the store. Exactly one variant pointer
// is set at any instant; the variant defines the page's role.
type Page struct {
	ID     int32
	Type   PageType
	Parent int32

	Leaf       *PageDataLeaf
	Node       *PageDataNode
	Overflow   *PageDataOverflow
	Trunk      *PageStreamTrunk
	StreamData *PageStreamData
	Meta       *PageMeta
}

// PageDataOverflow carries row payload that did not fit into its leaf.
// Overflow pages chain via Next (0 = end of chain).
type PageDataOverflow struct {
	Next int32
	Data []byte
}

// PageStreamTrunk links a run of stream data pages. Chains are keyed by a
// monotonically increasing log key; a trunk whose key does not match the
// reader's expectation ends the stream.
type PageStreamTrunk struct {
	LogKey    int64
	NextTrunk int32
	PageIDs   []int32
}

// PageStreamData is one block of stream payload.
type PageStreamData struct {
	LogKey int64
	Data   []byte
}

// PageMeta is the store registry page: root page per index id plus the
// persisted change count.
type PageMeta struct {
	ChangeCount int64
	Roots       map[int32]int32 // index id -> root page id
}

func (p *Page) marshal(buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = byte(p.Type)
	marshalInt32(buf, p.Parent, 1)
	i := uint64(pageHeaderSize)

	switch p.Type {
	case PageTypeFree:
		return nil
	case PageTypeLeaf:
		return p.Leaf.marshal(buf, i)
	case PageTypeNode:
		return p.Node.marshal(buf, i)
	case PageTypeOverflow:
		marshalInt32(buf, p.Overflow.Next, i)
		i += 4
		marshalInt32(buf, int32(len(p.Overflow.Data)), i)
		i += 4
		copy(buf[i:], p.Overflow.Data)
		return nil
	case PageTypeStreamTrunk:
		marshalInt64(buf, p.Trunk.LogKey, i)
		i += 8
		marshalInt32(buf, p.Trunk.NextTrunk, i)
		i += 4
		marshalInt32(buf, int32(len(p.Trunk.PageIDs)), i)
		i += 4
		for _, id := range p.Trunk.PageIDs {
			marshalInt32(buf, id, i)
			i += 4
		}
		return nil
	case PageTypeStreamData:
		marshalInt64(buf, p.StreamData.LogKey, i)
		i += 8
		marshalInt32(buf, int32(len(p.StreamData.Data)), i)
		i += 4
		copy(buf[i:], p.StreamData.Data)
		return nil
	case PageTypeMeta:
		marshalInt64(buf, p.Meta.ChangeCount, i)
		i += 8
		marshalInt32(buf, int32(len(p.Meta.Roots)), i)
		i += 4
		for indexID, rootID := range p.Meta.Roots {
			marshalInt32(buf, indexID, i)
			i += 4
			marshalInt32(buf, rootID, i)
			i += 4
		}
		return nil
	default:
		return newDbError(FileCorrupted, "cannot marshal page %d of unknown type %d", p.ID, p.Type)
	}
}

func unmarshalPage(id int32, buf []byte) (*Page, error) {
	p := &Page{
		ID:     id,
		Type:   PageType(buf[0]),
		Parent: unmarshalInt32(buf, 1),
	}
	i := uint64(pageHeaderSize)

	switch p.Type {
	case PageTypeFree:
		return p, nil
	case PageTypeLeaf:
		p.Leaf = &PageDataLeaf{}
		if err := p.Leaf.unmarshal(buf, i); err != nil {
			return nil, err
		}
		return p, nil
	case PageTypeNode:
		p.Node = &PageDataNode{}
		if err := p.Node.unmarshal(buf, i); err != nil {
			return nil, err
		}
		return p, nil
	case PageTypeOverflow:
		next := unmarshalInt32(buf, i)
		i += 4
		n := unmarshalInt32(buf, i)
		i += 4
		if n < 0 || uint64(n) > uint64(len(buf))-i {
			return nil, newDbError(FileCorrupted, "overflow page %d has invalid length %d", id, n)
		}
		data := make([]byte, n)
		copy(data, buf[i:])
		p.Overflow = &PageDataOverflow{Next: next, Data: data}
		return p, nil
	case PageTypeStreamTrunk:
		logKey := unmarshalInt64(buf, i)
		i += 8
		nextTrunk := unmarshalInt32(buf, i)
		i += 4
		n := unmarshalInt32(buf, i)
		i += 4
		if n < 0 || uint64(n)*4 > uint64(len(buf))-i {
			return nil, newDbError(FileCorrupted, "trunk page %d has invalid page count %d", id, n)
		}
		ids := make([]int32, n)
		for j := range ids {
			ids[j] = unmarshalInt32(buf, i)
			i += 4
		}
		p.Trunk = &PageStreamTrunk{LogKey: logKey, NextTrunk: nextTrunk, PageIDs: ids}
		return p, nil
	case PageTypeStreamData:
		logKey := unmarshalInt64(buf, i)
		i += 8
		n := unmarshalInt32(buf, i)
		i += 4
		if n < 0 || uint64(n) > uint64(len(buf))-i {
			return nil, newDbError(FileCorrupted, "stream data page %d has invalid length %d", id, n)
		}
		data := make([]byte, n)
		copy(data, buf[i:])
		p.StreamData = &PageStreamData{LogKey: logKey, Data: data}
		return p, nil
	case PageTypeMeta:
		changeCount := unmarshalInt64(buf, i)
		i += 8
		n := unmarshalInt32(buf, i)
		i += 4
		if n < 0 || uint64(n)*8 > uint64(len(buf))-i {
			return nil, newDbError(FileCorrupted, "meta page %d has invalid root count %d", id, n)
		}
		roots := make(map[int32]int32, n)
		for j := int32(0); j < n; j++ {
			indexID := unmarshalInt32(buf, i)
			i += 4
			rootID := unmarshalInt32(buf, i)
			i += 4
			roots[indexID] = rootID
		}
		p.Meta = &PageMeta{ChangeCount: changeCount, Roots: roots}
		return p, nil
	default:
		return nil, newDbError(FileCorrupted, "page %d has unknown type %d", id, buf[0])
	}
}

// maxTrunkPages is how many data page ids fit into one trunk page.
func maxTrunkPages() int {
	return (PageSize - pageHeaderSize - 8 - 4 - 4) / 4
}

// maxStreamDataBytes is the payload capacity of one stream data page.
func maxStreamDataBytes() int {
	return PageSize - pageHeaderSize - 8 - 4
}

// maxOverflowBytes is the payload capacity of one overflow page.
func maxOverflowBytes() int {
	return PageSize - pageHeaderSize - 4 - 4
}
