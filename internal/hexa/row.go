package hexa

const (
	// RowIDIndex is the pseudo column position aliasing the row key.
	RowIDIndex = -1

	memoryUncomputed = -1

	rowBaseMemory   = 40
	valueBaseMemory = 16
)

// Row is an ordered tuple of typed values plus a 64 bit key. A Row with a
// nil value list is a tombstone occupying a slot in the scan index; its key
// then holds the position of the next free slot.
type Row struct {
	Key    int64
	Values []OptionalValue

	memory int // cached estimate, -1 = uncomputed
}

func NewRow(key int64, values []OptionalValue) *Row {
	return &Row{Key: key, Values: values, memory: memoryUncomputed}
}

// NewRemovedRow builds a tombstone whose key points at the next free slot.
func NewRemovedRow(nextFree int64) *Row {
	return &Row{Key: nextFree, memory: memoryUncomputed}
}

// ValueList returns the row values, nil iff the row is a tombstone.
func (r *Row) ValueList() []OptionalValue {
	return r.Values
}

func (r *Row) IsRemoved() bool {
	return r.Values == nil
}

// Value returns the value at the given column position. RowIDIndex aliases
// the key.
func (r *Row) Value(i int) OptionalValue {
	if i == RowIDIndex {
		return OptionalValue{Value: r.Key, Valid: true}
	}
	return r.Values[i]
}

// Memory estimates the in-memory footprint of the row, caching the result.
func (r *Row) Memory() int {
	if r.memory != memoryUncomputed {
		return r.memory
	}
	size := rowBaseMemory
	for _, v := range r.Values {
		size += valueBaseMemory
		if !v.Valid {
			continue
		}
		switch val := v.Value.(type) {
		case string:
			size += len(val)
		case []byte:
			size += len(val)
		}
	}
	r.memory = size
	return size
}
