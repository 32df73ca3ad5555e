package hexa

import (
	"sort"
)

// hashIndexCost is the constant cost of an equality hash probe.
const hashIndexCost = 2

// HashIndex is an in-memory, equality only, non unique index over a single
// column. Value kinds with a total ordering use a plain bucket map keyed by
// the normalized value. Kinds where compare and equality disagree (decimal
// scale variants) fall back to a comparator ordered bucket list so that
// numerically equal probes find one shared bucket.
type HashIndex struct {
	name   string
	table  *Table
	column int
	kind   ColumnKind

	buckets map[any][]int64
	ordered []hashBucket

	rowCount int64
}

type hashBucket struct {
	value any
	keys  []int64
}

func NewHashIndex(name string, table *Table, column int) *HashIndex {
	ix := &HashIndex{
		name:   name,
		table:  table,
		column: column,
		kind:   table.Columns()[column].Kind,
	}
	if ix.kind.HasTotalOrdering() {
		ix.buckets = make(map[any][]int64)
	}
	return ix
}

func (ix *HashIndex) Name() string {
	return ix.name
}

func (ix *HashIndex) Table() *Table {
	return ix.table
}

func (ix *HashIndex) Add(session *Session, row *Row) error {
	v := row.Value(ix.column)
	if !v.Valid {
		return nil
	}
	if ix.buckets != nil {
		k := hashKey(v.Value)
		ix.buckets[k] = append(ix.buckets[k], row.Key)
		ix.rowCount++
		return nil
	}
	pos, found := ix.orderedPos(v.Value)
	if found {
		ix.ordered[pos].keys = append(ix.ordered[pos].keys, row.Key)
	} else {
		ix.ordered = append(ix.ordered, hashBucket{})
		copy(ix.ordered[pos+1:], ix.ordered[pos:])
		ix.ordered[pos] = hashBucket{value: v.Value, keys: []int64{row.Key}}
	}
	ix.rowCount++
	return nil
}

func (ix *HashIndex) Remove(session *Session, row *Row) error {
	v := row.Value(ix.column)
	if !v.Valid {
		return nil
	}
	if ix.buckets != nil {
		k := hashKey(v.Value)
		keys, ok := ix.buckets[k]
		if !ok {
			return newDbError(RowNotFoundWhenDeleting, "row %d in hash index %s", row.Key, ix.name)
		}
		if len(keys) == 1 {
			delete(ix.buckets, k)
		} else {
			ix.buckets[k] = removeRowKey(keys, row.Key)
		}
		ix.rowCount--
		return nil
	}
	pos, found := ix.orderedPos(v.Value)
	if !found {
		return newDbError(RowNotFoundWhenDeleting, "row %d in hash index %s", row.Key, ix.name)
	}
	if len(ix.ordered[pos].keys) == 1 {
		ix.ordered = append(ix.ordered[:pos], ix.ordered[pos+1:]...)
	} else {
		ix.ordered[pos].keys = removeRowKey(ix.ordered[pos].keys, row.Key)
	}
	ix.rowCount--
	return nil
}

func removeRowKey(keys []int64, key int64) []int64 {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

// orderedPos finds the comparator position of v in the ordered bucket
// list.
func (ix *HashIndex) orderedPos(v any) (int, bool) {
	pos := sort.Search(len(ix.ordered), func(i int) bool {
		return compareValues(ix.ordered[i].value, v) >= 0
	})
	if pos < len(ix.ordered) && compareValues(ix.ordered[pos].value, v) == 0 {
		return pos, true
	}
	return pos, false
}

// Find requires an exact equality probe: first and last must both be set
// and carry the same probe value. The probe is coerced to the column's
// declared kind before lookup.
func (ix *HashIndex) Find(session *Session, first, last *Row) (Cursor, error) {
	if first == nil || last == nil {
		return nil, newDbError(GeneralError, "hash index %s supports equality lookups only", ix.name)
	}
	fv, lv := first.Value(ix.column), last.Value(ix.column)
	if !fv.Valid || !lv.Valid || compareValues(fv.Value, lv.Value) != 0 {
		return nil, newDbError(GeneralError, "hash index %s requires first == last", ix.name)
	}
	probe, err := coerceValue(ix.table.Columns()[ix.column], fv.Value)
	if err != nil {
		return nil, err
	}

	var keys []int64
	if ix.buckets != nil {
		keys = ix.buckets[hashKey(probe)]
	} else if pos, found := ix.orderedPos(probe); found {
		keys = ix.ordered[pos].keys
	}

	rows := make([]*Row, 0, len(keys))
	for _, key := range keys {
		row, err := ix.table.GetRow(session, key)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return newSliceCursor(rows), nil
}

// GetCost returns the constant equality probe cost when every constrained
// column mask is an equality, and MAX otherwise.
func (ix *HashIndex) GetCost(session *Session, masks []ColumnMask) float64 {
	if len(masks) <= ix.column || masks[ix.column] != MaskEquality {
		return costMax
	}
	return hashIndexCost
}

func (ix *HashIndex) RowCount() int64 {
	return ix.rowCount
}

func (ix *HashIndex) Truncate(session *Session) error {
	if ix.buckets != nil {
		ix.buckets = make(map[any][]int64)
	}
	ix.ordered = nil
	ix.rowCount = 0
	return nil
}

func (ix *HashIndex) Close() error {
	return nil
}
