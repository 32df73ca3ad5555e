package hexa

import (
	"math"
)

// ColumnMask describes how a filter constrains an index column.
type ColumnMask uint8

const (
	MaskNone     ColumnMask = 0
	MaskEquality ColumnMask = 1 << iota
	MaskRangeStart
	MaskRangeEnd
)

const (
	// CostRowOffset is the fixed per-access cost added to row counts.
	CostRowOffset = 1000

	// costMax marks an index unusable for the given masks.
	costMax = math.MaxFloat64
)

// Index is the common contract of the scan, data and hash indexes.
// Every GetCost result must be strictly positive.
type Index interface {
	Name() string
	Table() *Table

	Add(session *Session, row *Row) error
	Remove(session *Session, row *Row) error

	// Find returns a cursor over rows matching the [first, last] search
	// range; nil bounds are unbounded.
	Find(session *Session, first, last *Row) (Cursor, error)

	// GetCost estimates the cost of probing this index given the per
	// column constraint masks of a filter.
	GetCost(session *Session, masks []ColumnMask) float64

	RowCount() int64
	Truncate(session *Session) error
	Close() error
}

// logRowUndo appends a row level INSERT/DELETE undo record to the
// session's log. Mutations and undo appends are totally ordered within a
// session.
func logRowUndo(session *Session, tableID int32, row *Row, insert bool) error {
	if session == nil {
		return nil
	}
	op := UndoDelete
	if insert {
		op = UndoInsert
	}
	return session.UndoLog().Add(&UndoLogRecord{
		Operation: op,
		TableID:   tableID,
		RowKey:    row.Key,
		Values:    row.Values,
	})
}
