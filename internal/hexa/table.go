package hexa

import (
	"go.uber.org/multierr"
)

// Table binds a column layout to its data index plus any secondary
// indexes. Tables hold non-owning ids; ownership roots at Database.
type Table struct {
	id      int32
	name    string
	columns []Column

	// mainIndexColumn is the column aliased by the row key, -1 if none.
	mainIndexColumn int

	data      Index
	secondary []Index
}

func NewTable(id int32, name string, columns []Column, mainIndexColumn int) *Table {
	return &Table{
		id:              id,
		name:            name,
		columns:         columns,
		mainIndexColumn: mainIndexColumn,
	}
}

func (t *Table) ID() int32 {
	return t.id
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) Columns() []Column {
	return t.columns
}

func (t *Table) MainIndexColumn() int {
	return t.mainIndexColumn
}

// SetDataIndex installs the primary row store (scan or data index).
func (t *Table) SetDataIndex(ix Index) {
	t.data = ix
}

func (t *Table) DataIndex() Index {
	return t.data
}

// AddSecondaryIndex registers an additional index maintained on every row
// mutation.
func (t *Table) AddSecondaryIndex(ix Index) {
	t.secondary = append(t.secondary, ix)
}

// Indexes returns the candidate indexes for planning, data index first.
func (t *Table) Indexes() []Index {
	out := make([]Index, 0, 1+len(t.secondary))
	out = append(out, t.data)
	out = append(out, t.secondary...)
	return out
}

// AddRow inserts through the data index (which assigns the key and writes
// the undo record) and then maintains the secondary indexes.
func (t *Table) AddRow(session *Session, row *Row) error {
	if err := t.data.Add(session, row); err != nil {
		return err
	}
	for _, ix := range t.secondary {
		if err := ix.Add(session, row); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRow deletes from every index, data index last so secondary
// removals can still resolve the row.
func (t *Table) RemoveRow(session *Session, row *Row) error {
	for _, ix := range t.secondary {
		if err := ix.Remove(session, row); err != nil {
			return err
		}
	}
	return t.data.Remove(session, row)
}

// GetRow fetches a row by key through the data index.
func (t *Table) GetRow(session *Session, key int64) (*Row, error) {
	switch data := t.data.(type) {
	case *BTreeIndex:
		return data.GetRow(session, key)
	case *ScanIndex:
		return data.GetRow(key)
	default:
		return nil, newDbError(GeneralError, "table %s has no key addressable data index", t.name)
	}
}

// RowCount is the table cardinality as tracked by the data index.
func (t *Table) RowCount() int64 {
	return t.data.RowCount()
}

// Truncate clears every index.
func (t *Table) Truncate(session *Session) error {
	if err := t.data.Truncate(session); err != nil {
		return err
	}
	for _, ix := range t.secondary {
		if err := ix.Truncate(session); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) Close() error {
	err := t.data.Close()
	for _, ix := range t.secondary {
		err = multierr.Append(err, ix.Close())
	}
	return err
}
