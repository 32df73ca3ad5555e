package hexa

// ScanIndex is the in-memory row store used for temporary tables and as
// the fallback when no data index exists. Rows live in a dense slice; a
// row's key is its position. Removed slots become tombstones chained into
// a LIFO free list: each tombstone's key holds the position of the next
// free slot, terminated by -1.
type ScanIndex struct {
	name  string
	table *Table

	rows      []*Row
	firstFree int64
	rowCount  int64
}

func NewScanIndex(name string, table *Table) *ScanIndex {
	return &ScanIndex{name: name, table: table, firstFree: -1}
}

func (ix *ScanIndex) Name() string {
	return ix.name
}

func (ix *ScanIndex) Table() *Table {
	return ix.table
}

func (ix *ScanIndex) Add(session *Session, row *Row) error {
	if ix.firstFree == -1 {
		row.Key = int64(len(ix.rows))
		ix.rows = append(ix.rows, row)
	} else {
		free := ix.firstFree
		ix.firstFree = ix.rows[free].Key
		row.Key = free
		ix.rows[free] = row
	}
	ix.rowCount++
	return logRowUndo(session, ix.table.ID(), row, true)
}

func (ix *ScanIndex) Remove(session *Session, row *Row) error {
	if ix.rowCount == 1 {
		ix.rows = ix.rows[:0]
		ix.firstFree = -1
	} else {
		pos := row.Key
		if pos < 0 || pos >= int64(len(ix.rows)) || ix.rows[pos].IsRemoved() {
			return newDbError(RowNotFoundWhenDeleting, "row %d in table %s", row.Key, ix.table.Name())
		}
		ix.rows[pos] = NewRemovedRow(ix.firstFree)
		ix.firstFree = pos
	}
	ix.rowCount--
	return logRowUndo(session, ix.table.ID(), row, false)
}

// GetNextRow returns the first live row after the given one (nil = start
// of table), skipping tombstones.
func (ix *ScanIndex) GetNextRow(row *Row) *Row {
	pos := int64(0)
	if row != nil {
		pos = row.Key + 1
	}
	for ; pos < int64(len(ix.rows)); pos++ {
		if !ix.rows[pos].IsRemoved() {
			return ix.rows[pos]
		}
	}
	return nil
}

// GetRow returns the live row at the given key.
func (ix *ScanIndex) GetRow(key int64) (*Row, error) {
	if key < 0 || key >= int64(len(ix.rows)) {
		return nil, newDbError(GeneralError, "row %d out of range in table %s", key, ix.table.Name())
	}
	row := ix.rows[key]
	if row.IsRemoved() {
		return nil, newDbError(GeneralError, "row %d was removed from table %s", key, ix.table.Name())
	}
	return row, nil
}

type scanCursor struct {
	index *ScanIndex
	row   *Row
	done  bool
}

func (c *scanCursor) Next() (bool, error) {
	if c.done {
		return false, nil
	}
	c.row = c.index.GetNextRow(c.row)
	if c.row == nil {
		c.done = true
		return false, nil
	}
	return true, nil
}

func (c *scanCursor) Row() *Row {
	return c.row
}

func (ix *ScanIndex) Find(session *Session, first, last *Row) (Cursor, error) {
	return &scanCursor{index: ix}, nil
}

// GetCost is always dominated by any real index option.
func (ix *ScanIndex) GetCost(session *Session, masks []ColumnMask) float64 {
	return float64(CostRowOffset + ix.rowCount)
}

func (ix *ScanIndex) RowCount() int64 {
	return ix.rowCount
}

func (ix *ScanIndex) Truncate(session *Session) error {
	ix.rows = ix.rows[:0]
	ix.firstFree = -1
	ix.rowCount = 0
	return nil
}

func (ix *ScanIndex) Close() error {
	return nil
}

// TombstoneCount reports the number of free slots, exposed for invariant
// checks.
func (ix *ScanIndex) TombstoneCount() int {
	count := 0
	for _, r := range ix.rows {
		if r.IsRemoved() {
			count++
		}
	}
	return count
}
