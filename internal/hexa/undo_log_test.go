package hexa

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func undoRecord(tableID int32, key int64) *UndoLogRecord {
	return &UndoLogRecord{
		Operation: UndoInsert,
		TableID:   tableID,
		RowKey:    key,
		Values: []OptionalValue{
			{Value: key, Valid: true},
			{Value: "payload", Valid: true},
		},
	}
}

// With a tiny memory bound the log spills to its temp file, yet getLast /
// removeLast still drain records in strict LIFO order; the spill file
// shrinks while draining and is deleted on clear.
func TestUndoLog_SpillAndReverseDrain(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	undo := NewUndoLog(zap.NewNop(), 2, true, false, OSTempFileFactory(dir, "undo-*.tmp"))

	for key := int64(1); key <= 10; key++ {
		require.NoError(t, undo.Add(undoRecord(1, key)))
	}
	require.Equal(t, 10, undo.Size())
	require.True(t, undo.HasSpillFile())
	spilledLen := undo.SpillFileLength()
	require.Positive(t, spilledLen)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	shrunk := false
	for want := int64(10); want >= 1; want-- {
		record, err := undo.GetLast()
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, want, record.RowKey, "records must drain in LIFO order")
		assert.Equal(t, UndoInsert, record.Operation)
		require.Len(t, record.Values, 2)
		assert.Equal(t, want, record.Values[0].Value)
		undo.RemoveLast()
		if undo.SpillFileLength() < spilledLen {
			shrunk = true
		}
	}
	assert.True(t, shrunk, "draining must truncate the spill file")
	assert.Equal(t, 0, undo.Size())

	record, err := undo.GetLast()
	require.NoError(t, err)
	assert.Nil(t, record)

	require.NoError(t, undo.Clear())
	files, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files, "temp file must be deleted on clear")
}

// The LIFO property must hold for every spill threshold, including the
// degenerate one record bound.
func TestUndoLog_ReverseOrderAcrossThresholds(t *testing.T) {
	t.Parallel()

	for _, maxMemoryUndo := range []int{1, 2, 5, 100} {
		undo := NewUndoLog(zap.NewNop(), maxMemoryUndo, true, false, MemTempFileFactory())
		for key := int64(1); key <= 25; key++ {
			require.NoError(t, undo.Add(undoRecord(3, key)))
		}
		for want := int64(25); want >= 1; want-- {
			record, err := undo.GetLast()
			require.NoError(t, err)
			require.NotNil(t, record, "maxMemoryUndo=%d want=%d", maxMemoryUndo, want)
			require.Equal(t, want, record.RowKey, "maxMemoryUndo=%d", maxMemoryUndo)
			undo.RemoveLast()
		}
		require.Equal(t, 0, undo.Size())
		require.NoError(t, undo.Clear())
	}
}

// Non persistent databases and the multi-version store never spill.
func TestUndoLog_NoSpillWhenNotEligible(t *testing.T) {
	t.Parallel()

	inMemory := NewUndoLog(zap.NewNop(), 1, false, false, MemTempFileFactory())
	mvStore := NewUndoLog(zap.NewNop(), 1, true, true, MemTempFileFactory())

	for key := int64(1); key <= 10; key++ {
		require.NoError(t, inMemory.Add(undoRecord(1, key)))
		require.NoError(t, mvStore.Add(undoRecord(1, key)))
	}
	assert.False(t, inMemory.HasSpillFile())
	assert.False(t, mvStore.HasSpillFile())
	assert.Equal(t, 10, inMemory.Size())
	assert.Equal(t, 10, mvStore.Size())
}

// Values of every kind survive the spill round trip.
func TestUndoLog_SpillRoundTripValues(t *testing.T) {
	t.Parallel()

	undo := NewUndoLog(zap.NewNop(), 1, true, false, MemTempFileFactory())
	values := []OptionalValue{
		{},
		{Value: true, Valid: true},
		{Value: int32(-7), Valid: true},
		{Value: int64(1) << 40, Valid: true},
		{Value: 3.25, Valid: true},
		{Value: "héllo", Valid: true},
		{Value: []byte{0, 1, 2, 255}, Valid: true},
		{Value: DecimalValue{Unscaled: 100, Scale: 2}, Valid: true},
	}
	record := &UndoLogRecord{
		Operation: UndoDelete,
		TableID:   9,
		RowKey:    -12345,
		Values:    append([]OptionalValue(nil), values...),
	}
	require.NoError(t, undo.Add(record))
	require.NoError(t, undo.Add(undoRecord(9, 1))) // forces the spill of both

	require.True(t, undo.HasSpillFile())

	got, err := undo.GetLast()
	require.NoError(t, err)
	require.Equal(t, int64(1), got.RowKey)
	undo.RemoveLast()

	got, err = undo.GetLast()
	require.NoError(t, err)
	assert.Equal(t, UndoDelete, got.Operation)
	assert.Equal(t, int32(9), got.TableID)
	assert.Equal(t, int64(-12345), got.RowKey)
	assert.Equal(t, values[1:], got.Values[1:])
	assert.False(t, got.Values[0].Valid)
	require.NoError(t, undo.Clear())
}
