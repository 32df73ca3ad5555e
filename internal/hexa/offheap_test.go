package hexa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOffHeapFile_WriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	f := NewOffHeapFile()
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, f.WriteFully(0, payload))

	view, err := f.ReadFully(0, 100)
	require.NoError(t, err)
	assert.Equal(t, payload, view)

	// Interior zero-copy view.
	view, err = f.ReadFully(25, 50)
	require.NoError(t, err)
	assert.Equal(t, payload[25:75], view)
}

// A write landing strictly inside an existing entry is a partial
// overwrite and must be rejected without touching the original bytes.
func TestOffHeapFile_PartialOverwriteRejected(t *testing.T) {
	t.Parallel()

	f := NewOffHeapFile()
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, f.WriteFully(0, payload))

	err := f.WriteFully(25, make([]byte, 50))
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorReadingFailed))

	view, err := f.ReadFully(0, 100)
	require.NoError(t, err)
	assert.Equal(t, payload, view)
}

func TestOffHeapFile_ExactOverwriteInPlace(t *testing.T) {
	t.Parallel()

	f := NewOffHeapFile()
	require.NoError(t, f.WriteFully(0, []byte("aaaaaaaa")))
	require.NoError(t, f.WriteFully(0, []byte("bbbbbbbb")))

	view, err := f.ReadFully(0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbbbbbb"), view)

	_, _, writes, writtenBytes := f.Counters()
	assert.Equal(t, int64(2), writes)
	assert.Equal(t, int64(16), writtenBytes)
}

func TestOffHeapFile_ReadMissesFail(t *testing.T) {
	t.Parallel()

	f := NewOffHeapFile()
	_, err := f.ReadFully(0, 10)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorReadingFailed))

	require.NoError(t, f.WriteFully(4096, make([]byte, 64)))

	// Reading past an entry's end also fails.
	_, err = f.ReadFully(4096+32, 64)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorReadingFailed))
}

func TestOffHeapFile_FreeExactOnly(t *testing.T) {
	t.Parallel()

	f := NewOffHeapFile()
	require.NoError(t, f.WriteFully(0, make([]byte, 64)))

	require.Error(t, f.Free(0, 32))
	require.Error(t, f.Free(16, 48))
	require.NoError(t, f.Free(0, 64))

	_, err := f.ReadFully(0, 1)
	assert.Error(t, err)
}

func TestOffHeapFile_TruncateWholeEntriesOnly(t *testing.T) {
	t.Parallel()

	f := NewOffHeapFile()
	require.NoError(t, f.WriteFully(0, make([]byte, 64)))
	require.NoError(t, f.WriteFully(64, make([]byte, 64)))

	// Cutting through the second entry is rejected.
	require.Error(t, f.Truncate(96))

	require.NoError(t, f.Truncate(64))
	_, err := f.ReadFully(64, 1)
	assert.Error(t, err)

	view, err := f.ReadFully(0, 64)
	require.NoError(t, err)
	assert.Len(t, view, 64)
}

// A page store runs unchanged over the off-heap backing: the paged file
// abstraction is the same for disk and memory regions.
func TestOffHeapFile_BacksPageStore(t *testing.T) {
	t.Parallel()

	store, err := OpenPageStore(zap.NewNop(), NewOffHeapFile(), 0)
	require.NoError(t, err)

	table := NewTable(1, "offheap", []Column{
		{Kind: Int8, Size: 8, Name: "id"},
		{Kind: Varchar, Size: 128, Name: "v"},
	}, -1)
	ix, err := NewBTreeIndex(zap.NewNop(), store, table, 1, "offheap_data", -1)
	require.NoError(t, err)
	table.SetDataIndex(ix)

	for key := int64(1); key <= 64; key++ {
		require.NoError(t, ix.Add(nil, eventRow(key, "off-heap value")))
	}
	require.NoError(t, store.Flush())

	row, err := ix.GetRow(nil, 33)
	require.NoError(t, err)
	assert.Equal(t, int64(33), row.Key)
}
