package hexa

import (
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *PageStore {
	t.Helper()
	store, err := OpenPageStore(zap.NewNop(), NewMemFile(), 0)
	require.NoError(t, err)
	return store
}

func newTestBTree(t *testing.T, store *PageStore, mainIndexColumn int) (*Table, *BTreeIndex) {
	t.Helper()
	columns := []Column{
		{Kind: Int8, Size: 8, Name: "id"},
		{Kind: Varchar, Size: 255, Name: "payload"},
	}
	table := NewTable(1, "events", columns, mainIndexColumn)
	ix, err := NewBTreeIndex(zap.NewNop(), store, table, 1, "events_data", mainIndexColumn)
	require.NoError(t, err)
	table.SetDataIndex(ix)
	return table, ix
}

func eventRow(key int64, payload string) *Row {
	return NewRow(key, []OptionalValue{
		{Value: key, Valid: true},
		{Value: payload, Valid: true},
	})
}

// Sequential inserts with wide rows must split at least once, and a range
// lookup returns exactly the keys inside the bounds, in order.
func TestBTreeIndex_SplitOnSequentialInsert(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, ix := newTestBTree(t, store, -1)

	payload := strings.Repeat("v", 200)
	for key := int64(1); key <= 100; key++ {
		require.NoError(t, ix.Add(nil, eventRow(key, payload)))
	}
	require.Equal(t, int64(100), ix.RowCount())

	// At least one split happened: the root is an interior node now.
	root, err := store.GetPage(ix.rootID)
	require.NoError(t, err)
	assert.Equal(t, PageTypeNode, root.Type)

	cursor, err := ix.Find(nil, &Row{Key: 30}, &Row{Key: 40})
	require.NoError(t, err)
	var keys []int64
	for {
		ok, err := cursor.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, cursor.Row().Key)
	}
	want := make([]int64, 0, 11)
	for k := int64(30); k <= 40; k++ {
		want = append(want, k)
	}
	assert.Equal(t, want, keys)
}

// A full in-order traversal yields keys in non-decreasing order, whatever
// the insertion order was.
func TestBTreeIndex_OrderingInvariant(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, ix := newTestBTree(t, store, -1)

	gofakeit.Seed(42)
	inserted := make(map[int64]struct{})
	for len(inserted) < 500 {
		key := int64(gofakeit.Number(1, 1_000_000))
		if _, dup := inserted[key]; dup {
			continue
		}
		inserted[key] = struct{}{}
		require.NoError(t, ix.Add(nil, eventRow(key, gofakeit.LetterN(20))))
	}

	cursor, err := ix.Find(nil, nil, nil)
	require.NoError(t, err)
	prev := int64(-1)
	count := 0
	for {
		ok, err := cursor.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Greater(t, cursor.Row().Key, prev)
		prev = cursor.Row().Key
		count++
	}
	assert.Equal(t, len(inserted), count)
}

func TestBTreeIndex_DuplicateKey(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, ix := newTestBTree(t, store, 0)

	require.NoError(t, ix.Add(nil, eventRow(7, "first")))
	err := ix.Add(nil, eventRow(7, "second"))
	require.Error(t, err)
	assert.True(t, HasCode(err, DuplicateKey))
}

func TestBTreeIndex_GeneratedKeys(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, ix := newTestBTree(t, store, -1)

	var keys []int64
	for i := 0; i < 10; i++ {
		row := NewRow(0, []OptionalValue{
			{Value: int64(i), Valid: true},
			{Value: "x", Valid: true},
		})
		require.NoError(t, ix.Add(nil, row))
		keys = append(keys, row.Key)
	}
	for i := 1; i < len(keys); i++ {
		assert.Greater(t, keys[i], keys[i-1])
	}
}

func TestBTreeIndex_RemoveAndReset(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, ix := newTestBTree(t, store, -1)

	for key := int64(1); key <= 50; key++ {
		require.NoError(t, ix.Add(nil, eventRow(key, strings.Repeat("p", 100))))
	}
	for key := int64(1); key <= 49; key++ {
		require.NoError(t, ix.Remove(nil, &Row{Key: key}))
	}
	require.Equal(t, int64(1), ix.RowCount())

	// Removing the final row resets the index to a fresh empty leaf.
	require.NoError(t, ix.Remove(nil, &Row{Key: 50}))
	assert.Equal(t, int64(0), ix.RowCount())

	root, err := store.GetPage(ix.rootID)
	require.NoError(t, err)
	assert.Equal(t, PageTypeLeaf, root.Type)

	// Deleting from the empty index is reported, not silently ignored.
	err = ix.Remove(nil, &Row{Key: 1})
	require.Error(t, err)
	assert.True(t, HasCode(err, RowNotFoundWhenDeleting))
}

func TestBTreeIndex_ReopenFromRegistry(t *testing.T) {
	t.Parallel()

	backing := NewMemFile()
	store, err := OpenPageStore(zap.NewNop(), backing, 0)
	require.NoError(t, err)

	columns := []Column{
		{Kind: Int8, Size: 8, Name: "id"},
		{Kind: Varchar, Size: 255, Name: "payload"},
	}
	table := NewTable(1, "events", columns, -1)
	ix, err := NewBTreeIndex(zap.NewNop(), store, table, 1, "events_data", -1)
	require.NoError(t, err)

	for key := int64(1); key <= 120; key++ {
		require.NoError(t, ix.Add(nil, eventRow(key, strings.Repeat("d", 150))))
	}
	require.NoError(t, ix.Close())

	// A second store over the same backing sees the registry and rows.
	reopened, err := OpenPageStore(zap.NewNop(), backing, 0)
	require.NoError(t, err)
	ix2, err := NewBTreeIndex(zap.NewNop(), reopened, table, 1, "events_data", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(120), ix2.RowCount())

	row, err := ix2.GetRow(nil, 77)
	require.NoError(t, err)
	assert.Equal(t, int64(77), row.Key)
}

// Values above the inline threshold move into a page stream and read back
// through the index.
func TestBTreeIndex_LobInterception(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, ix := newTestBTree(t, store, -1)

	blob := []byte(strings.Repeat("lob-data-", 1000)) // ~9 KiB
	row := NewRow(5, []OptionalValue{
		{Value: int64(5), Valid: true},
		{Value: append([]byte(nil), blob...), Valid: true},
	})
	require.NoError(t, ix.Add(nil, row))

	got, err := ix.GetRow(nil, 5)
	require.NoError(t, err)
	ptr, ok := got.Values[1].Value.(LobPointer)
	require.True(t, ok, "oversized value should be a lob pointer")
	assert.Equal(t, int64(len(blob)), ptr.Length)

	materialized, err := ix.ReadLob(ptr)
	require.NoError(t, err)
	assert.Equal(t, blob, materialized)
}

func TestBTreeIndex_MemoryEstimateSmoothing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, ix := newTestBTree(t, store, -1)

	for key := int64(1); key <= 200; key++ {
		require.NoError(t, ix.Add(nil, eventRow(key, strings.Repeat("m", 64))))
	}
	est := ix.MemoryPerPage()
	assert.Positive(t, est)
	assert.Less(t, est, int64(PageSize))
}
