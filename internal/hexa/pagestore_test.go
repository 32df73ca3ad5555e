package hexa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPageStore_AllocateFreeReuse(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	p1, err := store.AllocateTyped(PageTypeLeaf, 0)
	require.NoError(t, err)
	p2, err := store.AllocateTyped(PageTypeLeaf, 0)
	require.NoError(t, err)
	require.NotEqual(t, p1.ID, p2.ID)

	store.Free(p1.ID)

	// Freed ids are reused before the file grows.
	p3, err := store.AllocateTyped(PageTypeNode, 0)
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p3.ID)
	assert.Equal(t, PageTypeNode, p3.Type)
}

func TestPageStore_GetPageTypeMismatchIsCorruption(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	page, err := store.AllocateTyped(PageTypeLeaf, 0)
	require.NoError(t, err)

	_, err = store.getPageOfType(page.ID, PageTypeStreamTrunk)
	require.Error(t, err)
	assert.True(t, HasCode(err, FileCorrupted))

	// Free pages are not readable at all.
	store.Free(page.ID)
	_, err = store.GetPage(page.ID)
	require.Error(t, err)
	assert.True(t, HasCode(err, FileCorrupted))
}

func TestPageStore_ChangeCountAdvancesOnMutation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	before := store.ChangeCount()

	page, err := store.AllocateTyped(PageTypeLeaf, 0)
	require.NoError(t, err)
	afterAllocate := store.ChangeCount()
	assert.Greater(t, afterAllocate, before)

	store.Update(page)
	assert.Greater(t, store.ChangeCount(), afterAllocate)

	store.IncrementChangeCount()
	assert.Greater(t, store.ChangeCount(), afterAllocate+1)
}

func TestPageStore_RootRegistryPersists(t *testing.T) {
	t.Parallel()

	backing := NewMemFile()
	store, err := OpenPageStore(zap.NewNop(), backing, 0)
	require.NoError(t, err)

	page, err := store.AllocateTyped(PageTypeLeaf, 0)
	require.NoError(t, err)
	store.SetRoot(42, page.ID)
	require.NoError(t, store.Flush())

	reopened, err := OpenPageStore(zap.NewNop(), backing, 0)
	require.NoError(t, err)
	rootID, ok := reopened.Root(42)
	require.True(t, ok)
	assert.Equal(t, page.ID, rootID)

	_, ok = reopened.Root(43)
	assert.False(t, ok)
}

func TestPageStore_ParentBackEdgeRepair(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	page, err := store.AllocateTyped(PageTypeLeaf, 7)
	require.NoError(t, err)

	got, err := store.GetPageWithParent(page.ID, 9)
	require.NoError(t, err)
	assert.Equal(t, int32(9), got.Parent)
}

// The first flush after a checkpoint captures each overwritten page's
// on-disk pre-image; a checkpoint resets the baseline.
func TestPageStore_UndoImageCapturedOnFlush(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	page, err := store.AllocateTyped(PageTypeStreamData, 0)
	require.NoError(t, err)
	page.StreamData.Data = []byte("before")
	require.NoError(t, store.Checkpoint())

	page.StreamData.Data = []byte("after")
	store.Update(page)
	require.NoError(t, store.Flush())

	img, ok := store.UndoImage(page.ID)
	require.True(t, ok)
	prev, err := unmarshalPage(page.ID, img)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), prev.StreamData.Data)

	require.NoError(t, store.Checkpoint())
	_, ok = store.UndoImage(page.ID)
	assert.False(t, ok)
}

func TestPageStore_SingleWriterGuard(t *testing.T) {
	t.Parallel()

	db := newTestDatabase(t, 0)
	table, err := db.CreateTable("guarded", []Column{
		{Kind: Varchar, Size: 32, Name: "v"},
	}, -1)
	require.NoError(t, err)

	writer := db.NewSession()
	require.NoError(t, db.Store().SetWriter(writer))
	require.NoError(t, table.AddRow(writer, NewRow(0, []OptionalValue{{Value: "ok", Valid: true}})))

	// A second session mutating the same store is a broken invariant.
	intruder := db.NewSession()
	err = table.AddRow(intruder, NewRow(0, []OptionalValue{{Value: "no", Valid: true}}))
	require.Error(t, err)

	require.NoError(t, db.Store().SetWriter(nil))
	require.NoError(t, writer.Commit())
}
