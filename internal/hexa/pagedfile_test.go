package hexa

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPagedFile_PageReadWrite(t *testing.T) {
	t.Parallel()

	pf, err := OpenPagedFile(NewMemFile(), PageSize, ModeReadWrite)
	require.NoError(t, err)

	id, err := pf.Allocate()
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)

	page := make([]byte, PageSize)
	for i := range page {
		page[i] = byte(i % 7)
	}
	require.NoError(t, pf.Write(id, page))

	got := make([]byte, PageSize)
	require.NoError(t, pf.Read(id, got))
	assert.Equal(t, page, got)

	assert.Equal(t, int64(1), pf.PageCount())
	assert.Equal(t, int64(PageSize), pf.Length())
}

func TestPagedFile_FreedPagesReused(t *testing.T) {
	t.Parallel()

	pf, err := OpenPagedFile(NewMemFile(), PageSize, ModeReadWrite)
	require.NoError(t, err)

	id1, err := pf.Allocate()
	require.NoError(t, err)
	id2, err := pf.Allocate()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	pf.Free(id1)
	id3, err := pf.Allocate()
	require.NoError(t, err)
	assert.Equal(t, id1, id3)
}

func TestPagedFile_ReadOutOfRange(t *testing.T) {
	t.Parallel()

	pf, err := OpenPagedFile(NewMemFile(), PageSize, ModeReadWrite)
	require.NoError(t, err)

	err = pf.Read(5, make([]byte, PageSize))
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrorReadingFailed))
}

func TestPagedFile_UnalignedTruncateRejected(t *testing.T) {
	t.Parallel()

	pf, err := OpenPagedFile(NewMemFile(), PageSize, ModeReadWrite)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := pf.Allocate()
		require.NoError(t, err)
	}

	err = pf.Truncate(PageSize + 100)
	require.Error(t, err)
	assert.True(t, HasCode(err, FileCorrupted))

	require.NoError(t, pf.Truncate(PageSize))
	assert.Equal(t, int64(1), pf.PageCount())
}

func TestPagedFile_SequentialPointerIO(t *testing.T) {
	t.Parallel()

	pf, err := OpenPagedFile(NewMemFile(), PageSize, ModeReadWrite)
	require.NoError(t, err)

	require.NoError(t, pf.WriteFully([]byte("alpha")))
	require.NoError(t, pf.WriteFully([]byte("beta")))
	assert.Equal(t, int64(9), pf.FilePointer())

	pf.SeekTo(0)
	got := make([]byte, 9)
	require.NoError(t, pf.ReadFully(got))
	assert.Equal(t, []byte("alphabeta"), got)
}

func TestPagedFile_OnDisk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data"+SuffixPageStore)
	pf, err := OpenPagedOSFile(path, PageSize, ModeReadWrite)
	require.NoError(t, err)

	id, err := pf.Allocate()
	require.NoError(t, err)
	page := make([]byte, PageSize)
	page[0] = 0xFE
	require.NoError(t, pf.Write(id, page))
	require.NoError(t, pf.Sync())
	require.NoError(t, pf.Close())

	reopened, err := OpenPagedOSFile(path, PageSize, ModeReadWrite)
	require.NoError(t, err)
	got := make([]byte, PageSize)
	require.NoError(t, reopened.Read(0, got))
	assert.Equal(t, byte(0xFE), got[0])
	require.NoError(t, reopened.Close())
}

func TestPagedFile_ReadOnlyRejectsWrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ro"+SuffixPageStore)
	pf, err := OpenPagedOSFile(path, PageSize, ModeReadWrite)
	require.NoError(t, err)
	_, err = pf.Allocate()
	require.NoError(t, err)
	require.NoError(t, pf.Close())

	ro, err := OpenPagedOSFile(path, PageSize, ModeReadOnly)
	require.NoError(t, err)
	require.Error(t, ro.Write(0, make([]byte, PageSize)))
	_, err = ro.Allocate()
	require.Error(t, err)
	require.NoError(t, ro.Close())
}
