package hexa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCachedFile(t *testing.T, size int64) (*CachedFile, DBFile) {
	t.Helper()
	backing := NewMemFile()
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, err := backing.WriteAt(payload, 0)
	require.NoError(t, err)
	return NewCachedFile(zap.NewNop(), backing, DefaultCacheSize), backing
}

func TestCachedFile_ReadThrough(t *testing.T) {
	t.Parallel()

	cached, _ := newTestCachedFile(t, 3*CacheBlockSize)

	buf := make([]byte, CacheBlockSize)
	n, err := cached.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, CacheBlockSize, n)
	for i := 0; i < CacheBlockSize; i++ {
		require.Equal(t, byte(i%251), buf[i])
	}

	// Unaligned read spanning two blocks.
	buf = make([]byte, 100)
	n, err = cached.ReadAt(buf, CacheBlockSize-50)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	for i := 0; i < 100; i++ {
		want := byte((CacheBlockSize - 50 + i) % 251)
		require.Equal(t, want, buf[i])
	}
}

// Writing through the cache must evict the affected block before the
// write, so a subsequent read sees the new bytes.
func TestCachedFile_WriteInvalidatesBlock(t *testing.T) {
	t.Parallel()

	cached, backing := newTestCachedFile(t, 2*CacheBlockSize)

	// Populate the cache with block 0.
	buf := make([]byte, CacheBlockSize)
	_, err := cached.ReadAt(buf, 0)
	require.NoError(t, err)

	// Write 4 bytes at the start through the cache.
	_, err = cached.WriteAt([]byte{0xAA, 0xBB, 0xCC, 0xDD}, 0)
	require.NoError(t, err)

	// The read must return the new bytes.
	got := make([]byte, 4)
	_, err = cached.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, got)

	// And the underlying file saw the write (evict-then-write ordering
	// means the cache never masks the file).
	raw := make([]byte, 4)
	_, err = backing.ReadAt(raw, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, raw)
}

// Cache coherence: after a write through the cache, every byte of the
// written range reads back regardless of prior cache state.
func TestCachedFile_CoherenceAfterWrite(t *testing.T) {
	t.Parallel()

	cached, _ := newTestCachedFile(t, 4*CacheBlockSize)

	// Warm several blocks.
	warm := make([]byte, 3*CacheBlockSize)
	_, err := cached.ReadAt(warm, 0)
	require.NoError(t, err)

	src := make([]byte, 2*CacheBlockSize)
	for i := range src {
		src[i] = byte(255 - i%200)
	}
	pos := int64(CacheBlockSize / 2)
	_, err = cached.WriteAt(src, pos)
	require.NoError(t, err)

	for i := 0; i < len(src); i++ {
		got := make([]byte, 1)
		_, err := cached.ReadAt(got, pos+int64(i))
		require.NoError(t, err)
		require.Equal(t, src[i], got[0], "byte %d", i)
	}
}

func TestCachedFile_TruncateClearsCache(t *testing.T) {
	t.Parallel()

	cached, _ := newTestCachedFile(t, 2*CacheBlockSize)

	buf := make([]byte, CacheBlockSize)
	_, err := cached.ReadAt(buf, CacheBlockSize)
	require.NoError(t, err)

	require.NoError(t, cached.Truncate(CacheBlockSize))

	// Reads past the new end hit the file, not a stale cached block.
	_, err = cached.ReadAt(buf, CacheBlockSize)
	assert.Error(t, err)
}

func TestCachedFile_ShortBlockNotCached(t *testing.T) {
	t.Parallel()

	backing := NewMemFile()
	_, err := backing.WriteAt([]byte("short"), 0)
	require.NoError(t, err)
	cached := NewCachedFile(zap.NewNop(), backing, DefaultCacheSize)

	buf := make([]byte, 5)
	_, err = cached.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), buf)

	// Append bytes directly to the file; a cached short block would mask
	// them.
	_, err = backing.WriteAt([]byte("er"), 5)
	require.NoError(t, err)

	buf = make([]byte, 7)
	_, err = cached.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("shorter"), buf)
}

func TestCachedFile_ReleaseMemoryDropsSecondTier(t *testing.T) {
	t.Parallel()

	backing := NewMemFile()
	payload := make([]byte, 64*CacheBlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := backing.WriteAt(payload, 0)
	require.NoError(t, err)

	// Tiny primary tier forces evictions into the secondary tier.
	cached := NewCachedFile(zap.NewNop(), backing, 4*CacheBlockSize)
	buf := make([]byte, CacheBlockSize)
	for i := int64(0); i < 16; i++ {
		_, err := cached.ReadAt(buf, i*CacheBlockSize)
		require.NoError(t, err)
	}

	cached.ReleaseMemory()

	// Everything still reads correctly after dropping the tier.
	for i := int64(0); i < 16; i++ {
		_, err := cached.ReadAt(buf, i*CacheBlockSize)
		require.NoError(t, err)
		assert.Equal(t, byte(i*CacheBlockSize), buf[0])
	}
}
