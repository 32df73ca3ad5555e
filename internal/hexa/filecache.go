package hexa

import (
	"fmt"
	"io"
	"sync"

	"github.com/hexadb/hexa/pkg/lirs"
	"go.uber.org/zap"
)

const (
	// CacheBlockSize is the aligned unit of the read cache.
	CacheBlockSize = 4096

	// DefaultCacheSize bounds the primary tier at 1 MiB (256 blocks).
	DefaultCacheSize = 1 << 20

	// secondaryTierBlocks bounds the second chance tier.
	secondaryTierBlocks = 64
)

// CachedFile is a read-through block cache layered over a DBFile. Reads of
// aligned 4 KiB blocks populate the cache; any write or truncate through
// the wrapper evicts intersecting blocks before touching the file, so a
// reader that misses the cache always sees post-write contents.
//
// The cache is two tiered: the primary tier evicts with LIRS, evicted
// blocks drop into a bounded FIFO secondary tier where they remain until
// re-promotion, displacement or an explicit memory pressure signal.
type CachedFile struct {
	file    DBFile
	primary *lirs.Cache[int64]

	secondary      map[int64][]byte
	secondaryOrder []int64

	logger *zap.Logger

	// serializes every method that inspects or mutates cache state
	mu sync.Mutex
}

// NewCachedFile wraps file with a block cache of the given byte capacity
// (DefaultCacheSize when zero or negative).
func NewCachedFile(logger *zap.Logger, file DBFile, cacheSize int) *CachedFile {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	blocks := cacheSize / CacheBlockSize
	c := &CachedFile{
		file:      file,
		secondary: make(map[int64][]byte),
		logger:    logger,
	}
	c.primary = lirs.New[int64](blocks, c.demote)
	return c
}

// demote runs under c.mu (all primary mutations happen inside locked
// methods) and moves an evicted block into the secondary tier.
func (c *CachedFile) demote(aligned int64, block any) {
	if len(c.secondaryOrder) >= secondaryTierBlocks {
		oldest := c.secondaryOrder[0]
		c.secondaryOrder = c.secondaryOrder[1:]
		delete(c.secondary, oldest)
	}
	c.secondary[aligned] = block.([]byte)
	c.secondaryOrder = append(c.secondaryOrder, aligned)
}

func (c *CachedFile) lookup(aligned int64) ([]byte, bool) {
	if block, ok := c.primary.Get(aligned); ok {
		return block.([]byte), true
	}
	if block, ok := c.secondary[aligned]; ok {
		// Promote back into the primary tier.
		c.removeSecondary(aligned)
		c.primary.Put(aligned, block)
		return block, true
	}
	return nil, false
}

func (c *CachedFile) removeSecondary(aligned int64) {
	if _, ok := c.secondary[aligned]; !ok {
		return
	}
	delete(c.secondary, aligned)
	for i, a := range c.secondaryOrder {
		if a == aligned {
			c.secondaryOrder = append(c.secondaryOrder[:i], c.secondaryOrder[i+1:]...)
			break
		}
	}
}

// ReadAt implements io.ReaderAt through the cache. Each 4 KiB aligned
// block is served from cache when present; otherwise one full block is
// read from the file and cached. Short blocks at EOF are served but not
// cached.
func (c *CachedFile) ReadAt(dst []byte, pos int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	read := 0
	for read < len(dst) {
		n, err := c.readBlock(dst[read:], pos+int64(read))
		read += n
		if err != nil {
			return read, err
		}
		if n == 0 {
			return read, io.EOF
		}
	}
	return read, nil
}

// readBlock copies from at most one cached block starting at pos.
func (c *CachedFile) readBlock(dst []byte, pos int64) (int, error) {
	aligned := pos - pos%CacheBlockSize
	off := int(pos - aligned)

	if block, ok := c.lookup(aligned); ok {
		n := copy(dst, block[off:])
		return n, nil
	}

	block := make([]byte, CacheBlockSize)
	filled := 0
	for filled < CacheBlockSize {
		n, err := c.file.ReadAt(block[filled:], aligned+int64(filled))
		filled += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if filled <= off {
		return 0, io.EOF
	}
	if filled == CacheBlockSize {
		// Only full blocks are cached; a short read near EOF could
		// otherwise mask bytes appended later.
		c.primary.Put(aligned, block)
	}
	n := copy(dst, block[off:filled])
	return n, nil
}

// WriteAt evicts every cached block intersecting the written range, then
// delegates to the file. Eviction strictly precedes the write.
func (c *CachedFile) WriteAt(src []byte, pos int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := pos - pos%CacheBlockSize
	last := pos + int64(len(src)) - 1
	last -= last % CacheBlockSize
	for aligned := first; aligned <= last; aligned += CacheBlockSize {
		c.primary.Remove(aligned)
		c.removeSecondary(aligned)
	}

	return c.file.WriteAt(src, pos)
}

// Truncate clears the whole cache, then delegates.
func (c *CachedFile) Truncate(size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.primary.Clear()
	c.secondary = make(map[int64][]byte)
	c.secondaryOrder = c.secondaryOrder[:0]

	type truncater interface {
		Truncate(int64) error
	}
	t, ok := c.file.(truncater)
	if !ok {
		return fmt.Errorf("backing file does not support truncate")
	}
	return t.Truncate(size)
}

// ReleaseMemory drops the secondary tier in response to memory pressure.
func (c *CachedFile) ReleaseMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logger != nil && len(c.secondary) > 0 {
		c.logger.Debug("releasing secondary cache tier", zap.Int("blocks", len(c.secondary)))
	}
	c.secondary = make(map[int64][]byte)
	c.secondaryOrder = c.secondaryOrder[:0]
}

func (c *CachedFile) Read(p []byte) (int, error) {
	return c.file.Read(p)
}

func (c *CachedFile) Seek(offset int64, whence int) (int64, error) {
	return c.file.Seek(offset, whence)
}

func (c *CachedFile) Sync() error {
	return c.file.Sync()
}

func (c *CachedFile) Close() error {
	c.mu.Lock()
	c.primary.Clear()
	c.secondary = nil
	c.secondaryOrder = nil
	c.mu.Unlock()
	return c.file.Close()
}
