package hexa

import (
	"fmt"

	"github.com/golang/snappy"
)

// Compression algorithm names accepted by the default tool. The algorithm
// is never embedded in stream records; callers must pass the same name on
// read and write.
const (
	CompressionNone   = "NO"
	CompressionSnappy = "SNAPPY"
)

// CompressTool compresses and expands stream record payloads.
type CompressTool interface {
	Compress(src []byte, algo string) ([]byte, error)
	// Expand decompresses src into dst starting at off. dst must have
	// capacity for the full uncompressed payload.
	Expand(src, dst []byte, off int) error
}

type compressTool struct{}

// NewCompressTool returns the snappy backed default tool.
func NewCompressTool() CompressTool {
	return compressTool{}
}

func (compressTool) Compress(src []byte, algo string) ([]byte, error) {
	switch algo {
	case CompressionNone, "":
		return src, nil
	case CompressionSnappy:
		return snappy.Encode(nil, src), nil
	default:
		return nil, newDbError(UnsupportedSetting, "compression algorithm %q", algo)
	}
}

func (compressTool) Expand(src, dst []byte, off int) error {
	decoded, err := snappy.Decode(nil, src)
	if err != nil {
		return wrapDbError(FileCorrupted, err, "expand compressed record")
	}
	if len(dst)-off < len(decoded) {
		return fmt.Errorf("expand target too small: %d bytes for %d", len(dst)-off, len(decoded))
	}
	copy(dst[off:], decoded)
	return nil
}
