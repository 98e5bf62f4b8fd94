package conversation

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressionType represents the compression algorithm used
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionZstd CompressionType = "zstd"
)

// compressThreshold is the content size above which turns are compressed
const compressThreshold = 1024

// Compressor handles compression/decompression of stored turn content
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() CompressionType
}

// NoopCompressor is a compressor that does nothing
type NoopCompressor struct{}

func (c *NoopCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoopCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoopCompressor) Type() CompressionType {
	return CompressionNone
}

// ZstdCompressor compresses with zstd. Safe for concurrent use.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor creates a zstd compressor
func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() CompressionType {
	return CompressionZstd
}

// Close releases the encoder and decoder
func (c *ZstdCompressor) Close() {
	c.enc.Close()
	c.dec.Close()
}
