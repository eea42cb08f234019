package cachedb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	datasetcache "github.com/wolfeidau/dataset-cache"
)

const (
	// CompressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	// Row samples are bounded by the extraction limit, so anything larger
	// indicates a misbehaving dataset.
	MaxPayloadSize = 10 * 1024 * 1024

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// payload encodings as stored on disk.
const (
	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

// codec compresses cache payloads when beneficial and verifies digests on
// the way out. Encoder and decoder are goroutine-safe and reused.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode compresses data if beneficial and returns the stored bytes, the
// encoding tag and the digest of the original payload.
func (c *codec) encode(data []byte) ([]byte, string, datasetcache.Digest, error) {
	if len(data) > MaxPayloadSize {
		return nil, "", datasetcache.Digest{}, ErrPayloadTooLarge
	}

	digest := datasetcache.DigestOf(data)

	if len(data) < CompressionThreshold {
		return data, encodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, encodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, encodingIdentity, digest, nil
	}
	return compressed, encodingZstd, digest, nil
}

// decode reverses encode and verifies the payload digest.
func (c *codec) decode(stored []byte, encoding string, digest datasetcache.Digest) ([]byte, error) {
	var data []byte
	switch encoding {
	case encodingIdentity, "":
		data = stored
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("codec closed")
		}
		out, err := dec.DecodeAll(stored, make([]byte, 0, len(stored)*4))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(out) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		data = out
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}

	if !digest.IsZero() && datasetcache.DigestOf(data) != digest {
		return nil, ErrCorrupted
	}
	return data, nil
}
