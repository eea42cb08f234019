package datasetcache

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes (256 bits).
const DigestSize = 32

// Digest is a BLAKE3 digest of a stored payload. It is kept alongside the
// payload so reads can detect corruption, and doubles as the ETag on the
// cached query path.
type Digest [DigestSize]byte

// DigestOf computes the digest of data.
func DigestOf(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// String returns the hex-encoded representation of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero returns true if the digest is all zeros (uninitialized).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = Digest{}
		return nil
	}
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid digest encoding: %w", err)
	}
	if len(decoded) != DigestSize {
		return fmt.Errorf("invalid digest length %d", len(decoded))
	}
	copy(d[:], decoded)
	return nil
}
