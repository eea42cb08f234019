package jobqueue

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketJobs = []byte("jobs") // dataset -> Job JSON

	// FIFO index over unclaimed jobs.
	bucketPendingByTime    = []byte("pending_by_time")    // timestamp+dataset -> dataset
	bucketPendingByDataset = []byte("pending_by_dataset") // dataset -> 8-byte timestamp (reverse index for O(1) delete)

	// Expiry index over claimed jobs, ordered by claim time.
	bucketClaimsByTime    = []byte("claims_by_time")    // timestamp+dataset -> dataset
	bucketClaimsByDataset = []byte("claims_by_dataset") // dataset -> 8-byte timestamp
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so lexicographic ordering matches time ordering. Offset by
// math.MinInt64 to keep pre-1970 values ordered.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeTimeKey creates a key for a time-ordered index.
// Format: [8-byte timestamp][dataset]
func makeTimeKey(t time.Time, dataset string) []byte {
	ts := encodeTimestamp(t)
	key := make([]byte, 8+len(dataset))
	copy(key[:8], ts)
	copy(key[8:], dataset)
	return key
}
