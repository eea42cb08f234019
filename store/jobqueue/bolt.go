package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// DefaultClaimTTL bounds the crash window: a job claimed this long ago is
// considered stale and becomes claimable again.
const DefaultClaimTTL = 15 * time.Minute

// Queue is the bbolt-backed job queue. Every operation runs in a single
// bbolt transaction; bbolt serializes writers, so the claim made by
// Dequeue is a linearizable conditional update.
type Queue struct {
	db       *bbolt.DB
	logger   *slog.Logger
	now      func() time.Time
	claimTTL time.Duration
	noSync   bool
}

// Option configures a Queue instance.
type Option func(*Queue)

// WithLogger sets the logger for the queue.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithClaimTTL sets how long a claim holds before the job becomes
// claimable again.
func WithClaimTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		q.claimTTL = ttl
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Testing and benchmarking only.
func WithNoSync(noSync bool) Option {
	return func(q *Queue) {
		q.noSync = noSync
	}
}

// New creates an unopened queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		logger:   slog.Default(),
		now:      time.Now,
		claimTTL: DefaultClaimTTL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Open opens the database at the given path.
func (q *Queue) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  q.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening queue database: %w", err)
	}
	q.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketPendingByTime,
			bucketPendingByDataset,
			bucketClaimsByTime,
			bucketClaimsByDataset,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return err
	}

	q.logger.Debug("opened queue database", "path", path, "claimTTL", q.claimTTL)
	return nil
}

// Close closes the database.
func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	q.logger.Debug("closing queue database")
	return q.db.Close()
}

// Enqueue inserts a job for the dataset if none exists. An existing
// unclaimed job has its enqueue time and source refreshed in place; an
// existing claimed job is left untouched. The queue never holds two jobs
// for one dataset.
func (q *Queue) Enqueue(_ context.Context, dataset string, source Source) error {
	if dataset == "" {
		return fmt.Errorf("missing dataset identifier")
	}
	if !source.Valid() {
		return fmt.Errorf("unknown job source %q", source)
	}

	now := q.now().UTC()
	return q.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		key := []byte(dataset)

		if prev := jobs.Get(key); prev != nil {
			var existing Job
			if err := json.Unmarshal(prev, &existing); err != nil {
				return fmt.Errorf("unmarshaling job %s: %w", dataset, err)
			}
			if existing.Claimed() {
				// The in-flight attempt will observe current hub state.
				return nil
			}
			if err := removePendingIndex(tx, dataset); err != nil {
				return err
			}
			existing.EnqueuedAt = now
			existing.Source = source
			return putJob(tx, existing, now)
		}

		job := Job{Dataset: dataset, Source: source, EnqueuedAt: now}
		return putJob(tx, job, now)
	})
}

// Dequeue claims and returns the oldest unclaimed job, or the oldest job
// whose claim has expired. Returns ErrEmpty when nothing is claimable.
// At most one concurrent caller receives any given job.
func (q *Queue) Dequeue(_ context.Context, workerID string) (*Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("missing worker identifier")
	}

	now := q.now().UTC()
	var claimed *Job
	err := q.db.Update(func(tx *bbolt.Tx) error {
		// Oldest unclaimed job first.
		cursor := tx.Bucket(bucketPendingByTime).Cursor()
		if _, v := cursor.First(); v != nil {
			job, err := claimJob(tx, string(v), workerID, now)
			if err != nil {
				return err
			}
			claimed = job
			return nil
		}

		// Fall back to the oldest expired claim.
		cursor = tx.Bucket(bucketClaimsByTime).Cursor()
		k, v := cursor.First()
		if v == nil || decodeTimestamp(k).Add(q.claimTTL).After(now) {
			return ErrEmpty
		}
		job, err := claimJob(tx, string(v), workerID, now)
		if err != nil {
			return err
		}
		q.logger.Warn("reclaimed stale job",
			"dataset", job.Dataset,
			"previous_claim", decodeTimestamp(k),
			"worker_id", workerID,
		)
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete removes the job entirely. Called after a refresh attempt
// regardless of outcome; completing an unknown dataset is not an error.
func (q *Queue) Complete(_ context.Context, dataset string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return deleteJob(tx, dataset)
	})
}

// Remove deletes any pending or claimed job for the dataset without
// processing it. Idempotent.
func (q *Queue) Remove(_ context.Context, dataset string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return deleteJob(tx, dataset)
	})
}

// Get returns the job for a dataset, or ErrNotFound.
func (q *Queue) Get(_ context.Context, dataset string) (*Job, error) {
	var job Job
	err := q.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketJobs).Get([]byte(dataset))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Size returns the number of jobs, pending and claimed.
func (q *Queue) Size(_ context.Context) (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketJobs).Stats().KeyN
		return nil
	})
	return n, err
}

// IsEmpty reports whether the queue holds no jobs.
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.Size(ctx)
	return n == 0, err
}

// putJob stores the job and maintains the index for its claim state.
func putJob(tx *bbolt.Tx, job Job, indexedAt time.Time) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.Dataset, err)
	}
	if err := tx.Bucket(bucketJobs).Put([]byte(job.Dataset), value); err != nil {
		return fmt.Errorf("putting job %s: %w", job.Dataset, err)
	}

	byTime, byDataset := bucketPendingByTime, bucketPendingByDataset
	if job.Claimed() {
		byTime, byDataset = bucketClaimsByTime, bucketClaimsByDataset
	}
	timeKey := makeTimeKey(indexedAt, job.Dataset)
	if err := tx.Bucket(byTime).Put(timeKey, []byte(job.Dataset)); err != nil {
		return fmt.Errorf("indexing job %s: %w", job.Dataset, err)
	}
	if err := tx.Bucket(byDataset).Put([]byte(job.Dataset), encodeTimestamp(indexedAt)); err != nil {
		return fmt.Errorf("indexing job %s: %w", job.Dataset, err)
	}
	return nil
}

// claimJob marks the job as held by workerID, moving it from the pending
// index to the claims index.
func claimJob(tx *bbolt.Tx, dataset, workerID string, now time.Time) (*Job, error) {
	val := tx.Bucket(bucketJobs).Get([]byte(dataset))
	if val == nil {
		return nil, fmt.Errorf("indexed job %s missing from jobs bucket", dataset)
	}
	var job Job
	if err := json.Unmarshal(val, &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job %s: %w", dataset, err)
	}

	if err := removePendingIndex(tx, dataset); err != nil {
		return nil, err
	}
	if err := removeClaimsIndex(tx, dataset); err != nil {
		return nil, err
	}

	job.ClaimedBy = workerID
	job.ClaimedAt = now
	if err := putJob(tx, job, now); err != nil {
		return nil, err
	}
	return &job, nil
}

func deleteJob(tx *bbolt.Tx, dataset string) error {
	if err := removePendingIndex(tx, dataset); err != nil {
		return err
	}
	if err := removeClaimsIndex(tx, dataset); err != nil {
		return err
	}
	if err := tx.Bucket(bucketJobs).Delete([]byte(dataset)); err != nil {
		return fmt.Errorf("deleting job %s: %w", dataset, err)
	}
	return nil
}

// removePendingIndex drops the pending index entries for a dataset via the
// reverse index, so the delete is O(1) rather than a scan.
func removePendingIndex(tx *bbolt.Tx, dataset string) error {
	return removeIndex(tx, bucketPendingByTime, bucketPendingByDataset, dataset)
}

func removeClaimsIndex(tx *bbolt.Tx, dataset string) error {
	return removeIndex(tx, bucketClaimsByTime, bucketClaimsByDataset, dataset)
}

func removeIndex(tx *bbolt.Tx, byTime, byDataset []byte, dataset string) error {
	reverse := tx.Bucket(byDataset)
	tsBytes := reverse.Get([]byte(dataset))
	if tsBytes == nil {
		return nil
	}
	timeKey := makeTimeKey(decodeTimestamp(tsBytes), dataset)
	if err := tx.Bucket(byTime).Delete(timeKey); err != nil {
		return fmt.Errorf("deleting time index for %s: %w", dataset, err)
	}
	if err := reverse.Delete([]byte(dataset)); err != nil {
		return fmt.Errorf("deleting reverse index for %s: %w", dataset, err)
	}
	return nil
}
