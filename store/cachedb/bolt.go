package cachedb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	datasetcache "github.com/wolfeidau/dataset-cache"
)

var bucketEntries = []byte("entries")

// DB is the bbolt-backed cache store. Writes are full-entry replacements
// inside a single transaction, so readers never observe a partial write.
type DB struct {
	db     *bbolt.DB
	codec  *codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Testing and benchmarking only.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates an unopened cache store.
func New(opts ...Option) *DB {
	d := &DB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at the given path.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening cache database: %w", err)
	}
	d.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating entries bucket: %w", err)
	}

	c, err := newCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating payload codec: %w", err)
	}
	d.codec = c

	d.logger.Debug("opened cache database", "path", path, "noSync", d.noSync)
	return nil
}

// Close closes the database and releases codec resources.
func (d *DB) Close() error {
	if d.codec != nil {
		d.codec.Close()
		d.codec = nil
	}
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing cache database")
	return d.db.Close()
}

// storedEntry is the on-disk representation of a cache entry. Payload is
// held in its stored encoding; the digest covers the decoded bytes.
type storedEntry struct {
	Status    Status                    `json:"status"`
	Encoding  string                    `json:"encoding,omitempty"`
	Payload   []byte                    `json:"payload,omitempty"`
	Digest    datasetcache.Digest       `json:"digest,omitempty"`
	Error     *datasetcache.ErrorRecord `json:"error,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Put atomically replaces any existing entry for key with the outcome of a
// refresh attempt. CreatedAt is preserved when the key already exists.
func (d *DB) Put(_ context.Context, key datasetcache.Key, outcome Outcome) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("invalid cache key: %w", err)
	}
	if outcome.err != nil {
		if err := outcome.err.Validate(); err != nil {
			return fmt.Errorf("invalid error record: %w", err)
		}
	}

	stored := storedEntry{UpdatedAt: d.now().UTC()}
	if outcome.err != nil {
		stored.Status = StatusError
		stored.Error = outcome.err
	} else {
		stored.Status = StatusValid
		payload, encoding, digest, err := d.codec.encode(outcome.payload)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		stored.Encoding = encoding
		stored.Payload = payload
		stored.Digest = digest
	}

	return d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		encoded := key.Encode()

		stored.CreatedAt = stored.UpdatedAt
		if prev := bucket.Get(encoded); prev != nil {
			var old storedEntry
			if err := json.Unmarshal(prev, &old); err == nil && !old.CreatedAt.IsZero() {
				stored.CreatedAt = old.CreatedAt
			}
		}

		value, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		return bucket.Put(encoded, value)
	})
}

// Get retrieves the entry for key. Returns ErrNotFound when the resource
// has not been processed yet.
func (d *DB) Get(_ context.Context, key datasetcache.Key) (*Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache key: %w", err)
	}

	var stored storedEntry
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get(key.Encode())
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &stored)
	})
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Key:       key,
		Status:    stored.Status,
		Digest:    stored.Digest,
		Error:     stored.Error,
		CreatedAt: stored.CreatedAt,
		UpdatedAt: stored.UpdatedAt,
	}
	if stored.Status == StatusValid {
		payload, err := d.codec.decode(stored.Payload, stored.Encoding, stored.Digest)
		if err != nil {
			return nil, fmt.Errorf("decoding payload for %s: %w", key, err)
		}
		entry.Payload = payload
	}
	return entry, nil
}

// Remove deletes every entry for the dataset across all resource kinds,
// configs and splits. Removing an unknown dataset is not an error.
func (d *DB) Remove(_ context.Context, dataset string) error {
	prefix := datasetcache.DatasetPrefix(dataset)
	return d.db.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("deleting entry: %w", err)
			}
		}
		return nil
	})
}

// ListStatuses folds the store into one record per dataset. A dataset is
// valid only if every stored entry for it is valid; the first recorded
// error in key order is surfaced otherwise. Entries for one dataset are
// contiguous because store keys lead with the dataset identifier.
func (d *DB) ListStatuses(_ context.Context) ([]DatasetStatus, error) {
	var statuses []DatasetStatus
	err := d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		var current *DatasetStatus
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			key, err := datasetcache.ParseKey(k)
			if err != nil {
				return err
			}
			if current == nil || current.Dataset != key.Dataset {
				statuses = append(statuses, DatasetStatus{Dataset: key.Dataset, Status: StatusValid})
				current = &statuses[len(statuses)-1]
			}
			if current.Status == StatusError {
				continue
			}
			var stored storedEntry
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("unmarshaling entry %s: %w", key, err)
			}
			if stored.Status == StatusError {
				current.Status = StatusError
				current.Error = stored.Error
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// Datasets returns the set of dataset identifiers with at least one entry.
func (d *DB) Datasets(_ context.Context) (map[string]struct{}, error) {
	datasets := make(map[string]struct{})
	err := d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			key, err := datasetcache.ParseKey(k)
			if err != nil {
				return err
			}
			datasets[key.Dataset] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return datasets, nil
}

// Len returns the number of stored entries.
func (d *DB) Len(_ context.Context) (int, error) {
	var n int
	err := d.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}
