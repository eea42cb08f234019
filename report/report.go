// Package report derives operator-facing summaries of cache health from
// the per-dataset aggregate statuses. Reports are recomputed on demand and
// carry the time they were produced.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/dataset-cache/store/cachedb"
)

// Report is the full per-dataset status listing.
type Report struct {
	Reports   []cachedb.DatasetStatus `json:"reports"`
	CreatedAt time.Time               `json:"created_at"`
}

// Stats counts datasets by aggregate status.
type Stats struct {
	Valid     int       `json:"valid"`
	Error     int       `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidList names every dataset whose entries are all valid.
type ValidList struct {
	Valid     []string  `json:"valid"`
	CreatedAt time.Time `json:"created_at"`
}

// Reporter computes reports over the cache store.
type Reporter struct {
	cache *cachedb.DB
	now   func() time.Time
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(r *Reporter) {
		r.now = now
	}
}

// New creates a Reporter over the given cache store.
func New(cache *cachedb.DB, opts ...Option) *Reporter {
	r := &Reporter{
		cache: cache,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report returns the per-dataset status of every dataset in the cache,
// ordered by dataset identifier. Errored datasets carry their first
// recorded error.
func (r *Reporter) Report(ctx context.Context) (*Report, error) {
	statuses, err := r.cache.ListStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing dataset statuses: %w", err)
	}
	return &Report{
		Reports:   statuses,
		CreatedAt: r.now().UTC(),
	}, nil
}

// Stats returns the count of valid and errored datasets.
func (r *Reporter) Stats(ctx context.Context) (*Stats, error) {
	statuses, err := r.cache.ListStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing dataset statuses: %w", err)
	}
	stats := &Stats{CreatedAt: r.now().UTC()}
	for _, s := range statuses {
		if s.Status == cachedb.StatusValid {
			stats.Valid++
		} else {
			stats.Error++
		}
	}
	return stats, nil
}

// ValidList returns the identifiers of fully valid datasets, ordered.
func (r *Reporter) ValidList(ctx context.Context) (*ValidList, error) {
	statuses, err := r.cache.ListStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing dataset statuses: %w", err)
	}
	list := &ValidList{
		Valid:     make([]string, 0, len(statuses)),
		CreatedAt: r.now().UTC(),
	}
	for _, s := range statuses {
		if s.Status == cachedb.StatusValid {
			list.Valid = append(list.Valid, s.Dataset)
		}
	}
	return list, nil
}
