// Package cachedb provides the durable cache store for dataset resources,
// backed by bbolt. Every entry records either a successful payload or an
// error with its causal chain, together with creation and update times.
package cachedb

import (
	"encoding/json"
	"errors"
	"time"

	datasetcache "github.com/wolfeidau/dataset-cache"
)

// ErrNotFound is returned when an entry does not exist. Not-found is a
// normal outcome for a dataset that has not been processed yet, distinct
// from a stored error status.
var ErrNotFound = errors.New("cachedb: not found")

// Status of a cache entry.
type Status string

const (
	// StatusValid marks an entry holding a successful payload.
	StatusValid Status = "valid"

	// StatusError marks an entry holding a recorded refresh failure.
	StatusError Status = "error"
)

// Entry is one cached resource. Exactly one of Payload and Error is set,
// matching Status. UpdatedAt never decreases; CreatedAt is preserved
// across overwrites.
type Entry struct {
	Key       datasetcache.Key          `json:"-"`
	Status    Status                    `json:"status"`
	Payload   json.RawMessage           `json:"payload,omitempty"`
	Digest    datasetcache.Digest       `json:"digest,omitempty"`
	Error     *datasetcache.ErrorRecord `json:"error,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Outcome is the result of a refresh attempt, ready to be stored.
type Outcome struct {
	payload json.RawMessage
	err     *datasetcache.ErrorRecord
}

// ValidOutcome wraps a successful payload.
func ValidOutcome(payload json.RawMessage) Outcome {
	return Outcome{payload: payload}
}

// ErrorOutcome wraps a recorded refresh failure.
func ErrorOutcome(rec datasetcache.ErrorRecord) Outcome {
	return Outcome{err: &rec}
}

// IsError reports whether the outcome records a failure.
func (o Outcome) IsError() bool { return o.err != nil }

// DatasetStatus is the per-dataset aggregate used by the reporter: a
// dataset is valid only if every stored entry for it is valid.
type DatasetStatus struct {
	Dataset string                    `json:"dataset"`
	Status  Status                    `json:"status"`
	Error   *datasetcache.ErrorRecord `json:"error,omitempty"`
}
