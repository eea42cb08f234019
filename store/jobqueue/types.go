// Package jobqueue provides the durable refresh job queue, backed by
// bbolt. The queue holds at most one job per dataset, serves jobs oldest
// first, and hands each job to exactly one claimant at a time. Claims
// expire after a timeout so a crashed worker cannot strand a job forever.
package jobqueue

import (
	"errors"
	"time"
)

var (
	// ErrEmpty is returned by Dequeue when no job is claimable.
	ErrEmpty = errors.New("jobqueue: no claimable job")

	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("jobqueue: job not found")
)

// Source records which external event enqueued a job.
type Source string

const (
	SourceWebhookAdd    Source = "webhook-add"
	SourceWebhookUpdate Source = "webhook-update"
	SourceWarm          Source = "warm"
	SourceRefresh       Source = "refresh"
)

// Valid reports whether s is a known job source.
func (s Source) Valid() bool {
	switch s {
	case SourceWebhookAdd, SourceWebhookUpdate, SourceWarm, SourceRefresh:
		return true
	}
	return false
}

// Job is one pending or in-flight refresh. A job is uniquely identified by
// its dataset; ClaimedBy and ClaimedAt are set while a worker holds it.
type Job struct {
	Dataset    string    `json:"dataset"`
	Source     Source    `json:"source"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ClaimedBy  string    `json:"claimed_by,omitempty"`
	ClaimedAt  time.Time `json:"claimed_at,omitzero"`
}

// Claimed reports whether the job is currently held by a worker.
func (j Job) Claimed() bool {
	return j.ClaimedBy != ""
}
