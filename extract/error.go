package extract

import (
	"errors"
	"fmt"

	datasetcache "github.com/wolfeidau/dataset-cache"
)

// Error is a typed extraction failure. The cause of the failure is carried
// as data rather than a wrapped error value so it survives storage and
// transport unchanged.
type Error struct {
	StatusCode   int
	Kind         string
	Message      string
	Cause        string
	CauseMessage string
}

func (e *Error) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s: %s (caused by %s: %s)", e.Kind, e.Message, e.Cause, e.CauseMessage)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewBadRequest reports a dataset whose definition is malformed or
// unsupported by the hub.
func NewBadRequest(message string) *Error {
	return &Error{
		StatusCode: datasetcache.StatusBadRequest,
		Kind:       "Status400Error",
		Message:    message,
	}
}

// NewNotFound reports a dataset, config or split that does not exist.
func NewNotFound(message string) *Error {
	return &Error{
		StatusCode: datasetcache.StatusNotFound,
		Kind:       "Status404Error",
		Message:    message,
	}
}

// NewInternal reports an unexpected extraction failure.
func NewInternal(message string) *Error {
	return &Error{
		StatusCode: datasetcache.StatusInternal,
		Kind:       "Status500Error",
		Message:    message,
	}
}

// WithCause attaches the underlying failure class and its message.
func (e *Error) WithCause(cause, causeMessage string) *Error {
	e.Cause = cause
	e.CauseMessage = causeMessage
	return e
}

// Record converts the error into its durable cache representation.
func (e *Error) Record() datasetcache.ErrorRecord {
	return datasetcache.ErrorRecord{
		StatusCode:   e.StatusCode,
		Kind:         e.Kind,
		Message:      e.Message,
		Cause:        e.Cause,
		CauseMessage: e.CauseMessage,
	}
}

// AsRecord classifies any error returned by an extractor. Typed errors
// keep their status code and causal chain; anything else is wrapped as an
// internal failure so the pipeline never records an untagged error.
func AsRecord(err error) datasetcache.ErrorRecord {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Record()
	}
	return datasetcache.ErrorRecord{
		StatusCode: datasetcache.StatusInternal,
		Kind:       "Status500Error",
		Message:    err.Error(),
	}
}
