package datasetcache

import (
	"fmt"
	"net/http"
)

// Status codes recognised by the error taxonomy. Dataset-level refresh
// failures are recorded with one of these; anything else is an internal
// fault of the cache itself.
const (
	StatusBadRequest = http.StatusBadRequest
	StatusNotFound   = http.StatusNotFound
	StatusInternal   = http.StatusInternalServerError
)

// ValidStatusCode reports whether code belongs to the taxonomy.
func ValidStatusCode(code int) bool {
	return code == StatusBadRequest || code == StatusNotFound || code == StatusInternal
}

// ErrorRecord is the durable representation of a failed refresh. The
// original external failure is preserved as data: Kind is the taxonomy tag
// (e.g. "Status404Error"), Cause names the underlying failure class
// reported by the extractor and CauseMessage its message, typically a
// failing URL. Cause and CauseMessage are either both set or both empty.
type ErrorRecord struct {
	StatusCode   int    `json:"status_code"`
	Kind         string `json:"exception"`
	Message      string `json:"message"`
	Cause        string `json:"cause,omitempty"`
	CauseMessage string `json:"cause_message,omitempty"`
}

// Validate checks the record against the taxonomy invariants.
func (e ErrorRecord) Validate() error {
	if !ValidStatusCode(e.StatusCode) {
		return fmt.Errorf("status code %d outside taxonomy", e.StatusCode)
	}
	if e.Message == "" {
		return fmt.Errorf("missing error message")
	}
	if (e.Cause == "") != (e.CauseMessage == "") {
		return fmt.Errorf("cause and cause message must be set together")
	}
	return nil
}

func (e ErrorRecord) String() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s (%d): %s, caused by %s: %s",
			e.Kind, e.StatusCode, e.Message, e.Cause, e.CauseMessage)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
}
