package server

import (
	"context"
	"encoding/json"
	"net/http"

	datasetcache "github.com/wolfeidau/dataset-cache"
	"github.com/wolfeidau/dataset-cache/telemetry"
)

// webhookPayload is the event body sent by the dataset hub. At most one
// field may be set, each naming a full dataset identifier. Pointer fields
// distinguish an absent key from a present-but-empty identifier.
type webhookPayload struct {
	Add    *string `json:"add"`
	Update *string `json:"update"`
	Remove *string `json:"remove"`
}

// dataset returns the named dataset and the number of fields present. An
// empty identifier still counts as present; callers reject it.
func (p webhookPayload) dataset() (string, int) {
	var dataset string
	count := 0
	for _, v := range []*string{p.Add, p.Update, p.Remove} {
		if v != nil {
			dataset = *v
			count++
		}
	}
	return dataset, count
}

// handleWebhook handles change events from the dataset hub. Add and update
// refresh the dataset inline so the caller gets an immediate outcome;
// remove drops the pending job and cascades the cache delete. Validation
// failures touch neither store.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "webhook")

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var payload webhookPayload
	if err := dec.Decode(&payload); err != nil {
		writeErrorRecord(w, datasetcache.ErrorRecord{
			StatusCode: datasetcache.StatusBadRequest,
			Kind:       "Status400Error",
			Message:    "malformed webhook payload",
		})
		return
	}

	dataset, count := payload.dataset()
	if count > 1 {
		writeErrorRecord(w, datasetcache.ErrorRecord{
			StatusCode: datasetcache.StatusBadRequest,
			Kind:       "Status400Error",
			Message:    "at most one of add, update and remove may be set",
		})
		return
	}
	if count == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if dataset == "" {
		writeErrorRecord(w, datasetcache.ErrorRecord{
			StatusCode: datasetcache.StatusBadRequest,
			Kind:       "Status400Error",
			Message:    "missing dataset identifier",
		})
		return
	}

	// A client disconnect must not abort the mutation partway through, so
	// the handler runs detached from the request's cancellation.
	ctx := context.WithoutCancel(r.Context())

	if payload.Remove != nil {
		if err := s.queue.Remove(ctx, dataset); err != nil {
			s.internalError(w, r, err)
			return
		}
		if err := s.cache.Remove(ctx, dataset); err != nil {
			s.internalError(w, r, err)
			return
		}
		s.logger.Info("dataset removed", "dataset", dataset)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	// Add and update refresh inline. The origin system wants an immediate
	// success or failure signal, not an enqueue acknowledgement.
	result, err := s.runner.RefreshDataset(ctx, dataset)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	// Any pending job for the dataset is now stale.
	if err := s.queue.Remove(ctx, dataset); err != nil {
		s.internalError(w, r, err)
		return
	}

	if result.FirstError != nil {
		writeErrorRecord(w, *result.FirstError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
