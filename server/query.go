package server

import (
	"errors"
	"fmt"
	"net/http"

	datasetcache "github.com/wolfeidau/dataset-cache"
	"github.com/wolfeidau/dataset-cache/store/cachedb"
	"github.com/wolfeidau/dataset-cache/telemetry"
)

// handleConfigs serves the cached config list for a dataset.
func (s *Server) handleConfigs(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "configs")
	dataset := r.URL.Query().Get("dataset")
	if dataset == "" {
		s.missingParam(w, "dataset")
		return
	}
	s.serveEntry(w, r, datasetcache.ConfigsKey(dataset))
}

// handleInfos serves the cached metadata document for one config.
func (s *Server) handleInfos(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "infos")
	dataset := r.URL.Query().Get("dataset")
	config := r.URL.Query().Get("config")
	if dataset == "" || config == "" {
		s.missingParam(w, "dataset, config")
		return
	}
	s.serveEntry(w, r, datasetcache.InfosKey(dataset, config))
}

// handleSplits serves the cached split list for one config.
func (s *Server) handleSplits(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "splits")
	dataset := r.URL.Query().Get("dataset")
	config := r.URL.Query().Get("config")
	if dataset == "" || config == "" {
		s.missingParam(w, "dataset, config")
		return
	}
	s.serveEntry(w, r, datasetcache.SplitsKey(dataset, config))
}

// handleRows serves the cached row sample for one split.
func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "rows")
	dataset := r.URL.Query().Get("dataset")
	config := r.URL.Query().Get("config")
	split := r.URL.Query().Get("split")
	if dataset == "" || config == "" || split == "" {
		s.missingParam(w, "dataset, config, split")
		return
	}
	s.serveEntry(w, r, datasetcache.RowsKey(dataset, config, split))
}

// serveEntry is the shared read path. A missing entry is a 404 distinct
// from a recorded error; recorded errors replay their stored status code;
// valid entries return the payload with an ETag derived from its digest.
func (s *Server) serveEntry(w http.ResponseWriter, r *http.Request, key datasetcache.Key) {
	entry, err := s.cache.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, cachedb.ErrNotFound) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			writeErrorRecord(w, datasetcache.ErrorRecord{
				StatusCode: datasetcache.StatusNotFound,
				Kind:       "Status404Error",
				Message:    "not in cache",
			})
			return
		}
		s.internalError(w, r, err)
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheHit)

	if entry.Status == cachedb.StatusError {
		writeErrorRecord(w, *entry.Error)
		return
	}

	etag := fmt.Sprintf("%q", entry.Digest.String())
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	_, _ = w.Write(entry.Payload)
}

func (s *Server) missingParam(w http.ResponseWriter, params string) {
	writeErrorRecord(w, datasetcache.ErrorRecord{
		StatusCode: datasetcache.StatusBadRequest,
		Kind:       "Status400Error",
		Message:    "missing required query parameter: " + params,
	})
}
