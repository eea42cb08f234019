// Package refresh implements the refresh pipeline that keeps the cache in
// step with the dataset hub: a runner that extracts every resource kind of
// one dataset, the admission-controlled worker loop that drains the job
// queue, and the bulk enqueuer behind warm and refresh sweeps.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	datasetcache "github.com/wolfeidau/dataset-cache"
	"github.com/wolfeidau/dataset-cache/extract"
	"github.com/wolfeidau/dataset-cache/store/cachedb"
	"github.com/wolfeidau/dataset-cache/telemetry"
)

// DefaultRowsLimit is the number of rows extracted per split when the
// operator does not configure one.
const DefaultRowsLimit = 100

// Result summarizes one whole-dataset refresh attempt. Recorded extraction
// failures are part of a successful run; only infrastructure faults abort.
type Result struct {
	Dataset    string                    `json:"dataset"`
	StartedAt  time.Time                 `json:"started_at"`
	Duration   time.Duration             `json:"duration"`
	Valid      int                       `json:"valid"`
	Errored    int                       `json:"errored"`
	FirstError *datasetcache.ErrorRecord `json:"first_error,omitempty"`
}

// Runner executes the refresh pipeline for single datasets.
type Runner struct {
	cache     *cachedb.DB
	extractor extract.Extractor
	rowsLimit int
	logger    *slog.Logger
	now       func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRowsLimit sets the per-split row extraction limit.
func WithRowsLimit(limit int) RunnerOption {
	return func(r *Runner) {
		r.rowsLimit = limit
	}
}

// WithLogger sets the logger for the runner.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a Runner writing to cache and extracting via extractor.
func NewRunner(cache *cachedb.DB, extractor extract.Extractor, opts ...RunnerOption) *Runner {
	r := &Runner{
		cache:     cache,
		extractor: extractor,
		rowsLimit: DefaultRowsLimit,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// configEntry is one row of a stored configs payload.
type configEntry struct {
	Dataset string `json:"dataset"`
	Config  string `json:"config"`
}

// splitEntry is one row of a stored splits payload.
type splitEntry struct {
	Dataset string `json:"dataset"`
	Config  string `json:"config"`
	Split   string `json:"split"`
}

// RefreshDataset runs the pipeline for one dataset in dependency order:
// configs, then per-config infos and splits, then per-split rows. Each
// sub-step's outcome is written independently. A configs failure blocks
// everything below it and is recorded once, at the configs entry; a splits
// failure blocks rows for that config only. A returned error means the
// cache itself failed, never that a dataset was broken.
func (r *Runner) RefreshDataset(ctx context.Context, dataset string) (*Result, error) {
	result := &Result{Dataset: dataset, StartedAt: r.now().UTC()}
	defer func() {
		result.Duration = time.Since(result.StartedAt)
		telemetry.RecordRefreshDuration(ctx, result.Duration)
	}()

	r.logger.Info("refreshing dataset", "dataset", dataset)

	configs, err := r.extractor.ListConfigs(ctx, dataset)
	if err != nil {
		if putErr := r.recordError(ctx, result, datasetcache.ConfigsKey(dataset), err); putErr != nil {
			return nil, putErr
		}
		return result, nil
	}

	rows := make([]configEntry, 0, len(configs))
	for _, config := range configs {
		rows = append(rows, configEntry{Dataset: dataset, Config: config})
	}
	if err := r.recordValid(ctx, result, datasetcache.ConfigsKey(dataset), map[string]any{"configs": rows}); err != nil {
		return nil, err
	}

	for _, config := range configs {
		if err := r.refreshConfig(ctx, result, dataset, config); err != nil {
			return nil, err
		}
	}

	r.logger.Info("dataset refreshed",
		"dataset", dataset,
		"configs", len(configs),
		"valid", result.Valid,
		"errored", result.Errored,
	)
	return result, nil
}

// refreshConfig handles infos, splits and rows for one config. Infos
// failures do not block splits or rows; a splits failure blocks rows.
func (r *Runner) refreshConfig(ctx context.Context, result *Result, dataset, config string) error {
	info, err := r.extractor.ListInfos(ctx, dataset, config)
	if err != nil {
		if putErr := r.recordError(ctx, result, datasetcache.InfosKey(dataset, config), err); putErr != nil {
			return putErr
		}
	} else if err := r.recordValid(ctx, result, datasetcache.InfosKey(dataset, config), map[string]any{"info": info}); err != nil {
		return err
	}

	splits, err := r.extractor.ListSplits(ctx, dataset, config)
	if err != nil {
		return r.recordError(ctx, result, datasetcache.SplitsKey(dataset, config), err)
	}

	rows := make([]splitEntry, 0, len(splits))
	for _, split := range splits {
		rows = append(rows, splitEntry{Dataset: dataset, Config: config, Split: split})
	}
	if err := r.recordValid(ctx, result, datasetcache.SplitsKey(dataset, config), map[string]any{"splits": rows}); err != nil {
		return err
	}

	for _, split := range splits {
		rowSet, err := r.extractor.ListRows(ctx, dataset, config, split, r.rowsLimit)
		if err != nil {
			if putErr := r.recordError(ctx, result, datasetcache.RowsKey(dataset, config, split), err); putErr != nil {
				return putErr
			}
			continue
		}
		if err := r.recordValid(ctx, result, datasetcache.RowsKey(dataset, config, split), rowSet); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) recordValid(ctx context.Context, result *Result, key datasetcache.Key, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", key, err)
	}
	if err := r.cache.Put(ctx, key, cachedb.ValidOutcome(data)); err != nil {
		// Oversized payloads are a property of the dataset, not a fault
		// of the cache: record them like any other 400-class failure.
		if isPayloadError(err) {
			return r.recordError(ctx, result, key, extract.NewBadRequest(err.Error()))
		}
		return fmt.Errorf("storing %s: %w", key, err)
	}
	result.Valid++
	telemetry.RecordRefreshStep(ctx, key.Kind.String(), string(cachedb.StatusValid))
	return nil
}

func (r *Runner) recordError(ctx context.Context, result *Result, key datasetcache.Key, cause error) error {
	rec := extract.AsRecord(cause)
	if err := r.cache.Put(ctx, key, cachedb.ErrorOutcome(rec)); err != nil {
		return fmt.Errorf("storing error for %s: %w", key, err)
	}
	r.logger.Warn("refresh step failed",
		"key", key.String(),
		"status_code", rec.StatusCode,
		"error", rec.Message,
	)
	result.Errored++
	if result.FirstError == nil {
		result.FirstError = &rec
	}
	telemetry.RecordRefreshStep(ctx, key.Kind.String(), string(cachedb.StatusError))
	return nil
}

func marshalPayload(payload any) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

func isPayloadError(err error) bool {
	return errors.Is(err, cachedb.ErrPayloadTooLarge)
}
