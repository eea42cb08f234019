package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/wolfeidau/dataset-cache/extract"
	"github.com/wolfeidau/dataset-cache/store/cachedb"
	"github.com/wolfeidau/dataset-cache/store/jobqueue"
	"github.com/wolfeidau/dataset-cache/telemetry"
)

// BulkEnqueuer runs the warm and refresh sweeps that feed the job queue
// from the dataset catalog.
type BulkEnqueuer struct {
	catalog extract.Catalog
	cache   *cachedb.DB
	queue   *jobqueue.Queue
	logger  *slog.Logger
}

// NewBulkEnqueuer creates a BulkEnqueuer over the given catalog, cache and queue.
func NewBulkEnqueuer(catalog extract.Catalog, cache *cachedb.DB, queue *jobqueue.Queue, logger *slog.Logger) *BulkEnqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BulkEnqueuer{
		catalog: catalog,
		cache:   cache,
		queue:   queue,
		logger:  logger,
	}
}

// Warm enqueues a job for every catalog dataset that has no cache entry at
// all. Already-cached datasets are skipped, so repeated warms converge to
// a no-op once the catalog is covered. Returns the number enqueued.
func (b *BulkEnqueuer) Warm(ctx context.Context) (int, error) {
	ids, err := b.catalog.ListAllDatasetIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing catalog datasets: %w", err)
	}

	cached, err := b.cache.Datasets(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing cached datasets: %w", err)
	}

	enqueued := 0
	for _, id := range ids {
		if _, ok := cached[id]; ok {
			continue
		}
		if err := b.queue.Enqueue(ctx, id, jobqueue.SourceWarm); err != nil {
			return enqueued, fmt.Errorf("enqueueing %s: %w", id, err)
		}
		telemetry.RecordEnqueue(ctx, string(jobqueue.SourceWarm))
		enqueued++
	}

	b.logger.Info("warm sweep complete",
		"catalog", len(ids),
		"cached", len(cached),
		"enqueued", enqueued,
	)
	return enqueued, nil
}

// Refresh enqueues a random subset of the catalog, sized by pct (0 < pct
// <= 100, rounded to the nearest dataset). Cached state is ignored; the
// point is to re-extract datasets that may have changed upstream.
// Returns the number enqueued.
func (b *BulkEnqueuer) Refresh(ctx context.Context, pct float64) (int, error) {
	if pct <= 0 || pct > 100 {
		return 0, fmt.Errorf("refresh percentage must be in (0, 100], got %g", pct)
	}

	ids, err := b.catalog.ListAllDatasetIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing catalog datasets: %w", err)
	}

	count := int(math.Round(float64(len(ids)) * pct / 100))
	picked := pickRandom(ids, count)
	enqueued := 0
	for _, id := range picked {
		if err := b.queue.Enqueue(ctx, id, jobqueue.SourceRefresh); err != nil {
			return enqueued, fmt.Errorf("enqueueing %s: %w", id, err)
		}
		telemetry.RecordEnqueue(ctx, string(jobqueue.SourceRefresh))
		enqueued++
	}

	b.logger.Info("refresh sweep complete",
		"catalog", len(ids),
		"pct", pct,
		"enqueued", enqueued,
	)
	return enqueued, nil
}

// pickRandom returns count elements sampled without replacement, in stable
// order so the enqueue sequence is deterministic given the selection.
func pickRandom(ids []string, count int) []string {
	if count >= len(ids) {
		return ids
	}
	idx := rand.Perm(len(ids))[:count]
	sort.Ints(idx)
	picked := make([]string, 0, count)
	for _, i := range idx {
		picked = append(picked, ids[i])
	}
	return picked
}
