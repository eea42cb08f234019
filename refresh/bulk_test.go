package refresh

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	datasetcache "github.com/wolfeidau/dataset-cache"
	"github.com/wolfeidau/dataset-cache/store/cachedb"
	"github.com/wolfeidau/dataset-cache/store/jobqueue"
)

type fakeCatalog struct {
	ids []string
	err error
}

func (f *fakeCatalog) ListAllDatasetIDs(_ context.Context) ([]string, error) {
	return f.ids, f.err
}

func TestBulkEnqueuer_Warm(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueues only uncached datasets", func(t *testing.T) {
		cache := newTestCache(t)
		queue := newTestQueue(t)
		catalog := &fakeCatalog{ids: []string{"glue", "squad", "imdb"}}

		payload := json.RawMessage(`{"configs":[{"dataset":"glue","config":"cola"}]}`)
		require.NoError(t, cache.Put(ctx, datasetcache.ConfigsKey("glue"), cachedb.ValidOutcome(payload)))

		b := NewBulkEnqueuer(catalog, cache, queue, nil)
		enqueued, err := b.Warm(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, enqueued)

		_, err = queue.Get(ctx, "glue")
		assert.ErrorIs(t, err, jobqueue.ErrNotFound)

		job, err := queue.Get(ctx, "squad")
		require.NoError(t, err)
		assert.Equal(t, jobqueue.SourceWarm, job.Source)
	})

	t.Run("an errored entry still counts as cached", func(t *testing.T) {
		cache := newTestCache(t)
		queue := newTestQueue(t)
		catalog := &fakeCatalog{ids: []string{"allenai/c4"}}

		rec := datasetcache.ErrorRecord{
			StatusCode: datasetcache.StatusNotFound,
			Kind:       "Status404Error",
			Message:    "could not get the config names for the dataset",
		}
		require.NoError(t, cache.Put(ctx, datasetcache.ConfigsKey("allenai/c4"), cachedb.ErrorOutcome(rec)))

		b := NewBulkEnqueuer(catalog, cache, queue, nil)
		enqueued, err := b.Warm(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, enqueued)
	})

	t.Run("repeated warm is a no-op on pending jobs", func(t *testing.T) {
		queue := newTestQueue(t)
		catalog := &fakeCatalog{ids: []string{"glue", "squad"}}

		b := NewBulkEnqueuer(catalog, newTestCache(t), queue, nil)
		_, err := b.Warm(ctx)
		require.NoError(t, err)
		_, err = b.Warm(ctx)
		require.NoError(t, err)

		size, err := queue.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, size)
	})
}

func TestBulkEnqueuer_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("full sweep enqueues everything regardless of cache state", func(t *testing.T) {
		cache := newTestCache(t)
		queue := newTestQueue(t)
		catalog := &fakeCatalog{ids: []string{"glue", "squad"}}

		payload := json.RawMessage(`{"configs":[{"dataset":"glue","config":"cola"}]}`)
		require.NoError(t, cache.Put(ctx, datasetcache.ConfigsKey("glue"), cachedb.ValidOutcome(payload)))

		b := NewBulkEnqueuer(catalog, cache, queue, nil)
		enqueued, err := b.Refresh(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, 2, enqueued)

		job, err := queue.Get(ctx, "glue")
		require.NoError(t, err)
		assert.Equal(t, jobqueue.SourceRefresh, job.Source)
	})

	t.Run("partial sweep rounds to the nearest dataset", func(t *testing.T) {
		queue := newTestQueue(t)
		catalog := &fakeCatalog{ids: []string{"a", "b", "c", "d"}}

		b := NewBulkEnqueuer(catalog, newTestCache(t), queue, nil)
		enqueued, err := b.Refresh(ctx, 50)
		require.NoError(t, err)
		assert.Equal(t, 2, enqueued)

		size, err := queue.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, size)
	})

	t.Run("percentage is validated", func(t *testing.T) {
		b := NewBulkEnqueuer(&fakeCatalog{}, newTestCache(t), newTestQueue(t), nil)

		_, err := b.Refresh(ctx, 0)
		assert.Error(t, err)
		_, err = b.Refresh(ctx, -5)
		assert.Error(t, err)
		_, err = b.Refresh(ctx, 101)
		assert.Error(t, err)
	})

	t.Run("subset size is the rounded share, down to zero", func(t *testing.T) {
		queue := newTestQueue(t)
		catalog := &fakeCatalog{ids: []string{"a", "b", "c"}}

		b := NewBulkEnqueuer(catalog, newTestCache(t), queue, nil)

		// 1% of 3 rounds to 0.
		enqueued, err := b.Refresh(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, enqueued)

		// 25% of 3 rounds to 1.
		enqueued, err = b.Refresh(ctx, 25)
		require.NoError(t, err)
		assert.Equal(t, 1, enqueued)
	})
}
