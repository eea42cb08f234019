package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	datasetcache "github.com/wolfeidau/dataset-cache"
	"github.com/wolfeidau/dataset-cache/gate"
	"github.com/wolfeidau/dataset-cache/store/cachedb"
	"github.com/wolfeidau/dataset-cache/store/jobqueue"
)

func newTestGate(t *testing.T, loadAvg float64) *gate.Gate {
	t.Helper()
	return gate.New(gate.WithProbes(
		func() int { return 4 },
		func() (*load.AvgStat, error) {
			return &load.AvgStat{Load1: loadAvg, Load5: loadAvg, Load15: loadAvg}, nil
		},
		func() (*mem.VirtualMemoryStat, error) {
			return &mem.VirtualMemoryStat{Total: 100, Used: 10}, nil
		},
		func() (*mem.SwapMemoryStat, error) {
			return &mem.SwapMemoryStat{}, nil
		},
	))
}

func TestWorker_PollOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("processes and completes one job", func(t *testing.T) {
		cache := newTestCache(t)
		queue := newTestQueue(t)
		ext := newFakeExtractor()
		ext.addDataset("glue", []string{"cola"}, []string{"train"})

		require.NoError(t, queue.Enqueue(ctx, "glue", jobqueue.SourceWarm))

		w := NewWorker(queue, newTestGate(t, 0.1), NewRunner(cache, ext), DefaultWorkerConfig(), nil)
		assert.True(t, w.pollOnce(ctx))

		entry, err := cache.Get(ctx, datasetcache.ConfigsKey("glue"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusValid, entry.Status)

		empty, err := queue.IsEmpty(ctx)
		require.NoError(t, err)
		assert.True(t, empty)
	})

	t.Run("completes even when the dataset is broken", func(t *testing.T) {
		cache := newTestCache(t)
		queue := newTestQueue(t)
		ext := newFakeExtractor()

		require.NoError(t, queue.Enqueue(ctx, "missing", jobqueue.SourceWarm))

		w := NewWorker(queue, newTestGate(t, 0.1), NewRunner(cache, ext), DefaultWorkerConfig(), nil)
		assert.True(t, w.pollOnce(ctx))

		entry, err := cache.Get(ctx, datasetcache.ConfigsKey("missing"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusError, entry.Status)

		empty, err := queue.IsEmpty(ctx)
		require.NoError(t, err)
		assert.True(t, empty)
	})

	t.Run("constrained resources skip the dequeue", func(t *testing.T) {
		cache := newTestCache(t)
		queue := newTestQueue(t)
		ext := newFakeExtractor()
		ext.addDataset("glue", []string{"cola"}, []string{"train"})

		require.NoError(t, queue.Enqueue(ctx, "glue", jobqueue.SourceWarm))

		// Load 8 on 4 CPUs is 200%, well over any threshold.
		w := NewWorker(queue, newTestGate(t, 8), NewRunner(cache, ext), DefaultWorkerConfig(), nil)
		assert.False(t, w.pollOnce(ctx))

		_, err := cache.Get(ctx, datasetcache.ConfigsKey("glue"))
		assert.ErrorIs(t, err, cachedb.ErrNotFound)

		job, err := queue.Get(ctx, "glue")
		require.NoError(t, err)
		assert.False(t, job.Claimed())
	})

	t.Run("empty queue is not an error", func(t *testing.T) {
		cache := newTestCache(t)
		queue := newTestQueue(t)

		w := NewWorker(queue, newTestGate(t, 0.1), NewRunner(cache, newFakeExtractor()), DefaultWorkerConfig(), nil)
		assert.False(t, w.pollOnce(ctx))
	})
}

func TestWorker_StartStop(t *testing.T) {
	ctx := context.Background()

	t.Run("drains the queue then idles", func(t *testing.T) {
		cache := newTestCache(t)
		queue := newTestQueue(t)
		ext := newFakeExtractor()
		for _, dataset := range []string{"glue", "squad", "imdb"} {
			ext.addDataset(dataset, []string{"default"}, []string{"train"})
			require.NoError(t, queue.Enqueue(ctx, dataset, jobqueue.SourceWarm))
		}

		cfg := DefaultWorkerConfig()
		cfg.SleepInterval = 10 * time.Millisecond

		w := NewWorker(queue, newTestGate(t, 0.1), NewRunner(cache, ext), cfg, nil)
		w.Start(ctx)

		require.Eventually(t, func() bool {
			empty, err := queue.IsEmpty(ctx)
			return err == nil && empty
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, w.Stop(ctx))

		datasets, err := cache.Datasets(ctx)
		require.NoError(t, err)
		assert.Len(t, datasets, 3)
	})

	t.Run("start is idempotent and stop waits for the loop", func(t *testing.T) {
		queue := newTestQueue(t)
		cfg := DefaultWorkerConfig()
		cfg.SleepInterval = 10 * time.Millisecond

		w := NewWorker(queue, newTestGate(t, 0.1), NewRunner(newTestCache(t), newFakeExtractor()), cfg, nil)
		w.Start(ctx)
		w.Start(ctx)

		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		require.NoError(t, w.Stop(stopCtx))
		require.NoError(t, w.Stop(stopCtx))
	})
}
