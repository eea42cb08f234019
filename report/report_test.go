package report

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	datasetcache "github.com/wolfeidau/dataset-cache"
	"github.com/wolfeidau/dataset-cache/store/cachedb"
)

func newTestCache(t *testing.T) *cachedb.DB {
	t.Helper()
	db := cachedb.New()
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "cache.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedCache(t *testing.T, db *cachedb.DB) {
	t.Helper()
	ctx := context.Background()

	payload := json.RawMessage(`{"configs":[{"dataset":"glue","config":"cola"}]}`)
	require.NoError(t, db.Put(ctx, datasetcache.ConfigsKey("glue"), cachedb.ValidOutcome(payload)))
	require.NoError(t, db.Put(ctx, datasetcache.SplitsKey("glue", "cola"),
		cachedb.ValidOutcome(json.RawMessage(`{"splits":[]}`))))

	rec := datasetcache.ErrorRecord{
		StatusCode: datasetcache.StatusNotFound,
		Kind:       "Status404Error",
		Message:    "could not get the config names for the dataset",
	}
	require.NoError(t, db.Put(ctx, datasetcache.ConfigsKey("allenai/c4"), cachedb.ErrorOutcome(rec)))

	// A dataset is errored if any of its entries is.
	require.NoError(t, db.Put(ctx, datasetcache.ConfigsKey("squad"),
		cachedb.ValidOutcome(json.RawMessage(`{"configs":[]}`))))
	require.NoError(t, db.Put(ctx, datasetcache.SplitsKey("squad", "plain_text"),
		cachedb.ErrorOutcome(datasetcache.ErrorRecord{
			StatusCode: datasetcache.StatusInternal,
			Kind:       "Status500Error",
			Message:    "cannot get the split names for the config",
		})))
}

func TestReporter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db := newTestCache(t)
	seedCache(t, db)
	r := New(db, WithNow(func() time.Time { return now }))

	t.Run("report lists every dataset with its aggregate", func(t *testing.T) {
		report, err := r.Report(ctx)
		require.NoError(t, err)
		assert.Equal(t, now, report.CreatedAt)
		require.Len(t, report.Reports, 3)

		byDataset := map[string]cachedb.DatasetStatus{}
		for _, s := range report.Reports {
			byDataset[s.Dataset] = s
		}

		assert.Equal(t, cachedb.StatusValid, byDataset["glue"].Status)
		assert.Nil(t, byDataset["glue"].Error)

		assert.Equal(t, cachedb.StatusError, byDataset["allenai/c4"].Status)
		require.NotNil(t, byDataset["allenai/c4"].Error)
		assert.Equal(t, "Status404Error", byDataset["allenai/c4"].Error.Kind)

		assert.Equal(t, cachedb.StatusError, byDataset["squad"].Status)
	})

	t.Run("stats counts by aggregate status", func(t *testing.T) {
		stats, err := r.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Valid)
		assert.Equal(t, 2, stats.Error)
		assert.Equal(t, now, stats.CreatedAt)
	})

	t.Run("valid list holds only fully valid datasets", func(t *testing.T) {
		list, err := r.ValidList(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"glue"}, list.Valid)
	})

	t.Run("empty cache yields empty report", func(t *testing.T) {
		empty := New(newTestCache(t), WithNow(func() time.Time { return now }))

		report, err := empty.Report(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Reports)

		stats, err := empty.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Valid)
		assert.Zero(t, stats.Error)

		list, err := empty.ValidList(ctx)
		require.NoError(t, err)
		assert.Empty(t, list.Valid)
	})
}
