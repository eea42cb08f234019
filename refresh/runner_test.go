package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	datasetcache "github.com/wolfeidau/dataset-cache"
	"github.com/wolfeidau/dataset-cache/extract"
	"github.com/wolfeidau/dataset-cache/store/cachedb"
	"github.com/wolfeidau/dataset-cache/store/jobqueue"
)

// fakeExtractor scripts results per dataset, config and split. Missing
// entries fail with a not-found error, matching how the hub behaves for
// unknown identifiers.
type fakeExtractor struct {
	configs   map[string][]string        // dataset -> configs
	infos     map[string]extract.Info    // dataset/config -> info
	splits    map[string][]string        // dataset/config -> splits
	rows      map[string]*extract.RowSet // dataset/config/split -> rows
	errs      map[string]error           // any path -> forced error
	rowLimits []int                      // limits seen by ListRows
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		configs: map[string][]string{},
		infos:   map[string]extract.Info{},
		splits:  map[string][]string{},
		rows:    map[string]*extract.RowSet{},
		errs:    map[string]error{},
	}
}

// addDataset scripts a fully valid dataset with the given configs, each
// carrying the same splits, one row per split.
func (f *fakeExtractor) addDataset(dataset string, configs, splits []string) {
	f.configs[dataset] = configs
	for _, config := range configs {
		f.infos[path(dataset, config)] = extract.Info(fmt.Sprintf(`{"description":"%s/%s"}`, dataset, config))
		f.splits[path(dataset, config)] = splits
		for _, split := range splits {
			f.rows[path(dataset, config, split)] = &extract.RowSet{
				Columns: []extract.Column{{Name: "text", Type: "string"}},
				Rows:    []json.RawMessage{json.RawMessage(fmt.Sprintf(`{"text":"%s"}`, split))},
			}
		}
	}
}

func path(parts ...string) string { return strings.Join(parts, "/") }

func (f *fakeExtractor) ListConfigs(_ context.Context, dataset string) ([]string, error) {
	if err, ok := f.errs[path(dataset)]; ok {
		return nil, err
	}
	configs, ok := f.configs[dataset]
	if !ok {
		return nil, extract.NewNotFound("dataset not found")
	}
	return configs, nil
}

func (f *fakeExtractor) ListInfos(_ context.Context, dataset, config string) (extract.Info, error) {
	if err, ok := f.errs[path(dataset, config, "infos")]; ok {
		return nil, err
	}
	return f.infos[path(dataset, config)], nil
}

func (f *fakeExtractor) ListSplits(_ context.Context, dataset, config string) ([]string, error) {
	if err, ok := f.errs[path(dataset, config, "splits")]; ok {
		return nil, err
	}
	return f.splits[path(dataset, config)], nil
}

func (f *fakeExtractor) ListRows(_ context.Context, dataset, config, split string, limit int) (*extract.RowSet, error) {
	f.rowLimits = append(f.rowLimits, limit)
	if err, ok := f.errs[path(dataset, config, split)]; ok {
		return nil, err
	}
	return f.rows[path(dataset, config, split)], nil
}

func newTestCache(t *testing.T) *cachedb.DB {
	t.Helper()
	db := cachedb.New()
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "cache.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestQueue(t *testing.T, opts ...jobqueue.Option) *jobqueue.Queue {
	t.Helper()
	q := jobqueue.New(opts...)
	require.NoError(t, q.Open(filepath.Join(t.TempDir(), "queue.db")))
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRunner_RefreshDataset(t *testing.T) {
	ctx := context.Background()

	t.Run("valid dataset fills every kind", func(t *testing.T) {
		cache := newTestCache(t)
		ext := newFakeExtractor()
		ext.addDataset("glue", []string{"cola", "sst2"}, []string{"train", "validation", "test"})

		runner := NewRunner(cache, ext)
		result, err := runner.RefreshDataset(ctx, "glue")
		require.NoError(t, err)

		// configs + per config (infos + splits + 3 rows)
		assert.Equal(t, 11, result.Valid)
		assert.Equal(t, 0, result.Errored)
		assert.Nil(t, result.FirstError)

		entry, err := cache.Get(ctx, datasetcache.ConfigsKey("glue"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusValid, entry.Status)
		assert.JSONEq(t,
			`{"configs":[{"dataset":"glue","config":"cola"},{"dataset":"glue","config":"sst2"}]}`,
			string(entry.Payload))

		entry, err = cache.Get(ctx, datasetcache.SplitsKey("glue", "cola"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusValid, entry.Status)

		entry, err = cache.Get(ctx, datasetcache.RowsKey("glue", "sst2", "validation"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusValid, entry.Status)

		var rowSet extract.RowSet
		require.NoError(t, json.Unmarshal(entry.Payload, &rowSet))
		assert.Len(t, rowSet.Rows, 1)
	})

	t.Run("configs failure leaves a single error entry", func(t *testing.T) {
		cache := newTestCache(t)
		ext := newFakeExtractor()
		ext.errs[path("allenai/c4")] = extract.NewNotFound("could not get the config names for the dataset").
			WithCause("FileNotFoundError", "https://example.org/c4-train.00000-of-01024.json.gz")

		runner := NewRunner(cache, ext)
		result, err := runner.RefreshDataset(ctx, "allenai/c4")
		require.NoError(t, err)

		assert.Equal(t, 0, result.Valid)
		assert.Equal(t, 1, result.Errored)
		require.NotNil(t, result.FirstError)
		assert.Equal(t, datasetcache.StatusNotFound, result.FirstError.StatusCode)

		entry, err := cache.Get(ctx, datasetcache.ConfigsKey("allenai/c4"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusError, entry.Status)
		require.NotNil(t, entry.Error)
		assert.Equal(t, "Status404Error", entry.Error.Kind)
		assert.Equal(t, "FileNotFoundError", entry.Error.Cause)

		// Nothing below configs was attempted.
		size, err := cache.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, size)
	})

	t.Run("splits failure blocks rows for that config only", func(t *testing.T) {
		cache := newTestCache(t)
		ext := newFakeExtractor()
		ext.addDataset("glue", []string{"cola", "sst2"}, []string{"train"})
		ext.errs[path("glue", "cola", "splits")] = extract.NewInternal("cannot get the split names for the config")

		runner := NewRunner(cache, ext)
		result, err := runner.RefreshDataset(ctx, "glue")
		require.NoError(t, err)

		assert.Equal(t, 1, result.Errored)

		entry, err := cache.Get(ctx, datasetcache.SplitsKey("glue", "cola"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusError, entry.Status)

		_, err = cache.Get(ctx, datasetcache.RowsKey("glue", "cola", "train"))
		assert.ErrorIs(t, err, cachedb.ErrNotFound)

		// The healthy config is unaffected.
		entry, err = cache.Get(ctx, datasetcache.RowsKey("glue", "sst2", "train"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusValid, entry.Status)
	})

	t.Run("infos failure does not block splits or rows", func(t *testing.T) {
		cache := newTestCache(t)
		ext := newFakeExtractor()
		ext.addDataset("glue", []string{"cola"}, []string{"train"})
		ext.errs[path("glue", "cola", "infos")] = extract.NewInternal("cannot load the dataset info")

		runner := NewRunner(cache, ext)
		result, err := runner.RefreshDataset(ctx, "glue")
		require.NoError(t, err)

		assert.Equal(t, 1, result.Errored)

		entry, err := cache.Get(ctx, datasetcache.InfosKey("glue", "cola"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusError, entry.Status)

		entry, err = cache.Get(ctx, datasetcache.RowsKey("glue", "cola", "train"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusValid, entry.Status)
	})

	t.Run("rows failure is scoped to its split", func(t *testing.T) {
		cache := newTestCache(t)
		ext := newFakeExtractor()
		ext.addDataset("glue", []string{"cola"}, []string{"train", "test"})
		ext.errs[path("glue", "cola", "train")] = extract.NewInternal("cannot fetch the rows")

		runner := NewRunner(cache, ext)
		result, err := runner.RefreshDataset(ctx, "glue")
		require.NoError(t, err)

		assert.Equal(t, 1, result.Errored)

		entry, err := cache.Get(ctx, datasetcache.RowsKey("glue", "cola", "train"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusError, entry.Status)

		entry, err = cache.Get(ctx, datasetcache.RowsKey("glue", "cola", "test"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusValid, entry.Status)
	})

	t.Run("rows limit is passed through", func(t *testing.T) {
		cache := newTestCache(t)
		ext := newFakeExtractor()
		ext.addDataset("glue", []string{"cola"}, []string{"train"})

		runner := NewRunner(cache, ext, WithRowsLimit(25))
		_, err := runner.RefreshDataset(ctx, "glue")
		require.NoError(t, err)
		assert.Equal(t, []int{25}, ext.rowLimits)
	})

	t.Run("oversized payload becomes a recorded client error", func(t *testing.T) {
		cache := newTestCache(t)
		ext := newFakeExtractor()
		ext.addDataset("huge", []string{"default"}, []string{"train"})
		ext.rows[path("huge", "default", "train")] = &extract.RowSet{
			Columns: []extract.Column{{Name: "text", Type: "string"}},
			Rows: []json.RawMessage{
				json.RawMessage(`"` + strings.Repeat("a", cachedb.MaxPayloadSize+1) + `"`),
			},
		}

		runner := NewRunner(cache, ext)
		result, err := runner.RefreshDataset(ctx, "huge")
		require.NoError(t, err)

		assert.Equal(t, 1, result.Errored)

		entry, err := cache.Get(ctx, datasetcache.RowsKey("huge", "default", "train"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusError, entry.Status)
		require.NotNil(t, entry.Error)
		assert.Equal(t, datasetcache.StatusBadRequest, entry.Error.StatusCode)
	})

	t.Run("re-refresh overwrites a previous error", func(t *testing.T) {
		cache := newTestCache(t)
		ext := newFakeExtractor()
		ext.errs[path("glue")] = extract.NewInternal("hub is down")

		runner := NewRunner(cache, ext)
		_, err := runner.RefreshDataset(ctx, "glue")
		require.NoError(t, err)

		delete(ext.errs, path("glue"))
		ext.addDataset("glue", []string{"cola"}, []string{"train"})

		_, err = runner.RefreshDataset(ctx, "glue")
		require.NoError(t, err)

		entry, err := cache.Get(ctx, datasetcache.ConfigsKey("glue"))
		require.NoError(t, err)
		assert.Equal(t, cachedb.StatusValid, entry.Status)
		assert.Nil(t, entry.Error)
	})
}
