// Package extract defines the contracts of the external collaborators the
// cache core consumes: the extractor that pulls configs, infos, splits and
// row samples out of the dataset hub, and the catalog that enumerates all
// known dataset identifiers.
package extract

import (
	"context"
	"encoding/json"
)

// Info is the metadata document of one dataset config. The shape is owned
// by the hub; the cache stores it opaquely.
type Info = json.RawMessage

// RowSet is a row sample for one split of a dataset config.
type RowSet struct {
	Columns []Column          `json:"columns"`
	Rows    []json.RawMessage `json:"rows"`
}

// Column describes one column of a row sample.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Extractor pulls structured results for a dataset out of the hub. Every
// method either returns a result or fails with an *Error carrying a status
// code and, where known, the underlying failure class.
type Extractor interface {
	// ListConfigs returns the named configurations of the dataset.
	// A dataset with a single implicit configuration reports "default".
	ListConfigs(ctx context.Context, dataset string) ([]string, error)

	// ListInfos returns the metadata document for one config.
	ListInfos(ctx context.Context, dataset, config string) (Info, error)

	// ListSplits returns the named partitions of one config.
	ListSplits(ctx context.Context, dataset, config string) ([]string, error)

	// ListRows returns at most limit rows of one split.
	ListRows(ctx context.Context, dataset, config, split string, limit int) (*RowSet, error)
}

// Catalog enumerates the full set of dataset identifiers known to the hub.
// The listing may be large (tens of thousands) and is read in full.
type Catalog interface {
	ListAllDatasetIDs(ctx context.Context) ([]string, error)
}
