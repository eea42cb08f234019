// Package datasetcache provides the shared domain types for the dataset
// cache: resource kinds, composite cache keys, error records and payload
// digests. The durable stores, the refresh pipeline and the HTTP surface
// all build on these types.
package datasetcache

import "fmt"

// ResourceKind identifies the granularity at which cache entries and
// refresh failures are recorded.
type ResourceKind string

const (
	// KindConfigs is the list of named configurations of a dataset.
	KindConfigs ResourceKind = "configs"

	// KindInfos is the metadata document for one dataset config.
	KindInfos ResourceKind = "infos"

	// KindSplits is the list of named partitions of a dataset config.
	KindSplits ResourceKind = "splits"

	// KindRows is a row sample for one split of a dataset config.
	KindRows ResourceKind = "rows"
)

// Kinds lists all resource kinds in dependency order: splits require
// configs to be known and rows require splits.
var Kinds = []ResourceKind{KindConfigs, KindInfos, KindSplits, KindRows}

// Valid reports whether k is a known resource kind.
func (k ResourceKind) Valid() bool {
	switch k {
	case KindConfigs, KindInfos, KindSplits, KindRows:
		return true
	}
	return false
}

// NeedsConfig reports whether keys of this kind carry a config identifier.
func (k ResourceKind) NeedsConfig() bool {
	return k == KindInfos || k == KindSplits || k == KindRows
}

// NeedsSplit reports whether keys of this kind carry a split identifier.
func (k ResourceKind) NeedsSplit() bool {
	return k == KindRows
}

func (k ResourceKind) String() string { return string(k) }

// ParseResourceKind converts a string to a ResourceKind.
func ParseResourceKind(s string) (ResourceKind, error) {
	k := ResourceKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown resource kind %q", s)
	}
	return k, nil
}
