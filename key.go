package datasetcache

import (
	"bytes"
	"fmt"
)

// Key identifies a single cache entry. Config is set only for kinds scoped
// below dataset level, Split only for row samples.
type Key struct {
	Kind    ResourceKind
	Dataset string
	Config  string
	Split   string
}

// ConfigsKey returns the key for a dataset's config list.
func ConfigsKey(dataset string) Key {
	return Key{Kind: KindConfigs, Dataset: dataset}
}

// InfosKey returns the key for one config's metadata document.
func InfosKey(dataset, config string) Key {
	return Key{Kind: KindInfos, Dataset: dataset, Config: config}
}

// SplitsKey returns the key for one config's split list.
func SplitsKey(dataset, config string) Key {
	return Key{Kind: KindSplits, Dataset: dataset, Config: config}
}

// RowsKey returns the key for one split's row sample.
func RowsKey(dataset, config, split string) Key {
	return Key{Kind: KindRows, Dataset: dataset, Config: config, Split: split}
}

// Validate checks structural consistency of the key.
func (k Key) Validate() error {
	if !k.Kind.Valid() {
		return fmt.Errorf("unknown resource kind %q", k.Kind)
	}
	if k.Dataset == "" {
		return fmt.Errorf("missing dataset identifier")
	}
	if k.Kind.NeedsConfig() && k.Config == "" {
		return fmt.Errorf("kind %s requires a config identifier", k.Kind)
	}
	if !k.Kind.NeedsConfig() && k.Config != "" {
		return fmt.Errorf("kind %s does not take a config identifier", k.Kind)
	}
	if k.Kind.NeedsSplit() && k.Split == "" {
		return fmt.Errorf("kind %s requires a split identifier", k.Kind)
	}
	if !k.Kind.NeedsSplit() && k.Split != "" {
		return fmt.Errorf("kind %s does not take a split identifier", k.Kind)
	}
	return nil
}

// Encode renders the key in its canonical store form:
// [dataset][0][kind][0][config][0][split]. Leading with the dataset keeps
// all entries for one dataset contiguous, which makes the cascading delete
// a single prefix scan.
func (k Key) Encode() []byte {
	parts := [][]byte{
		[]byte(k.Dataset),
		[]byte(k.Kind),
		[]byte(k.Config),
		[]byte(k.Split),
	}
	return bytes.Join(parts, []byte{0})
}

// DatasetPrefix returns the store-key prefix covering every entry of a
// dataset, across all kinds, configs and splits.
func DatasetPrefix(dataset string) []byte {
	return append([]byte(dataset), 0)
}

// ParseKey decodes a canonical store key.
func ParseKey(data []byte) (Key, error) {
	parts := bytes.SplitN(data, []byte{0}, 4)
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("malformed cache key %q", data)
	}
	return Key{
		Dataset: string(parts[0]),
		Kind:    ResourceKind(parts[1]),
		Config:  string(parts[2]),
		Split:   string(parts[3]),
	}, nil
}

func (k Key) String() string {
	switch {
	case k.Split != "":
		return fmt.Sprintf("%s/%s/%s/%s", k.Kind, k.Dataset, k.Config, k.Split)
	case k.Config != "":
		return fmt.Sprintf("%s/%s/%s", k.Kind, k.Dataset, k.Config)
	default:
		return fmt.Sprintf("%s/%s", k.Kind, k.Dataset)
	}
}
