package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DatasetConfig describes one published dataset.
type DatasetConfig struct {
	// Dataset is the feature store dataset name. Defaults to the entry id.
	Dataset string `yaml:"dataset" validate:"required"`
	// Store overrides the default feature store path.
	Store       string    `yaml:"store"`
	Format      string    `yaml:"format" validate:"omitempty,oneof=pbf png"`
	Colormap    string    `yaml:"colormap"`
	PreloadBbox []float64 `yaml:"preload_bbox" validate:"omitempty,len=4"`
}

// DatasetsConfig is an ordered set of datasets keyed by id. The first entry
// is the default dataset.
type DatasetsConfig struct {
	Entries map[string]DatasetConfig
	order   []string
}

// UnmarshalYAML accepts, for each id, either a mapping or a source URI
// string such as "sqlite:///data/features.db?dataset=roads&format=pbf".
func (d *DatasetsConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("datasets: expected a mapping, got %v", node.Tag)
	}

	d.Entries = make(map[string]DatasetConfig, len(node.Content)/2)
	d.order = d.order[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		val := node.Content[i+1]

		var ds DatasetConfig
		switch val.Kind {
		case yaml.ScalarNode:
			src, err := ParseSourceURI(val.Value)
			if err != nil {
				return fmt.Errorf("datasets.%s: %w", id, err)
			}
			ds = src.DatasetConfig()
		case yaml.MappingNode:
			if err := val.Decode(&ds); err != nil {
				return fmt.Errorf("datasets.%s: %w", id, err)
			}
		default:
			return fmt.Errorf("datasets.%s: expected a mapping or a source URI", id)
		}
		if ds.Dataset == "" {
			ds.Dataset = id
		}
		if ds.Format == "" {
			ds.Format = "pbf"
		}

		if _, dup := d.Entries[id]; !dup {
			d.order = append(d.order, id)
		}
		d.Entries[id] = ds
	}
	return nil
}

// Add appends or replaces a dataset entry.
func (d *DatasetsConfig) Add(id string, ds DatasetConfig) {
	if d.Entries == nil {
		d.Entries = make(map[string]DatasetConfig)
	}
	if _, ok := d.Entries[id]; !ok {
		d.order = append(d.order, id)
	}
	d.Entries[id] = ds
}

// IDs returns dataset ids in configuration order.
func (d DatasetsConfig) IDs() []string {
	return append([]string(nil), d.order...)
}

// Default returns the id of the first dataset, or "" when none is configured.
func (d DatasetsConfig) Default() string {
	if len(d.order) == 0 {
		return ""
	}
	return d.order[0]
}

// SourceURI is a parsed dataset source of the form
// sqlite:///path/to/db?dataset=name&format=pbf&bbox=w,s,e,n
type SourceURI struct {
	Path    string
	Dataset string
	Format  string
	Bbox    []float64
}

// ParseSourceURI parses a dataset source URI.
func ParseSourceURI(raw string) (SourceURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return SourceURI{}, fmt.Errorf("invalid source uri %q: %w", raw, err)
	}
	if u.Scheme != "sqlite" {
		return SourceURI{}, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}

	path := u.Path
	if u.Host != "" {
		// sqlite://relative/path.db
		path = u.Host + u.Path
	}
	if path == "" {
		return SourceURI{}, fmt.Errorf("source uri %q has no database path", raw)
	}

	q := u.Query()
	src := SourceURI{
		Path:    path,
		Dataset: q.Get("dataset"),
		Format:  q.Get("format"),
	}
	if bbox := q.Get("bbox"); bbox != "" {
		parts := strings.Split(bbox, ",")
		if len(parts) != 4 {
			return SourceURI{}, fmt.Errorf("bbox must have 4 values, got %d", len(parts))
		}
		for _, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return SourceURI{}, fmt.Errorf("invalid bbox value %q: %w", p, err)
			}
			src.Bbox = append(src.Bbox, v)
		}
	}
	return src, nil
}

// DatasetConfig converts the URI to a dataset entry.
func (s SourceURI) DatasetConfig() DatasetConfig {
	return DatasetConfig{
		Dataset:     s.Dataset,
		Store:       s.Path,
		Format:      s.Format,
		PreloadBbox: s.Bbox,
	}
}
