// Package featurestore provides dataset-keyed geometry storage with bounding box queries.
package featurestore

import (
	"context"
	"errors"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ErrEmptyDataset is returned by DatasetSummary when a dataset has no features.
var ErrEmptyDataset = errors.New("dataset has no features")

// Summary describes the stored size and extent of a dataset.
type Summary struct {
	Size   int64     // serialized bytes of all features
	Bounds orb.Bound // union of feature bounds
	Count  int
}

// Store is the read side used by tile sources.
type Store interface {
	// QueryByBbox returns every feature of dataset whose bound intersects bbox.
	QueryByBbox(ctx context.Context, bbox orb.Bound, dataset string) (*geojson.FeatureCollection, error)
	// DatasetSummary returns size and extent for dataset.
	DatasetSummary(ctx context.Context, dataset string) (Summary, error)
}
