package source

import (
	"regexp"
	"time"

	"github.com/feature-tiles/server/internal/featurestore"
	"github.com/feature-tiles/server/internal/tilemath"
)

// Used when the dataset holds no features.
const (
	defaultMinZoom = 0
	defaultMaxZoom = tilemath.MaxZoomCeiling
)

var defaultBounds = [4]float64{-180, -85, 180, 85}

// VectorLayer describes the single layer a source publishes.
type VectorLayer struct {
	ID      string `json:"id"`
	MinZoom int    `json:"minzoom"`
	MaxZoom int    `json:"maxzoom"`
}

// Info is the dataset metadata. MinZoom is also the root zoom of the cache.
type Info struct {
	Bounds       [4]float64    `json:"bounds"`
	Center       [3]float64    `json:"center"`
	MinZoom      int           `json:"minzoom"`
	MaxZoom      int           `json:"maxzoom"`
	VectorLayers []VectorLayer `json:"vector_layers"`
	Updated      int64         `json:"updated"`
}

func (i Info) clone() Info {
	i.VectorLayers = append([]VectorLayer(nil), i.VectorLayers...)
	return i
}

func defaultInfo(layer string, now time.Time) Info {
	return Info{
		Bounds:  defaultBounds,
		Center:  [3]float64{0, 0, defaultMinZoom},
		MinZoom: defaultMinZoom,
		MaxZoom: defaultMaxZoom,
		VectorLayers: []VectorLayer{
			{ID: layer, MinZoom: defaultMinZoom, MaxZoom: defaultMaxZoom},
		},
		Updated: now.UnixMilli(),
	}
}

func infoFromSummary(layer string, sum featurestore.Summary, now time.Time) Info {
	zr := tilemath.MinMaxZoom(sum.Size, sum.Bounds)
	b := sum.Bounds
	return Info{
		Bounds:  [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
		Center:  [3]float64{(b.Min[0] + b.Max[0]) / 2, (b.Min[1] + b.Max[1]) / 2, float64(zr.Min)},
		MinZoom: zr.Min,
		MaxZoom: zr.Max,
		VectorLayers: []VectorLayer{
			{ID: layer, MinZoom: zr.Min, MaxZoom: zr.Max},
		},
		Updated: now.UnixMilli(),
	}
}

var layerUnsafe = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SanitizeLayer maps a dataset name to a layer id made of [A-Za-z0-9_].
func SanitizeLayer(name string) string {
	return layerUnsafe.ReplaceAllString(name, "_")
}
