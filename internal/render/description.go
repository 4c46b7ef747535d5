package render

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
)

// Supported tile formats.
const (
	FormatPBF = "pbf"
	FormatPNG = "png"
)

// Description is the decoded renderer input.
type Description struct {
	Version int        `json:"version"`
	Format  string     `json:"format"`
	Layer   string     `json:"layer"`
	Buffer  int        `json:"buffer"`
	Extent  uint32     `json:"extent"`
	MinZoom int        `json:"minzoom"`
	MaxZoom int        `json:"maxzoom"`
	Bounds  [4]float64 `json:"bounds"`
	Center  [3]float64 `json:"center"`
	Paint   Paint      `json:"paint"`

	Data json.RawMessage `json:"data"`

	features *geojson.FeatureCollection
}

// Paint holds raster drawing options.
type Paint struct {
	Colormap    string  `json:"colormap"`
	LineWidth   float64 `json:"line_width"`
	PointRadius float64 `json:"point_radius"`
}

// ParseDescription decodes and validates a renderer description.
func ParseDescription(doc []byte) (*Description, error) {
	var d Description
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("invalid map description: %w", err)
	}
	if d.Layer == "" {
		return nil, fmt.Errorf("invalid map description: missing layer")
	}
	if d.Format == "" {
		d.Format = FormatPBF
	}
	if d.Extent == 0 {
		d.Extent = mvt.DefaultExtent
	}
	if d.Paint.LineWidth <= 0 {
		d.Paint.LineWidth = 1
	}
	if d.Paint.PointRadius <= 0 {
		d.Paint.PointRadius = 2
	}

	if len(d.Data) == 0 {
		d.features = geojson.NewFeatureCollection()
	} else {
		fc, err := geojson.UnmarshalFeatureCollection(d.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid map description data: %w", err)
		}
		d.features = fc
	}
	d.Data = nil

	return &d, nil
}

// Features returns the decoded feature collection.
func (d *Description) Features() *geojson.FeatureCollection {
	return d.features
}
