// Package style assembles renderer input documents from a map template and
// a feature collection.
package style

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/paulmach/orb/geojson"
)

//go:embed map.json.tmpl
var mapTemplate string

var tmpl = template.Must(template.New("map").Funcs(template.FuncMap{
	"json": func(v interface{}) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}).Parse(mapTemplate))

// Params are the template inputs for one root tile.
type Params struct {
	Format      string
	LayerID     string
	Buffer      int
	Extent      uint32
	MinZoom     int
	MaxZoom     int
	Bounds      [4]float64
	Center      [3]float64
	Colormap    string
	LineWidth   float64
	PointRadius float64
	Features    *geojson.FeatureCollection
}

// Assemble renders the renderer description for p.
func Assemble(p Params) ([]byte, error) {
	fc := p.Features
	if fc == nil {
		fc = geojson.NewFeatureCollection()
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}

	view := struct {
		Params
		GeoJSON string
	}{Params: p, GeoJSON: string(data)}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("failed to assemble map description: %w", err)
	}
	return buf.Bytes(), nil
}
