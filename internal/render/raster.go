package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/feature-tiles/server/internal/tilemath"
	"github.com/feature-tiles/server/pkg/colormap"
	"github.com/fogleman/gg"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
)

// rasterHandle draws features onto PNG tiles.
type rasterHandle struct {
	r          *TileRenderer
	desc       *Description
	cmap       colormap.Colormap
	projection tilemath.Projection

	mu       sync.RWMutex
	features []*geojson.Feature
	closed   bool
}

func (r *TileRenderer) newRasterHandle(desc *Description) *rasterHandle {
	return &rasterHandle{
		r:          r,
		desc:       desc,
		cmap:       r.colormap(desc.Paint.Colormap),
		projection: tilemath.Projection{TileSize: r.config.TileSize, Buffer: desc.Buffer},
		features:   desc.Features().Features,
	}
}

func (h *rasterHandle) GetTile(ctx context.Context, z, x, y int) ([]byte, error) {
	tile, err := tilemath.New(z, x, y)
	if err != nil {
		return nil, err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, ErrClosed
	}
	features := h.features
	h.mu.RUnlock()

	dc := h.r.contextPool.Get().(*gg.Context)
	defer h.r.contextPool.Put(dc)

	// Transparent background
	dc.SetColor(color.Transparent)
	dc.Clear()

	bound := h.projection.BufferedBound(tile)
	for i, f := range features {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.Geometry == nil || !f.Geometry.Bound().Intersects(bound) {
			continue
		}
		h.drawFeature(dc, tile, i, f)
	}

	return h.r.encodeContext(dc)
}

func (h *rasterHandle) drawFeature(dc *gg.Context, tile maptile.Tile, idx int, f *geojson.Feature) {
	c := h.featureColor(idx, f)
	size := float64(h.r.config.TileSize)

	project := func(p orb.Point) (float64, float64) {
		frac := maptile.Fraction(p, tile.Z)
		return (frac[0] - float64(tile.X)) * size, (frac[1] - float64(tile.Y)) * size
	}
	path := func(ls []orb.Point) {
		for i, p := range ls {
			px, py := project(p)
			if i == 0 {
				dc.MoveTo(px, py)
			} else {
				dc.LineTo(px, py)
			}
		}
	}

	var draw func(g orb.Geometry)
	draw = func(g orb.Geometry) {
		switch g := g.(type) {
		case orb.Point:
			px, py := project(g)
			dc.SetColor(c)
			dc.DrawCircle(px, py, h.desc.Paint.PointRadius)
			dc.Fill()
		case orb.MultiPoint:
			for _, p := range g {
				draw(p)
			}
		case orb.LineString:
			dc.NewSubPath()
			path(g)
			dc.SetColor(c)
			dc.SetLineWidth(h.desc.Paint.LineWidth)
			dc.Stroke()
		case orb.MultiLineString:
			for _, ls := range g {
				draw(ls)
			}
		case orb.Ring:
			draw(orb.Polygon{g})
		case orb.Polygon:
			for _, ring := range g {
				dc.NewSubPath()
				path(ring)
				dc.ClosePath()
			}
			dc.SetFillRuleEvenOdd()
			dc.SetColor(withAlpha(c, 160))
			dc.FillPreserve()
			dc.SetColor(c)
			dc.SetLineWidth(h.desc.Paint.LineWidth)
			dc.Stroke()
		case orb.MultiPolygon:
			for _, p := range g {
				draw(p)
			}
		case orb.Collection:
			for _, sub := range g {
				draw(sub)
			}
		case orb.Bound:
			draw(g.ToPolygon())
		}
	}
	draw(f.Geometry)
}

// featureColor prefers an explicit style property, then a normalized
// "value" property, then the feature's position in the collection.
func (h *rasterHandle) featureColor(idx int, f *geojson.Feature) color.Color {
	for _, key := range []string{"fill", "stroke", "marker-color"} {
		if s, ok := f.Properties[key].(string); ok {
			if c, err := colormap.ParseHex(s); err == nil {
				return c
			}
		}
	}
	if v, ok := f.Properties["value"].(float64); ok {
		return h.cmap.At(v)
	}
	return h.cmap.AtIndex(idx)
}

func withAlpha(c color.Color, a uint8) color.Color {
	r, g, b, _ := c.RGBA()
	return color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: a}
}

func (h *rasterHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	h.features = nil
	return nil
}

func (r *TileRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy out, the buffer is reused
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyTile creates a fully transparent tile.
func (r *TileRenderer) CreateEmptyTile() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
