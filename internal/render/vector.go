package render

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/feature-tiles/server/internal/tilemath"
	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
)

var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(nil)
	},
}

// vectorHandle encodes gzipped Mapbox vector tiles.
type vectorHandle struct {
	desc       *Description
	projection tilemath.Projection

	mu       sync.RWMutex
	features []*geojson.Feature
	closed   bool
}

func newVectorHandle(desc *Description) *vectorHandle {
	return &vectorHandle{
		desc:       desc,
		projection: tilemath.Projection{TileSize: tilemath.DefaultProjection.TileSize, Buffer: desc.Buffer},
		features:   desc.Features().Features,
	}
}

// GetTile returns an empty slice when no feature touches the tile.
func (h *vectorHandle) GetTile(ctx context.Context, z, x, y int) ([]byte, error) {
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

	bound := h.projection.BufferedBound(tile)
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.Geometry == nil || !f.Geometry.Bound().Intersects(bound) {
			continue
		}
		clone := geojson.NewFeature(orb.Clone(f.Geometry))
		clone.ID = f.ID
		clone.Properties = f.Properties.Clone()
		fc.Append(clone)
	}
	if len(fc.Features) == 0 {
		return []byte{}, nil
	}

	layers := mvt.NewLayers(map[string]*geojson.FeatureCollection{h.desc.Layer: fc})
	for _, l := range layers {
		l.Extent = h.desc.Extent
	}
	layers.ProjectToTile(tile)
	layers.Clip(h.clipBound())
	layers.RemoveEmpty(1.0, 1.0)
	if len(layers[0].Features) == 0 {
		return []byte{}, nil
	}

	raw, err := mvt.Marshal(layers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vector tile: %w", err)
	}
	return gzipBytes(raw)
}

// clipBound is the tile extent widened by the buffer, in tile coordinates.
func (h *vectorHandle) clipBound() orb.Bound {
	extent := float64(h.desc.Extent)
	pad := extent * float64(h.projection.Buffer) / float64(h.projection.TileSize)
	return orb.Bound{
		Min: orb.Point{-pad, -pad},
		Max: orb.Point{extent + pad, extent + pad},
	}
}

func (h *vectorHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	h.features = nil
	return nil
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzipWriterPool.Get().(*gzip.Writer)
	defer gzipWriterPool.Put(zw)
	zw.Reset(&buf)

	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress tile: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress tile: %w", err)
	}
	return buf.Bytes(), nil
}
