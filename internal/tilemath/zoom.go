package tilemath

import "github.com/paulmach/orb"

const (
	// MaxZoomCeiling is the finest zoom the heuristic will ever suggest.
	MaxZoomCeiling = 14

	// Average tile payloads below this are not worth more detail.
	maxZoomTileBytes = 1000
	// Root tiles holding more than this are too heavy to build at once.
	minZoomTileBytes = 500 * 1024
)

// ZoomRange is a min/max zoom pair.
type ZoomRange struct {
	Min int
	Max int
}

// MinMaxZoom estimates the useful zoom range for a dataset of totalBytes
// spread over extent.
//
// Zooms are scanned from MaxZoomCeiling down. The smallest zoom whose average
// tile stays under 1000 bytes becomes the max zoom. The scan stops at the first
// zoom whose average tile exceeds 500KB; that zoom is the min zoom, so a single
// root tile never has to carry more than that budget.
func MinMaxZoom(totalBytes int64, extent orb.Bound) ZoomRange {
	maxzoom := MaxZoomCeiling
	for z := MaxZoomCeiling; z >= 0; z-- {
		lo, hi := TileRange(extent, z)
		tileCount := (int64(hi.X) - int64(lo.X) + 1) * (int64(hi.Y) - int64(lo.Y) + 1)
		if tileCount < 1 {
			tileCount = 1
		}
		avg := float64(totalBytes) / float64(tileCount)

		if avg < maxZoomTileBytes {
			maxzoom = z
		}
		if avg > minZoomTileBytes {
			return ZoomRange{Min: z, Max: maxzoom}
		}
		if tileCount == 1 {
			break
		}
	}
	return ZoomRange{Min: 0, Max: maxzoom}
}
