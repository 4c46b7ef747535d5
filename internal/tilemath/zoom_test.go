package tilemath

import (
	"testing"

	"github.com/paulmach/orb"
)

// Eight z6 tiles (x 28..31, y 30..31) under the two z5 parents 14/15 and 15/15.
var eightTileExtent = orb.Bound{Min: orb.Point{-22.4, 0.1}, Max: orb.Point{-0.1, 11.0}}

func TestMinMaxZoom(t *testing.T) {
	t.Run("heavyRootTiles", func(t *testing.T) {
		// 1.6MB: 800KB per z5 tile, 200KB per z6 tile.
		got := MinMaxZoom(1_600_000, eightTileExtent)
		if got.Min != 5 {
			t.Errorf("expected min zoom 5, got %d", got.Min)
		}
		if got.Max != 10 {
			t.Errorf("expected max zoom 10, got %d", got.Max)
		}
	})

	t.Run("smallDataset", func(t *testing.T) {
		got := MinMaxZoom(10_000, eightTileExtent)
		if got.Min != 0 {
			t.Errorf("expected min zoom 0, got %d", got.Min)
		}
		// 10KB needs more than 10 tiles to stay under 1000 bytes: z6 has 8, z7 has 32.
		if got.Max != 7 {
			t.Errorf("expected max zoom 7, got %d", got.Max)
		}
	})

	t.Run("singleTileExtent", func(t *testing.T) {
		point := orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{10, 10}}
		got := MinMaxZoom(600, point)
		if got.Min != 0 {
			t.Errorf("expected min zoom 0, got %d", got.Min)
		}
		if got.Max != MaxZoomCeiling {
			t.Errorf("expected max zoom %d, got %d", MaxZoomCeiling, got.Max)
		}
	})

	t.Run("heavySingleTile", func(t *testing.T) {
		// The size check wins over the single tile check.
		point := orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{10, 10}}
		got := MinMaxZoom(600*1024, point)
		if got.Min != MaxZoomCeiling || got.Max != MaxZoomCeiling {
			t.Errorf("expected %d/%d, got %d/%d", MaxZoomCeiling, MaxZoomCeiling, got.Min, got.Max)
		}
	})

	t.Run("emptyDataset", func(t *testing.T) {
		// Scan stops at z4 where the extent fits in one tile.
		got := MinMaxZoom(0, eightTileExtent)
		if got.Min != 0 || got.Max != 4 {
			t.Errorf("expected 0/4, got %d/%d", got.Min, got.Max)
		}
	})
}
