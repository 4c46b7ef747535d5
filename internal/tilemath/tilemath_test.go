package tilemath

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

func TestRootTile(t *testing.T) {
	tests := []struct {
		name    string
		minzoom int
		tile    maptile.Tile
		want    maptile.Tile
	}{
		{"same zoom", 5, maptile.New(14, 15, 5), maptile.New(14, 15, 5)},
		{"one level", 5, maptile.New(28, 30, 6), maptile.New(14, 15, 5)},
		{"sibling root", 5, maptile.New(30, 30, 6), maptile.New(15, 15, 5)},
		{"odd coords", 5, maptile.New(29, 31, 6), maptile.New(14, 15, 5)},
		{"many levels", 0, maptile.New(1023, 511, 10), maptile.New(0, 0, 0)},
		{"three levels", 3, maptile.New(45, 17, 6), maptile.New(5, 2, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RootTile(tt.minzoom, tt.tile)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRootTile_BelowMinZoom(t *testing.T) {
	_, err := RootTile(5, maptile.New(1, 1, 4))
	if !errors.Is(err, ErrZoomBelowRoot) {
		t.Fatalf("expected ErrZoomBelowRoot, got %v", err)
	}
}

func TestRootKey(t *testing.T) {
	t.Run("distinctRoots", func(t *testing.T) {
		a := RootKey(maptile.New(14, 15, 5))
		b := RootKey(maptile.New(15, 15, 5))
		if a == b {
			t.Fatalf("expected distinct keys, got %q for both", a)
		}
	})

	t.Run("knownQuadkey", func(t *testing.T) {
		// Bing's documented example: 3/3/5 -> "213"
		if got := RootKey(maptile.New(3, 5, 3)); got != "213" {
			t.Fatalf("expected %q, got %q", "213", got)
		}
	})

	t.Run("zoomZero", func(t *testing.T) {
		if got := RootKey(maptile.New(0, 0, 0)); got != "" {
			t.Fatalf("expected empty key, got %q", got)
		}
	})

	t.Run("roundTrip", func(t *testing.T) {
		for _, tile := range []maptile.Tile{
			maptile.New(0, 0, 1),
			maptile.New(14, 15, 5),
			maptile.New(1023, 0, 10),
			maptile.New(12345, 54321, 16),
		} {
			got, err := TileFromKey(RootKey(tile))
			if err != nil {
				t.Fatalf("TileFromKey(%v): %v", tile, err)
			}
			if got != tile {
				t.Fatalf("expected %v, got %v", tile, got)
			}
		}
	})

	t.Run("invalidDigit", func(t *testing.T) {
		if _, err := TileFromKey("0124"); err == nil {
			t.Fatal("expected error for digit 4")
		}
	})
}

func TestBufferedBbox(t *testing.T) {
	p := DefaultProjection

	t.Run("containsTile", func(t *testing.T) {
		tile := maptile.New(14, 15, 5)
		plain := tile.Bound()
		buffered := p.BufferedBbox(5, 14, 15)

		if !(buffered.Min[0] < plain.Min[0] && buffered.Max[0] > plain.Max[0]) {
			t.Fatalf("expected longitude buffer, plain=%v buffered=%v", plain, buffered)
		}
		if !(buffered.Min[1] < plain.Min[1] && buffered.Max[1] > plain.Max[1]) {
			t.Fatalf("expected latitude buffer, plain=%v buffered=%v", plain, buffered)
		}
	})

	t.Run("bufferWidth", func(t *testing.T) {
		// At z0 one pixel of a 256px tile spans 360/256 degrees of longitude.
		b := p.BufferedBbox(0, 0, 0)
		want := -180 - 8*360.0/256
		if math.Abs(b.Min[0]-want) > 1e-9 {
			t.Fatalf("expected west %f, got %f", want, b.Min[0])
		}
	})

	t.Run("noBuffer", func(t *testing.T) {
		zero := Projection{TileSize: 256}
		tile := maptile.New(3, 2, 4)
		if got := zero.BufferedBound(tile); got != tile.Bound() {
			t.Fatalf("expected %v, got %v", tile.Bound(), got)
		}
	})
}

func TestNewAndParseTile(t *testing.T) {
	if _, err := New(2, 4, 0); err == nil {
		t.Fatal("expected out of range error")
	}
	if _, err := New(2, -1, 0); err == nil {
		t.Fatal("expected negative coordinate error")
	}
	if _, err := New(-1, 0, 0); !errors.Is(err, ErrInvalidTile) {
		t.Fatalf("expected ErrInvalidTile, got %v", err)
	}

	got, err := ParseTile("6/28/30")
	if err != nil {
		t.Fatalf("ParseTile: %v", err)
	}
	if got != maptile.New(28, 30, 6) {
		t.Fatalf("unexpected tile %v", got)
	}
	if _, err := ParseTile("6/28"); err == nil {
		t.Fatal("expected error for short address")
	}
	if _, err := ParseTile("a/b/c"); !errors.Is(err, ErrInvalidTile) {
		t.Fatalf("expected ErrInvalidTile for non numeric address, got %v", err)
	}
}

func TestRootTilesCovering(t *testing.T) {
	// Spans the two z5 tiles 14/15 and 15/15.
	bound := orb.Bound{Min: orb.Point{-22.4, 0.1}, Max: orb.Point{-0.1, 11.0}}
	tiles := RootTilesCovering(5, bound)
	if len(tiles) != 2 {
		t.Fatalf("expected 2 tiles, got %d: %v", len(tiles), tiles)
	}
	want := map[maptile.Tile]bool{maptile.New(14, 15, 5): true, maptile.New(15, 15, 5): true}
	for _, tile := range tiles {
		if !want[tile] {
			t.Fatalf("unexpected tile %v", tile)
		}
	}

	world := RootTilesCovering(1, orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}})
	if len(world) != 4 {
		t.Fatalf("expected 4 tiles for world at z1, got %d", len(world))
	}
}
