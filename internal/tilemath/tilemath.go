// Package tilemath provides web mercator tile addressing for root-tile caching.
package tilemath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

var (
	// ErrInvalidTile is returned for addresses outside the tile pyramid.
	ErrInvalidTile = errors.New("invalid tile address")
	// ErrZoomBelowRoot is returned when a tile is coarser than the requested root zoom.
	ErrZoomBelowRoot = errors.New("tile zoom is below root zoom")
)

// Projection holds the pixel geometry of the tile pyramid.
type Projection struct {
	TileSize int // tile edge in pixels
	Buffer   int // pixels added on every side of a tile when querying features
}

// DefaultProjection is the 256px pyramid with an 8px query buffer.
var DefaultProjection = Projection{TileSize: 256, Buffer: 8}

// BufferedBbox returns the geographic bound of tile z/x/y expanded by the
// projection's pixel buffer on all sides.
func (p Projection) BufferedBbox(z, x, y int) orb.Bound {
	t := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))
	return t.Bound(p.bufferFraction())
}

// BufferedBound is BufferedBbox for a maptile.Tile.
func (p Projection) BufferedBound(t maptile.Tile) orb.Bound {
	return t.Bound(p.bufferFraction())
}

func (p Projection) bufferFraction() float64 {
	if p.TileSize <= 0 {
		return 0
	}
	return float64(p.Buffer) / float64(p.TileSize)
}

// New validates z/x/y and returns the tile.
func New(z, x, y int) (maptile.Tile, error) {
	if z < 0 || z > 31 {
		return maptile.Tile{}, fmt.Errorf("%w: zoom level %d", ErrInvalidTile, z)
	}
	if x < 0 || y < 0 {
		return maptile.Tile{}, fmt.Errorf("%w: coordinates %d/%d", ErrInvalidTile, x, y)
	}
	t := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))
	if !t.Valid() {
		return maptile.Tile{}, fmt.Errorf("%w: %d/%d/%d out of range", ErrInvalidTile, z, x, y)
	}
	return t, nil
}

// ParseTile parses a "z/x/y" address.
func ParseTile(s string) (maptile.Tile, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return maptile.Tile{}, fmt.Errorf("%w: %q", ErrInvalidTile, s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return maptile.Tile{}, fmt.Errorf("%w: %q", ErrInvalidTile, s)
		}
		v[i] = n
	}
	return New(v[0], v[1], v[2])
}

// RootTile walks up from t to its ancestor at minzoom.
func RootTile(minzoom int, t maptile.Tile) (maptile.Tile, error) {
	if int(t.Z) < minzoom {
		return maptile.Tile{}, fmt.Errorf("%w: %d/%d/%d at root zoom %d", ErrZoomBelowRoot, t.Z, t.X, t.Y, minzoom)
	}
	for int(t.Z) > minzoom {
		t = t.Parent()
	}
	return t, nil
}

// RootKey encodes a tile as its quadkey string. The zoom 0 tile has the empty key.
func RootKey(t maptile.Tile) string {
	var b strings.Builder
	b.Grow(int(t.Z))
	for i := t.Z; i > 0; i-- {
		digit := byte('0')
		mask := uint32(1) << (i - 1)
		if t.X&mask != 0 {
			digit++
		}
		if t.Y&mask != 0 {
			digit += 2
		}
		b.WriteByte(digit)
	}
	return b.String()
}

// TileFromKey reverses RootKey.
func TileFromKey(key string) (maptile.Tile, error) {
	t := maptile.Tile{Z: maptile.Zoom(len(key))}
	for i := 0; i < len(key); i++ {
		mask := uint32(1) << (len(key) - i - 1)
		switch key[i] {
		case '0':
		case '1':
			t.X |= mask
		case '2':
			t.Y |= mask
		case '3':
			t.X |= mask
			t.Y |= mask
		default:
			return maptile.Tile{}, fmt.Errorf("invalid quadkey digit %q in %q", key[i], key)
		}
	}
	return t, nil
}

// TileRange returns the inclusive tile index rectangle covering bound at zoom z.
func TileRange(bound orb.Bound, z int) (lo, hi maptile.Tile) {
	zoom := maptile.Zoom(z)
	nw := maptile.Fraction(orb.Point{bound.Min[0], bound.Max[1]}, zoom)
	se := maptile.Fraction(orb.Point{bound.Max[0], bound.Min[1]}, zoom)

	lo = maptile.New(clampIndex(nw[0], z), clampIndex(nw[1], z), zoom)
	hi = maptile.New(clampIndex(se[0], z), clampIndex(se[1], z), zoom)
	return lo, hi
}

func clampIndex(f float64, z int) uint32 {
	maxIndex := float64(uint32(1)<<uint32(z)) - 1
	if f < 0 {
		return 0
	}
	if f > maxIndex {
		return uint32(maxIndex)
	}
	return uint32(f)
}

// RootTilesCovering lists the tiles at minzoom that intersect bound.
func RootTilesCovering(minzoom int, bound orb.Bound) []maptile.Tile {
	lo, hi := TileRange(bound, minzoom)
	tiles := make([]maptile.Tile, 0, int(hi.X-lo.X+1)*int(hi.Y-lo.Y+1))
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			tiles = append(tiles, maptile.New(x, y, maptile.Zoom(minzoom)))
		}
	}
	return tiles
}
