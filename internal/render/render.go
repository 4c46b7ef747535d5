// Package render builds tile renderers from map descriptions.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/feature-tiles/server/pkg/colormap"
	"github.com/fogleman/gg"
)

// ErrClosed is returned by a Handle after Close.
var ErrClosed = errors.New("renderer closed")

// Handle serves tiles for the data it was built with.
type Handle interface {
	GetTile(ctx context.Context, z, x, y int) ([]byte, error)
	Close() error
}

// Builder turns a map description into a Handle.
type Builder interface {
	Build(ctx context.Context, description []byte) (Handle, error)
}

// Config contains renderer configuration.
type Config struct {
	TileSize        int
	DefaultColormap string
}

// TileRenderer builds vector and raster handles. Pools are shared by every
// handle it builds.
type TileRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

var _ Builder = (*TileRenderer)(nil)

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) *TileRenderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "categorical"
	}

	r := &TileRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileSize, cfg.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}

	return r
}

// Build parses description and returns a handle for its format.
func (r *TileRenderer) Build(ctx context.Context, description []byte) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	desc, err := ParseDescription(description)
	if err != nil {
		return nil, err
	}

	switch desc.Format {
	case FormatPBF:
		return newVectorHandle(desc), nil
	case FormatPNG:
		return r.newRasterHandle(desc), nil
	default:
		return nil, fmt.Errorf("unsupported tile format: %q", desc.Format)
	}
}

func (r *TileRenderer) colormap(name string) colormap.Colormap {
	if c, ok := colormap.ByName(name); ok {
		return c
	}
	if c, ok := colormap.ByName(r.config.DefaultColormap); ok {
		return c
	}
	return colormap.Categorical
}
