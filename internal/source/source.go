// Package source publishes one dataset of the feature store as a tile source.
// It derives the dataset's zoom range and owns the tile cache keyed by root
// tiles at the dataset's minzoom.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/feature-tiles/server/internal/featurestore"
	"github.com/feature-tiles/server/internal/metrics"
	"github.com/feature-tiles/server/internal/render"
	"github.com/feature-tiles/server/internal/style"
	"github.com/feature-tiles/server/internal/tilecache"
	"github.com/feature-tiles/server/internal/tilemath"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configures a Source.
type Options struct {
	Dataset     string              `validate:"required"`
	Format      string              `validate:"omitempty,oneof=pbf png"`
	Store       featurestore.Store  `validate:"required"`
	Builder     render.Builder      `validate:"required"`
	Projection  tilemath.Projection `validate:"-"`
	Extent      uint32
	Colormap    string
	LineWidth   float64 `validate:"gte=0"`
	PointRadius float64 `validate:"gte=0"`

	Logger  *zap.Logger      `validate:"-"`
	Metrics *metrics.Metrics `validate:"-"`
	Now     func() time.Time `validate:"-"`
}

// Source serves tiles of one dataset.
type Source struct {
	opts   Options
	layer  string
	logger *zap.Logger

	mu         sync.RWMutex
	info       *Info
	cache      *tilecache.Cache
	generation uint64
	revision   uint64
	closed     bool
}

// New validates opts and returns a Source. Dataset info is computed lazily
// on first use.
func New(opts Options) (*Source, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if opts.Format == "" {
		opts.Format = render.FormatPBF
	}
	if opts.Projection.TileSize == 0 {
		opts.Projection = tilemath.DefaultProjection
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Source{
		opts:   opts,
		layer:  SanitizeLayer(opts.Dataset),
		logger: opts.Logger.With(zap.String("dataset", opts.Dataset)),
	}, nil
}

// Dataset returns the dataset name.
func (s *Source) Dataset() string { return s.opts.Dataset }

// Format returns the tile format, "pbf" or "png".
func (s *Source) Format() string { return s.opts.Format }

// Generation increases every time the cache is replaced.
func (s *Source) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Revision increases every time the info is recalculated, whether or not the
// cache is replaced.
func (s *Source) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// GetInfo returns the dataset info, computing it on first call.
func (s *Source) GetInfo(ctx context.Context) (Info, error) {
	s.mu.RLock()
	if s.info != nil {
		info := s.info.clone()
		s.mu.RUnlock()
		return info, nil
	}
	s.mu.RUnlock()

	return s.CalculateInfo(ctx)
}

// CalculateInfo recomputes the dataset info from the store. When the
// minzoom changes the current cache is closed and replaced. If closing the
// replaced cache fails, the new info is still returned together with the
// wrapped *tilecache.CloseError.
func (s *Source) CalculateInfo(ctx context.Context) (Info, error) {
	info, err := s.summarize(ctx)
	if err != nil {
		return Info{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Info{}, tilecache.ErrClosed
	}

	var closeErr error
	if s.cache == nil || s.cache.MinZoom() != info.MinZoom {
		next, err := s.newCache(info)
		if err != nil {
			return Info{}, err
		}
		if prev := s.cache; prev != nil {
			s.logger.Info("minzoom changed, replacing tile cache",
				zap.Int("old_minzoom", prev.MinZoom()),
				zap.Int("new_minzoom", info.MinZoom),
			)
			if err := prev.Close(ctx); err != nil {
				s.logger.Warn("failed to close replaced tile cache", zap.Error(err))
				closeErr = fmt.Errorf("failed to close replaced cache of %s: %w", s.opts.Dataset, err)
			}
		}
		s.cache = next
		s.generation++
	}
	s.info = &info
	s.revision++

	return info.clone(), closeErr
}

func (s *Source) summarize(ctx context.Context) (Info, error) {
	sum, err := s.opts.Store.DatasetSummary(ctx, s.opts.Dataset)
	if errors.Is(err, featurestore.ErrEmptyDataset) {
		s.logger.Info("dataset is empty, using default info")
		return defaultInfo(s.layer, s.opts.Now()), nil
	}
	if err != nil {
		return Info{}, fmt.Errorf("failed to summarize dataset %s: %w", s.opts.Dataset, err)
	}
	info := infoFromSummary(s.layer, sum, s.opts.Now())
	s.logger.Debug("dataset info calculated",
		zap.Int64("bytes", sum.Size),
		zap.Int("features", sum.Count),
		zap.Int("minzoom", info.MinZoom),
		zap.Int("maxzoom", info.MaxZoom),
	)
	return info, nil
}

func (s *Source) newCache(info Info) (*tilecache.Cache, error) {
	return tilecache.New(tilecache.Config{
		Dataset:    s.opts.Dataset,
		MinZoom:    info.MinZoom,
		Projection: s.opts.Projection,
		Store:      s.opts.Store,
		Assemble:   s.assemble,
		Builder:    s.opts.Builder,
		Logger:     s.opts.Logger,
		Metrics:    s.opts.Metrics,
	})
}

// assemble builds a root's description from the info current at build time,
// so a recalculation that keeps the cache still reaches new roots.
func (s *Source) assemble(fc *geojson.FeatureCollection) ([]byte, error) {
	s.mu.RLock()
	if s.info == nil {
		s.mu.RUnlock()
		return nil, errors.New("dataset info not calculated")
	}
	info := *s.info
	s.mu.RUnlock()

	return style.Assemble(style.Params{
		Format:      s.opts.Format,
		LayerID:     s.layer,
		Buffer:      s.opts.Projection.Buffer,
		Extent:      s.opts.Extent,
		MinZoom:     info.MinZoom,
		MaxZoom:     info.MaxZoom,
		Bounds:      info.Bounds,
		Center:      info.Center,
		Colormap:    s.opts.Colormap,
		LineWidth:   s.opts.LineWidth,
		PointRadius: s.opts.PointRadius,
		Features:    fc,
	})
}

func (s *Source) currentCache(ctx context.Context) (*tilecache.Cache, error) {
	s.mu.RLock()
	c, closed := s.cache, s.closed
	s.mu.RUnlock()
	if closed {
		return nil, tilecache.ErrClosed
	}
	if c != nil {
		return c, nil
	}

	if _, err := s.GetInfo(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache, nil
}

// GetTile returns tile z/x/y. A request that lands on a cache being replaced
// is retried once on the new cache.
func (s *Source) GetTile(ctx context.Context, z, x, y int) ([]byte, error) {
	c, err := s.currentCache(ctx)
	if err != nil {
		return nil, err
	}
	data, err := c.GetTile(ctx, z, x, y)
	if !errors.Is(err, tilecache.ErrClosed) {
		return data, err
	}

	next, nerr := s.currentCache(ctx)
	if nerr != nil || next == c {
		return nil, err
	}
	return next.GetTile(ctx, z, x, y)
}

// Stats reports the entry counts of the current cache.
func (s *Source) Stats() tilecache.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache == nil {
		return tilecache.Stats{}
	}
	return s.cache.Stats()
}

// Preload warms every root tile intersecting bbox using at most workers
// concurrent builds.
func (s *Source) Preload(ctx context.Context, bbox orb.Bound, workers int) error {
	info, err := s.GetInfo(ctx)
	if err != nil {
		return err
	}
	if workers <= 0 {
		workers = 1
	}

	roots := tilemath.RootTilesCovering(info.MinZoom, bbox)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, t := range roots {
		g.Go(func() error {
			if _, err := s.GetTile(gctx, int(t.Z), int(t.X), int(t.Y)); err != nil {
				return fmt.Errorf("failed to preload %d/%d/%d: %w", t.Z, t.X, t.Y, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info("preload complete",
		zap.Int("roots", len(roots)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Close closes the current cache. The source serves no tiles afterwards.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.cache
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close(ctx)
}
