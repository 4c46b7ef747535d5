// Package tilecache coalesces tile requests per root tile. The first request
// for a root queries the feature store and builds a renderer; requests for
// any descendant of that root arriving meanwhile wait for the same build and
// are answered in arrival order.
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feature-tiles/server/internal/metrics"
	"github.com/feature-tiles/server/internal/render"
	"github.com/feature-tiles/server/internal/telemetry"
	"github.com/feature-tiles/server/internal/tilemath"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Querier is the part of the feature store the cache reads from.
type Querier interface {
	QueryByBbox(ctx context.Context, bbox orb.Bound, dataset string) (*geojson.FeatureCollection, error)
}

// AssembleFunc turns the features of one root into a renderer description.
type AssembleFunc func(fc *geojson.FeatureCollection) ([]byte, error)

// Config wires a Cache to its collaborators.
type Config struct {
	Dataset    string
	MinZoom    int
	Projection tilemath.Projection
	Store      Querier
	Assemble   AssembleFunc
	Builder    render.Builder
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type entryState int

const (
	stateBuilding entryState = iota
	stateReady
)

func (s entryState) String() string {
	if s == stateReady {
		return "ready"
	}
	return "building"
}

// entry is either building, with queued waiters, or ready, with a handle.
type entry struct {
	state   entryState
	waiters []*request
	handle  render.Handle
}

type request struct {
	ctx     context.Context
	z, x, y int
	resp    chan result
}

type result struct {
	data []byte
	err  error
}

// Stats is a snapshot of the entry table.
type Stats struct {
	Building   int
	Ready      int
	ReadyRoots []string // z/x/y of every ready root, sorted
}

// Cache maps root keys to in-flight builds or ready renderers. Entries are
// never evicted; a Cache lives until Close.
type Cache struct {
	dataset    string
	minZoom    int
	projection tilemath.Projection
	store      Querier
	assemble   AssembleFunc
	builder    render.Builder
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New creates a cache whose root tiles are at cfg.MinZoom.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, errors.New("tilecache: store is required")
	}
	if cfg.Builder == nil {
		return nil, errors.New("tilecache: builder is required")
	}
	if cfg.Assemble == nil {
		return nil, errors.New("tilecache: assemble func is required")
	}
	if cfg.MinZoom < 0 || cfg.MinZoom > tilemath.MaxZoomCeiling {
		return nil, fmt.Errorf("tilecache: invalid minzoom %d", cfg.MinZoom)
	}
	if cfg.Projection.TileSize == 0 {
		cfg.Projection = tilemath.DefaultProjection
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Cache{
		dataset:    cfg.Dataset,
		minZoom:    cfg.MinZoom,
		projection: cfg.Projection,
		store:      cfg.Store,
		assemble:   cfg.Assemble,
		builder:    cfg.Builder,
		logger:     cfg.Logger.With(zap.String("dataset", cfg.Dataset), zap.Int("minzoom", cfg.MinZoom)),
		metrics:    cfg.Metrics,
		tracer:     telemetry.Tracer(),
		entries:    make(map[string]*entry),
	}, nil
}

// MinZoom returns the zoom of the cache's root tiles.
func (c *Cache) MinZoom() int { return c.minZoom }

// GetTile returns the encoded tile z/x/y. Cancelling ctx stops this caller
// from waiting but never cancels a build other callers may share.
func (c *Cache) GetTile(ctx context.Context, z, x, y int) ([]byte, error) {
	tile, err := tilemath.New(z, x, y)
	if err != nil {
		return nil, err
	}
	root, err := tilemath.RootTile(c.minZoom, tile)
	if err != nil {
		return nil, err
	}
	key := tilemath.RootKey(root)

	req := &request{ctx: ctx, z: z, x: x, y: y, resp: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := c.entries[key]
	switch {
	case ok && e.state == stateReady:
		h := e.handle
		c.mu.Unlock()
		c.metrics.TileRequest(c.dataset, "ready")
		data, err := h.GetTile(ctx, z, x, y)
		if err != nil && c.isClosed() {
			return nil, ErrClosed
		}
		return data, err
	case ok:
		e.waiters = append(e.waiters, req)
		c.mu.Unlock()
		c.metrics.TileRequest(c.dataset, "building")
		c.metrics.Coalesced(c.dataset)
	default:
		c.entries[key] = &entry{state: stateBuilding, waiters: []*request{req}}
		c.mu.Unlock()
		c.metrics.TileRequest(c.dataset, "absent")
		go c.build(context.WithoutCancel(ctx), key, root, tile)
	}

	select {
	case r := <-req.resp:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// build loads the root's features, builds its renderer and answers every
// waiter. It runs on its own goroutine, outside the lock.
func (c *Cache) build(ctx context.Context, key string, root, trigger maptile.Tile) {
	start := time.Now()
	rootName := fmt.Sprintf("%d/%d/%d", root.Z, root.X, root.Y)

	ctx, span := c.tracer.Start(ctx, "tilecache.build", trace.WithAttributes(
		attribute.String("dataset", c.dataset),
		attribute.String("root", rootName),
	))
	defer span.End()

	handle, err := c.load(ctx, rootName, trigger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("root build failed", zap.String("root", rootName), zap.Error(err))
		c.fail(key, err)
		return
	}

	c.metrics.ObserveBuild(c.dataset, time.Since(start).Seconds())
	c.logger.Debug("root ready", zap.String("root", rootName), zap.Duration("took", time.Since(start)))
	c.promote(key, handle)
}

// load queries the buffered bbox of the tile that triggered the build.
func (c *Cache) load(ctx context.Context, rootName string, trigger maptile.Tile) (render.Handle, error) {
	bbox := c.projection.BufferedBound(trigger)

	qctx, qspan := c.tracer.Start(ctx, "featurestore.query")
	fc, err := c.store.QueryByBbox(qctx, bbox, c.dataset)
	qspan.End()
	c.metrics.Query(c.dataset, err)
	if err != nil {
		return nil, &UpstreamQueryError{Dataset: c.dataset, Root: rootName, Bbox: bbox, Err: err}
	}

	desc, err := c.assemble(fc)
	if err != nil {
		c.metrics.Build(c.dataset, err)
		return nil, &RenderBuildError{Dataset: c.dataset, Root: rootName, Err: err}
	}

	bctx, bspan := c.tracer.Start(ctx, "render.build")
	handle, err := c.builder.Build(bctx, desc)
	bspan.End()
	c.metrics.Build(c.dataset, err)
	if err != nil {
		return nil, &RenderBuildError{Dataset: c.dataset, Root: rootName, Err: err}
	}
	return handle, nil
}

// fail answers every waiter with err and forgets the root so the next
// request starts a fresh build.
func (c *Cache) fail(key string, err error) {
	c.mu.Lock()
	e := c.entries[key]
	delete(c.entries, key)
	waiters := e.waiters
	e.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w.resp <- result{err: err}
	}
}

// promote drains the waiter queue in arrival order, then marks the root
// ready. Requests that arrive while draining join the queue, so each root
// answers its waiters strictly in order. If the cache was closed meanwhile
// the handle is closed instead of kept.
func (c *Cache) promote(key string, handle render.Handle) {
	for {
		c.mu.Lock()
		e := c.entries[key]
		waiters := e.waiters
		e.waiters = nil
		if len(waiters) == 0 {
			if c.closed {
				delete(c.entries, key)
				c.mu.Unlock()
				if err := handle.Close(); err != nil {
					c.logger.Warn("failed to close renderer built after close", zap.Error(err))
				}
				return
			}
			e.state = stateReady
			e.handle = handle
			c.mu.Unlock()
			c.metrics.AddReady(c.dataset, 1)
			return
		}
		c.mu.Unlock()

		for _, w := range waiters {
			data, err := handle.GetTile(w.ctx, w.z, w.x, w.y)
			w.resp <- result{data: data, err: err}
		}
	}
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Stats returns the number of building and ready roots.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	for key, e := range c.entries {
		if e.state != stateReady {
			s.Building++
			continue
		}
		s.Ready++
		if t, err := tilemath.TileFromKey(key); err == nil {
			s.ReadyRoots = append(s.ReadyRoots, fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y))
		}
	}
	sort.Strings(s.ReadyRoots)
	return s
}

// Close closes every ready renderer concurrently and waits for all of them.
// In-flight builds are not cancelled: they answer their waiters and then
// close their own renderer. Later calls to GetTile fail with ErrClosed.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var handles []render.Handle
	for key, e := range c.entries {
		if e.state == stateReady {
			handles = append(handles, e.handle)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	_, span := c.tracer.Start(ctx, "tilecache.close", trace.WithAttributes(
		attribute.String("dataset", c.dataset),
		attribute.Int("renderers", len(handles)),
	))
	defer span.End()

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	for _, h := range handles {
		g.Go(func() error {
			if err := h.Close(); err != nil {
				failed.Add(1)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	c.metrics.AddReady(c.dataset, -float64(len(handles)))
	if err != nil {
		span.RecordError(err)
		return &CloseError{Failed: int(failed.Load()), Err: err}
	}
	c.logger.Debug("cache closed", zap.Int("renderers", len(handles)))
	return nil
}
