// Package service provides business logic for the tile server.
package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/feature-tiles/server/internal/cache"
	"github.com/feature-tiles/server/internal/render"
	"github.com/feature-tiles/server/internal/source"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

// TileServiceConfig contains tile service configuration.
type TileServiceConfig struct {
	DatasetID string
	Source    *source.Source
	Cache     *cache.Manager
	Renderer  *render.TileRenderer
	Logger    *zap.Logger
}

// TileService serves one configured dataset: tiles and TileJSON through the
// response cache, backed by the dataset's tile source.
type TileService struct {
	datasetID string
	source    *source.Source
	cache     *cache.Manager
	renderer  *render.TileRenderer
	logger    *zap.Logger
}

// NewTileService creates a new tile service.
func NewTileService(cfg TileServiceConfig) *TileService {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = cfg.Source.Dataset()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TileService{
		datasetID: datasetID,
		source:    cfg.Source,
		cache:     cfg.Cache,
		renderer:  cfg.Renderer,
		logger:    logger.With(zap.String("dataset_id", datasetID)),
	}
}

// ID returns the configured dataset id.
func (s *TileService) ID() string { return s.datasetID }

// Format returns the tile format extension.
func (s *TileService) Format() string { return s.source.Format() }

// ContentType returns the MIME type of the service's tiles.
func (s *TileService) ContentType() string {
	if s.source.Format() == render.FormatPNG {
		return "image/png"
	}
	return "application/x-protobuf"
}

// GetTile returns an encoded tile. Vector tiles are gzipped; an empty slice
// means no feature touches the tile.
func (s *TileService) GetTile(ctx context.Context, z, x, y int) ([]byte, error) {
	// Info must exist before the generation is meaningful.
	if _, err := s.source.GetInfo(ctx); err != nil {
		return nil, err
	}

	cacheKey := cache.TileKey(s.datasetID, s.source.Generation(), z, x, y, s.Format())
	if data, ok := s.cache.GetTile(cacheKey); ok {
		return data, nil
	}

	data, err := s.source.GetTile(ctx, z, x, y)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetTile(cacheKey, data); err != nil {
		s.logger.Debug("tile not cached", zap.String("key", cacheKey), zap.Error(err))
	}
	return data, nil
}

// GetEmptyTile returns the tile served when no data exists.
func (s *TileService) GetEmptyTile() ([]byte, error) {
	if s.source.Format() == render.FormatPNG {
		return s.renderer.CreateEmptyTile()
	}
	return []byte{}, nil
}

// TileJSON is the TileJSON 2.2.0 document of a dataset.
type TileJSON struct {
	TileJSON     string               `json:"tilejson"`
	Name         string               `json:"name"`
	Format       string               `json:"format"`
	Scheme       string               `json:"scheme"`
	Tiles        []string             `json:"tiles"`
	Bounds       [4]float64           `json:"bounds"`
	Center       [3]float64           `json:"center"`
	MinZoom      int                  `json:"minzoom"`
	MaxZoom      int                  `json:"maxzoom"`
	VectorLayers []source.VectorLayer `json:"vector_layers,omitempty"`
	Updated      int64                `json:"updated"`
}

// TileJSON returns the encoded TileJSON document for tilesURL.
func (s *TileService) TileJSON(ctx context.Context, tilesURL string) ([]byte, error) {
	info, err := s.source.GetInfo(ctx)
	if err != nil {
		return nil, err
	}

	key := cache.InfoKey(s.datasetID, s.source.Revision(), tilesURL)
	if data, ok := s.cache.GetInfo(key); ok {
		return data, nil
	}

	doc := TileJSON{
		TileJSON: "2.2.0",
		Name:     s.datasetID,
		Format:   s.Format(),
		Scheme:   "xyz",
		Tiles:    []string{tilesURL},
		Bounds:   info.Bounds,
		Center:   info.Center,
		MinZoom:  info.MinZoom,
		MaxZoom:  info.MaxZoom,
		Updated:  info.Updated,
	}
	if s.Format() == render.FormatPBF {
		doc.VectorLayers = info.VectorLayers
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tilejson: %w", err)
	}
	s.cache.SetInfo(key, data)
	return data, nil
}

// Recalculate recomputes the dataset info. Cached tiles of the previous
// generation are no longer served when the root zoom changes, and cached
// TileJSON documents are dropped on every recalculation.
func (s *TileService) Recalculate(ctx context.Context) (source.Info, error) {
	return s.source.CalculateInfo(ctx)
}

// Preload warms the root tiles covering bbox [w, s, e, n].
func (s *TileService) Preload(ctx context.Context, bbox []float64, workers int) error {
	if len(bbox) != 4 {
		return fmt.Errorf("preload bbox must have 4 values, got %d", len(bbox))
	}
	bound := orb.Bound{
		Min: orb.Point{bbox[0], bbox[1]},
		Max: orb.Point{bbox[2], bbox[3]},
	}
	return s.source.Preload(ctx, bound, workers)
}

// Stats returns per-dataset statistics.
func (s *TileService) Stats() map[string]interface{} {
	st := s.source.Stats()
	return map[string]interface{}{
		"format":         s.Format(),
		"generation":     s.source.Generation(),
		"revision":       s.source.Revision(),
		"roots_building": st.Building,
		"roots_ready":    st.Ready,
		"ready_roots":    st.ReadyRoots,
	}
}

// Close releases the dataset's renderers.
func (s *TileService) Close(ctx context.Context) error {
	return s.source.Close(ctx)
}
