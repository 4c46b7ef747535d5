package api

import (
	"context"

	"github.com/feature-tiles/server/internal/service"
	"golang.org/x/sync/errgroup"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string `json:"id"`
	Format string `json:"format"`
}

// DatasetRegistry holds tile services for all configured datasets.
type DatasetRegistry struct {
	services       map[string]*service.TileService
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(title string) *DatasetRegistry {
	return &DatasetRegistry{
		services: make(map[string]*service.TileService),
		title:    title,
	}
}

// Register adds a tile service for a dataset. The first registered dataset
// becomes the default.
func (r *DatasetRegistry) Register(datasetID string, svc *service.TileService) {
	if _, ok := r.services[datasetID]; !ok {
		r.datasetOrder = append(r.datasetOrder, datasetID)
	}
	if r.defaultDataset == "" {
		r.defaultDataset = datasetID
	}
	r.services[datasetID] = svc
}

// Get returns the tile service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.TileService {
	return r.services[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in registration order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return append([]string(nil), r.datasetOrder...)
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Feature Tiles"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		infos = append(infos, DatasetInfo{
			ID:     id,
			Format: r.services[id].Format(),
		})
	}
	return infos
}

// Close closes every dataset concurrently and returns the first error.
func (r *DatasetRegistry) Close(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range r.datasetOrder {
		svc := r.services[id]
		g.Go(func() error { return svc.Close(ctx) })
	}
	return g.Wait()
}
