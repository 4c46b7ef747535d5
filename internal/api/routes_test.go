package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/feature-tiles/server/internal/cache"
	"github.com/feature-tiles/server/internal/featurestore"
	"github.com/feature-tiles/server/internal/metrics"
	"github.com/feature-tiles/server/internal/render"
	"github.com/feature-tiles/server/internal/service"
	"github.com/feature-tiles/server/internal/source"
	"github.com/feature-tiles/server/internal/tilecache"
	"github.com/feature-tiles/server/internal/tilemath"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeStore struct {
	mu       sync.Mutex
	features *geojson.FeatureCollection
	size     int64
	queryErr error
}

func (s *fakeStore) QueryByBbox(ctx context.Context, bbox orb.Bound, dataset string) (*geojson.FeatureCollection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	out := geojson.NewFeatureCollection()
	for _, f := range s.features.Features {
		if f.Geometry.Bound().Intersects(bbox) {
			out.Append(f)
		}
	}
	return out, nil
}

func (s *fakeStore) DatasetSummary(ctx context.Context, dataset string) (featurestore.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.features.Features) == 0 {
		return featurestore.Summary{}, featurestore.ErrEmptyDataset
	}
	b := s.features.Features[0].Geometry.Bound()
	for _, f := range s.features.Features[1:] {
		b = b.Union(f.Geometry.Bound())
	}
	return featurestore.Summary{Size: s.size, Bounds: b, Count: len(s.features.Features)}, nil
}

func newStore() *fakeStore {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{10, 10}))
	fc.Append(geojson.NewFeature(orb.Point{-100, 40}))
	return &fakeStore{features: fc, size: 200}
}

func setupRouter(t *testing.T, store *fakeStore) (http.Handler, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cm, err := cache.NewManager(cache.Config{TileCacheSizeMB: 8, TileTTL: time.Minute, InfoCacheSize: 8, Metrics: m})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = cm.Close() })

	renderer := render.NewTileRenderer(render.Config{TileSize: 256})
	registry := NewDatasetRegistry("")
	for _, ds := range []struct{ id, format string }{{"roads", render.FormatPBF}, {"heat", render.FormatPNG}} {
		src, err := source.New(source.Options{
			Dataset: ds.id,
			Format:  ds.format,
			Store:   store,
			Builder: renderer,
			Metrics: m,
		})
		if err != nil {
			t.Fatalf("source.New: %v", err)
		}
		registry.Register(ds.id, service.NewTileService(service.TileServiceConfig{
			Source:   src,
			Cache:    cm,
			Renderer: renderer,
		}))
	}
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	return NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"*"},
		Metrics:     m,
		Gatherer:    reg,
	}), reg
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndDatasets(t *testing.T) {
	router, _ := setupRouter(t, newStore())

	rec := do(t, router, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health: status=%d body=%q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected %s header", RequestIDHeader)
	}

	rec = do(t, router, http.MethodGet, "/api/datasets")
	if rec.Code != http.StatusOK {
		t.Fatalf("datasets: status=%d", rec.Code)
	}
	var body struct {
		Default  string        `json:"default"`
		Datasets []DatasetInfo `json:"datasets"`
		Title    string        `json:"title"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode datasets: %v", err)
	}
	if body.Default != "roads" {
		t.Fatalf("default = %q, want roads", body.Default)
	}
	if len(body.Datasets) != 2 || body.Datasets[1].ID != "heat" || body.Datasets[1].Format != "png" {
		t.Fatalf("unexpected datasets %+v", body.Datasets)
	}
}

func TestUnknownDataset(t *testing.T) {
	router, _ := setupRouter(t, newStore())

	rec := do(t, router, http.MethodGet, "/d/missing/tiles/0/0/0.pbf")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTileJSONRoute(t *testing.T) {
	router, _ := setupRouter(t, newStore())

	rec := do(t, router, http.MethodGet, "/d/roads/tile.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var doc service.TileJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode tilejson: %v", err)
	}
	want := "http://example.com/d/roads/tiles/{z}/{x}/{y}.pbf"
	if len(doc.Tiles) != 1 || doc.Tiles[0] != want {
		t.Fatalf("tiles = %v, want [%s]", doc.Tiles, want)
	}
	if len(doc.VectorLayers) != 1 || doc.VectorLayers[0].ID != "roads" {
		t.Fatalf("unexpected vector layers %+v", doc.VectorLayers)
	}
}

func TestTileRoutes(t *testing.T) {
	router, _ := setupRouter(t, newStore())

	t.Run("vector", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/d/roads/tiles/0/0/0.pbf")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get("Content-Type"); got != "application/x-protobuf" {
			t.Fatalf("content type = %q", got)
		}
		if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
			t.Fatalf("content encoding = %q, want gzip", got)
		}
		if rec.Body.Len() == 0 {
			t.Fatal("expected tile body")
		}
	})

	t.Run("emptyVector", func(t *testing.T) {
		// South east quadrant holds no features.
		rec := do(t, router, http.MethodGet, "/d/roads/tiles/1/1/1.pbf")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
	})

	t.Run("raster", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/d/heat/tiles/1/0/0.png")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get("Content-Type"); got != "image/png" {
			t.Fatalf("content type = %q", got)
		}
		if !strings.HasPrefix(rec.Body.String(), "\x89PNG") {
			t.Fatal("expected png signature")
		}
	})

	t.Run("wrongExtension", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/d/roads/tiles/0/0/0.png")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("outOfRange", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/d/roads/tiles/1/5/0.pbf")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("notANumber", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/d/roads/tiles/a/0/0.pbf")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestTileRouteAboveRootZoom(t *testing.T) {
	store := newStore()
	// Heavy enough that root tiles sit at zoom 3.
	store.size = 3 << 20
	router, _ := setupRouter(t, store)

	rec := do(t, router, http.MethodGet, "/d/roads/tiles/1/0/0.pbf")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("vector status = %d, want 204", rec.Code)
	}

	rec = do(t, router, http.MethodGet, "/d/heat/tiles/1/0/0.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("raster status = %d, want 200", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "\x89PNG") {
		t.Fatal("expected an empty png tile")
	}
}

func TestTileRouteUpstreamFailure(t *testing.T) {
	store := newStore()
	store.queryErr = errors.New("database is locked")
	router, _ := setupRouter(t, store)

	rec := do(t, router, http.MethodGet, "/d/roads/tiles/0/0/0.pbf")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "database is locked") {
		t.Fatalf("expected upstream cause in body, got %q", rec.Body.String())
	}
}

func TestRecalculateRoute(t *testing.T) {
	router, _ := setupRouter(t, newStore())

	rec := do(t, router, http.MethodPost, "/d/roads/info")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var info source.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.MinZoom != 0 || info.MaxZoom < info.MinZoom {
		t.Fatalf("unexpected zoom range %d..%d", info.MinZoom, info.MaxZoom)
	}

	if rec := do(t, router, http.MethodGet, "/d/roads/info"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET info status = %d, want 405", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	router, _ := setupRouter(t, newStore())

	do(t, router, http.MethodGet, "/d/roads/tiles/0/0/0.pbf")
	do(t, router, http.MethodGet, "/d/roads/tiles/0/0/0.pbf")

	rec := do(t, router, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"http_requests_total", "tiles_requests_total", "tiles_cache_hits_total"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
	if !strings.Contains(string(body), `route="/d/{dataset}/tiles/{z}/{x}/{y}.pbf"`) {
		t.Fatalf("expected requests labelled by route pattern")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", fmt.Errorf("wrap: %w", tilemath.ErrInvalidTile), http.StatusBadRequest},
		{"upstream", &tilecache.UpstreamQueryError{Dataset: "roads", Err: errors.New("boom")}, http.StatusBadGateway},
		{"build", &tilecache.RenderBuildError{Dataset: "roads", Err: errors.New("boom")}, http.StatusBadGateway},
		{"closed", tilecache.ErrClosed, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
