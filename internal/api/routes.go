// Package api provides HTTP handlers for the feature tile server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/feature-tiles/server/internal/metrics"
	"github.com/feature-tiles/server/internal/service"
	"github.com/feature-tiles/server/internal/telemetry"
	"github.com/feature-tiles/server/internal/tilecache"
	"github.com/feature-tiles/server/internal/tilemath"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(requestLogging(logger, cfg.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Global endpoints (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/stats", statsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Get("/tile.json", tileJSONHandler)
		r.Post("/info", recalculateHandler(logger))
		r.Get("/tiles/{z}/{x}/{y}.pbf", tileHandler("pbf", logger))
		r.Get("/tiles/{z}/{x}/{y}.png", tileHandler("png", logger))
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the tile service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.TileService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.TileService); ok {
		return svc
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func statsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := make(map[string]interface{}, len(registry.DatasetIDs()))
		for _, id := range registry.DatasetIDs() {
			stats[id] = registry.Get(id).Stats()
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func tileJSONHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	data, err := svc.TileJSON(r.Context(), tilesURL(r, svc))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func recalculateHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not found", http.StatusInternalServerError)
			return
		}

		info, err := svc.Recalculate(r.Context())
		var closeErr *tilecache.CloseError
		if errors.As(err, &closeErr) {
			// The new info is in place; only the old renderers failed to close.
			logger.Warn("replaced cache did not close cleanly",
				zap.String("dataset", svc.ID()),
				zap.Int("failed", closeErr.Failed),
				zap.Error(err),
			)
			w.Header().Set("Warning", `199 - "replaced renderers failed to close"`)
			err = nil
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func tileHandler(ext string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not found", http.StatusInternalServerError)
			return
		}
		if svc.Format() != ext {
			http.Error(w, "dataset serves ."+svc.Format()+" tiles", http.StatusNotFound)
			return
		}

		z, err := strconv.Atoi(chi.URLParam(r, "z"))
		if err != nil {
			http.Error(w, "invalid z", http.StatusBadRequest)
			return
		}
		x, err := strconv.Atoi(chi.URLParam(r, "x"))
		if err != nil {
			http.Error(w, "invalid x", http.StatusBadRequest)
			return
		}
		y, err := strconv.Atoi(chi.URLParam(r, "y"))
		if err != nil {
			http.Error(w, "invalid y", http.StatusBadRequest)
			return
		}

		data, err := svc.GetTile(r.Context(), z, x, y)
		if errors.Is(err, tilemath.ErrZoomBelowRoot) {
			// Tiles above the root zoom hold no data.
			data, err = svc.GetEmptyTile()
		}
		if err != nil {
			if r.Context().Err() == nil {
				logger.Warn("tile request failed",
					zap.String("dataset", svc.ID()),
					zap.Int("z", z), zap.Int("x", x), zap.Int("y", y),
					zap.Error(err),
				)
			}
			writeError(w, err)
			return
		}
		if len(data) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Header().Set("Content-Type", svc.ContentType())
		if ext == "pbf" {
			w.Header().Set("Content-Encoding", "gzip")
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

func tilesURL(r *http.Request, svc *service.TileService) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + "/d/" + svc.ID() + "/tiles/{z}/{x}/{y}." + svc.Format()
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		upstream *tilecache.UpstreamQueryError
		build    *tilecache.RenderBuildError
	)
	switch {
	case errors.Is(err, tilemath.ErrInvalidTile):
		return http.StatusBadRequest
	case errors.As(err, &upstream), errors.As(err, &build):
		return http.StatusBadGateway
	case errors.Is(err, tilecache.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
