// Package main is the entry point for the feature tile server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feature-tiles/server/internal/api"
	"github.com/feature-tiles/server/internal/cache"
	"github.com/feature-tiles/server/internal/config"
	"github.com/feature-tiles/server/internal/featurestore"
	"github.com/feature-tiles/server/internal/logger"
	"github.com/feature-tiles/server/internal/metrics"
	"github.com/feature-tiles/server/internal/render"
	"github.com/feature-tiles/server/internal/service"
	"github.com/feature-tiles/server/internal/source"
	"github.com/feature-tiles/server/internal/telemetry"
	"github.com/feature-tiles/server/internal/tilemath"
	"github.com/feature-tiles/server/pkg/colormap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	envPath := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	config.LoadDotEnv(*envPath)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx := context.Background()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
		}, zlog)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				zlog.Warn("failed to flush traces", zap.Error(err))
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		InfoCacheSize:   cfg.Cache.InfoCacheSize,
		Metrics:         m,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	// Initialize tile renderer (shared across all datasets)
	tileRenderer := render.NewTileRenderer(render.Config{
		TileSize:        cfg.Render.TileSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})
	projection := tilemath.Projection{TileSize: cfg.Render.TileSize, Buffer: cfg.Render.Buffer}

	// One store per distinct database path
	stores := make(map[string]*featurestore.SQLiteStore)
	defer func() {
		for path, st := range stores {
			if err := st.Close(); err != nil {
				zlog.Warn("failed to close feature store", zap.String("path", path), zap.Error(err))
			}
		}
	}()
	openStore := func(path string) (*featurestore.SQLiteStore, error) {
		if st, ok := stores[path]; ok {
			return st, nil
		}
		st, err := featurestore.NewSQLiteStore(ctx, path, zlog)
		if err != nil {
			return nil, err
		}
		stores[path] = st
		return st, nil
	}

	registry := api.NewDatasetRegistry("")
	datasetIDs := cfg.Datasets.IDs()
	if len(datasetIDs) == 0 {
		return errors.New("no datasets configured")
	}
	zlog.Info("initializing datasets",
		zap.Int("count", len(datasetIDs)),
		zap.String("default", cfg.Datasets.Default()),
	)

	type preload struct {
		svc  *service.TileService
		bbox []float64
	}
	var preloads []preload

	for _, id := range datasetIDs {
		ds := cfg.Datasets.Entries[id]
		storePath := ds.Store
		if storePath == "" {
			storePath = cfg.Store.Path
		}
		store, err := openStore(storePath)
		if err != nil {
			return fmt.Errorf("failed to open store for dataset %q: %w", id, err)
		}

		cmap := ds.Colormap
		if cmap == "" {
			cmap = cfg.Render.DefaultColormap
		}
		if _, ok := colormap.ByName(cmap); !ok {
			zlog.Warn("unknown colormap, using default",
				zap.String("id", id),
				zap.String("colormap", cmap),
				zap.Strings("available", colormap.Names()),
			)
		}
		src, err := source.New(source.Options{
			Dataset:     ds.Dataset,
			Format:      ds.Format,
			Store:       store,
			Builder:     tileRenderer,
			Projection:  projection,
			Extent:      cfg.Render.Extent,
			Colormap:    cmap,
			LineWidth:   cfg.Render.LineWidth,
			PointRadius: cfg.Render.PointRadius,
			Logger:      zlog,
			Metrics:     m,
		})
		if err != nil {
			return fmt.Errorf("invalid dataset %q: %w", id, err)
		}

		svc := service.NewTileService(service.TileServiceConfig{
			DatasetID: id,
			Source:    src,
			Cache:     cacheManager,
			Renderer:  tileRenderer,
			Logger:    zlog,
		})
		registry.Register(id, svc)
		zlog.Info("dataset registered",
			zap.String("id", id),
			zap.String("dataset", ds.Dataset),
			zap.String("format", ds.Format),
			zap.String("store", storePath),
		)

		if len(ds.PreloadBbox) == 4 {
			preloads = append(preloads, preload{svc: svc, bbox: ds.PreloadBbox})
		}
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      zlog,
		Metrics:     m,
		Gatherer:    reg,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	preloadCtx, cancelPreload := context.WithCancel(ctx)
	defer cancelPreload()
	for _, p := range preloads {
		go func() {
			if err := p.svc.Preload(preloadCtx, p.bbox, cfg.Server.PreloadWorkers); err != nil && preloadCtx.Err() == nil {
				zlog.Warn("preload failed", zap.String("dataset_id", p.svc.ID()), zap.Error(err))
			}
		}()
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		zlog.Info("server listening", zap.Int("port", cfg.Server.Port), zap.String("version", version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return err
	}

	zlog.Info("shutting down server")
	cancelPreload()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("server forced to shutdown", zap.Error(err))
	}
	if err := registry.Close(shutdownCtx); err != nil {
		zlog.Warn("failed to close datasets", zap.Error(err))
	}

	zlog.Info("server stopped")
	return nil
}
