// Package main loads GeoJSON feature collections into the feature store.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/feature-tiles/server/internal/featurestore"
	"github.com/feature-tiles/server/internal/logger"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

func main() {
	dbPath := flag.String("db", "./data/features.db", "Path to the feature store database")
	dataset := flag.String("dataset", "", "Dataset name to import into")
	replace := flag.Bool("replace", false, "Delete existing features of the dataset first")
	level := flag.String("log-level", "info", "Log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -dataset NAME [flags] [file.geojson ...]\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Reads stdin when no file is given.")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *dataset == "" {
		flag.Usage()
		os.Exit(2)
	}

	zlog, err := logger.New(*level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := featurestore.NewSQLiteStore(ctx, *dbPath, zlog)
	if err != nil {
		zlog.Fatal("failed to open feature store", zap.String("path", *dbPath), zap.Error(err))
	}
	defer store.Close()

	if *replace {
		if err := store.Delete(ctx, *dataset); err != nil {
			zlog.Fatal("failed to clear dataset", zap.Error(err))
		}
	}

	files := flag.Args()
	if len(files) == 0 {
		files = []string{"-"}
	}

	total := 0
	for _, name := range files {
		n, err := importFile(ctx, store, *dataset, name)
		if err != nil {
			zlog.Fatal("import failed", zap.String("file", name), zap.Error(err))
		}
		zlog.Info("imported", zap.String("file", name), zap.Int("features", n))
		total += n
	}

	zlog.Info("import complete", zap.String("dataset", *dataset), zap.Int("features", total))
}

func importFile(ctx context.Context, store *featurestore.SQLiteStore, dataset, name string) (int, error) {
	var r io.Reader = os.Stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", name, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return store.Put(ctx, dataset, fc)
}
