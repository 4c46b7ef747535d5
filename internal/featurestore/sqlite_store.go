package featurestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore keeps features in a SQLite table with one bound per row.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath and applies migrations.
func NewSQLiteStore(ctx context.Context, dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.Named("featurestore")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	s.logger.Info("feature store opened", zap.String("path", dbPath))
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		s.logger.Debug("applied migration", zap.String("source", r.Source.Path), zap.Duration("duration", r.Duration))
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put inserts or replaces the features of fc in dataset. Features without an
// id get a generated one. Returns the number of features written.
func (s *SQLiteStore) Put(ctx context.Context, dataset string, fc *geojson.FeatureCollection) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO features (dataset, id, west, south, east, north, geojson, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dataset, id) DO UPDATE SET
			west = excluded.west,
			south = excluded.south,
			east = excluded.east,
			north = excluded.north,
			geojson = excluded.geojson,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	written := 0
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			return written, fmt.Errorf("feature %d has no geometry", i)
		}
		// Generated ids go on a shallow copy; the caller's feature is left as is.
		stored := f
		if f.ID == nil {
			cp := *f
			cp.ID = uuid.New().String()
			stored = &cp
		}
		data, err := stored.MarshalJSON()
		if err != nil {
			return written, fmt.Errorf("failed to encode feature %d: %w", i, err)
		}

		b := stored.Geometry.Bound()
		_, err = stmt.ExecContext(ctx, dataset, fmt.Sprint(stored.ID), b.Min[0], b.Min[1], b.Max[0], b.Max[1], string(data), now)
		if err != nil {
			return written, fmt.Errorf("failed to insert feature %d: %w", i, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit features: %w", err)
	}

	s.logger.Debug("stored features", zap.String("dataset", dataset), zap.Int("count", written))
	return written, nil
}

// Delete removes every feature of dataset.
func (s *SQLiteStore) Delete(ctx context.Context, dataset string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM features WHERE dataset = ?", dataset)
	if err != nil {
		return fmt.Errorf("failed to delete dataset %q: %w", dataset, err)
	}
	return nil
}

// QueryByBbox returns the features of dataset intersecting bbox, in insertion order.
func (s *SQLiteStore) QueryByBbox(ctx context.Context, bbox orb.Bound, dataset string) (*geojson.FeatureCollection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT geojson FROM features
		WHERE dataset = ? AND west <= ? AND east >= ? AND south <= ? AND north >= ?
		ORDER BY rowid`,
		dataset, bbox.Max[0], bbox.Min[0], bbox.Max[1], bbox.Min[1])
	if err != nil {
		return nil, fmt.Errorf("failed to query features: %w", err)
	}
	defer rows.Close()

	fc := geojson.NewFeatureCollection()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		f, err := geojson.UnmarshalFeature([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode feature: %w", err)
		}
		fc.Append(f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read features: %w", err)
	}
	return fc, nil
}

// DatasetSummary returns the serialized size and extent of dataset.
func (s *SQLiteStore) DatasetSummary(ctx context.Context, dataset string) (Summary, error) {
	var (
		count                    int
		size                     sql.NullInt64
		west, south, east, north sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(LENGTH(geojson)), MIN(west), MIN(south), MAX(east), MAX(north)
		FROM features WHERE dataset = ?`, dataset).
		Scan(&count, &size, &west, &south, &east, &north)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Summary{}, ErrEmptyDataset
		}
		return Summary{}, fmt.Errorf("failed to summarize dataset %q: %w", dataset, err)
	}
	if count == 0 {
		return Summary{}, ErrEmptyDataset
	}

	return Summary{
		Size:  size.Int64,
		Count: count,
		Bounds: orb.Bound{
			Min: orb.Point{west.Float64, south.Float64},
			Max: orb.Point{east.Float64, north.Float64},
		},
	}, nil
}
