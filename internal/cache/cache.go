// Package cache provides response caching for encoded tiles and TileJSON
// documents. Keys carry the source generation so a cache rebuild after a
// zoom recalculation never serves stale bytes.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/feature-tiles/server/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	InfoCacheSize   int
	Metrics         *metrics.Metrics
}

// Manager manages the tile and info caches.
type Manager struct {
	tileCache *bigcache.BigCache
	infoCache *lru.Cache[string, []byte]
	metrics   *metrics.Metrics
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.InfoCacheSize <= 0 {
		cfg.InfoCacheSize = 128
	}

	tileCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	infoCache, err := lru.New[string, []byte](cfg.InfoCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create info cache: %w", err)
	}

	return &Manager{
		tileCache: tileCache,
		infoCache: infoCache,
		metrics:   cfg.Metrics,
	}, nil
}

// GetTile retrieves a tile from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	m.metrics.CacheLookup("tile", err == nil)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores a tile in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// GetInfo retrieves an encoded TileJSON document.
func (m *Manager) GetInfo(key string) ([]byte, bool) {
	data, ok := m.infoCache.Get(key)
	m.metrics.CacheLookup("info", ok)
	return data, ok
}

// SetInfo stores an encoded TileJSON document.
func (m *Manager) SetInfo(key string, data []byte) {
	m.infoCache.Add(key, data)
}

// TileKey generates a cache key for a tile of one source generation.
func TileKey(dataset string, generation uint64, z, x, y int, ext string) string {
	return fmt.Sprintf("tile:%s@%d:%d/%d/%d.%s", dataset, generation, z, x, y, ext)
}

// InfoKey generates a cache key for a TileJSON document of one info
// revision. The tiles URL is hashed since it embeds the request host.
func InfoKey(dataset string, revision uint64, tilesURL string) string {
	h := sha256.New()
	h.Write([]byte(tilesURL))
	return fmt.Sprintf("info:%s#%d:%s", dataset, revision, hex.EncodeToString(h.Sum(nil))[:16])
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"tile_cache_len": m.tileCache.Len(),
		"tile_cache_cap": m.tileCache.Capacity(),
		"info_cache_len": m.infoCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
