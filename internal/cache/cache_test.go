package cache

import (
	"testing"
	"time"

	"github.com/feature-tiles/server/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTileKey(t *testing.T) {
	got := TileKey("roads", 3, 6, 28, 30, "pbf")
	if got != "tile:roads@3:6/28/30.pbf" {
		t.Fatalf("unexpected key %q", got)
	}
	if TileKey("roads", 4, 6, 28, 30, "pbf") == got {
		t.Fatalf("expected generation to change the key")
	}
	if TileKey("roads", 3, 6, 28, 30, "png") == got {
		t.Fatalf("expected format to change the key")
	}
}

func TestInfoKey(t *testing.T) {
	a := InfoKey("roads", 1, "http://a.example/d/roads/tiles/{z}/{x}/{y}.pbf")
	b := InfoKey("roads", 1, "http://b.example/d/roads/tiles/{z}/{x}/{y}.pbf")
	if a == b {
		t.Fatalf("expected different hosts to produce different keys")
	}
	if a != InfoKey("roads", 1, "http://a.example/d/roads/tiles/{z}/{x}/{y}.pbf") {
		t.Fatalf("expected stable key")
	}
}

func TestManagerRoundTrip(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewManager(Config{
		TileCacheSizeMB: 8,
		TileTTL:         time.Minute,
		InfoCacheSize:   2,
		Metrics:         metrics.New(reg),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	key := TileKey("roads", 1, 0, 0, 0, "pbf")
	if _, ok := m.GetTile(key); ok {
		t.Fatalf("expected miss on empty cache")
	}
	if err := m.SetTile(key, []byte("tile")); err != nil {
		t.Fatalf("SetTile: %v", err)
	}
	data, ok := m.GetTile(key)
	if !ok || string(data) != "tile" {
		t.Fatalf("expected hit, got %q %v", data, ok)
	}

	for i := 0; i < 3; i++ {
		m.SetInfo(InfoKey("roads", uint64(i), "u"), []byte("{}"))
	}
	if _, ok := m.GetInfo(InfoKey("roads", 0, "u")); ok {
		t.Fatalf("expected oldest info entry to be evicted")
	}
	if _, ok := m.GetInfo(InfoKey("roads", 2, "u")); !ok {
		t.Fatalf("expected newest info entry")
	}

	if got := testutil.ToFloat64(m.metrics.CacheHits.WithLabelValues("tile")); got != 1 {
		t.Fatalf("tile hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.metrics.CacheMisses.WithLabelValues("info")); got != 1 {
		t.Fatalf("info misses = %v, want 1", got)
	}
}
