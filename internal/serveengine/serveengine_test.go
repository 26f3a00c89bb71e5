package serveengine

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tileserved/tileserved/internal/delaypool"
	"github.com/tileserved/tileserved/internal/metastore"
	"github.com/tileserved/tileserved/internal/renderclient"
	"github.com/tileserved/tileserved/internal/stats"
	"github.com/tileserved/tileserved/internal/tile"
	"github.com/tileserved/tileserved/internal/tileaddr"
)

func newEngine(t *testing.T, root string) *Engine {
	t.Helper()
	codec := tileaddr.New(root, tileaddr.Flat)
	cfg := CacheConfig{
		DurationDirty:      15 * time.Minute,
		DurationMax:        7 * 24 * time.Hour,
		DurationMinimum:    3 * time.Hour,
		DurationLowZoom:    6 * 24 * time.Hour,
		LevelLowZoom:       6,
		DurationMediumZoom: 24 * time.Hour,
		LevelMediumZoom:    12,
	}
	return &Engine{
		Codec:          codec,
		Store:          metastore.New(codec),
		Render:         renderclient.New(filepath.Join(t.TempDir(), "nonexistent.sock"), time.Second, time.Second, nil),
		Pool:           nil,
		Stats:          stats.New(true, nil),
		Planet:         NewPlanetClock(root),
		CacheCfg:       cfg,
		MinCache:       cfg.BuildMinCacheTable(),
		MaxLoadOld:     5,
		MaxLoadMissing: 5,
	}
}

func TestServeReturns404WhenMissingAndRenderFails(t *testing.T) {
	root := t.TempDir()
	e := newEngine(t, root)
	k := tile.Key{Style: "osm", Z: 5, X: 1, Y: 1, Layer: tile.NoLayer}
	res := e.Serve(k, net.ParseIP("127.0.0.1"), "tile.example.com")
	assert.Equal(t, 404, res.Status)
}

func TestServeMissingUnderHighLoadSkipsRenderAndMarksDirty(t *testing.T) {
	root := t.TempDir()
	e := newEngine(t, root)
	e.Load = StaticLoad(20)
	e.MaxLoadMissing = 5
	k := tile.Key{Style: "osm", Z: 5, X: 1, Y: 1, Layer: tile.NoLayer}
	res := e.Serve(k, net.ParseIP("127.0.0.1"), "tile.example.com")
	assert.Equal(t, 404, res.Status)
}

func TestServeStaleUnderHighLoadServesStaleWithoutBlocking(t *testing.T) {
	root := t.TempDir()
	e := newEngine(t, root)
	e.Load = StaticLoad(20)
	e.MaxLoadOld = 5
	k := tile.Key{Style: "osm", Z: 5, X: 1, Y: 1, Layer: tile.NoLayer}
	path, err := e.Codec.TilePath(k)
	assert.NoError(t, err)
	assert.NoError(t, tileaddr.Mkdirp(path))
	assert.NoError(t, os.WriteFile(path, []byte("old"), 0666))
	old := time.Now().Add(-10 * 24 * time.Hour)
	assert.NoError(t, os.Chtimes(path, old, old))

	res := e.Serve(k, net.ParseIP("127.0.0.1"), "tile.example.com")
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, []byte("old"), res.Body)
}

func TestServeReturns200ForCurrentTile(t *testing.T) {
	root := t.TempDir()
	e := newEngine(t, root)
	k := tile.Key{Style: "osm", Z: 5, X: 1, Y: 1, Layer: tile.NoLayer}
	path, err := e.Codec.TilePath(k)
	assert.NoError(t, err)
	assert.NoError(t, tileaddr.Mkdirp(path))
	assert.NoError(t, os.WriteFile(path, []byte("pngdata"), 0666))

	res := e.Serve(k, net.ParseIP("127.0.0.1"), "tile.example.com")
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, []byte("pngdata"), res.Body)
	assert.NotEmpty(t, res.ETag)
}

func TestServeServesStaleTileAndFlagsDirty(t *testing.T) {
	root := t.TempDir()
	e := newEngine(t, root)
	k := tile.Key{Style: "osm", Z: 5, X: 1, Y: 1, Layer: tile.NoLayer}
	path, err := e.Codec.TilePath(k)
	assert.NoError(t, err)
	assert.NoError(t, tileaddr.Mkdirp(path))
	assert.NoError(t, os.WriteFile(path, []byte("old"), 0666))

	old := time.Now().Add(-10 * 24 * time.Hour)
	assert.NoError(t, os.Chtimes(path, old, old))

	res := e.Serve(k, net.ParseIP("127.0.0.1"), "tile.example.com")
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, []byte("old"), res.Body)
	assert.True(t, res.MaxAge < e.CacheCfg.DurationMax)
}

func TestServeThrottledReturns503(t *testing.T) {
	root := t.TempDir()
	e := newEngine(t, root)
	e.ThrottleOn = true
	pool := delaypool.New(delaypool.Config{TileBucketSize: 1, RenderBucketSize: 1, TileTopupRate: time.Hour, RenderTopupRate: time.Hour})
	pool.SetPenaltySleep(func(time.Duration) {})
	e.Pool = pool

	ip := net.ParseIP("127.0.0.1")
	k := tile.Key{Style: "osm", Z: 5, X: 1, Y: 1, Layer: tile.NoLayer}
	path, err := e.Codec.TilePath(k)
	assert.NoError(t, err)
	assert.NoError(t, tileaddr.Mkdirp(path))
	assert.NoError(t, os.WriteFile(path, []byte("pngdata"), 0666))

	// Seed then exhaust the bucket.
	e.Serve(k, ip, "tile.example.com")
	e.Serve(k, ip, "tile.example.com")
	res := e.Serve(k, ip, "tile.example.com")
	assert.Equal(t, 503, res.Status)
}

func TestMaxAgeExtendedHostnameOverride(t *testing.T) {
	cfg := CacheConfig{ExtendedHostname: "preview", ExtendedDuration: 42 * time.Second, DurationMax: time.Hour}
	got := MaxAge(cfg, MinCacheTable{}, "preview.tiles.example.com", 3, tile.Current, time.Now(), time.Now(), time.Now())
	assert.Equal(t, 42*time.Second, got)
}

func TestMaxAgeClampsToDurationMax(t *testing.T) {
	cfg := CacheConfig{DurationMax: time.Hour, DurationMinimum: 10 * 24 * time.Hour}
	var table MinCacheTable
	for i := range table {
		table[i] = 10 * 24 * time.Hour
	}
	now := time.Now()
	got := MaxAge(cfg, table, "", 5, tile.Current, now.Add(-PlanetInterval*2), now.Add(-24*time.Hour), now)
	assert.Equal(t, time.Hour, got)
}
