// Package serveengine implements the per-request decision pipeline: given
// a tile key already parsed and validated by the HTTP layer, classify its freshness against the
// planet timestamp, throttle the client, decide whether to dispatch a
// render, and compute the resulting cache headers.
package serveengine

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/tileserved/tileserved/internal/metastore"
	"github.com/tileserved/tileserved/internal/renderclient"
	"github.com/tileserved/tileserved/internal/stats"
	"github.com/tileserved/tileserved/internal/tile"
	"github.com/tileserved/tileserved/internal/tileaddr"
)

// Throttler is satisfied by both delaypool.Pool and delaypool.SyncRedisPool
// (the synchronous adapter around delaypool.RedisPool), letting Engine back
// its throttling decision with either the in-process hashtable or a
// Redis-shared one.
type Throttler interface {
	Allow(ip net.IP, state tile.State) bool
}

// Result is what a Serve call hands back to the HTTP layer: the tile bytes
// (if any), the computed cache headers and an ETag, and the HTTP status to
// respond with.
type Result struct {
	Status   int
	Body     []byte
	MaxAge   time.Duration
	ETag     string
	Modified time.Time
}

// Engine wires together path resolution, storage, render dispatch,
// throttling, stats and cache-header computation into the tile_handler_*
// request flow.
type Engine struct {
	Codec      *tileaddr.PathCodec
	Store      *metastore.Store
	Render     *renderclient.Client
	Pool       Throttler
	Stats      *stats.Counters
	Planet     *PlanetClock
	CacheCfg   CacheConfig
	MinCache   MinCacheTable
	ThrottleOn bool
	Logger     *zap.SugaredLogger

	// Load gates whether a Stale/Missing tile is rendered synchronously or
	// just marked dirty/dropped. A nil Load always takes the synchronous
	// path, as if the machine were idle.
	Load           LoadMonitor
	MaxLoadOld     float64
	MaxLoadMissing float64
}

func (e *Engine) loadAvg() float64 {
	if e.Load == nil {
		return 0
	}
	return e.Load.Load()
}

// Serve resolves k to bytes, dispatching a render if missing/stale and
// throttling allows it, and fills in the cache headers for the response.
func (e *Engine) Serve(k tile.Key, clientIP net.IP, hostname string) Result {
	state, modTime := e.classify(k)

	if e.ThrottleOn && e.Pool != nil {
		if !e.Pool.Allow(clientIP, state) {
			e.Stats.IncResponse(stats.Resp503, k.Z)
			return Result{Status: 503}
		}
	}

	switch state {
	case tile.Missing:
		if e.loadAvg() > e.MaxLoadMissing {
			// Too loaded to render on demand; queue it and tell the
			// client to try again later rather than block the worker.
			e.Render.Request(k, renderclient.Dirty)
			e.Stats.IncResponse(stats.Resp404, k.Z)
			return Result{Status: 404}
		}
		rendered := e.Render.Request(k, renderclient.RenderPrio)
		if !rendered {
			e.Stats.IncResponse(stats.Resp404, k.Z)
			return Result{Status: 404}
		}
		e.Stats.IncFreshness(stats.FreshRender)
		state, modTime = e.classify(k)
	case tile.Stale:
		if e.loadAvg() > e.MaxLoadOld {
			// Serve the stale copy immediately but kick off a background
			// rerender so the next request is current.
			e.Render.Request(k, renderclient.Dirty)
			e.Stats.IncFreshness(stats.OldCache)
			break
		}
		if e.Render.Request(k, renderclient.Render) {
			e.Stats.IncFreshness(stats.FreshRender)
			state, modTime = e.classify(k)
		} else {
			e.Render.Request(k, renderclient.Dirty)
			e.Stats.IncFreshness(stats.OldCache)
		}
	case tile.Current:
		e.Stats.IncFreshness(stats.FreshCache)
	}

	body, err := e.read(k)
	if err != nil {
		e.Stats.IncResponse(stats.Resp404, k.Z)
		return Result{Status: 404}
	}

	e.Stats.IncResponse(stats.Resp200, k.Z)
	maxAge := MaxAge(e.CacheCfg, e.MinCache, hostname, k.Z, state, e.Planet.Timestamp(), modTime, time.Now())
	return Result{
		Status:   200,
		Body:     body,
		MaxAge:   maxAge,
		ETag:     etag(body),
		Modified: modTime,
	}
}

// Dirty marks k for asynchronous rerender without waiting for a reply,
// serving the tile_dirty handler's semantics.
func (e *Engine) Dirty(k tile.Key) {
	e.Render.Request(k, renderclient.Dirty)
}

// Status reports k's freshness without serving or rendering it.
func (e *Engine) Status(k tile.Key) tile.State {
	state, _ := e.classify(k)
	return state
}

// classify reads k's on-disk modification time (metatile first, falling
// back to a loose tile file) and compares it against the planet cutoff.
func (e *Engine) classify(k tile.Key) (tile.State, time.Time) {
	modTime, ok := e.modTime(k)
	if !ok {
		return tile.Missing, time.Time{}
	}
	if modTime.Before(e.Planet.Timestamp()) {
		return tile.Stale, modTime
	}
	return tile.Current, modTime
}

func (e *Engine) modTime(k tile.Key) (time.Time, bool) {
	if metaPath, _, err := e.Codec.MetaPath(k); err == nil {
		if fi, err := os.Stat(metaPath); err == nil {
			return fi.ModTime(), true
		}
	}
	if path, err := e.Codec.TilePath(k); err == nil {
		if fi, err := os.Stat(path); err == nil {
			return fi.ModTime(), true
		}
	}
	return time.Time{}, false
}

// read fetches k's bytes, preferring the metatile store and falling back
// to a loose tile file on any of metastore's typed read failures.
func (e *Engine) read(k tile.Key) ([]byte, error) {
	if e.Store != nil {
		data, err := e.Store.Read(k)
		if err == nil {
			return data, nil
		}
		var rerr *metastore.ReadError
		if !errors.As(err, &rerr) {
			return nil, err
		}
	}
	path, err := e.Codec.TilePath(k)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func etag(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}
