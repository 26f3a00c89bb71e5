package serveengine

import (
	"math/rand"
	"strings"
	"time"

	"github.com/tileserved/tileserved/internal/tile"
)

// CacheConfig holds the cache-duration knobs, matching the mod_tile
// directives of the same name.
type CacheConfig struct {
	ExtendedHostname   string
	ExtendedDuration   time.Duration
	DurationDirty      time.Duration
	DurationMax        time.Duration
	DurationMinimum    time.Duration
	DurationLowZoom    time.Duration
	LevelLowZoom       int
	DurationMediumZoom time.Duration
	LevelMediumZoom    int
	LastModifiedFactor float64
}

// MinCacheTable precomputes the per-zoom cache floor, exactly as the
// original config post_config hook does.
type MinCacheTable [tile.MaxZoom + 1]time.Duration

func (c CacheConfig) BuildMinCacheTable() MinCacheTable {
	var t MinCacheTable
	for z := 0; z <= tile.MaxZoom; z++ {
		switch {
		case z <= c.LevelLowZoom:
			t[z] = c.DurationLowZoom
		case z <= c.LevelMediumZoom:
			t[z] = c.DurationMediumZoom
		default:
			t[z] = c.DurationMinimum
		}
	}
	return t
}

// MaxAge computes the Cache-Control max-age for a tile, reproducing
// add_expiry's branches: an extended-caching hostname override, a short
// jittered age for stale tiles, and otherwise the larger of a per-zoom
// floor, time-to-next-planet-render and tile-age-scaled duration, all
// capped at DurationMax.
func MaxAge(cfg CacheConfig, minCache MinCacheTable, hostname string, z int, state tile.State, planetTimestamp, tileModTime, now time.Time) time.Duration {
	if cfg.ExtendedHostname != "" && strings.Contains(hostname, cfg.ExtendedHostname) {
		return cfg.ExtendedDuration
	}

	var maxAge time.Duration
	if state == tile.Stale {
		holdoff := time.Duration(rand.Int63n(int64(cfg.DurationDirty/2) + 1))
		maxAge = cfg.DurationDirty + holdoff
	} else {
		floor := cfg.DurationMinimum
		if z >= 0 && z < len(minCache) {
			floor = minCache[z]
		}
		untilNextPlanet := planetTimestamp.Add(PlanetInterval).Sub(now)
		lastModified := time.Duration(float64(now.Sub(tileModTime)) * cfg.LastModifiedFactor)

		maxAge = floor
		if untilNextPlanet > maxAge {
			maxAge = untilNextPlanet
		}
		if lastModified > maxAge {
			maxAge = lastModified
		}
		jitter := time.Duration(rand.Int63n(int64(3 * time.Hour)))
		maxAge += jitter
	}

	if maxAge > cfg.DurationMax {
		maxAge = cfg.DurationMax
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return maxAge
}
