package serveengine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// PlanetTimestampFile is the well-known marker file under tile_dir whose
// mtime stamps the last complete render of the whole data source.
const PlanetTimestampFile = "planet-timestamp"

// PlanetInterval is the assumed cadence of a full planet rerender, used to
// estimate when the next one is due.
const PlanetInterval = 7 * 24 * time.Hour

// planetRefresh is how rarely the timestamp file is restatted; mirrors the
// render daemon's 300-second check interval.
const planetRefresh = 300 * time.Second

// PlanetClock caches the tile_dir's planet timestamp, restatting the marker
// file at most once per refresh window instead of on every request.
type PlanetClock struct {
	tileDir string
	cache   *ttlcache.Cache[string, time.Time]
}

const planetClockKey = "planet"

func NewPlanetClock(tileDir string) *PlanetClock {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, time.Time](planetRefresh),
		ttlcache.WithLoader(ttlcache.LoaderFunc[string, time.Time](
			func(c *ttlcache.Cache[string, time.Time], key string) *ttlcache.Item[string, time.Time] {
				return c.Set(key, statPlanetTimestamp(tileDir), ttlcache.DefaultTTL)
			},
		)),
	)
	return &PlanetClock{tileDir: tileDir, cache: cache}
}

// Timestamp returns the cached planet timestamp, refreshing from disk at
// most once every 300 seconds.
func (p *PlanetClock) Timestamp() time.Time {
	item := p.cache.Get(planetClockKey)
	if item == nil {
		return statPlanetTimestamp(p.tileDir)
	}
	return item.Value()
}

func statPlanetTimestamp(tileDir string) time.Time {
	info, err := os.Stat(filepath.Join(tileDir, PlanetTimestampFile))
	if err != nil {
		return time.Now().Add(-3 * 24 * time.Hour)
	}
	return info.ModTime()
}
