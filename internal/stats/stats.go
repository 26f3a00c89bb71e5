// Package stats tracks response and freshness counters for the serving
// engine, mirroring the render daemon's shared-memory stats block.
package stats

import (
	"context"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tileserved/tileserved/internal/tile"
)

// Response classifies the outcome of a serve request.
type Response int

const (
	Resp200 Response = iota
	Resp304
	Resp404
	Resp503
	Resp5XX
	RespOther
)

// Freshness classifies whether a served or rendered tile came from cache or
// was freshly rendered, and whether it was current or stale when fetched.
type Freshness int

const (
	FreshCache Freshness = iota
	OldCache
	FreshRender
	OldRender
)

// Snapshot is a point-in-time copy of the counters, safe to read without
// holding any lock.
type Snapshot struct {
	Resp200     int64
	Resp304     int64
	Resp404     int64
	Resp503     int64
	Resp5XX     int64
	RespOther   int64
	FreshCache  int64
	OldCache    int64
	FreshRender int64
	OldRender   int64
	RespByZoom  [tile.MaxZoom + 1]int64
}

// Counters accumulates stats in-process behind a mutex. When Enabled is
// false every increment is a documented no-op success, matching the
// original "pretend we updated the counter" behaviour so callers never have
// to special-case a disabled stats subsystem.
type Counters struct {
	Enabled bool

	mu   sync.Mutex
	snap Snapshot

	metrics *promMetrics
	redis   *RedisCounters
}

// MirrorToRedis makes every future increment also fire (best-effort, in the
// background) against a shared RedisCounters block, for deployments running
// more than one server process behind a load balancer. A failed mirror
// write is logged nowhere and simply dropped, same as the original's
// "LockUnavailable is best-effort skip" stats philosophy.
func (c *Counters) MirrorToRedis(rc *RedisCounters) {
	c.redis = rc
}

// New creates a Counters block, registering its prometheus collectors if a
// non-nil registerer is given.
func New(enabled bool, reg prometheus.Registerer) *Counters {
	c := &Counters{Enabled: enabled}
	if reg != nil {
		c.metrics = newPromMetrics(reg)
	}
	return c
}

func (c *Counters) IncResponse(resp Response, z int) bool {
	if !c.Enabled {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch resp {
	case Resp200:
		c.snap.Resp200++
		c.bumpZoomLocked(z)
	case Resp304:
		c.snap.Resp304++
		c.bumpZoomLocked(z)
	case Resp404:
		c.snap.Resp404++
	case Resp503:
		c.snap.Resp503++
	case Resp5XX:
		c.snap.Resp5XX++
	default:
		c.snap.RespOther++
	}
	if c.metrics != nil {
		c.metrics.responses.WithLabelValues(respLabel(resp)).Inc()
	}
	if c.redis != nil {
		go c.redis.IncResponse(context.Background(), resp, z)
	}
	return true
}

func (c *Counters) bumpZoomLocked(z int) {
	if z < 0 || z >= len(c.snap.RespByZoom) {
		return
	}
	c.snap.RespByZoom[z]++
}

func (c *Counters) IncFreshness(f Freshness) bool {
	if !c.Enabled {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch f {
	case FreshCache:
		c.snap.FreshCache++
	case OldCache:
		c.snap.OldCache++
	case FreshRender:
		c.snap.FreshRender++
	case OldRender:
		c.snap.OldRender++
	}
	if c.metrics != nil {
		c.metrics.freshness.WithLabelValues(freshnessLabel(f)).Inc()
	}
	if c.redis != nil {
		go c.redis.IncFreshness(context.Background(), f)
	}
	return true
}

// Snapshot returns a copy of the current counters.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// WriteText renders the snapshot in the original plain "Key: value" format.
func WriteText(w io.Writer, s Snapshot) error {
	lines := []struct {
		name string
		val  int64
	}{
		{"NoResp200", s.Resp200},
		{"NoResp304", s.Resp304},
		{"NoResp404", s.Resp404},
		{"NoResp503", s.Resp503},
		{"NoResp5XX", s.Resp5XX},
		{"NoRespOther", s.RespOther},
		{"NoFreshCache", s.FreshCache},
		{"NoOldCache", s.OldCache},
		{"NoFreshRender", s.FreshRender},
		{"NoOldRender", s.OldRender},
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "%s: %d\n", l.name, l.val); err != nil {
			return err
		}
	}
	for z, v := range s.RespByZoom {
		if _, err := fmt.Fprintf(w, "NoRespZoom%02d: %d\n", z, v); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON renders the snapshot as JSON, an addition not present in the
// original plain-text-only stats endpoint.
func WriteJSON(w io.Writer, s Snapshot) error {
	return jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(s)
}

type promMetrics struct {
	responses *prometheus.CounterVec
	freshness *prometheus.CounterVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileserved_responses_total",
			Help: "Counts tile serve responses by outcome.",
		}, []string{"code"}),
		freshness: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileserved_freshness_total",
			Help: "Counts served tiles by cache/render and freshness.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.responses, m.freshness)
	return m
}

func respLabel(r Response) string {
	switch r {
	case Resp200:
		return "200"
	case Resp304:
		return "304"
	case Resp404:
		return "404"
	case Resp503:
		return "503"
	case Resp5XX:
		return "5xx"
	default:
		return "other"
	}
}

func freshnessLabel(f Freshness) string {
	switch f {
	case FreshCache:
		return "fresh_cache"
	case OldCache:
		return "old_cache"
	case FreshRender:
		return "fresh_render"
	case OldRender:
		return "old_render"
	default:
		return "unknown"
	}
}
