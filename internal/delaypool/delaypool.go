// Package delaypool throttles per-client tile and render requests with a
// token-bucket scheme shared across every worker serving the same style.
package delaypool

import (
	"net"
	"sync"
	"time"

	"github.com/tileserved/tileserved/internal/tile"
)

// HashtableSize is the number of per-client slots. A hash collision simply
// overwrites the displaced client's bucket rather than probing for a free
// slot, trading rare false resets for O(1) lookup and a bounded table.
const HashtableSize = 100057

// WhitelistSize is the number of lock-free whitelist slots checked before
// any bucket accounting happens.
const WhitelistSize = 13

// ClientPenalty is how long a client that has exhausted its bucket sleeps
// before the request is retried against a freshly topped-up pool.
const ClientPenalty = 10 * time.Second

// Config holds the bucket sizes and topup rates for tiles and render
// requests.
type Config struct {
	TileBucketSize   int
	TileTopupRate    time.Duration // time to accumulate one more tile token
	RenderBucketSize int
	RenderTopupRate  time.Duration
}

type entry struct {
	ip              uint32
	availableTiles  int
	availableRender int
}

// Pool is the shared throttling state. The zero value is not usable; call
// New. Pool must be safe to share across every goroutine serving requests
// in a process, and (via the Redis-backed variant) across processes.
type Pool struct {
	cfg Config

	mu               sync.Mutex
	users            []entry
	whitelist        [WhitelistSize]uint32
	locked           bool
	lastTileFillup   time.Time
	lastRenderFillup time.Time

	// sleep is overridable in tests so the penalty doesn't actually block.
	sleep func(time.Duration)
}

func New(cfg Config) *Pool {
	now := time.Now()
	return &Pool{
		cfg:              cfg,
		users:            make([]entry, HashtableSize),
		lastTileFillup:   now,
		lastRenderFillup: now,
		sleep:            time.Sleep,
	}
}

// SetPenaltySleep overrides how Allow sleeps off a client penalty, letting
// callers (tests in particular) replace the real delay with a no-op or a
// short stand-in.
func (p *Pool) SetPenaltySleep(fn func(time.Duration)) {
	p.mu.Lock()
	p.sleep = fn
	p.mu.Unlock()
}

// Whitelist marks ip as exempt from throttling. Like the original
// implementation, a hash collision between two whitelisted addresses
// silently displaces the earlier one; callers owning more addresses than
// WhitelistSize should prefer a WhitelistSource-backed check upstream.
func (p *Pool) Whitelist(ip net.IP) {
	key := ipKey(ip)
	p.mu.Lock()
	p.whitelist[key%WhitelistSize] = key
	p.mu.Unlock()
}

func ipKey(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		// IPv6 clients are not individually tracked; treat as a single
		// shared bucket keyed on zero, matching the scope note that only
		// IPv4 identity is supported.
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

// Allow reports whether a request from ip for a tile in the given state may
// proceed. Missing tiles also consume a render-request token; tiles already
// on disk (current or stale) only consume a tile token.
func (p *Pool) Allow(ip net.IP, state tile.State) bool {
	key := ipKey(ip)

	if p.whitelistedFastPath(key) {
		return true
	}

	p.mu.Lock()
	if p.locked {
		// locked is read only after p.mu is held, and fillupLocked sets and
		// clears it while holding p.mu, so this branch is not reached: a
		// request waits for the mutex during a fillup like any other.
		p.mu.Unlock()
		return true
	}

	hashkey := key % HashtableSize
	u := &p.users[hashkey]
	if u.ip != key {
		u.ip = key
		u.availableTiles = p.cfg.TileBucketSize
		u.availableRender = p.cfg.RenderBucketSize
		p.mu.Unlock()
		return true
	}

	delay := 0
	for round := 0; round < 3; round++ {
		delay = 0
		if u.availableTiles > 0 {
			u.availableTiles--
		} else {
			delay = 1
		}
		if state == tile.Missing {
			if u.availableRender > 0 {
				u.availableRender--
			} else {
				delay = 2
			}
		}

		if delay == 0 {
			break
		}

		if round > 0 {
			p.mu.Unlock()
			p.sleep(ClientPenalty)
			p.mu.Lock()
		}
		p.fillupLocked()
	}
	p.mu.Unlock()

	return delay == 0
}

// whitelistedFastPath checks the lock-free whitelist slot without taking
// the mutex; collisions are acceptable false negatives handled by the
// locked path above.
func (p *Pool) whitelistedFastPath(key uint32) bool {
	return p.whitelist[key%WhitelistSize] == key
}

// fillupLocked tops up every bucket by however many whole rate-intervals
// have elapsed since the last fillup, clamping to each bucket's ceiling.
// Must be called with p.mu held.
func (p *Pool) fillupLocked() {
	now := time.Now()
	tilesTopup := 0
	if p.cfg.TileTopupRate > 0 {
		tilesTopup = int(now.Sub(p.lastTileFillup) / p.cfg.TileTopupRate)
	}
	renderTopup := 0
	if p.cfg.RenderTopupRate > 0 {
		renderTopup = int(now.Sub(p.lastRenderFillup) / p.cfg.RenderTopupRate)
	}
	if tilesTopup <= 0 && renderTopup <= 0 {
		return
	}

	p.locked = true
	for i := range p.users {
		p.users[i].availableTiles += tilesTopup
		if p.users[i].availableTiles > p.cfg.TileBucketSize {
			p.users[i].availableTiles = p.cfg.TileBucketSize
		}
		p.users[i].availableRender += renderTopup
		if p.users[i].availableRender > p.cfg.RenderBucketSize {
			p.users[i].availableRender = p.cfg.RenderBucketSize
		}
	}
	p.locked = false

	if tilesTopup > 0 {
		p.lastTileFillup = p.lastTileFillup.Add(time.Duration(tilesTopup) * p.cfg.TileTopupRate)
	}
	if renderTopup > 0 {
		p.lastRenderFillup = p.lastRenderFillup.Add(time.Duration(renderTopup) * p.cfg.RenderTopupRate)
	}
}
