package delaypool

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tileserved/tileserved/internal/tile"
)

// allowScript performs one round of bucket accounting atomically: decrement
// tile tokens (and render tokens, if renderWanted) if available, otherwise
// top up both buckets from elapsed wall-clock time first and retry once
// more within the script. Returns 1 if the request may proceed, 0 if the
// client should be penalised.
//
// KEYS[1] = tiles key, KEYS[2] = renders key, KEYS[3] = fillup key
// ARGV: tileBucketSize, renderBucketSize, tileRateMillis, renderRateMillis,
//       renderWanted(0/1), nowMillis
const allowScript = `
local tiles = tonumber(redis.call('GET', KEYS[1]) or ARGV[1])
local renders = tonumber(redis.call('GET', KEYS[2]) or ARGV[2])
local lastFillup = tonumber(redis.call('GET', KEYS[3]) or ARGV[6])
local tileBucketSize = tonumber(ARGV[1])
local renderBucketSize = tonumber(ARGV[2])
local tileRate = tonumber(ARGV[3])
local renderRate = tonumber(ARGV[4])
local renderWanted = tonumber(ARGV[5])
local now = tonumber(ARGV[6])

local function fillup()
  local elapsed = now - lastFillup
  if elapsed <= 0 then return end
  if tileRate > 0 then
    tiles = math.min(tileBucketSize, tiles + math.floor(elapsed / tileRate))
  end
  if renderRate > 0 then
    renders = math.min(renderBucketSize, renders + math.floor(elapsed / renderRate))
  end
  lastFillup = now
end

local ok = 0
for round = 1, 2 do
  local delay = false
  if tiles > 0 then
    tiles = tiles - 1
  else
    delay = true
  end
  if renderWanted == 1 then
    if renders > 0 then
      renders = renders - 1
    else
      delay = true
    end
  end
  if not delay then
    ok = 1
    break
  end
  fillup()
end

redis.call('SET', KEYS[1], tiles, 'EX', 3600)
redis.call('SET', KEYS[2], renders, 'EX', 3600)
redis.call('SET', KEYS[3], lastFillup, 'EX', 3600)
return ok
`

// RedisPool is a cross-process DelayPool backend, sharing bucket state over
// Redis instead of assuming a single worker process owns it in memory.
type RedisPool struct {
	rdb    *redis.Client
	cfg    Config
	script *redis.Script
	sleep  func(time.Duration)
}

func NewRedisPool(rdb *redis.Client, cfg Config) *RedisPool {
	return &RedisPool{rdb: rdb, cfg: cfg, script: redis.NewScript(allowScript), sleep: time.Sleep}
}

func (p *RedisPool) keys(ip net.IP) (tilesKey, rendersKey, fillupKey string) {
	key := ipKey(ip)
	base := fmt.Sprintf("delaypool:%d", key)
	return base + ":tiles", base + ":renders", base + ":fillup"
}

// Allow mirrors Pool.Allow's semantics but coordinates through Redis so
// multiple server processes behind the same daemon share one throttle.
func (p *RedisPool) Allow(ctx context.Context, ip net.IP, state tile.State) (bool, error) {
	tilesKey, rendersKey, fillupKey := p.keys(ip)
	renderWanted := 0
	if state == tile.Missing {
		renderWanted = 1
	}
	now := time.Now().UnixMilli()
	res, err := p.script.Run(ctx, p.rdb,
		[]string{tilesKey, rendersKey, fillupKey},
		p.cfg.TileBucketSize, p.cfg.RenderBucketSize,
		p.cfg.TileTopupRate.Milliseconds(), p.cfg.RenderTopupRate.Milliseconds(),
		renderWanted, now,
	).Int()
	if err != nil {
		return false, fmt.Errorf("delaypool: redis accounting: %v", err)
	}
	if res == 1 {
		return true, nil
	}
	p.sleep(ClientPenalty)
	return false, nil
}

// SyncRedisPool adapts RedisPool's context-aware Allow to the synchronous
// serveengine.Throttler interface, for deployments that back throttling
// with Redis instead of Pool's in-process hashtable.
type SyncRedisPool struct {
	*RedisPool
}

// Allow runs the Redis-backed check against a background context. A script
// error (e.g. Redis unreachable) degrades to allow, matching LockUnavailable's
// documented "allow" policy for DelayPool rather than punishing every client
// for an outage in the shared accounting store.
func (p SyncRedisPool) Allow(ip net.IP, state tile.State) bool {
	ok, err := p.RedisPool.Allow(context.Background(), ip, state)
	if err != nil {
		return true
	}
	return ok
}
