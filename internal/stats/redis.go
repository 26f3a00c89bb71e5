package stats

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisCounters mirrors Counters but accumulates in Redis hash fields so
// every server process contributes to (and can read) one shared total,
// instead of each process reporting only what it personally handled.
type RedisCounters struct {
	Enabled bool
	rdb     *redis.Client
	key     string
}

func NewRedisCounters(rdb *redis.Client, key string, enabled bool) *RedisCounters {
	return &RedisCounters{Enabled: enabled, rdb: rdb, key: key}
}

func (c *RedisCounters) IncResponse(ctx context.Context, resp Response, z int) error {
	if !c.Enabled {
		return nil
	}
	field := respField(resp)
	pipe := c.rdb.Pipeline()
	pipe.HIncrBy(ctx, c.key, field, 1)
	if resp == Resp200 || resp == Resp304 {
		pipe.HIncrBy(ctx, c.key, zoomField(z), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stats: redis incr: %v", err)
	}
	return nil
}

func (c *RedisCounters) IncFreshness(ctx context.Context, f Freshness) error {
	if !c.Enabled {
		return nil
	}
	if err := c.rdb.HIncrBy(ctx, c.key, freshnessLabel(f), 1).Err(); err != nil {
		return fmt.Errorf("stats: redis incr: %v", err)
	}
	return nil
}

// Snapshot reads every field back into a Snapshot struct.
func (c *RedisCounters) Snapshot(ctx context.Context) (Snapshot, error) {
	vals, err := c.rdb.HGetAll(ctx, c.key).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: redis snapshot: %v", err)
	}
	var s Snapshot
	s.Resp200 = parseField(vals, respField(Resp200))
	s.Resp304 = parseField(vals, respField(Resp304))
	s.Resp404 = parseField(vals, respField(Resp404))
	s.Resp503 = parseField(vals, respField(Resp503))
	s.Resp5XX = parseField(vals, respField(Resp5XX))
	s.RespOther = parseField(vals, respField(RespOther))
	s.FreshCache = parseField(vals, freshnessLabel(FreshCache))
	s.OldCache = parseField(vals, freshnessLabel(OldCache))
	s.FreshRender = parseField(vals, freshnessLabel(FreshRender))
	s.OldRender = parseField(vals, freshnessLabel(OldRender))
	for z := range s.RespByZoom {
		s.RespByZoom[z] = parseField(vals, zoomField(z))
	}
	return s, nil
}

func respField(r Response) string { return "resp_" + respLabel(r) }
func zoomField(z int) string      { return fmt.Sprintf("zoom_%02d", z) }

func parseField(vals map[string]string, field string) int64 {
	v, ok := vals[field]
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(v, "%d", &n)
	return n
}
