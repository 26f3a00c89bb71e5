package delaypool

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tileserved/tileserved/internal/tile"
)

func newTestPool(cfg Config) *Pool {
	p := New(cfg)
	p.SetPenaltySleep(func(time.Duration) {})
	return p
}

func TestAllowsFirstRequestFromNewClient(t *testing.T) {
	p := newTestPool(Config{TileBucketSize: 2, RenderBucketSize: 1, TileTopupRate: time.Hour, RenderTopupRate: time.Hour})
	ip := net.ParseIP("10.0.0.1")
	assert.True(t, p.Allow(ip, tile.Current))
}

func TestExhaustsTileBucketThenDenies(t *testing.T) {
	p := newTestPool(Config{TileBucketSize: 2, RenderBucketSize: 5, TileTopupRate: time.Hour, RenderTopupRate: time.Hour})
	ip := net.ParseIP("10.0.0.2")
	// First call seeds the bucket and always allows (matches new-client path).
	assert.True(t, p.Allow(ip, tile.Current))
	assert.True(t, p.Allow(ip, tile.Current))
	assert.False(t, p.Allow(ip, tile.Current))
}

func TestMissingTileAlsoConsumesRenderToken(t *testing.T) {
	p := newTestPool(Config{TileBucketSize: 10, RenderBucketSize: 1, TileTopupRate: time.Hour, RenderTopupRate: time.Hour})
	ip := net.ParseIP("10.0.0.3")
	assert.True(t, p.Allow(ip, tile.Missing)) // seeds
	assert.True(t, p.Allow(ip, tile.Missing))
	assert.False(t, p.Allow(ip, tile.Missing))
}

func TestCurrentTileDoesNotConsumeRenderToken(t *testing.T) {
	p := newTestPool(Config{TileBucketSize: 10, RenderBucketSize: 1, TileTopupRate: time.Hour, RenderTopupRate: time.Hour})
	ip := net.ParseIP("10.0.0.4")
	assert.True(t, p.Allow(ip, tile.Missing)) // seeds, consumes both
	for i := 0; i < 5; i++ {
		assert.True(t, p.Allow(ip, tile.Current))
	}
}

func TestFillupRestoresTokensAfterElapsedTime(t *testing.T) {
	p := newTestPool(Config{TileBucketSize: 1, RenderBucketSize: 1, TileTopupRate: time.Millisecond, RenderTopupRate: time.Millisecond})
	ip := net.ParseIP("10.0.0.5")
	assert.True(t, p.Allow(ip, tile.Current))
	assert.False(t, p.Allow(ip, tile.Current))

	time.Sleep(5 * time.Millisecond)
	assert.True(t, p.Allow(ip, tile.Current))
}

func TestWhitelistBypassesThrottling(t *testing.T) {
	p := newTestPool(Config{TileBucketSize: 1, RenderBucketSize: 1, TileTopupRate: time.Hour, RenderTopupRate: time.Hour})
	ip := net.ParseIP("10.0.0.6")
	p.Whitelist(ip)
	for i := 0; i < 10; i++ {
		assert.True(t, p.Allow(ip, tile.Missing))
	}
}

func TestHashCollisionOverwritesOtherClientsBucket(t *testing.T) {
	p := newTestPool(Config{TileBucketSize: 1, RenderBucketSize: 1, TileTopupRate: time.Hour, RenderTopupRate: time.Hour})
	a := ipFromKey(1)
	b := ipFromKey(1 + HashtableSize)

	assert.True(t, p.Allow(a, tile.Current))
	assert.False(t, p.Allow(a, tile.Current))

	// b collides with a's slot and resets it, freeing a new token.
	assert.True(t, p.Allow(b, tile.Current))
}

func ipFromKey(key uint32) net.IP {
	return net.IPv4(byte(key>>24), byte(key>>16), byte(key>>8), byte(key))
}
