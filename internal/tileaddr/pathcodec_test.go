package tileaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tileserved/tileserved/internal/tile"
)

func TestTilePathParsePathRoundTripHashed(t *testing.T) {
	c := New("/tiles", Hashed)
	keys := []tile.Key{
		{Style: "default", Z: 2, X: 1, Y: 3, Layer: tile.NoLayer},
		{Style: "osm", Z: 12, X: 2047, Y: 1321, Layer: tile.NoLayer},
		{Style: "osm", Z: 12, X: 2047, Y: 1321, Layer: 2},
	}
	for _, k := range keys {
		p, err := c.TilePath(k)
		assert.NoError(t, err)
		got, err := c.ParsePath(p)
		assert.NoError(t, err)
		assert.Equal(t, k, got)
	}
}

func TestTilePathParsePathRoundTripFlat(t *testing.T) {
	c := New("/tiles", Flat)
	k := tile.Key{Style: "osm", Z: 8, X: 120, Y: 45, Layer: tile.NoLayer}
	p, err := c.TilePath(k)
	assert.NoError(t, err)
	got, err := c.ParsePath(p)
	assert.NoError(t, err)
	assert.Equal(t, k, got)
}

func TestMetaPathWithinMeta(t *testing.T) {
	c := New("/tiles", Hashed)
	k := tile.Key{Style: "osm", Z: 12, X: 2051, Y: 1325, Layer: tile.NoLayer}
	metaPath, offset, err := c.MetaPath(k)
	assert.NoError(t, err)
	assert.True(t, offset >= 0 && offset < tile.Metatile*tile.Metatile)

	parsed, err := c.ParsePath(metaPath)
	assert.NoError(t, err)
	assert.Equal(t, k.Meta(), parsed.Meta())
}

func TestMetaOffset(t *testing.T) {
	k := tile.Key{Style: "osm", Z: 10, X: 17, Y: 9}
	assert.Equal(t, (17%tile.Metatile)*tile.Metatile+(9%tile.Metatile), k.Offset())
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	c := New("/tiles", Flat)
	_, err := c.TilePath(tile.Key{Style: "osm", Z: 2, X: 4, Y: 0})
	assert.ErrorIs(t, err, tile.ErrOutOfRange)
}

func TestValidateRejectsBadStyle(t *testing.T) {
	c := New("/tiles", Flat)
	_, err := c.TilePath(tile.Key{Style: "a/b", Z: 2, X: 0, Y: 0})
	assert.ErrorIs(t, err, tile.ErrInvalidStyle)
}

func TestParsePathRejectsGarbage(t *testing.T) {
	c := New("/tiles", Flat)
	_, err := c.ParsePath("/tiles/osm/not/a/tile/path.png")
	assert.Error(t, err)
}
