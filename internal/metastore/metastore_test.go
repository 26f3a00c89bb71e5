package metastore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tileserved/tileserved/internal/tile"
	"github.com/tileserved/tileserved/internal/tileaddr"
)

func writeTile(t *testing.T, codec *tileaddr.PathCodec, k tile.Key, data []byte) {
	t.Helper()
	path, err := codec.TilePath(k)
	assert.NoError(t, err)
	assert.NoError(t, tileaddr.Mkdirp(path))
	assert.NoError(t, os.WriteFile(path, data, 0666))
}

func TestPackReadUnpackRoundTrip(t *testing.T) {
	root := t.TempDir()
	codec := tileaddr.New(root, tileaddr.Hashed)
	mk := tile.MetaKey{Style: "osm", Z: 4, X: 0, Y: 0, Layer: tile.NoLayer}

	limit := 1 << uint(mk.Z)
	if limit > tile.Metatile {
		limit = tile.Metatile
	}
	want := map[tile.Key][]byte{}
	for ox := 0; ox < limit; ox++ {
		for oy := 0; oy < limit; oy++ {
			k := tile.Key{Style: mk.Style, Z: mk.Z, X: mk.X + ox, Y: mk.Y + oy, Layer: mk.Layer}
			data := []byte{byte(ox), byte(oy), 0xAB}
			writeTile(t, codec, k, data)
			want[k] = data
		}
	}

	store := New(codec)
	assert.NoError(t, store.Pack(mk))

	metaPath, _, err := codec.MetaPath(tile.Key{Style: mk.Style, Z: mk.Z, X: mk.X, Y: mk.Y, Layer: mk.Layer})
	assert.NoError(t, err)
	_, statErr := os.Stat(metaPath)
	assert.NoError(t, statErr)

	for k, data := range want {
		_, err := os.Stat(mustPath(t, codec, k))
		assert.True(t, os.IsNotExist(err), "source tile should be deleted after pack")

		got, err := store.Read(k)
		assert.NoError(t, err)
		assert.Equal(t, data, got)
	}

	assert.NoError(t, store.Unpack(metaPath))
	_, err = os.Stat(metaPath)
	assert.True(t, os.IsNotExist(err), "metatile should be deleted after unpack")

	for k, data := range want {
		got, err := os.ReadFile(mustPath(t, codec, k))
		assert.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func mustPath(t *testing.T, codec *tileaddr.PathCodec, k tile.Key) string {
	t.Helper()
	p, err := codec.TilePath(k)
	assert.NoError(t, err)
	return p
}

func TestPackAbortsOnMissingSubtile(t *testing.T) {
	root := t.TempDir()
	codec := tileaddr.New(root, tileaddr.Hashed)
	mk := tile.MetaKey{Style: "osm", Z: 3, X: 0, Y: 0, Layer: tile.NoLayer}
	writeTile(t, codec, tile.Key{Style: "osm", Z: 3, X: 0, Y: 0, Layer: tile.NoLayer}, []byte{1})

	store := New(codec)
	err := store.Pack(mk)
	assert.Error(t, err)

	metaPath, _, _ := codec.MetaPath(tile.Key{Style: mk.Style, Z: mk.Z, X: mk.X, Y: mk.Y, Layer: mk.Layer})
	_, statErr := os.Stat(metaPath)
	assert.True(t, os.IsNotExist(statErr), "no metatile should be created on abort")
}

func TestReadReportsMissingFile(t *testing.T) {
	root := t.TempDir()
	codec := tileaddr.New(root, tileaddr.Hashed)
	store := New(codec)
	_, err := store.Read(tile.Key{Style: "osm", Z: 5, X: 1, Y: 1, Layer: tile.NoLayer})
	assert.Error(t, err)

	var rerr *ReadError
	assert.ErrorAs(t, err, &rerr)
	assert.Equal(t, "open", rerr.Op)
}

func TestReadReportsMagicMismatch(t *testing.T) {
	root := t.TempDir()
	codec := tileaddr.New(root, tileaddr.Hashed)
	k := tile.Key{Style: "osm", Z: 5, X: 0, Y: 0, Layer: tile.NoLayer}
	metaPath, _, err := codec.MetaPath(k)
	assert.NoError(t, err)
	assert.NoError(t, tileaddr.Mkdirp(metaPath))
	assert.NoError(t, os.WriteFile(metaPath, append([]byte("GARBAGE!"), make([]byte, headerSize)...), 0666))

	store := New(codec)
	_, err = store.Read(k)
	var rerr *ReadError
	assert.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, rerr, ErrMagicMismatch)
	assert.Equal(t, filepath.Clean(metaPath), filepath.Clean(rerr.Path))
}
