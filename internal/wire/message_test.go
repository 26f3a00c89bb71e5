package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tileserved/tileserved/internal/tile"
)

func TestMarshalRecordedVector(t *testing.T) {
	m := Message{Ver: 2, Cmd: CmdRenderPrio, X: 5, Y: 9, Z: 12, Layer: int32(tile.NoLayer), Style: "default"}
	buf, err := m.Marshal()
	assert.NoError(t, err)
	assert.Len(t, buf, Size)

	want := make([]byte, Size)
	want[0] = 2                      // ver
	want[4] = byte(CmdRenderPrio)    // cmd
	want[8] = 5                      // x
	want[12] = 9                     // y
	want[16] = 12                    // z
	for i := 20; i < 24; i++ {
		want[i] = 0xff // layer == -1, all bytes 0xff in two's complement
	}
	copy(want[24:], "default")
	assert.Equal(t, want, buf)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	m := Message{Ver: ProtoVersion, Cmd: CmdDone, X: 100, Y: 200, Z: 14, Layer: 3, Style: "osm"}
	buf, err := m.Marshal()
	assert.NoError(t, err)
	got, err := Unmarshal(buf)
	assert.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestReadMessageFromStream(t *testing.T) {
	m := Message{Ver: ProtoVersion, Cmd: CmdRender, X: 1, Y: 2, Z: 3, Layer: int32(tile.NoLayer), Style: "s"}
	buf, err := m.Marshal()
	assert.NoError(t, err)

	got, err := ReadMessage(bytes.NewReader(buf))
	assert.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestUnmarshalRejectsWrongSize(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFromKeyAndKeyRoundTrip(t *testing.T) {
	k := tile.Key{Style: "osm", Z: 9, X: 12, Y: 34, Layer: tile.NoLayer}
	m, err := FromKey(k, CmdRender)
	assert.NoError(t, err)
	assert.Equal(t, k, m.Key())
}

func TestFromKeyRejectsOversizeStyle(t *testing.T) {
	long := make([]byte, StyleFieldLen)
	for i := range long {
		long[i] = 'a'
	}
	_, err := FromKey(tile.Key{Style: string(long), Z: 1, X: 0, Y: 0}, CmdRender)
	assert.ErrorIs(t, err, ErrShortStyle)
}

func TestMatches(t *testing.T) {
	a := Message{X: 1, Y: 2, Z: 3, Layer: int32(tile.NoLayer), Style: "osm"}
	b := Message{Ver: 9, Cmd: CmdDone, X: 1, Y: 2, Z: 3, Layer: int32(tile.NoLayer), Style: "osm"}
	c := Message{X: 1, Y: 2, Z: 4, Layer: int32(tile.NoLayer), Style: "osm"}
	assert.True(t, a.Matches(b))
	assert.False(t, a.Matches(c))
}
