package renderclient

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tileserved/tileserved/internal/tile"
	"github.com/tileserved/tileserved/internal/wire"
)

func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "renderd.sock")
	l, err := net.Listen("unix", path)
	assert.NoError(t, err)
	return l, path
}

func TestRequestDirtyFireAndForget(t *testing.T) {
	l, path := listen(t)
	defer l.Close()

	received := make(chan wire.Message, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		m, err := wire.ReadMessage(conn)
		if err == nil {
			received <- m
		}
	}()

	c := New(path, time.Second, time.Second, nil)
	k := tile.Key{Style: "osm", Z: 5, X: 1, Y: 2, Layer: tile.NoLayer}
	ok := c.Request(k, Dirty)
	assert.False(t, ok)

	select {
	case m := <-received:
		assert.Equal(t, wire.CmdDirty, m.Cmd)
		assert.Equal(t, k, m.Key())
	case <-time.After(2 * time.Second):
		t.Fatal("daemon never received dirty request")
	}
}

func TestRequestRenderWaitsForDone(t *testing.T) {
	l, path := listen(t)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		m, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		m.Cmd = wire.CmdDone
		m.WriteTo(conn)
	}()

	c := New(path, time.Second, time.Second, nil)
	k := tile.Key{Style: "osm", Z: 5, X: 1, Y: 2, Layer: tile.NoLayer}
	ok := c.Request(k, Render)
	assert.True(t, ok)
}

func TestRequestRenderReturnsFalseOnNotDone(t *testing.T) {
	l, path := listen(t)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		m, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		m.Cmd = wire.CmdNotDone
		m.WriteTo(conn)
	}()

	c := New(path, time.Second, time.Second, nil)
	k := tile.Key{Style: "osm", Z: 5, X: 1, Y: 2, Layer: tile.NoLayer}
	ok := c.Request(k, Render)
	assert.False(t, ok)
}

func TestRequestRenderTimesOutWithNoReply(t *testing.T) {
	l, path := listen(t)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = wire.ReadMessage(conn)
		// never reply
		time.Sleep(2 * time.Second)
	}()

	c := New(path, 200*time.Millisecond, 200*time.Millisecond, nil)
	k := tile.Key{Style: "osm", Z: 5, X: 1, Y: 2, Layer: tile.NoLayer}
	start := time.Now()
	ok := c.Request(k, Render)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRequestIgnoresMismatchedReplyThenTimesOut(t *testing.T) {
	l, path := listen(t)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		m, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		other := m
		other.X = m.X + 100
		other.Cmd = wire.CmdDone
		other.WriteTo(conn)
		time.Sleep(2 * time.Second)
	}()

	c := New(path, 300*time.Millisecond, 300*time.Millisecond, nil)
	k := tile.Key{Style: "osm", Z: 5, X: 1, Y: 2, Layer: tile.NoLayer}
	ok := c.Request(k, Render)
	assert.False(t, ok)
}

func TestRequestReturnsFalseWhenDaemonUnreachable(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.sock"), time.Second, time.Second, nil)
	k := tile.Key{Style: "osm", Z: 1, X: 0, Y: 0, Layer: tile.NoLayer}
	assert.False(t, c.Request(k, Render))
}
