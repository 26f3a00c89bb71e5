// Package renderclient talks to the external render daemon over a
// UNIX-domain stream socket, requesting that a tile (or metatile) be
// rendered and optionally waiting for the daemon's completion reply.
package renderclient

import (
	"errors"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tileserved/tileserved/internal/tile"
	"github.com/tileserved/tileserved/internal/wire"
)

// Priority selects how urgently a render is requested, mirroring the
// renderImmediately argument of the original request_tile call.
type Priority int

const (
	// Dirty marks the tile stale and queues a background render; the
	// caller does not wait for a reply.
	Dirty Priority = iota
	// Render blocks for a reply within the standard request timeout.
	Render
	// RenderPrio blocks for a reply within the (usually longer) priority
	// request timeout, jumping the render daemon's queue.
	RenderPrio
)

// Client dispatches render requests to renderd over a UNIX socket.
type Client struct {
	SocketPath             string
	RequestTimeout         time.Duration
	RequestTimeoutPriority time.Duration
	DialTimeout            time.Duration
	Logger                 *zap.SugaredLogger

	group singleflight.Group
}

func New(socketPath string, requestTimeout, requestTimeoutPriority time.Duration, logger *zap.SugaredLogger) *Client {
	return &Client{
		SocketPath:             socketPath,
		RequestTimeout:         requestTimeout,
		RequestTimeoutPriority: requestTimeoutPriority,
		DialTimeout:            2 * time.Second,
		Logger:                 logger,
	}
}

func (c *Client) dial() (net.Conn, error) {
	return net.DialTimeout("unix", c.SocketPath, c.DialTimeout)
}

// cmdFor maps a Priority onto its wire command.
func cmdFor(p Priority) wire.Cmd {
	switch p {
	case Render:
		return wire.CmdRender
	case RenderPrio:
		return wire.CmdRenderPrio
	default:
		return wire.CmdDirty
	}
}

// Request asks the render daemon to (re)render k. For Dirty it fires and
// forgets; for Render/RenderPrio it blocks until a matching cmdDone/
// cmdNotDone reply arrives or the request timeout elapses, returning
// whether the render completed successfully. Concurrent identical
// requests are coalesced so only one actually reaches the daemon.
func (c *Client) Request(k tile.Key, p Priority) bool {
	if p == Dirty {
		c.send(k, p)
		return false
	}

	key := singleflightKey(k, p)
	v, _, _ := c.group.Do(key, func() (interface{}, error) {
		return c.send(k, p), nil
	})
	return v.(bool)
}

func singleflightKey(k tile.Key, p Priority) string {
	return k.Style + "/" + itoa(k.Z) + "/" + itoa(k.X) + "/" + itoa(k.Y) + "/" + itoa(k.Layer) + "/" + itoa(int(p))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// send performs the actual send-then-optionally-wait dialogue against the
// daemon, retrying the connection exactly once on EPIPE as the daemon did.
func (c *Client) send(k tile.Key, p Priority) bool {
	msg, err := wire.FromKey(k, cmdFor(p))
	if err != nil {
		c.logf("bad tile key for render request: %v", err)
		return false
	}

	conn, err := c.dial()
	if err != nil {
		c.logf("failed to connect to renderer: %v", err)
		return false
	}

	ok, retry := c.trySend(conn, msg)
	if !ok {
		conn.Close()
		if !retry {
			return false
		}
		conn, err = c.dial()
		if err != nil {
			c.logf("failed to reconnect to renderer: %v", err)
			return false
		}
		ok, _ = c.trySend(conn, msg)
		if !ok {
			conn.Close()
			return false
		}
	}
	defer conn.Close()

	if p == Dirty {
		return false
	}

	timeout := c.RequestTimeout
	if p == RenderPrio {
		timeout = c.RequestTimeoutPriority
	}
	return c.awaitReply(conn, msg, timeout)
}

// trySend writes msg to conn. The second return reports whether a retry
// (fresh connection, one more attempt) is warranted — true only for the
// broken-pipe case the daemon restarted its listener on.
func (c *Client) trySend(conn net.Conn, msg wire.Message) (sent bool, retryable bool) {
	_, err := msg.WriteTo(conn)
	if err == nil {
		return true, false
	}
	if isBrokenPipe(err) {
		return false, true
	}
	c.logf("send to renderer failed: %v", err)
	return false, false
}

// awaitReply waits for a reply matching msg. A mismatched reply does not
// reset the deadline: the caller's overall budget drains regardless of how
// many unrelated replies arrive first.
func (c *Client) awaitReply(conn net.Conn, msg wire.Message, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return false
		}
		resp, err := wire.ReadMessage(conn)
		if err != nil {
			return false
		}
		if msg.Matches(resp) {
			return resp.Cmd == wire.CmdDone
		}
		c.logf("response does not match request: got %+v want %+v", resp, msg)
		if time.Now().After(deadline) {
			return false
		}
	}
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Infof(format, args...)
	}
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}
