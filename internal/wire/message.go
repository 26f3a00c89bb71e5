// Package wire implements the fixed-size binary protocol exchanged with the
// external render daemon over a UNIX-domain stream socket.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/tileserved/tileserved/internal/tile"
)

// ProtoVersion is the wire protocol version stamped into every message.
const ProtoVersion = 2

// StyleFieldLen is the fixed width of the style/xmlname field, including
// the trailing NUL.
const StyleFieldLen = 41

// Cmd enumerates the render daemon's request/response verbs.
type Cmd int32

const (
	CmdDirty Cmd = iota + 1
	CmdRender
	CmdRenderPrio
	CmdDone
	CmdNotDone
)

func (c Cmd) String() string {
	switch c {
	case CmdDirty:
		return "dirty"
	case CmdRender:
		return "render"
	case CmdRenderPrio:
		return "render_prio"
	case CmdDone:
		return "done"
	case CmdNotDone:
		return "not_done"
	default:
		return "unknown"
	}
}

// Message is the fixed-layout struct transferred as a single send/recv of
// Size bytes. Field order and widths match the on-wire layout exactly;
// encoding never relies on Go's in-memory struct layout.
type Message struct {
	Ver   int32
	Cmd   Cmd
	X     int32
	Y     int32
	Z     int32
	Layer int32
	Style string
}

// Size is the exact byte length of a marshalled Message.
const Size = 4 + 4 + 4 + 4 + 4 + 4 + StyleFieldLen

var ErrShortStyle = errors.New("wire: style name does not fit in the fixed-width field")

// FromKey builds an outgoing request Message for k.
func FromKey(k tile.Key, cmd Cmd) (Message, error) {
	if len(k.Style) >= StyleFieldLen {
		return Message{}, ErrShortStyle
	}
	layer := int32(tile.NoLayer)
	if k.Layer != tile.NoLayer {
		layer = int32(k.Layer)
	}
	return Message{
		Ver:   ProtoVersion,
		Cmd:   cmd,
		X:     int32(k.X),
		Y:     int32(k.Y),
		Z:     int32(k.Z),
		Layer: layer,
		Style: k.Style,
	}, nil
}

// Key reconstructs the TileKey addressed by m.
func (m Message) Key() tile.Key {
	layer := tile.NoLayer
	if m.Layer != int32(tile.NoLayer) {
		layer = int(m.Layer)
	}
	return tile.Key{Style: m.Style, Z: int(m.Z), X: int(m.X), Y: int(m.Y), Layer: layer}
}

// Matches reports whether m addresses the same tile as other, which is how
// the render client pairs a reply with its outstanding request.
func (m Message) Matches(other Message) bool {
	return m.X == other.X && m.Y == other.Y && m.Z == other.Z &&
		m.Layer == other.Layer && m.Style == other.Style
}

// Marshal encodes m into exactly Size little-endian bytes.
func (m Message) Marshal() ([]byte, error) {
	if len(m.Style) >= StyleFieldLen {
		return nil, ErrShortStyle
	}
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Ver))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Cmd))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.X))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(m.Y))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(m.Z))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(m.Layer))
	copy(buf[24:24+StyleFieldLen], m.Style)
	return buf, nil
}

// Unmarshal decodes exactly Size bytes into a Message.
func Unmarshal(buf []byte) (Message, error) {
	if len(buf) != Size {
		return Message{}, io.ErrUnexpectedEOF
	}
	style := buf[24 : 24+StyleFieldLen]
	if i := bytes.IndexByte(style, 0); i >= 0 {
		style = style[:i]
	}
	return Message{
		Ver:   int32(binary.LittleEndian.Uint32(buf[0:4])),
		Cmd:   Cmd(binary.LittleEndian.Uint32(buf[4:8])),
		X:     int32(binary.LittleEndian.Uint32(buf[8:12])),
		Y:     int32(binary.LittleEndian.Uint32(buf[12:16])),
		Z:     int32(binary.LittleEndian.Uint32(buf[16:20])),
		Layer: int32(binary.LittleEndian.Uint32(buf[20:24])),
		Style: string(style),
	}, nil
}

// WriteTo writes m to w as a single Size-byte frame.
func (m Message) WriteTo(w io.Writer) (int64, error) {
	buf, err := m.Marshal()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadMessage reads exactly one Size-byte frame from r.
func ReadMessage(r io.Reader) (Message, error) {
	buf := make([]byte, Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, err
	}
	return Unmarshal(buf)
}
