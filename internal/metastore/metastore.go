// Package metastore reads and writes the metatile container format: an 8x8
// block of rendered tiles bundled into a single file to cut inode usage.
package metastore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tileserved/tileserved/internal/tile"
	"github.com/tileserved/tileserved/internal/tileaddr"
)

// Magic is the 4-byte signature at the start of every metatile file.
const Magic = "META"

const entrySize = 8 // int32 offset + int32 size
const headerFixedSize = 4 + 4 + 4 + 4 + 4 // magic, count, x, y, z

// headerSize is the size of the fixed header plus a full METATILE*METATILE
// index (20 + 8*64 = 532 bytes), the region Read loads up front.
const headerSize = headerFixedSize + entrySize*tile.Metatile*tile.Metatile

// ReadError distinguishes the failure points of Read so callers (the serve
// engine in particular) can decide whether to fall back to an individual
// tile file or treat the metatile as simply absent.
type ReadError struct {
	Op   string
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("metastore: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

var (
	ErrHeaderTooShort = fmt.Errorf("metastore: header truncated")
	ErrMagicMismatch  = fmt.Errorf("metastore: magic mismatch")
	ErrCountMismatch  = fmt.Errorf("metastore: unexpected tile count")
)

// Store reads and writes metatiles rooted through a PathCodec.
type Store struct {
	Codec *tileaddr.PathCodec
}

func New(codec *tileaddr.PathCodec) *Store {
	return &Store{Codec: codec}
}

// header is the fixed portion of a metatile file, decoded explicitly field
// by field rather than via an in-memory struct overlay.
type header struct {
	count int32
	x, y, z int32
	index []entry
}

type entry struct {
	offset int32
	size   int32
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerFixedSize {
		return header{}, ErrHeaderTooShort
	}
	if string(buf[0:4]) != Magic {
		return header{}, ErrMagicMismatch
	}
	h := header{
		count: int32(binary.LittleEndian.Uint32(buf[4:8])),
		x:     int32(binary.LittleEndian.Uint32(buf[8:12])),
		y:     int32(binary.LittleEndian.Uint32(buf[12:16])),
		z:     int32(binary.LittleEndian.Uint32(buf[16:20])),
	}
	need := headerFixedSize + entrySize*int(h.count)
	if len(buf) < need {
		return header{}, ErrHeaderTooShort
	}
	h.index = make([]entry, h.count)
	for i := 0; i < int(h.count); i++ {
		off := headerFixedSize + i*entrySize
		h.index[i] = entry{
			offset: int32(binary.LittleEndian.Uint32(buf[off : off+4])),
			size:   int32(binary.LittleEndian.Uint32(buf[off+4 : off+8])),
		}
	}
	return h, nil
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerFixedSize+entrySize*len(h.index))
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.count))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.x))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.y))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.z))
	for i, e := range h.index {
		off := headerFixedSize + i*entrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(e.offset))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(e.size))
	}
	return buf
}

// Read extracts the single tile identified by k from its containing
// metatile and returns its raw bytes. The returned *ReadError lets callers
// branch on the failure point; any error here means "fall back to the
// individual tile file or treat as missing", never "serve broken".
func (s *Store) Read(k tile.Key) ([]byte, error) {
	path, offset, err := s.Codec.MetaPath(k)
	if err != nil {
		return nil, &ReadError{"path", "", err}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &ReadError{"open", path, err}
	}
	defer f.Close()

	head := make([]byte, headerSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, &ReadError{"read-header", path, err}
	}
	head = head[:n]

	h, err := decodeHeader(head)
	if err != nil {
		return nil, &ReadError{"decode-header", path, err}
	}
	want := int32(tile.Metatile * tile.Metatile)
	if h.count != want {
		return nil, &ReadError{"count", path, ErrCountMismatch}
	}
	if offset < 0 || offset >= len(h.index) {
		return nil, &ReadError{"offset", path, ErrCountMismatch}
	}
	e := h.index[offset]
	if e.size == 0 {
		return nil, &ReadError{"missing-subtile", path, fmt.Errorf("empty index entry at offset %d", offset)}
	}
	if _, err := f.Seek(int64(e.offset), io.SeekStart); err != nil {
		return nil, &ReadError{"seek", path, err}
	}
	buf := make([]byte, e.size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, &ReadError{"read-tile", path, err}
	}
	return buf, nil
}

// subtile is a single rendered tile loaded from disk to be bundled.
type subtile struct {
	key  tile.Key
	path string
	data []byte
}

// Pack bundles the METATILE x METATILE block of loose tile files rooted at
// mk into a single metatile file, then deletes the loose files. It aborts
// without touching the filesystem if any sub-tile in the block is missing
// or unreadable.
func (s *Store) Pack(mk tile.MetaKey) error {
	limit := 1 << uint(mk.Z)
	if limit > tile.Metatile {
		limit = tile.Metatile
	}

	var subtiles []subtile
	var buf bytes.Buffer
	index := make([]entry, tile.Metatile*tile.Metatile)
	offset := int32(0)

	for ox := 0; ox < limit; ox++ {
		for oy := 0; oy < limit; oy++ {
			k := tile.Key{Style: mk.Style, Z: mk.Z, X: mk.X + ox, Y: mk.Y + oy, Layer: mk.Layer}
			path, err := s.Codec.TilePath(k)
			if err != nil {
				return fmt.Errorf("metastore: pack: %w", err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("metastore: pack: reading sub-tile %s: %w", path, err)
			}
			subtiles = append(subtiles, subtile{key: k, path: path, data: data})
			idx := k.Offset()
			index[idx] = entry{offset: int32(headerSize) + offset, size: int32(len(data))}
			offset += int32(len(data))
			buf.Write(data)
		}
	}

	h := header{count: int32(tile.Metatile * tile.Metatile), x: int32(mk.X), y: int32(mk.Y), z: int32(mk.Z), index: index}
	out := encodeHeader(h)
	out = append(out, buf.Bytes()...)

	metaPath, _, err := s.Codec.MetaPath(tile.Key{Style: mk.Style, Z: mk.Z, X: mk.X, Y: mk.Y, Layer: mk.Layer})
	if err != nil {
		return fmt.Errorf("metastore: pack: %w", err)
	}
	if err := tileaddr.Mkdirp(metaPath); err != nil {
		return fmt.Errorf("metastore: pack: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp.%d", metaPath, os.Getpid())
	if err := os.WriteFile(tmp, out, 0666); err != nil {
		return fmt.Errorf("metastore: pack: writing temp file: %w", err)
	}

	// Stamp the metatile's mtime from the first sub-tile before the rename,
	// mirroring the daemon's behaviour of dating the bundle off the tiles
	// it replaces.
	if len(subtiles) > 0 {
		if fi, err := os.Stat(subtiles[0].path); err == nil {
			_ = os.Chtimes(tmp, fi.ModTime(), fi.ModTime())
		}
	}

	if err := os.Rename(tmp, metaPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("metastore: pack: rename: %w", err)
	}

	for _, st := range subtiles {
		if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("metastore: pack: removing source tile %s: %w", st.path, err)
		}
	}
	return nil
}

// Unpack explodes a metatile file back into its loose tile files, stamps
// each with the metatile's own mtime, then removes the metatile file.
func (s *Store) Unpack(metaPath string) error {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("metastore: unpack: %w", err)
	}
	h, err := decodeHeader(data)
	if err != nil {
		return fmt.Errorf("metastore: unpack: %w", err)
	}

	mk, err := s.Codec.ParsePath(metaPath)
	if err != nil {
		return fmt.Errorf("metastore: unpack: %w", err)
	}

	fi, statErr := os.Stat(metaPath)

	limit := 1 << uint(h.z)
	if limit > tile.Metatile {
		limit = tile.Metatile
	}
	for ox := 0; ox < limit; ox++ {
		for oy := 0; oy < limit; oy++ {
			k := tile.Key{Style: mk.Style, Z: int(h.z), X: int(h.x) + ox, Y: int(h.y) + oy, Layer: mk.Layer}
			e := h.index[k.Offset()]
			if e.size == 0 {
				continue
			}
			if int(e.offset+e.size) > len(data) {
				return fmt.Errorf("metastore: unpack: index entry out of bounds for %v", k)
			}
			path, err := s.Codec.TilePath(k)
			if err != nil {
				return fmt.Errorf("metastore: unpack: %w", err)
			}
			if err := tileaddr.Mkdirp(path); err != nil {
				return fmt.Errorf("metastore: unpack: %w", err)
			}
			if err := os.WriteFile(path, data[e.offset:e.offset+e.size], 0666); err != nil {
				return fmt.Errorf("metastore: unpack: writing %s: %w", path, err)
			}
			if statErr == nil {
				_ = os.Chtimes(path, fi.ModTime(), fi.ModTime())
			}
		}
	}

	if err := os.Remove(metaPath); err != nil {
		return fmt.Errorf("metastore: unpack: removing %s: %w", filepath.Base(metaPath), err)
	}
	return nil
}
