// Package tileaddr implements the bijection between tile identity and
// filesystem path, in both the directory-hashed and flat layout modes.
package tileaddr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tileserved/tileserved/internal/tile"
)

// Mode selects the on-disk layout.
type Mode int

const (
	// Hashed clusters 16x16 tile neighborhoods under a 5-level hash
	// directory tree, as produced by xyz_to_path/xyz_to_meta.
	Hashed Mode = iota
	// Flat lays tiles out directly under style/z/x/y.
	Flat
)

var (
	ErrInvalidPath          = errors.New("tileaddr: path does not match the expected grammar")
	ErrCoordinateOutOfRange = errors.New("tileaddr: coordinate out of range")
)

// PathCodec maps TileKeys to paths rooted at Root, using Mode's layout.
type PathCodec struct {
	Root string
	Mode Mode
}

func New(root string, mode Mode) *PathCodec {
	return &PathCodec{Root: root, Mode: mode}
}

func ext(layer int, suffix string) string {
	if layer != tile.NoLayer {
		return fmt.Sprintf(".%d.%s", layer, suffix)
	}
	return "." + suffix
}

// hashBytes implements the mod_tile directory-hashing scheme: the low 20
// bits of x and the low 20 bits of y are interleaved nibble by nibble into
// 5 bytes, one per path segment.
func hashBytes(x, y int) [5]byte {
	var hash [5]byte
	for i := 0; i < 5; i++ {
		hash[i] = byte(((x & 0x0f) << 4) | (y & 0x0f))
		x >>= 4
		y >>= 4
	}
	return hash
}

func unhash(hash [5]int) (x, y int, err error) {
	for i := 4; i >= 0; i-- {
		if hash[i] < 0 || hash[i] > 255 {
			return 0, 0, ErrInvalidPath
		}
		x <<= 4
		y <<= 4
		x |= (hash[i] & 0xf0) >> 4
		y |= hash[i] & 0x0f
	}
	return x, y, nil
}

// TilePath returns the path to k's individual tile file.
func (c *PathCodec) TilePath(k tile.Key) (string, error) {
	if err := tile.Validate(k.Style, k.X, k.Y, k.Z); err != nil {
		return "", err
	}
	switch c.Mode {
	case Hashed:
		hash := hashBytes(k.X, k.Y)
		return filepath.Join(c.Root, k.Style, strconv.Itoa(k.Z),
			strconv.Itoa(int(hash[4])), strconv.Itoa(int(hash[3])),
			strconv.Itoa(int(hash[2])), strconv.Itoa(int(hash[1])),
			strconv.Itoa(int(hash[0]))+ext(k.Layer, "png")), nil
	default:
		return filepath.Join(c.Root, k.Style, strconv.Itoa(k.Z),
			strconv.Itoa(k.X), strconv.Itoa(k.Y)+ext(k.Layer, "png")), nil
	}
}

// MetaPath returns the path to the metatile containing k, and k's offset
// within that metatile (x mod M)*M + (y mod M).
func (c *PathCodec) MetaPath(k tile.Key) (string, int, error) {
	if err := tile.Validate(k.Style, k.X, k.Y, k.Z); err != nil {
		return "", 0, err
	}
	mk := k.Meta()
	offset := k.Offset()
	switch c.Mode {
	case Hashed:
		hash := hashBytes(mk.X, mk.Y)
		p := filepath.Join(c.Root, mk.Style, strconv.Itoa(mk.Z),
			strconv.Itoa(int(hash[4])), strconv.Itoa(int(hash[3])),
			strconv.Itoa(int(hash[2])), strconv.Itoa(int(hash[1])),
			strconv.Itoa(int(hash[0]))+ext(mk.Layer, "meta"))
		return p, offset, nil
	default:
		p := filepath.Join(c.Root, mk.Style, strconv.Itoa(mk.Z),
			strconv.Itoa(mk.X), strconv.Itoa(mk.Y)+ext(mk.Layer, "meta"))
		return p, offset, nil
	}
}

var (
	hashedRe = regexp.MustCompile(`^([^/]{1,40})/(\d+)/(\d+)/(\d+)/(\d+)/(\d+)/(\d+)(?:\.(\d+))?\.(png|meta)$`)
	flatRe   = regexp.MustCompile(`^([^/]{1,40})/(\d+)/(\d+)/(\d+)(?:\.(\d+))?\.(png|meta)$`)
)

// ParsePath inverts TilePath/MetaPath: given a path (relative to Root or
// including it), it recovers the TileKey addressed. For a metatile path it
// returns the metatile's own (boundary) coordinates, satisfying
// parsePath(metaPath(k)).Meta() == k.Meta().
func (c *PathCodec) ParsePath(path string) (tile.Key, error) {
	rel := strings.TrimPrefix(path, c.Root)
	rel = strings.TrimPrefix(rel, string(filepath.Separator))
	rel = filepath.ToSlash(rel)

	switch c.Mode {
	case Hashed:
		m := hashedRe.FindStringSubmatch(rel)
		if m == nil {
			return tile.Key{}, ErrInvalidPath
		}
		style := m[1]
		z := atoi(m[2])
		var hash [5]int
		hash[4] = atoi(m[3])
		hash[3] = atoi(m[4])
		hash[2] = atoi(m[5])
		hash[1] = atoi(m[6])
		hash[0] = atoi(m[7])
		x, y, err := unhash(hash)
		if err != nil {
			return tile.Key{}, err
		}
		layer := tile.NoLayer
		if m[8] != "" {
			layer = atoi(m[8])
		}
		if !tile.ValidCoords(x, y, z) {
			return tile.Key{}, ErrCoordinateOutOfRange
		}
		return tile.Key{Style: style, Z: z, X: x, Y: y, Layer: layer}, nil
	default:
		m := flatRe.FindStringSubmatch(rel)
		if m == nil {
			return tile.Key{}, ErrInvalidPath
		}
		style := m[1]
		z := atoi(m[2])
		x := atoi(m[3])
		y := atoi(m[4])
		layer := tile.NoLayer
		if m[5] != "" {
			layer = atoi(m[5])
		}
		if !tile.ValidCoords(x, y, z) {
			return tile.Key{}, ErrCoordinateOutOfRange
		}
		return tile.Key{Style: style, Z: z, X: x, Y: y, Layer: layer}, nil
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Mkdirp creates all parent directories of the file component of path,
// skipping existing directories, and failing if any intermediate
// component exists as a non-directory.
func Mkdirp(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("tileaddr: mkdirp: %s exists and is not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("tileaddr: mkdirp: stat %s: %w", dir, err)
	}
	return os.MkdirAll(dir, 0777)
}
