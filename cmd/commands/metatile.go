package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ardanlabs/conf/v2"
	"go.uber.org/zap"

	"github.com/tileserved/tileserved/internal/metastore"
	"github.com/tileserved/tileserved/internal/tileaddr"
)

type metatileConfig struct {
	Tile struct {
		Dir          string `conf:"default:/var/lib/mod_tile"`
		LayoutHashed bool   `conf:"default:true"`
	}
}

func parseMetatileConfig() (metatileConfig, error) {
	cfg := metatileConfig{}
	help, err := conf.Parse("", &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return cfg, err
		}
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func codecFromConfig(cfg metatileConfig) *tileaddr.PathCodec {
	mode := tileaddr.Flat
	if cfg.Tile.LayoutHashed {
		mode = tileaddr.Hashed
	}
	return tileaddr.New(cfg.Tile.Dir, mode)
}

// Pack is process_pack from the original mod_tile store tool, generalised
// to walk the whole tile directory instead of taking one path per
// invocation: it groups every loose .png tile under its containing
// metatile block and packs each block exactly once.
func Pack(log *zap.SugaredLogger) error {
	cfg, err := parseMetatileConfig()
	if err != nil {
		return err
	}
	codec := codecFromConfig(cfg)
	store := metastore.New(codec)

	packed := make(map[string]bool)
	err = filepath.Walk(cfg.Tile.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ".png" {
			return err
		}
		k, err := codec.ParsePath(path)
		if err != nil {
			log.Debugw("skipping unrecognised tile path", "path", path, "ERROR", err)
			return nil
		}
		mk := k.Meta()
		metaPath, _, err := codec.MetaPath(k)
		if err != nil {
			return nil
		}
		if packed[metaPath] {
			return nil
		}
		packed[metaPath] = true
		if err := store.Pack(mk); err != nil {
			log.Errorw("packing metatile", "style", mk.Style, "z", mk.Z, "x", mk.X, "y", mk.Y, "ERROR", err)
			return nil
		}
		log.Infow("packed metatile", "path", metaPath)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", cfg.Tile.Dir, err)
	}
	log.Infow("pack complete", "count", len(packed))
	return nil
}

// Unpack is process_unpack: it walks the tile directory for .meta files
// and explodes each back into loose .png tiles.
func Unpack(log *zap.SugaredLogger) error {
	cfg, err := parseMetatileConfig()
	if err != nil {
		return err
	}
	codec := codecFromConfig(cfg)
	store := metastore.New(codec)

	count := 0
	err = filepath.Walk(cfg.Tile.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ".meta" {
			return err
		}
		if err := store.Unpack(path); err != nil {
			log.Errorw("unpacking metatile", "path", path, "ERROR", err)
			return nil
		}
		log.Infow("unpacked metatile", "path", path)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", cfg.Tile.Dir, err)
	}
	log.Infow("unpack complete", "count", count)
	return nil
}
