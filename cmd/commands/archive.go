package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardanlabs/conf/v2"
	"go.uber.org/zap"

	"github.com/tileserved/tileserved/internal/infrastructure/archive"
)

// Archive runs a one-shot sweep pushing sealed metatiles older than MinAge
// to S3-compatible storage and removing the local copies. It is strictly a
// maintenance operation: the serving path never consults the archive.
func Archive(log *zap.SugaredLogger) error {
	cfg := struct {
		Tile struct {
			Dir string `conf:"default:/var/lib/mod_tile"`
		}
		S3 struct {
			StoreURL  string `conf:"default:https://s3.amazonaws.com"`
			AccessKey string `conf:"mask"`
			SecretKey string `conf:"mask"`
			Bucket    string
			MinAge    time.Duration `conf:"default:720h"`
		}
	}{}

	help, err := conf.Parse("", &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	endpoint, secure, err := archive.ParseEndpoint(cfg.S3.StoreURL)
	if err != nil {
		return fmt.Errorf("parsing S3 store url: %w", err)
	}
	store, err := archive.New(archive.Config{
		Endpoint:  endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		Secure:    secure,
		MinAge:    cfg.S3.MinAge,
	}, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	n, err := store.Sweep(ctx, cfg.Tile.Dir)
	log.Infow("archive sweep finished", "archived", n)
	return err
}
