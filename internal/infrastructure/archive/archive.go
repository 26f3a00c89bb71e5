// Package archive implements an opt-in cold-tier mover for sealed
// metatiles: once a metatile has gone untouched for long enough that a
// rerender is unlikely, it can be pushed to S3-compatible object storage
// and removed from local disk, freeing inodes without ever being
// consulted on the read path.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Config describes the remote bucket a Store archives sealed metatiles
// into, and the age threshold past which a metatile is eligible.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	MinAge    time.Duration
}

// Store uploads metatile files to object storage and removes the local
// copy once the upload is confirmed.
type Store struct {
	client *minio.Client
	bucket string
	minAge time.Duration
	log    *zap.SugaredLogger
}

func New(cfg Config, log *zap.SugaredLogger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: minio: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, minAge: cfg.MinAge, log: log}, nil
}

// objectKey maps a local metatile path rooted at tileDir to its object
// storage key, preserving the style/z/.../file layout so a restore can
// invert it with filepath.Join(tileDir, key).
func objectKey(tileDir, path string) (string, error) {
	rel, err := filepath.Rel(tileDir, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// ArchiveOne uploads a single metatile file and removes it locally once
// the upload succeeds. It does not check the metatile's age or freshness
// itself; Sweep selects metatiles only by an mtime older than MinAge.
func (s *Store) ArchiveOne(ctx context.Context, tileDir, path string) error {
	key, err := objectKey(tileDir, path)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := s.client.PutObject(ctx, s.bucket, key, f, info.Size(), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("archive: upload of %s succeeded but local removal failed: %w", key, err)
	}
	return nil
}

// Restore downloads an archived metatile back to its local path, for the
// rare case a stale tile is requested again after being archived.
func (s *Store) Restore(ctx context.Context, tileDir, path string) error {
	key, err := objectKey(tileDir, path)
	if err != nil {
		return err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("archive: download %s: %w", key, err)
	}
	defer obj.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0666)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := obj.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return fmt.Errorf("archive: reading %s: %w", key, rerr)
		}
	}
	return nil
}

// Sweep walks tileDir for .meta files whose modification time is older
// than MinAge and archives each one, stopping at the first error so a
// misconfigured bucket doesn't silently eat a whole tile tree one file at
// a time. Returns the number of metatiles archived before any error.
func (s *Store) Sweep(ctx context.Context, tileDir string) (int, error) {
	cutoff := time.Now().Add(-s.minAge)
	archived := 0
	err := filepath.WalkDir(tileDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".meta") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := s.ArchiveOne(ctx, tileDir, path); err != nil {
			return err
		}
		archived++
		return nil
	})
	if err != nil {
		s.log.Errorw("archive sweep stopped early", "archived", archived, "ERROR", err)
		return archived, err
	}
	return archived, nil
}

// ParseEndpoint splits a store URL like "https://minio.example.com" into
// the host:port minio.New expects plus whether TLS should be used.
func ParseEndpoint(storeURL string) (endpoint string, secure bool, err error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return "", false, err
	}
	return u.Host, u.Scheme == "https", nil
}
