package snapshot

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	commons3 "github.com/xxxsen/common/s3"
)

const defaultS3Prefix = "snapshots"

type s3Config struct {
	Endpoint  string `json:"endpoint"`
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Prefix    string `json:"prefix"`
	UseSSL    bool   `json:"use_ssl"`
}

func (c *s3Config) check() error {
	var missing []string
	for name, v := range map[string]string{
		"endpoint":   c.Endpoint,
		"bucket":     c.Bucket,
		"secret_id":  c.SecretID,
		"secret_key": c.SecretKey,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("s3 snapshot store missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// objectClient is the part of the s3 client archives need.
type objectClient interface {
	Upload(ctx context.Context, fileid string, r io.ReadSeeker, sz int64, cks ...string) (string, error)
	Download(ctx context.Context, fileid string) (io.ReadCloser, error)
}

// s3Store keeps job archives as objects under <prefix>/<library>/<version>/.
type s3Store struct {
	client objectClient
	prefix string
}

func init() {
	Register("s3", createS3Store)
}

func createS3Store(args interface{}) (Store, error) {
	cfg := &s3Config{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	client, err := commons3.New(
		commons3.WithEndpoint(cfg.Endpoint),
		commons3.WithSecret(cfg.SecretID, cfg.SecretKey),
		commons3.WithBucket(cfg.Bucket),
		commons3.WithRegion(cfg.Region),
		commons3.WithSSL(cfg.UseSSL),
	)
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return newS3Store(client, cfg.Prefix), nil
}

func newS3Store(client objectClient, prefix string) *s3Store {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = defaultS3Prefix
	}
	return &s3Store{client: client, prefix: prefix}
}

func (s *s3Store) objectKey(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(s.prefix, clean), nil
}

func (s *s3Store) Save(ctx context.Context, key string, r ReadSeekCloser, size int64) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := s.client.Upload(ctx, objectKey, r, size); err != nil {
		return fmt.Errorf("upload snapshot %s: %w", objectKey, err)
	}
	return nil
}

func (s *s3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	rc, err := s.client.Download(ctx, objectKey)
	if err != nil {
		return nil, fmt.Errorf("download snapshot %s: %w", objectKey, err)
	}
	return rc, nil
}
