package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/zen-systems/mergegate/pkg/archive"
)

// ObjectConfig configures the S3-compatible remote cache tier.
type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// Validate checks the configuration. The endpoint is host:port, never
// a URL.
func (c ObjectConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include a scheme: %q", c.Endpoint)
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("access key and secret key are required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

// Enabled reports whether a remote cache is configured at all.
func (c ObjectConfig) Enabled() bool {
	return c.Endpoint != ""
}

// ObjectBackend is a shared remote cache in an S3-compatible object
// store. Artifacts are stored as <key>.tar.gz with a <key>.json
// manifest uploaded last; a lookup without a manifest object is a miss.
// Hits are materialized through a local DirBackend so callers see
// ordinary filesystem paths either way.
type ObjectBackend struct {
	client *minio.Client
	bucket string
	local  *DirBackend
	logger *slog.Logger
}

// NewObjectBackend builds a remote cache backed by cfg, materializing
// hits through local.
func NewObjectBackend(cfg ObjectConfig, local *DirBackend, logger *slog.Logger) (*ObjectBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if local == nil {
		return nil, fmt.Errorf("local backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, err
	}
	return &ObjectBackend{client: client, bucket: cfg.Bucket, local: local, logger: logger}, nil
}

// Lookup checks the local tier first, then the remote store. Remote
// errors of any kind degrade to ErrMiss so a run never fails on an
// unavailable cache.
func (b *ObjectBackend) Lookup(ctx context.Context, key string) (Entry, error) {
	if entry, err := b.local.Lookup(ctx, key); err == nil {
		return entry, nil
	}
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}

	if _, err := b.client.StatObject(ctx, b.bucket, key+".json", minio.StatObjectOptions{}); err != nil {
		return Entry{}, ErrMiss
	}
	obj, err := b.client.GetObject(ctx, b.bucket, key+".tar.gz", minio.GetObjectOptions{})
	if err != nil {
		return Entry{}, ErrMiss
	}
	defer obj.Close()

	staging, err := b.local.StagingDir(key)
	if err != nil {
		return Entry{}, err
	}
	defer os.RemoveAll(staging)

	if err := archive.Untar(obj, staging); err != nil {
		b.logger.Warn("remote cache object unreadable", "key", key, "error", err)
		return Entry{}, ErrMiss
	}
	return b.local.Publish(ctx, key, staging)
}

// Publish stores dir locally, then uploads the archive and finally the
// manifest. Upload failures are logged and ignored: the local entry is
// still valid and the remote key stays a clean miss.
func (b *ObjectBackend) Publish(ctx context.Context, key, dir string) (Entry, error) {
	entry, err := b.local.Publish(ctx, key, dir)
	if err != nil {
		return Entry{}, err
	}

	var buf bytes.Buffer
	if err := archive.Pack(entry.Path, &buf); err != nil {
		b.logger.Warn("remote cache pack failed", "key", key, "error", err)
		return entry, nil
	}
	_, err = b.client.PutObject(ctx, b.bucket, key+".tar.gz",
		bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{ContentType: "application/gzip"})
	if err != nil {
		b.logger.Warn("remote cache upload failed", "key", key, "error", err)
		return entry, nil
	}

	manifest, err := json.Marshal(entry)
	if err != nil {
		return entry, nil
	}
	_, err = b.client.PutObject(ctx, b.bucket, key+".json",
		bytes.NewReader(manifest), int64(len(manifest)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		b.logger.Warn("remote cache manifest upload failed", "key", key, "error", err)
	}
	return entry, nil
}

// StagingDir allocates a staging directory on the local tier.
func (b *ObjectBackend) StagingDir(key string) (string, error) {
	return b.local.StagingDir(key)
}

// EnsureBucket creates the cache bucket when it does not exist yet.
func (b *ObjectBackend) EnsureBucket(ctx context.Context, region string) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
