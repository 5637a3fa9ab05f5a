package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/aescanero/dagrun/pkg/domain"
)

// Config holds the object store settings of the archive
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Validate checks the required settings
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	return nil
}

// Archiver writes instance records to a bucket as JSON objects
type Archiver struct {
	client *minio.Client
	cfg    Config
	logger *zap.Logger
}

// New creates an archiver backed by a MinIO client
func New(cfg Config, logger *zap.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid archive config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Archiver{client: client, cfg: cfg, logger: logger}, nil
}

// EnsureBucket creates the archive bucket when it does not exist
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{Region: a.cfg.Region}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	a.logger.Info("archive bucket created", zap.String("bucket", a.cfg.Bucket))
	return nil
}

// Archive stores the record under <prefix>/<yyyy>/<mm>/<dd>/<instance id>.json
func (a *Archiver) Archive(ctx context.Context, record *domain.InstanceRecord) error {
	if record == nil || record.Instance == nil {
		return errors.New("archive record has no instance")
	}
	if record.Archived.IsZero() {
		record.Archived = time.Now().UTC()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	key := ObjectKey(a.cfg.Prefix, record)
	if _, err := a.client.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}

	a.logger.Debug("instance archived",
		zap.String("instance_id", record.Instance.ID),
		zap.String("bucket", a.cfg.Bucket),
		zap.String("key", key))
	return nil
}

// ObjectKey returns the object name a record is archived under
func ObjectKey(prefix string, record *domain.InstanceRecord) string {
	day := record.Archived.UTC().Format("2006/01/02")
	return path.Join(prefix, day, record.Instance.ID+".json")
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
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
