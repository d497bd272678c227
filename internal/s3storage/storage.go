// Package s3storage writes media objects to MinIO/S3. Every write is guarded by
// the object store circuit breaker and skipped when the key already exists.
package s3storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/ChannelDrop/internal/backoff"
	"github.com/dharsanguruparan/ChannelDrop/internal/breaker"
	"github.com/dharsanguruparan/ChannelDrop/internal/config"
	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/metrics"
)

// objectAPI is the subset of *minio.Client used here.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Options tunes retries and timeouts around each write.
type Options struct {
	Bucket        string
	Region        string
	PublicBaseURL string
	Attempts      int
	Backoff       backoff.Policy
	// Timeout bounds one Upload call including retries.
	Timeout time.Duration
}

// Storage uploads local files under deterministic keys.
type Storage struct {
	client  objectAPI
	breaker *breaker.Breaker
	opts    Options
	sleep   backoff.SleepFunc
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config, br *breaker.Breaker) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	base := cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if cfg.S3UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, cfg.S3Endpoint, cfg.S3Bucket)
	}
	return newStorage(client, br, Options{
		Bucket:        cfg.S3Bucket,
		Region:        cfg.S3Region,
		PublicBaseURL: base,
		Attempts:      cfg.UploadAttempts,
		Backoff:       backoff.Policy{Base: time.Second, Max: 30 * time.Second},
		Timeout:       cfg.OperationTimeout,
	}), nil
}

func newStorage(client objectAPI, br *breaker.Breaker, opts Options) *Storage {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &Storage{client: client, breaker: br, opts: opts, sleep: backoff.Sleep}
}

// Breaker exposes the object store breaker for status reporting.
func (s *Storage) Breaker() *breaker.Breaker { return s.breaker }

// EnsureBucket makes sure the bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.opts.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.opts.Bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.opts.Bucket, minio.MakeBucketOptions{Region: s.opts.Region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.opts.Bucket, err)
		}
	}
	return nil
}

// ObjectKey builds "{scope_id}/{event_id}{suffix}".
func ObjectKey(scopeID, eventID int64, suffix string) string {
	return strconv.FormatInt(scopeID, 10) + "/" + strconv.FormatInt(eventID, 10) + suffix
}

// URL returns the public address of key.
func (s *Storage) URL(key string) string {
	return s.opts.PublicBaseURL + "/" + key
}

// Upload writes the file at path under key and returns its public URL. An
// existing object is left untouched. While the breaker is open the call fails
// with breaker.ErrOpen before any network I/O.
func (s *Storage) Upload(ctx context.Context, path, key string) (string, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	log := logging.With().Str("dependency", "object_store").Str("key", key).Logger()

	var skipped bool
	err := s.breaker.Execute(func() error {
		exists, err := s.exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			skipped = true
			return nil
		}
		return s.putWithRetry(ctx, path, key)
	})
	switch {
	case errors.Is(err, breaker.ErrOpen):
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("upload %s: %w", key, err)
	case err != nil:
		metrics.Uploads.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("upload failed")
		return "", fmt.Errorf("upload %s: %w", key, err)
	case skipped:
		metrics.Uploads.WithLabelValues("skipped").Inc()
		log.Debug().Msg("object already stored")
	default:
		metrics.Uploads.WithLabelValues("uploaded").Inc()
		log.Debug().Msg("object uploaded")
	}
	return s.URL(key), nil
}

func (s *Storage) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.opts.Bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object: %w", err)
}

func (s *Storage) putWithRetry(ctx context.Context, path, key string) error {
	opts := minio.PutObjectOptions{ContentType: ContentType(key)}
	var lastErr error
	for attempt := 0; attempt < s.opts.Attempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.opts.Backoff.Delay(attempt-1)); err != nil {
				return err
			}
		}
		_, err := s.client.FPutObject(ctx, s.opts.Bucket, key, path, opts)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		logging.Warn().Err(err).Str("dependency", "object_store").Str("key", key).
			Int("attempt", attempt+1).Int("max_attempts", s.opts.Attempts).Msg("put object failed")
	}
	return fmt.Errorf("put object after %d attempts: %w", s.opts.Attempts, lastErr)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound" || resp.StatusCode == http.StatusNotFound
}

var extraTypes = map[string]string{
	".webp": "image/webp",
	".avif": "image/avif",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".mp4":  "video/mp4",
}

// ContentType maps the key extension to a MIME type.
func ContentType(key string) string {
	ext := strings.ToLower(filepath.Ext(key))
	if ct, ok := extraTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
