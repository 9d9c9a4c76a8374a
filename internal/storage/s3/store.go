// Package s3 stores coordinator documents on S3-compatible services (MinIO,
// Ceph, SeaweedFS) through minio-go. Conditional writes map onto If-Match and
// If-None-Match; services that ignore them fail `tpcd verify store`.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/tpcd/internal/loggingutil"
	"pkt.systems/tpcd/internal/storage"
)

// Config selects the endpoint, bucket and credentials.
type Config struct {
	// Endpoint is host[:port]. Defaults to the AWS endpoint for Region.
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// CustomCreds overrides the env/file/IAM credential chain.
	CustomCreds *credentials.Credentials
	Transport   http.RoundTripper
}

// Store implements storage.Backend on one bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// New builds a client. The bucket is not created; Health reports it missing.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	switch {
	case endpoint != "":
	case cfg.Region != "":
		endpoint = "s3." + cfg.Region + ".amazonaws.com"
	default:
		endpoint = "s3.amazonaws.com"
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	opts := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Health reports bucket reachability.
func (s *Store) Health(ctx context.Context) (storage.Health, error) {
	h := storage.Health{Backend: "s3", Path: s.bucket + "/" + s.prefix}
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return h, classify(err, "bucket exists", false)
	}
	if !ok {
		h.Detail = "bucket missing"
	}
	return h, nil
}

func (s *Store) objectKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) logicalKey(object string) string {
	if s.prefix == "" {
		return object
	}
	return strings.TrimPrefix(object, s.prefix+"/")
}

// GetObject reads the whole object. Coordinator documents are small and a
// buffered read turns a vanished object into ErrNotFound up front.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return storage.GetObjectResult{}, classify(err, "get "+key, false)
	}
	defer obj.Close()
	stat, err := obj.Stat()
	if err != nil {
		return storage.GetObjectResult{}, classify(err, "stat "+key, false)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return storage.GetObjectResult{}, classify(err, "read "+key, false)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         strings.Trim(stat.ETag, `"`),
		Size:         int64(len(data)),
		LastModified: stat.LastModified,
		ContentType:  stat.ContentType,
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(data)), Info: info}, nil
}

// PutObject uploads body with If-Match or If-None-Match: * guards.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("s3: read body for %s: %w", key, err)
	}
	put := minio.PutObjectOptions{ContentType: opts.ContentType}
	if put.ContentType == "" {
		put.ContentType = "application/octet-stream"
	}
	switch {
	case opts.ExpectedETag != "":
		put.SetMatchETag(opts.ExpectedETag)
	case opts.IfNotExists:
		put.SetMatchETagExcept("*")
	}
	up, err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), bytes.NewReader(data), int64(len(data)), put)
	if err != nil {
		err = classify(err, "put "+key, opts.ExpectedETag != "")
		if errors.Is(err, storage.ErrCASMismatch) {
			loggingutil.FromContext(ctx, nil).Debug("storage.s3.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
		}
		return nil, err
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         strings.Trim(up.ETag, `"`),
		Size:         up.Size,
		LastModified: time.Now().UTC(),
		ContentType:  put.ContentType,
	}, nil
}

// DeleteObject removes key. ExpectedETag is checked with a stat first; minio
// has no conditional delete, so the check and the removal are not atomic.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	object := s.objectKey(key)
	if opts.ExpectedETag != "" || !opts.IgnoreNotFound {
		stat, err := s.client.StatObject(ctx, s.bucket, object, minio.StatObjectOptions{})
		if err != nil {
			err = classify(err, "stat "+key, false)
			if opts.IgnoreNotFound && errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if opts.ExpectedETag != "" && strings.Trim(stat.ETag, `"`) != opts.ExpectedETag {
			return storage.ErrCASMismatch
		}
	}
	if err := s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		err = classify(err, "delete "+key, false)
		if opts.IgnoreNotFound && errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// ListObjects enumerates keys under opts.Prefix in lexical order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	list := minio.ListObjectsOptions{
		Prefix:    s.objectKey(opts.Prefix),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		list.StartAfter = s.objectKey(opts.StartAfter)
	}
	if opts.Limit > 0 {
		list.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{}
	for obj := range s.client.ListObjects(ctx, s.bucket, list) {
		if obj.Err != nil {
			return nil, classify(obj.Err, "list "+opts.Prefix, false)
		}
		key := s.logicalKey(obj.Key)
		if opts.StartAfter != "" && key <= opts.StartAfter {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			break
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         strings.Trim(obj.ETag, `"`),
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
		})
		result.NextStartAfter = key
	}
	return result, nil
}

// classify maps minio errors onto the storage sentinels. A 404 on a write
// guarded by If-Match means the object is gone, not that the bucket is.
func classify(err error, op string, conditional bool) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		return storage.ErrCASMismatch
	case resp.StatusCode == http.StatusConflict && (resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted"):
		return storage.ErrCASMismatch
	case resp.StatusCode == http.StatusNotFound && (conditional || resp.Code != "NoSuchBucket"):
		return storage.ErrNotFound
	}
	wrapped := fmt.Errorf("s3: %s: %w", op, err)
	if storage.IsNetworkError(err) ||
		resp.StatusCode >= http.StatusInternalServerError ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusRequestTimeout {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}
