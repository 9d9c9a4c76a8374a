// Package aws stores coordinator documents on Amazon S3 through
// aws-sdk-go-v2, using S3 conditional writes (If-Match, If-None-Match: *)
// for the coordinator log's create and decide steps.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/tpcd/internal/loggingutil"
	"pkt.systems/tpcd/internal/storage"
)

// Config selects the bucket and region. Credentials come from the default
// AWS chain (env, shared config, IMDS).
type Config struct {
	// Endpoint overrides the regional endpoint and forces path-style.
	Endpoint string
	Region   string
	Bucket   string
	Prefix   string
	// Insecure skips TLS verification for Endpoint.
	Insecure bool
}

// Store implements storage.Backend on one bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// opTimeout bounds a call whose context carries no earlier deadline.
const opTimeout = time.Minute

// New loads the default AWS config for cfg.Region.
func New(cfg Config) (*Store, error) {
	switch {
	case cfg.Bucket == "":
		return nil, fmt.Errorf("aws: bucket is required")
	case cfg.Region == "":
		return nil, fmt.Errorf("aws: region is required")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: transport}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		if cfg.Insecure {
			endpoint = "http://" + endpoint
		} else {
			endpoint = "https://" + endpoint
		}
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Health reports bucket reachability.
func (s *Store) Health(ctx context.Context) (storage.Health, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	h := storage.Health{Backend: "aws", Path: s.bucket + "/" + s.prefix}
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		if errors.Is(classify(err, "head bucket", false), storage.ErrNotFound) {
			h.Detail = "bucket missing"
			return h, nil
		}
		return h, classify(err, "head bucket", false)
	}
	return h, nil
}

func bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

func (s *Store) objectKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) root() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

// GetObject reads the whole object.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return storage.GetObjectResult{}, classify(err, "get "+key, false)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.GetObjectResult{}, classify(err, "read "+key, false)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         strings.Trim(aws.ToString(resp.ETag), `"`),
		Size:         int64(len(data)),
		LastModified: aws.ToTime(resp.LastModified),
		ContentType:  aws.ToString(resp.ContentType),
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(data)), Info: info}, nil
}

// PutObject uploads body with If-Match or If-None-Match: * guards.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("aws: read body for %s: %w", key, err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	}
	switch {
	case opts.ExpectedETag != "":
		input.IfMatch = aws.String(opts.ExpectedETag)
	case opts.IfNotExists:
		input.IfNoneMatch = aws.String("*")
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		err = classify(err, "put "+key, opts.ExpectedETag != "")
		if errors.Is(err, storage.ErrCASMismatch) {
			loggingutil.FromContext(ctx, nil).Debug("storage.aws.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
		}
		return nil, err
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		Size:         int64(len(data)),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}, nil
}

// DeleteObject removes key with If-Match when ExpectedETag is set. S3
// deletes of missing keys succeed, so existence is checked first unless
// IgnoreNotFound makes it moot.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	object := aws.String(s.objectKey(key))
	if !opts.IgnoreNotFound || opts.ExpectedETag != "" {
		if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: object}); err != nil {
			err = classify(err, "head "+key, false)
			if opts.IgnoreNotFound && errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
	}
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: object}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		err = classify(err, "delete "+key, opts.ExpectedETag != "")
		if opts.IgnoreNotFound && errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// ListObjects pages through ListObjectsV2 under opts.Prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	root := s.root()
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(opts.Prefix)),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(s.objectKey(opts.StartAfter))
	}
	result := &storage.ListResult{}
	pages := s3.NewListObjectsV2Paginator(s.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "list "+opts.Prefix, false)
		}
		for _, obj := range page.Contents {
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				return result, nil
			}
			key := strings.TrimPrefix(aws.ToString(obj.Key), root)
			result.Objects = append(result.Objects, storage.ObjectInfo{
				Key:          key,
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
			result.NextStartAfter = key
		}
	}
	return result, nil
}

// classify maps SDK errors onto the storage sentinels.
func classify(err error, op string, conditional bool) error {
	if err == nil {
		return nil
	}
	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	switch {
	case code == "PreconditionFailed", code == "ConditionalRequestConflict",
		status == http.StatusPreconditionFailed, status == http.StatusConflict:
		return storage.ErrCASMismatch
	case code == "NoSuchBucket" && !conditional:
		return fmt.Errorf("aws: %s: bucket missing: %w", op, err)
	case code == "NoSuchKey", code == "NotFound", status == http.StatusNotFound:
		return storage.ErrNotFound
	}
	wrapped := fmt.Errorf("aws: %s: %w", op, err)
	if storage.IsNetworkError(err) || status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}
