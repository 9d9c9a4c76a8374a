// Package azure stores coordinator documents as block blobs. Conditional
// writes map onto If-Match / If-None-Match so the coordinator log keeps its
// single-writer decision guarantee on Azure.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/tpcd/internal/storage"
)

// Config selects the account, credentials and container.
type Config struct {
	Account    string
	AccountKey string
	// Endpoint overrides https://<account>.blob.core.windows.net (Azurite).
	Endpoint string
	// SASToken is used instead of AccountKey when set.
	SASToken  string
	Container string
	Prefix    string
}

// Store implements storage.Backend on one container.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
}

const createContainerTimeout = 30 * time.Second

// New connects and creates the container when missing.
func New(cfg Config) (*Store, error) {
	switch {
	case cfg.Account == "":
		return nil, fmt.Errorf("azure: account is required")
	case cfg.Container == "":
		return nil, fmt.Errorf("azure: container is required")
	case cfg.SASToken == "" && cfg.AccountKey == "":
		return nil, fmt.Errorf("azure: account key or SAS token required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}
	client, err := newClient(cfg, endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), createContainerTimeout)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !hasErrorCode(err, "ContainerAlreadyExists") {
		return nil, fmt.Errorf("azure: create container %s: %w", cfg.Container, err)
	}
	return &Store{client: client, container: cfg.Container, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func newClient(cfg Config, endpoint string) (*azblob.Client, error) {
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{
		Retry: policy.RetryOptions{MaxRetries: 2},
	}}
	if cfg.SASToken != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("azure: parse endpoint: %w", err)
		}
		sas := strings.TrimPrefix(cfg.SASToken, "?")
		if u.RawQuery == "" {
			u.RawQuery = sas
		} else {
			u.RawQuery += "&" + sas
		}
		client, err := azblob.NewClientWithNoCredential(u.String(), opts)
		if err != nil {
			return nil, fmt.Errorf("azure: create client: %w", err)
		}
		return client, nil
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure: shared key: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return client, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Health probes the container. Azure has no capacity figure.
func (s *Store) Health(ctx context.Context) (storage.Health, error) {
	h := storage.Health{Backend: "azure", Path: s.container + "/" + s.prefix}
	if _, err := s.client.ServiceClient().NewContainerClient(s.container).GetProperties(ctx, nil); err != nil {
		return h, classify(err, "container properties")
	}
	return h, nil
}

func (s *Store) blobName(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// GetObject downloads the blob for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(key), nil)
	if err != nil {
		return storage.GetObjectResult{}, classify(err, "download "+key)
	}
	info := objectInfo(key, resp.ETag, resp.ContentLength, resp.LastModified, resp.ContentType)
	return storage.GetObjectResult{Reader: resp.Body, Info: &info}, nil
}

// PutObject uploads body in one request. Coordinator documents are small,
// so the body is buffered.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("azure: read body for %s: %w", key, err)
	}
	upload := &azblob.UploadBufferOptions{
		AccessConditions: conditions(opts.ExpectedETag, opts.IfNotExists),
	}
	if opts.ContentType != "" {
		upload.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(opts.ContentType)}
	}
	resp, err := s.client.UploadBuffer(ctx, s.container, s.blobName(key), data, upload)
	if err != nil {
		return nil, classify(err, "upload "+key)
	}
	size := int64(len(data))
	now := time.Now()
	info := objectInfo(key, resp.ETag, &size, &now, &opts.ContentType)
	return &info, nil
}

// DeleteObject removes the blob, enforcing ExpectedETag when set.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	_, err := s.client.DeleteBlob(ctx, s.container, s.blobName(key), &azblob.DeleteBlobOptions{
		AccessConditions: conditions(opts.ExpectedETag, false),
	})
	if err == nil {
		return nil
	}
	err = classify(err, "delete "+key)
	if opts.IgnoreNotFound && errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// ListObjects pages through blobs under opts.Prefix. Azure lists in lexical
// order, which StartAfter relies on.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	prefix := s.blobName(opts.Prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	result := &storage.ListResult{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "list "+opts.Prefix)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key := *item.Name
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			if key == "" || (opts.StartAfter != "" && key <= opts.StartAfter) {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				return result, nil
			}
			info := storage.ObjectInfo{Key: key}
			if p := item.Properties; p != nil {
				info = objectInfo(key, p.ETag, p.ContentLength, p.LastModified, p.ContentType)
			}
			result.Objects = append(result.Objects, info)
			result.NextStartAfter = key
		}
	}
	return result, nil
}

func conditions(ifMatch string, ifNoneMatch bool) *blob.AccessConditions {
	mod := &blob.ModifiedAccessConditions{}
	switch {
	case ifMatch != "":
		mod.IfMatch = to.Ptr(azcore.ETag(ifMatch))
	case ifNoneMatch:
		mod.IfNoneMatch = to.Ptr(azcore.ETagAny)
	default:
		return nil
	}
	return &blob.AccessConditions{ModifiedAccessConditions: mod}
}

func objectInfo(key string, etag *azcore.ETag, size *int64, modified *time.Time, contentType *string) storage.ObjectInfo {
	info := storage.ObjectInfo{Key: key}
	if etag != nil {
		info.ETag = string(*etag)
	}
	if size != nil {
		info.Size = *size
	}
	if modified != nil {
		info.LastModified = modified.UTC()
	}
	if contentType != nil {
		info.ContentType = *contentType
	}
	return info
}

// classify maps SDK errors onto the storage sentinels. A 409 on a
// conditional write is a lost race, like 412.
func classify(err error, op string) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		if storage.IsNetworkError(err) {
			return storage.NewTransientError(fmt.Errorf("azure: %s: %w", op, err))
		}
		return fmt.Errorf("azure: %s: %w", op, err)
	}
	switch code := respErr.StatusCode; {
	case code == http.StatusNotFound:
		return storage.ErrNotFound
	case code == http.StatusPreconditionFailed, code == http.StatusConflict:
		return storage.ErrCASMismatch
	case code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
		return storage.NewTransientError(fmt.Errorf("azure: %s: %w", op, err))
	default:
		return fmt.Errorf("azure: %s: %w", op, err)
	}
}

func hasErrorCode(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && strings.EqualFold(respErr.ErrorCode, code)
}
