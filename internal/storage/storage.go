// Package storage defines the object store contract the durable coordinator
// log and the failover lease are built on. Every backend provides
// conditional (compare-and-swap) writes and returns only once a write is
// durable for its medium.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost: the key already
	// exists (IfNotExists) or its ETag changed (ExpectedETag).
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented is returned by optional capabilities a backend lacks.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// GetObjectResult carries an open object body and its metadata. Callers must
// close Reader.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// PutObjectOptions controls conditional writes.
type PutObjectOptions struct {
	// ExpectedETag makes the write succeed only when the stored object still
	// carries this ETag.
	ExpectedETag string
	// IfNotExists makes the write succeed only when no object exists.
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls conditional deletes.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions selects a page of keys in lexical order.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult is one page of ListObjects output.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// Backend is implemented by every storage driver.
type Backend interface {
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	Close() error
}

// Health summarises backend capacity for /healthz.
type Health struct {
	Backend    string `json:"backend"`
	Path       string `json:"path,omitempty"`
	FreeBytes  uint64 `json:"free_bytes,omitempty"`
	TotalBytes uint64 `json:"total_bytes,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// HealthReporter is implemented by backends that can report capacity.
type HealthReporter interface {
	Health(ctx context.Context) (Health, error)
}

// ReadObject fetches key fully into memory.
func ReadObject(ctx context.Context, b Backend, key string) ([]byte, *ObjectInfo, error) {
	res, err := b.GetObject(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, res.Info, nil
}

// WriteObject stores payload under key.
func WriteObject(ctx context.Context, b Backend, key string, payload []byte, opts PutObjectOptions) (*ObjectInfo, error) {
	return b.PutObject(ctx, key, bytes.NewReader(payload), opts)
}

// ListAll pages through every key under prefix, calling visit once per
// object in lexical order. Returning an error from visit stops the walk.
func ListAll(ctx context.Context, b Backend, prefix string, pageSize int, visit func(ObjectInfo) error) error {
	startAfter := ""
	for {
		page, err := b.ListObjects(ctx, ListOptions{Prefix: prefix, StartAfter: startAfter, Limit: pageSize})
		if err != nil {
			return err
		}
		for _, obj := range page.Objects {
			if err := visit(obj); err != nil {
				return err
			}
		}
		if !page.Truncated || page.NextStartAfter == "" || page.NextStartAfter == startAfter {
			return nil
		}
		startAfter = page.NextStartAfter
	}
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
