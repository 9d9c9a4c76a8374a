// Package memory provides an in-process storage.Backend used by tests and
// single-node development setups. Nothing survives a restart.
package memory

import (
	"bytes"
	"context"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/tpcd/internal/storage"
)

// Store implements storage.Backend in memory. ETags are per-store
// generation numbers, so a rewritten object never reuses an old tag.
type Store struct {
	mu   sync.RWMutex
	objs map[string]object
	keys []string // sorted
	gen  uint64

	faultMu sync.Mutex
	faults  map[string][]error
}

type object struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

func (o object) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         o.etag,
		Size:         int64(len(o.payload)),
		LastModified: o.updated,
		ContentType:  o.contentType,
	}
}

// New returns an empty store.
func New() *Store {
	return &Store{objs: make(map[string]object), faults: make(map[string][]error)}
}

// Close drops every object.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.objs)
	s.keys = nil
	return nil
}

// Health reports the bytes held.
func (s *Store) Health(context.Context) (storage.Health, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var size uint64
	for _, o := range s.objs {
		size += uint64(len(o.payload))
	}
	return storage.Health{Backend: "memory", TotalBytes: size}, nil
}

// InjectFault queues errs for the next calls of op ("get_object",
// "put_object", "delete_object", "list_objects"), one per call.
func (s *Store) InjectFault(op string, errs ...error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

func (s *Store) fault(op string) error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	s.faults[op] = queue[1:]
	return queue[0]
}

// ListObjects returns keys under opts.Prefix in lexical order.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := s.fault("list_objects"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := max(opts.Prefix, opts.StartAfter)
	idx, found := slices.BinarySearch(s.keys, start)
	if found && start == opts.StartAfter {
		idx++
	}
	result := &storage.ListResult{}
	for _, key := range s.keys[idx:] {
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			break
		}
		result.Objects = append(result.Objects, s.objs[key].info(key))
		result.NextStartAfter = key
	}
	return result, nil
}

// GetObject returns a copy-free reader over the stored payload. Payloads are
// replaced, never mutated, so the reader stays valid.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	if err := s.fault("get_object"); err != nil {
		return storage.GetObjectResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := o.info(key)
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(o.payload)), Info: &info}, nil
}

// PutObject stores body under key, honouring IfNotExists and ExpectedETag.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := s.fault("put_object"); err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.objs[key]
	switch {
	case opts.IfNotExists && exists:
		return nil, storage.ErrCASMismatch
	case opts.ExpectedETag != "" && !exists:
		return nil, storage.ErrNotFound
	case opts.ExpectedETag != "" && cur.etag != opts.ExpectedETag:
		return nil, storage.ErrCASMismatch
	}
	s.gen++
	o := object{
		payload:     payload,
		etag:        strconv.FormatUint(s.gen, 36),
		contentType: opts.ContentType,
		updated:     time.Now().UTC(),
	}
	s.objs[key] = o
	if !exists {
		idx, _ := slices.BinarySearch(s.keys, key)
		s.keys = slices.Insert(s.keys, idx, key)
	}
	info := o.info(key)
	return &info, nil
}

// DeleteObject removes key, enforcing ExpectedETag when set.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	if err := s.fault("delete_object"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.objs[key]
	switch {
	case !exists && opts.IgnoreNotFound:
		return nil
	case !exists:
		return storage.ErrNotFound
	case opts.ExpectedETag != "" && cur.etag != opts.ExpectedETag:
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	if idx, found := slices.BinarySearch(s.keys, key); found {
		s.keys = slices.Delete(s.keys, idx, idx+1)
	}
	return nil
}
