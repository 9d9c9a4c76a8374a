package disk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	psdisk "github.com/shirou/gopsutil/v4/disk"

	"pkt.systems/pslog"
	"pkt.systems/tpcd/internal/loggingutil"
	"pkt.systems/tpcd/internal/storage"
)

// ErrInsufficientSpace is returned by PutObject when the filesystem has less
// free space than Config.MinFreeBytes.
var ErrInsufficientSpace = errors.New("disk: insufficient free space")

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// MinFreeBytes refuses writes once free space on Root drops below it.
	// Zero disables the check.
	MinFreeBytes uint64
}

// Store implements storage.Backend on the local filesystem. Every write is
// staged in a temp file, fsynced, renamed into place and followed by a
// directory fsync, so a returned PutObject or DeleteObject survives a crash.
type Store struct {
	root         string
	objectDir    string
	tmpDir       string
	lockDir      string
	minFreeBytes uint64

	locks sync.Map
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:         root,
		objectDir:    filepath.Join(root, "objects"),
		tmpDir:       filepath.Join(root, "tmp"),
		lockDir:      filepath.Join(root, "locks"),
		minFreeBytes: cfg.MinFreeBytes,
	}
	for _, dir := range []string{s.objectDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the directory the store was opened on.
func (s *Store) Root() string { return s.root }

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }

// Health reports filesystem capacity for the store root.
func (s *Store) Health(ctx context.Context) (storage.Health, error) {
	usage, err := psdisk.UsageWithContext(ctx, s.root)
	if err != nil {
		return storage.Health{Backend: "disk", Path: s.root}, fmt.Errorf("disk: usage %q: %w", s.root, err)
	}
	return storage.Health{
		Backend:    "disk",
		Path:       s.root,
		FreeBytes:  usage.Free,
		TotalBytes: usage.Total,
	}, nil
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx, nil).With("storage_backend", "disk")
}

func (s *Store) keyLock(key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// lockKey serialises mutations of key within this process and, through an
// advisory file lock, against other processes sharing the directory.
func (s *Store) lockKey(key string) (func(), error) {
	mu := s.keyLock(key)
	mu.Lock()
	sum := sha256.Sum256([]byte(key))
	lockPath := filepath.Join(s.lockDir, hex.EncodeToString(sum[:8])+".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	fl := &fileLock{file: f}
	return func() {
		_ = fl.Unlock()
		mu.Unlock()
	}, nil
}

func (s *Store) objectPath(key string) (string, error) {
	key = strings.Trim(key, "/")
	if key == "" {
		return "", fmt.Errorf("disk: key required")
	}
	parts := strings.Split(key, "/")
	escaped := make([]string, 0, len(parts)+1)
	escaped = append(escaped, s.objectDir)
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("disk: invalid key %q", key)
		}
		escaped = append(escaped, url.PathEscape(part))
	}
	return filepath.Join(escaped...), nil
}

func (s *Store) keyFromPath(path string) (string, error) {
	rel, err := filepath.Rel(s.objectDir, path)
	if err != nil {
		return "", err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, part := range parts {
		decoded, err := url.PathUnescape(part)
		if err != nil {
			return "", fmt.Errorf("disk: decode key segment %q: %w", part, err)
		}
		parts[i] = decoded
	}
	return strings.Join(parts, "/"), nil
}

// statObject returns metadata for the object at path. The ETag is the
// SHA-256 of the stored payload.
func statObject(key, path string) (*storage.ObjectInfo, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, fmt.Errorf("disk: read object %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:         key,
		ETag:        etagOf(data),
		Size:        int64(len(data)),
		ContentType: "application/json",
	}
	if fi, err := os.Stat(path); err == nil {
		info.LastModified = fi.ModTime().UTC()
	}
	return info, data, nil
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GetObject returns the object payload for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := s.logger(ctx)
	logger.Trace("disk.get_object.begin", "key", key)
	path, err := s.objectPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	info, data, err := statObject(key, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debug("disk.get_object.not_found", "key", key)
		}
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(data)), Info: info}, nil
}

// PutObject writes an object with optional conditional semantics.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	start := time.Now()
	logger.Trace("disk.put_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
	path, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	if err := s.checkFreeSpace(ctx); err != nil {
		logger.Warn("disk.put_object.insufficient_space", "key", key, "error", err)
		return nil, err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, _, err := statObject(key, path)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if opts.IfNotExists && current != nil {
			logger.Debug("disk.put_object.exists", "key", key)
			return nil, storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" {
			if current == nil {
				return nil, storage.ErrNotFound
			}
			if current.ETag != opts.ExpectedETag {
				logger.Debug("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
				return nil, storage.ErrCASMismatch
			}
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: sync object %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: close object %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	if err := syncDir(dir); err != nil {
		return nil, fmt.Errorf("disk: sync directory for %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         hex.EncodeToString(hasher.Sum(nil)),
		Size:         written,
		LastModified: time.Now().UTC(),
		ContentType:  opts.ContentType,
	}
	logger.Debug("disk.put_object.success", "key", key, "size", info.Size, "etag", info.ETag, "elapsed", time.Since(start))
	return info, nil
}

// DeleteObject removes an object applying optional CAS semantics, then prunes
// empty parent directories.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.logger(ctx)
	logger.Trace("disk.delete_object.begin", "key", key, "expected_etag", opts.ExpectedETag)
	path, err := s.objectPath(key)
	if err != nil {
		return err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()

	info, _, err := statObject(key, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("disk.delete_object.remove_error", "key", key, "error", err)
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	dir := filepath.Dir(path)
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("disk: sync directory for %q: %w", key, err)
	}
	for dir != s.objectDir && dir != "." {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	logger.Debug("disk.delete_object.success", "key", key)
	return nil
}

// ListObjects enumerates objects in lexical key order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.logger(ctx)
	logger.Trace("disk.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	keys := make([]string, 0, 64)
	err := filepath.WalkDir(s.objectDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		key, err := s.keyFromPath(path)
		if err != nil {
			return err
		}
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		logger.Debug("disk.list_objects.walk_error", "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	limit := len(keys)
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	result := &storage.ListResult{Objects: make([]storage.ObjectInfo, 0, limit)}
	for _, key := range keys[:limit] {
		path, err := s.objectPath(key)
		if err != nil {
			return nil, err
		}
		info, _, err := statObject(key, path)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	if limit > 0 && limit < len(keys) {
		result.Truncated = true
		result.NextStartAfter = keys[limit-1]
	}
	return result, nil
}

func (s *Store) checkFreeSpace(ctx context.Context) error {
	if s.minFreeBytes == 0 {
		return nil
	}
	usage, err := psdisk.UsageWithContext(ctx, s.root)
	if err != nil {
		return nil
	}
	if usage.Free < s.minFreeBytes {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientSpace, usage.Free, s.minFreeBytes)
	}
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
