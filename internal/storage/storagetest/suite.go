// Package storagetest holds a conformance suite every storage.Backend
// implementation runs against.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tpcd/internal/storage"
)

// Factory opens a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Backend

// Run exercises the conditional write, delete and listing contract.
func Run(t *testing.T, open Factory) {
	t.Helper()
	t.Run("CreateOnce", func(t *testing.T) { testCreateOnce(t, open(t)) })
	t.Run("ExpectedETag", func(t *testing.T) { testExpectedETag(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("ListPaging", func(t *testing.T) { testListPaging(t, open(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, open(t)) })
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func testCreateOnce(t *testing.T, b storage.Backend) {
	c := ctx(t)
	key := "coordinators/s1/00000000000000000001.json"
	info, err := storage.WriteObject(c, b, key, []byte(`{"n":1}`), storage.PutObjectOptions{IfNotExists: true, ContentType: "application/json"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.ETag == "" {
		t.Fatal("expected etag on create")
	}
	if _, err := storage.WriteObject(c, b, key, []byte(`{"n":2}`), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch on second create, got %v", err)
	}
	data, got, err := storage.ReadObject(c, b, key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"n":1}` {
		t.Fatalf("unexpected payload %q", data)
	}
	if got.ETag != info.ETag {
		t.Fatalf("etag mismatch: read %q, created %q", got.ETag, info.ETag)
	}
}

func testExpectedETag(t *testing.T, b storage.Backend) {
	c := ctx(t)
	key := "lease"
	if _, err := storage.WriteObject(c, b, key, []byte("a"), storage.PutObjectOptions{ExpectedETag: "missing"}); !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected not found or cas mismatch for missing key, got %v", err)
	}
	first, err := storage.WriteObject(c, b, key, []byte("a"), storage.PutObjectOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := storage.WriteObject(c, b, key, []byte("b"), storage.PutObjectOptions{ExpectedETag: first.ETag})
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if _, err := storage.WriteObject(c, b, key, []byte("c"), storage.PutObjectOptions{ExpectedETag: first.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected stale etag to fail, got %v", err)
	}
	data, info, err := storage.ReadObject(c, b, key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, []byte("b")) || info.ETag != second.ETag {
		t.Fatalf("unexpected state %q etag=%q want b/%q", data, info.ETag, second.ETag)
	}
}

func testDelete(t *testing.T, b storage.Backend) {
	c := ctx(t)
	key := "coordinators/s2/00000000000000000007.json"
	info, err := storage.WriteObject(c, b, key, []byte("x"), storage.PutObjectOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.DeleteObject(c, key, storage.DeleteObjectOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on delete, got %v", err)
	}
	if err := b.DeleteObject(c, key, storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := storage.ReadObject(c, b, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := b.DeleteObject(c, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("delete with IgnoreNotFound: %v", err)
	}
}

func testListPaging(t *testing.T, b storage.Backend) {
	c := ctx(t)
	want := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("coordinators/s%d/%020d.json", i, i+1)
		want = append(want, key)
		if _, err := storage.WriteObject(c, b, key, []byte("{}"), storage.PutObjectOptions{IfNotExists: true}); err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
	}
	if _, err := storage.WriteObject(c, b, "other/key", []byte("{}"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("create other: %v", err)
	}
	var got []string
	err := storage.ListAll(c, b, "coordinators/", 2, func(obj storage.ObjectInfo) error {
		got = append(got, obj.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("listed %d keys, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("key %d = %q want %q", i, got[i], want[i])
		}
	}
}

func testConcurrentCreate(t *testing.T, b storage.Backend) {
	c := ctx(t)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := storage.WriteObject(c, b, "race", []byte(fmt.Sprintf("%d", i)), storage.PutObjectOptions{IfNotExists: true})
			if err == nil {
				wins.Add(1)
				return
			}
			if !errors.Is(err, storage.ErrCASMismatch) {
				t.Errorf("unexpected create error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}
