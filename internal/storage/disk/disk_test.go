package disk

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/tpcd/internal/storage"
	"pkt.systems/tpcd/internal/storage/storagetest"
)

func TestDiskConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store, err := New(Config{Root: filepath.Join(t.TempDir(), "store")})
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestDiskSurvivesReopen(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "store")
	store, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	key := "coordinators/lsid-a/00000000000000000007.json"
	info, err := storage.WriteObject(ctx, store, key, []byte(`{"decision":"commit"}`), storage.PutObjectOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	store.Close()

	reopened, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	data, got, err := storage.ReadObject(ctx, reopened, key)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if !bytes.Equal(data, []byte(`{"decision":"commit"}`)) {
		t.Fatalf("unexpected payload %q", data)
	}
	if got.ETag != info.ETag {
		t.Fatalf("etag changed across reopen: %q vs %q", got.ETag, info.ETag)
	}
	entries, err := os.ReadDir(filepath.Join(root, "tmp"))
	if err != nil {
		t.Fatalf("read tmp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no staged files left behind, found %d", len(entries))
	}
}

func TestDiskKeysAreEscaped(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	key := "coordinators/lsid with space/00000000000000000001.json"
	if _, err := storage.WriteObject(ctx, store, key, []byte("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	page, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "coordinators/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 1 || page.Objects[0].Key != key {
		t.Fatalf("unexpected listing %+v", page.Objects)
	}
	if _, err := store.GetObject(ctx, "../escape"); err == nil {
		t.Fatalf("expected traversal key to be rejected")
	}
}

func TestDiskRefusesWritesBelowFreeSpaceFloor(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Root: t.TempDir(), MinFreeBytes: math.MaxUint64})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, err = storage.WriteObject(context.Background(), store, "k", []byte("x"), storage.PutObjectOptions{})
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected insufficient space, got %v", err)
	}
}

func TestDiskHealthReportsCapacity(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	h, err := store.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Backend != "disk" || h.TotalBytes == 0 {
		t.Fatalf("unexpected health %+v", h)
	}
}
