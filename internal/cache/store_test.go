package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"testing"
	"time"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "disk", new: newTestStore},
		{name: "memory", new: func(*testing.T) Store { return NewMemoryStore() }},
	}
}

func TestPartitionPutAndGet(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			part := openPartition(t, factory.new(t), "furnace-dynamic-v1")
			key := MustKey("/api/templog?limit=10")

			storedAt := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
			snap := Snapshot{
				Status:   http.StatusOK,
				Header:   http.Header{"Content-Type": []string{"application/json"}},
				Body:     []byte(`[{"t":21.5}]`),
				StoredAt: storedAt,
			}
			if err := part.Put(ctx, key, snap); err != nil {
				t.Fatalf("put error: %v", err)
			}

			got, err := part.Get(ctx, key)
			if err != nil {
				t.Fatalf("get error: %v", err)
			}
			if string(got.Body) != `[{"t":21.5}]` {
				t.Fatalf("body mismatch: %s", got.Body)
			}
			if got.Header.Get("Content-Type") != "application/json" {
				t.Fatalf("header mismatch: %v", got.Header)
			}
			if !got.StoredAt.Equal(storedAt) {
				t.Fatalf("stored_at mismatch: expected %v got %v", storedAt, got.StoredAt)
			}
		})
	}
}

func TestPartitionPutReplacesPreviousSnapshot(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			part := openPartition(t, factory.new(t), "furnace-dynamic-v1")
			key := MustKey("/api/status")

			mustPut(t, part, key, "first")
			mustPut(t, part, key, "second")

			got, err := part.Get(ctx, key)
			if err != nil {
				t.Fatalf("get error: %v", err)
			}
			if string(got.Body) != "second" {
				t.Fatalf("later write should win, got %s", got.Body)
			}
		})
	}
}

func TestPartitionRejectsNonSuccessSnapshot(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			part := openPartition(t, factory.new(t), "furnace-dynamic-v1")
			key := MustKey("/api/status")

			err := part.Put(ctx, key, Snapshot{Status: http.StatusInternalServerError, Body: []byte("boom")})
			if !errors.Is(err, ErrNotCacheable) {
				t.Fatalf("expected ErrNotCacheable, got %v", err)
			}
			if _, err := part.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("rejected snapshot must not be stored, got %v", err)
			}
		})
	}
}

func TestPartitionPutAllIsAllOrNothing(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			part := openPartition(t, factory.new(t), "furnace-static-v1")

			records := []Record{
				{Key: MustKey("/"), Snapshot: Snapshot{Status: http.StatusOK, Body: []byte("index")}},
				{Key: MustKey("/css/styles.css"), Snapshot: Snapshot{Status: http.StatusNotFound}},
			}
			if err := part.PutAll(ctx, records); !errors.Is(err, ErrNotCacheable) {
				t.Fatalf("expected ErrNotCacheable, got %v", err)
			}
			keys, err := part.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if len(keys) != 0 {
				t.Fatalf("failed batch must leave partition empty, got %v", keys)
			}

			records[1].Snapshot.Status = http.StatusOK
			if err := part.PutAll(ctx, records); err != nil {
				t.Fatalf("put all error: %v", err)
			}
			keys, err = part.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			expected := []Key{MustKey("/css/styles.css"), MustKey("/")}
			sortKeys(expected)
			if !reflect.DeepEqual(keys, expected) {
				t.Fatalf("keys mismatch: %v", keys)
			}
		})
	}
}

func TestPartitionRemove(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			part := openPartition(t, factory.new(t), "furnace-dynamic-v1")
			key := MustKey("/api/remove")
			mustPut(t, part, key, "data")

			if err := part.Remove(ctx, key); err != nil {
				t.Fatalf("remove error: %v", err)
			}
			if _, err := part.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found after remove, got %v", err)
			}
			if err := part.Remove(ctx, key); err != nil {
				t.Fatalf("removing a missing entry should succeed, got %v", err)
			}
		})
	}
}

func TestStoreMatchSearchesAllPartitions(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			store := factory.new(t)
			static := openPartition(t, store, "furnace-static-v1")
			dynamic := openPartition(t, store, "furnace-dynamic-v1")

			mustPut(t, static, MustKey("/offline.html"), "offline")
			mustPut(t, dynamic, MustKey("/api/templog"), "log")

			for path, body := range map[string]string{"/offline.html": "offline", "/api/templog": "log"} {
				snap, err := store.Match(ctx, MustKey(path))
				if err != nil {
					t.Fatalf("match %s error: %v", path, err)
				}
				if string(snap.Body) != body {
					t.Fatalf("match %s body mismatch: %s", path, snap.Body)
				}
			}
			if _, err := store.Match(ctx, MustKey("/missing")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestPurgeExceptKeepsCurrentGeneration(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			store := factory.new(t)
			for _, name := range []string{"furnace-static-v1", "furnace-dynamic-v1", "other-v0", "furnace-static-v2", "furnace-dynamic-v2"} {
				mustPut(t, openPartition(t, store, name), MustKey("/"), name)
			}

			deleted, err := PurgeExcept(ctx, store, []string{"furnace-static-v2", "furnace-dynamic-v2"})
			if err != nil {
				t.Fatalf("purge error: %v", err)
			}
			if !reflect.DeepEqual(deleted, []string{"furnace-dynamic-v1", "furnace-static-v1", "other-v0"}) {
				t.Fatalf("unexpected deleted partitions: %v", deleted)
			}

			names, err := store.Partitions(ctx)
			if err != nil {
				t.Fatalf("partitions error: %v", err)
			}
			if !reflect.DeepEqual(names, []string{"furnace-dynamic-v2", "furnace-static-v2"}) {
				t.Fatalf("unexpected remaining partitions: %v", names)
			}

			deleted, err = PurgeExcept(ctx, store, []string{"furnace-static-v2", "furnace-dynamic-v2"})
			if err != nil {
				t.Fatalf("second purge error: %v", err)
			}
			if len(deleted) != 0 {
				t.Fatalf("second purge should be a no-op, deleted %v", deleted)
			}
		})
	}
}

func TestStoreDeleteReportsExistence(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			store := factory.new(t)
			openPartition(t, store, "furnace-static-v1")

			existed, err := store.Delete(ctx, "furnace-static-v1")
			if err != nil || !existed {
				t.Fatalf("expected existing partition deleted, existed=%v err=%v", existed, err)
			}
			existed, err = store.Delete(ctx, "furnace-static-v1")
			if err != nil || existed {
				t.Fatalf("expected missing partition, existed=%v err=%v", existed, err)
			}
		})
	}
}

func TestStoreRejectsInvalidPartitionName(t *testing.T) {
	store := NewMemoryStore()
	for _, name := range []string{"", "..", "a/b"} {
		if _, err := store.Open(context.Background(), name); !errors.Is(err, ErrInvalidPartition) {
			t.Fatalf("expected ErrInvalidPartition for %q, got %v", name, err)
		}
	}
}

func TestFileStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	part := openPartition(t, store, "furnace-static-v1")
	key := MustKey("/v2")

	fp, ok := part.(*filePartition)
	if !ok {
		t.Fatalf("unexpected partition type %T", part)
	}
	if err := os.MkdirAll(fp.entryPath(key), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := part.Get(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	mustPut(t, openPartition(t, store, "furnace-static-v1"), MustKey("/index.html"), "index")

	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	snap, err := reopened.Match(context.Background(), MustKey("/index.html"))
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(snap.Body) != "index" {
		t.Fatalf("body mismatch: %s", snap.Body)
	}
}

func TestNewKeyNormalizesURL(t *testing.T) {
	key, err := NewKey("get", "http://furnace.local/api/templog?limit=5")
	if err != nil {
		t.Fatalf("key error: %v", err)
	}
	if key.String() != "GET /api/templog?limit=5" {
		t.Fatalf("unexpected key: %s", key)
	}
	if _, err := NewKey(http.MethodPost, "/api/updateTemp"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for POST, got %v", err)
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func openPartition(t *testing.T, store Store, name string) Partition {
	t.Helper()
	part, err := store.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s error: %v", name, err)
	}
	return part
}

func mustPut(t *testing.T, part Partition, key Key, body string) {
	t.Helper()
	if err := part.Put(context.Background(), key, Snapshot{Status: http.StatusOK, Body: []byte(body)}); err != nil {
		t.Fatalf("put %s error: %v", key, err)
	}
}
