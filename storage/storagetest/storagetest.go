// Package storagetest provides a conformance suite every storage.Storage
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/credgate/storage"
)

// StorageFactory creates a fresh, empty Storage for one test.
type StorageFactory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete Storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory StorageFactory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory(t)) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, factory(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory(t)) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory(t)) })
	t.Run("InvalidOptions", func(t *testing.T) { testInvalidOptions(t, factory(t)) })
	t.Run("Take", func(t *testing.T) { testTake(t, factory(t)) })
	t.Run("TakeConcurrent", func(t *testing.T) { testTakeConcurrent(t, factory(t)) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "test-key"
	data := []byte("test data")

	if err := s.Set(ctx, key, data, storage.WithRequests()); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}

	item, err := s.Get(ctx, key, storage.WithRequests())
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if string(item.Data) != string(data) {
		t.Errorf("Expected data %s, got %s", data, item.Data)
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
	if item.ExpiresAt != nil {
		t.Error("ExpiresAt should be nil for data without TTL")
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "non-existent-key", storage.WithSession("nobody"))
	if err != nil {
		t.Fatalf("Failed to get non-existent key: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for non-existent key, got item")
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "ttl-key"
	ttl := 100 * time.Millisecond

	if err := s.Set(ctx, key, []byte("ttl data"), storage.WithRequests(), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("Failed to set data with TTL: %v", err)
	}

	item, err := s.Get(ctx, key, storage.WithRequests())
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if item.ExpiresAt == nil {
		t.Fatal("ExpiresAt should not be nil for data with TTL")
	}

	time.Sleep(ttl + 50*time.Millisecond)

	item, err = s.Get(ctx, key, storage.WithRequests())
	if err != nil {
		t.Fatalf("Failed to get expired data: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for expired data, got item")
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "namespace-key"

	if err := s.Set(ctx, key, []byte("request data"), storage.WithRequests()); err != nil {
		t.Fatalf("Failed to set request data: %v", err)
	}
	if err := s.Set(ctx, key, []byte("session data"), storage.WithSession("session1")); err != nil {
		t.Fatalf("Failed to set session data: %v", err)
	}

	item, err := s.Get(ctx, key, storage.WithRequests())
	if err != nil || item == nil || string(item.Data) != "request data" {
		t.Errorf("request namespace not isolated: item=%v err=%v", item, err)
	}
	item, err = s.Get(ctx, key, storage.WithSession("session1"))
	if err != nil || item == nil || string(item.Data) != "session data" {
		t.Errorf("session namespace not isolated: item=%v err=%v", item, err)
	}
	item, err = s.Get(ctx, key, storage.WithSession("session2"))
	if err != nil {
		t.Fatalf("Failed to get data for different session: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for different session namespace, got item")
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "delete-key"

	if err := s.Set(ctx, key, []byte("delete data"), storage.WithRequests()); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}
	if err := s.Delete(ctx, storage.WithRequests(), storage.WithKey(key)); err != nil {
		t.Fatalf("Failed to delete key: %v", err)
	}

	item, err := s.Get(ctx, key, storage.WithRequests())
	if err != nil {
		t.Fatalf("Failed to get data after deletion: %v", err)
	}
	if item != nil {
		t.Error("Expected nil after deletion, got item")
	}

	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, storage.WithRequests(), storage.WithKey(key)); err != nil {
		t.Fatalf("Second delete failed: %v", err)
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	sessionID := "delete-session"
	keys := []string{"key1", "key2", "key3"}

	for _, key := range keys {
		if err := s.Set(ctx, key, []byte("data for "+key), storage.WithSession(sessionID)); err != nil {
			t.Fatalf("Failed to set data for key %s: %v", key, err)
		}
	}
	if err := s.Set(ctx, "key1", []byte("survivor"), storage.WithSession("other-session")); err != nil {
		t.Fatalf("Failed to set data in other session: %v", err)
	}

	if err := s.Delete(ctx, storage.WithSession(sessionID)); err != nil {
		t.Fatalf("Failed to delete session namespace: %v", err)
	}

	for _, key := range keys {
		item, err := s.Get(ctx, key, storage.WithSession(sessionID))
		if err != nil {
			t.Fatalf("Failed to get data for key %s after deletion: %v", key, err)
		}
		if item != nil {
			t.Errorf("Expected nil after namespace deletion for key %s, got item", key)
		}
	}

	item, err := s.Get(ctx, "key1", storage.WithSession("other-session"))
	if err != nil || item == nil {
		t.Errorf("namespace deletion leaked into another session: item=%v err=%v", item, err)
	}
}

func testInvalidOptions(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v"), storage.WithTTL(-time.Second)); !errors.Is(err, storage.ErrInvalidOptions) {
		t.Errorf("negative TTL: expected ErrInvalidOptions, got %v", err)
	}
	if err := s.Delete(ctx); !errors.Is(err, storage.ErrInvalidOptions) {
		t.Errorf("global wipe: expected ErrInvalidOptions, got %v", err)
	}
}

func testTake(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "req-1", []byte("pending"), storage.WithRequests(), storage.WithTTL(time.Minute)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	item, err := s.Take(ctx, "req-1", storage.WithRequests())
	if err != nil || item == nil || string(item.Data) != "pending" {
		t.Fatalf("Take: item=%v err=%v", item, err)
	}
	if item.Remaining() <= 0 || item.Remaining() > time.Minute {
		t.Errorf("Remaining: %v", item.Remaining())
	}

	again, err := s.Take(ctx, "req-1", storage.WithRequests())
	if err != nil || again != nil {
		t.Fatalf("second Take: item=%v err=%v", again, err)
	}
	if got, _ := s.Get(ctx, "req-1", storage.WithRequests()); got != nil {
		t.Fatal("entry still readable after Take")
	}

	if err := s.Set(ctx, "req-2", []byte("x"), storage.WithRequests(), storage.WithTTL(50*time.Millisecond)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got, err := s.Take(ctx, "req-2", storage.WithRequests()); err != nil || got != nil {
		t.Fatalf("Take expired: item=%v err=%v", got, err)
	}
}

func testTakeConcurrent(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "contended", []byte("once"), storage.WithRequests()); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := s.Take(ctx, "contended", storage.WithRequests())
			if err != nil {
				t.Errorf("Take: %v", err)
				return
			}
			if item != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := wins.Load(); n != 1 {
		t.Fatalf("expected exactly one Take to win, got %d", n)
	}
}
