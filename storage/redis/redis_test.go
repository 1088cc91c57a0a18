package redis

import (
	"context"
	"testing"

	"github.com/ggoodman/credgate/storage"
	"github.com/ggoodman/credgate/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

// newTestClient connects to the storage test DB or skips.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 2})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStorage(t *testing.T) {
	newTestClient(t)

	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		client := newTestClient(t)
		client.FlushDB(context.Background())

		s, err := New(Config{Client: client, KeyPrefix: "credgate:test:"})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}

func TestCloseLeavesClientOpen(t *testing.T) {
	client := newTestClient(t)
	s, err := New(Config{Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("client closed by storage: %v", err)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}
