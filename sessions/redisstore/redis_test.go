package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/credgate/attr"
	"github.com/ggoodman/credgate/sessions"
	"github.com/ggoodman/credgate/sessions/storetest"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 3})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore(t *testing.T) {
	newTestClient(t)

	storetest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		client := newTestClient(t)
		client.FlushDB(context.Background())

		st, err := New(Config{Client: client, KeyPrefix: "credgate:test:"})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return st
	})
}

func TestRedisKeyExpiresWithSession(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	st, err := New(Config{Client: client, KeyPrefix: "credgate:test:ttl:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	now := time.Now().Truncate(time.Millisecond)
	s := &sessions.Session{
		ID:             "ttl-check",
		HolderID:       "did:example:holder",
		Attributes:     attr.Attributes{"isOver18": attr.Bool(true)},
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Minute),
		LastAccessedAt: now,
	}
	_, _ = st.Delete(ctx, s.ID)
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _, _ = st.Delete(ctx, s.ID) })

	ttl, err := client.PTTL(ctx, st.sessionKey(s.ID)).Result()
	if err != nil {
		t.Fatalf("PTTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected key ttl %v", ttl)
	}

	if _, err := st.Extend(ctx, s.ID, time.Minute, sessions.ExtendOptions{Now: now}); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	ttl, _ = client.PTTL(ctx, st.sessionKey(s.ID)).Result()
	if ttl <= time.Minute {
		t.Fatalf("key ttl not moved by Extend: %v", ttl)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}
