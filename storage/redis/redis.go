// Package redis is a storage.Storage on Redis. Entries are JSON envelopes
// stored as plain strings with a native Redis expiry, so Take can use GETDEL
// and every gateway instance sees the same pending requests.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/credgate/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "credgate:storage:"

// scanBatch is the COUNT hint for namespace scans.
const scanBatch = 100

// Config for the Redis storage.
type Config struct {
	// Client is owned by the caller; Close does not close it.
	Client redis.UniversalClient
	// KeyPrefix for all keys. Default: DefaultKeyPrefix.
	KeyPrefix string
}

// Storage implements storage.Storage on Redis.
type Storage struct {
	client    redis.UniversalClient
	keyPrefix string
}

type envelope struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Storage.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis storage: client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Storage{client: cfg.Client, keyPrefix: prefix}, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	rk := s.redisKey(storage.ApplyOptions(opts...).Namespace, key)
	raw, err := s.client.Get(ctx, rk).Bytes()
	return s.open(ctx, rk, raw, err)
}

// Take uses GETDEL, available from Redis 6.2.
func (s *Storage) Take(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	rk := s.redisKey(storage.ApplyOptions(opts...).Namespace, key)
	raw, err := s.client.GetDel(ctx, rk).Bytes()
	return s.open(ctx, rk, raw, err)
}

// open decodes a reply from GET or GETDEL.
func (s *Storage) open(ctx context.Context, rk string, raw []byte, err error) (*storage.StorageItem, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis storage: read %s: %w", rk, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("redis storage: decode %s: %w", rk, err)
	}
	item := &storage.StorageItem{Data: env.Data, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt}
	// Redis expiry has millisecond resolution; a read can race it.
	if item.IsExpired() {
		s.client.Del(context.WithoutCancel(ctx), rk)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.ApplyOptions(opts...)
	if err := options.Validate(); err != nil {
		return err
	}
	rk := s.redisKey(options.Namespace, key)

	now := time.Now()
	env := envelope{Data: data, CreatedAt: now}
	var ttl time.Duration
	if options.TTL != nil {
		ttl = *options.TTL
		exp := now.Add(ttl)
		env.ExpiresAt = &exp
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis storage: encode %s: %w", rk, err)
	}
	if err := s.client.Set(ctx, rk, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis storage: write %s: %w", rk, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.ApplyOptions(opts...)
	if err := options.ValidateDelete(); err != nil {
		return err
	}
	if options.Key != nil {
		rk := s.redisKey(options.Namespace, *options.Key)
		if err := s.client.Del(ctx, rk).Err(); err != nil {
			return fmt.Errorf("redis storage: delete %s: %w", rk, err)
		}
		return nil
	}

	pattern := s.redisKey(options.Namespace, "*")
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := s.client.Unlink(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis storage: delete namespace: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis storage: scan %s: %w", pattern, err)
	}
	if len(batch) > 0 {
		if err := s.client.Unlink(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis storage: delete namespace: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (s *Storage) Close() error { return nil }

func (s *Storage) redisKey(ns storage.Namespace, key string) string {
	switch ns := ns.(type) {
	case storage.RequestNamespace:
		return s.keyPrefix + "requests:" + key
	case storage.SessionNamespace:
		return s.keyPrefix + "session:" + ns.SessionID + ":" + key
	default:
		return s.keyPrefix + "global:" + key
	}
}

var _ storage.Storage = (*Storage)(nil)
