// Package redisstore provides a Redis-backed sessions.Store so that several
// gateway instances can share sessions.
//
// Each session is a hash holding the immutable record as JSON alongside
// millisecond timestamps for creation, expiry and last access. The key
// expires in Redis at the session's expiry, and every mutation that reads
// before it writes runs as a Lua script so it is atomic per session.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/credgate/attr"
	"github.com/ggoodman/credgate/sessions"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "credgate:sessions:"

// Config for the Redis-backed Store.
type Config struct {
	// Client is the Redis client instance.
	Client redis.UniversalClient
	// KeyPrefix for all keys. Default: DefaultKeyPrefix.
	KeyPrefix string
}

// Store implements sessions.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a Store. The client is owned by the caller.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("redisstore: redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: cfg.Client, keyPrefix: prefix}, nil
}

const (
	fieldRecord   = "rec"
	fieldCreated  = "created"
	fieldExpires  = "exp"
	fieldAccessed = "acc"
)

// record is the immutable part of a session.
type record struct {
	HolderID      string          `json:"holderId"`
	CredentialIDs []string        `json:"credentialIds"`
	Attributes    attr.Attributes `json:"attributes"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

func (s *Store) sessionKey(id string) string { return s.keyPrefix + "session:" + id }

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'rec', ARGV[1], 'created', ARGV[2], 'exp', ARGV[3], 'acc', ARGV[4])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return 1
`)

func (s *Store) Create(ctx context.Context, sess *sessions.Session) error {
	raw, err := json.Marshal(record{
		HolderID:      sess.HolderID,
		CredentialIDs: sess.CredentialIDs,
		Attributes:    sess.Attributes,
		Metadata:      sess.Metadata,
	})
	if err != nil {
		return fmt.Errorf("redisstore: encode session: %w", err)
	}
	res, err := createScript.Run(ctx, s.client, []string{s.sessionKey(sess.ID)},
		raw,
		sess.CreatedAt.UnixMilli(),
		sess.ExpiresAt.UnixMilli(),
		sess.LastAccessedAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("redisstore: create: %w", err)
	}
	if res == 0 {
		return sessions.ErrSessionExists
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*sessions.Session, error) {
	vals, err := s.client.HMGet(ctx, s.sessionKey(id), fieldRecord, fieldCreated, fieldExpires, fieldAccessed).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load: %w", err)
	}
	return decode(id, vals)
}

// extendScript returns 0 when the session is absent or expired, -1 when the
// lifetime cap would be exceeded, and otherwise the updated fields.
var extendScript = redis.NewScript(`
local exp = tonumber(redis.call('HGET', KEYS[1], 'exp'))
if not exp then
  return 0
end
local now = tonumber(ARGV[1])
if exp <= now then
  return 0
end
local nextExp = exp + tonumber(ARGV[2])
local maxLife = tonumber(ARGV[3])
if maxLife > 0 then
  local created = tonumber(redis.call('HGET', KEYS[1], 'created'))
  if nextExp > created + maxLife then
    return -1
  end
end
redis.call('HSET', KEYS[1], 'exp', nextExp)
redis.call('PEXPIREAT', KEYS[1], nextExp)
return redis.call('HMGET', KEYS[1], 'rec', 'created', 'exp', 'acc')
`)

func (s *Store) Extend(ctx context.Context, id string, by time.Duration, opts sessions.ExtendOptions) (*sessions.Session, error) {
	res, err := extendScript.Run(ctx, s.client, []string{s.sessionKey(id)},
		opts.Now.UnixMilli(),
		by.Milliseconds(),
		opts.MaxLifetime.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: extend: %w", err)
	}
	switch v := res.(type) {
	case int64:
		if v == -1 {
			return nil, sessions.ErrLifetimeExceeded
		}
		return nil, nil
	case []any:
		return decode(id, v)
	default:
		return nil, fmt.Errorf("redisstore: extend: unexpected reply %T", res)
	}
}

var touchScript = redis.NewScript(`
local acc = tonumber(redis.call('HGET', KEYS[1], 'acc'))
if not acc then
  return 0
end
if tonumber(ARGV[1]) > acc then
  redis.call('HSET', KEYS[1], 'acc', ARGV[1])
end
return 1
`)

func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	if err := touchScript.Run(ctx, s.client, []string{s.sessionKey(id)}, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("redisstore: touch: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: delete: %w", err)
	}
	return n > 0, nil
}

var sweepScript = redis.NewScript(`
local exp = tonumber(redis.call('HGET', KEYS[1], 'exp'))
if exp and exp <= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// Sweep removes sessions that have expired but not yet been evicted by
// Redis. Redis expiry normally handles this on its own.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	pattern := s.keyPrefix + "session:*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return removed, fmt.Errorf("redisstore: sweep: %w", err)
		}
		for _, key := range keys {
			n, err := sweepScript.Run(ctx, s.client, []string{key}, now.UnixMilli()).Int()
			if err != nil {
				return removed, fmt.Errorf("redisstore: sweep: %w", err)
			}
			removed += n
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// decode builds a session from the rec, created, exp, acc fields. All-nil
// fields mean the key does not exist.
func decode(id string, vals []any) (*sessions.Session, error) {
	if len(vals) != 4 || vals[0] == nil {
		return nil, nil
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("redisstore: unexpected record type %T", vals[0])
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("redisstore: decode session: %w", err)
	}
	var ts [3]time.Time
	for i, v := range vals[1:] {
		ms, err := millis(v)
		if err != nil {
			return nil, err
		}
		ts[i] = time.UnixMilli(ms)
	}
	if rec.CredentialIDs == nil {
		rec.CredentialIDs = []string{}
	}
	if rec.Attributes == nil {
		rec.Attributes = attr.Attributes{}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	return &sessions.Session{
		ID:             id,
		HolderID:       rec.HolderID,
		CredentialIDs:  rec.CredentialIDs,
		Attributes:     rec.Attributes,
		CreatedAt:      ts[0],
		ExpiresAt:      ts[1],
		LastAccessedAt: ts[2],
		Metadata:       rec.Metadata,
	}, nil
}

func millis(v any) (int64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseInt(x, 10, 64)
	case int64:
		return x, nil
	default:
		return 0, fmt.Errorf("redisstore: unexpected timestamp type %T", v)
	}
}

var _ sessions.Store = (*Store)(nil)
