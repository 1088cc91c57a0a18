// Package memory is a process-local storage.Storage bounded by an LRU
// (github.com/hashicorp/golang-lru/v2). It backs presentation requests and
// session metadata when no Redis is configured.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/credgate/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCleanupInterval is how often expired entries are purged.
const DefaultCleanupInterval = 5 * time.Minute

// Storage holds entries in an LRU. When full, the least recently used entry
// is evicted, so a burst of abandoned presentation requests cannot grow the
// process without bound.
type Storage struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *storage.StorageItem]

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Storage holding at most maxItems entries.
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.StorageItem](maxItems)
	if err != nil {
		return nil, fmt.Errorf("memory storage: %w", err)
	}
	s := &Storage{cache: cache, stop: make(chan struct{})}
	go s.purgeLoop(DefaultCleanupInterval)
	return s, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	k := entryKey(storage.ApplyOptions(opts...).Namespace, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.live(k)
	if item == nil {
		return nil, nil
	}
	return copyItem(item), nil
}

func (s *Storage) Take(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	k := entryKey(storage.ApplyOptions(opts...).Namespace, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.live(k)
	if item == nil {
		return nil, nil
	}
	s.cache.Remove(k)
	return item, nil
}

// live returns the unexpired entry for k, dropping it if expired. Callers
// hold mu.
func (s *Storage) live(k string) *storage.StorageItem {
	item, ok := s.cache.Get(k)
	if !ok {
		return nil
	}
	if item.IsExpired() {
		s.cache.Remove(k)
		return nil
	}
	return item
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.ApplyOptions(opts...)
	if err := options.Validate(); err != nil {
		return err
	}

	now := time.Now()
	item := &storage.StorageItem{Data: append([]byte(nil), data...), CreatedAt: now}
	if options.TTL != nil {
		exp := now.Add(*options.TTL)
		item.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.cache.Add(entryKey(options.Namespace, key), item)
	s.mu.Unlock()
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.ApplyOptions(opts...)
	if err := options.ValidateDelete(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if options.Key != nil {
		s.cache.Remove(entryKey(options.Namespace, *options.Key))
		return nil
	}
	prefix := namespacePrefix(options.Namespace)
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Len reports the number of entries, including expired ones not yet purged.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Close stops the purge loop and drops all entries.
func (s *Storage) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func copyItem(item *storage.StorageItem) *storage.StorageItem {
	out := *item
	out.Data = append([]byte(nil), item.Data...)
	return &out
}

func entryKey(ns storage.Namespace, key string) string {
	return namespacePrefix(ns) + "key:" + key
}

func namespacePrefix(ns storage.Namespace) string {
	switch ns := ns.(type) {
	case storage.RequestNamespace:
		return "requests:"
	case storage.SessionNamespace:
		return "session:" + ns.SessionID + ":"
	default:
		return "global:"
	}
}

func (s *Storage) purgeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		now := time.Now()
		s.mu.Lock()
		for _, k := range s.cache.Keys() {
			if item, ok := s.cache.Peek(k); ok && item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
				s.cache.Remove(k)
			}
		}
		s.mu.Unlock()
	}
}

var _ storage.Storage = (*Storage)(nil)
