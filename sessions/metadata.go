package sessions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ggoodman/credgate/storage"
)

const metadataKey = "ops"

// OperationalMetadata holds advisory counters about a session. It is not
// authoritative for session validity.
type OperationalMetadata struct {
	CreationMethod string     `json:"creationMethod"`
	AccessCount    int64      `json:"accessCount"`
	ExtensionCount int64      `json:"extensionCount"`
	LastExtended   *time.Time `json:"lastExtended,omitempty"`
}

// MetadataCache is a best-effort side channel for OperationalMetadata.
// Updates are read-modify-write without coordination, so concurrent updates
// may drop increments; every failure is logged and swallowed.
type MetadataCache struct {
	store storage.Storage
	log   *slog.Logger
}

// NewMetadataCache wraps store. A nil logger discards logs.
func NewMetadataCache(store storage.Storage, log *slog.Logger) *MetadataCache {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &MetadataCache{store: store, log: log}
}

// Get returns the metadata for a session, or nil when none is recorded.
func (c *MetadataCache) Get(ctx context.Context, sessionID string) (*OperationalMetadata, error) {
	item, err := c.store.Get(ctx, metadataKey, storage.WithSession(sessionID))
	if err != nil || item == nil {
		return nil, err
	}
	var md OperationalMetadata
	if err := json.Unmarshal(item.Data, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

func (c *MetadataCache) initialize(ctx context.Context, sessionID, method string, ttl time.Duration) {
	c.put(ctx, sessionID, &OperationalMetadata{CreationMethod: method}, ttl)
}

func (c *MetadataCache) recordAccess(ctx context.Context, sessionID string, ttl time.Duration) {
	c.update(ctx, sessionID, ttl, func(md *OperationalMetadata) {
		md.AccessCount++
	})
}

func (c *MetadataCache) recordExtension(ctx context.Context, sessionID string, at time.Time, ttl time.Duration) {
	c.update(ctx, sessionID, ttl, func(md *OperationalMetadata) {
		md.ExtensionCount++
		md.LastExtended = &at
	})
}

func (c *MetadataCache) remove(ctx context.Context, sessionID string) {
	if err := c.store.Delete(ctx, storage.WithSession(sessionID)); err != nil {
		c.log.DebugContext(ctx, "session.metadata.delete.fail", slog.String("err", err.Error()))
	}
}

func (c *MetadataCache) update(ctx context.Context, sessionID string, ttl time.Duration, fn func(*OperationalMetadata)) {
	md, err := c.Get(ctx, sessionID)
	if err != nil {
		c.log.DebugContext(ctx, "session.metadata.read.fail", slog.String("err", err.Error()))
		return
	}
	if md == nil {
		md = &OperationalMetadata{}
	}
	fn(md)
	c.put(ctx, sessionID, md, ttl)
}

func (c *MetadataCache) put(ctx context.Context, sessionID string, md *OperationalMetadata, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(md)
	if err != nil {
		c.log.DebugContext(ctx, "session.metadata.encode.fail", slog.String("err", err.Error()))
		return
	}
	if err := c.store.Set(ctx, metadataKey, raw, storage.WithSession(sessionID), storage.WithTTL(ttl)); err != nil {
		c.log.DebugContext(ctx, "session.metadata.write.fail", slog.String("err", err.Error()))
	}
}
