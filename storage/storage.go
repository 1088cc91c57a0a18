// Package storage provides the generic TTL key-value substrate used for
// short-lived, non-authoritative records: pending presentation requests and
// per-session operational metadata.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a namespaced key-value store with per-entry expiry.
type Storage interface {
	// Get returns the entry for key, or nil when it is absent or expired.
	// An error means the backend itself failed.
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Take atomically returns and removes the entry for key. Of several
	// concurrent callers at most one receives the entry; the rest get nil.
	Take(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Set writes data under key, replacing any previous entry.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes one key (WithKey) or, without WithKey, every entry of
	// the namespace. Deleting an absent key is not an error.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases resources owned by the backend.
	Close() error
}

// StorageItem is one stored entry.
type StorageItem struct {
	Data      []byte
	CreatedAt time.Time
	// ExpiresAt is nil for entries stored without a TTL.
	ExpiresAt *time.Time
}

// IsExpired reports whether the item is past its expiry.
func (si *StorageItem) IsExpired() bool {
	return si.ExpiresAt != nil && time.Now().After(*si.ExpiresAt)
}

// Remaining returns the time left before expiry, or zero for expired items
// and items without expiry.
func (si *StorageItem) Remaining() time.Duration {
	if si.ExpiresAt == nil {
		return 0
	}
	if d := time.Until(*si.ExpiresAt); d > 0 {
		return d
	}
	return 0
}

// Option configures one storage operation.
type Option func(*Options)

// Options is the parsed form of a set of Option values.
type Options struct {
	// Namespace selects the keyspace; nil is the global namespace.
	Namespace Namespace
	// Key targets a single entry in Delete.
	Key *string
	TTL *time.Duration
}

// Namespace is a sealed set of keyspaces.
type Namespace interface {
	namespace()
}

// RequestNamespace holds presentation requests awaiting a presentation.
type RequestNamespace struct{}

func (RequestNamespace) namespace() {}

// SessionNamespace holds advisory records attached to one session.
type SessionNamespace struct {
	SessionID string
}

func (SessionNamespace) namespace() {}

// WithRequests selects the presentation request namespace.
func WithRequests() Option {
	return func(opts *Options) {
		opts.Namespace = RequestNamespace{}
	}
}

// WithSession selects the namespace of sessionID.
func WithSession(sessionID string) Option {
	return func(opts *Options) {
		opts.Namespace = SessionNamespace{SessionID: sessionID}
	}
}

// WithKey narrows Delete to a single key.
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL expires the entry after ttl.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// ErrInvalidOptions is returned when incompatible options are provided.
var ErrInvalidOptions = errors.New("storage: invalid option combination")

// ApplyOptions folds opts into an Options value. Backends use it to parse
// the variadic options uniformly.
func ApplyOptions(opts ...Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Validate rejects option combinations no backend can honor.
func (o *Options) Validate() error {
	if o.TTL != nil && *o.TTL <= 0 {
		return ErrInvalidOptions
	}
	return nil
}

// ValidateDelete additionally refuses to wipe the global namespace.
func (o *Options) ValidateDelete() error {
	if o.Namespace == nil && o.Key == nil {
		return ErrInvalidOptions
	}
	return o.Validate()
}
