package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionExists is returned by Store.Create when the id is taken.
	ErrSessionExists = errors.New("sessions: session id already exists")
	// ErrLifetimeExceeded is returned by Store.Extend when the extension
	// would carry ExpiresAt past CreatedAt + MaxLifetime.
	ErrLifetimeExceeded = errors.New("sessions: extension exceeds maximum session lifetime")
)

// ExtendOptions parameterize a Store.Extend call.
type ExtendOptions struct {
	// Now is the caller's clock reading; a record with ExpiresAt <= Now is
	// treated as absent and is not extended.
	Now time.Time
	// MaxLifetime caps ExpiresAt at CreatedAt + MaxLifetime. Zero disables
	// the cap.
	MaxLifetime time.Duration
}

// Store persists sessions. Implementations must make Create atomic (no
// reader observes a partially written session) and Extend linearizable per
// session id.
type Store interface {
	// Create persists a new session. It returns ErrSessionExists if the id
	// is already present.
	Create(ctx context.Context, s *Session) error
	// Load returns the stored session or nil if absent. Expired sessions may
	// still be returned; expiry is decided by the caller.
	Load(ctx context.Context, id string) (*Session, error)
	// Extend atomically moves ExpiresAt forward by the given amount and
	// returns the updated session, or nil if the session is absent or
	// already expired at opts.Now.
	Extend(ctx context.Context, id string, by time.Duration, opts ExtendOptions) (*Session, error)
	// Touch records an access. It never moves LastAccessedAt backwards and
	// is a no-op for absent sessions.
	Touch(ctx context.Context, id string, at time.Time) error
	// Delete removes the session and reports whether it was present.
	Delete(ctx context.Context, id string) (bool, error)
	// Sweep removes sessions expired at now and returns how many it removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
