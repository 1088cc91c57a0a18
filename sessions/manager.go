package sessions

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/credgate/apperr"
	"github.com/ggoodman/credgate/verification"
)

// Config bounds session lifetimes.
type Config struct {
	// DefaultDuration is the lifetime of a new session when the caller does
	// not request one.
	DefaultDuration time.Duration
	// MaxDuration caps a requested creation duration (silently) and each
	// single extension (rejected when exceeded).
	MaxDuration time.Duration
	// MaxLifetime caps ExpiresAt at CreatedAt + MaxLifetime across all
	// extensions. Zero disables the cap.
	MaxLifetime time.Duration
}

// DefaultConfig returns one hour sessions extendable by up to a day at a
// time, never living longer than a week.
func DefaultConfig() Config {
	return Config{
		DefaultDuration: time.Hour,
		MaxDuration:     24 * time.Hour,
		MaxLifetime:     7 * 24 * time.Hour,
	}
}

// Validate checks the invariants between the bounds.
func (c Config) Validate() error {
	if c.DefaultDuration <= 0 {
		return errors.New("sessions: default duration must be positive")
	}
	if c.MaxDuration < c.DefaultDuration {
		return errors.New("sessions: max duration must be at least the default duration")
	}
	if c.MaxLifetime != 0 && c.MaxLifetime < c.MaxDuration {
		return errors.New("sessions: max lifetime must be zero or at least the max duration")
	}
	return nil
}

// CreationMethodPresentation marks sessions created from a verified presentation.
const CreationMethodPresentation = "presentation"

// Option configures a Manager.
type Option func(*Manager)

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetadataCache enables advisory operational metadata.
func WithMetadataCache(c *MetadataCache) Option {
	return func(m *Manager) { m.meta = c }
}

// Manager owns session identity and every session mutation.
type Manager struct {
	cfg    Config
	local  *MemoryStore
	shared Store
	meta   *MetadataCache
	log    *slog.Logger
	now    func() time.Time
	newID  func() (string, error)

	// degraded holds ids whose authoritative copy is the local one because
	// the shared store failed while writing them.
	degradedMu sync.RWMutex
	degraded   map[string]struct{}
}

// NewManager builds a Manager. shared may be nil, in which case sessions are
// process-local.
func NewManager(shared Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:      DefaultConfig(),
		local:    NewMemoryStore(),
		shared:   shared,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
		newID:    newSessionID,
		degraded: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Config returns the lifetime bounds in effect.
func (m *Manager) Config() Config { return m.cfg }

// CreateOption customizes a single Create call.
type CreateOption func(*createParams)

type createParams struct {
	duration time.Duration
	metadata map[string]any
	method   string
}

// WithDuration requests a lifetime for the new session. Values above
// MaxDuration are clamped; non-positive values select DefaultDuration.
func WithDuration(d time.Duration) CreateOption {
	return func(p *createParams) { p.duration = d }
}

// WithSessionMetadata attaches free-form metadata to the new session.
func WithSessionMetadata(md map[string]any) CreateOption {
	return func(p *createParams) { p.metadata = maps.Clone(md) }
}

// WithCreationMethod labels how the session was established in the
// operational metadata. Defaults to CreationMethodPresentation.
func WithCreationMethod(method string) CreateOption {
	return func(p *createParams) { p.method = method }
}

// Create opens a session for a successful verification outcome. The
// disclosed attributes are copied verbatim and never change afterwards.
//
// A failing shared store does not fail creation: the session is kept
// locally and served by this process only.
func (m *Manager) Create(ctx context.Context, outcome *verification.Outcome, opts ...CreateOption) (*Session, error) {
	if outcome == nil || outcome.HolderID == "" {
		return nil, apperr.New(apperr.KindValidation, "a successful verification outcome with a holder id is required")
	}

	p := createParams{method: CreationMethodPresentation}
	for _, opt := range opts {
		opt(&p)
	}

	duration := p.duration
	if duration <= 0 {
		duration = m.cfg.DefaultDuration
	}
	if duration > m.cfg.MaxDuration {
		duration = m.cfg.MaxDuration
	}

	now := m.now()
	s := &Session{
		HolderID:       outcome.HolderID,
		CredentialIDs:  slices.Clone(outcome.CredentialIDs),
		Attributes:     outcome.DisclosedAttributes.Clone(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(duration),
		LastAccessedAt: now,
		Metadata:       p.metadata,
	}
	if s.CredentialIDs == nil {
		s.CredentialIDs = []string{}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}

	if err := m.insert(ctx, s); err != nil {
		return nil, err
	}

	if m.meta != nil {
		m.meta.initialize(ctx, s.ID, p.method, duration)
	}
	m.log.InfoContext(ctx, "session.create.ok",
		slog.String("session", Redact(s.ID)),
		slog.String("holder", s.HolderID),
		slog.Int("attributes", len(s.Attributes)),
		slog.Time("expires_at", s.ExpiresAt),
	)
	return s.Clone(), nil
}

// insert assigns an id and persists s, retrying on the (astronomically
// unlikely) id collision.
func (m *Manager) insert(ctx context.Context, s *Session) error {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		id, err := m.newID()
		if err != nil {
			return apperr.Wrap(apperr.KindService, err, "failed to generate session id")
		}
		s.ID = id

		if m.shared != nil {
			err := m.shared.Create(ctx, s)
			if errors.Is(err, ErrSessionExists) {
				continue
			}
			if err != nil {
				m.log.WarnContext(ctx, "session.store.degraded",
					slog.String("op", "create"),
					slog.String("session", Redact(id)),
					slog.String("err", err.Error()),
				)
				m.markDegraded(id)
			}
		}

		if err := m.local.Create(ctx, s); err != nil {
			if errors.Is(err, ErrSessionExists) {
				continue
			}
			return apperr.Wrap(apperr.KindService, err, "failed to store session")
		}
		return nil
	}
	return apperr.New(apperr.KindService, "failed to allocate a unique session id")
}

// Validate reports whether id names a session that is active now. Unknown
// and expired ids both yield false; Validate never fails.
func (m *Manager) Validate(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	s := m.lookup(ctx, id)
	return s != nil && !s.ExpiredAt(m.now())
}

// Get returns the active session for id and records the access. It returns
// false when the session is unknown or expired.
func (m *Manager) Get(ctx context.Context, id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	s := m.lookup(ctx, id)
	now := m.now()
	if s == nil || s.ExpiredAt(now) {
		return nil, false
	}

	if now.After(s.LastAccessedAt) {
		s.LastAccessedAt = now
	}
	_ = m.local.Touch(ctx, id, now)
	if m.shared != nil && !m.isDegraded(id) {
		if err := m.shared.Touch(ctx, id, now); err != nil {
			// Access time is informational; a stale value in the shared
			// store is harmless.
			m.log.WarnContext(ctx, "session.store.touch.fail",
				slog.String("session", Redact(id)),
				slog.String("err", err.Error()),
			)
		}
	}
	if m.meta != nil {
		m.meta.recordAccess(ctx, id, s.Remaining(now))
	}
	return s, true
}

// Extend moves the expiry of an active session forward by additional. It
// fails with a ValidationError when additional is not positive, exceeds
// MaxDuration, or would carry the session past its maximum lifetime. It
// returns false when the session is unknown or already expired.
func (m *Manager) Extend(ctx context.Context, id string, additional time.Duration) (bool, error) {
	if additional <= 0 {
		return false, apperr.New(apperr.KindValidation, "extension must be a positive duration").
			With("additionalSeconds", additional.Seconds())
	}
	if additional > m.cfg.MaxDuration {
		return false, apperr.Newf(apperr.KindValidation, "extension may not exceed %d seconds", int64(m.cfg.MaxDuration.Seconds())).
			With("additionalSeconds", additional.Seconds()).
			With("maxSeconds", m.cfg.MaxDuration.Seconds())
	}
	if id == "" {
		return false, nil
	}

	opts := ExtendOptions{Now: m.now(), MaxLifetime: m.cfg.MaxLifetime}

	var (
		s   *Session
		err error
	)
	if m.shared != nil && !m.isDegraded(id) {
		s, err = m.shared.Extend(ctx, id, additional, opts)
		switch {
		case err == nil && s == nil:
			m.forgetLocal(ctx, id)
			return false, nil
		case err == nil:
			s = m.local.mirror(s)
		case errors.Is(err, ErrLifetimeExceeded):
			return false, lifetimeExceeded(m.cfg.MaxLifetime)
		default:
			m.log.WarnContext(ctx, "session.store.degraded",
				slog.String("op", "extend"),
				slog.String("session", Redact(id)),
				slog.String("err", err.Error()),
			)
			m.markDegraded(id)
			s = nil
		}
	}

	if s == nil {
		s, err = m.local.Extend(ctx, id, additional, opts)
		if errors.Is(err, ErrLifetimeExceeded) {
			return false, lifetimeExceeded(m.cfg.MaxLifetime)
		}
		if err != nil {
			return false, apperr.Wrap(apperr.KindService, err, "failed to extend session")
		}
		if s == nil {
			return false, nil
		}
	}

	if m.meta != nil {
		m.meta.recordExtension(ctx, id, opts.Now, s.Remaining(opts.Now))
	}
	m.log.InfoContext(ctx, "session.extend.ok",
		slog.String("session", Redact(id)),
		slog.Duration("by", additional),
		slog.Time("expires_at", s.ExpiresAt),
	)
	return true, nil
}

// Invalidate terminates a session. It reports whether a session was
// removed; invalidating an absent session returns false without error. A
// failure of the shared store is reported as a ServiceError after the
// local copy has been removed, since other processes may still honor the
// session.
func (m *Manager) Invalidate(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	found, _ := m.local.Delete(ctx, id)
	m.clearDegraded(id)
	if m.meta != nil {
		m.meta.remove(ctx, id)
	}

	if m.shared != nil {
		ok, err := m.shared.Delete(ctx, id)
		if err != nil {
			m.log.ErrorContext(ctx, "session.invalidate.fail",
				slog.String("session", Redact(id)),
				slog.String("err", err.Error()),
			)
			return found, apperr.Wrap(apperr.KindService, err, "session store unavailable; invalidation may not be visible to other instances")
		}
		found = found || ok
	}

	if found {
		m.log.InfoContext(ctx, "session.invalidate.ok", slog.String("session", Redact(id)))
	}
	return found, nil
}

// Metadata returns the advisory operational metadata for a session, if a
// metadata cache is configured and holds an entry.
func (m *Manager) Metadata(ctx context.Context, id string) (*OperationalMetadata, bool) {
	if m.meta == nil {
		return nil, false
	}
	md, err := m.meta.Get(ctx, id)
	if err != nil {
		m.log.DebugContext(ctx, "session.metadata.read.fail", slog.String("err", err.Error()))
		return nil, false
	}
	return md, md != nil
}

// lookup resolves id against the shared store when one is configured and
// the session is not degraded, falling back to the local copy if the
// shared store cannot be read.
func (m *Manager) lookup(ctx context.Context, id string) *Session {
	if m.shared == nil || m.isDegraded(id) {
		s, _ := m.local.Load(ctx, id)
		return s
	}

	s, err := m.shared.Load(ctx, id)
	if err != nil {
		m.log.WarnContext(ctx, "session.store.read.fail",
			slog.String("session", Redact(id)),
			slog.String("err", err.Error()),
		)
		local, _ := m.local.Load(ctx, id)
		return local
	}
	if s == nil {
		m.forgetLocal(ctx, id)
		return nil
	}
	return m.local.mirror(s)
}

func (m *Manager) forgetLocal(ctx context.Context, id string) {
	_, _ = m.local.Delete(ctx, id)
}

func (m *Manager) markDegraded(id string) {
	m.degradedMu.Lock()
	m.degraded[id] = struct{}{}
	m.degradedMu.Unlock()
}

func (m *Manager) clearDegraded(id string) {
	m.degradedMu.Lock()
	delete(m.degraded, id)
	m.degradedMu.Unlock()
}

func (m *Manager) isDegraded(id string) bool {
	m.degradedMu.RLock()
	defer m.degradedMu.RUnlock()
	_, ok := m.degraded[id]
	return ok
}

func lifetimeExceeded(max time.Duration) *apperr.Error {
	return apperr.Newf(apperr.KindValidation, "extension would exceed the maximum session lifetime of %d seconds", int64(max.Seconds())).
		With("maxLifetimeSeconds", max.Seconds())
}

// newSessionID returns 256 bits of randomness, base64url encoded.
func newSessionID() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// Redact shortens a session id for logging; ids are bearer secrets.
func Redact(id string) string {
	if len(id) <= 8 {
		return "…"
	}
	return id[:8] + "…"
}
