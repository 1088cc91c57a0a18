// Package access gates protected HTTP resources on an active session whose
// disclosed attributes satisfy the resource's policy, and provides the
// tiered business rules resource handlers apply on top.
package access

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/credgate/apperr"
	"github.com/ggoodman/credgate/internal/logctx"
	"github.com/ggoodman/credgate/policy"
	"github.com/ggoodman/credgate/sessions"
)

// SessionResolver is the part of *sessions.Manager the middleware uses.
type SessionResolver interface {
	Validate(ctx context.Context, id string) bool
	Get(ctx context.Context, id string) (*sessions.Session, bool)
	Extend(ctx context.Context, id string, additional time.Duration) (bool, error)
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(m *Middleware) { m.log = log }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(m *Middleware) { m.realm = realm }
}

// Middleware is the per-request gate.
type Middleware struct {
	sessions SessionResolver
	registry *policy.Registry
	realm    string
	log      *slog.Logger
}

// New builds a Middleware.
func New(resolver SessionResolver, registry *policy.Registry, opts ...Option) *Middleware {
	m := &Middleware{
		sessions: resolver,
		registry: registry,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RouteOption configures one protected route.
type RouteOption func(*route)

type route struct {
	endpoint string
	grace    time.Duration
}

// RequirePolicy enforces the registry policy of endpoint on the session's
// attributes.
func RequirePolicy(endpoint string) RouteOption {
	return func(r *route) { r.endpoint = endpoint }
}

// ExtendOnAccess extends the session by grace after every successful access.
// Extension failures never fail the request.
func ExtendOnAccess(grace time.Duration) RouteOption {
	return func(r *route) { r.grace = grace }
}

// Protect wraps next so that it only runs for requests carrying an active
// session that satisfies the route's policy. The session is available to
// next through SessionFromContext.
func (m *Middleware) Protect(next http.Handler, opts ...RouteOption) http.Handler {
	var rt route
	for _, opt := range opts {
		opt(&rt)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := m.authorize(r, rt)
		if err != nil {
			m.reject(w, r, err)
			return
		}
		ctx := WithSession(r.Context(), s)
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
			SessionID: sessions.Redact(s.ID),
			HolderID:  s.HolderID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authorize runs the gate without a handler and returns the resolved
// session.
func (m *Middleware) Authorize(r *http.Request, opts ...RouteOption) (*sessions.Session, error) {
	var rt route
	for _, opt := range opts {
		opt(&rt)
	}
	return m.authorize(r, rt)
}

func (m *Middleware) authorize(r *http.Request, rt route) (*sessions.Session, error) {
	ctx := r.Context()

	token, err := BearerToken(r)
	if err != nil {
		return nil, err
	}

	// Unknown and expired tokens are deliberately indistinguishable here.
	if !m.sessions.Validate(ctx, token) {
		return nil, apperr.New(apperr.KindSessionExpired, "session is not active; present a credential again")
	}
	s, ok := m.sessions.Get(ctx, token)
	if !ok {
		return nil, apperr.New(apperr.KindSessionNotFound, "session not found")
	}

	if rt.endpoint != "" {
		eval, err := m.registry.Evaluate(rt.endpoint, s.Attributes)
		if err != nil {
			return nil, err
		}
		if !eval.Satisfied {
			return nil, apperr.New(apperr.KindValidation, "session attributes do not satisfy the policy for this resource").
				With("endpoint", rt.endpoint).
				With("missing", eval.Missing).
				With("violated", eval.Violated).
				With("availableAttributes", s.Attributes.Names())
		}
	}

	if rt.grace > 0 {
		ok, err := m.sessions.Extend(ctx, s.ID, rt.grace)
		switch {
		case err != nil:
			m.log.WarnContext(ctx, "access.grace_extend.fail",
				slog.String("session", sessions.Redact(s.ID)),
				slog.String("err", err.Error()),
			)
		case ok:
			s.ExpiresAt = s.ExpiresAt.Add(rt.grace)
		}
	}
	return s, nil
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindAuthentication, apperr.KindSessionExpired:
		params := map[string]string{}
		var ae *apperr.Error
		if errors.As(err, &ae) && ae != errMissingToken {
			params["error"] = "invalid_token"
			params["error_description"] = ae.Message
		}
		w.Header().Add(wwwAuthenticateHeader, bearerChallenge(m.realm, params))
	}
	if kind.Expected() {
		m.log.InfoContext(r.Context(), "access.check.fail", slog.String("code", kind.Code()))
	} else {
		m.log.ErrorContext(r.Context(), "access.check.error", slog.String("err", err.Error()))
	}
	apperr.Write(w, err)
}

type sessionKey struct{}

// WithSession attaches s to ctx.
func WithSession(ctx context.Context, s *sessions.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session attached by Protect.
func SessionFromContext(ctx context.Context) (*sessions.Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*sessions.Session)
	return s, ok && s != nil
}
