// Package server exposes the credential gateway over HTTP: presentation
// requests and verification, session management and the sample protected
// resources.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/credgate/access"
	"github.com/ggoodman/credgate/apperr"
	"github.com/ggoodman/credgate/internal/logctx"
	"github.com/ggoodman/credgate/policy"
	"github.com/ggoodman/credgate/sessions"
	"github.com/ggoodman/credgate/verification"
	"github.com/google/uuid"
)

var _ http.Handler = (*Server)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

// maxBodyBytes bounds request bodies; presentations carry a handful of JWTs.
const maxBodyBytes = 1 << 20

// Server routes the HTTP API. Construct with New.
type Server struct {
	gateway  *verification.Gateway
	sessions *sessions.Manager
	registry *policy.Registry

	grace   time.Duration
	limiter *visitorLimiter
	log     *slog.Logger
	now     func() time.Time

	mux *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Records are enriched through logctx.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithGracePeriod sets how long each access to a protected resource extends
// the session by. Zero disables extension on access.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Server) { s.grace = d }
}

// WithVerifyRateLimit throttles verification attempts per client IP.
func WithVerifyRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) { s.limiter = newVisitorLimiter(perSecond, burst) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds a Server from its collaborators.
func New(gateway *verification.Gateway, mgr *sessions.Manager, registry *policy.Registry, mw *access.Middleware, opts ...Option) (*Server, error) {
	if gateway == nil || mgr == nil || registry == nil || mw == nil {
		return nil, errors.New("server: gateway, session manager, registry and access middleware are required")
	}
	s := &Server{
		gateway:  gateway,
		sessions: mgr,
		registry: registry,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = slog.New(logctx.Wrap(s.log.Handler()))
	if s.limiter != nil {
		s.limiter.now = s.now
	}

	protect := func(h http.HandlerFunc, routeOpts ...access.RouteOption) http.Handler {
		return mw.Protect(h, routeOpts...)
	}
	resource := func(endpoint string, h http.HandlerFunc) http.Handler {
		routeOpts := []access.RouteOption{access.RequirePolicy(endpoint)}
		if s.grace > 0 {
			routeOpts = append(routeOpts, access.ExtendOnAccess(s.grace))
		}
		return mw.Protect(h, routeOpts...)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/policies", s.handleListPolicies)
	mux.HandleFunc("POST /api/presentations/requests", s.handleCreateRequest)
	mux.Handle("POST /api/presentations/verify", s.throttle(http.HandlerFunc(s.handleVerify)))
	mux.Handle("POST /api/presentations/verify-batch", s.throttle(http.HandlerFunc(s.handleVerifyBatch)))
	mux.Handle("GET /api/session", protect(s.handleGetSession))
	mux.Handle("POST /api/session/extend", protect(s.handleExtendSession))
	mux.Handle("DELETE /api/session", protect(s.handleDeleteSession))
	mux.Handle("GET "+policy.EndpointProfile, resource(policy.EndpointProfile, s.handleProfile))
	mux.Handle("GET "+policy.EndpointPremium, resource(policy.EndpointPremium, s.handlePremium))
	mux.Handle("GET "+policy.EndpointFinancial, resource(policy.EndpointFinancial, s.handleFinancial))
	mux.Handle("GET "+policy.EndpointAgeRestricted, resource(policy.EndpointAgeRestricted, s.handleAgeRestricted))
	s.mux = mux

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get("X-Request-Id")
	if _, err := uuid.Parse(reqID); err != nil {
		reqID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", reqID)

	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	start := s.now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.DebugContext(ctx, "http.request.done",
		slog.Int("status", rec.status),
		slog.Duration("elapsed", s.now().Sub(start)),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// decodeJSON requires an application/json body and decodes it into dst,
// rejecting unknown fields.
func decodeJSON(r *http.Request, w http.ResponseWriter, dst any) error {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		return apperr.New(apperr.KindValidation, "request body must be application/json")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "request body is not valid JSON for this operation")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail renders err and logs it at a level matching its kind.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	kind := apperr.KindOf(err)
	level := slog.LevelError
	if kind.Expected() {
		level = slog.LevelInfo
	}
	s.log.Log(r.Context(), level, event,
		slog.String("code", kind.Code()),
		slog.String("err", err.Error()),
	)
	apperr.Write(w, err)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type policyView struct {
	Endpoint string `json:"endpoint"`
	policy.EndpointPolicy
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	endpoints := s.registry.Endpoints()
	out := make([]policyView, 0, len(endpoints))
	for _, ep := range endpoints {
		pol, err := s.registry.Lookup(ep)
		if err != nil {
			s.fail(w, r, "policy.list.fail", err)
			return
		}
		out = append(out, policyView{Endpoint: ep, EndpointPolicy: pol})
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": out})
}
