package access

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/credgate/apperr"
	"github.com/ggoodman/credgate/attr"
	"github.com/ggoodman/credgate/policy"
	"github.com/ggoodman/credgate/sessions"
	"github.com/ggoodman/credgate/verification"
)

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Context map[string]any `json:"context"`
	} `json:"error"`
}

type harness struct {
	mgr   *sessions.Manager
	mw    *Middleware
	now   time.Time
	calls int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	mgr, err := sessions.NewManager(nil, sessions.WithClock(func() time.Time { return h.now }))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.mgr = mgr
	h.mw = New(mgr, policy.MustNew(policy.Defaults()), WithRealm("credgate"))
	return h
}

func (h *harness) session(t *testing.T, attrs attr.Attributes) *sessions.Session {
	t.Helper()
	s, err := h.mgr.Create(context.Background(), &verification.Outcome{HolderID: "did:example:alice", DisclosedAttributes: attrs})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func (h *harness) serve(t *testing.T, authorization string, opts ...RouteOption) (*httptest.ResponseRecorder, errorBody) {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.calls++
		if _, ok := SessionFromContext(r.Context()); !ok {
			t.Error("session not attached to context")
		}
		w.WriteHeader(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/resources/profile", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.mw.Protect(next, opts...).ServeHTTP(rec, req)

	var body errorBody
	if rec.Code != http.StatusNoContent {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
		}
	}
	return rec, body
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr error
	}{
		{"", "", errMissingToken},
		{"Bearer abc", "abc", nil},
		{"bearer abc", "", errMalformedToken},
		{"Basic abc", "", errMalformedToken},
		{"Bearer", "", errMalformedToken},
		{"Bearer ", "", errMalformedToken},
		{"Bearer a b", "", errMalformedToken},
		{"Bearer  abc", "", errMalformedToken},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := BearerToken(r)
		if got != tt.want || err != tt.wantErr {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestMissingVersusMalformed(t *testing.T) {
	h := newHarness(t)

	rec, body := h.serve(t, "")
	if rec.Code != http.StatusUnauthorized || body.Error.Code != "AUTHENTICATION_ERROR" {
		t.Fatalf("missing: %d %+v", rec.Code, body)
	}
	missingMsg := body.Error.Message
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="credgate"` {
		t.Errorf("missing challenge: %q", got)
	}

	rec, body = h.serve(t, "Token abc")
	if rec.Code != http.StatusUnauthorized || body.Error.Code != "AUTHENTICATION_ERROR" {
		t.Fatalf("malformed: %d %+v", rec.Code, body)
	}
	if body.Error.Message == missingMsg {
		t.Fatal("missing and malformed share a message")
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_token"`) {
		t.Errorf("malformed challenge: %q", got)
	}
	if h.calls != 0 {
		t.Fatal("handler ran for unauthenticated request")
	}
}

func TestUnknownAndExpiredSessions(t *testing.T) {
	h := newHarness(t)

	rec, body := h.serve(t, "Bearer does-not-exist")
	if rec.Code != http.StatusUnauthorized || body.Error.Code != "SESSION_EXPIRED" {
		t.Fatalf("unknown: %d %+v", rec.Code, body)
	}

	s := h.session(t, attr.Attributes{"isOver18": attr.Bool(true), "country": attr.String("US")})
	h.now = s.ExpiresAt
	rec, body = h.serve(t, "Bearer "+s.ID)
	if rec.Code != http.StatusUnauthorized || body.Error.Code != "SESSION_EXPIRED" {
		t.Fatalf("expired: %d %+v", rec.Code, body)
	}
}

// racyResolver validates every token but never finds it.
type racyResolver struct{}

func (racyResolver) Validate(context.Context, string) bool { return true }
func (racyResolver) Get(context.Context, string) (*sessions.Session, bool) {
	return nil, false
}
func (racyResolver) Extend(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}

func TestSessionVanishesBetweenValidateAndGet(t *testing.T) {
	mw := New(racyResolver{}, policy.MustNew(policy.Defaults()))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	if _, err := mw.Authorize(req); !apperr.IsKind(err, apperr.KindSessionNotFound) {
		t.Fatalf("expected SessionNotFoundError, got %v", err)
	}
}

func TestPolicyEnforcement(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, attr.Attributes{"isOver18": attr.Bool(true), "country": attr.String("MX"), "age": attr.Number(30)})

	rec, body := h.serve(t, "Bearer "+s.ID, RequirePolicy(policy.EndpointProfile))
	if rec.Code != http.StatusBadRequest || body.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("got %d %+v", rec.Code, body)
	}
	ctx := body.Error.Context
	if v, _ := ctx["violated"].([]any); len(v) != 1 || v[0] != "country" {
		t.Errorf("violated: %v", ctx["violated"])
	}
	if m, _ := ctx["missing"].([]any); len(m) != 0 {
		t.Errorf("missing: %v", ctx["missing"])
	}
	avail, _ := ctx["availableAttributes"].([]any)
	if len(avail) != 3 || avail[0] != "age" || avail[1] != "country" || avail[2] != "isOver18" {
		t.Errorf("availableAttributes: %v", ctx["availableAttributes"])
	}

	ok := h.session(t, attr.Attributes{"isOver18": attr.Bool(true), "country": attr.String("CA")})
	rec, _ = h.serve(t, "Bearer "+ok.ID, RequirePolicy(policy.EndpointProfile))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("satisfied policy: %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownRoutePolicyIsConfigurationError(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, attr.Attributes{"isOver18": attr.Bool(true)})
	rec, body := h.serve(t, "Bearer "+s.ID, RequirePolicy("/api/unregistered"))
	if rec.Code != http.StatusInternalServerError || body.Error.Code != "CONFIGURATION_ERROR" {
		t.Fatalf("got %d %+v", rec.Code, body)
	}
}

func TestGraceExtension(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, attr.Attributes{"isOver18": attr.Bool(true), "country": attr.String("US")})

	rec, _ := h.serve(t, "Bearer "+s.ID, RequirePolicy(policy.EndpointProfile), ExtendOnAccess(5*time.Minute))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("got %d", rec.Code)
	}
	got, _ := h.mgr.Get(context.Background(), s.ID)
	if want := s.ExpiresAt.Add(5 * time.Minute); !got.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt: got %v, want %v", got.ExpiresAt, want)
	}
}

func TestGraceExtensionVisibleToHandler(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, attr.Attributes{"isOver18": attr.Bool(true), "country": attr.String("US")})

	var seen time.Time
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ := SessionFromContext(r.Context())
		seen = got.ExpiresAt
		w.WriteHeader(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/resources/profile", nil)
	req.Header.Set("Authorization", "Bearer "+s.ID)
	h.mw.Protect(next, ExtendOnAccess(5*time.Minute)).ServeHTTP(httptest.NewRecorder(), req)

	stored, _ := h.mgr.Get(context.Background(), s.ID)
	if !seen.Equal(stored.ExpiresAt) || !seen.Equal(s.ExpiresAt.Add(5*time.Minute)) {
		t.Fatalf("handler saw %v, stored %v", seen, stored.ExpiresAt)
	}
}

// failingExtender delegates to a Manager but refuses every extension.
type failingExtender struct{ *sessions.Manager }

func (f failingExtender) Extend(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}

func TestGraceExtensionFailureDoesNotFailRequest(t *testing.T) {
	h := newHarness(t)
	h.mw = New(failingExtender{h.mgr}, policy.MustNew(policy.Defaults()))
	s := h.session(t, attr.Attributes{"isOver18": attr.Bool(true), "country": attr.String("US")})

	rec, _ := h.serve(t, "Bearer "+s.ID, ExtendOnAccess(time.Minute))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
}
