package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/credgate/access"
	"github.com/ggoodman/credgate/apperr"
	"github.com/ggoodman/credgate/attr"
	"github.com/ggoodman/credgate/sessions"
)

// sessionView is the client-facing rendering of a session. The id is the
// bearer token and is only ever returned once, at creation.
type sessionView struct {
	HolderID         string          `json:"holderId"`
	CredentialIDs    []string        `json:"credentialIds"`
	Attributes       attr.Attributes `json:"attributes"`
	CreatedAt        time.Time       `json:"createdAt"`
	ExpiresAt        time.Time       `json:"expiresAt"`
	LastAccessedAt   time.Time       `json:"lastAccessedAt"`
	RemainingSeconds int64           `json:"remainingSeconds"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

func (s *Server) viewOf(sess *sessions.Session) sessionView {
	return sessionView{
		HolderID:         sess.HolderID,
		CredentialIDs:    sess.CredentialIDs,
		Attributes:       sess.Attributes,
		CreatedAt:        sess.CreatedAt,
		ExpiresAt:        sess.ExpiresAt,
		LastAccessedAt:   sess.LastAccessedAt,
		RemainingSeconds: int64(sess.Remaining(s.now()) / time.Second),
		Metadata:         sess.Metadata,
	}
}

// mustSession returns the session Protect attached. Routes registered
// without Protect are a wiring bug.
func mustSession(r *http.Request) *sessions.Session {
	sess, ok := access.SessionFromContext(r.Context())
	if !ok {
		panic("server: handler reached without an authorized session")
	}
	return sess
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r)
	resp := map[string]any{"session": s.viewOf(sess)}
	if md, ok := s.sessions.Metadata(r.Context(), sess.ID); ok {
		resp["operational"] = md
	}
	writeJSON(w, http.StatusOK, resp)
}

type extendBody struct {
	Seconds int64 `json:"seconds"`
}

func (s *Server) handleExtendSession(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r)
	var body extendBody
	if err := decodeJSON(r, w, &body); err != nil {
		s.fail(w, r, "session.extend.fail", err)
		return
	}
	if body.Seconds <= 0 {
		s.fail(w, r, "session.extend.fail",
			apperr.New(apperr.KindValidation, "seconds must be positive").With("violated", []string{"seconds"}))
		return
	}

	// Compared in seconds so oversized values cannot wrap when converted.
	if maxSeconds := int64(s.sessions.Config().MaxDuration / time.Second); body.Seconds > maxSeconds {
		s.fail(w, r, "session.extend.fail",
			apperr.Newf(apperr.KindValidation, "extension may not exceed %d seconds", maxSeconds).
				With("additionalSeconds", body.Seconds).
				With("maxSeconds", maxSeconds))
		return
	}

	ok, err := s.sessions.Extend(r.Context(), sess.ID, time.Duration(body.Seconds)*time.Second)
	if err != nil {
		s.fail(w, r, "session.extend.fail", err)
		return
	}
	if !ok {
		s.fail(w, r, "session.extend.fail", apperr.New(apperr.KindSessionExpired, "session is not active; present a credential again"))
		return
	}
	updated, found := s.sessions.Get(r.Context(), sess.ID)
	if !found {
		s.fail(w, r, "session.extend.fail", apperr.New(apperr.KindSessionNotFound, "session not found"))
		return
	}

	s.log.InfoContext(r.Context(), "session.extend.ok", slog.Time("expires_at", updated.ExpiresAt))
	writeJSON(w, http.StatusOK, map[string]any{"session": s.viewOf(updated)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess := mustSession(r)
	if _, err := s.sessions.Invalidate(r.Context(), sess.ID); err != nil {
		s.fail(w, r, "session.invalidate.fail", err)
		return
	}
	s.log.InfoContext(r.Context(), "session.invalidate.ok")
	w.WriteHeader(http.StatusNoContent)
}
