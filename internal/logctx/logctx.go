package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request, session and verification
// data attached to the context.
type Handler struct {
	slog.Handler
}

// Wrap returns h decorated by Handler, or h itself when it already is one.
func Wrap(h slog.Handler) slog.Handler {
	switch h.(type) {
	case Handler, *Handler:
		return h
	}
	return Handler{Handler: h}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("holder", sd.HolderID),
		))
	}

	if vd, ok := ctx.Value(verificationDataKey{}).(*VerificationData); ok {
		r.AddAttrs(slog.Group("vp",
			slog.String("request_id", vd.RequestID),
			slog.String("endpoint", vd.Endpoint),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the session serving a request. SessionID must
// already be redacted; session ids are bearer secrets.
type SessionData struct {
	SessionID string
	HolderID  string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type verificationDataKey struct{}

type VerificationData struct {
	RequestID string
	Endpoint  string
}

func WithVerificationData(ctx context.Context, data *VerificationData) context.Context {
	return context.WithValue(ctx, verificationDataKey{}, data)
}
