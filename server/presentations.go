package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/credgate/apperr"
	"github.com/ggoodman/credgate/attr"
	"github.com/ggoodman/credgate/internal/logctx"
	"github.com/ggoodman/credgate/sessions"
	"github.com/ggoodman/credgate/verification"
)

// maxBatchItems bounds a single verify-batch call.
const maxBatchItems = 20

type createRequestBody struct {
	Endpoint string `json:"endpoint"`
	Domain   string `json:"domain,omitempty"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := decodeJSON(r, w, &body); err != nil {
		s.fail(w, r, "presentation.request.fail", err)
		return
	}
	if body.Endpoint == "" {
		s.fail(w, r, "presentation.request.fail",
			apperr.New(apperr.KindValidation, "endpoint is required").With("missing", []string{"endpoint"}))
		return
	}

	req, err := s.gateway.CreateRequest(r.Context(), body.Endpoint, body.Domain)
	if err != nil {
		s.fail(w, r, "presentation.request.fail", err)
		return
	}
	ctx := logctx.WithVerificationData(r.Context(), &logctx.VerificationData{RequestID: req.RequestID, Endpoint: req.Endpoint})
	s.log.InfoContext(ctx, "presentation.request.ok")
	writeJSON(w, http.StatusCreated, req)
}

type verifyBody struct {
	RequestID       string          `json:"requestId"`
	Presentation    json.RawMessage `json:"presentation"`
	// SessionDuration is in seconds. Absent selects the default duration.
	SessionDuration *int64          `json:"sessionDuration,omitempty"`
}

type verifyResponse struct {
	Token   string      `json:"token"`
	Session sessionView `json:"session"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if err := decodeJSON(r, w, &body); err != nil {
		s.fail(w, r, "presentation.verify.fail", err)
		return
	}
	if err := validateVerifyItem(body.RequestID, body.Presentation); err != nil {
		s.fail(w, r, "presentation.verify.fail", err)
		return
	}
	var duration time.Duration
	if body.SessionDuration != nil {
		if *body.SessionDuration <= 0 {
			s.fail(w, r, "presentation.verify.fail",
				apperr.New(apperr.KindValidation, "sessionDuration must be a positive number of seconds").
					With("violated", []string{"sessionDuration"}))
			return
		}
		seconds := min(*body.SessionDuration, int64(s.sessions.Config().MaxDuration/time.Second))
		duration = time.Duration(seconds) * time.Second
	}

	vd := &logctx.VerificationData{RequestID: body.RequestID}
	ctx := logctx.WithVerificationData(r.Context(), vd)
	r = r.WithContext(ctx)

	outcome, err := s.gateway.Verify(ctx, body.RequestID, body.Presentation)
	if err != nil {
		s.fail(w, r, "presentation.verify.fail", err)
		return
	}
	vd.Endpoint = outcome.Endpoint

	sess, err := s.sessions.Create(ctx, outcome,
		sessions.WithDuration(duration),
		sessions.WithSessionMetadata(map[string]any{
			"requestId": outcome.RequestID,
			"endpoint":  outcome.Endpoint,
		}),
	)
	if err != nil {
		s.fail(w, r, "presentation.verify.fail", err)
		return
	}

	s.log.InfoContext(ctx, "presentation.verify.ok",
		slog.String("holder", sess.HolderID),
		slog.String("session", sessions.Redact(sess.ID)),
	)
	writeJSON(w, http.StatusCreated, verifyResponse{Token: sess.ID, Session: s.viewOf(sess)})
}

func validateVerifyItem(requestID string, presentation json.RawMessage) *apperr.Error {
	var missing []string
	if requestID == "" {
		missing = append(missing, "requestId")
	}
	if len(presentation) == 0 || string(presentation) == "null" {
		missing = append(missing, "presentation")
	}
	if len(missing) > 0 {
		return apperr.New(apperr.KindValidation, "requestId and presentation are required").With("missing", missing)
	}
	return nil
}

type batchBody struct {
	Items []batchItemBody `json:"items"`
}

type batchItemBody struct {
	RequestID    string          `json:"requestId"`
	Presentation json.RawMessage `json:"presentation"`
}

type batchItemResult struct {
	RequestID string              `json:"requestId"`
	Valid     bool                `json:"valid"`
	Outcome   *verificationView   `json:"outcome,omitempty"`
	Error     *batchItemErrorBody `json:"error,omitempty"`
}

type verificationView struct {
	Endpoint            string                          `json:"endpoint"`
	HolderID            string                          `json:"holderId"`
	CredentialIDs       []string                        `json:"credentialIds"`
	DisclosedAttributes attr.Attributes                 `json:"disclosedAttributes"`
	Revocation          []verification.RevocationStatus `json:"revocation,omitempty"`
	VerifiedAt          time.Time                       `json:"verifiedAt"`
}

type batchItemErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// handleVerifyBatch verifies several presentations without opening sessions.
// Each item answers independently; the call itself succeeds whenever the
// body is well formed.
func (s *Server) handleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	if err := decodeJSON(r, w, &body); err != nil {
		s.fail(w, r, "presentation.verify_batch.fail", err)
		return
	}
	if len(body.Items) == 0 || len(body.Items) > maxBatchItems {
		s.fail(w, r, "presentation.verify_batch.fail",
			apperr.Newf(apperr.KindValidation, "items must hold between 1 and %d presentations", maxBatchItems).
				With("violated", []string{"items"}))
		return
	}

	items := make([]verification.BatchItem, len(body.Items))
	for i, it := range body.Items {
		if err := validateVerifyItem(it.RequestID, it.Presentation); err != nil {
			s.fail(w, r, "presentation.verify_batch.fail", err.With("index", i))
			return
		}
		items[i] = verification.BatchItem{RequestID: it.RequestID, Presentation: it.Presentation}
	}

	results := s.gateway.VerifyBatch(r.Context(), items)
	out := make([]batchItemResult, len(results))
	valid := 0
	for i, res := range results {
		out[i] = batchItemResult{RequestID: items[i].RequestID}
		if res.Err != nil {
			out[i].Error = errorBody(res.Err)
			continue
		}
		valid++
		out[i].Valid = true
		out[i].Outcome = &verificationView{
			Endpoint:            res.Outcome.Endpoint,
			HolderID:            res.Outcome.HolderID,
			CredentialIDs:       res.Outcome.CredentialIDs,
			DisclosedAttributes: res.Outcome.DisclosedAttributes,
			Revocation:          res.Outcome.Revocation,
			VerifiedAt:          res.Outcome.VerifiedAt,
		}
	}

	s.log.InfoContext(r.Context(), "presentation.verify_batch.ok",
		slog.Int("items", len(items)),
		slog.Int("valid", valid),
	)
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// errorBody is the per-item rendering of err. Causes of non-domain errors
// stay hidden, as in apperr.Write.
func errorBody(err error) *batchItemErrorBody {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.New(apperr.KindUnknown, "internal error")
	}
	return &batchItemErrorBody{Code: ae.Kind.Code(), Message: ae.Message, Context: ae.Context}
}
