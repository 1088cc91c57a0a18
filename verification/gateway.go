package verification

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ggoodman/credgate/apperr"
	"github.com/ggoodman/credgate/policy"
	"github.com/ggoodman/credgate/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Defaults for Gateway options.
const (
	DefaultRequestTTL       = 5 * time.Minute
	DefaultTimeout          = 10 * time.Second
	DefaultBatchConcurrency = 4
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithRequestTTL sets how long an issued request may be answered.
func WithRequestTTL(ttl time.Duration) Option {
	return func(g *Gateway) { g.requestTTL = ttl }
}

// WithTimeout bounds each call to the Verifier.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithRevocationChecker enables revocation checks on verified credentials.
func WithRevocationChecker(rc RevocationChecker) Option {
	return func(g *Gateway) { g.revocation = rc }
}

// WithDefaultDomain sets the domain used when CreateRequest receives none.
func WithDefaultDomain(domain string) Option {
	return func(g *Gateway) { g.domain = domain }
}

// WithBatchConcurrency bounds the parallelism of VerifyBatch.
func WithBatchConcurrency(n int) Option {
	return func(g *Gateway) { g.batchConcurrency = n }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway issues presentation requests and turns answering presentations
// into Outcomes. It is safe for concurrent use.
type Gateway struct {
	registry   *policy.Registry
	verifier   Verifier
	requests   storage.Storage
	revocation RevocationChecker

	requestTTL       time.Duration
	timeout          time.Duration
	domain           string
	batchConcurrency int
	log              *slog.Logger
	now              func() time.Time
}

// NewGateway builds a Gateway. Pending requests are kept in store under the
// requests namespace.
func NewGateway(registry *policy.Registry, verifier Verifier, store storage.Storage, opts ...Option) (*Gateway, error) {
	if registry == nil || verifier == nil || store == nil {
		return nil, errors.New("verification: registry, verifier and store are required")
	}
	g := &Gateway{
		registry:         registry,
		verifier:         verifier,
		requests:         store,
		requestTTL:       DefaultRequestTTL,
		timeout:          DefaultTimeout,
		batchConcurrency: DefaultBatchConcurrency,
		log:              slog.New(slog.DiscardHandler),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.requestTTL <= 0 || g.timeout <= 0 || g.batchConcurrency <= 0 {
		return nil, errors.New("verification: request ttl, timeout and batch concurrency must be positive")
	}
	return g, nil
}

// CreateRequest issues a request for the credentials endpoint requires. It
// fails with a ConfigurationError when endpoint has no policy.
func (g *Gateway) CreateRequest(ctx context.Context, endpoint, domain string) (*PresentationRequest, error) {
	pol, err := g.registry.Lookup(endpoint)
	if err != nil {
		return nil, err
	}
	challenge, err := newChallenge()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindService, err, "failed to generate challenge")
	}
	if domain == "" {
		domain = g.domain
	}

	now := g.now()
	req := &PresentationRequest{
		RequestID:       uuid.NewString(),
		Endpoint:        endpoint,
		CredentialTypes: pol.CredentialTypes,
		Constraints:     pol.Constraints,
		Challenge:       challenge,
		Domain:          domain,
		Purpose:         fmt.Sprintf("Access to %s", endpoint),
		CreatedAt:       now,
		ExpiresAt:       now.Add(g.requestTTL),
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindService, err, "failed to encode presentation request")
	}
	if err := g.requests.Set(ctx, req.RequestID, raw, storage.WithRequests(), storage.WithTTL(g.requestTTL)); err != nil {
		return nil, apperr.Wrap(apperr.KindService, err, "failed to store presentation request")
	}

	g.log.InfoContext(ctx, "verification.request.create.ok",
		slog.String("request_id", req.RequestID),
		slog.String("endpoint", endpoint),
	)
	return req, nil
}

// LoadRequest returns a pending request without claiming it. Unknown,
// expired and already answered requests are a ValidationError.
func (g *Gateway) LoadRequest(ctx context.Context, requestID string) (*PresentationRequest, error) {
	if requestID == "" {
		return nil, apperr.New(apperr.KindValidation, "requestId is required")
	}
	item, err := g.requests.Get(ctx, requestID, storage.WithRequests())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindService, err, "failed to load presentation request")
	}
	return g.decodeRequest(requestID, item)
}

// claim takes the request out of the store so that no other caller, on
// this instance or another, can answer it concurrently.
func (g *Gateway) claim(ctx context.Context, requestID string) (*PresentationRequest, error) {
	if requestID == "" {
		return nil, apperr.New(apperr.KindValidation, "requestId is required")
	}
	item, err := g.requests.Take(ctx, requestID, storage.WithRequests())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindService, err, "failed to load presentation request")
	}
	return g.decodeRequest(requestID, item)
}

func (g *Gateway) decodeRequest(requestID string, item *storage.StorageItem) (*PresentationRequest, error) {
	if item == nil {
		return nil, unknownRequest(requestID)
	}
	var req PresentationRequest
	if err := json.Unmarshal(item.Data, &req); err != nil {
		return nil, apperr.Wrap(apperr.KindService, err, "failed to decode presentation request")
	}
	if !g.now().Before(req.ExpiresAt) {
		return nil, unknownRequest(requestID)
	}
	return &req, nil
}

// release puts a claimed request back after an inconclusive attempt, with
// whatever lifetime it had left.
func (g *Gateway) release(ctx context.Context, req *PresentationRequest) {
	ttl := req.ExpiresAt.Sub(g.now())
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(req)
	if err == nil {
		err = g.requests.Set(context.WithoutCancel(ctx), req.RequestID, raw, storage.WithRequests(), storage.WithTTL(ttl))
	}
	if err != nil {
		g.log.WarnContext(ctx, "verification.request.release.fail",
			slog.String("request_id", req.RequestID),
			slog.String("err", err.Error()),
		)
	}
}

// Verify checks presentation against the pending request requestID.
//
// The request is claimed before the verifier runs. A conclusive answer,
// valid or not, leaves it consumed so the same challenge cannot be answered
// twice. A verifier error, timeout or revocation lookup failure is
// inconclusive: it yields a ServiceError and the request is released.
func (g *Gateway) Verify(ctx context.Context, requestID string, presentation json.RawMessage) (*Outcome, error) {
	if len(presentation) == 0 {
		return nil, apperr.New(apperr.KindValidation, "presentation is required")
	}
	req, err := g.claim(ctx, requestID)
	if err != nil {
		return nil, err
	}

	vctx, cancel := context.WithTimeout(ctx, g.timeout)
	res, err := g.verifier.VerifyPresentation(vctx, presentation, req)
	cancel()
	if err != nil {
		g.release(ctx, req)
		g.log.WarnContext(ctx, "verification.verify.inconclusive",
			slog.String("request_id", req.RequestID),
			slog.String("err", err.Error()),
		)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.KindService, err, "verification timed out").
				With("timeoutSeconds", g.timeout.Seconds())
		}
		return nil, apperr.Wrap(apperr.KindService, err, "verification service unavailable")
	}
	if res == nil {
		g.release(ctx, req)
		return nil, apperr.New(apperr.KindService, "verification service returned no result")
	}

	failures := g.check(ctx, req, res)
	revocation, err := g.checkRevocation(ctx, res)
	if err != nil {
		g.release(ctx, req)
		return nil, err
	}
	for _, st := range revocation {
		if st.Revoked {
			failures = append(failures, Failure{
				Code:    CodeCredentialRevoked,
				Message: "credential has been revoked",
				Context: map[string]any{"credentialId": st.CredentialID},
			})
		}
	}

	if len(failures) > 0 {
		g.log.InfoContext(ctx, "verification.verify.rejected",
			slog.String("request_id", req.RequestID),
			slog.Int("failures", len(failures)),
			slog.String("first_code", failures[0].Code),
		)
		return nil, apperr.New(apperr.KindInvalidPresentation, "presentation verification failed").
			With("errors", failures)
	}

	out := &Outcome{
		RequestID:           req.RequestID,
		Endpoint:            req.Endpoint,
		HolderID:            res.HolderID,
		CredentialIDs:       slices.Clone(res.CredentialIDs),
		DisclosedAttributes: res.DisclosedAttributes.Clone(),
		Revocation:          revocation,
		VerifiedAt:          g.now(),
	}
	if out.CredentialIDs == nil {
		out.CredentialIDs = []string{}
	}
	g.log.InfoContext(ctx, "verification.verify.ok",
		slog.String("request_id", req.RequestID),
		slog.String("holder", out.HolderID),
		slog.Int("credentials", len(out.CredentialIDs)),
	)
	return out, nil
}

// check normalizes the verifier's result and applies the endpoint policy to
// the disclosed attributes.
func (g *Gateway) check(ctx context.Context, req *PresentationRequest, res *Result) []Failure {
	if !res.Valid {
		if len(res.Failures) == 0 {
			return []Failure{{Code: CodeVerificationFailure, Message: "presentation was rejected by the verifier"}}
		}
		return slices.Clone(res.Failures)
	}
	if res.HolderID == "" {
		return []Failure{{Code: CodeMalformed, Message: "presentation does not identify its holder"}}
	}

	eval, err := g.registry.Evaluate(req.Endpoint, res.DisclosedAttributes)
	if err != nil {
		// The endpoint was registered when the request was issued; policies
		// do not change at runtime.
		g.log.ErrorContext(ctx, "verification.policy.fail", slog.String("err", err.Error()))
		return []Failure{{Code: CodeVerificationFailure, Message: "no policy for requested endpoint"}}
	}
	var failures []Failure
	for _, name := range eval.Missing {
		failures = append(failures, Failure{
			Code:    CodeMissingAttribute,
			Message: fmt.Sprintf("required attribute %q was not disclosed", name),
			Context: map[string]any{"attribute": name},
		})
	}
	for _, name := range eval.Violated {
		failures = append(failures, Failure{
			Code:    CodeConstraintViolated,
			Message: fmt.Sprintf("attribute %q does not satisfy the endpoint policy", name),
			Context: map[string]any{"attribute": name},
		})
	}
	return failures
}

func (g *Gateway) checkRevocation(ctx context.Context, res *Result) ([]RevocationStatus, error) {
	if g.revocation == nil || !res.Valid || len(res.CredentialIDs) == 0 {
		return nil, nil
	}
	statuses, err := g.revocation.CheckRevocation(ctx, res.CredentialIDs)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindService, err, "revocation status unavailable")
	}
	return statuses, nil
}

// BatchItem is one presentation in a VerifyBatch call.
type BatchItem struct {
	RequestID    string          `json:"requestId"`
	Presentation json.RawMessage `json:"presentation"`
}

// BatchResult pairs an item's Outcome with its error; exactly one is set.
type BatchResult struct {
	Outcome *Outcome
	Err     error
}

// VerifyBatch verifies items in parallel, bounded by the batch concurrency,
// and returns one result per item in input order. A failing item does not
// affect the others.
func (g *Gateway) VerifyBatch(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	var eg errgroup.Group
	eg.SetLimit(g.batchConcurrency)
	for i, item := range items {
		eg.Go(func() error {
			out, err := g.Verify(ctx, item.RequestID, item.Presentation)
			results[i] = BatchResult{Outcome: out, Err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func unknownRequest(id string) *apperr.Error {
	return apperr.New(apperr.KindValidation, "presentation request is unknown, expired or already used").
		With("requestId", id)
}

// newChallenge returns 128 bits of randomness, base64url encoded.
func newChallenge() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
