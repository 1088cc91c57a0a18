// Package verification adapts an external presentation verifier into the
// uniform Outcome consumed by the session layer, and owns the correlation
// between issued presentation requests and the presentations answering them.
package verification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ggoodman/credgate/attr"
	"github.com/ggoodman/credgate/policy"
)

// Failure codes reported by verifiers and by the Gateway itself.
const (
	CodeCredentialExpired   = "credential_expired"
	CodeCredentialRevoked   = "credential_revoked"
	CodeUntrustedIssuer     = "untrusted_issuer"
	CodeInvalidSignature    = "invalid_signature"
	CodeMissingAttribute    = "missing_required_attribute"
	CodeConstraintViolated  = "attribute_constraint_violated"
	CodeMalformed           = "malformed_presentation"
	CodeChallengeMismatch   = "challenge_mismatch"
	CodeDomainMismatch      = "domain_mismatch"
	CodeHolderMismatch      = "holder_mismatch"
	CodeCredentialType      = "credential_type_mismatch"
	CodeVerificationFailure = "verification_failed"
)

// Failure is one structured reason a presentation was rejected.
type Failure struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Result is what a Verifier reports for one presentation.
type Result struct {
	Valid               bool
	HolderID            string
	CredentialIDs       []string
	DisclosedAttributes attr.Attributes
	Failures            []Failure
}

// Verifier checks the cryptographic validity of a presentation against the
// request it answers. An error means the check was inconclusive (for
// example an unreachable key server); a proven-invalid presentation is
// reported as a Result with Valid unset.
type Verifier interface {
	VerifyPresentation(ctx context.Context, presentation json.RawMessage, req *PresentationRequest) (*Result, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, presentation json.RawMessage, req *PresentationRequest) (*Result, error)

func (f VerifierFunc) VerifyPresentation(ctx context.Context, presentation json.RawMessage, req *PresentationRequest) (*Result, error) {
	return f(ctx, presentation, req)
}

// PresentationRequest is issued to a holder and later answered by a
// presentation bound to its Challenge and Domain.
type PresentationRequest struct {
	RequestID       string              `json:"requestId"`
	Endpoint        string              `json:"endpoint"`
	CredentialTypes []string            `json:"credentialTypes"`
	Constraints     []policy.Constraint `json:"constraints"`
	Challenge       string              `json:"challenge"`
	Domain          string              `json:"domain"`
	Purpose         string              `json:"purpose"`
	CreatedAt       time.Time           `json:"createdAt"`
	ExpiresAt       time.Time           `json:"expiresAt"`
}

// Outcome is a successful verification. It is consumed once, by session
// creation.
type Outcome struct {
	RequestID           string             `json:"requestId"`
	Endpoint            string             `json:"endpoint"`
	HolderID            string             `json:"holderId"`
	CredentialIDs       []string           `json:"credentialIds"`
	DisclosedAttributes attr.Attributes    `json:"disclosedAttributes"`
	Revocation          []RevocationStatus `json:"revocation,omitempty"`
	VerifiedAt          time.Time          `json:"verifiedAt"`
}
