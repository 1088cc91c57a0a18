// Package verificationtest provides a scriptable verification.Verifier for
// tests of code that sits on top of the Gateway.
package verificationtest

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/ggoodman/credgate/attr"
	"github.com/ggoodman/credgate/verification"
)

// Presentation is the JSON shape the fake verifier understands.
type Presentation struct {
	Holder        string                 `json:"holder"`
	CredentialIDs []string               `json:"credentialIds,omitempty"`
	Attributes    map[string]any         `json:"attributes,omitempty"`
	Challenge     string                 `json:"challenge"`
	Failures      []verification.Failure `json:"failures,omitempty"`
}

// Marshal encodes p for use as a presentation payload.
func (p Presentation) Marshal() json.RawMessage {
	raw, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return raw
}

// Verifier accepts any Presentation whose challenge matches the request and
// that carries no scripted failures.
type Verifier struct {
	// Delay is waited before answering, honoring context cancellation.
	Delay time.Duration
	// Err, when set, is returned instead of a result.
	Err error

	calls atomic.Int64
}

// Calls reports how many times VerifyPresentation was invoked.
func (v *Verifier) Calls() int { return int(v.calls.Load()) }

func (v *Verifier) VerifyPresentation(ctx context.Context, presentation json.RawMessage, req *verification.PresentationRequest) (*verification.Result, error) {
	v.calls.Add(1)
	if v.Delay > 0 {
		t := time.NewTimer(v.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if v.Err != nil {
		return nil, v.Err
	}

	var p Presentation
	if err := json.Unmarshal(presentation, &p); err != nil {
		return invalid(verification.CodeMalformed, err.Error()), nil
	}
	if p.Challenge != req.Challenge {
		return invalid(verification.CodeChallengeMismatch, "challenge does not match the request"), nil
	}
	if len(p.Failures) > 0 {
		return &verification.Result{Failures: p.Failures}, nil
	}
	attrs, err := attr.FromMap(p.Attributes)
	if err != nil {
		return invalid(verification.CodeMalformed, err.Error()), nil
	}
	return &verification.Result{
		Valid:               true,
		HolderID:            p.Holder,
		CredentialIDs:       p.CredentialIDs,
		DisclosedAttributes: attrs,
	}, nil
}

func invalid(code, msg string) *verification.Result {
	return &verification.Result{Failures: []verification.Failure{{Code: code, Message: msg}}}
}

var _ verification.Verifier = (*Verifier)(nil)
