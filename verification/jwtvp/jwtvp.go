// Package jwtvp verifies presentations encoded as VC-JWTs: a holder-signed
// presentation JWT whose "vp" claim embeds issuer-signed credential JWTs.
//
// The presentation is signed with the key carried in its own "jwk" header
// and must echo the request challenge as "nonce" and the request domain as
// "aud". Credentials are verified against issuer keys obtained from JWKS
// and must come from a trusted issuer, name the presenting holder as their
// subject, and be unexpired.
//
// Each credential must also bind the presentation key to its subject: either
// through a "cnf" claim carrying the holder's JWK (RFC 7800), or by naming a
// did:jwk subject whose embedded key is the presentation key. Both are
// compared by RFC 7638 thumbprint. Disclosed attributes are the union of the
// credentials' credentialSubject claims.
//
// A failure to resolve an issuer key is returned as an error rather than a
// rejection, since it says nothing about the presentation itself.
package jwtvp

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/ggoodman/credgate/attr"
	"github.com/ggoodman/credgate/verification"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls presentation validation.
type Config struct {
	// TrustedIssuers lists the credential issuers ("iss") accepted.
	TrustedIssuers []string
	// AllowedAlgs for both presentation and credential signatures.
	AllowedAlgs []string
	// Leeway applied to exp/nbf/iat checks.
	Leeway time.Duration
	// Now replaces time.Now for expiry checks.
	Now func() time.Time
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() Config {
	return Config{
		AllowedAlgs: []string{"ES256", "ES384", "EdDSA", "RS256", "PS256"},
		Leeway:      30 * time.Second,
	}
}

// Verifier implements verification.Verifier for VC-JWT presentations.
type Verifier struct {
	cfg     Config
	trusted map[string]struct{}
	keys    jwt.Keyfunc
}

// New builds a Verifier that resolves issuer keys with keys.
func New(cfg Config, keys jwt.Keyfunc) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("jwtvp: issuer keyfunc is required")
	}
	if len(cfg.TrustedIssuers) == 0 {
		return nil, errors.New("jwtvp: at least one trusted issuer is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = DefaultConfig().AllowedAlgs
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	v := &Verifier{cfg: cfg, keys: keys, trusted: make(map[string]struct{}, len(cfg.TrustedIssuers))}
	for _, iss := range cfg.TrustedIssuers {
		v.trusted[iss] = struct{}{}
	}
	return v, nil
}

// NewFromJWKSURLs builds a Verifier whose issuer keys are fetched and
// refreshed in the background from the given JWKS URLs until ctx is done.
func NewFromJWKSURLs(ctx context.Context, cfg Config, urls []string) (*Verifier, error) {
	if len(urls) == 0 {
		return nil, errors.New("jwtvp: at least one jwks url is required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, urls)
	if err != nil {
		return nil, fmt.Errorf("jwtvp: jwks init failed: %w", err)
	}
	return New(cfg, kf.Keyfunc)
}

// NewFromJWKSJSON builds a Verifier from a static JWK Set document.
func NewFromJWKSJSON(cfg Config, raw json.RawMessage) (*Verifier, error) {
	kf, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("jwtvp: parse jwks: %w", err)
	}
	return New(cfg, kf.Keyfunc)
}

// stringList accepts a JSON string or array of strings.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type presentationClaims struct {
	jwt.RegisteredClaims
	Nonce string `json:"nonce"`
	VP    struct {
		Type                 stringList `json:"type"`
		Holder               string     `json:"holder,omitempty"`
		VerifiableCredential []string   `json:"verifiableCredential"`
	} `json:"vp"`
}

type credentialClaims struct {
	jwt.RegisteredClaims
	Cnf *struct {
		JWK json.RawMessage `json:"jwk"`
	} `json:"cnf,omitempty"`
	VC struct {
		ID                string         `json:"id,omitempty"`
		Type              stringList     `json:"type"`
		CredentialSubject map[string]any `json:"credentialSubject"`
	} `json:"vc"`
}

func (v *Verifier) VerifyPresentation(ctx context.Context, presentation json.RawMessage, req *verification.PresentationRequest) (*verification.Result, error) {
	var token string
	if err := json.Unmarshal(presentation, &token); err != nil || token == "" {
		return reject(verification.CodeMalformed, "presentation must be a compact JWT string"), nil
	}

	var (
		vp        presentationClaims
		holderJWK *jose.JSONWebKey
	)
	opts := v.parserOptions()
	if req.Domain != "" {
		opts = append(opts, jwt.WithAudience(req.Domain))
	}
	keyfn := func(t *jwt.Token) (any, error) {
		jwk, err := headerKey(t)
		if err != nil {
			return nil, err
		}
		holderJWK = jwk
		return jwk.Key, nil
	}
	if _, err := jwt.NewParser(opts...).ParseWithClaims(token, &vp, keyfn); err != nil {
		return rejectParse("presentation", err, verification.CodeDomainMismatch), nil
	}
	holderThumb, err := holderJWK.Thumbprint(crypto.SHA256)
	if err != nil {
		return reject(verification.CodeMalformed, "presentation key has no thumbprint"), nil
	}

	holder := vp.Issuer
	if holder == "" {
		holder = vp.VP.Holder
	}
	if holder == "" {
		return reject(verification.CodeMalformed, "presentation does not identify its holder"), nil
	}
	if vp.Nonce != req.Challenge {
		return reject(verification.CodeChallengeMismatch, "presentation nonce does not match the request challenge"), nil
	}
	if len(vp.VP.VerifiableCredential) == 0 {
		return reject(verification.CodeMalformed, "presentation carries no credentials"), nil
	}

	var (
		failures []verification.Failure
		ids      []string
		types    [][]string
		attrs    = attr.Attributes{}
	)
	for i, raw := range vp.VP.VerifiableCredential {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vc, f, err := v.verifyCredential(raw, holder, holderThumb)
		if err != nil {
			return nil, err
		}
		if f != nil {
			f.Context = withIndex(f.Context, i)
			failures = append(failures, *f)
			continue
		}
		if id := credentialID(vc); id != "" {
			ids = append(ids, id)
		}
		types = append(types, vc.VC.Type)

		subject := make(map[string]any, len(vc.VC.CredentialSubject))
		for k, val := range vc.VC.CredentialSubject {
			if k != "id" {
				subject[k] = val
			}
		}
		disclosed, err := attr.FromMap(subject)
		if err != nil {
			failures = append(failures, verification.Failure{
				Code:    verification.CodeMalformed,
				Message: err.Error(),
				Context: withIndex(nil, i),
			})
			continue
		}
		for name, val := range disclosed {
			if prev, ok := attrs[name]; ok && !prev.Equal(val) {
				failures = append(failures, verification.Failure{
					Code:    verification.CodeMalformed,
					Message: fmt.Sprintf("credentials disclose conflicting values for %q", name),
					Context: map[string]any{"attribute": name},
				})
				continue
			}
			attrs[name] = val
		}
	}

	if len(failures) == 0 && !coversTypes(types, req.CredentialTypes) {
		failures = append(failures, verification.Failure{
			Code:    verification.CodeCredentialType,
			Message: "no presented credential has the requested types",
			Context: map[string]any{"credentialTypes": req.CredentialTypes},
		})
	}
	if len(failures) > 0 {
		return &verification.Result{Failures: failures}, nil
	}
	return &verification.Result{
		Valid:               true,
		HolderID:            holder,
		CredentialIDs:       ids,
		DisclosedAttributes: attrs,
	}, nil
}

// verifyCredential returns a failure for a credential that is conclusively
// unacceptable, and an error when its issuer key could not be resolved.
func (v *Verifier) verifyCredential(raw, holder string, holderThumb []byte) (*credentialClaims, *verification.Failure, error) {
	var unverified credentialClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &unverified); err != nil {
		return nil, &verification.Failure{Code: verification.CodeMalformed, Message: "credential is not a valid JWT"}, nil
	}
	if _, ok := v.trusted[unverified.Issuer]; !ok {
		return nil, &verification.Failure{
			Code:    verification.CodeUntrustedIssuer,
			Message: "credential issuer is not trusted",
			Context: map[string]any{"issuer": unverified.Issuer},
		}, nil
	}

	var (
		vc        credentialClaims
		lookupErr error
	)
	keyfn := func(t *jwt.Token) (any, error) {
		key, err := v.keys(t)
		if err != nil {
			lookupErr = err
		}
		return key, err
	}
	opts := append(v.parserOptions(), jwt.WithIssuer(unverified.Issuer))
	if _, err := jwt.NewParser(opts...).ParseWithClaims(raw, &vc, keyfn); err != nil {
		if lookupErr != nil {
			return nil, nil, fmt.Errorf("jwtvp: resolve key of issuer %q: %w", unverified.Issuer, lookupErr)
		}
		f := rejectParse("credential", err, verification.CodeMalformed).Failures[0]
		return nil, &f, nil
	}
	if vc.Subject == "" {
		return nil, &verification.Failure{
			Code:    verification.CodeHolderMismatch,
			Message: "credential does not name its subject",
		}, nil
	}
	if vc.Subject != holder {
		return nil, &verification.Failure{
			Code:    verification.CodeHolderMismatch,
			Message: "credential subject is not the presenting holder",
		}, nil
	}
	bound, err := boundThumbprint(&vc)
	if err != nil {
		return nil, &verification.Failure{
			Code:    verification.CodeHolderMismatch,
			Message: err.Error(),
		}, nil
	}
	if !bytes.Equal(bound, holderThumb) {
		return nil, &verification.Failure{
			Code:    verification.CodeHolderMismatch,
			Message: "presentation is not signed by the key bound to the credential",
		}, nil
	}
	return &vc, nil, nil
}

// didJWKPrefix marks a subject whose identifier is its own public key.
const didJWKPrefix = "did:jwk:"

// boundThumbprint returns the thumbprint of the holder key the issuer bound
// to vc.
func boundThumbprint(vc *credentialClaims) ([]byte, error) {
	var raw []byte
	switch {
	case vc.Cnf != nil && len(vc.Cnf.JWK) > 0:
		raw = vc.Cnf.JWK
	case strings.HasPrefix(vc.Subject, didJWKPrefix):
		id, _, _ := strings.Cut(strings.TrimPrefix(vc.Subject, didJWKPrefix), "#")
		b, err := base64.RawURLEncoding.DecodeString(id)
		if err != nil {
			return nil, errors.New("credential subject is not a valid did:jwk")
		}
		raw = b
	default:
		return nil, errors.New("credential is not bound to a holder key")
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil || !jwk.Valid() || !jwk.IsPublic() {
		return nil, errors.New("credential holder key is not a valid public key")
	}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, errors.New("credential holder key has no thumbprint")
	}
	return tp, nil
}

func (v *Verifier) parserOptions() []jwt.ParserOption {
	return []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.cfg.Now),
	}
}

// headerKey resolves the presentation signing key from its "jwk" header.
func headerKey(t *jwt.Token) (*jose.JSONWebKey, error) {
	raw, ok := t.Header["jwk"]
	if !ok {
		return nil, errors.New("missing jwk header")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("invalid jwk header: %w", err)
	}
	if !jwk.Valid() || !jwk.IsPublic() {
		return nil, errors.New("jwk header must be a valid public key")
	}
	return &jwk, nil
}

func rejectParse(what string, err error, audienceCode string) *verification.Result {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return reject(verification.CodeCredentialExpired, what+" has expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return reject(verification.CodeCredentialExpired, what+" is not yet valid")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return reject(audienceCode, what+" audience does not match the request domain")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return reject(verification.CodeInvalidSignature, what+" signature could not be verified")
	default:
		return reject(verification.CodeMalformed, fmt.Sprintf("%s rejected: %v", what, err))
	}
}

func reject(code, msg string) *verification.Result {
	return &verification.Result{Failures: []verification.Failure{{Code: code, Message: msg}}}
}

func credentialID(vc *credentialClaims) string {
	if vc.ID != "" {
		return vc.ID
	}
	return vc.VC.ID
}

func withIndex(ctx map[string]any, i int) map[string]any {
	if ctx == nil {
		ctx = map[string]any{}
	}
	ctx["credentialIndex"] = i
	return ctx
}

// coversTypes reports whether some credential carries every wanted type.
func coversTypes(have [][]string, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, types := range have {
		ok := true
		for _, w := range want {
			if !slices.Contains(types, w) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

var _ verification.Verifier = (*Verifier)(nil)
