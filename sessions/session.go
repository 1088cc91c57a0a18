package sessions

import (
	"maps"
	"slices"
	"time"

	"github.com/ggoodman/credgate/attr"
)

// Session binds a holder and the attributes it disclosed to an opaque id.
type Session struct {
	ID             string          `json:"id"`
	HolderID       string          `json:"holderId"`
	CredentialIDs  []string        `json:"credentialIds"`
	Attributes     attr.Attributes `json:"attributes"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	LastAccessedAt time.Time       `json:"lastAccessedAt"`
	Metadata       map[string]any  `json:"metadata"`
}

// ExpiredAt reports whether the session is expired at now. A session is
// expired from the instant now reaches ExpiresAt.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining returns the time left before expiry at now, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Clone returns a deep copy. Metadata values are copied one level deep.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	dup := *s
	dup.CredentialIDs = slices.Clone(s.CredentialIDs)
	dup.Attributes = s.Attributes.Clone()
	if s.Metadata != nil {
		dup.Metadata = maps.Clone(s.Metadata)
	}
	return &dup
}
