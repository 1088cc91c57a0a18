package verification

import (
	"context"
	"sync"
)

// RevocationStatus reports whether one credential has been revoked.
type RevocationStatus struct {
	CredentialID string `json:"credentialId"`
	Revoked      bool   `json:"revoked"`
}

// RevocationChecker reports revocation status for a batch of credentials.
// The result has one entry per input id, in input order.
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, credentialIDs []string) ([]RevocationStatus, error)
}

// RevocationList is an in-memory RevocationChecker.
type RevocationList struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewRevocationList returns a list with ids already revoked.
func NewRevocationList(ids ...string) *RevocationList {
	l := &RevocationList{revoked: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		l.revoked[id] = struct{}{}
	}
	return l
}

// Revoke marks id as revoked.
func (l *RevocationList) Revoke(id string) {
	l.mu.Lock()
	l.revoked[id] = struct{}{}
	l.mu.Unlock()
}

func (l *RevocationList) CheckRevocation(_ context.Context, credentialIDs []string) ([]RevocationStatus, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]RevocationStatus, len(credentialIDs))
	for i, id := range credentialIDs {
		_, revoked := l.revoked[id]
		out[i] = RevocationStatus{CredentialID: id, Revoked: revoked}
	}
	return out, nil
}
