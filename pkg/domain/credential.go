package domain

import (
	"context"
	"time"
)

// Credential is the short-lived bearer token, plus scope metadata, used to call
// the generation service. Values are immutable once issued.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	Project   string
	Region    string
	Model     string
}

// Remaining reports how long the credential stays valid after now.
func (c Credential) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// FreshFor reports whether the credential outlives now by more than window.
func (c Credential) FreshFor(now time.Time, window time.Duration) bool {
	return c.Token != "" && c.Remaining(now) > window
}

// CredentialIssuer fetches a brand new credential from the upstream issuer.
type CredentialIssuer interface {
	Issue(ctx context.Context) (Credential, error)
}
