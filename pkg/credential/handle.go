package credential

import (
	"time"

	"golang.org/x/oauth2"
)

// Handle is a lease on one credential for one call of a resource class.
// The raw secret only leaves the pool through TokenSource.
type Handle struct {
	cred       *credential
	class      ResourceClass
	acquiredAt time.Time

	// settled is guarded by Pool.mu.
	settled bool
}

// ID returns the non-secret identifier of the leased credential.
func (h *Handle) ID() string {
	return h.cred.id
}

// Class returns the resource class the handle was acquired for.
func (h *Handle) Class() ResourceClass {
	return h.class
}

// AcquiredAt returns when the lease was granted.
func (h *Handle) AcquiredAt() time.Time {
	return h.acquiredAt
}

// TokenSource exposes the secret to the HTTP call site as a bearer token.
func (h *Handle) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: h.cred.secret})
}
