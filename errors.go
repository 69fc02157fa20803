package portalgo

import (
	"errors"
	"fmt"
	"strings"
)

// Errors
var (
	// ErrInvalidToken is returned when a token-expired response survives
	// the single relogin-and-retry cycle.
	ErrInvalidToken = errors.New("token expired and relogin did not recover it")

	// ErrNotSignedIn is returned by operations that require an
	// authenticated session.
	ErrNotSignedIn = errors.New("not signed in")

	ErrItemNotFound     = errors.New("item not found")
	ErrNoBaseURL        = errors.New("base url not set")
	ErrRelationshipType = errors.New("unknown relationship type")
	ErrDirection        = errors.New("unknown relationship direction")
)

// AuthenticationError reports a credential rejection at login. It is fatal
// to the session and never retried.
type AuthenticationError struct {
	Username string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %q: %s", e.Username, e.Reason)
}

// RemoteError is any error envelope reported by the portal other than token
// expiry. It is surfaced verbatim and never retried.
type RemoteError struct {
	Code    int      `json:"code"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

func (e *RemoteError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("portal error %d: %s (%s)", e.Code, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("portal error %d: %s", e.Code, e.Message)
}

// QueryError reports a search input that failed local validation. It is
// raised before any network call is made.
type QueryError struct {
	Expr   string
	Reason string
}

func (e *QueryError) Error() string {
	if e.Expr == "" {
		return "invalid query: " + e.Reason
	}
	return fmt.Sprintf("invalid query expression %q: %s", e.Expr, e.Reason)
}

// ScopeError reports a search scope that cannot be satisfied, such as a
// public search without a query or an org search without an org session.
type ScopeError struct {
	Scope  Scope
	Reason string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("scope %q: %s", string(e.Scope), e.Reason)
}
