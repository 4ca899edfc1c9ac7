package domain

import (
	"net/http"
	"time"
)

// Scope is a coarse permission grant attached to an API key.
type Scope string

const (
	ScopeRead   Scope = "read"
	ScopeWrite  Scope = "write"
	ScopeDelete Scope = "delete"
)

// DenialReason identifies why a key was rejected. Callers and audit logs
// depend on the specific code, never a generic "denied".
type DenialReason string

const (
	DenyExpired            DenialReason = "expired"
	DenyRevoked            DenialReason = "revoked"
	DenyInsufficientScope  DenialReason = "insufficient_scope"
	DenyServerNotPermitted DenialReason = "server_not_permitted"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  DenialReason
}

func allow() Decision              { return Decision{Allowed: true} }
func deny(r DenialReason) Decision { return Decision{Reason: r} }

// ScopeForMethod maps an HTTP verb to its required scope. The table is
// fixed: reads need read, mutations need write, irreversible operations
// need delete.
func ScopeForMethod(method string) Scope {
	switch method {
	case http.MethodGet, http.MethodHead:
		return ScopeRead
	case http.MethodDelete:
		return ScopeDelete
	default:
		return ScopeWrite
	}
}

// Authorize validates a key against a required scope and target resource.
// Checks run in a fixed order so the denial code is deterministic:
// expiry, revocation, scope, then server scope. targetResource may be
// empty when the operation is not bound to a backend resource.
func Authorize(key *APIKey, required Scope, targetResource string, now time.Time) Decision {
	if key == nil {
		return deny(DenyRevoked)
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		return deny(DenyExpired)
	}
	if !key.IsActive || key.RevokedAt != nil {
		return deny(DenyRevoked)
	}
	if !hasScope(key.Scopes, required) {
		return deny(DenyInsufficientScope)
	}
	if targetResource != "" && len(key.ServerScopes) > 0 && !contains(key.ServerScopes, targetResource) {
		return deny(DenyServerNotPermitted)
	}
	return allow()
}

func hasScope(granted []string, required Scope) bool {
	return contains(granted, string(required))
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
