// Package auth carries the authenticated principal through request contexts.
// Session establishment happens upstream; the engine only needs to know who
// is acting and to elevate to the system principal for internal lookups.
package auth

import (
	"context"
)

// Principal identifies who a request is acting as.
type Principal struct {
	ID     string
	Name   string
	Roles  []string
	System bool // true for the internal system principal
}

// SystemPrincipal is used for engine-internal lookups such as extension
// handlers resolving reference data.
var SystemPrincipal = Principal{ID: "SYSTEM", Name: "system", System: true, Roles: []string{"system"}}

// AnonymousPrincipal is attached when no credentials were presented.
var AnonymousPrincipal = Principal{ID: "ANONYMOUS", Name: "anonymous"}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal returns a context carrying the given principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// WithSystemPrincipal elevates the context to the system principal. Use for
// internal reference-data lookups only; the elevation lasts for the derived
// context's lifetime.
func WithSystemPrincipal(ctx context.Context) context.Context {
	return WithPrincipal(ctx, SystemPrincipal)
}

// PrincipalFromContext returns the context's principal, or the anonymous
// principal if none was attached.
func PrincipalFromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey).(Principal); ok {
		return p
	}
	return AnonymousPrincipal
}

// HasRole reports whether the principal carries one of the given roles. The
// system principal passes every role check.
func (p Principal) HasRole(roles ...string) bool {
	if p.System {
		return true
	}
	for _, want := range roles {
		for _, have := range p.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}
