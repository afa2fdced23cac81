package domain

import (
	"context"
	"strings"
)

type Role string

const (
	RoleMember Role = "member"
	RoleVendor Role = "vendor"
	RoleAdmin  Role = "admin"
)

// Principal is an already-authenticated caller.
type Principal struct {
	UserID string
	Role   Role
}

func (p Principal) Authenticated() bool {
	return strings.TrimSpace(p.UserID) != ""
}

func (p Principal) Is(role Role) bool {
	return p.Authenticated() && p.Role == role
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached by the auth middleware, or the zero value.
func PrincipalFrom(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}
