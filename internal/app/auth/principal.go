// Package auth models the already-authenticated caller of the ledger and the
// role tiers that gate each operation.
package auth

import (
	"context"
	"strings"
)

// Role is a tenant membership role issued by the external user directory.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleEditor  Role = "editor"
	RoleAnalyst Role = "analyst"
	RoleSales   Role = "sales"
	RoleViewer  Role = "viewer"
)

// tier orders roles; analyst, sales and viewer share the lowest tier.
var tier = map[Role]int{
	RoleOwner:   3,
	RoleAdmin:   2,
	RoleEditor:  1,
	RoleAnalyst: 0,
	RoleSales:   0,
	RoleViewer:  0,
}

// ParseRole normalizes a role string. ok is false for unknown roles.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	_, ok := tier[r]
	return r, ok
}

// AtLeast reports whether r is in min's tier or above.
func (r Role) AtLeast(min Role) bool {
	have, ok := tier[r]
	if !ok {
		return false
	}
	return have >= tier[min]
}

// CanEdit covers create, update, status change, renew and plain reads.
func (r Role) CanEdit() bool { return r.AtLeast(RoleEditor) }

// IsPrivileged covers decrypted amounts, margins, history and export.
func (r Role) IsPrivileged() bool { return r.AtLeast(RoleAdmin) }

func (r Role) IsOwner() bool { return r == RoleOwner }

// Principal is the caller of a ledger operation.
type Principal struct {
	TenantID string
	UserID   string
	Role     Role
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
