package auth

import "context"

// Roles known to the practice. Reviewer capability is a role property, not
// a per-case grant; case visibility is checked separately.
const (
	RoleAdmin     = "admin"
	RoleLawyer    = "lawyer"
	RoleAssistant = "assistant"
	// RoleSystem identifies the agent itself when it writes drafts.
	RoleSystem = "system"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID   string
	Role     string
	Name     string
}

// IsReviewer reports whether the identity may accept, reject, or edit
// drafts.
func (id Identity) IsReviewer() bool {
	return id.Role == RoleAdmin || id.Role == RoleLawyer
}

// IsAdmin reports whether the identity may override other users' review
// locks.
func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

// Authorizer answers case-level visibility questions. The full
// authentication and permission system lives outside this subsystem; this
// is the capability check it exposes to us.
type Authorizer interface {
	// CanAccessCase reports whether the identity may read the given case.
	// Admins and the system identity see all cases.
	CanAccessCase(ctx context.Context, id Identity, caseID string) (bool, error)
}

type ctxKey struct{}

// WithIdentity stores the identity on the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity set by the auth middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
