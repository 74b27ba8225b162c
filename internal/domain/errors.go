package domain

import "fmt"

// NotFoundError is returned when a task or draft ID does not exist, or
// exists but the caller lacks access to its case. The two are deliberately
// indistinguishable so a response never leaks case existence.
type NotFoundError struct {
	Kind string // "task" or "draft"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ForbiddenError is returned when the caller lacks reviewer capability.
type ForbiddenError struct {
	UserID string
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("user %s may not %s", e.UserID, e.Action)
}

// ConflictError is returned when an action targets a draft or task not in
// the required state. It carries the current state so clients can detect
// idempotency violations instead of treating the response as a bug.
type ConflictError struct {
	Kind     string
	ID       string
	Current  string
	Required string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s is %s, action requires %s", e.Kind, e.ID, e.Current, e.Required)
}

// LockHeldError is returned when a review lock is already held by another
// identity. Holder fields let the UI render "being reviewed by X".
type LockHeldError struct {
	DraftID    string
	HolderID   string
	HolderName string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("draft %s is locked by %s", e.DraftID, e.HolderID)
}
