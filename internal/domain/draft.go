package domain

import (
	"encoding/json"
	"time"
)

// DraftStatus represents the review states of a draft. All three resolved
// states are terminal for that draft instance; a rejection may spawn a new
// draft linked through ParentDraftID.
type DraftStatus string

const (
	DraftPending  DraftStatus = "PENDING"
	DraftAccepted DraftStatus = "ACCEPTED"
	DraftRejected DraftStatus = "REJECTED"
	DraftEdited   DraftStatus = "EDITED"
)

// IsResolved returns true once a reviewer has acted on the draft.
func (s DraftStatus) IsResolved() bool {
	return s == DraftAccepted || s == DraftRejected || s == DraftEdited
}

// DraftType tags what kind of artifact a draft represents. The set is
// closed: acceptance side effects are dispatched through a per-type handler
// table keyed by these values.
type DraftType string

const (
	DraftTypeDocument DraftType = "document"
	DraftTypeDeadline DraftType = "deadline"
	DraftTypeNote     DraftType = "note"
	DraftTypeAlert    DraftType = "alert"
)

// MaxRevisions caps the automatic revision chain. Rejecting a draft at the
// cap never enqueues another task; the user must act manually.
const MaxRevisions = 3

// Draft is an artifact produced by an agent task, pending human review.
type Draft struct {
	ID                 string          `json:"id"`
	CaseID             string          `json:"case_id"`
	CreatedBy          string          `json:"created_by"`
	Type               DraftType       `json:"type"`
	Title              string          `json:"title"`
	Content            string          `json:"content"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	Status             DraftStatus     `json:"status"`
	TaskID             string          `json:"task_id,omitempty"`
	ParentDraftID      string          `json:"parent_draft_id,omitempty"`
	RevisionCount      int             `json:"revision_count"`
	Feedback           string          `json:"feedback,omitempty"`
	FeedbackCategories []string        `json:"feedback_categories,omitempty"`
	ReviewedBy         string          `json:"reviewed_by,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// CanAutoRevise reports whether rejecting this draft may still trigger an
// automatic revision.
func (d *Draft) CanAutoRevise() bool {
	return d.RevisionCount < MaxRevisions
}
