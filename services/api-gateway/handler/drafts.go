package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/auth"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/postgres"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/review"
)

// Drafts handles the HTTP surface for draft review: reads, the three
// resolution actions, and the review lock.
type Drafts struct {
	service *review.Service
	locks   *review.LockManager
	drafts  postgres.DraftRepository
	authz   auth.Authorizer
	logger  *slog.Logger
}

// NewDrafts creates the draft handler.
func NewDrafts(
	service *review.Service,
	locks *review.LockManager,
	drafts postgres.DraftRepository,
	authz auth.Authorizer,
	logger *slog.Logger,
) *Drafts {
	return &Drafts{service: service, locks: locks, drafts: drafts, authz: authz, logger: logger}
}

// DraftResponse is the wire shape of a draft.
type DraftResponse struct {
	ID                 string          `json:"id"`
	CaseID             string          `json:"case_id"`
	Type               string          `json:"type"`
	Title              string          `json:"title"`
	Content            string          `json:"content"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	Status             string          `json:"status"`
	TaskID             string          `json:"task_id,omitempty"`
	ParentDraftID      string          `json:"parent_draft_id,omitempty"`
	RevisionCount      int             `json:"revision_count"`
	Feedback           string          `json:"feedback,omitempty"`
	FeedbackCategories []string        `json:"feedback_categories,omitempty"`
	ReviewedBy         string          `json:"reviewed_by,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// GetDraft handles GET /api/v1/drafts/{id}.
func (h *Drafts) GetDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	draft, err := h.service.Get(ctx, id, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to retrieve draft")
		return
	}
	writeJSON(w, http.StatusOK, draftResponse(draft))
}

// ListCaseDrafts handles GET /api/v1/cases/{caseID}/drafts.
func (h *Drafts) ListCaseDrafts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID := chi.URLParam(r, "caseID")

	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	allowed, err := h.authz.CanAccessCase(ctx, id, caseID)
	if err != nil {
		h.logger.Error("case access check failed", slog.String("case_id", caseID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list drafts")
		return
	}
	if !allowed {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}

	drafts, err := h.drafts.ListByCase(ctx, caseID, queryLimit(r, 50))
	if err != nil {
		h.logger.Error("failed to list drafts", slog.String("case_id", caseID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list drafts")
		return
	}

	resp := make([]DraftResponse, 0, len(drafts))
	for _, d := range drafts {
		resp = append(resp, draftResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"drafts": resp})
}

// AcceptDraft handles POST /api/v1/drafts/{id}/accept.
func (h *Drafts) AcceptDraft(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.accept_draft")
	defer span.End()

	draftID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("draft.id", draftID))

	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	res, err := h.service.Accept(ctx, id, draftID)
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to accept draft")
		return
	}
	writeJSON(w, http.StatusOK, draftResponse(res.Draft))
}

// RejectDraftRequest is the JSON body for POST /drafts/{id}/reject.
type RejectDraftRequest struct {
	Feedback         string   `json:"feedback"`
	Categories       []string `json:"categories,omitempty"`
	SuppressRevision bool     `json:"suppress_revision,omitempty"`
}

// RejectDraftResponse is the 200 response body for a rejection.
type RejectDraftResponse struct {
	Draft                 DraftResponse `json:"draft"`
	AutoReviseTriggered   bool          `json:"auto_revise_triggered"`
	RevisionTaskID        string        `json:"revision_task_id,omitempty"`
	RevisionCapReached    bool          `json:"revision_cap_reached,omitempty"`
	RevisionEnqueueFailed bool          `json:"revision_enqueue_failed,omitempty"`
}

// RejectDraft handles POST /api/v1/drafts/{id}/reject.
func (h *Drafts) RejectDraft(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.reject_draft")
	defer span.End()

	draftID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("draft.id", draftID))

	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req RejectDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.service.Reject(ctx, id, draftID, review.RejectRequest{
		Categories:       req.Categories,
		Feedback:         req.Feedback,
		SuppressRevision: req.SuppressRevision,
	})
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to reject draft")
		return
	}

	writeJSON(w, http.StatusOK, RejectDraftResponse{
		Draft:                 draftResponse(res.Draft),
		AutoReviseTriggered:   res.AutoReviseTriggered,
		RevisionTaskID:        res.RevisionTaskID,
		RevisionCapReached:    res.RevisionCapReached,
		RevisionEnqueueFailed: res.RevisionEnqueueFailed,
	})
}

// EditDraftRequest is the JSON body for POST /drafts/{id}/edit. Absent
// fields leave the draft untouched.
type EditDraftRequest struct {
	Title    *string         `json:"title,omitempty"`
	Content  *string         `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// EditDraft handles POST /api/v1/drafts/{id}/edit.
func (h *Drafts) EditDraft(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.edit_draft")
	defer span.End()

	draftID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("draft.id", draftID))

	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req EditDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == nil && req.Content == nil && len(req.Metadata) == 0 {
		writeError(w, http.StatusBadRequest, "at least one field must be set")
		return
	}

	draft, err := h.service.Edit(ctx, id, draftID, review.EditRequest{
		Title:    req.Title,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to edit draft")
		return
	}
	writeJSON(w, http.StatusOK, draftResponse(draft))
}

// LockResponse is the body for lock acquire and release.
type LockResponse struct {
	DraftID  string `json:"draft_id"`
	Locked   bool   `json:"locked"`
	Degraded bool   `json:"degraded,omitempty"`
}

// LockDraft handles POST /api/v1/drafts/{id}/lock.
func (h *Drafts) LockDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	draftID := chi.URLParam(r, "id")

	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	res, err := h.locks.Acquire(ctx, id, draftID)
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to acquire review lock")
		return
	}
	if !res.Granted {
		writeJSON(w, http.StatusLocked, map[string]string{
			"error":       "draft is being reviewed",
			"holder_id":   res.HolderID,
			"holder_name": res.HolderName,
		})
		return
	}
	writeJSON(w, http.StatusOK, LockResponse{DraftID: draftID, Locked: true, Degraded: res.Degraded})
}

// UnlockDraft handles DELETE /api/v1/drafts/{id}/lock.
func (h *Drafts) UnlockDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	draftID := chi.URLParam(r, "id")

	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	res, err := h.locks.Release(ctx, id, draftID)
	if err != nil {
		writeDomainError(w, h.logger, err, "failed to release review lock")
		return
	}
	writeJSON(w, http.StatusOK, LockResponse{DraftID: draftID, Locked: !res.Released && !res.Degraded, Degraded: res.Degraded})
}

func draftResponse(d *domain.Draft) DraftResponse {
	return DraftResponse{
		ID:                 d.ID,
		CaseID:             d.CaseID,
		Type:               string(d.Type),
		Title:              d.Title,
		Content:            d.Content,
		Metadata:           d.Metadata,
		Status:             string(d.Status),
		TaskID:             d.TaskID,
		ParentDraftID:      d.ParentDraftID,
		RevisionCount:      d.RevisionCount,
		Feedback:           d.Feedback,
		FeedbackCategories: d.FeedbackCategories,
		ReviewedBy:         d.ReviewedBy,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}
