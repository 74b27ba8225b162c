// Package review implements the draft review state machine and the review
// lock manager. Drafts are produced by agent tasks and resolved exactly
// once by a human reviewer; a rejection may close the loop by enqueuing an
// automatic revision task.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/auth"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/kafka"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/postgres"
	redisstore "github.com/PBaumfalk/AI-Lawyer-sub005/internal/redis"
	"github.com/PBaumfalk/AI-Lawyer-sub005/pkg/retry"
	"github.com/PBaumfalk/AI-Lawyer-sub005/pkg/telemetry"
)

// revisionMarker prefixes the instruction of every auto-revision task so
// users and the agent can tell a revision from a fresh submission.
const revisionMarker = "[auto-revision %d/%d]"

// Service is the draft review state machine.
type Service struct {
	drafts   postgres.DraftRepository
	tasks    postgres.TaskRepository
	producer kafka.Producer
	bus      redisstore.EventBus
	authz    auth.Authorizer
	handlers *HandlerTable
	logger   *slog.Logger
}

// NewService constructs the review service.
func NewService(
	drafts postgres.DraftRepository,
	tasks postgres.TaskRepository,
	producer kafka.Producer,
	bus redisstore.EventBus,
	authz auth.Authorizer,
	handlers *HandlerTable,
	logger *slog.Logger,
) *Service {
	return &Service{
		drafts:   drafts,
		tasks:    tasks,
		producer: producer,
		bus:      bus,
		authz:    authz,
		handlers: handlers,
		logger:   logger,
	}
}

// AcceptResult is returned by Accept.
type AcceptResult struct {
	Draft *domain.Draft
}

// RejectRequest carries reviewer feedback for Reject.
type RejectRequest struct {
	Categories       []string
	Feedback         string
	SuppressRevision bool
}

// RejectResult is returned by Reject. A failed revision enqueue does not
// fail the rejection; it is surfaced through RevisionEnqueueFailed.
type RejectResult struct {
	Draft                 *domain.Draft
	AutoReviseTriggered   bool
	RevisionCapReached    bool
	RevisionEnqueueFailed bool
	RevisionTaskID        string
}

// EditRequest carries partial field updates for Edit. Nil pointers leave a
// field untouched.
type EditRequest struct {
	Title    *string
	Content  *string
	Metadata json.RawMessage
}

// Accept transitions a PENDING draft to ACCEPTED and runs the type's
// materialization handler. Accepting a resolved draft is a conflict.
func (s *Service) Accept(ctx context.Context, id auth.Identity, draftID string) (*AcceptResult, error) {
	draft, err := s.authorize(ctx, id, draftID, "accept drafts")
	if err != nil {
		return nil, err
	}
	if draft.Status != domain.DraftPending {
		return nil, statusConflict(draft)
	}

	// Materialize before the terminal write: the handler is idempotent, so
	// a crash between the two steps re-runs it harmlessly on retry, while
	// the reverse order could accept a draft whose side effect never ran.
	if err := s.handlers.Materialize(ctx, draft); err != nil {
		telemetry.ReviewActionsTotal.WithLabelValues("accept", "error").Inc()
		return nil, fmt.Errorf("materialize draft %s (%s): %w", draft.ID, draft.Type, err)
	}

	if err := s.drafts.Resolve(ctx, draftID, domain.DraftAccepted, id.UserID, "", nil); err != nil {
		telemetry.ReviewActionsTotal.WithLabelValues("accept", "conflict").Inc()
		return nil, err
	}

	telemetry.ReviewActionsTotal.WithLabelValues("accept", "ok").Inc()
	s.logger.Info("draft accepted",
		slog.String("draft_id", draftID),
		slog.String("draft_type", string(draft.Type)),
		slog.String("reviewer_id", id.UserID),
	)

	draft.Status = domain.DraftAccepted
	draft.ReviewedBy = id.UserID
	return &AcceptResult{Draft: draft}, nil
}

// Reject transitions a PENDING draft to REJECTED. Unless suppressed, a
// revision task carrying the feedback is enqueued while the revision budget
// lasts. The rejection is durable even when the enqueue fails.
func (s *Service) Reject(ctx context.Context, id auth.Identity, draftID string, req RejectRequest) (*RejectResult, error) {
	draft, err := s.authorize(ctx, id, draftID, "reject drafts")
	if err != nil {
		return nil, err
	}
	if draft.Status != domain.DraftPending {
		return nil, statusConflict(draft)
	}

	if err := s.drafts.Resolve(ctx, draftID, domain.DraftRejected, id.UserID, req.Feedback, req.Categories); err != nil {
		telemetry.ReviewActionsTotal.WithLabelValues("reject", "conflict").Inc()
		return nil, err
	}
	telemetry.ReviewActionsTotal.WithLabelValues("reject", "ok").Inc()

	draft.Status = domain.DraftRejected
	draft.ReviewedBy = id.UserID
	draft.Feedback = req.Feedback
	draft.FeedbackCategories = req.Categories

	result := &RejectResult{
		Draft:              draft,
		RevisionCapReached: !draft.CanAutoRevise(),
	}
	if result.RevisionCapReached {
		telemetry.ReviewRevisionCapReached.Inc()
	}

	if req.SuppressRevision || result.RevisionCapReached {
		s.logger.Info("draft rejected, no auto-revision",
			slog.String("draft_id", draftID),
			slog.Bool("suppressed", req.SuppressRevision),
			slog.Bool("cap_reached", result.RevisionCapReached),
		)
		return result, nil
	}

	taskID, err := s.enqueueRevision(ctx, id, draft, req)
	if err != nil {
		// Non-fatal: the rejection already happened. Surface the failed
		// enqueue so the UI can tell the user no revision is coming.
		result.RevisionEnqueueFailed = true
		s.logger.Error("failed to enqueue revision task",
			slog.String("draft_id", draftID),
			slog.String("error", err.Error()),
		)
		return result, nil
	}

	result.AutoReviseTriggered = true
	result.RevisionTaskID = taskID
	telemetry.ReviewRevisionsEnqueued.Inc()
	s.logger.Info("auto-revision enqueued",
		slog.String("draft_id", draftID),
		slog.String("task_id", taskID),
		slog.Int("revision", draft.RevisionCount+1),
	)
	return result, nil
}

// Edit applies partial field updates to a PENDING draft and resolves it as
// EDITED. The edit history in the metadata is append-only.
func (s *Service) Edit(ctx context.Context, id auth.Identity, draftID string, req EditRequest) (*domain.Draft, error) {
	draft, err := s.authorize(ctx, id, draftID, "edit drafts")
	if err != nil {
		return nil, err
	}
	if draft.Status != domain.DraftPending {
		return nil, statusConflict(draft)
	}

	metadata, err := appendEditHistory(draft.Metadata, req, id)
	if err != nil {
		return nil, fmt.Errorf("append edit history for draft %s: %w", draftID, err)
	}

	if err := s.drafts.ApplyEdit(ctx, draftID, postgres.DraftEdit{
		Title:    req.Title,
		Content:  req.Content,
		Metadata: metadata,
	}); err != nil {
		telemetry.ReviewActionsTotal.WithLabelValues("edit", "error").Inc()
		return nil, err
	}
	if err := s.drafts.Resolve(ctx, draftID, domain.DraftEdited, id.UserID, "", nil); err != nil {
		telemetry.ReviewActionsTotal.WithLabelValues("edit", "conflict").Inc()
		return nil, err
	}

	telemetry.ReviewActionsTotal.WithLabelValues("edit", "ok").Inc()
	s.logger.Info("draft edited",
		slog.String("draft_id", draftID),
		slog.String("reviewer_id", id.UserID),
	)
	return s.drafts.GetByID(ctx, draftID)
}

// Get loads a draft for a caller with case access. Reviewer capability is
// not required to read.
func (s *Service) Get(ctx context.Context, id auth.Identity, draftID string) (*domain.Draft, error) {
	draft, err := s.drafts.GetByID(ctx, draftID)
	if err != nil {
		return nil, err
	}
	ok, err := s.authz.CanAccessCase(ctx, id, draft.CaseID)
	if err != nil {
		return nil, fmt.Errorf("case access check: %w", err)
	}
	if !ok {
		// Indistinguishable from a missing draft so case existence never
		// leaks across access boundaries.
		return nil, &domain.NotFoundError{Kind: "draft", ID: draftID}
	}
	return draft, nil
}

// authorize runs the reviewer-capability and case-access checks and loads
// the draft.
func (s *Service) authorize(ctx context.Context, id auth.Identity, draftID, action string) (*domain.Draft, error) {
	if !id.IsReviewer() {
		return nil, &domain.ForbiddenError{UserID: id.UserID, Action: action}
	}
	return s.Get(ctx, id, draftID)
}

// enqueueRevision creates and publishes the follow-up task for a rejected
// draft. The new job carries the rejected draft's ID so the draft the agent
// produces next links back through parentDraftId.
func (s *Service) enqueueRevision(ctx context.Context, id auth.Identity, draft *domain.Draft, req RejectRequest) (string, error) {
	instruction, err := s.revisionInstruction(ctx, draft, req)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:            uuid.New().String(),
		CaseID:        draft.CaseID,
		UserID:        id.UserID,
		UserRole:      id.Role,
		UserName:      id.Name,
		Instruction:   instruction,
		Status:        domain.StatusQueued,
		ParentDraftID: draft.ID,
		CreatedAt:     now,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return "", err
	}

	payload, err := json.Marshal(domain.TaskJob{
		TaskID:        task.ID,
		CaseID:        task.CaseID,
		UserID:        task.UserID,
		UserRole:      task.UserRole,
		UserName:      task.UserName,
		Instruction:   task.Instruction,
		ParentDraftID: draft.ID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal revision job: %w", err)
	}

	err = retry.Do(ctx, retry.Config{MaxAttempts: 2, BaseDelay: 200 * time.Millisecond}, func() error {
		return s.producer.Publish(ctx, kafka.TopicPending, task.ID, payload)
	})
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// revisionInstruction builds the follow-up instruction: marker, original
// instruction, then a summary of the rejection feedback.
func (s *Service) revisionInstruction(ctx context.Context, draft *domain.Draft, req RejectRequest) (string, error) {
	original := fmt.Sprintf("Überarbeite den Entwurf %q.", draft.Title)
	if draft.TaskID != "" {
		task, err := s.tasks.GetByID(ctx, draft.TaskID)
		if err != nil {
			return "", fmt.Errorf("load originating task: %w", err)
		}
		original = task.Instruction
	}

	marker := fmt.Sprintf(revisionMarker, draft.RevisionCount+1, domain.MaxRevisions)
	instruction := marker + " " + original
	if len(req.Categories) > 0 {
		instruction += "\n\nBeanstandungen: " + strings.Join(req.Categories, ", ")
	}
	if req.Feedback != "" {
		instruction += "\n\nFeedback der Prüfung:\n" + req.Feedback
	}
	return instruction, nil
}

func statusConflict(draft *domain.Draft) error {
	return &domain.ConflictError{
		Kind: "draft", ID: draft.ID,
		Current:  string(draft.Status),
		Required: string(domain.DraftPending),
	}
}

// editHistoryEntry is one append-only record in the draft metadata.
type editHistoryEntry struct {
	Editor string    `json:"editor"`
	At     time.Time `json:"at"`
	Fields []string  `json:"fields"`
}

// appendEditHistory merges the edit into existing metadata, appending to
// the editHistory array instead of replacing it.
func appendEditHistory(existing json.RawMessage, req EditRequest, id auth.Identity) ([]byte, error) {
	meta := map[string]json.RawMessage{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(req.Metadata) > 0 {
		var patch map[string]json.RawMessage
		if err := json.Unmarshal(req.Metadata, &patch); err != nil {
			return nil, fmt.Errorf("unmarshal metadata patch: %w", err)
		}
		for k, v := range patch {
			if k == "editHistory" {
				continue // history is never overwritten by a patch
			}
			meta[k] = v
		}
	}

	var history []editHistoryEntry
	if raw, ok := meta["editHistory"]; ok {
		if err := json.Unmarshal(raw, &history); err != nil {
			return nil, fmt.Errorf("unmarshal edit history: %w", err)
		}
	}
	entry := editHistoryEntry{Editor: id.UserID, At: time.Now().UTC()}
	if req.Title != nil {
		entry.Fields = append(entry.Fields, "title")
	}
	if req.Content != nil {
		entry.Fields = append(entry.Fields, "content")
	}
	if len(req.Metadata) > 0 {
		entry.Fields = append(entry.Fields, "metadata")
	}
	history = append(history, entry)

	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}
	meta["editHistory"] = historyJSON
	return json.Marshal(meta)
}
