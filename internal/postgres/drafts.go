package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
)

// DraftEdit carries partial field updates for a draft. Nil pointers leave
// the field untouched.
type DraftEdit struct {
	Title    *string
	Content  *string
	Metadata []byte
}

// DraftRepository abstracts all database access for drafts.
type DraftRepository interface {
	Create(ctx context.Context, draft *domain.Draft) error
	GetByID(ctx context.Context, id string) (*domain.Draft, error)
	ListByCase(ctx context.Context, caseID string, limit int) ([]*domain.Draft, error)
	// Resolve transitions a PENDING draft to a terminal review status and
	// records the reviewer and any feedback. The status guard makes repeat
	// resolution a conflict, not an overwrite.
	Resolve(ctx context.Context, id string, status domain.DraftStatus, reviewerID, feedback string, categories []string) error
	// ApplyEdit writes partial field updates without resolving the draft.
	ApplyEdit(ctx context.Context, id string, edit DraftEdit) error
}

type draftRepository struct {
	pool *pgxpool.Pool
}

// NewDraftRepository wraps a pgxpool with the DraftRepository interface.
func NewDraftRepository(pool *pgxpool.Pool) DraftRepository {
	return &draftRepository{pool: pool}
}

func (r *draftRepository) Create(ctx context.Context, draft *domain.Draft) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO drafts
			(id, case_id, created_by, type, title, content, metadata, status,
			 task_id, parent_draft_id, revision_count, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		draft.ID, draft.CaseID, draft.CreatedBy, string(draft.Type),
		draft.Title, draft.Content, draft.Metadata, string(draft.Status),
		nullable(draft.TaskID), nullable(draft.ParentDraftID),
		draft.RevisionCount, draft.CreatedAt, draft.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create draft %s: %w", draft.ID, err)
	}
	return nil
}

func (r *draftRepository) GetByID(ctx context.Context, id string) (*domain.Draft, error) {
	row := r.pool.QueryRow(ctx, draftSelect+` WHERE id = $1`, id)
	draft, err := scanDraft(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "draft", ID: id}
		}
		return nil, err
	}
	return draft, nil
}

func (r *draftRepository) ListByCase(ctx context.Context, caseID string, limit int) ([]*domain.Draft, error) {
	rows, err := r.pool.Query(ctx, draftSelect+`
		WHERE case_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("list drafts for case %s: %w", caseID, err)
	}
	defer rows.Close()

	var drafts []*domain.Draft
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, draft)
	}
	return drafts, rows.Err()
}

func (r *draftRepository) Resolve(ctx context.Context, id string, status domain.DraftStatus, reviewerID, feedback string, categories []string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE drafts
		SET status = $1, reviewed_by = $2, feedback = $3,
		    feedback_categories = $4, updated_at = $5
		WHERE id = $6 AND status = $7
	`,
		string(status), reviewerID, feedback, categories, time.Now().UTC(),
		id, string(domain.DraftPending),
	)
	if err != nil {
		return fmt.Errorf("resolve draft %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		draft, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return &domain.ConflictError{
			Kind: "draft", ID: id,
			Current:  string(draft.Status),
			Required: string(domain.DraftPending),
		}
	}
	return nil
}

func (r *draftRepository) ApplyEdit(ctx context.Context, id string, edit DraftEdit) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE drafts
		SET title    = COALESCE($1, title),
		    content  = COALESCE($2, content),
		    metadata = COALESCE($3, metadata),
		    updated_at = $4
		WHERE id = $5
	`, edit.Title, edit.Content, edit.Metadata, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("edit draft %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Kind: "draft", ID: id}
	}
	return nil
}

const draftSelect = `
	SELECT id, case_id, created_by, type, title, content, metadata, status,
	       task_id, parent_draft_id, revision_count, feedback,
	       feedback_categories, reviewed_by, created_at, updated_at
	FROM drafts`

func scanDraft(row interface {
	Scan(...any) error
}) (*domain.Draft, error) {
	var (
		draft         domain.Draft
		typeStr       string
		statusStr     string
		taskID        *string
		parentDraftID *string
		feedback      *string
		reviewedBy    *string
	)
	err := row.Scan(
		&draft.ID, &draft.CaseID, &draft.CreatedBy, &typeStr,
		&draft.Title, &draft.Content, &draft.Metadata, &statusStr,
		&taskID, &parentDraftID, &draft.RevisionCount, &feedback,
		&draft.FeedbackCategories, &reviewedBy, &draft.CreatedAt, &draft.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan draft: %w", err)
	}
	draft.Type = domain.DraftType(typeStr)
	draft.Status = domain.DraftStatus(statusStr)
	if taskID != nil {
		draft.TaskID = *taskID
	}
	if parentDraftID != nil {
		draft.ParentDraftID = *parentDraftID
	}
	if feedback != nil {
		draft.Feedback = *feedback
	}
	if reviewedBy != nil {
		draft.ReviewedBy = *reviewedBy
	}
	return &draft, nil
}
