package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
)

// TaskRepository abstracts all database access for agent tasks.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	ListByCase(ctx context.Context, caseID string, limit int) ([]*domain.Task, error)
	ListRunningSince(ctx context.Context, before time.Time) ([]*domain.Task, error)
	// SetQueued confirms routing. No-op when the task already left QUEUED.
	SetQueued(ctx context.Context, id string) error
	// MarkRunning transitions QUEUED → RUNNING and records the start time.
	// Returns a ConflictError when the task is not in QUEUED.
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error
	// Finish writes the terminal status with trace and result. The guard on
	// non-terminal rows makes terminal states immutable: a second Finish is
	// a conflict, never an overwrite.
	Finish(ctx context.Context, id string, status domain.Status, steps []domain.Step, result, errMsg string, completedAt time.Time) error
}

type taskRepository struct {
	pool *pgxpool.Pool
}

// NewTaskRepository wraps a pgxpool with the TaskRepository interface.
func NewTaskRepository(pool *pgxpool.Pool) TaskRepository {
	return &taskRepository{pool: pool}
}

func (r *taskRepository) Create(ctx context.Context, task *domain.Task) error {
	steps, err := json.Marshal(task.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO agent_tasks
			(id, case_id, user_id, user_role, user_name, instruction, priority,
			 status, steps, result, error, parent_draft_id, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		task.ID, task.CaseID, task.UserID, task.UserRole, task.UserName,
		task.Instruction, task.Priority, string(task.Status), steps,
		task.Result, task.Error, nullable(task.ParentDraftID), task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, taskSelect+` WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "task", ID: id}
		}
		return nil, err
	}
	return task, nil
}

func (r *taskRepository) ListByCase(ctx context.Context, caseID string, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, taskSelect+`
		WHERE case_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks for case %s: %w", caseID, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r *taskRepository) ListRunningSince(ctx context.Context, before time.Time) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, taskSelect+`
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC
	`, string(domain.StatusRunning), before)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r *taskRepository) SetQueued(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE agent_tasks SET status = $1 WHERE id = $2 AND status = $1
	`, string(domain.StatusQueued), id)
	if err != nil {
		return fmt.Errorf("set queued for task %s: %w", id, err)
	}
	return nil
}

func (r *taskRepository) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agent_tasks
		SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4
	`, string(domain.StatusRunning), startedAt, id, string(domain.StatusQueued))
	if err != nil {
		return fmt.Errorf("mark running for task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.stateConflict(ctx, id, string(domain.StatusQueued))
	}
	return nil
}

func (r *taskRepository) Finish(ctx context.Context, id string, status domain.Status, steps []domain.Step, result, errMsg string, completedAt time.Time) error {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE agent_tasks
		SET status = $1, steps = $2, result = $3, error = $4, completed_at = $5
		WHERE id = $6 AND status NOT IN ($7, $8, $9)
	`,
		string(status), stepsJSON, result, errMsg, completedAt, id,
		string(domain.StatusDone), string(domain.StatusFailed), string(domain.StatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.stateConflict(ctx, id, "non-terminal")
	}
	return nil
}

// stateConflict turns a zero-rows-affected guard miss into a ConflictError
// carrying the actual current status.
func (r *taskRepository) stateConflict(ctx context.Context, id, required string) error {
	task, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return &domain.ConflictError{Kind: "task", ID: id, Current: string(task.Status), Required: required}
}

const taskSelect = `
	SELECT id, case_id, user_id, user_role, user_name, instruction, priority,
	       status, steps, result, error, parent_draft_id,
	       created_at, started_at, completed_at
	FROM agent_tasks`

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task          domain.Task
		statusStr     string
		stepsJSON     []byte
		parentDraftID *string
	)
	err := row.Scan(
		&task.ID, &task.CaseID, &task.UserID, &task.UserRole, &task.UserName,
		&task.Instruction, &task.Priority, &statusStr, &stepsJSON,
		&task.Result, &task.Error, &parentDraftID,
		&task.CreatedAt, &task.StartedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(statusStr)
	if parentDraftID != nil {
		task.ParentDraftID = *parentDraftID
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &task.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// nullable maps "" to NULL for optional foreign keys.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
