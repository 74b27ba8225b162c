package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CaseRepository serves the case-scoped lookups this subsystem needs:
// access grants for the Authorizer and long-term memory for agent runs.
type CaseRepository interface {
	// HasAccess reports whether userID holds a grant on caseID.
	HasAccess(ctx context.Context, userID, caseID string) (bool, error)
	// Memory returns the case's persisted long-term memory, or "" when none
	// exists.
	Memory(ctx context.Context, caseID string) (string, error)
	// SaveMemory upserts the case's long-term memory.
	SaveMemory(ctx context.Context, caseID, content string) error
}

type caseRepository struct {
	pool *pgxpool.Pool
}

// NewCaseRepository wraps a pgxpool with the CaseRepository interface.
func NewCaseRepository(pool *pgxpool.Pool) CaseRepository {
	return &caseRepository{pool: pool}
}

func (r *caseRepository) HasAccess(ctx context.Context, userID, caseID string) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx, `
		SELECT 1 FROM case_access WHERE case_id = $1 AND user_id = $2
	`, caseID, userID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("case access for %s/%s: %w", caseID, userID, err)
	}
	return true, nil
}

func (r *caseRepository) Memory(ctx context.Context, caseID string) (string, error) {
	var content string
	err := r.pool.QueryRow(ctx, `
		SELECT content FROM case_memory WHERE case_id = $1
	`, caseID).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("case memory for %s: %w", caseID, err)
	}
	return content, nil
}

func (r *caseRepository) SaveMemory(ctx context.Context, caseID, content string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO case_memory (case_id, content, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (case_id) DO UPDATE
		SET content = EXCLUDED.content, updated_at = now()
	`, caseID, content)
	if err != nil {
		return fmt.Errorf("save case memory for %s: %w", caseID, err)
	}
	return nil
}
