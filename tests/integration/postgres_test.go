//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/postgres"
)

// newPool connects to the test Postgres container and truncates all tables
// on cleanup so tests don't interfere with each other.
func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE drafts, agent_tasks, case_access, case_memory CASCADE") //nolint:errcheck
		pool.Close()
	})
	return pool
}

func makeTask(caseID string) *domain.Task {
	return &domain.Task{
		ID:          uuid.New().String(),
		CaseID:      caseID,
		UserID:      "user-1",
		UserRole:    "lawyer",
		UserName:    "Dr. Weber",
		Instruction: "Bitte die Fristen in dieser Akte prüfen.",
		Status:      domain.StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
}

func makeDraft(caseID, taskID string) *domain.Draft {
	now := time.Now().UTC()
	return &domain.Draft{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		CreatedBy: "system",
		Type:      domain.DraftTypeDocument,
		Title:     "Mandantenschreiben",
		Content:   "Sehr geehrte Frau Mustermann, ...",
		Status:    domain.DraftPending,
		TaskID:    taskID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ── tasks ────────────────────────────────────────────────────────────────────

func TestPostgres_Tasks_CreateGetByID(t *testing.T) {
	repo := postgres.NewTaskRepository(newPool(t))
	ctx := context.Background()

	task := makeTask("case-1")
	require.NoError(t, repo.Create(ctx, task))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "case-1", got.CaseID)
	assert.Equal(t, domain.StatusQueued, got.Status)
}

func TestPostgres_Tasks_GetByID_NotFound(t *testing.T) {
	repo := postgres.NewTaskRepository(newPool(t))

	_, err := repo.GetByID(context.Background(), uuid.New().String())
	require.Error(t, err)

	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPostgres_Tasks_MarkRunning_QueuedGuard(t *testing.T) {
	repo := postgres.NewTaskRepository(newPool(t))
	ctx := context.Background()

	task := makeTask("case-1")
	require.NoError(t, repo.Create(ctx, task))
	require.NoError(t, repo.MarkRunning(ctx, task.ID, time.Now().UTC()))

	// A second claim must conflict: the task already left QUEUED.
	err := repo.MarkRunning(ctx, task.ID, time.Now().UTC())
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, string(domain.StatusRunning), conflict.Current)
}

func TestPostgres_Tasks_Finish_TerminalIsImmutable(t *testing.T) {
	repo := postgres.NewTaskRepository(newPool(t))
	ctx := context.Background()

	task := makeTask("case-1")
	require.NoError(t, repo.Create(ctx, task))
	require.NoError(t, repo.MarkRunning(ctx, task.ID, time.Now().UTC()))

	steps := []domain.Step{{Number: 1, Max: 10, Tool: "create_draft", Summary: "Entwurf angelegt"}}
	require.NoError(t, repo.Finish(ctx, task.ID, domain.StatusDone, steps, "Erledigt.", "", time.Now().UTC()))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.NotNil(t, got.CompletedAt)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "create_draft", got.Steps[0].Tool)

	// A competing terminal write must not overwrite DONE.
	err = repo.Finish(ctx, task.ID, domain.StatusFailed, nil, "", "zu spät", time.Now().UTC())
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	got, err = repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
}

func TestPostgres_Tasks_ListByCase(t *testing.T) {
	repo := postgres.NewTaskRepository(newPool(t))
	ctx := context.Background()

	for range 3 {
		require.NoError(t, repo.Create(ctx, makeTask("case-list")))
	}
	require.NoError(t, repo.Create(ctx, makeTask("case-other")))

	tasks, err := repo.ListByCase(ctx, "case-list", 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestPostgres_Tasks_ListRunningSince(t *testing.T) {
	repo := postgres.NewTaskRepository(newPool(t))
	ctx := context.Background()

	stale := makeTask("case-1")
	require.NoError(t, repo.Create(ctx, stale))
	require.NoError(t, repo.MarkRunning(ctx, stale.ID, time.Now().UTC().Add(-10*time.Minute)))

	fresh := makeTask("case-1")
	require.NoError(t, repo.Create(ctx, fresh))
	require.NoError(t, repo.MarkRunning(ctx, fresh.ID, time.Now().UTC()))

	orphans, err := repo.ListRunningSince(ctx, time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, stale.ID, orphans[0].ID)
}

// ── drafts ───────────────────────────────────────────────────────────────────

func TestPostgres_Drafts_CreateResolve(t *testing.T) {
	pool := newPool(t)
	tasks := postgres.NewTaskRepository(pool)
	drafts := postgres.NewDraftRepository(pool)
	ctx := context.Background()

	task := makeTask("case-1")
	require.NoError(t, tasks.Create(ctx, task))

	draft := makeDraft("case-1", task.ID)
	require.NoError(t, drafts.Create(ctx, draft))

	require.NoError(t, drafts.Resolve(ctx, draft.ID, domain.DraftRejected, "user-1", "Zu förmlich.", []string{"tone"}))

	got, err := drafts.GetByID(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DraftRejected, got.Status)
	assert.Equal(t, "user-1", got.ReviewedBy)
	assert.Equal(t, "Zu förmlich.", got.Feedback)
	assert.Equal(t, []string{"tone"}, got.FeedbackCategories)

	// Resolving twice must conflict, not overwrite.
	err = drafts.Resolve(ctx, draft.ID, domain.DraftAccepted, "user-2", "", nil)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestPostgres_Drafts_RevisionCapEnforcedBySchema(t *testing.T) {
	pool := newPool(t)
	tasks := postgres.NewTaskRepository(pool)
	drafts := postgres.NewDraftRepository(pool)
	ctx := context.Background()

	task := makeTask("case-1")
	require.NoError(t, tasks.Create(ctx, task))

	overCap := makeDraft("case-1", task.ID)
	overCap.RevisionCount = domain.MaxRevisions + 1
	require.Error(t, drafts.Create(ctx, overCap), "CHECK constraint must reject revision_count > cap")
}

func TestPostgres_Drafts_ApplyEdit(t *testing.T) {
	pool := newPool(t)
	tasks := postgres.NewTaskRepository(pool)
	drafts := postgres.NewDraftRepository(pool)
	ctx := context.Background()

	task := makeTask("case-1")
	require.NoError(t, tasks.Create(ctx, task))
	draft := makeDraft("case-1", task.ID)
	require.NoError(t, drafts.Create(ctx, draft))

	newContent := "Sehr geehrte Frau Mustermann, anbei die korrigierte Fassung."
	require.NoError(t, drafts.ApplyEdit(ctx, draft.ID, postgres.DraftEdit{Content: &newContent}))

	got, err := drafts.GetByID(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, newContent, got.Content)
	assert.Equal(t, draft.Title, got.Title, "unset fields stay untouched")
}

// ── cases ────────────────────────────────────────────────────────────────────

func TestPostgres_Cases_AccessAndMemory(t *testing.T) {
	pool := newPool(t)
	cases := postgres.NewCaseRepository(pool)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO case_access (case_id, user_id) VALUES ('case-1', 'user-1')`)
	require.NoError(t, err)

	ok, err := cases.HasAccess(ctx, "user-1", "case-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cases.HasAccess(ctx, "user-2", "case-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Memory starts empty, upserts, and overwrites.
	mem, err := cases.Memory(ctx, "case-1")
	require.NoError(t, err)
	assert.Empty(t, mem)

	require.NoError(t, cases.SaveMemory(ctx, "case-1", "Mandantin bevorzugt Kommunikation per E-Mail."))
	require.NoError(t, cases.SaveMemory(ctx, "case-1", "Gegenseite hat Vergleich angeboten."))

	mem, err = cases.Memory(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, "Gegenseite hat Vergleich angeboten.", mem)
}
