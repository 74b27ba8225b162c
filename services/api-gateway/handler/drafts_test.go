package handler_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/auth"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/postgres"
	redisstore "github.com/PBaumfalk/AI-Lawyer-sub005/internal/redis"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/review"
	"github.com/PBaumfalk/AI-Lawyer-sub005/services/api-gateway/handler"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeDraftRepo struct {
	drafts map[string]*domain.Draft
}

func newFakeDraftRepo(drafts ...*domain.Draft) *fakeDraftRepo {
	r := &fakeDraftRepo{drafts: make(map[string]*domain.Draft)}
	for _, d := range drafts {
		cp := *d
		r.drafts[d.ID] = &cp
	}
	return r
}

func (r *fakeDraftRepo) Create(_ context.Context, draft *domain.Draft) error {
	cp := *draft
	r.drafts[draft.ID] = &cp
	return nil
}

func (r *fakeDraftRepo) GetByID(_ context.Context, id string) (*domain.Draft, error) {
	draft, ok := r.drafts[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "draft", ID: id}
	}
	cp := *draft
	return &cp, nil
}

func (r *fakeDraftRepo) ListByCase(_ context.Context, caseID string, _ int) ([]*domain.Draft, error) {
	var out []*domain.Draft
	for _, d := range r.drafts {
		if d.CaseID == caseID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeDraftRepo) Resolve(_ context.Context, id string, status domain.DraftStatus, reviewerID, feedback string, categories []string) error {
	draft, ok := r.drafts[id]
	if !ok {
		return &domain.NotFoundError{Kind: "draft", ID: id}
	}
	if draft.Status != domain.DraftPending {
		return &domain.ConflictError{Kind: "draft", ID: id, Current: string(draft.Status), Required: string(domain.DraftPending)}
	}
	draft.Status = status
	draft.ReviewedBy = reviewerID
	draft.Feedback = feedback
	draft.FeedbackCategories = categories
	return nil
}

func (r *fakeDraftRepo) ApplyEdit(_ context.Context, id string, edit postgres.DraftEdit) error {
	draft, ok := r.drafts[id]
	if !ok {
		return &domain.NotFoundError{Kind: "draft", ID: id}
	}
	if edit.Title != nil {
		draft.Title = *edit.Title
	}
	if edit.Content != nil {
		draft.Content = *edit.Content
	}
	if len(edit.Metadata) > 0 {
		draft.Metadata = edit.Metadata
	}
	return nil
}

type fakeLockStore struct {
	holders map[string]redisstore.LockHolder
	err     error
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{holders: make(map[string]redisstore.LockHolder)}
}

func (s *fakeLockStore) Acquire(_ context.Context, draftID string, holder redisstore.LockHolder) (bool, *redisstore.LockHolder, error) {
	if s.err != nil {
		return false, nil, s.err
	}
	if current, ok := s.holders[draftID]; ok && current.UserID != holder.UserID {
		cp := current
		return false, &cp, nil
	}
	s.holders[draftID] = holder
	return true, nil, nil
}

func (s *fakeLockStore) Release(_ context.Context, draftID, userID string, force bool) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	current, ok := s.holders[draftID]
	if !ok {
		return true, nil
	}
	if current.UserID != userID && !force {
		return false, nil
	}
	delete(s.holders, draftID)
	return true, nil
}

func (s *fakeLockStore) Holder(_ context.Context, draftID string) (*redisstore.LockHolder, error) {
	if s.err != nil {
		return nil, s.err
	}
	if current, ok := s.holders[draftID]; ok {
		cp := current
		return &cp, nil
	}
	return nil, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

var assistant = auth.Identity{UserID: "user-2", Role: auth.RoleAssistant, Name: "T. Schmidt"}

type draftFixture struct {
	drafts    *fakeDraftRepo
	tasks     *fakeTaskRepo
	producer  *fakeProducer
	bus       *fakeBus
	authz     *fakeAuthorizer
	lockStore *fakeLockStore
	router    *chi.Mux
}

func newDraftFixture(t *testing.T, seed ...*domain.Draft) *draftFixture {
	t.Helper()
	f := &draftFixture{
		drafts:    newFakeDraftRepo(seed...),
		tasks:     newFakeTaskRepo(),
		producer:  &fakeProducer{},
		bus:       &fakeBus{},
		authz:     &fakeAuthorizer{denied: make(map[string]bool)},
		lockStore: newFakeLockStore(),
	}
	logger := discardLogger()
	svc := review.NewService(f.drafts, f.tasks, f.producer, f.bus, f.authz, review.NewHandlerTable(), logger)
	locks := review.NewLockManager(f.lockStore, f.drafts, f.authz, f.bus, logger)
	h := handler.NewDrafts(svc, locks, f.drafts, f.authz, logger)

	f.router = chi.NewRouter()
	f.router.Get("/api/v1/drafts/{id}", h.GetDraft)
	f.router.Post("/api/v1/drafts/{id}/accept", h.AcceptDraft)
	f.router.Post("/api/v1/drafts/{id}/reject", h.RejectDraft)
	f.router.Post("/api/v1/drafts/{id}/edit", h.EditDraft)
	f.router.Post("/api/v1/drafts/{id}/lock", h.LockDraft)
	f.router.Delete("/api/v1/drafts/{id}/lock", h.UnlockDraft)
	f.router.Get("/api/v1/cases/{caseID}/drafts", h.ListCaseDrafts)
	return f
}

func pendingDraft(id, caseID string) *domain.Draft {
	return &domain.Draft{
		ID:        id,
		CaseID:    caseID,
		CreatedBy: "agent",
		Type:      domain.DraftTypeDocument,
		Title:     "Mandantenschreiben",
		Content:   "Sehr geehrte Frau Mustermann, ...",
		Status:    domain.DraftPending,
		TaskID:    "task-1",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestGetDraft(t *testing.T) {
	f := newDraftFixture(t, pendingDraft("draft-1", "case-1"))

	rec := doJSON(t, f.router, lawyer, http.MethodGet, "/api/v1/drafts/draft-1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[handler.DraftResponse](t, rec)
	assert.Equal(t, "draft-1", resp.ID)
	assert.Equal(t, string(domain.DraftPending), resp.Status)
}

func TestGetDraft_DeniedCaseRendersNotFound(t *testing.T) {
	f := newDraftFixture(t, pendingDraft("draft-1", "case-secret"))
	f.authz.denied["case-secret"] = true

	rec := doJSON(t, f.router, lawyer, http.MethodGet, "/api/v1/drafts/draft-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcceptDraft(t *testing.T) {
	f := newDraftFixture(t, pendingDraft("draft-1", "case-1"))

	rec := doJSON(t, f.router, lawyer, http.MethodPost, "/api/v1/drafts/draft-1/accept", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[handler.DraftResponse](t, rec)
	assert.Equal(t, string(domain.DraftAccepted), resp.Status)
	assert.Equal(t, lawyer.UserID, resp.ReviewedBy)
}

func TestAcceptDraft_ResolvedConflicts(t *testing.T) {
	resolved := pendingDraft("draft-1", "case-1")
	resolved.Status = domain.DraftAccepted
	f := newDraftFixture(t, resolved)

	rec := doJSON(t, f.router, lawyer, http.MethodPost, "/api/v1/drafts/draft-1/accept", nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeBody[map[string]string](t, rec)
	assert.Equal(t, string(domain.DraftAccepted), resp["current_status"])
}

func TestAcceptDraft_NonReviewerForbidden(t *testing.T) {
	f := newDraftFixture(t, pendingDraft("draft-1", "case-1"))

	rec := doJSON(t, f.router, assistant, http.MethodPost, "/api/v1/drafts/draft-1/accept", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRejectDraft_EnqueuesRevision(t *testing.T) {
	f := newDraftFixture(t, pendingDraft("draft-1", "case-1"))
	require.NoError(t, f.tasks.Create(context.Background(), &domain.Task{ID: "task-1", Instruction: "Erstelle eine Klageerwiderung."}))

	rec := doJSON(t, f.router, lawyer, http.MethodPost, "/api/v1/drafts/draft-1/reject", map[string]any{
		"feedback":   "Der Ton ist zu förmlich.",
		"categories": []string{"tone"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[handler.RejectDraftResponse](t, rec)
	assert.Equal(t, string(domain.DraftRejected), resp.Draft.Status)
	assert.True(t, resp.AutoReviseTriggered)
	assert.NotEmpty(t, resp.RevisionTaskID)
	require.Len(t, f.producer.published, 1)
}

func TestRejectDraft_AtCapNoRevision(t *testing.T) {
	capped := pendingDraft("draft-1", "case-1")
	capped.RevisionCount = domain.MaxRevisions
	f := newDraftFixture(t, capped)

	rec := doJSON(t, f.router, lawyer, http.MethodPost, "/api/v1/drafts/draft-1/reject", map[string]any{
		"feedback": "Immer noch falsch.",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[handler.RejectDraftResponse](t, rec)
	assert.False(t, resp.AutoReviseTriggered)
	assert.True(t, resp.RevisionCapReached)
	assert.Empty(t, f.producer.published)
}

func TestEditDraft(t *testing.T) {
	f := newDraftFixture(t, pendingDraft("draft-1", "case-1"))

	newContent := "Sehr geehrte Frau Mustermann, anbei der korrigierte Entwurf."
	rec := doJSON(t, f.router, lawyer, http.MethodPost, "/api/v1/drafts/draft-1/edit", map[string]any{
		"content": newContent,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[handler.DraftResponse](t, rec)
	assert.Equal(t, string(domain.DraftEdited), resp.Status)
	assert.Equal(t, newContent, resp.Content)
}

func TestEditDraft_EmptyBodyRejected(t *testing.T) {
	f := newDraftFixture(t, pendingDraft("draft-1", "case-1"))

	rec := doJSON(t, f.router, lawyer, http.MethodPost, "/api/v1/drafts/draft-1/edit", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLockDraft_AcquireAndContention(t *testing.T) {
	f := newDraftFixture(t, pendingDraft("draft-1", "case-1"))

	rec := doJSON(t, f.router, lawyer, http.MethodPost, "/api/v1/drafts/draft-1/lock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[handler.LockResponse](t, rec)
	assert.True(t, resp.Locked)
	assert.False(t, resp.Degraded)

	// A second reviewer hits the holder.
	other := auth.Identity{UserID: "user-3", Role: auth.RoleLawyer, Name: "B. Fischer"}
	rec = doJSON(t, f.router, other, http.MethodPost, "/api/v1/drafts/draft-1/lock", nil)
	require.Equal(t, http.StatusLocked, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, lawyer.UserID, body["holder_id"])
	assert.Equal(t, lawyer.Name, body["holder_name"])
}

func TestLockDraft_StoreDownFailsOpen(t *testing.T) {
	f := newDraftFixture(t, pendingDraft("draft-1", "case-1"))
	f.lockStore.err = context.DeadlineExceeded

	rec := doJSON(t, f.router, lawyer, http.MethodPost, "/api/v1/drafts/draft-1/lock", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[handler.LockResponse](t, rec)
	assert.True(t, resp.Locked)
	assert.True(t, resp.Degraded)
}

func TestUnlockDraft(t *testing.T) {
	f := newDraftFixture(t, pendingDraft("draft-1", "case-1"))
	require.Equal(t, http.StatusOK,
		doJSON(t, f.router, lawyer, http.MethodPost, "/api/v1/drafts/draft-1/lock", nil).Code)

	rec := doJSON(t, f.router, lawyer, http.MethodDelete, "/api/v1/drafts/draft-1/lock", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.lockStore.holders)
}

func TestUnlockDraft_NonHolderLocked(t *testing.T) {
	f := newDraftFixture(t, pendingDraft("draft-1", "case-1"))
	require.Equal(t, http.StatusOK,
		doJSON(t, f.router, lawyer, http.MethodPost, "/api/v1/drafts/draft-1/lock", nil).Code)

	other := auth.Identity{UserID: "user-3", Role: auth.RoleLawyer, Name: "B. Fischer"}
	rec := doJSON(t, f.router, other, http.MethodDelete, "/api/v1/drafts/draft-1/lock", nil)

	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Contains(t, f.lockStore.holders, "draft-1")
}

func TestListCaseDrafts(t *testing.T) {
	f := newDraftFixture(t, pendingDraft("draft-1", "case-1"), pendingDraft("draft-2", "case-2"))

	rec := doJSON(t, f.router, lawyer, http.MethodGet, "/api/v1/cases/case-1/drafts", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[map[string][]handler.DraftResponse](t, rec)
	require.Len(t, resp["drafts"], 1)
	assert.Equal(t, "draft-1", resp["drafts"][0].ID)
}
