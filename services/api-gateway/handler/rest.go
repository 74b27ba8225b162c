package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/auth"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/kafka"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/postgres"
	redisstore "github.com/PBaumfalk/AI-Lawyer-sub005/internal/redis"
	"github.com/PBaumfalk/AI-Lawyer-sub005/pkg/telemetry"
)

const maxInstructionLen = 8000

// Tasks handles the HTTP surface for agent task submission, status reads,
// and cancellation.
type Tasks struct {
	producer kafka.Producer
	store    redisstore.StateStore
	tasks    postgres.TaskRepository
	authz    auth.Authorizer
	bus      redisstore.EventBus
	logger   *slog.Logger
}

// NewTasks creates the task handler.
func NewTasks(
	producer kafka.Producer,
	store redisstore.StateStore,
	tasks postgres.TaskRepository,
	authz auth.Authorizer,
	bus redisstore.EventBus,
	logger *slog.Logger,
) *Tasks {
	return &Tasks{producer: producer, store: store, tasks: tasks, authz: authz, bus: bus, logger: logger}
}

// SubmitTaskRequest is the JSON body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	CaseID      string `json:"case_id"`
	Instruction string `json:"instruction"`
	Priority    int    `json:"priority"`
}

// SubmitTaskResponse is the 202 response body.
type SubmitTaskResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// StepView is one agent step in a task response.
type StepView struct {
	Number  int    `json:"number"`
	Max     int    `json:"max"`
	Tool    string `json:"tool"`
	Summary string `json:"summary"`
}

// TaskResponse is the GET /tasks/{id} response body.
type TaskResponse struct {
	TaskID      string     `json:"task_id"`
	CaseID      string     `json:"case_id"`
	Status      string     `json:"status"`
	Instruction string     `json:"instruction"`
	Priority    int        `json:"priority"`
	Steps       []StepView `json:"steps,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// SubmitTask handles POST /api/v1/tasks.
func (h *Tasks) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit_task")
	defer span.End()

	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.CaseID) == "" {
		writeError(w, http.StatusBadRequest, "field 'case_id' is required")
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		writeError(w, http.StatusBadRequest, "field 'instruction' is required")
		return
	}
	if len(req.Instruction) > maxInstructionLen {
		writeError(w, http.StatusBadRequest, "field 'instruction' exceeds the length limit")
		return
	}

	allowed, err := h.authz.CanAccessCase(ctx, id, req.CaseID)
	if err != nil {
		h.logger.Error("case access check failed", slog.String("case_id", req.CaseID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	if !allowed {
		// A denied case renders exactly like a missing one.
		writeError(w, http.StatusNotFound, "case not found")
		return
	}

	taskID := uuid.New().String()
	now := time.Now().UTC()

	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("case.id", req.CaseID),
	)

	task := &domain.Task{
		ID:          taskID,
		CaseID:      req.CaseID,
		UserID:      id.UserID,
		UserRole:    id.Role,
		UserName:    id.Name,
		Instruction: req.Instruction,
		Priority:    req.Priority,
		Status:      domain.StatusQueued,
		CreatedAt:   now,
	}

	// Postgres is the system of record; a task that cannot be written does
	// not exist.
	if err := h.tasks.Create(ctx, task); err != nil {
		h.logger.Error("failed to persist task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	// Redis mirrors are best effort: status reads fall back to Postgres.
	if err := h.store.SetTaskMeta(ctx, task); err != nil {
		h.logger.Warn("failed to cache task meta", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
	if err := h.store.SetStatus(ctx, taskID, domain.StatusQueued); err != nil {
		h.logger.Warn("failed to cache task status", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}

	job := domain.TaskJob{
		TaskID:      taskID,
		CaseID:      req.CaseID,
		UserID:      id.UserID,
		UserRole:    id.Role,
		UserName:    id.Name,
		Instruction: req.Instruction,
		Priority:    req.Priority,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to serialize task")
		return
	}

	// task_id as message key keeps per-task ordering.
	if err := h.producer.Publish(ctx, kafka.TopicPending, taskID, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "kafka publish failed")
		h.logger.Error("failed to enqueue task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		// The row must not sit QUEUED with nothing in the pipeline behind it.
		h.failUnroutable(ctx, taskID)
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}

	telemetry.APITasksSubmitted.WithLabelValues(strconv.Itoa(req.Priority)).Inc()
	h.logger.Info("task submitted",
		slog.String("task_id", taskID),
		slog.String("case_id", req.CaseID),
		slog.String("user_id", id.UserID),
	)

	writeJSON(w, http.StatusAccepted, SubmitTaskResponse{
		TaskID:    taskID,
		Status:    string(domain.StatusQueued),
		CreatedAt: now,
	})
}

// failUnroutable marks a freshly created task FAILED after its queue
// publish failed. Best effort: the janitor cannot see QUEUED rows, so this
// is the only cleanup path.
func (h *Tasks) failUnroutable(ctx context.Context, taskID string) {
	now := time.Now().UTC()
	if err := h.tasks.MarkRunning(ctx, taskID, now); err != nil {
		h.logger.Error("failed to mark unroutable task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	const reason = "Auftrag konnte nicht eingereiht werden. Bitte erneut versuchen."
	if err := h.tasks.Finish(ctx, taskID, domain.StatusFailed, nil, "", reason, now); err != nil {
		h.logger.Error("failed to fail unroutable task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	if err := h.store.SetStatus(ctx, taskID, domain.StatusFailed); err != nil {
		h.logger.Warn("failed to cache task status", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Tasks) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	task, err := h.loadTask(ctx, taskID)
	if err != nil {
		h.writeDomainError(w, err, "failed to retrieve task")
		return
	}

	allowed, err := h.authz.CanAccessCase(ctx, id, task.CaseID)
	if err != nil {
		h.logger.Error("case access check failed", slog.String("case_id", task.CaseID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}
	if !allowed {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	// The cached meta may lag the worker; overlay the live status.
	if status, err := h.store.GetStatus(ctx, taskID); err == nil {
		task.Status = status
	}

	writeJSON(w, http.StatusOK, taskResponse(task))
}

// loadTask reads from Redis first and falls back to Postgres on a cache
// miss. Terminal details (steps, result) live only in Postgres, so a
// terminal cached status triggers the fallback too.
func (h *Tasks) loadTask(ctx context.Context, taskID string) (*domain.Task, error) {
	var notFound *domain.NotFoundError

	task, err := h.store.GetTaskMeta(ctx, taskID)
	if err == nil && !task.Status.IsTerminal() {
		if status, serr := h.store.GetStatus(ctx, taskID); serr != nil || !status.IsTerminal() {
			return task, nil
		}
	}
	if err != nil && !errors.As(err, &notFound) {
		h.logger.Warn("redis meta read failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}

	return h.tasks.GetByID(ctx, taskID)
}

// ListCaseTasks handles GET /api/v1/cases/{caseID}/tasks.
func (h *Tasks) ListCaseTasks(w http.ResponseWriter, r *http.Request) {
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
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if !allowed {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}

	limit := queryLimit(r, 50)
	tasks, err := h.tasks.ListByCase(ctx, caseID, limit)
	if err != nil {
		h.logger.Error("failed to list tasks", slog.String("case_id", caseID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	resp := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, taskResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": resp})
}

// CancelTaskResponse is the body for POST /tasks/{id}/cancel.
type CancelTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel. A QUEUED task is
// finalized directly; a RUNNING one gets a cancel broadcast and the worker
// finalizes it. Both outcomes answer 202 because a running agent may still
// complete its current step before it observes the signal.
func (h *Tasks) CancelTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.cancel_task")
	defer span.End()

	taskID := chi.URLParam(r, "id")
	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	task, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		h.writeDomainError(w, err, "failed to cancel task")
		return
	}

	allowed, err := h.authz.CanAccessCase(ctx, id, task.CaseID)
	if err != nil {
		h.logger.Error("case access check failed", slog.String("case_id", task.CaseID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	if !allowed {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	if task.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "task already finished")
		return
	}

	span.SetAttributes(attribute.String("task.id", taskID))
	telemetry.APICancelRequests.Inc()

	if task.Status == domain.StatusQueued && h.cancelQueued(ctx, task) {
		writeJSON(w, http.StatusAccepted, CancelTaskResponse{TaskID: taskID, Status: string(domain.StatusCancelled)})
		return
	}

	// Running, or a worker picked it up between our read and the finish
	// attempt. Either way the broadcast reaches whoever holds it.
	if err := h.bus.RequestCancel(ctx, taskID); err != nil {
		span.RecordError(err)
		h.logger.Error("failed to broadcast cancel", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to request cancellation")
		return
	}

	h.logger.Info("cancel requested", slog.String("task_id", taskID), slog.String("user_id", id.UserID))
	writeJSON(w, http.StatusAccepted, CancelTaskResponse{TaskID: taskID, Status: string(task.Status)})
}

// cancelQueued finalizes a task that never started. Returns false when the
// task left QUEUED in the meantime, in which case the caller falls back to
// the broadcast path.
func (h *Tasks) cancelQueued(ctx context.Context, task *domain.Task) bool {
	now := time.Now().UTC()
	if err := h.tasks.MarkRunning(ctx, task.ID, now); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			return false
		}
		h.logger.Error("failed to claim queued task for cancel", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return false
	}
	if err := h.tasks.Finish(ctx, task.ID, domain.StatusCancelled, nil, "", "", now); err != nil {
		h.logger.Error("failed to cancel queued task", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return false
	}
	if err := h.store.SetStatus(ctx, task.ID, domain.StatusCancelled); err != nil {
		h.logger.Warn("failed to cache task status", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
	ev := domain.Event{
		Kind:   domain.EventTaskCompleted,
		TaskID: task.ID,
		CaseID: task.CaseID,
		Status: string(domain.StatusCancelled),
	}
	if err := h.bus.Publish(ctx, task.UserID, ev); err != nil {
		h.logger.Warn("failed to publish cancel event", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
	return true
}

// Healthz handles GET /healthz.
func (h *Tasks) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz. Checks Redis connectivity.
func (h *Tasks) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.store.GetStatus(ctx, "__readyz__"); err != nil {
		var notFound *domain.NotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "redis not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (h *Tasks) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	writeDomainError(w, h.logger, err, fallback)
}

func taskResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		TaskID:      t.ID,
		CaseID:      t.CaseID,
		Status:      string(t.Status),
		Instruction: t.Instruction,
		Priority:    t.Priority,
		Result:      t.Result,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
	for _, s := range t.Steps {
		resp.Steps = append(resp.Steps, StepView(s))
	}
	if t.CompletedAt != nil {
		resp.DurationMs = t.CompletedAt.Sub(t.CreatedAt).Milliseconds()
	}
	return resp
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 200 {
		return fallback
	}
	return n
}

// writeDomainError maps review and repository errors onto HTTP statuses.
// Unknown errors log and answer 500 without leaking detail.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error, fallback string) {
	var (
		notFound  *domain.NotFoundError
		forbidden *domain.ForbiddenError
		conflict  *domain.ConflictError
		lockHeld  *domain.LockHeldError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Kind+" not found")
	case errors.As(err, &forbidden):
		writeError(w, http.StatusForbidden, "not permitted")
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":          "state conflict",
			"current_status": conflict.Current,
		})
	case errors.As(err, &lockHeld):
		writeJSON(w, http.StatusLocked, map[string]string{
			"error":       "draft is being reviewed",
			"holder_id":   lockHeld.HolderID,
			"holder_name": lockHeld.HolderName,
		})
	default:
		logger.Error(fallback, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
