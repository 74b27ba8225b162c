package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/auth"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/services/api-gateway/handler"
)

func TestEventStream_DeliversEvents(t *testing.T) {
	bus := &fakeBus{stream: make(chan domain.Event, 1)}
	authz := &fakeAuthorizer{denied: make(map[string]bool)}
	h := handler.NewEvents(bus, authz, discardLogger())

	ctx, cancel := context.WithCancel(auth.WithIdentity(context.Background(), lawyer))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?case_id=case-1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	bus.stream <- domain.Event{
		Kind:       domain.EventTaskProgress,
		TaskID:     "task-1",
		CaseID:     "case-1",
		StepNumber: 2,
		Tool:       "create_draft",
	}
	go func() {
		// Give the handler time to drain the buffered event.
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	h.Stream(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: task.progress")
	assert.Contains(t, body, `"task_id":"task-1"`)
}

func TestEventStream_DeniedCaseRendersNotFound(t *testing.T) {
	bus := &fakeBus{}
	authz := &fakeAuthorizer{denied: map[string]bool{"case-secret": true}}
	h := handler.NewEvents(bus, authz, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?case_id=case-secret", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), lawyer))
	rec := httptest.NewRecorder()

	h.Stream(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventStream_Unauthenticated(t *testing.T) {
	h := handler.NewEvents(&fakeBus{}, &fakeAuthorizer{}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := httptest.NewRecorder()

	h.Stream(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
