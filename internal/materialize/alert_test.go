package materialize_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/materialize"
	"github.com/PBaumfalk/AI-Lawyer-sub005/pkg/retry"
)

func fastRetry() materialize.AlertOption {
	return materialize.WithRetryConfig(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func alertDraft() *domain.Draft {
	return &domain.Draft{
		ID:      "draft-1",
		CaseID:  "case-1",
		Type:    domain.DraftTypeAlert,
		Title:   "Frist läuft ab",
		Content: "Die Berufungsfrist in der Akte Mustermann endet am 12.09.2026.",
		Status:  domain.DraftAccepted,
	}
}

func TestAlertWebhook_DraftType(t *testing.T) {
	h := materialize.NewAlertWebhook("http://localhost", discardLogger())
	assert.Equal(t, domain.DraftTypeAlert, h.DraftType())
}

func TestAlertWebhook_PostsNotification(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := materialize.NewAlertWebhook(srv.URL, discardLogger(), fastRetry())
	require.NoError(t, h.Materialize(context.Background(), alertDraft()))

	assert.Equal(t, "draft-1", got["draft_id"])
	assert.Equal(t, "case-1", got["case_id"])
	assert.Equal(t, "Frist läuft ab", got["title"])
}

func TestAlertWebhook_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := materialize.NewAlertWebhook(srv.URL, discardLogger(), fastRetry())
	require.NoError(t, h.Materialize(context.Background(), alertDraft()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlertWebhook_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := materialize.NewAlertWebhook(srv.URL, discardLogger(), fastRetry())
	err := h.Materialize(context.Background(), alertDraft())

	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}
