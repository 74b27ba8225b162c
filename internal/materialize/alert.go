// Package materialize provides the accept handlers that turn resolved
// drafts into real effects in the practice: alert drafts become
// notifications, document drafts go out by mail. Handlers are registered
// on the review handler table at wiring time; draft types without a
// handler materialize nothing.
package materialize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/pkg/retry"
)

// alertNotification is the JSON body posted for an accepted alert draft.
type alertNotification struct {
	DraftID string `json:"draft_id"`
	CaseID  string `json:"case_id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// AlertWebhook posts accepted alert drafts to the practice's notification
// endpoint. Posts are retried; the endpoint must deduplicate on draft_id
// because the accept flow may re-run a handler after a crash.
type AlertWebhook struct {
	url      string
	client   *http.Client
	retryCfg retry.Config
	logger   *slog.Logger
}

// AlertOption customizes an AlertWebhook.
type AlertOption func(*AlertWebhook)

// WithRetryConfig overrides the backoff schedule.
func WithRetryConfig(cfg retry.Config) AlertOption {
	return func(h *AlertWebhook) { h.retryCfg = cfg }
}

// NewAlertWebhook creates an AlertWebhook for the given endpoint.
func NewAlertWebhook(url string, logger *slog.Logger, opts ...AlertOption) *AlertWebhook {
	h := &AlertWebhook{
		url:      url,
		client:   &http.Client{Timeout: 15 * time.Second},
		retryCfg: retry.Config{MaxAttempts: 3, BaseDelay: time.Second},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *AlertWebhook) DraftType() domain.DraftType { return domain.DraftTypeAlert }

func (h *AlertWebhook) Materialize(ctx context.Context, draft *domain.Draft) error {
	ctx, span := otel.Tracer("review").Start(ctx, "materialize.alert")
	defer span.End()
	span.SetAttributes(
		attribute.String("draft.id", draft.ID),
		attribute.String("webhook.url", h.url),
	)

	payload, err := json.Marshal(alertNotification{
		DraftID: draft.ID,
		CaseID:  draft.CaseID,
		Title:   draft.Title,
		Content: draft.Content,
	})
	if err != nil {
		return fmt.Errorf("marshal alert notification: %w", err)
	}

	cfg := h.retryCfg
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error) {
			h.logger.Warn("alert notification retry",
				slog.String("draft_id", draft.ID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
	}
	err = retry.Do(ctx, cfg, func() error {
		return h.post(ctx, payload)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "notification failed")
		return fmt.Errorf("alert notification for draft %s: %w", draft.ID, err)
	}
	return nil
}

func (h *AlertWebhook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification call to %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notification endpoint %s returned status %d", h.url, resp.StatusCode)
	}
	return nil
}
