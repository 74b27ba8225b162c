package materialize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/smtp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
)

// SMTPConfig holds SMTP connection details for outbound letters.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// letterMeta is the slice of draft metadata the mailer reads. The agent
// sets recipient when the instruction named one.
type letterMeta struct {
	Recipient string `json:"recipient"`
}

// LetterMailer sends accepted document drafts by email when the draft
// metadata carries a recipient. Drafts without one stay in the case file
// and materialize nothing.
type LetterMailer struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NewLetterMailer creates a LetterMailer from config.
func NewLetterMailer(cfg SMTPConfig, logger *slog.Logger) *LetterMailer {
	return &LetterMailer{cfg: cfg, logger: logger}
}

func (h *LetterMailer) DraftType() domain.DraftType { return domain.DraftTypeDocument }

func (h *LetterMailer) Materialize(ctx context.Context, draft *domain.Draft) error {
	ctx, span := otel.Tracer("review").Start(ctx, "materialize.letter")
	defer span.End()
	span.SetAttributes(attribute.String("draft.id", draft.ID))

	to := recipient(draft.Metadata)
	if to == "" {
		h.logger.Debug("document draft has no recipient, nothing to send",
			slog.String("draft_id", draft.ID))
		return nil
	}
	span.SetAttributes(attribute.String("letter.to", to))

	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	msg := buildMIME(h.cfg.From, to, draft.Title, draft.Content)

	var smtpAuth smtp.Auth
	if h.cfg.Username != "" {
		smtpAuth = smtp.PlainAuth("", h.cfg.Username, h.cfg.Password, h.cfg.Host)
	}

	// smtp.SendMail blocks without taking a context; run it aside so ctx
	// cancellation is still honored.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, smtpAuth, h.cfg.From, []string{to}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return fmt.Errorf("smtp send to %s: %w", to, err)
		}
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("letter send interrupted: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "interrupted")
		return err
	}
}

func recipient(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var meta letterMeta
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return ""
	}
	return meta.Recipient
}

func buildMIME(from, to, subject, body string) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body,
	)
	return []byte(msg)
}
