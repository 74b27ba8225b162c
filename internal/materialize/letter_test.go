package materialize

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLetterMailer_DraftType(t *testing.T) {
	h := NewLetterMailer(SMTPConfig{}, testLogger())
	assert.Equal(t, domain.DraftTypeDocument, h.DraftType())
}

func TestLetterMailer_NoRecipientIsNoop(t *testing.T) {
	// Host is intentionally unreachable; without a recipient the mailer
	// must not even try to connect.
	h := NewLetterMailer(SMTPConfig{Host: "smtp.invalid", Port: 25}, testLogger())

	draft := &domain.Draft{
		ID:      "draft-1",
		Type:    domain.DraftTypeDocument,
		Title:   "Schriftsatz",
		Content: "...",
	}
	require.NoError(t, h.Materialize(context.Background(), draft))
}

func TestRecipient(t *testing.T) {
	tests := []struct {
		name     string
		metadata string
		want     string
	}{
		{"present", `{"recipient":"mandant@example.de"}`, "mandant@example.de"},
		{"absent", `{"editHistory":[]}`, ""},
		{"empty metadata", ``, ""},
		{"invalid json", `not-json`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recipient([]byte(tt.metadata)))
		})
	}
}

func TestBuildMIME(t *testing.T) {
	msg := string(buildMIME("kanzlei@example.de", "mandant@example.de", "Ihr Anliegen", "Sehr geehrte Damen und Herren"))

	assert.Contains(t, msg, "From: kanzlei@example.de\r\n")
	assert.Contains(t, msg, "To: mandant@example.de\r\n")
	assert.Contains(t, msg, "Subject: Ihr Anliegen\r\n")
	assert.Contains(t, msg, "charset=UTF-8")
	assert.Contains(t, msg, "\r\n\r\nSehr geehrte Damen und Herren")
}
