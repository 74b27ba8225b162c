package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/agent"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/postgres"
)

// NewToolbox builds the closed tool set for one job. Every artifact the
// agent produces lands as a PENDING draft; nothing the agent does is
// user-visible without review.
func NewToolbox(drafts postgres.DraftRepository, cases postgres.CaseRepository, job domain.TaskJob, logger *slog.Logger) agent.Toolbox {
	tb := agent.Toolbox{}
	register := func(t agent.Tool) { tb[t.Name] = t }

	register(createDraftTool(drafts, job, logger))
	register(updateMemoryTool(cases, job))
	return tb
}

type createDraftArgs struct {
	Type     string          `json:"type"`
	Title    string          `json:"title"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

var draftTypes = map[string]domain.DraftType{
	string(domain.DraftTypeDocument): domain.DraftTypeDocument,
	string(domain.DraftTypeDeadline): domain.DraftTypeDeadline,
	string(domain.DraftTypeNote):     domain.DraftTypeNote,
	string(domain.DraftTypeAlert):    domain.DraftTypeAlert,
}

func createDraftTool(drafts postgres.DraftRepository, job domain.TaskJob, logger *slog.Logger) agent.Tool {
	return agent.Tool{
		Name: "create_draft",
		Description: "Legt ein Arbeitsergebnis als Entwurf zur Prüfung ab. " +
			"Typen: document (Schriftsatz), deadline (Fristvorschlag), note (Aktennotiz), alert (Hinweis).",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"type":     {"type": "string", "enum": ["document", "deadline", "note", "alert"]},
				"title":    {"type": "string"},
				"content":  {"type": "string"},
				"metadata": {"type": "object"}
			},
			"required": ["type", "title", "content"]
		}`),
		Execute: func(ctx context.Context, raw json.RawMessage) (string, string, error) {
			var args createDraftArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", "", fmt.Errorf("ungültige Argumente: %w", err)
			}
			draftType, ok := draftTypes[args.Type]
			if !ok {
				return "", "", fmt.Errorf("unbekannter Entwurfstyp %q", args.Type)
			}
			if args.Title == "" || args.Content == "" {
				return "", "", fmt.Errorf("title und content dürfen nicht leer sein")
			}

			// A revision job continues its parent's chain; the counter is
			// what eventually stops the reject/revise loop.
			revision := 0
			if job.ParentDraftID != "" {
				parent, err := drafts.GetByID(ctx, job.ParentDraftID)
				if err != nil {
					return "", "", fmt.Errorf("Vorgänger-Entwurf nicht ladbar: %w", err)
				}
				revision = parent.RevisionCount + 1
			}

			now := time.Now().UTC()
			draft := &domain.Draft{
				ID:            uuid.New().String(),
				CaseID:        job.CaseID,
				CreatedBy:     job.UserID,
				Type:          draftType,
				Title:         args.Title,
				Content:       args.Content,
				Metadata:      args.Metadata,
				Status:        domain.DraftPending,
				TaskID:        job.TaskID,
				ParentDraftID: job.ParentDraftID,
				RevisionCount: revision,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := drafts.Create(ctx, draft); err != nil {
				return "", "", err
			}

			logger.Info("draft created",
				slog.String("draft_id", draft.ID),
				slog.String("task_id", job.TaskID),
				slog.String("draft_type", args.Type),
				slog.Int("revision", revision),
			)
			result := fmt.Sprintf("Entwurf %s angelegt.", draft.ID)
			summary := fmt.Sprintf("Entwurf %q (%s) angelegt", args.Title, args.Type)
			return result, summary, nil
		},
	}
}

type updateMemoryArgs struct {
	Content string `json:"content"`
}

func updateMemoryTool(cases postgres.CaseRepository, job domain.TaskJob) agent.Tool {
	return agent.Tool{
		Name: "update_case_memory",
		Description: "Ersetzt das Langzeitgedächtnis der Akte. Fasse dauerhaft " +
			"relevante Fakten zusammen; der Text wird künftigen Aufträgen vorgelegt.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string"}
			},
			"required": ["content"]
		}`),
		Execute: func(ctx context.Context, raw json.RawMessage) (string, string, error) {
			var args updateMemoryArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", "", fmt.Errorf("ungültige Argumente: %w", err)
			}
			if err := cases.SaveMemory(ctx, job.CaseID, args.Content); err != nil {
				return "", "", err
			}
			return "Langzeitgedächtnis aktualisiert.", "Langzeitgedächtnis der Akte aktualisiert", nil
		},
	}
}
