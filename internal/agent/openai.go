package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `Du bist der Kanzlei-Assistent. Du bearbeitest einen Auftrag zu einer Akte.
Nutze die bereitgestellten Werkzeuge; Arbeitsergebnisse legst du als Entwurf über create_draft ab.
Antworte abschließend mit einer kurzen Zusammenfassung deiner Arbeit.`

// ChatRunner drives an OpenAI chat completion tool loop. One model
// round-trip plus its tool execution is one agent step.
type ChatRunner struct {
	client *openai.Client
	model  string
	tools  Toolbox
	logger *slog.Logger
}

// NewChatRunner builds a Runner on the OpenAI chat API.
func NewChatRunner(client *openai.Client, model string, tools Toolbox, logger *slog.Logger) *ChatRunner {
	return &ChatRunner{client: client, model: model, tools: tools, logger: logger}
}

func (r *ChatRunner) Run(ctx context.Context, req Request, onStep StepFunc) (*Result, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: BuildUserPrompt(req)},
	}

	toolDefs := make([]openai.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		toolDefs = append(toolDefs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	result := &Result{FinishReason: FinishExhausted}

	for stepNo := 1; stepNo <= req.MaxSteps; stepNo++ {
		// Cooperative cancellation: checked between steps only, never
		// mid-call.
		if ctx.Err() != nil {
			result.FinishReason = FinishCancelled
			return result, nil
		}

		resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    r.model,
			Messages: messages,
			Tools:    toolDefs,
		})
		if err != nil {
			if ctx.Err() != nil {
				result.FinishReason = FinishCancelled
				return result, nil
			}
			return nil, fmt.Errorf("chat completion at step %d: %w", stepNo, err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("chat completion at step %d: empty choices", stepNo)
		}

		msg := resp.Choices[0].Message
		messages = append(messages, msg)

		if len(msg.ToolCalls) == 0 {
			// Final answer.
			result.FinalText = msg.Content
			result.FinishReason = FinishCompleted
			return result, nil
		}

		for _, call := range msg.ToolCalls {
			step := Step{Number: stepNo, Max: req.MaxSteps, Tool: call.Function.Name}

			tool, ok := r.tools[call.Function.Name]
			var toolResult string
			if !ok {
				toolResult = fmt.Sprintf("unbekanntes Werkzeug %q", call.Function.Name)
				step.Summary = toolResult
			} else {
				res, summary, err := tool.Execute(ctx, []byte(call.Function.Arguments))
				if err != nil {
					// Tool errors go back to the model, which may recover
					// or report failure in its final answer.
					toolResult = "Fehler: " + err.Error()
					step.Summary = toolResult
					r.logger.Warn("tool execution failed",
						slog.String("task_id", req.TaskID),
						slog.String("tool", call.Function.Name),
						slog.String("error", err.Error()),
					)
				} else {
					toolResult = res
					step.Summary = summary
				}
			}

			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    toolResult,
				ToolCallID: call.ID,
			})

			result.Steps = append(result.Steps, step)
			if onStep != nil {
				onStep(step)
			}
		}
	}

	return result, nil
}

// BuildUserPrompt assembles the user message from the instruction and any
// case memory.
func BuildUserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Akte: %s\n\nAuftrag:\n%s\n", req.CaseID, req.Instruction)
	if req.Memory != "" {
		fmt.Fprintf(&b, "\nLangzeitgedächtnis zur Akte:\n%s\n", req.Memory)
	}
	return b.String()
}
