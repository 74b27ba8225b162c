package domain

// Event kinds published on the per-user and per-case channels. Step
// progress events for one task are always published in step order.
const (
	EventTaskStarted   = "task.started"
	EventTaskProgress  = "task.progress"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventDraftLocked   = "draft.locked"
	EventDraftUnlocked = "draft.unlocked"
)

// Event is the wire format for the progress and lock channels. Fields are
// populated per kind; consumers dispatch on Kind and ignore the rest.
type Event struct {
	Kind   string `json:"kind"`
	TaskID string `json:"task_id,omitempty"`
	CaseID string `json:"case_id"`

	// task.started
	Instruction string `json:"instruction,omitempty"`

	// task.progress
	StepNumber int    `json:"step_number,omitempty"`
	StepMax    int    `json:"step_max,omitempty"`
	Tool       string `json:"tool,omitempty"`
	Summary    string `json:"summary,omitempty"`

	// task.completed / task.failed
	Status        string `json:"status,omitempty"`
	ResultPreview string `json:"result_preview,omitempty"`
	Error         string `json:"error,omitempty"`

	// draft.locked / draft.unlocked
	DraftID  string `json:"draft_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

// PreviewLimit is the rune budget for result previews in completed events.
const PreviewLimit = 200

// Preview truncates s to PreviewLimit runes for event payloads.
func Preview(s string) string {
	r := []rune(s)
	if len(r) <= PreviewLimit {
		return s
	}
	return string(r[:PreviewLimit]) + "…"
}
