package domain

import "time"

// Status represents the states an agent task moves through.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Step is one recorded step of an agent run. Steps are appended in
// execution order and never rewritten.
type Step struct {
	Number  int    `json:"number"`
	Max     int    `json:"max"`
	Tool    string `json:"tool"`
	Summary string `json:"summary"`
}

// Task is one execution run of the autonomous agent against a case.
// Rows are append-only: tasks are never deleted, terminal states are final.
type Task struct {
	ID            string     `json:"id"`
	CaseID        string     `json:"case_id"`
	UserID        string     `json:"user_id"`
	UserRole      string     `json:"user_role"`
	UserName      string     `json:"user_name"`
	Instruction   string     `json:"instruction"`
	Priority      int        `json:"priority"`
	Status        Status     `json:"status"`
	Steps         []Step     `json:"steps,omitempty"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	ParentDraftID string     `json:"parent_draft_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// TaskJob is the queue payload for one task execution. The worker is the
// sole consumer; everything needed to start running is carried in the
// message so a claimed job is executable without waiting on a replica read.
type TaskJob struct {
	TaskID        string `json:"task_id"`
	CaseID        string `json:"case_id"`
	UserID        string `json:"user_id"`
	UserRole      string `json:"user_role"`
	UserName      string `json:"user_name"`
	Instruction   string `json:"instruction"`
	Priority      int    `json:"priority"`
	ParentDraftID string `json:"parent_draft_id,omitempty"`
}
