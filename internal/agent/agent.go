// Package agent defines the engine's contract with the autonomous agent.
// The agent is a black box to the rest of the pipeline: one call in, a
// final text plus an ordered step trace out. Cancellation is cooperative —
// the runner polls ctx between steps and never interrupts a step in flight.
package agent

import "context"

// FinishReason explains how a run ended.
type FinishReason string

const (
	FinishCompleted FinishReason = "completed"
	FinishCancelled FinishReason = "cancelled"
	// FinishExhausted means the step cap was reached before the agent
	// produced a final answer.
	FinishExhausted FinishReason = "exhausted"
)

// Request is one agent invocation.
type Request struct {
	TaskID      string
	CaseID      string
	Instruction string
	// Memory is the case's persisted long-term memory, empty when none.
	Memory   string
	MaxSteps int
}

// Step is one completed agent step, reported through the step callback
// before the next step starts.
type Step struct {
	Number  int
	Max     int
	Tool    string
	Summary string
}

// StepFunc is invoked synchronously after each step, in step order.
type StepFunc func(step Step)

// Result is the outcome of a finished run.
type Result struct {
	FinalText    string
	FinishReason FinishReason
	Steps        []Step
}

// Runner executes one agent run. Implementations must call onStep once per
// step before starting the next one, and must return a result with
// FinishCancelled rather than an error when ctx is cancelled between steps.
type Runner interface {
	Run(ctx context.Context, req Request, onStep StepFunc) (*Result, error)
}
