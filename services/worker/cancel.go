package worker

import (
	"context"
	"sync"
)

// Registry holds the cancel funcs of runs executing on this worker. Cancel
// requests arrive over a cluster-wide channel; only the worker that finds
// the task ID here actually owns the run.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelFunc)}
}

// Register stores the cancel func for a starting run.
func (r *Registry) Register(taskID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[taskID] = cancel
}

// Abort cancels the run if it executes here. Returns false for unknown IDs,
// which makes repeated cancel requests harmless.
func (r *Registry) Abort(taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	if ok {
		delete(r.cancels, taskID)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Remove drops the entry once a run finishes.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, taskID)
}

// Len reports the number of registered runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
