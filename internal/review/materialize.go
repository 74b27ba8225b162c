package review

import (
	"context"
	"sync"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
)

// AcceptHandler materializes the downstream effect of accepting a draft of
// one type (a real calendar entry from a deadline proposal, a case document
// from a document draft, and so on). Handlers must be idempotent: the
// accept flow may re-run one after a crash between materialization and the
// terminal status write.
type AcceptHandler interface {
	DraftType() domain.DraftType
	Materialize(ctx context.Context, draft *domain.Draft) error
}

// HandlerTable maps each draft type to its accept handler. The set of
// types is closed; registration happens once at wiring time.
type HandlerTable struct {
	mu       sync.RWMutex
	handlers map[domain.DraftType]AcceptHandler
}

// NewHandlerTable creates an empty HandlerTable.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{handlers: make(map[domain.DraftType]AcceptHandler)}
}

// Register adds a handler. Safe to call concurrently.
func (t *HandlerTable) Register(h AcceptHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[h.DraftType()] = h
}

// Materialize dispatches to the handler for the draft's type. A type with
// no registered handler materializes nothing: the owning business module
// has not opted in, and the draft content itself is already persisted.
func (t *HandlerTable) Materialize(ctx context.Context, draft *domain.Draft) error {
	t.mu.RLock()
	h, ok := t.handlers[draft.Type]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return h.Materialize(ctx, draft)
}
