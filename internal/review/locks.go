package review

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/auth"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/postgres"
	redisstore "github.com/PBaumfalk/AI-Lawyer-sub005/internal/redis"
	"github.com/PBaumfalk/AI-Lawyer-sub005/pkg/telemetry"
)

// LockManager gives one reviewer exclusive, time-boxed review rights over a
// draft. Mutual exclusion comes from the store's atomic conditional set;
// when the store is unreachable both paths fail open, because the lock only
// reduces accidental double-review and must never block all review work on
// an infrastructure outage.
type LockManager struct {
	store  redisstore.ReviewLockStore
	drafts postgres.DraftRepository
	authz  auth.Authorizer
	bus    redisstore.EventBus
	logger *slog.Logger
}

// NewLockManager constructs a LockManager.
func NewLockManager(
	store redisstore.ReviewLockStore,
	drafts postgres.DraftRepository,
	authz auth.Authorizer,
	bus redisstore.EventBus,
	logger *slog.Logger,
) *LockManager {
	return &LockManager{store: store, drafts: drafts, authz: authz, bus: bus, logger: logger}
}

// LockResult is the outcome of Acquire. Degraded marks a fail-open grant:
// the store was unreachable and no lock actually exists.
type LockResult struct {
	Granted    bool
	HolderID   string
	HolderName string
	Degraded   bool
}

// ReleaseResult is the outcome of Release.
type ReleaseResult struct {
	Released bool
	Degraded bool
}

// Acquire attempts to take the review lock on a draft. Denial carries the
// current holder so the UI can show who is reviewing.
func (m *LockManager) Acquire(ctx context.Context, id auth.Identity, draftID string) (*LockResult, error) {
	draft, err := m.loadAuthorized(ctx, id, draftID)
	if err != nil {
		return nil, err
	}

	acquired, current, err := m.store.Acquire(ctx, draftID, redisstore.LockHolder{
		UserID:   id.UserID,
		UserName: id.Name,
	})
	if err != nil {
		// Fail open: report as not locked and let review proceed.
		telemetry.LockAcquiresTotal.WithLabelValues("failopen").Inc()
		m.logger.Warn("lock store unreachable, failing open on acquire",
			slog.String("draft_id", draftID),
			slog.String("error", err.Error()),
		)
		return &LockResult{Granted: true, Degraded: true}, nil
	}

	if !acquired {
		telemetry.LockAcquiresTotal.WithLabelValues("denied").Inc()
		return &LockResult{HolderID: current.UserID, HolderName: current.UserName}, nil
	}

	telemetry.LockAcquiresTotal.WithLabelValues("granted").Inc()
	m.broadcast(ctx, domain.Event{
		Kind:     domain.EventDraftLocked,
		CaseID:   draft.CaseID,
		DraftID:  draftID,
		UserID:   id.UserID,
		UserName: id.Name,
	})
	return &LockResult{Granted: true}, nil
}

// Release gives the lock up before its natural expiry. Only the holder or
// an admin may release; releasing a missing lock is a successful no-op.
func (m *LockManager) Release(ctx context.Context, id auth.Identity, draftID string) (*ReleaseResult, error) {
	draft, err := m.loadAuthorized(ctx, id, draftID)
	if err != nil {
		return nil, err
	}

	released, err := m.store.Release(ctx, draftID, id.UserID, id.IsAdmin())
	if err != nil {
		telemetry.LockReleasesTotal.WithLabelValues("failopen").Inc()
		m.logger.Warn("lock store unreachable, failing open on release",
			slog.String("draft_id", draftID),
			slog.String("error", err.Error()),
		)
		return &ReleaseResult{Released: true, Degraded: true}, nil
	}

	if !released {
		holder, herr := m.store.Holder(ctx, draftID)
		if herr == nil && holder != nil {
			telemetry.LockReleasesTotal.WithLabelValues("denied").Inc()
			return nil, &domain.LockHeldError{
				DraftID:    draftID,
				HolderID:   holder.UserID,
				HolderName: holder.UserName,
			}
		}
		// Holder vanished between the failed delete and the lookup; the
		// lock is gone either way.
	}

	telemetry.LockReleasesTotal.WithLabelValues("released").Inc()
	m.broadcast(ctx, domain.Event{
		Kind:    domain.EventDraftUnlocked,
		CaseID:  draft.CaseID,
		DraftID: draftID,
		UserID:  id.UserID,
	})
	return &ReleaseResult{Released: true}, nil
}

// Holder returns the current lock holder for UI display, nil when unlocked.
func (m *LockManager) Holder(ctx context.Context, id auth.Identity, draftID string) (*redisstore.LockHolder, error) {
	if _, err := m.loadAuthorized(ctx, id, draftID); err != nil {
		return nil, err
	}
	return m.store.Holder(ctx, draftID)
}

// loadAuthorized loads the draft and verifies case access. Locking is not
// a substitute for authorization.
func (m *LockManager) loadAuthorized(ctx context.Context, id auth.Identity, draftID string) (*domain.Draft, error) {
	draft, err := m.drafts.GetByID(ctx, draftID)
	if err != nil {
		return nil, err
	}
	ok, err := m.authz.CanAccessCase(ctx, id, draft.CaseID)
	if err != nil {
		return nil, fmt.Errorf("case access check: %w", err)
	}
	if !ok {
		return nil, &domain.NotFoundError{Kind: "draft", ID: draftID}
	}
	return draft, nil
}

func (m *LockManager) broadcast(ctx context.Context, ev domain.Event) {
	if err := m.bus.Publish(ctx, "", ev); err != nil {
		m.logger.Error("failed to broadcast lock event",
			slog.String("kind", ev.Kind),
			slog.String("draft_id", ev.DraftID),
			slog.String("error", err.Error()),
		)
	}
}
