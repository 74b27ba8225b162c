// Package janitor sweeps for orphaned agent runs. A worker that dies
// mid-run cannot write a terminal state; its lease expires and the task
// sits RUNNING forever unless someone notices. The janitor is that someone.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/postgres"
	redisstore "github.com/PBaumfalk/AI-Lawyer-sub005/internal/redis"
	"github.com/PBaumfalk/AI-Lawyer-sub005/pkg/telemetry"
)

const (
	leaderKey     = "agent:janitor:leader"
	leaderTTL     = 30 * time.Second
	checkInterval = 15 * time.Second

	orphanReason = "Verarbeitung abgebrochen: Worker während der Ausführung verloren."
)

// Janitor reaps orphaned RUNNING tasks on a cron schedule, with Redis
// leader election so only one replica sweeps.
type Janitor struct {
	tasks      postgres.TaskRepository
	lease      redisstore.LeaseStore
	store      redisstore.StateStore
	bus        redisstore.EventBus
	redis      *redis.Client
	schedule   cron.Schedule
	instanceID string
	logger     *slog.Logger
}

// New constructs a Janitor. cronExpr is a standard five-field cron
// expression for the sweep cadence.
func New(
	tasks postgres.TaskRepository,
	lease redisstore.LeaseStore,
	store redisstore.StateStore,
	bus redisstore.EventBus,
	redisClient *redis.Client,
	instanceID string,
	cronExpr string,
	logger *slog.Logger,
) (*Janitor, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, err
	}
	return &Janitor{
		tasks:      tasks,
		lease:      lease,
		store:      store,
		bus:        bus,
		redis:      redisClient,
		schedule:   schedule,
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

// Run is the main polling loop: tries to become leader, then sweeps when
// the schedule is due. Blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	nextSweep := j.schedule.Next(time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if now.Before(nextSweep) {
				continue
			}
			nextSweep = j.schedule.Next(now)
			if !j.acquireOrRenewLeadership(ctx) {
				continue
			}
			if err := j.Sweep(ctx); err != nil {
				j.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// acquireOrRenewLeadership attempts SETNX; returns true if this instance is
// the leader.
func (j *Janitor) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := j.redis.SetNX(ctx, leaderKey, j.instanceID, leaderTTL).Result()
	if err != nil {
		j.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		j.logger.Info("acquired janitor leadership", slog.String("instance_id", j.instanceID))
		return true
	}

	// Already set; renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, j.redis,
		[]string{leaderKey},
		j.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		j.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

// Sweep fails every RUNNING task that is old enough to have a lease and
// doesn't. A live worker renews its lease every step, so a missing lease on
// a task started more than one TTL ago means the worker is gone.
func (j *Janitor) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-redisstore.LeaseTTL)
	orphanCandidates, err := j.tasks.ListRunningSince(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, task := range orphanCandidates {
		held, err := j.lease.Held(ctx, task.ID)
		if err != nil {
			j.logger.Error("lease check failed, skipping task",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if held {
			// Worker alive, just slow.
			continue
		}
		j.reap(ctx, task)
	}
	return nil
}

func (j *Janitor) reap(ctx context.Context, task *domain.Task) {
	now := time.Now().UTC()
	if err := j.tasks.Finish(ctx, task.ID, domain.StatusFailed, task.Steps, "", orphanReason, now); err != nil {
		// A conflict means the worker came back and finished in the window
		// between the list and now. Its terminal state wins.
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			j.logger.Info("task finished while being reaped, leaving it",
				slog.String("task_id", task.ID),
				slog.String("status", conflict.Current),
			)
			return
		}
		j.logger.Error("failed to reap orphaned task",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	_ = j.store.SetStatus(ctx, task.ID, domain.StatusFailed)

	if err := j.bus.Publish(ctx, task.UserID, domain.Event{
		Kind:   domain.EventTaskFailed,
		TaskID: task.ID,
		CaseID: task.CaseID,
		Error:  orphanReason,
	}); err != nil {
		j.logger.Error("failed to publish orphan event",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}

	telemetry.JanitorOrphansReaped.Inc()
	j.logger.Warn("orphaned task reaped",
		slog.String("task_id", task.ID),
		slog.String("case_id", task.CaseID),
		slog.Time("started_at", derefTime(task.StartedAt)),
	)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
