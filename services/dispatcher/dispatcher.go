// Package dispatcher validates pending agent jobs and admits them to the
// execute topic. It is the at-least-once half of the pipeline: a crash here
// re-delivers the job, which is safe because nothing has run yet.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/kafka"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/postgres"
	redisstore "github.com/PBaumfalk/AI-Lawyer-sub005/internal/redis"
	"github.com/PBaumfalk/AI-Lawyer-sub005/pkg/telemetry"
)

// Dispatcher consumes from the pending topic and routes valid jobs to the
// execute topic. Jobs it cannot admit are failed on the task row so the
// user sees why nothing ran, and the raw payload goes to the DLQ for
// inspection.
type Dispatcher struct {
	consumer kafka.Consumer
	producer kafka.Producer
	store    redisstore.StateStore
	tasks    postgres.TaskRepository
	bus      redisstore.EventBus
	limiter  redisstore.RateLimiter // nil = disabled
	logger   *slog.Logger
}

func NewDispatcher(
	consumer kafka.Consumer,
	producer kafka.Producer,
	store redisstore.StateStore,
	tasks postgres.TaskRepository,
	bus redisstore.EventBus,
	limiter redisstore.RateLimiter,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		consumer: consumer,
		producer: producer,
		store:    store,
		tasks:    tasks,
		bus:      bus,
		limiter:  limiter,
		logger:   logger,
	}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Subscribe(ctx, d.route)
}

func (d *Dispatcher) route(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.route")
	defer span.End()

	var job domain.TaskJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		d.logger.Error("malformed job, sending to DLQ", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed job")
		telemetry.DispatcherDLQTotal.Inc()
		return d.toDLQ(ctx, msg.Value)
	}

	span.SetAttributes(
		attribute.String("task.id", job.TaskID),
		attribute.String("case.id", job.CaseID),
	)

	log := d.logger.With(
		slog.String("task_id", job.TaskID),
		slog.String("case_id", job.CaseID),
	)

	if job.TaskID == "" || job.CaseID == "" || job.Instruction == "" {
		log.Error("incomplete job, sending to DLQ")
		span.SetStatus(codes.Error, "incomplete job")
		telemetry.DispatcherDLQTotal.Inc()
		d.failTask(ctx, job, "Auftrag unvollständig und nicht ausführbar.")
		return d.toDLQ(ctx, msg.Value)
	}

	// Per-case rate limiting stops runaway submission loops. The limiter
	// failing open keeps Redis outages from blocking the whole pipeline.
	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, job.CaseID)
		if err != nil {
			log.Error("rate limiter error, admitting job", slog.String("error", err.Error()))
		} else if !allowed {
			log.Warn("case rate limit exceeded, failing job")
			span.SetStatus(codes.Error, "rate limit exceeded")
			telemetry.DispatcherRateLimitedTotal.Inc()
			telemetry.DispatcherDLQTotal.Inc()
			d.failTask(ctx, job, "Rate-Limit für diese Akte erreicht, Auftrag abgelehnt.")
			return d.toDLQ(ctx, msg.Value)
		}
	}

	if err := d.producer.Publish(ctx, kafka.TopicExecute, job.TaskID, msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "kafka publish failed")
		// Transient Kafka error: return it so the offset is NOT committed
		// and the job is re-delivered.
		return fmt.Errorf("publish to %s: %w", kafka.TopicExecute, err)
	}

	// Best-effort confirmations. A failure here doesn't block routing.
	if err := d.tasks.SetQueued(ctx, job.TaskID); err != nil {
		log.Error("failed to confirm QUEUED in postgres", slog.String("error", err.Error()))
	}
	if err := d.store.SetStatus(ctx, job.TaskID, domain.StatusQueued); err != nil {
		log.Error("failed to mirror QUEUED in redis", slog.String("error", err.Error()))
	}

	telemetry.DispatcherTasksRouted.Inc()
	log.Info("job routed", slog.String("topic", kafka.TopicExecute))
	return nil
}

// failTask writes a FAILED terminal state for a job the dispatcher dropped,
// so it doesn't sit QUEUED forever, and tells connected observers.
func (d *Dispatcher) failTask(ctx context.Context, job domain.TaskJob, reason string) {
	if job.TaskID == "" {
		return
	}
	now := time.Now().UTC()
	_ = d.tasks.MarkRunning(ctx, job.TaskID, now)
	if err := d.tasks.Finish(ctx, job.TaskID, domain.StatusFailed, nil, "", reason, now); err != nil {
		d.logger.Error("failed to fail dropped task",
			slog.String("task_id", job.TaskID),
			slog.String("error", err.Error()),
		)
	}
	_ = d.store.SetStatus(ctx, job.TaskID, domain.StatusFailed)
	if err := d.bus.Publish(ctx, job.UserID, domain.Event{
		Kind:   domain.EventTaskFailed,
		TaskID: job.TaskID,
		CaseID: job.CaseID,
		Error:  reason,
	}); err != nil {
		d.logger.Error("failed to publish failure event",
			slog.String("task_id", job.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

// toDLQ publishes a raw message to the dead-letter queue.
func (d *Dispatcher) toDLQ(ctx context.Context, payload []byte) error {
	if err := d.producer.Publish(ctx, kafka.TopicDLQ, "", payload); err != nil {
		d.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return err
	}
	return nil
}
