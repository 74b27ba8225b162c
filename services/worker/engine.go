package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/agent"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/kafka"
	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/postgres"
	redisstore "github.com/PBaumfalk/AI-Lawyer-sub005/internal/redis"
	"github.com/PBaumfalk/AI-Lawyer-sub005/pkg/telemetry"
)

const defaultMaxSteps = 10

// RunnerFactory builds the agent runner for one job. A fresh runner per job
// keeps the toolbox bound to that job's case and revision chain.
type RunnerFactory func(job domain.TaskJob) agent.Runner

// Engine consumes agent jobs from the execute topic and drives one agent
// run per job. Delivery is at-most-once: the consumer commits before the
// handler runs, so a job that dies mid-run is never replayed. The lease
// plus the janitor turn such deaths into visible FAILED tasks instead of
// silent loss.
type Engine struct {
	consumer kafka.Consumer
	store    redisstore.StateStore
	tasks    postgres.TaskRepository
	cases    postgres.CaseRepository
	lease    redisstore.LeaseStore
	bus      redisstore.EventBus
	runners  RunnerFactory
	registry *Registry
	workerID string
	maxSteps int
	logger   *slog.Logger

	wg sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithMaxSteps(n int) Option        { return func(e *Engine) { e.maxSteps = n } }

// NewEngine constructs an Engine with the given dependencies and options.
func NewEngine(
	workerID string,
	consumer kafka.Consumer,
	store redisstore.StateStore,
	tasks postgres.TaskRepository,
	cases postgres.CaseRepository,
	lease redisstore.LeaseStore,
	bus redisstore.EventBus,
	runners RunnerFactory,
	opts ...Option,
) *Engine {
	e := &Engine{
		workerID: workerID,
		consumer: consumer,
		store:    store,
		tasks:    tasks,
		cases:    cases,
		lease:    lease,
		bus:      bus,
		runners:  runners,
		registry: NewRegistry(),
		maxSteps: defaultMaxSteps,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts consuming and processing jobs. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	go e.listenCancels(ctx)
	return e.consumer.Subscribe(ctx, e.processJob)
}

// Wait blocks until all in-flight runs finish. Call after Run returns.
func (e *Engine) Wait() { e.wg.Wait() }

// listenCancels aborts local runs named on the cluster-wide cancel channel.
// IDs for tasks running elsewhere (or not at all) are ignored; every worker
// hears every cancel.
func (e *Engine) listenCancels(ctx context.Context) {
	ch, closeSub := e.bus.SubscribeCancel(ctx)
	defer closeSub()
	for taskID := range ch {
		if e.registry.Abort(taskID) {
			e.logger.Info("cancel request aborted local run", slog.String("task_id", taskID))
		}
	}
}

// processJob is the Kafka HandlerFunc. The offset is already committed when
// it runs, so every exit path must leave the task row in a state the user
// can see; returning an error only produces a log line.
func (e *Engine) processJob(consumerCtx context.Context, msg kafka.Message) error {
	var job domain.TaskJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		e.logger.Error("malformed job message, discarding",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		return nil
	}

	ctx, span := otel.Tracer("worker").Start(consumerCtx, "worker.run_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", job.TaskID),
		attribute.String("case.id", job.CaseID),
		attribute.String("worker.id", e.workerID),
	)

	log := e.logger.With(
		slog.String("task_id", job.TaskID),
		slog.String("case_id", job.CaseID),
	)

	// The lease is the at-most-once backstop on top of eager commit: if the
	// broker ever re-delivers, the second claim loses and the job is dropped.
	claimed, err := e.lease.Claim(ctx, job.TaskID, e.workerID)
	if err != nil {
		log.Error("lease claim failed", slog.String("error", err.Error()))
		e.failBeforeRun(ctx, &job, "Verarbeitung konnte nicht gestartet werden (Infrastruktur nicht erreichbar).")
		return nil
	}
	if !claimed {
		log.Warn("lease already held, dropping duplicate delivery")
		return nil
	}

	task, err := e.tasks.GetByID(ctx, job.TaskID)
	if err != nil {
		log.Error("task row not loadable, dropping job", slog.String("error", err.Error()))
		_ = e.lease.Release(ctx, job.TaskID, e.workerID)
		return nil
	}
	if task.Status.IsTerminal() {
		log.Info("task already terminal, skipping", slog.String("status", string(task.Status)))
		_ = e.lease.Release(ctx, job.TaskID, e.workerID)
		return nil
	}

	startedAt := time.Now().UTC()
	if err := e.tasks.MarkRunning(ctx, job.TaskID, startedAt); err != nil {
		// A conflict here means the task left QUEUED behind our back, most
		// likely cancelled before execution started.
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			log.Info("task no longer QUEUED, skipping", slog.String("status", conflict.Current))
		} else {
			log.Error("failed to mark task RUNNING", slog.String("error", err.Error()))
		}
		_ = e.lease.Release(ctx, job.TaskID, e.workerID)
		return nil
	}
	_ = e.store.SetStatus(ctx, job.TaskID, domain.StatusRunning)

	e.publish(ctx, job, domain.Event{
		Kind:        domain.EventTaskStarted,
		TaskID:      job.TaskID,
		CaseID:      job.CaseID,
		Instruction: job.Instruction,
	})

	e.wg.Add(1)
	telemetry.WorkerTasksInFlight.Inc()
	defer func() {
		telemetry.WorkerTasksInFlight.Dec()
		e.wg.Done()
	}()

	// The run gets a fresh context so consumer shutdown drains cleanly, and
	// its own cancel func registered for the cancel channel. Cancellation is
	// cooperative: the runner polls between steps.
	runCtx, abort := context.WithCancel(trace.ContextWithSpan(context.Background(), span))
	defer abort()
	e.registry.Register(job.TaskID, abort)
	defer e.registry.Remove(job.TaskID)

	memory, err := e.cases.Memory(runCtx, job.CaseID)
	if err != nil {
		log.Warn("case memory not loadable, running without it", slog.String("error", err.Error()))
		memory = ""
	}

	var steps []domain.Step
	onStep := func(step agent.Step) {
		if ok, err := e.lease.Extend(runCtx, job.TaskID, e.workerID); err != nil || !ok {
			log.Warn("lease extension failed mid-run", slog.Int("step", step.Number))
		}
		steps = append(steps, domain.Step{
			Number:  step.Number,
			Max:     step.Max,
			Tool:    step.Tool,
			Summary: step.Summary,
		})
		telemetry.WorkerStepsTotal.WithLabelValues(step.Tool).Inc()
		e.publish(runCtx, job, domain.Event{
			Kind:       domain.EventTaskProgress,
			TaskID:     job.TaskID,
			CaseID:     job.CaseID,
			StepNumber: step.Number,
			StepMax:    step.Max,
			Tool:       step.Tool,
			Summary:    step.Summary,
		})
	}

	res, runErr := e.runners(job).Run(runCtx, agent.Request{
		TaskID:      job.TaskID,
		CaseID:      job.CaseID,
		Instruction: job.Instruction,
		Memory:      memory,
		MaxSteps:    e.maxSteps,
	}, onStep)

	telemetry.WorkerTaskDurationSeconds.Observe(time.Since(startedAt).Seconds())

	// finish against a background context: a cancelled runCtx must not stop
	// the terminal write.
	finishCtx := trace.ContextWithSpan(context.Background(), span)

	switch {
	case runErr != nil:
		log.Error("agent run failed", slog.String("error", runErr.Error()))
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "agent run failed")
		e.finish(finishCtx, job, domain.StatusFailed, steps, "", runErr.Error())

	case res.FinishReason == agent.FinishCancelled:
		log.Info("agent run cancelled", slog.Int("steps", len(steps)))
		telemetry.WorkerCancellationsTotal.Inc()
		e.finish(finishCtx, job, domain.StatusCancelled, steps, "", "")

	default:
		if res.FinishReason == agent.FinishExhausted {
			log.Warn("agent hit the step cap before a final answer", slog.Int("steps", len(steps)))
		}
		log.Info("agent run completed", slog.Int("steps", len(steps)))
		e.finish(finishCtx, job, domain.StatusDone, steps, res.FinalText, "")
	}

	_ = e.lease.Release(finishCtx, job.TaskID, e.workerID)
	return nil
}

// finish writes the terminal state everywhere observers look: the task row,
// the Redis mirror, and the event channels.
func (e *Engine) finish(ctx context.Context, job domain.TaskJob, status domain.Status, steps []domain.Step, result, errMsg string) {
	now := time.Now().UTC()
	if err := e.tasks.Finish(ctx, job.TaskID, status, steps, result, errMsg, now); err != nil {
		// A conflict means someone else (the janitor, typically) got there
		// first. The earlier terminal state wins.
		e.logger.Error("failed to write terminal state",
			slog.String("task_id", job.TaskID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
	_ = e.store.SetStatus(ctx, job.TaskID, status)

	telemetry.WorkerTasksProcessed.WithLabelValues(string(status)).Inc()

	ev := domain.Event{
		Kind:   domain.EventTaskCompleted,
		TaskID: job.TaskID,
		CaseID: job.CaseID,
		Status: string(status),
	}
	if status == domain.StatusFailed {
		ev.Kind = domain.EventTaskFailed
		ev.Error = errMsg
	} else {
		ev.ResultPreview = domain.Preview(result)
	}
	e.publish(ctx, job, ev)
}

// failBeforeRun records a FAILED terminal state for a job that never reached
// the agent. With eager commit the message is already gone, so a silent drop
// would leave the task QUEUED forever.
func (e *Engine) failBeforeRun(ctx context.Context, job *domain.TaskJob, reason string) {
	now := time.Now().UTC()
	_ = e.tasks.MarkRunning(ctx, job.TaskID, now)
	e.finish(ctx, *job, domain.StatusFailed, nil, "", reason)
}

func (e *Engine) publish(ctx context.Context, job domain.TaskJob, ev domain.Event) {
	if err := e.bus.Publish(ctx, job.UserID, ev); err != nil {
		e.logger.Error("failed to publish event",
			slog.String("kind", ev.Kind),
			slog.String("task_id", job.TaskID),
			slog.String("error", err.Error()),
		)
	}
}
