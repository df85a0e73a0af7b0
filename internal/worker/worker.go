// Package worker drives queued tasks to a terminal state by calling the
// backend executor.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
	"github.com/JakeFAU/keypick-gateway/internal/metrics"
	"github.com/JakeFAU/keypick-gateway/internal/telemetry"
)

const archiveTimeout = 5 * time.Second

// Config controls Worker behavior.
type Config struct {
	// MaxAttempts marks a task failed once this many executions have failed.
	// Zero never writes failed and leaves retries to the queue.
	MaxAttempts int
}

// Worker consumes task messages. Handle is safe for concurrent use.
type Worker struct {
	tasks    gateway.TaskRepository
	archive  gateway.TaskArchive
	executor gateway.Executor
	throttle gateway.Throttle
	clock    gateway.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. archive and throttle are optional.
func New(
	tasks gateway.TaskRepository,
	archive gateway.TaskArchive,
	executor gateway.Executor,
	throttle gateway.Throttle,
	clock gateway.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		tasks:    tasks,
		archive:  archive,
		executor: executor,
		throttle: throttle,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming deliveries from sub until the context finishes.
func (w *Worker) Run(ctx context.Context, sub gateway.Subscriber) error {
	w.logger.Info("consumer started", zap.Int("max_attempts", w.cfg.MaxAttempts))
	err := sub.Receive(ctx, w.Handle)
	w.logger.Info("consumer stopped")
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// Handle processes one delivery. A nil return acknowledges it; an error
// asks the queue to redeliver.
func (w *Worker) Handle(ctx context.Context, d gateway.Delivery) error {
	msg := d.Message
	if msg.TaskID == "" {
		w.logger.Error("dropping message without task id", zap.String("platform", msg.Platform))
		return nil
	}
	ctx, span := telemetry.Tracer().Start(ctx, "worker.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", msg.TaskID),
		attribute.String("task.platform", msg.Platform),
		attribute.Int("delivery.attempt", d.Attempt),
	)
	logger := w.logger.With(zap.String("task_id", msg.TaskID), zap.Int("delivery_attempt", d.Attempt))

	task, err := w.tasks.GetTask(ctx, msg.TaskID)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		logger.Warn("task record missing, rebuilding from message")
		task = w.fromMessage(msg)
	case err != nil:
		span.RecordError(err)
		logger.Error("load task failed", zap.Error(err))
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status.Terminal() {
		logger.Debug("duplicate delivery for terminal task", zap.String("status", string(task.Status)))
		return nil
	}

	if w.throttle != nil {
		if err := w.throttle.Wait(ctx, task.Platform); err != nil {
			return fmt.Errorf("throttle: %w", err)
		}
	}

	start := w.clock.Now()
	params := task.Parameters()
	result, execErr := w.executor.Execute(ctx, gateway.ExecuteRequest{
		TaskID:     task.ID,
		Platform:   params.Platform,
		Keywords:   params.Keywords,
		MaxResults: params.MaxResults,
	})
	if execErr == nil {
		metrics.ObserveTaskAttempt("success")
		return w.complete(ctx, logger, task, result, start)
	}
	if ctx.Err() != nil {
		// Interrupted by shutdown, not a backend failure: redeliver without
		// spending an attempt.
		logger.Info("execution interrupted, releasing message", zap.Error(execErr))
		return fmt.Errorf("execute task: %w", execErr)
	}

	metrics.ObserveTaskAttempt("failure")
	span.RecordError(execErr)
	return w.fail(ctx, logger, task, d.Attempt, execErr)
}

func (w *Worker) complete(ctx context.Context, logger *zap.Logger, task gateway.Task, result json.RawMessage, start time.Time) error {
	now := w.clock.Now()
	task.Status = gateway.TaskStatusCompleted
	task.Result = result
	task.Error = ""
	task.CompletedAt = &now
	if err := w.tasks.PutTask(ctx, task); err != nil {
		logger.Error("write completed task failed", zap.Error(err))
		return fmt.Errorf("write completed task: %w", err)
	}
	metrics.ObserveTaskTerminal(string(task.Status))
	w.archiveTask(ctx, logger, task)
	logger.Info("task completed", zap.Duration("duration", now.Sub(start)))
	return nil
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, task gateway.Task, deliveryAttempt int, execErr error) error {
	task.Attempts = max(task.Attempts+1, deliveryAttempt)
	if w.cfg.MaxAttempts > 0 && task.Attempts >= w.cfg.MaxAttempts {
		now := w.clock.Now()
		task.Status = gateway.TaskStatusFailed
		task.Error = execErr.Error()
		task.CompletedAt = &now
		if err := w.tasks.PutTask(ctx, task); err != nil {
			logger.Error("write failed task failed", zap.Error(err))
			return fmt.Errorf("write failed task: %w", err)
		}
		trace.SpanFromContext(ctx).SetStatus(codes.Error, "attempts exhausted")
		metrics.ObserveTaskTerminal(string(task.Status))
		w.archiveTask(ctx, logger, task)
		logger.Warn("task failed after max attempts", zap.Int("attempts", task.Attempts), zap.Error(execErr))
		return nil
	}

	if err := w.tasks.PutTask(ctx, task); err != nil {
		logger.Warn("record attempt count failed", zap.Error(err))
	}
	logger.Warn("task execution failed, will retry", zap.Int("attempts", task.Attempts), zap.Error(execErr))
	return fmt.Errorf("execute task: %w", execErr)
}

func (w *Worker) archiveTask(ctx context.Context, logger *zap.Logger, task gateway.Task) {
	if w.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := w.archive.SaveTask(ctx, task); err != nil {
		logger.Warn("archive task failed", zap.Error(err))
	}
}

func (w *Worker) fromMessage(msg gateway.QueueMessage) gateway.Task {
	created := w.clock.Now()
	if msg.SubmittedAt > 0 {
		created = time.Unix(msg.SubmittedAt, 0).UTC()
	}
	params := msg.Parameters()
	return gateway.Task{
		ID:         msg.TaskID,
		Status:     gateway.TaskStatusPending,
		Platform:   params.Platform,
		Keywords:   params.Keywords,
		MaxResults: params.MaxResults,
		CreatedAt:  created,
	}
}
