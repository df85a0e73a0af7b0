// Package dispatcher turns task-creation requests into a pending record plus
// a queue message.
package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
	"github.com/JakeFAU/keypick-gateway/internal/metrics"
)

const defaultPublishTimeout = 5 * time.Second

// Config controls defaults and limits for new tasks.
type Config struct {
	DefaultMaxResults int
	// Platforms restricts accepted platforms; empty accepts all.
	Platforms      []string
	PublishTimeout time.Duration
}

// Dispatcher accepts tasks. The pending write and the publish succeed or
// fail together: a failed publish deletes the record it just wrote.
type Dispatcher struct {
	tasks  gateway.TaskRepository
	pub    gateway.Publisher
	ids    gateway.IDGenerator
	clock  gateway.Clock
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(
	tasks gateway.TaskRepository,
	pub gateway.Publisher,
	ids gateway.IDGenerator,
	clock gateway.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = 10
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		tasks:  tasks,
		pub:    pub,
		ids:    ids,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Submit records a pending task and enqueues it.
func (d *Dispatcher) Submit(ctx context.Context, params gateway.TaskParameters) (gateway.Task, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return gateway.Task{}, gateway.ErrInternal(fmt.Errorf("generate task id: %w", err))
	}
	now := d.clock.Now()
	task := gateway.Task{
		ID:         id,
		Status:     gateway.TaskStatusPending,
		Platform:   params.Platform,
		Keywords:   params.Keywords,
		MaxResults: params.MaxResults,
		CreatedAt:  now,
	}

	// Written before publishing so a fast consumer never races a late pending write.
	if err := d.tasks.PutTask(ctx, task); err != nil {
		return gateway.Task{}, gateway.ErrUpstream(http.StatusServiceUnavailable, "task store unavailable", err)
	}

	msg := gateway.QueueMessage{
		TaskID:      task.ID,
		Platform:    task.Platform,
		Keywords:    task.Keywords,
		MaxResults:  task.MaxResults,
		SubmittedAt: now.Unix(),
	}
	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	if err := d.pub.Publish(pubCtx, msg); err != nil {
		d.rollback(ctx, task.ID)
		return gateway.Task{}, gateway.ErrUpstream(http.StatusServiceUnavailable, "task queue unavailable", err)
	}

	metrics.ObserveTaskCreated()
	d.logger.Info("task accepted",
		zap.String("task_id", task.ID),
		zap.String("platform", task.Platform),
		zap.Int("keywords", len(task.Keywords)),
	)
	return task, nil
}

func (d *Dispatcher) rollback(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PublishTimeout)
	defer cancel()
	if err := d.tasks.DeleteTask(ctx, id); err != nil {
		d.logger.Error("rollback of pending task failed", zap.String("task_id", id), zap.Error(err))
	}
}
