// Package memory provides an in-process work queue for local development and
// single-binary deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
	"github.com/JakeFAU/keypick-gateway/internal/policy/backoff"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Options sizes the queue and its redelivery policy.
type Options struct {
	Capacity      int
	BatchSize     int
	Concurrency   int
	MaxDeliveries int
	// RetryDelay is the first redelivery delay. It doubles per attempt up
	// to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

type envelope struct {
	msg     gateway.QueueMessage
	attempt int
}

// Queue is a bounded at-least-once queue. Nacked messages are redelivered
// with exponential backoff until MaxDeliveries is reached, then dead-lettered.
type Queue struct {
	opts    Options
	backoff *backoff.Exponential
	logger  *zap.Logger
	ch      chan envelope
	done    chan struct{}

	closeMu sync.Mutex
	closed  bool
	timers  sync.WaitGroup

	deadMu sync.Mutex
	dead   []gateway.QueueMessage
}

// NewQueue constructs a queue with the provided options.
func NewQueue(opts Options, logger *zap.Logger) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		opts:    opts,
		backoff: backoff.New(opts.RetryDelay, opts.MaxRetryDelay),
		logger:  logger,
		ch:      make(chan envelope, opts.Capacity),
		done:    make(chan struct{}),
	}
}

// Publish enqueues a message or returns if the context ends first.
func (q *Queue) Publish(ctx context.Context, msg gateway.QueueMessage) error {
	return q.push(ctx, envelope{msg: msg, attempt: 1})
}

func (q *Queue) push(ctx context.Context, env envelope) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- env:
		return nil
	}
}

// Receive pulls batches of up to BatchSize messages and handles each one in
// its own goroutine, bounded by Concurrency. It returns once ctx ends (or the
// queue closes) and all in-flight handlers finish.
func (q *Queue) Receive(ctx context.Context, handle gateway.MessageHandler) error {
	sem := make(chan struct{}, q.opts.Concurrency)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		batch, err := q.pull(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, env := range batch {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Unhandled messages go back for the next receiver.
				q.requeue(env, 0)
				continue
			}
			inflight.Add(1)
			go func(env envelope) {
				defer inflight.Done()
				defer func() { <-sem }()
				q.deliver(ctx, handle, env)
			}(env)
		}
	}
}

// pull blocks for the first message, then drains up to BatchSize-1 more
// without waiting.
func (q *Queue) pull(ctx context.Context) ([]envelope, error) {
	var first envelope
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrClosed
	case first = <-q.ch:
	}
	batch := []envelope{first}
	for len(batch) < q.opts.BatchSize {
		select {
		case env := <-q.ch:
			batch = append(batch, env)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (q *Queue) deliver(ctx context.Context, handle gateway.MessageHandler, env envelope) {
	err := handle(ctx, gateway.Delivery{Message: env.msg, Attempt: env.attempt})
	if err == nil {
		return
	}
	if q.opts.MaxDeliveries > 0 && env.attempt >= q.opts.MaxDeliveries {
		q.logger.Warn("message moved to dead letter",
			zap.String("task_id", env.msg.TaskID),
			zap.Int("attempt", env.attempt),
			zap.Error(err),
		)
		q.deadMu.Lock()
		q.dead = append(q.dead, env.msg)
		q.deadMu.Unlock()
		return
	}
	delay := q.backoff.Delay(env.attempt)
	env.attempt++
	q.requeue(env, delay)
}

// requeue schedules env for redelivery after delay.
func (q *Queue) requeue(env envelope, delay time.Duration) {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	q.timers.Add(1)
	go func() {
		defer q.timers.Done()
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-q.done:
				return
			}
		}
		if err := q.push(context.Background(), env); err != nil && !errors.Is(err, ErrClosed) {
			q.logger.Error("requeue failed", zap.String("task_id", env.msg.TaskID), zap.Error(err))
		}
	}()
}

// DeadLetters returns a copy of the messages that exhausted their deliveries.
func (q *Queue) DeadLetters() []gateway.QueueMessage {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	return append([]gateway.QueueMessage(nil), q.dead...)
}

// Len reports the number of messages waiting for delivery.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops publishing and pending redeliveries. Safe to call twice.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.closeMu.Unlock()
	q.timers.Wait()
	return nil
}
