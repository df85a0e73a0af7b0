package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
)

// TaskKeyPrefix namespaces task records in the key-value store.
const TaskKeyPrefix = "task:"

// TaskKey returns the store key for a task ID.
func TaskKey(id string) string {
	return TaskKeyPrefix + id
}

// TaskRepo persists tasks as JSON documents with a fixed TTL. Every write
// restarts the TTL.
type TaskRepo struct {
	kv  gateway.KVStore
	ttl time.Duration
}

// NewTaskRepo builds a TaskRepo over kv.
func NewTaskRepo(kv gateway.KVStore, ttl time.Duration) *TaskRepo {
	return &TaskRepo{kv: kv, ttl: ttl}
}

// GetTask loads and decodes a task. Missing or expired records return gateway.ErrNotFound.
func (r *TaskRepo) GetTask(ctx context.Context, id string) (gateway.Task, error) {
	raw, err := r.kv.Get(ctx, TaskKey(id))
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return gateway.Task{}, gateway.ErrNotFound
		}
		return gateway.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	var task gateway.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return gateway.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, nil
}

// PutTask encodes and stores a task.
func (r *TaskRepo) PutTask(ctx context.Context, task gateway.Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	if err := r.kv.Set(ctx, TaskKey(task.ID), raw, r.ttl); err != nil {
		return fmt.Errorf("put task %s: %w", task.ID, err)
	}
	return nil
}

// DeleteTask removes a task record.
func (r *TaskRepo) DeleteTask(ctx context.Context, id string) error {
	if err := r.kv.Delete(ctx, TaskKey(id)); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

var _ gateway.TaskRepository = (*TaskRepo)(nil)
