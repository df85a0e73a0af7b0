package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a key is absent or expired.
var ErrNotFound = errors.New("not found")

// KVStore is the TTL key-value store holding task state, counters, and cached responses.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr adds one to the counter at key and returns the new value. The TTL is
	// applied only when the increment creates the key.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// TaskRepository persists task records.
type TaskRepository interface {
	GetTask(ctx context.Context, id string) (Task, error)
	PutTask(ctx context.Context, task Task) error
	DeleteTask(ctx context.Context, id string) error
}

// TaskArchive is the durable relational copy of terminal tasks.
type TaskArchive interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (Task, error)
}

// Publisher submits work messages to the queue.
type Publisher interface {
	Publish(ctx context.Context, msg QueueMessage) error
}

// MessageHandler processes one delivery. A nil return acknowledges the
// message; any error schedules redelivery.
type MessageHandler func(ctx context.Context, d Delivery) error

// Subscriber drains the queue until the context ends.
type Subscriber interface {
	Receive(ctx context.Context, handle MessageHandler) error
}

// Executor invokes the backend execution endpoint.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (json.RawMessage, error)
}

// Fetcher performs plain GETs against the backend.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (status int, body []byte, err error)
}

// Throttle gates backend invocations per platform.
type Throttle interface {
	Wait(ctx context.Context, platform string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
