package gateway

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of an asynchronous task.
type TaskStatus string

// Task status values persisted in the cache store.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition may occur from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskParameters captures the caller-supplied crawl request.
type TaskParameters struct {
	Platform   string   `json:"platform"`
	Keywords   []string `json:"keywords"`
	MaxResults int      `json:"max_results"`
}

// Task is the record kept in the cache store for the lifetime of a task.
type Task struct {
	ID          string          `json:"task_id"`
	Status      TaskStatus      `json:"status"`
	Platform    string          `json:"platform"`
	Keywords    []string        `json:"keywords"`
	MaxResults  int             `json:"max_results"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
}

// Parameters returns the request parameters carried by the task.
func (t Task) Parameters() TaskParameters {
	return TaskParameters{
		Platform:   t.Platform,
		Keywords:   t.Keywords,
		MaxResults: t.MaxResults,
	}
}

// QueueMessage is the work item published for every accepted task.
type QueueMessage struct {
	TaskID      string   `json:"task_id"`
	Platform    string   `json:"platform"`
	Keywords    []string `json:"keywords"`
	MaxResults  int      `json:"max_results"`
	SubmittedAt int64    `json:"submitted_at"`
}

// Parameters returns the request parameters carried by the message.
func (m QueueMessage) Parameters() TaskParameters {
	return TaskParameters{
		Platform:   m.Platform,
		Keywords:   m.Keywords,
		MaxResults: m.MaxResults,
	}
}

// Delivery wraps a queue message with its delivery attempt (1-based).
type Delivery struct {
	Message QueueMessage
	Attempt int
}

// ExecuteRequest is the payload sent to the backend execution endpoint.
type ExecuteRequest struct {
	TaskID     string   `json:"task_id"`
	Platform   string   `json:"platform"`
	Keywords   []string `json:"keywords"`
	MaxResults int      `json:"max_results"`
}
