package backend

import (
	"context"
	"strings"
)

// Task represents a todo item as served by the remote task API
type Task struct {
	ID     int        `json:"id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
}

// TaskStatus represents the completion state of a task.
// The values are the wire values used by the remote API.
type TaskStatus string

const (
	StatusPending   TaskStatus = "Pendiente"
	StatusCompleted TaskStatus = "Completada"
)

// IsCompleted reports whether the task is done
func (t Task) IsCompleted() bool {
	return t.Status == StatusCompleted
}

// Replica is the local keyed copy of the task set used when the network is unavailable.
type Replica interface {
	// GetAll returns every stored task in stored order.
	GetAll(ctx context.Context) ([]Task, error)
	// PutAll upserts every task by id in one atomic batch.
	PutAll(ctx context.Context, tasks []Task) error
	// ReplaceAll overwrites the whole replica with tasks in one atomic batch.
	ReplaceAll(ctx context.Context, tasks []Task) error

	Close() error
}

// NextID returns the id for a task created locally: max(existing ids)+1.
func NextID(tasks []Task) int {
	maxID := 0
	for _, t := range tasks {
		if t.ID > maxID {
			maxID = t.ID
		}
	}
	return maxID + 1
}

// Toggle flips a status between pending and completed.
func Toggle(s TaskStatus) TaskStatus {
	if s == StatusCompleted {
		return StatusPending
	}
	return StatusCompleted
}

// ParseStatus maps user input to a TaskStatus. Accepts the wire values
// and the english aliases "pending"/"completed"/"done" (case-insensitive).
func ParseStatus(s string) (TaskStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pendiente", "pending", "todo":
		return StatusPending, true
	case "completada", "completed", "done":
		return StatusCompleted, true
	}
	return "", false
}

// FindTask returns the index of the task with the given id, or -1.
func FindTask(tasks []Task, id int) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// CloneTasks returns a copy of tasks that never aliases the input.
// A nil input yields an empty, non-nil slice.
func CloneTasks(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}
