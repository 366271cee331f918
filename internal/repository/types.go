// Package repository holds persistent storage for boards, tasks, notes, tags, dependencies, and subtasks: the
// domain types and sentinel errors the command handlers consume, with the pgxpool-backed implementation of the
// Repository interface colocated in the same package.
package repository

import "time"

// Task status values matching the database CHECK constraint.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// Task priority values.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Task is a single Kanban card.
type Task struct {
	ID          string
	BoardID     string
	Title       string
	Description string
	Status      string
	Priority    string
	AssigneeID  string
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Board is a collection of tasks.
type Board struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Note is a comment attached to a task.
type Note struct {
	ID        string
	TaskID    string
	BoardID   string
	AuthorID  string
	Content   string
	CreatedAt time.Time
}

// Tag is a label that can be assigned to tasks.
type Tag struct {
	ID    string
	Name  string
	Color string
}

// Subtask is a checklist item owned by a parent task.
type Subtask struct {
	ID           string
	ParentTaskID string
	Title        string
	Done         bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BoardTaskCounts summarizes a board's tasks by status, published on the board-analytics channel.
type BoardTaskCounts struct {
	BoardID string
	Total   int
	ByStatus map[string]int
}
