package repository

import "context"

// Repository is the persistence boundary for boards, tasks, notes, tags, dependencies, and subtasks. Command
// handlers depend only on this interface, never on a concrete storage engine.
type Repository interface {
	GetTask(ctx context.Context, taskID string) (*Task, error)
	UpdateTask(ctx context.Context, taskID string, updates map[string]any) (*Task, error)
	CreateTask(ctx context.Context, boardID, title string, fields map[string]any) (*Task, error)
	DeleteTask(ctx context.Context, taskID string) error

	GetBoard(ctx context.Context, boardID string) (*Board, error)
	UpdateBoard(ctx context.Context, boardID string, updates map[string]any) (*Board, error)
	BoardTaskCounts(ctx context.Context, boardID string) (*BoardTaskCounts, error)

	CreateNote(ctx context.Context, taskID, boardID, authorID, content string) (*Note, error)

	AssignTag(ctx context.Context, taskID, tagID string) error

	// AddDependency must detect cycles in the depends-on digraph and return ErrDependencyCycle, and must reject
	// self-dependency with ErrSelfDependency.
	AddDependency(ctx context.Context, taskID, dependsOnTaskID string) error
	RemoveDependency(ctx context.Context, taskID, dependsOnTaskID string) error

	GetSubtasks(ctx context.Context, parentTaskID string) ([]Subtask, error)
	GetSubtask(ctx context.Context, subtaskID string) (*Subtask, error)
	CreateSubtask(ctx context.Context, parentTaskID, title string) (*Subtask, error)
	UpdateSubtask(ctx context.Context, subtaskID string, updates map[string]any) (*Subtask, error)
	DeleteSubtask(ctx context.Context, subtaskID string) error
}
