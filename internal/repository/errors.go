package repository

import "errors"

// Sentinel errors surfaced by Repository methods. Command handlers translate these into domain-specific reply
// codes (TASK_NOT_FOUND, TASK_UPDATE_ERROR, DEPENDENCY_ADD_FAILED).
var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrBoardNotFound      = errors.New("board not found")
	ErrSubtaskNotFound    = errors.New("subtask not found")
	ErrTagNotFound        = errors.New("tag not found")
	ErrDependencyCycle    = errors.New("dependency would create a cycle")
	ErrSelfDependency     = errors.New("a task cannot depend on itself")
	ErrDependencyNotFound = errors.New("dependency not found")
)
