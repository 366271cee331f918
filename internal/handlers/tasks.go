package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kanbanrt/gateway/internal/repository"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/wire"
)

type getTaskPayload struct {
	TaskID string `json:"taskId"`
}

// GetTask implements the "get_task" command.
func GetTask(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p getTaskPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.TaskID == "" {
		return Reply{}, newError("INVALID_REQUEST", "taskId is required")
	}

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	task, err := d.Repo.GetTask(ctx, p.TaskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return Reply{}, newError("TASK_NOT_FOUND", "task not found")
		}
		return Reply{}, newError("INTERNAL_ERROR", "failed to load task")
	}
	return Reply{Type: wire.TypeGetTask, Payload: task}, nil
}

type updateTaskPayload struct {
	TaskID  string         `json:"taskId"`
	Updates map[string]any `json:"updates"`
}

// UpdateTask implements the "update_task" command, including the priority-change publication supplement.
func UpdateTask(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p updateTaskPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.TaskID == "" || len(p.Updates) == 0 {
		return Reply{}, newError("INVALID_REQUEST", "taskId and updates are required")
	}
	if title, ok := p.Updates["title"].(string); ok {
		p.Updates["title"] = d.Sanitizer.Sanitize(title)
	}
	if desc, ok := p.Updates["description"].(string); ok {
		p.Updates["description"] = d.Sanitizer.Sanitize(desc)
	}

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	task, err := d.Repo.UpdateTask(ctx, p.TaskID, p.Updates)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return Reply{}, newError("TASK_NOT_FOUND", "task not found")
		}
		return Reply{}, newError("TASK_UPDATE_ERROR", "failed to update task")
	}

	d.Publisher.PublishTaskUpdate(task.ID, task.BoardID, router.Event{
		Type:    wire.EventTaskUpdated,
		Fields:  map[string]any{"status": task.Status, "priority": task.Priority, "assigneeId": task.AssigneeID},
		Payload: map[string]any{"task": task},
	})
	if _, changed := p.Updates["priority"]; changed {
		d.Publisher.Publish(wire.ChannelTask, router.Event{
			Type:    wire.EventPriorityChanged,
			Fields:  map[string]any{"taskId": task.ID, "boardId": task.BoardID},
			Payload: map[string]any{"taskId": task.ID, "boardId": task.BoardID, "priority": task.Priority},
		})
	}
	publishBoardAnalytics(ctx, d, task.BoardID)

	return Reply{Type: wire.TypeUpdateTask, Payload: task}, nil
}

type createTaskPayload struct {
	Title   string         `json:"title"`
	BoardID string         `json:"board_id"`
	Fields  map[string]any `json:"fields"`
}

// CreateTask implements the "create_task" command.
func CreateTask(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p createTaskPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.Title == "" || p.BoardID == "" {
		return Reply{}, newError("INVALID_REQUEST", "title and board_id are required")
	}
	title := d.Sanitizer.Sanitize(p.Title)

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	task, err := d.Repo.CreateTask(ctx, p.BoardID, title, p.Fields)
	if err != nil {
		if errors.Is(err, repository.ErrBoardNotFound) {
			return Reply{}, newError("BOARD_NOT_FOUND", "board not found")
		}
		return Reply{}, newError("TASK_CREATE_ERROR", "failed to create task")
	}

	d.Publisher.PublishTaskUpdate(task.ID, task.BoardID, router.Event{
		Type:    wire.EventTaskCreated,
		Payload: map[string]any{"task": task},
	})
	publishBoardAnalytics(ctx, d, task.BoardID)

	return Reply{Type: wire.TypeCreateTask, Payload: task}, nil
}

type deleteTaskPayload struct {
	TaskID string `json:"taskId"`
}

// DeleteTask implements the "delete_task" command.
func DeleteTask(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p deleteTaskPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.TaskID == "" {
		return Reply{}, newError("INVALID_REQUEST", "taskId is required")
	}

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	task, err := d.Repo.GetTask(ctx, p.TaskID)
	if err != nil {
		return Reply{}, newError("TASK_NOT_FOUND", "task not found")
	}
	if err := d.Repo.DeleteTask(ctx, p.TaskID); err != nil {
		return Reply{}, newError("TASK_DELETE_ERROR", "failed to delete task")
	}

	d.Publisher.PublishTaskUpdate(p.TaskID, task.BoardID, router.Event{
		Type:    wire.EventTaskDeleted,
		Payload: map[string]any{"taskId": p.TaskID},
	})
	publishBoardAnalytics(ctx, d, task.BoardID)

	return Reply{Type: wire.TypeDeleteTask, Payload: map[string]any{"taskId": p.TaskID}}, nil
}

// publishBoardAnalytics emits per-board task counts on the board-analytics channel. Failures are logged, not
// surfaced: analytics is best-effort and must not fail the triggering request.
func publishBoardAnalytics(ctx context.Context, d *Deps, boardID string) {
	counts, err := d.Repo.BoardTaskCounts(ctx, boardID)
	if err != nil {
		d.Log.Warn().Err(err).Str("boardId", boardID).Msg("Failed to compute board analytics")
		return
	}
	d.Publisher.Publish(wire.ChannelBoardAnalytics, router.Event{
		Type:    wire.EventBoardAnalytics,
		Fields:  map[string]any{"boardId": boardID},
		Payload: counts,
	})
}
