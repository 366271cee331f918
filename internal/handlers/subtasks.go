package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"

	"github.com/kanbanrt/gateway/internal/repository"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/wire"
)

type createSubtaskPayload struct {
	ParentTaskID string `json:"parentTaskId"`
	Title        string `json:"title"`
}

// CreateSubtask implements the "create_subtask" command and the parent-progress rule.
func CreateSubtask(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p createSubtaskPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.ParentTaskID == "" || p.Title == "" {
		return Reply{}, newError("INVALID_REQUEST", "parentTaskId and title are required")
	}
	title := d.Sanitizer.Sanitize(p.Title)

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	subtask, err := d.Repo.CreateSubtask(ctx, p.ParentTaskID, title)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return Reply{}, newError("TASK_NOT_FOUND", "parent task not found")
		}
		return Reply{}, newError("SUBTASK_CREATE_ERROR", "failed to create subtask")
	}

	progress, err := parentProgress(ctx, d, p.ParentTaskID)
	if err != nil {
		return Reply{}, err
	}

	d.Publisher.Publish(wire.ChannelSubtasks, router.Event{
		Type:   wire.EventSubtaskCreated,
		Fields: map[string]any{"parentTaskId": p.ParentTaskID},
		Payload: map[string]any{
			"subtask": subtask, "parentTaskId": p.ParentTaskID, "parentProgress": progress,
		},
	})

	return Reply{Type: wire.TypeCreateSubtask, Payload: subtask}, nil
}

type updateSubtaskPayload struct {
	SubtaskID string         `json:"subtaskId"`
	Updates   map[string]any `json:"updates"`
}

// UpdateSubtask implements the "update_subtask" command, publishing "subtask:completed" instead of
// "subtask:updated" when the update marks the subtask done.
func UpdateSubtask(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p updateSubtaskPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.SubtaskID == "" || len(p.Updates) == 0 {
		return Reply{}, newError("INVALID_REQUEST", "subtaskId and updates are required")
	}

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	subtask, err := d.Repo.UpdateSubtask(ctx, p.SubtaskID, p.Updates)
	if err != nil {
		if errors.Is(err, repository.ErrSubtaskNotFound) {
			return Reply{}, newError("SUBTASK_NOT_FOUND", "subtask not found")
		}
		return Reply{}, newError("SUBTASK_UPDATE_ERROR", "failed to update subtask")
	}

	progress, err := parentProgress(ctx, d, subtask.ParentTaskID)
	if err != nil {
		return Reply{}, err
	}

	eventType := wire.EventSubtaskUpdated
	if done, ok := p.Updates["done"].(bool); ok && done {
		eventType = wire.EventSubtaskCompleted
	}

	d.Publisher.Publish(wire.ChannelSubtasks, router.Event{
		Type:   eventType,
		Fields: map[string]any{"parentTaskId": subtask.ParentTaskID},
		Payload: map[string]any{
			"subtask": subtask, "parentTaskId": subtask.ParentTaskID, "parentProgress": progress,
		},
	})

	return Reply{Type: wire.TypeUpdateSubtask, Payload: subtask}, nil
}

type deleteSubtaskPayload struct {
	SubtaskID string `json:"subtaskId"`
}

// DeleteSubtask implements the "delete_subtask" command.
func DeleteSubtask(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p deleteSubtaskPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.SubtaskID == "" {
		return Reply{}, newError("INVALID_REQUEST", "subtaskId is required")
	}

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	// Look up the parent before deleting, since the subtask row (and its parent_task_id) is gone afterward.
	existing, err := d.Repo.GetSubtask(ctx, p.SubtaskID)
	if err != nil {
		return Reply{}, newError("SUBTASK_NOT_FOUND", "subtask not found")
	}
	parentTaskID := existing.ParentTaskID

	if err := d.Repo.DeleteSubtask(ctx, p.SubtaskID); err != nil {
		if errors.Is(err, repository.ErrSubtaskNotFound) {
			return Reply{}, newError("SUBTASK_NOT_FOUND", "subtask not found")
		}
		return Reply{}, newError("SUBTASK_DELETE_ERROR", "failed to delete subtask")
	}

	progress, err := parentProgress(ctx, d, parentTaskID)
	if err != nil {
		return Reply{}, err
	}

	d.Publisher.Publish(wire.ChannelSubtasks, router.Event{
		Type:   wire.EventSubtaskDeleted,
		Fields: map[string]any{"parentTaskId": parentTaskID},
		Payload: map[string]any{
			"subtaskId": p.SubtaskID, "parentTaskId": parentTaskID, "parentProgress": progress,
		},
	})

	return Reply{Type: wire.TypeDeleteSubtask, Payload: map[string]any{"subtaskId": p.SubtaskID}}, nil
}

// parentProgress is round(100 * done_count / total) across the parent's subtasks, or 0 if there are none.
func parentProgress(ctx context.Context, d *Deps, parentTaskID string) (int, error) {
	subtasks, err := d.Repo.GetSubtasks(ctx, parentTaskID)
	if err != nil {
		return 0, newError("INTERNAL_ERROR", "failed to load subtasks")
	}
	if len(subtasks) == 0 {
		return 0, nil
	}
	done := 0
	for _, s := range subtasks {
		if s.Done {
			done++
		}
	}
	return int(math.Round(100 * float64(done) / float64(len(subtasks)))), nil
}
