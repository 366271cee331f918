package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kanbanrt/gateway/internal/repository"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/wire"
)

type assignTagPayload struct {
	TaskID string `json:"taskId"`
	TagID  string `json:"tagId"`
}

// AssignTag implements the "assign_tag" command, publishing tag:assigned on the task channel.
func AssignTag(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p assignTagPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.TaskID == "" || p.TagID == "" {
		return Reply{}, newError("INVALID_REQUEST", "taskId and tagId are required")
	}

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	task, err := d.Repo.GetTask(ctx, p.TaskID)
	if err != nil {
		return Reply{}, newError("TASK_NOT_FOUND", "task not found")
	}

	if err := d.Repo.AssignTag(ctx, p.TaskID, p.TagID); err != nil {
		if errors.Is(err, repository.ErrTagNotFound) {
			return Reply{}, newError("TAG_NOT_FOUND", "tag not found")
		}
		if errors.Is(err, repository.ErrTaskNotFound) {
			return Reply{}, newError("TASK_NOT_FOUND", "task not found")
		}
		return Reply{}, newError("TAG_ASSIGN_ERROR", "failed to assign tag")
	}

	d.Publisher.Publish(wire.ChannelTask, router.Event{
		Type:    wire.EventTagAssigned,
		Fields:  map[string]any{"taskId": p.TaskID, "tagId": p.TagID, "boardId": task.BoardID},
		Payload: map[string]any{"taskId": p.TaskID, "tagId": p.TagID, "boardId": task.BoardID},
	})

	return Reply{Type: wire.TypeAssignTag, Payload: map[string]any{"taskId": p.TaskID, "tagId": p.TagID}}, nil
}
