package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kanbanrt/gateway/internal/repository"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/wire"
)

type dependencyPayload struct {
	TaskID          string `json:"taskId"`
	DependsOnTaskID string `json:"dependsOnTaskId"`
}

// AddDependency implements the "add_dependency" command. The cycle/self-dependency rule is the Repository's
// contract; the handler only translates its sentinel errors into the wire code.
func AddDependency(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p dependencyPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.TaskID == "" || p.DependsOnTaskID == "" {
		return Reply{}, newError("INVALID_REQUEST", "taskId and dependsOnTaskId are required")
	}

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	if err := d.Repo.AddDependency(ctx, p.TaskID, p.DependsOnTaskID); err != nil {
		switch {
		case errors.Is(err, repository.ErrDependencyCycle), errors.Is(err, repository.ErrSelfDependency):
			return Reply{}, newError("DEPENDENCY_ADD_FAILED", "adding this dependency would create a cycle")
		case errors.Is(err, repository.ErrTaskNotFound):
			return Reply{}, newError("TASK_NOT_FOUND", "task not found")
		default:
			return Reply{}, newError("DEPENDENCY_ADD_FAILED", "failed to add dependency")
		}
	}

	d.Publisher.Publish(wire.ChannelDependencies, router.Event{
		Type:    wire.EventDependencyAdded,
		Fields:  map[string]any{"taskId": p.TaskID, "dependsOnTaskId": p.DependsOnTaskID},
		Payload: map[string]any{"taskId": p.TaskID, "dependsOnTaskId": p.DependsOnTaskID},
	})

	return Reply{Type: wire.TypeAddDependency, Payload: map[string]any{
		"taskId": p.TaskID, "dependsOnTaskId": p.DependsOnTaskID,
	}}, nil
}

// RemoveDependency implements the "remove_dependency" command.
func RemoveDependency(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p dependencyPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.TaskID == "" || p.DependsOnTaskID == "" {
		return Reply{}, newError("INVALID_REQUEST", "taskId and dependsOnTaskId are required")
	}

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	if err := d.Repo.RemoveDependency(ctx, p.TaskID, p.DependsOnTaskID); err != nil {
		if errors.Is(err, repository.ErrDependencyNotFound) {
			return Reply{}, newError("DEPENDENCY_NOT_FOUND", "dependency not found")
		}
		return Reply{}, newError("DEPENDENCY_REMOVE_ERROR", "failed to remove dependency")
	}

	d.Publisher.Publish(wire.ChannelDependencies, router.Event{
		Type:    wire.EventDependencyRemoved,
		Fields:  map[string]any{"taskId": p.TaskID, "dependsOnTaskId": p.DependsOnTaskID},
		Payload: map[string]any{"taskId": p.TaskID, "dependsOnTaskId": p.DependsOnTaskID},
	})

	return Reply{Type: wire.TypeRemoveDependency, Payload: map[string]any{
		"taskId": p.TaskID, "dependsOnTaskId": p.DependsOnTaskID,
	}}, nil
}
