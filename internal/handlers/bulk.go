package handlers

import (
	"context"
	"encoding/json"

	"github.com/kanbanrt/gateway/internal/authn"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/wire"
)

type bulkOperationPayload struct {
	Operation string         `json:"operation"`
	TaskIDs   []string       `json:"taskIds"`
	Updates   map[string]any `json:"updates,omitempty"`
	TagID     string         `json:"tagId,omitempty"`
}

// bulkResult is one task's outcome. Failed tasks are reported alongside successes so a partial failure does not
// obscure which tasks went through.
type bulkResult struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error,omitempty"`
}

// BulkOperation implements the "bulk_operation" command: it applies operation across taskIds, requiring
// either the blanket write:all permission or a per-task write:task:<id> grant, and reports partial failures
// individually rather than failing the whole request.
func BulkOperation(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p bulkOperationPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.Operation == "" || len(p.TaskIDs) == 0 {
		return Reply{}, newError("INVALID_REQUEST", "operation and taskIds are required")
	}

	results := make([]bulkResult, 0, len(p.TaskIDs))
	succeeded := 0

	for _, taskID := range p.TaskIDs {
		if !authn.Has(req.Permissions, "write:task:"+taskID) {
			results = append(results, bulkResult{TaskID: taskID, Error: "INSUFFICIENT_PERMISSIONS"})
			continue
		}

		taskCtx, cancel := context.WithTimeout(ctx, d.CallTimeout)
		task, err := applyBulkOperation(taskCtx, d, p, taskID)
		cancel()
		if err != nil {
			results = append(results, bulkResult{TaskID: taskID, Error: bulkErrorCode(p.Operation, err)})
			continue
		}

		succeeded++
		results = append(results, bulkResult{TaskID: taskID})
		if task != nil {
			d.Publisher.PublishTaskUpdate(taskID, task.BoardID, router.Event{
				Type:    bulkEventType(p.Operation),
				Payload: map[string]any{"taskId": taskID, "boardId": task.BoardID, "operation": p.Operation},
			})
		}
	}

	d.Publisher.Publish(wire.ChannelTask, router.Event{
		Type:    wire.EventBulkOperation,
		Payload: map[string]any{"operation": p.Operation, "results": results},
	})

	return Reply{Type: wire.TypeBulkOperation, Payload: map[string]any{
		"operation": p.Operation, "succeeded": succeeded, "failed": len(results) - succeeded, "results": results,
	}}, nil
}

func applyBulkOperation(ctx context.Context, d *Deps, p bulkOperationPayload, taskID string) (*taskLite, error) {
	switch p.Operation {
	case "delete":
		task, err := d.Repo.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if err := d.Repo.DeleteTask(ctx, taskID); err != nil {
			return nil, err
		}
		return &taskLite{BoardID: task.BoardID}, nil
	case "assign_tag":
		task, err := d.Repo.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if err := d.Repo.AssignTag(ctx, taskID, p.TagID); err != nil {
			return nil, err
		}
		return &taskLite{BoardID: task.BoardID}, nil
	default: // "move" and any other update-shaped operation apply Updates directly.
		task, err := d.Repo.UpdateTask(ctx, taskID, p.Updates)
		if err != nil {
			return nil, err
		}
		return &taskLite{BoardID: task.BoardID}, nil
	}
}

// taskLite carries only what bulk publication needs after an operation that may have deleted the task row.
type taskLite struct {
	BoardID string
}

func bulkEventType(operation string) string {
	switch operation {
	case "delete":
		return wire.EventTaskDeleted
	case "assign_tag":
		return wire.EventTagAssigned
	default:
		return wire.EventTaskUpdated
	}
}

func bulkErrorCode(operation string, err error) string {
	switch operation {
	case "delete":
		return "TASK_DELETE_ERROR"
	case "assign_tag":
		return "TAG_ASSIGN_ERROR"
	default:
		return "TASK_UPDATE_ERROR"
	}
}
