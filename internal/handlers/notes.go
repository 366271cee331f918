package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kanbanrt/gateway/internal/repository"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/wire"
)

type addNotePayload struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

// AddNote implements the "add_note" command. Content is sanitised through bluemonday before persistence.
func AddNote(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p addNotePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.TaskID == "" || p.Content == "" {
		return Reply{}, newError("INVALID_REQUEST", "task_id and content are required")
	}
	content := d.Sanitizer.Sanitize(p.Content)

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	task, err := d.Repo.GetTask(ctx, p.TaskID)
	if err != nil {
		return Reply{}, newError("TASK_NOT_FOUND", "task not found")
	}

	note, err := d.Repo.CreateNote(ctx, p.TaskID, task.BoardID, req.User.ID, content)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return Reply{}, newError("TASK_NOT_FOUND", "task not found")
		}
		return Reply{}, newError("NOTE_CREATE_ERROR", "failed to add note")
	}

	d.Publisher.Publish(wire.ChannelTask, router.Event{
		Type:    wire.EventNoteAdded,
		Fields:  map[string]any{"taskId": note.TaskID, "boardId": note.BoardID},
		Payload: map[string]any{"note": note, "taskId": note.TaskID, "boardId": note.BoardID},
	})

	return Reply{Type: wire.TypeAddNote, Payload: note}, nil
}
