package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kanbanrt/gateway/internal/repository"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/wire"
)

type getBoardPayload struct {
	BoardID string `json:"boardId"`
}

// GetBoard implements the "get_board" command.
func GetBoard(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p getBoardPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.BoardID == "" {
		return Reply{}, newError("INVALID_REQUEST", "boardId is required")
	}

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	board, err := d.Repo.GetBoard(ctx, p.BoardID)
	if err != nil {
		if errors.Is(err, repository.ErrBoardNotFound) {
			return Reply{}, newError("BOARD_NOT_FOUND", "board not found")
		}
		return Reply{}, newError("INTERNAL_ERROR", "failed to load board")
	}
	return Reply{Type: wire.TypeGetBoard, Payload: board}, nil
}

type updateBoardPayload struct {
	BoardID string         `json:"boardId"`
	Updates map[string]any `json:"updates"`
}

// UpdateBoard implements the "update_board" command.
func UpdateBoard(ctx context.Context, d *Deps, req Request) (Reply, error) {
	var p updateBoardPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.BoardID == "" || len(p.Updates) == 0 {
		return Reply{}, newError("INVALID_REQUEST", "boardId and updates are required")
	}
	if name, ok := p.Updates["name"].(string); ok {
		p.Updates["name"] = d.Sanitizer.Sanitize(name)
	}

	ctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()

	board, err := d.Repo.UpdateBoard(ctx, p.BoardID, p.Updates)
	if err != nil {
		if errors.Is(err, repository.ErrBoardNotFound) {
			return Reply{}, newError("BOARD_NOT_FOUND", "board not found")
		}
		return Reply{}, newError("BOARD_UPDATE_ERROR", "failed to update board")
	}

	d.Publisher.Publish(wire.ChannelBoard, router.Event{
		Type:    wire.EventBoardUpdated,
		Fields:  map[string]any{"boardId": board.ID},
		Payload: map[string]any{"board": board, "changes": p.Updates},
	})

	return Reply{Type: wire.TypeUpdateBoard, Payload: board}, nil
}
