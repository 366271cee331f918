package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/kanbanrt/gateway/internal/authn"
	"github.com/kanbanrt/gateway/internal/repository"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/wire"
)

// fakeRepository is a full repository.Repository double; each method delegates to an overridable hook, falling back
// to a not-found/not-implemented sentinel when the test doesn't care about that call.
type fakeRepository struct {
	getTaskFn            func(ctx context.Context, taskID string) (*repository.Task, error)
	updateTaskFn         func(ctx context.Context, taskID string, updates map[string]any) (*repository.Task, error)
	createTaskFn         func(ctx context.Context, boardID, title string, fields map[string]any) (*repository.Task, error)
	deleteTaskFn         func(ctx context.Context, taskID string) error
	getBoardFn           func(ctx context.Context, boardID string) (*repository.Board, error)
	updateBoardFn        func(ctx context.Context, boardID string, updates map[string]any) (*repository.Board, error)
	boardTaskCountsFn    func(ctx context.Context, boardID string) (*repository.BoardTaskCounts, error)
	createNoteFn         func(ctx context.Context, taskID, boardID, authorID, content string) (*repository.Note, error)
	assignTagFn          func(ctx context.Context, taskID, tagID string) error
	addDependencyFn      func(ctx context.Context, taskID, dependsOnTaskID string) error
	removeDependencyFn   func(ctx context.Context, taskID, dependsOnTaskID string) error
	getSubtasksFn        func(ctx context.Context, parentTaskID string) ([]repository.Subtask, error)
	getSubtaskFn         func(ctx context.Context, subtaskID string) (*repository.Subtask, error)
	createSubtaskFn      func(ctx context.Context, parentTaskID, title string) (*repository.Subtask, error)
	updateSubtaskFn      func(ctx context.Context, subtaskID string, updates map[string]any) (*repository.Subtask, error)
	deleteSubtaskFn      func(ctx context.Context, subtaskID string) error
}

func (f *fakeRepository) GetTask(ctx context.Context, taskID string) (*repository.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, taskID)
	}
	return nil, repository.ErrTaskNotFound
}
func (f *fakeRepository) UpdateTask(ctx context.Context, taskID string, updates map[string]any) (*repository.Task, error) {
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, taskID, updates)
	}
	return nil, repository.ErrTaskNotFound
}
func (f *fakeRepository) CreateTask(ctx context.Context, boardID, title string, fields map[string]any) (*repository.Task, error) {
	if f.createTaskFn != nil {
		return f.createTaskFn(ctx, boardID, title, fields)
	}
	return nil, errors.New("not implemented")
}
func (f *fakeRepository) DeleteTask(ctx context.Context, taskID string) error {
	if f.deleteTaskFn != nil {
		return f.deleteTaskFn(ctx, taskID)
	}
	return repository.ErrTaskNotFound
}
func (f *fakeRepository) GetBoard(ctx context.Context, boardID string) (*repository.Board, error) {
	if f.getBoardFn != nil {
		return f.getBoardFn(ctx, boardID)
	}
	return nil, repository.ErrBoardNotFound
}
func (f *fakeRepository) UpdateBoard(ctx context.Context, boardID string, updates map[string]any) (*repository.Board, error) {
	if f.updateBoardFn != nil {
		return f.updateBoardFn(ctx, boardID, updates)
	}
	return nil, repository.ErrBoardNotFound
}
func (f *fakeRepository) BoardTaskCounts(ctx context.Context, boardID string) (*repository.BoardTaskCounts, error) {
	if f.boardTaskCountsFn != nil {
		return f.boardTaskCountsFn(ctx, boardID)
	}
	return &repository.BoardTaskCounts{BoardID: boardID}, nil
}
func (f *fakeRepository) CreateNote(ctx context.Context, taskID, boardID, authorID, content string) (*repository.Note, error) {
	if f.createNoteFn != nil {
		return f.createNoteFn(ctx, taskID, boardID, authorID, content)
	}
	return nil, errors.New("not implemented")
}
func (f *fakeRepository) AssignTag(ctx context.Context, taskID, tagID string) error {
	if f.assignTagFn != nil {
		return f.assignTagFn(ctx, taskID, tagID)
	}
	return errors.New("not implemented")
}
func (f *fakeRepository) AddDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	if f.addDependencyFn != nil {
		return f.addDependencyFn(ctx, taskID, dependsOnTaskID)
	}
	return errors.New("not implemented")
}
func (f *fakeRepository) RemoveDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	if f.removeDependencyFn != nil {
		return f.removeDependencyFn(ctx, taskID, dependsOnTaskID)
	}
	return errors.New("not implemented")
}
func (f *fakeRepository) GetSubtasks(ctx context.Context, parentTaskID string) ([]repository.Subtask, error) {
	if f.getSubtasksFn != nil {
		return f.getSubtasksFn(ctx, parentTaskID)
	}
	return nil, nil
}
func (f *fakeRepository) GetSubtask(ctx context.Context, subtaskID string) (*repository.Subtask, error) {
	if f.getSubtaskFn != nil {
		return f.getSubtaskFn(ctx, subtaskID)
	}
	return nil, repository.ErrSubtaskNotFound
}
func (f *fakeRepository) CreateSubtask(ctx context.Context, parentTaskID, title string) (*repository.Subtask, error) {
	if f.createSubtaskFn != nil {
		return f.createSubtaskFn(ctx, parentTaskID, title)
	}
	return nil, repository.ErrTaskNotFound
}
func (f *fakeRepository) UpdateSubtask(ctx context.Context, subtaskID string, updates map[string]any) (*repository.Subtask, error) {
	if f.updateSubtaskFn != nil {
		return f.updateSubtaskFn(ctx, subtaskID, updates)
	}
	return nil, repository.ErrSubtaskNotFound
}
func (f *fakeRepository) DeleteSubtask(ctx context.Context, subtaskID string) error {
	if f.deleteSubtaskFn != nil {
		return f.deleteSubtaskFn(ctx, subtaskID)
	}
	return repository.ErrSubtaskNotFound
}

var _ repository.Repository = (*fakeRepository)(nil)

// fakePublisher is a Publisher double recording every publication for assertion.
type fakePublisher struct {
	published []publication
}

type publication struct {
	channel string
	event   router.Event
}

func (p *fakePublisher) Publish(channel wire.Channel, event router.Event) int {
	p.published = append(p.published, publication{channel: string(channel), event: event})
	return 1
}
func (p *fakePublisher) PublishWhere(channel wire.Channel, event router.Event, pred func(router.Filter) bool) int {
	return p.Publish(channel, event)
}
func (p *fakePublisher) PublishTaskUpdate(taskID, boardID string, event router.Event) int {
	if event.Fields == nil {
		event.Fields = make(map[string]any)
	}
	event.Fields["taskId"] = taskID
	event.Fields["boardId"] = boardID
	p.published = append(p.published, publication{channel: "task", event: event})
	return 1
}

func (p *fakePublisher) eventTypes() []string {
	out := make([]string, len(p.published))
	for i, pub := range p.published {
		out[i] = pub.event.Type
	}
	return out
}

func newTestDeps(repo *fakeRepository, pub *fakePublisher) *Deps {
	return &Deps{
		Repo:        repo,
		Publisher:   pub,
		Sanitizer:   bluemonday.UGCPolicy(),
		CallTimeout: time.Second,
		Log:         zerolog.Nop(),
	}
}

func testRequest(payload []byte) Request {
	return Request{
		ID:          "req-1",
		ConnID:      "conn-1",
		User:        authn.User{ID: "user-1"},
		Permissions: authn.NewPermissionSet([]string{"write:all"}),
		Payload:     payload,
	}
}
