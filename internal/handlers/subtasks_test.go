package handlers

import (
	"context"
	"testing"

	"github.com/kanbanrt/gateway/internal/repository"
	"github.com/kanbanrt/gateway/internal/wire"
)

func TestCreateSubtask_ParentNotFound(t *testing.T) {
	deps := newTestDeps(&fakeRepository{}, &fakePublisher{})
	_, err := CreateSubtask(context.Background(), deps, testRequest([]byte(`{"parentTaskId":"t-1","title":"x"}`)))
	assertHandlerError(t, err, "TASK_NOT_FOUND")
}

func TestCreateSubtask_ComputesParentProgress(t *testing.T) {
	repo := &fakeRepository{
		createSubtaskFn: func(ctx context.Context, parentTaskID, title string) (*repository.Subtask, error) {
			return &repository.Subtask{ID: "s-new", ParentTaskID: parentTaskID, Title: title}, nil
		},
		getSubtasksFn: func(ctx context.Context, parentTaskID string) ([]repository.Subtask, error) {
			return []repository.Subtask{{ID: "s-1", Done: true}, {ID: "s-new", Done: false}}, nil
		},
	}
	pub := &fakePublisher{}
	deps := newTestDeps(repo, pub)

	_, err := CreateSubtask(context.Background(), deps, testRequest([]byte(`{"parentTaskId":"t-1","title":"x"}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected a single publication, got %+v", pub.published)
	}
	payload := pub.published[0].event.Payload.(map[string]any)
	if payload["parentProgress"] != 50 {
		t.Errorf("parentProgress = %v, want 50", payload["parentProgress"])
	}
}

func TestUpdateSubtask_PublishesCompletedWhenDone(t *testing.T) {
	repo := &fakeRepository{
		updateSubtaskFn: func(ctx context.Context, subtaskID string, updates map[string]any) (*repository.Subtask, error) {
			return &repository.Subtask{ID: subtaskID, ParentTaskID: "t-1", Done: true}, nil
		},
		getSubtasksFn: func(ctx context.Context, parentTaskID string) ([]repository.Subtask, error) {
			return []repository.Subtask{{ID: "s-1", Done: true}}, nil
		},
	}
	pub := &fakePublisher{}
	deps := newTestDeps(repo, pub)

	_, err := UpdateSubtask(context.Background(), deps, testRequest([]byte(`{"subtaskId":"s-1","updates":{"done":true}}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0].event.Type != wire.EventSubtaskCompleted {
		t.Errorf("expected subtask:completed publication, got %+v", pub.published)
	}
}

func TestUpdateSubtask_PublishesUpdatedWhenNotDone(t *testing.T) {
	repo := &fakeRepository{
		updateSubtaskFn: func(ctx context.Context, subtaskID string, updates map[string]any) (*repository.Subtask, error) {
			return &repository.Subtask{ID: subtaskID, ParentTaskID: "t-1"}, nil
		},
	}
	pub := &fakePublisher{}
	deps := newTestDeps(repo, pub)

	_, err := UpdateSubtask(context.Background(), deps, testRequest([]byte(`{"subtaskId":"s-1","updates":{"title":"renamed"}}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0].event.Type != wire.EventSubtaskUpdated {
		t.Errorf("expected subtask:updated publication, got %+v", pub.published)
	}
}

func TestDeleteSubtask_NotFound(t *testing.T) {
	deps := newTestDeps(&fakeRepository{}, &fakePublisher{})
	_, err := DeleteSubtask(context.Background(), deps, testRequest([]byte(`{"subtaskId":"s-1"}`)))
	assertHandlerError(t, err, "SUBTASK_NOT_FOUND")
}

func TestDeleteSubtask_Success(t *testing.T) {
	repo := &fakeRepository{
		getSubtaskFn: func(ctx context.Context, subtaskID string) (*repository.Subtask, error) {
			return &repository.Subtask{ID: subtaskID, ParentTaskID: "t-1"}, nil
		},
		deleteSubtaskFn: func(ctx context.Context, subtaskID string) error { return nil },
	}
	pub := &fakePublisher{}
	deps := newTestDeps(repo, pub)

	reply, err := DeleteSubtask(context.Background(), deps, testRequest([]byte(`{"subtaskId":"s-1"}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Type != wire.TypeDeleteSubtask {
		t.Errorf("reply type = %q, want %q", reply.Type, wire.TypeDeleteSubtask)
	}
	if len(pub.published) != 1 || pub.published[0].event.Type != wire.EventSubtaskDeleted {
		t.Errorf("expected subtask:deleted publication, got %+v", pub.published)
	}
}
