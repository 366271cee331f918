package handlers

import (
	"context"
	"testing"

	"github.com/kanbanrt/gateway/internal/repository"
	"github.com/kanbanrt/gateway/internal/wire"
)

func TestAddDependency_RejectsCycle(t *testing.T) {
	repo := &fakeRepository{addDependencyFn: func(ctx context.Context, taskID, dependsOnTaskID string) error {
		return repository.ErrDependencyCycle
	}}
	deps := newTestDeps(repo, &fakePublisher{})

	_, err := AddDependency(context.Background(), deps, testRequest([]byte(`{"taskId":"t-1","dependsOnTaskId":"t-2"}`)))
	assertHandlerError(t, err, "DEPENDENCY_ADD_FAILED")
}

func TestAddDependency_RejectsSelfDependency(t *testing.T) {
	repo := &fakeRepository{addDependencyFn: func(ctx context.Context, taskID, dependsOnTaskID string) error {
		return repository.ErrSelfDependency
	}}
	deps := newTestDeps(repo, &fakePublisher{})

	_, err := AddDependency(context.Background(), deps, testRequest([]byte(`{"taskId":"t-1","dependsOnTaskId":"t-1"}`)))
	assertHandlerError(t, err, "DEPENDENCY_ADD_FAILED")
}

func TestAddDependency_Success(t *testing.T) {
	repo := &fakeRepository{addDependencyFn: func(ctx context.Context, taskID, dependsOnTaskID string) error { return nil }}
	pub := &fakePublisher{}
	deps := newTestDeps(repo, pub)

	reply, err := AddDependency(context.Background(), deps, testRequest([]byte(`{"taskId":"t-1","dependsOnTaskId":"t-2"}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Type != wire.TypeAddDependency {
		t.Errorf("reply type = %q, want %q", reply.Type, wire.TypeAddDependency)
	}
	if len(pub.published) != 1 || pub.published[0].event.Type != wire.EventDependencyAdded {
		t.Errorf("expected a single dependency:added publication, got %+v", pub.published)
	}
}

func TestRemoveDependency_NotFound(t *testing.T) {
	repo := &fakeRepository{removeDependencyFn: func(ctx context.Context, taskID, dependsOnTaskID string) error {
		return repository.ErrDependencyNotFound
	}}
	deps := newTestDeps(repo, &fakePublisher{})

	_, err := RemoveDependency(context.Background(), deps, testRequest([]byte(`{"taskId":"t-1","dependsOnTaskId":"t-2"}`)))
	assertHandlerError(t, err, "DEPENDENCY_NOT_FOUND")
}

func TestRemoveDependency_Success(t *testing.T) {
	repo := &fakeRepository{removeDependencyFn: func(ctx context.Context, taskID, dependsOnTaskID string) error { return nil }}
	pub := &fakePublisher{}
	deps := newTestDeps(repo, pub)

	reply, err := RemoveDependency(context.Background(), deps, testRequest([]byte(`{"taskId":"t-1","dependsOnTaskId":"t-2"}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Type != wire.TypeRemoveDependency {
		t.Errorf("reply type = %q, want %q", reply.Type, wire.TypeRemoveDependency)
	}
	if len(pub.published) != 1 || pub.published[0].event.Type != wire.EventDependencyRemoved {
		t.Errorf("expected a single dependency:removed publication, got %+v", pub.published)
	}
}
