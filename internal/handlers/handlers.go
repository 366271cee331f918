// Package handlers implements the repository-backed command handlers: every message type whose handling requires
// a call into the Repository (tasks, boards, notes, tags, dependencies, subtasks, bulk operations). Router-only
// concerns (auth, subscribe/unsubscribe, ping, presence, typing) are handled directly by internal/gateway's Hub,
// which owns the permission set and never needs the Repository. Handlers depend only on the publish and
// permission-lookup surfaces they consume, so there is no cycle back into the gateway.
package handlers

import (
	"context"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/kanbanrt/gateway/internal/authn"
	"github.com/kanbanrt/gateway/internal/repository"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/wire"
)

// Publisher is the narrow slice of the SubscriptionRouter that handlers consume: publish, never subscribe or
// inspect registry state directly.
type Publisher interface {
	Publish(channel wire.Channel, event router.Event) int
	PublishWhere(channel wire.Channel, event router.Event, pred func(router.Filter) bool) int
	PublishTaskUpdate(taskID, boardID string, event router.Event) int
}

// Deps bundles the collaborators every Command Handler may need.
type Deps struct {
	Repo        repository.Repository
	Publisher   Publisher
	Sanitizer   *bluemonday.Policy
	CallTimeout time.Duration
	Log         zerolog.Logger
}

// Request is one dispatched command, already past the Hub's rate-limit, auth, and coarse permission gates.
type Request struct {
	ID          string
	ConnID      string
	User        authn.User
	Permissions authn.PermissionSet
	Payload     []byte
}

// Reply is a handler's direct, request-echoing response. Type is the outbound frame type; the gateway fills in ID and Timestamp.
type Reply struct {
	Type    string
	Payload any
}

// Error is a typed handler failure, carrying the wire error code sent back to the client.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(code, message string) *Error { return &Error{Code: code, Message: message} }

// Handler processes one Request and returns its direct reply, or a typed Error on failure.
type Handler func(ctx context.Context, d *Deps, req Request) (Reply, error)
