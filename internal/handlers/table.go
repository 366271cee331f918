package handlers

import "github.com/kanbanrt/gateway/internal/wire"

// Table maps inbound message types to their repository-backed handlers. The Hub consults this after its own
// router-only types (auth, subscribe, unsubscribe, filter_subscription, ping, user_presence, typing_start,
// typing_stop) have been ruled out.
var Table = map[string]Handler{
	wire.TypeGetTask:          GetTask,
	wire.TypeUpdateTask:       UpdateTask,
	wire.TypeCreateTask:       CreateTask,
	wire.TypeDeleteTask:       DeleteTask,
	wire.TypeGetBoard:         GetBoard,
	wire.TypeUpdateBoard:      UpdateBoard,
	wire.TypeAddNote:          AddNote,
	wire.TypeAssignTag:        AssignTag,
	wire.TypeAddDependency:    AddDependency,
	wire.TypeRemoveDependency: RemoveDependency,
	wire.TypeCreateSubtask:    CreateSubtask,
	wire.TypeUpdateSubtask:    UpdateSubtask,
	wire.TypeDeleteSubtask:    DeleteSubtask,
	wire.TypeBulkOperation:    BulkOperation,
}

// RequiredPermission is the coarse verb:scope permission the Hub checks before invoking the matching handler.
// bulk_operation has no entry here: it performs its own per-task permission check inside the handler.
var RequiredPermission = map[string]string{
	wire.TypeGetTask:          "read:task",
	wire.TypeUpdateTask:       "write:task",
	wire.TypeCreateTask:       "write:board",
	wire.TypeDeleteTask:       "delete:task",
	wire.TypeGetBoard:         "read:board",
	wire.TypeUpdateBoard:      "write:board",
	wire.TypeAddNote:          "write:task",
	wire.TypeAssignTag:        "write:task",
	wire.TypeAddDependency:    "write:task",
	wire.TypeRemoveDependency: "write:task",
	wire.TypeCreateSubtask:    "write:task",
	wire.TypeUpdateSubtask:    "write:task",
	wire.TypeDeleteSubtask:    "write:task",
}
