// Package wire defines the gateway wire envelope: the JSON frame shape exchanged over the WebSocket connection, the
// set of inbound message types, and the set of outbound publication event types. It has no dependency on any other
// internal package so it can be imported by every layer of the gateway.
package wire

import (
	"encoding/json"
	"time"
)

// Frame is the wire-format structure for every inbound and outbound message. Inbound frames carry type, id, and
// payload; outbound frames additionally carry a server-stamped timestamp.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// NewOutboundFrame stamps an outbound frame with the current time in ISO-8601 form.
func NewOutboundFrame(msgType, id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:      msgType,
		ID:        id,
		Payload:   raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Marshal serialises the frame to JSON bytes ready to hand to a FrameTransport.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Inbound message types recognised by the MessageRouter's dispatch table.
const (
	TypeAuth              = "auth"
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypePing              = "ping"
	TypeGetTask           = "get_task"
	TypeUpdateTask        = "update_task"
	TypeCreateTask        = "create_task"
	TypeDeleteTask        = "delete_task"
	TypeGetBoard          = "get_board"
	TypeUpdateBoard       = "update_board"
	TypeAddNote           = "add_note"
	TypeAssignTag         = "assign_tag"
	TypeUserPresence      = "user_presence"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeAddDependency     = "add_dependency"
	TypeRemoveDependency  = "remove_dependency"
	TypeCreateSubtask     = "create_subtask"
	TypeUpdateSubtask     = "update_subtask"
	TypeDeleteSubtask     = "delete_subtask"
	TypeBulkOperation     = "bulk_operation"
	TypeFilterSubscribe   = "filter_subscription"
)

// Outbound publication event types.
const (
	EventTaskCreated         = "task:created"
	EventTaskUpdated         = "task:updated"
	EventTaskDeleted         = "task:deleted"
	EventTaskMoved           = "task:moved"
	EventBoardUpdated        = "board:updated"
	EventBoardAnalytics      = "board:analytics"
	EventNoteAdded           = "note:added"
	EventNoteUpdated         = "note:updated"
	EventTagAssigned         = "tag:assigned"
	EventUserPresence        = "user:presence"
	EventTypingStart         = "typing:start"
	EventTypingStop          = "typing:stop"
	EventSystemNotification  = "system:notification"
	EventConnectionStatus    = "connection:status"
	EventDependencyAdded     = "dependency:added"
	EventDependencyRemoved   = "dependency:removed"
	EventDependencyBlocked   = "dependency:blocked"
	EventSubtaskCreated      = "subtask:created"
	EventSubtaskUpdated      = "subtask:updated"
	EventSubtaskDeleted      = "subtask:deleted"
	EventSubtaskCompleted    = "subtask:completed"
	EventPriorityChanged     = "priority:changed"
	EventBulkOperation       = "bulk:operation"
	EventWelcome             = "welcome"
	EventHeartbeat           = "heartbeat"
	EventPong                = "pong"
	EventError               = "error"
)

// Channel names a subscribable topic.
type Channel string

const (
	ChannelBoard                Channel = "board"
	ChannelTask                 Channel = "task"
	ChannelUserPresence         Channel = "user-presence"
	ChannelSystemNotifications  Channel = "system-notifications"
	ChannelBoardAnalytics       Channel = "board-analytics"
	ChannelDependencies         Channel = "dependencies"
	ChannelSubtasks             Channel = "subtasks"
)

// ValidChannel reports whether c names a known subscribable channel.
func ValidChannel(c Channel) bool {
	switch c {
	case ChannelBoard, ChannelTask, ChannelUserPresence, ChannelSystemNotifications,
		ChannelBoardAnalytics, ChannelDependencies, ChannelSubtasks:
		return true
	default:
		return false
	}
}

// ErrorPayload is the standard shape of a failed request reply's payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WelcomePayload is sent once a connection enters OPEN_UNAUTH.
type WelcomePayload struct {
	ConnectionID    string `json:"connectionId"`
	ServerVersion   string `json:"serverVersion"`
	ProtocolVersion int    `json:"protocolVersion"`
	AuthRequired    bool   `json:"authRequired"`
}

// UserView is the identity shape echoed back to the client on successful authentication.
type UserView struct {
	ID          string   `json:"id"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// AuthReplyPayload is the reply to an "auth" request.
type AuthReplyPayload struct {
	OK    bool          `json:"ok"`
	User  *UserView     `json:"user,omitempty"`
	Error *ErrorPayload `json:"error,omitempty"`
}
