// Package presence provides ephemeral presence and typing state backed by Valkey for the "user_presence",
// "typing_start", and "typing_stop" message types. Presence keys carry a TTL refreshed on heartbeat; typing
// indicators use SET NX with a short TTL to suppress duplicate dispatches from rapid keystrokes.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// presenceTTL is the lifetime of a presence key. Heartbeats refresh this TTL so keys expire only when the client
	// stops sending heartbeats without a clean close.
	presenceTTL = 120 * time.Second

	// typingTTL is the lifetime of a typing indicator key. SET NX suppresses duplicate TYPING_START dispatches from
	// rapid keystrokes within the window.
	typingTTL = 10 * time.Second

	// StatusOnline indicates the user is actively connected.
	StatusOnline = "online"
	// StatusAway indicates the user is connected but inactive.
	StatusAway = "away"
	// StatusOffline is the implicit status when no presence key exists. It is never stored in Valkey.
	StatusOffline = "offline"
)

// State is one user's presence at a point in time, returned by GetMany for READY-style snapshots.
type State struct {
	UserID string
	Status string
}

// Store reads and writes ephemeral presence and typing state in Valkey.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a new presence store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Set stores the user's presence status with the standard TTL.
func (s *Store) Set(ctx context.Context, userID, status string) error {
	if err := s.rdb.Set(ctx, presenceKey(userID), status, presenceTTL).Err(); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's current presence status. If the key does not exist the user is considered offline.
func (s *Store) Get(ctx context.Context, userID string) (string, error) {
	val, err := s.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("get presence for %s: %w", userID, err)
	}
	return val, nil
}

// GetMany returns the current presence state for each user. The returned slice may be shorter than the input when
// some users are offline.
func (s *Store) GetMany(ctx context.Context, userIDs []string) ([]State, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(id)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presence: %w", err)
	}

	result := make([]State, 0, len(userIDs))
	for i, v := range vals {
		if v == nil {
			continue
		}
		status, ok := v.(string)
		if !ok {
			continue
		}
		result = append(result, State{UserID: userIDs[i], Status: status})
	}
	return result, nil
}

// Refresh extends the TTL of an existing presence key without changing the stored status.
func (s *Store) Refresh(ctx context.Context, userID string) error {
	if err := s.rdb.Expire(ctx, presenceKey(userID), presenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", userID, err)
	}
	return nil
}

// Delete removes the user's presence key. After deletion the user is considered offline.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	return nil
}

// SetTyping records that userID started typing against subjectID (a taskId or boardId). The key uses SET NX so
// repeated calls within the TTL window are no-ops. Returns true when the key was newly created (a typing:start
// dispatch should be sent), false when a duplicate was suppressed.
func (s *Store) SetTyping(ctx context.Context, subjectID, userID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, typingKey(subjectID, userID), 1, typingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set typing for %s on %s: %w", userID, subjectID, err)
	}
	return ok, nil
}

// ClearTyping removes the typing indicator for userID on subjectID. Returns true when the key existed and was
// deleted (a TYPING_STOP dispatch should be sent), false when there was nothing to clear.
func (s *Store) ClearTyping(ctx context.Context, subjectID, userID string) (bool, error) {
	n, err := s.rdb.Del(ctx, typingKey(subjectID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("clear typing for %s on %s: %w", userID, subjectID, err)
	}
	return n > 0, nil
}

// ValidStatus returns true for statuses a client may set via the user_presence message type. StatusOffline is
// rejected: clients go offline by disconnecting, not by declaring it.
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusAway:
		return true
	default:
		return false
	}
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

func typingKey(subjectID, userID string) string {
	return "typing:" + subjectID + ":" + userID
}
