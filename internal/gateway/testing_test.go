package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kanbanrt/gateway/internal/authn"
	"github.com/kanbanrt/gateway/internal/config"
	"github.com/kanbanrt/gateway/internal/handlers"
	"github.com/kanbanrt/gateway/internal/presence"
	"github.com/kanbanrt/gateway/internal/ratelimit"
	"github.com/kanbanrt/gateway/internal/registry"
	"github.com/kanbanrt/gateway/internal/repository"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/wire"
)

// fakeConn is an in-memory double for Conn, letting tests drive readPump/writePump without a real socket.
type fakeConn struct {
	mu     sync.Mutex
	inbox  chan fakeInbound
	closed bool

	written  [][]byte
	controls []fakeControl
	cursor   int // next unread index into written, advanced by nextFrame
}

type fakeInbound struct {
	messageType int
	data        []byte
}

type fakeControl struct {
	messageType int
	data        []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan fakeInbound, 32)}
}

// push enqueues data as the next text message ReadMessage returns. It is a no-op once the conn has been closed.
func (c *fakeConn) push(data []byte) { c.pushTyped(MessageText, data) }

// pushTyped enqueues data as the next message ReadMessage returns, tagged with the given opcode (e.g.
// MessageBinary, to exercise the binary-rejection path).
func (c *fakeConn) pushTyped(messageType int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.inbox <- fakeInbound{messageType, data}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.inbox
	if !ok {
		return 0, nil, errors.New("fakeConn: closed")
	}
	return msg.messageType, msg.data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fakeConn: write on closed connection")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, fakeControl{messageType, append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) SetReadLimit(limit int64)           {}
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbox)
	}
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr { return fakeAddr{} }

func (c *fakeConn) writtenSnapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

func (c *fakeConn) controlsSnapshot() []fakeControl {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fakeControl, len(c.controls))
	copy(out, c.controls)
	return out
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:0" }

// fakeCredentialStore and fakeAPIKeyStore let tests construct a working Authenticator without a database; the
// success path in these tests goes through IssueToken + bearer-token authentication instead.
type fakeCredentialStore struct{}

func (fakeCredentialStore) Lookup(context.Context, string) (authn.User, string, error) {
	return authn.User{}, "", errors.New("no such user")
}

type fakeAPIKeyStore struct{}

func (fakeAPIKeyStore) Lookup(context.Context, string) (authn.User, error) {
	return authn.User{}, errors.New("no such key")
}

// fakeRepository is a minimal repository.Repository double; individual test cases override the fields they need.
type fakeRepository struct {
	getTaskFn func(ctx context.Context, taskID string) (*repository.Task, error)
}

func (f *fakeRepository) GetTask(ctx context.Context, taskID string) (*repository.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, taskID)
	}
	return nil, repository.ErrTaskNotFound
}
func (f *fakeRepository) UpdateTask(ctx context.Context, taskID string, updates map[string]any) (*repository.Task, error) {
	return nil, repository.ErrTaskNotFound
}
func (f *fakeRepository) CreateTask(ctx context.Context, boardID, title string, fields map[string]any) (*repository.Task, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRepository) DeleteTask(ctx context.Context, taskID string) error {
	return repository.ErrTaskNotFound
}
func (f *fakeRepository) GetBoard(ctx context.Context, boardID string) (*repository.Board, error) {
	return nil, repository.ErrBoardNotFound
}
func (f *fakeRepository) UpdateBoard(ctx context.Context, boardID string, updates map[string]any) (*repository.Board, error) {
	return nil, repository.ErrBoardNotFound
}
func (f *fakeRepository) BoardTaskCounts(ctx context.Context, boardID string) (*repository.BoardTaskCounts, error) {
	return &repository.BoardTaskCounts{}, nil
}
func (f *fakeRepository) CreateNote(ctx context.Context, taskID, boardID, authorID, content string) (*repository.Note, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRepository) AssignTag(ctx context.Context, taskID, tagID string) error {
	return errors.New("not implemented")
}
func (f *fakeRepository) AddDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	return errors.New("not implemented")
}
func (f *fakeRepository) RemoveDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	return errors.New("not implemented")
}
func (f *fakeRepository) GetSubtasks(ctx context.Context, parentTaskID string) ([]repository.Subtask, error) {
	return nil, nil
}
func (f *fakeRepository) GetSubtask(ctx context.Context, subtaskID string) (*repository.Subtask, error) {
	return nil, repository.ErrSubtaskNotFound
}
func (f *fakeRepository) CreateSubtask(ctx context.Context, parentTaskID, title string) (*repository.Subtask, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRepository) UpdateSubtask(ctx context.Context, subtaskID string, updates map[string]any) (*repository.Subtask, error) {
	return nil, repository.ErrSubtaskNotFound
}
func (f *fakeRepository) DeleteSubtask(ctx context.Context, subtaskID string) error {
	return repository.ErrSubtaskNotFound
}

var _ repository.Repository = (*fakeRepository)(nil)

// testHub bundles a Hub built from real collaborators (miniredis-backed presence, in-process rate limiter, router,
// registry) with the test-only knobs needed to drive it deterministically.
type testHub struct {
	hub     *Hub
	cfg     *config.Config
	mr      *miniredis.Miniredis
	auth    *authn.Authenticator
	limiter *ratelimit.Limiter
	router  *router.Router
}

func newTestHub(authRequired bool) *testHub {
	mr, _ := miniredis.Run()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		AuthRequired:            authRequired,
		AuthTimeoutMS:           50,
		HeartbeatIntervalMS:     200,
		MaxPayloadSize:          1 << 16,
		OutboundQueueMax:        4,
		MaxSubscriptionsPerConn: 10,
		SubscriptionIdleMS:      60_000,
		RepositoryCallTimeout:   time.Second,
		MaxConnectionsPerWindow: 1000,
		MaxMessagesPerMinute:    1000,
		RateLimitWindowMS:       60_000,
		JWTSecret:               "test-secret-at-least-32-characters-long",
		JWTIssuer:               "kanbanrt-gateway-test",
	}

	auth := authn.New(cfg.JWTSecret, cfg.JWTIssuer, fakeCredentialStore{}, fakeAPIKeyStore{}, zerolog.Nop())
	limiter := ratelimit.New(
		ratelimit.Policy{Limit: cfg.MaxConnectionsPerWindow, WindowMS: cfg.RateLimitWindowMS},
		ratelimit.Policy{Limit: cfg.MaxMessagesPerMinute, WindowMS: 60_000},
		zerolog.Nop(),
	)
	reg := registry.New()
	rtr := router.New(reg, cfg.SubscriptionIdleTimeout(), cfg.MaxSubscriptionsPerConn, zerolog.Nop())
	presenceStore := presence.NewStore(rdb)

	deps := &handlers.Deps{
		Repo:        &fakeRepository{},
		Publisher:   rtr,
		Sanitizer:   bluemonday.UGCPolicy(),
		CallTimeout: cfg.RepositoryCallTimeout,
		Log:         zerolog.Nop(),
	}

	hub := NewHub(cfg, auth, limiter, reg, rtr, presenceStore, deps, zerolog.Nop())

	return &testHub{hub: hub, cfg: cfg, mr: mr, auth: auth, limiter: limiter, router: rtr}
}

func (th *testHub) close() {
	th.limiter.Close()
	th.router.Close()
	th.mr.Close()
}

// issueToken signs a bearer token for the given user/permissions, for driving the "auth" flow in tests.
func (th *testHub) issueToken(user authn.User, perms []string) string {
	tok, err := th.auth.IssueToken(user, authn.NewPermissionSet(perms), time.Minute)
	if err != nil {
		panic(err)
	}
	return tok
}

// mustFrame builds and marshals an inbound frame with a JSON-marshaled payload.
func mustFrame(t *testing.T, msgType, id string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(wire.Frame{Type: msgType, ID: id, Payload: raw})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return data
}

// authFrame builds an inbound "auth" frame from a raw JSON payload string.
func authFrame(t *testing.T, id, rawPayload string) []byte {
	t.Helper()
	data, err := json.Marshal(wire.Frame{Type: wire.TypeAuth, ID: id, Payload: json.RawMessage(rawPayload)})
	if err != nil {
		t.Fatalf("marshal auth frame: %v", err)
	}
	return data
}

// waitForFrame blocks until conn has written its next not-yet-consumed frame, decodes it, and returns it, advancing
// conn's read cursor so repeated calls observe successive frames in order. If out is non-nil the decoded frame is
// also copied there.
func waitForFrame(t *testing.T, conn *fakeConn, out *wire.Frame) wire.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		if conn.cursor < len(conn.written) {
			data := conn.written[conn.cursor]
			conn.cursor++
			conn.mu.Unlock()

			var frame wire.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Fatalf("unmarshal frame: %v", err)
			}
			if out != nil {
				*out = frame
			}
			return frame
		}
		conn.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for outbound frame")
	return wire.Frame{}
}

// waitForEvent is waitForFrame skipping keepalive frames, for tests long enough that the heartbeat ticker may
// interleave with the frames under assertion.
func waitForEvent(t *testing.T, conn *fakeConn) wire.Frame {
	t.Helper()
	for {
		frame := waitForFrame(t, conn, nil)
		if frame.Type != wire.EventHeartbeat {
			return frame
		}
	}
}

// drainFrame waits for and discards the next outbound frame (e.g. the welcome frame sent on connect).
func drainFrame(t *testing.T, conn *fakeConn) {
	t.Helper()
	waitForFrame(t, conn, nil)
}

func mustUnmarshal(t *testing.T, data json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
}

func authnUser(id string) authn.User {
	return authn.User{ID: id}
}

// closeCodeFromPayload decodes the 2-byte big-endian close code from an RFC 6455 close-frame payload.
func closeCodeFromPayload(data []byte) int {
	if len(data) < 2 {
		return 0
	}
	return int(data[0])<<8 | int(data[1])
}
