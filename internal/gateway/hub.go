package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kanbanrt/gateway/internal/authn"
	"github.com/kanbanrt/gateway/internal/config"
	"github.com/kanbanrt/gateway/internal/handlers"
	"github.com/kanbanrt/gateway/internal/presence"
	"github.com/kanbanrt/gateway/internal/ratelimit"
	"github.com/kanbanrt/gateway/internal/registry"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/wire"
)

const (
	serverVersion   = "1.0.0"
	protocolVersion = 1
)

// ErrBinaryNotSupported is the sentinel behind a BINARY_NOT_SUPPORTED close; the protocol is UTF-8 JSON only.
var ErrBinaryNotSupported = errors.New("binary frames are not supported")

func jsonUnmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func newConnectionID() string { return uuid.NewString() }

// Hub routes inbound messages: it owns the pre-dispatch gates, the dispatch table, and the wiring between the
// connection registry, subscription router, rate limiter, authenticator, presence store, and command handlers. It
// tracks live clients only to support Shutdown's drain; per-connection state otherwise lives in the registry and on
// the Client itself.
type Hub struct {
	cfg *config.Config

	authenticator *authn.Authenticator
	limiter       *ratelimit.Limiter
	registry      *registry.Registry
	router        *router.Router
	presence      *presence.Store
	deps          *handlers.Deps

	mu       sync.Mutex
	clients  map[string]*Client
	draining bool

	log zerolog.Logger
}

// NewHub wires the hub's collaborators. Everything is constructed once at startup and passed by reference; there
// are no package-level mutable singletons.
func NewHub(
	cfg *config.Config,
	authenticator *authn.Authenticator,
	limiter *ratelimit.Limiter,
	reg *registry.Registry,
	rtr *router.Router,
	presenceStore *presence.Store,
	deps *handlers.Deps,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		cfg:           cfg,
		authenticator: authenticator,
		limiter:       limiter,
		registry:      reg,
		router:        rtr,
		presence:      presenceStore,
		deps:          deps,
		clients:       make(map[string]*Client),
		log:           logger.With().Str("component", "gateway").Logger(),
	}
}

// ServeWebSocket admits a newly upgraded connection: it runs connection-level admission, registers the Client,
// sends the welcome frame, and starts its reader/writer pumps. It blocks until the connection closes.
func (h *Hub) ServeWebSocket(conn Conn, sourceKey, userAgent string) {
	if !h.limiter.AdmitConnection(sourceKey) {
		_ = conn.WriteControl(closeMessage, closeFramePayload(CloseRateLimit, "connection rate limit exceeded"), time.Now().Add(writeWait))
		_ = conn.Close()
		h.log.Warn().Str("source", sourceKey).Msg("Connection rejected by rate limiter")
		return
	}

	h.mu.Lock()
	draining := h.draining
	h.mu.Unlock()
	if draining {
		_ = conn.WriteControl(closeMessage, closeFramePayload(CloseServerShutdown, "server draining"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	client := newClient(h, conn, userAgent, h.log)
	h.registry.Add(client.reg)
	h.router.AttachSink(client.reg.ID, client)

	h.mu.Lock()
	h.clients[client.reg.ID] = client
	h.mu.Unlock()

	client.sendWelcome()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); client.writePump() }()
	go func() { defer wg.Done(); client.readPump() }()
	wg.Wait()

	h.mu.Lock()
	delete(h.clients, client.reg.ID)
	h.mu.Unlock()

	h.publishOffline(client)
}

// publishOffline clears the user's presence key and tells user-presence subscribers the user went offline. Runs
// once the connection's pumps have fully stopped, so the disconnecting client never receives its own offline event.
func (h *Hub) publishOffline(c *Client) {
	user := c.user()
	if user == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RepositoryCallTimeout)
	if err := h.presence.Delete(ctx, user.ID); err != nil {
		h.log.Warn().Err(err).Str("userId", user.ID).Msg("Failed to clear presence on disconnect")
	}
	cancel()

	h.router.Publish(wire.ChannelUserPresence, router.Event{
		Type:    wire.EventUserPresence,
		Fields:  map[string]any{"userId": user.ID},
		Payload: map[string]any{"userId": user.ID, "status": presence.StatusOffline},
	})
}

// dispatch runs a single inbound frame through the pre-dispatch gates and the dispatch table.
func (h *Hub) dispatch(c *Client, frame wire.Frame) {
	if !h.limiter.AdmitMessage(c.reg.ID) {
		c.sendError(frame.ID, "RATE_LIMIT", "message rate limit exceeded")
		return
	}

	// "ping" is the one pre-auth exception: a client must be able to keep the connection alive while it fetches
	// a token.
	if frame.Type != wire.TypeAuth && frame.Type != wire.TypePing && !c.authenticated() {
		c.sendError(frame.ID, "UNAUTHENTICATED", "authentication required")
		return
	}

	c.touchHeartbeat()

	switch frame.Type {
	case wire.TypeAuth:
		h.handleAuth(c, frame)
	case wire.TypePing:
		h.handlePing(c, frame)
	case wire.TypeSubscribe:
		h.handleSubscribe(c, frame)
	case wire.TypeUnsubscribe:
		h.handleUnsubscribe(c, frame)
	case wire.TypeFilterSubscribe:
		h.handleFilterSubscribe(c, frame)
	case wire.TypeUserPresence:
		h.handleUserPresence(c, frame)
	case wire.TypeTypingStart:
		h.handleTyping(c, frame, wire.EventTypingStart)
	case wire.TypeTypingStop:
		h.handleTyping(c, frame, wire.EventTypingStop)
	default:
		h.dispatchHandler(c, frame)
	}
}

// dispatchHandler routes to the repository-backed command handlers (internal/handlers), after the coarse
// per-message-type permission check.
func (h *Hub) dispatchHandler(c *Client, frame wire.Frame) {
	handler, ok := handlers.Table[frame.Type]
	if !ok {
		c.sendError(frame.ID, "UNKNOWN_MESSAGE_TYPE", fmt.Sprintf("unknown message type %q", frame.Type))
		return
	}

	if required, ok := handlers.RequiredPermission[frame.Type]; ok {
		if !authn.Has(c.permissions(), required) {
			c.sendError(frame.ID, "INSUFFICIENT_PERMISSIONS", "insufficient permissions")
			return
		}
	}

	user := c.user()
	if user == nil {
		c.sendError(frame.ID, "UNAUTHENTICATED", "authentication required")
		return
	}

	req := handlers.Request{ID: frame.ID, ConnID: c.reg.ID, User: *user, Permissions: c.permissions(), Payload: frame.Payload}

	reply, err := h.runHandler(handler, req)
	if err != nil {
		var herr *handlers.Error
		if errors.As(err, &herr) {
			c.sendError(frame.ID, herr.Code, herr.Message)
		} else {
			h.log.Error().Err(err).Str("type", frame.Type).Msg("Handler panicked or failed unexpectedly")
			c.sendError(frame.ID, "INTERNAL_ERROR", "internal error")
		}
		return
	}
	c.sendReply(frame.ID, reply.Type, reply.Payload)
}

// runHandler invokes a command handler, recovering from any panic and turning it into an INTERNAL_ERROR reply
// rather than taking down the connection's reader goroutine.
func (h *Hub) runHandler(handler handlers.Handler, req handlers.Request) (reply handlers.Reply, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	ctx := context.Background()
	return handler(ctx, h.deps, req)
}

// authWirePayload is the wire shape of an "auth" request (one of token, apiKey, or credentials), translated into
// authn.Payload before reaching the Authenticator.
type authWirePayload struct {
	Token       string `json:"token"`
	APIKey      string `json:"apiKey"`
	Credentials *struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	} `json:"credentials"`
}

func (h *Hub) handleAuth(c *Client, frame wire.Frame) {
	var wp authWirePayload
	if err := jsonUnmarshal(frame.Payload, &wp); err != nil {
		c.sendReply(frame.ID, wire.TypeAuth, wire.AuthReplyPayload{
			OK:    false,
			Error: &wire.ErrorPayload{Code: "INVALID_REQUEST", Message: "malformed auth payload"},
		})
		return
	}
	p := authn.Payload{BearerToken: wp.Token, APIKey: wp.APIKey}
	if wp.Credentials != nil {
		p.Email = wp.Credentials.Email
		p.Password = wp.Credentials.Password
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RepositoryCallTimeout)
	result := h.authenticator.Authenticate(ctx, p)
	cancel()

	if !result.OK {
		c.sendReply(frame.ID, wire.TypeAuth, wire.AuthReplyPayload{
			OK:    false,
			Error: &wire.ErrorPayload{Code: "AUTH_FAILED", Message: authErrorMessage(result.Err)},
		})
		// A rejected auth attempt closes the connection; the reply above is still flushed first since it was
		// queued before the close begins draining.
		c.closeWithError(CloseAuthFailed, ErrAuthFailed)
		return
	}

	c.setAuthenticated(result.User, result.Permissions)
	c.sendReply(frame.ID, wire.TypeAuth, wire.AuthReplyPayload{
		OK: true,
		User: &wire.UserView{
			ID: result.User.ID, Email: result.User.Email, Name: result.User.Name, Role: result.User.Role,
			Permissions: result.Permissions.Slice(),
		},
	})
}

func authErrorMessage(err error) string {
	if err == nil {
		return "authentication failed"
	}
	return err.Error()
}

// handlePing replies with a pong and, for an authenticated connection, extends the presence key's TTL so a user
// stays visibly online for as long as their client keeps the connection alive.
func (h *Hub) handlePing(c *Client, frame wire.Frame) {
	if user := c.user(); user != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RepositoryCallTimeout)
		if err := h.presence.Refresh(ctx, user.ID); err != nil {
			h.log.Debug().Err(err).Str("userId", user.ID).Msg("Failed to refresh presence on ping")
		}
		cancel()
	}
	c.sendReply(frame.ID, wire.EventPong, struct{}{})
}

type subscribePayload struct {
	Channel string        `json:"channel"`
	Filter  router.Filter `json:"filter"`
}

func (h *Hub) handleSubscribe(c *Client, frame wire.Frame) {
	var p subscribePayload
	if err := jsonUnmarshal(frame.Payload, &p); err != nil || p.Channel == "" {
		c.sendError(frame.ID, "INVALID_REQUEST", "channel is required")
		return
	}

	id, err := h.router.Subscribe(c.reg.ID, wire.Channel(p.Channel), p.Filter)
	if err != nil {
		c.sendError(frame.ID, subscribeErrorCode(err), err.Error())
		return
	}

	reply := map[string]any{"subscriptionId": id, "channel": p.Channel}
	if wire.Channel(p.Channel) == wire.ChannelUserPresence {
		reply["presence"] = h.presenceSnapshot()
	}
	c.sendReply(frame.ID, wire.TypeSubscribe, reply)
}

// presenceSnapshot returns the current presence state of every authenticated user with a live connection, included
// in the subscribe reply for the user-presence channel so a new subscriber doesn't start from a blank roster.
func (h *Hub) presenceSnapshot() []map[string]string {
	var userIDs []string
	seen := make(map[string]struct{})
	h.registry.Iter(func(conn *registry.Connection) {
		if conn.User == nil {
			return
		}
		if _, ok := seen[conn.User.ID]; ok {
			return
		}
		seen[conn.User.ID] = struct{}{}
		userIDs = append(userIDs, conn.User.ID)
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RepositoryCallTimeout)
	defer cancel()
	states, err := h.presence.GetMany(ctx, userIDs)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to load presence snapshot")
		return nil
	}

	out := make([]map[string]string, 0, len(states))
	for _, s := range states {
		out = append(out, map[string]string{"userId": s.UserID, "status": s.Status})
	}
	return out
}

func subscribeErrorCode(err error) string {
	switch {
	case errors.Is(err, router.ErrForbiddenChannel):
		return "INSUFFICIENT_PERMISSIONS"
	case errors.Is(err, router.ErrSubscriptionLimit):
		return "SUBSCRIPTION_LIMIT"
	case errors.Is(err, router.ErrInvalidChannelName):
		return "INVALID_REQUEST"
	default:
		return "SUBSCRIBE_ERROR"
	}
}

type unsubscribePayload struct {
	Channel        string `json:"channel"`
	SubscriptionID string `json:"subscriptionId"`
}

func (h *Hub) handleUnsubscribe(c *Client, frame wire.Frame) {
	var p unsubscribePayload
	if err := jsonUnmarshal(frame.Payload, &p); err != nil {
		c.sendError(frame.ID, "INVALID_REQUEST", "channel is required")
		return
	}
	if p.SubscriptionID != "" {
		h.router.Unsubscribe(p.SubscriptionID)
	}
	c.sendReply(frame.ID, wire.TypeUnsubscribe, map[string]any{"channel": p.Channel})
}

type filterSubscribePayload struct {
	Channel        string        `json:"channel"`
	SubscriptionID string        `json:"subscriptionId"`
	Filter         router.Filter `json:"filter"`
}

func (h *Hub) handleFilterSubscribe(c *Client, frame wire.Frame) {
	var p filterSubscribePayload
	if err := jsonUnmarshal(frame.Payload, &p); err != nil || p.SubscriptionID == "" {
		c.sendError(frame.ID, "INVALID_REQUEST", "subscriptionId and filter are required")
		return
	}
	if !h.router.SetClientFilter(p.SubscriptionID, p.Filter) {
		c.sendError(frame.ID, "SUBSCRIBE_ERROR", "subscription not found")
		return
	}
	c.sendReply(frame.ID, wire.TypeFilterSubscribe, map[string]any{"subscriptionId": p.SubscriptionID})
}

type presencePayload struct {
	Status  string `json:"status"`
	BoardID string `json:"boardId,omitempty"`
	TaskID  string `json:"taskId,omitempty"`
}

func (h *Hub) handleUserPresence(c *Client, frame wire.Frame) {
	var p presencePayload
	if err := jsonUnmarshal(frame.Payload, &p); err != nil || !presence.ValidStatus(p.Status) {
		c.sendError(frame.ID, "INVALID_REQUEST", "status must be online or away")
		return
	}

	user := c.user()
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RepositoryCallTimeout)
	err := h.presence.Set(ctx, user.ID, p.Status)
	cancel()
	if err != nil {
		c.sendError(frame.ID, "INTERNAL_ERROR", "failed to update presence")
		return
	}

	h.router.Publish(wire.ChannelUserPresence, router.Event{
		Type:   wire.EventUserPresence,
		Fields: map[string]any{"userId": user.ID, "boardId": p.BoardID, "taskId": p.TaskID},
		Payload: map[string]any{
			"userId": user.ID, "status": p.Status, "boardId": p.BoardID, "taskId": p.TaskID,
		},
	})
	c.sendReply(frame.ID, wire.TypeUserPresence, map[string]any{"status": p.Status})
}

type typingPayload struct {
	TaskID  string `json:"taskId,omitempty"`
	BoardID string `json:"boardId,omitempty"`
}

// handleTyping implements "typing_start"/"typing_stop". Typing indicators are deduplicated at the presence layer
// (SET NX, 10s TTL) rather than the message rate limiter, so rapid keystrokes don't eat the message budget.
func (h *Hub) handleTyping(c *Client, frame wire.Frame, eventType string) {
	var p typingPayload
	if err := jsonUnmarshal(frame.Payload, &p); err != nil || (p.TaskID == "" && p.BoardID == "") {
		c.sendError(frame.ID, "INVALID_REQUEST", "taskId or boardId is required")
		return
	}
	subjectID := p.TaskID
	if subjectID == "" {
		subjectID = p.BoardID
	}

	user := c.user()
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RepositoryCallTimeout)
	var dispatched bool
	var err error
	if eventType == wire.EventTypingStart {
		dispatched, err = h.presence.SetTyping(ctx, subjectID, user.ID)
	} else {
		dispatched, err = h.presence.ClearTyping(ctx, subjectID, user.ID)
	}
	cancel()
	if err != nil {
		c.sendError(frame.ID, "INTERNAL_ERROR", "failed to update typing state")
		return
	}

	if dispatched {
		h.router.Publish(wire.ChannelTask, router.Event{
			Type:    eventType,
			Fields:  map[string]any{"taskId": p.TaskID, "boardId": p.BoardID},
			Payload: map[string]any{"userId": user.ID, "taskId": p.TaskID, "boardId": p.BoardID},
		})
	}
	c.sendReply(frame.ID, frame.Type, map[string]any{"taskId": p.TaskID, "boardId": p.BoardID})
}

// Shutdown gracefully stops the hub: it stops admitting new connections, then gives
// every live connection until deadline to drain its outbound queue before its writer goroutine sends the
// SERVER_SHUTDOWN close frame and tears down the transport. It returns once every connection has closed or once
// deadline elapses, whichever comes first.
func (h *Hub) Shutdown(deadline time.Duration) {
	h.mu.Lock()
	h.draining = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	deadlineAt := time.Now().Add(deadline)
	for _, c := range clients {
		go c.closeWithDeadline(CloseServerShutdown, ErrServerShutdown, deadlineAt)
	}

	for {
		h.mu.Lock()
		remaining := len(h.clients)
		h.mu.Unlock()
		if remaining == 0 || time.Now().After(deadlineAt) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// ConnectionCount returns the number of live connections, used by health/metrics surfaces.
func (h *Hub) ConnectionCount() int {
	return h.registry.Count()
}

// Stats reports live connection and subscription totals for the operational stats endpoint.
func (h *Hub) Stats() map[string]any {
	rs := h.router.Stats()
	perChannel := make(map[string]int, len(rs.PerChannel))
	for ch, n := range rs.PerChannel {
		perChannel[string(ch)] = n
	}
	return map[string]any{
		"connections":            h.registry.Count(),
		"subscriptions":          rs.Total,
		"subscriptionsByChannel": perChannel,
	}
}
