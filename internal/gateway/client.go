package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanbanrt/gateway/internal/authn"
	"github.com/kanbanrt/gateway/internal/registry"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/wire"
)

// Text and binary frame opcodes, matching the gorilla/fasthttp-websocket convention the concrete transport speaks.
const (
	MessageText   = 1
	MessageBinary = 2
)

// writeWait is the time allowed to write a single message to the peer.
const writeWait = 10 * time.Second

// Conn is the minimal surface a transport connection must expose to the gateway. internal/transport's concrete
// websocket adapter implements this directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

// Client manages a single connection: it owns the per-connection state machine, the bounded outbound queue, and
// the reader/writer pump goroutines. It implements router.Sink so the router can deliver publications to it
// without depending on the gateway package.
type Client struct {
	hub  *Hub
	conn Conn
	log  zerolog.Logger

	reg *registry.Connection

	send     chan []byte
	shutdown chan shutdownRequest

	done      chan struct{}
	closeOnce sync.Once

	// mu serializes access to reg's mutable fields (authenticated, user, permissions, state, last heartbeat). The
	// registry itself never mutates them, the owning Client does.
	mu      sync.Mutex
	closing bool

	authTimer *time.Timer
}

var _ router.Sink = (*Client)(nil)

// shutdownRequest tells the writer goroutine to drain c.send and close the connection. deadline bounds how long
// it waits for the queue to flush before forcing the close control frame through anyway.
type shutdownRequest struct {
	code     int
	cause    error
	deadline time.Time
}

func newClient(hub *Hub, conn Conn, userAgent string, logger zerolog.Logger) *Client {
	id := newConnectionID()
	reg := registry.NewConnection(id, remoteAddrString(conn), userAgent)
	c := &Client{
		hub:      hub,
		conn:     conn,
		log:      logger.With().Str("connId", id).Logger(),
		reg:      reg,
		send:     make(chan []byte, hub.cfg.OutboundQueueMax),
		shutdown: make(chan shutdownRequest),
		done:     make(chan struct{}),
	}
	return c
}

func remoteAddrString(conn Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// ID returns the connection's unique identifier.
func (c *Client) ID() string { return c.reg.ID }

// Enqueue implements router.Sink: it serialises event as an outbound frame and places it on the bounded send
// channel without blocking. A full queue means the peer cannot keep up; the client closes itself with
// SLOW_CONSUMER and reports the enqueue as undelivered.
func (c *Client) Enqueue(event router.Event) bool {
	frame, err := wire.NewOutboundFrame(event.Type, "", event.Payload)
	if err != nil {
		c.log.Error().Err(err).Str("eventType", event.Type).Msg("Failed to marshal outbound event")
		return false
	}
	return c.enqueueFrame(frame)
}

func (c *Client) enqueueFrame(frame wire.Frame) bool {
	data, err := frame.Marshal()
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to marshal outbound frame")
		return false
	}

	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return false
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		go c.closeWithError(CloseSlowConsumer, ErrSlowConsumer)
		return false
	}
}

// sendReply enqueues a direct reply to a request, echoing its id.
func (c *Client) sendReply(id, msgType string, payload any) {
	frame, err := wire.NewOutboundFrame(msgType, id, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", msgType).Msg("Failed to marshal reply frame")
		return
	}
	c.enqueueFrame(frame)
}

// sendError enqueues a failed-request reply, echoing id and carrying {code, message}.
func (c *Client) sendError(id, code, message string) {
	c.sendReply(id, wire.EventError, wire.ErrorPayload{Code: code, Message: message})
}

func (c *Client) touchHeartbeat() {
	c.mu.Lock()
	c.reg.LastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Client) heartbeatAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.reg.LastHeartbeat)
}

func (c *Client) setAuthenticated(user authn.User, perms authn.PermissionSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reg.Authenticated = true
	c.reg.User = &user
	c.reg.Permissions = perms
	c.reg.State = registry.StateOpenAuth
}

func (c *Client) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.Authenticated
}

func (c *Client) permissions() authn.PermissionSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.Permissions
}

func (c *Client) user() *authn.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.User
}

func (c *Client) setState(s registry.State) {
	c.mu.Lock()
	c.reg.State = s
	c.mu.Unlock()
}

func (c *Client) state() registry.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.State
}

// closeWithError begins closing the connection: it stops admitting new outbound frames immediately and hands off
// to the writer goroutine, which drains whatever is already queued in c.send before it writes the close control
// frame and tears down the transport. Equivalent to closeWithDeadline with a deadline of now — i.e. close as soon
// as whatever's already in flight is flushed, with no extra grace period.
func (c *Client) closeWithError(code int, cause error) {
	c.closeWithDeadline(code, cause, time.Now())
}

// closeWithDeadline is closeWithError with an explicit drain deadline: the writer goroutine keeps draining c.send
// until it is empty or deadline passes, whichever comes first, before closing. Shutdown uses this to give every
// connection's outbound queue a grace period to flush instead of dropping buffered-but-unsent frames on the spot.
func (c *Client) closeWithDeadline(code int, cause error, deadline time.Time) {
	if !c.detachFromCollaborators() {
		return
	}
	select {
	case c.shutdown <- shutdownRequest{code: code, cause: cause, deadline: deadline}:
	case <-c.done:
		// The writer goroutine already finished closing through some other path.
	}
}

// detachFromCollaborators removes the connection from the router/registry/limiter and stops the auth timer. It
// runs exactly once per Client (guarded by the closing flag) regardless of which path triggers the close, and
// reports whether it was the call that did so.
func (c *Client) detachFromCollaborators() bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.closing = true
	c.mu.Unlock()

	c.hub.router.UnsubscribeAll(c.reg.ID)
	c.hub.router.DetachSink(c.reg.ID)
	c.hub.limiter.Release(c.reg.ID)
	c.hub.registry.Remove(c.reg.ID)
	c.setState(registry.StateClosed)
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	return true
}

// drainThenClose runs on the writer goroutine once it receives a shutdownRequest: it keeps writing whatever is
// already buffered in c.send until the queue is empty or deadline elapses, then hands off to finishClose. Since
// detachFromCollaborators has already flipped the closing flag by the time this runs, c.send can only shrink from
// here — nothing new is being admitted into it.
func (c *Client) drainThenClose(code int, cause error, deadline time.Time) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

drain:
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				break drain
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(MessageText, data); err != nil {
				break drain
			}
		case <-timer.C:
			break drain
		default:
			break drain
		}
	}
	c.finishClose(code, cause)
}

// finishClose writes the close control frame, closes the transport, and unblocks readPump and any Shutdown/
// closeWithDeadline callers waiting on c.done. It must only be called from the writer goroutine, once any draining
// is finished, and logs exactly once per connection.
func (c *Client) finishClose(code int, cause error) {
	c.closeOnce.Do(func() {
		start := c.reg.ConnectedAt

		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		_ = c.conn.WriteControl(closeMessage, closeFramePayload(code, reason), time.Now().Add(writeWait))
		_ = c.conn.Close()
		close(c.done)

		ev := c.log.Info()
		if cause != nil {
			ev = c.log.Warn().Err(cause)
		}
		ev.Int("code", code).Dur("duration", time.Since(start)).Msg("Connection closed")
	})
}

const closeMessage = 8 // websocket close control opcode

// closeFramePayload builds an RFC 6455 close-frame body: a 2-byte big-endian code followed by an optional reason.
func closeFramePayload(code int, reason string) []byte {
	buf := make([]byte, 2+len(reason))
	buf[0] = byte(code >> 8)
	buf[1] = byte(code)
	copy(buf[2:], reason)
	return buf
}

// readPump parses inbound frames and routes them through the Hub's dispatch table. It owns closing the connection
// when the loop exits for any reason.
func (c *Client) readPump() {
	defer c.closeWithError(CloseNormal, nil)

	c.conn.SetReadLimit(c.hub.cfg.MaxPayloadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.HeartbeatTimeout()))

	if c.hub.cfg.AuthRequired {
		c.authTimer = time.AfterFunc(c.hub.cfg.AuthTimeout(), func() {
			if !c.authenticated() {
				c.closeWithError(CloseAuthTimeout, ErrAuthTimeout)
			}
		})
	}

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == MessageBinary {
			c.closeWithError(CloseProtocolError, ErrBinaryNotSupported)
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.HeartbeatTimeout()))

		var frame wire.Frame
		if err := jsonUnmarshal(data, &frame); err != nil {
			c.sendError("", "INVALID_MESSAGE", "malformed frame")
			continue
		}
		if frame.Type == "" || frame.ID == "" {
			c.sendError(frame.ID, "INVALID_MESSAGE", "frame must carry type and id")
			continue
		}

		c.hub.dispatch(c, frame)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

// writePump drains the outbound queue and a heartbeat ticker, writing both to the connection. It is the sole
// writer of c.conn, so any close that needs to drain c.send (shutdownRequest) or that happens on this goroutine's
// own account (a write failure, a heartbeat timeout) is finished here directly rather than handed back through
// closeWithError, which would have nobody left to hand it to.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(MessageText, data); err != nil {
				c.detachFromCollaborators()
				c.finishClose(CloseNormal, nil)
				return
			}
		case <-ticker.C:
			if c.heartbeatAge() > c.hub.cfg.HeartbeatTimeout() {
				c.detachFromCollaborators()
				c.finishClose(CloseHeartbeatTimeout, ErrHeartbeatTimeout)
				return
			}
			c.sendHeartbeat()
		case req := <-c.shutdown:
			c.drainThenClose(req.code, req.cause, req.deadline)
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) sendHeartbeat() {
	frame, err := wire.NewOutboundFrame(wire.EventHeartbeat, "", struct{}{})
	if err != nil {
		return
	}
	c.enqueueFrame(frame)
}

// sendWelcome enters OPEN_UNAUTH and sends the welcome event.
func (c *Client) sendWelcome() {
	c.setState(registry.StateOpenUnauth)
	c.sendReply("", wire.EventWelcome, wire.WelcomePayload{
		ConnectionID:    c.reg.ID,
		ServerVersion:   serverVersion,
		ProtocolVersion: protocolVersion,
		AuthRequired:    c.hub.cfg.AuthRequired,
	})
}
