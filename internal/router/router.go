// Package router maps (channel, filter) subscriptions to connections, with three indices (by-id, by-connection,
// by-channel), filter-match fan-out, and idle eviction.
package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kanbanrt/gateway/internal/authn"
	"github.com/kanbanrt/gateway/internal/registry"
	"github.com/kanbanrt/gateway/internal/wire"
)

const defaultMaxSubsPerConn = 50

// Sink is the minimal interface a connection exposes to the router for delivery: a non-blocking enqueue onto its
// outbound queue. The gateway package's Client implements this; the router has no other dependency on gateway,
// avoiding an import cycle.
type Sink interface {
	Enqueue(event Event) bool
}

// subscription is the router's internal record for one (conn, channel, filter) binding.
type subscription struct {
	id           string
	connID       string
	channel      wire.Channel
	filter       Filter
	createdAt    time.Time
	lastActivity time.Time
}

// Stats is the result of Router.Stats: totals and per-channel subscription counts.
type Stats struct {
	Total      int
	PerChannel map[wire.Channel]int
}

// Router implements the SubscriptionRouter contract.
type Router struct {
	mu sync.Mutex

	byID      map[string]*subscription
	byConn    map[string]map[string]struct{}       // connID -> set of sub ids
	byChannel map[wire.Channel]map[string]struct{} // channel -> set of sub ids

	sinks map[string]Sink // connID -> delivery sink

	reg *registry.Registry

	idleTimeout time.Duration
	maxSubs     int
	log         zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Router backed by reg for connection/permission lookups. A zero idleTimeout uses the 30-minute
// default; a zero or negative maxSubsPerConn uses the default of 50.
func New(reg *registry.Registry, idleTimeout time.Duration, maxSubsPerConn int, logger zerolog.Logger) *Router {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if maxSubsPerConn <= 0 {
		maxSubsPerConn = defaultMaxSubsPerConn
	}
	r := &Router{
		byID:        make(map[string]*subscription),
		byConn:      make(map[string]map[string]struct{}),
		byChannel:   make(map[wire.Channel]map[string]struct{}),
		sinks:       make(map[string]Sink),
		reg:         reg,
		idleTimeout: idleTimeout,
		maxSubs:     maxSubsPerConn,
		log:         logger.With().Str("component", "router").Logger(),
		stopCh:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.evictionLoop()
	return r
}

// AttachSink binds a delivery sink to connID, making it eligible to receive publications. The gateway calls this
// once a connection is registered and ready to send.
func (r *Router) AttachSink(connID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[connID] = sink
}

// DetachSink removes connID's delivery sink without touching its subscriptions; callers should follow with
// UnsubscribeAll on connection close.
func (r *Router) DetachSink(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, connID)
}

// Sentinel errors for Subscribe.
var (
	ErrNoSuchConnection   = subscribeError("connection does not exist")
	ErrForbiddenChannel   = subscribeError("SUBSCRIPTION_FORBIDDEN")
	ErrSubscriptionLimit  = subscribeError("SUBSCRIPTION_LIMIT")
	ErrInvalidChannelName = subscribeError("invalid channel")
)

type subscribeError string

func (e subscribeError) Error() string { return string(e) }

// Subscribe validates and registers a new subscription for connID on channel with the given filter: the
// connection must exist, its permission set must permit the channel, and it must be under the per-connection
// subscription cap.
func (r *Router) Subscribe(connID string, channel wire.Channel, filter Filter) (string, error) {
	if !wire.ValidChannel(channel) {
		return "", ErrInvalidChannelName
	}

	conn := r.reg.Get(connID)
	if conn == nil {
		return "", ErrNoSuchConnection
	}
	if !authn.Has(conn.Permissions, "subscribe:"+string(channel)) {
		return "", ErrForbiddenChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byConn[connID]) >= r.maxSubs {
		return "", ErrSubscriptionLimit
	}

	id := uuid.NewString()
	now := time.Now()
	sub := &subscription{id: id, connID: connID, channel: channel, filter: filter, createdAt: now, lastActivity: now}

	r.byID[id] = sub
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]struct{})
	}
	r.byConn[connID][id] = struct{}{}
	if r.byChannel[channel] == nil {
		r.byChannel[channel] = make(map[string]struct{})
	}
	r.byChannel[channel][id] = struct{}{}

	conn.Subscriptions[id] = struct{}{}
	return id, nil
}

// Unsubscribe removes the subscription with the given id, returning false if it did not exist.
func (r *Router) Unsubscribe(subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(subID)
}

func (r *Router) removeLocked(subID string) bool {
	sub, ok := r.byID[subID]
	if !ok {
		return false
	}
	delete(r.byID, subID)
	delete(r.byConn[sub.connID], subID)
	if len(r.byConn[sub.connID]) == 0 {
		delete(r.byConn, sub.connID)
	}
	delete(r.byChannel[sub.channel], subID)
	if len(r.byChannel[sub.channel]) == 0 {
		delete(r.byChannel, sub.channel)
	}
	if conn := r.reg.Get(sub.connID); conn != nil {
		delete(conn.Subscriptions, subID)
	}
	return true
}

// UnsubscribeAll removes every subscription owned by connID, returning the number removed. Called on connection
// close so no channel bucket keeps a reference to a dead connection.
func (r *Router) UnsubscribeAll(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.byConn[connID]))
	for id := range r.byConn[connID] {
		ids = append(ids, id)
	}
	for _, id := range ids {
		r.removeLocked(id)
	}
	return len(ids)
}

// SetClientFilter replaces the filter of an existing subscription.
func (r *Router) SetClientFilter(subID string, filter Filter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[subID]
	if !ok {
		return false
	}
	sub.filter = filter
	sub.lastActivity = time.Now()
	return true
}

// Publish fans event out to every OPEN_AUTH subscription on channel whose filter matches, returning the number of
// matching subscriptions whose connection accepted the enqueue (a connection with two matching subscriptions counts
// twice).
func (r *Router) Publish(channel wire.Channel, event Event) int {
	return r.publish(channel, event, nil)
}

// PublishWhere is Publish with an additional publisher-supplied predicate; a subscription is only considered a
// candidate if pred returns true for its filter, on top of the usual Match check.
func (r *Router) PublishWhere(channel wire.Channel, event Event, pred func(Filter) bool) int {
	return r.publish(channel, event, pred)
}

func (r *Router) publish(channel wire.Channel, event Event, pred func(Filter) bool) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byChannel[channel]))
	for id := range r.byChannel[channel] {
		ids = append(ids, id)
	}
	subs := make([]*subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, r.byID[id])
	}
	r.mu.Unlock()

	if len(subs) == 0 {
		return 0
	}

	delivered := 0
	var stale []string
	for _, sub := range subs {
		conn := r.reg.Get(sub.connID)
		if conn == nil || conn.State != registry.StateOpenAuth {
			stale = append(stale, sub.id)
			continue
		}
		if pred != nil && !pred(sub.filter) {
			continue
		}
		if !Match(sub.filter, event) {
			continue
		}

		r.mu.Lock()
		sink := r.sinks[sub.connID]
		r.mu.Unlock()
		if sink == nil {
			stale = append(stale, sub.id)
			continue
		}

		if sink.Enqueue(event) {
			delivered++
			r.mu.Lock()
			sub.lastActivity = time.Now()
			r.mu.Unlock()
		}
	}

	for _, id := range stale {
		r.Unsubscribe(id)
	}
	return delivered
}

// PublishTaskUpdate fans event out on both the task and board channels, with implicit taskId/boardId filters
// merged into the event's routable fields.
func (r *Router) PublishTaskUpdate(taskID, boardID string, event Event) int {
	if event.Fields == nil {
		event.Fields = make(map[string]any)
	}
	event.Fields["taskId"] = taskID
	event.Fields["boardId"] = boardID

	delivered := r.Publish(wire.ChannelTask, event)
	delivered += r.Publish(wire.ChannelBoard, event)
	return delivered
}

// Stats returns subscription totals and per-channel counts.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	perChannel := make(map[wire.Channel]int, len(r.byChannel))
	for ch, ids := range r.byChannel {
		perChannel[ch] = len(ids)
	}
	return Stats{Total: len(r.byID), PerChannel: perChannel}
}

// evictionLoop periodically removes subscriptions idle longer than idleTimeout.
func (r *Router) evictionLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Router) evictIdle() {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("Subscription eviction sweep recovered from panic")
		}
	}()

	now := time.Now()
	r.mu.Lock()
	var idle []string
	for id, sub := range r.byID {
		if now.Sub(sub.lastActivity) > r.idleTimeout {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()

	for _, id := range idle {
		r.Unsubscribe(id)
	}
	if len(idle) > 0 {
		r.log.Debug().Int("count", len(idle)).Msg("Evicted idle subscriptions")
	}
}

// Close stops the idle-eviction sweep. Safe to call multiple times.
func (r *Router) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
