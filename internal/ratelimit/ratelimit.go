// Package ratelimit implements fixed-window admission counters keyed by source key (remote address for connects,
// connection id for messages), with allow/deny lists and a background cleanup sweep that evicts idle entries.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is a non-mutating snapshot of a key's current admission window.
type Status struct {
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// entry is the rate-limit state for a single source key.
type entry struct {
	count       int
	windowStart time.Time
	lastActive  time.Time
}

// Policy configures a single admission window (connection or message).
type Policy struct {
	Limit    int
	WindowMS int64
}

func (p Policy) window() time.Duration { return time.Duration(p.WindowMS) * time.Millisecond }

// BurstPolicy optionally rejects a key when its count within a shorter sub-window exceeds a threshold, even if the
// full window has remaining capacity. Disabled when SubWindowMS is zero.
type BurstPolicy struct {
	SubWindowMS int64
	Threshold   int
}

// AdaptiveScaler optionally shrinks the effective limit when an external load signal exceeds a threshold. Disabled
// when LoadSignal is nil.
type AdaptiveScaler struct {
	LoadSignal func() float64
	Threshold  float64
	ScaleTo    float64 // fraction of the configured limit applied once the threshold is exceeded, e.g. 0.5
}

// Limiter holds separate admission windows for connections and messages, allow/deny lists, and a periodic sweep
// that evicts idle entries.
type Limiter struct {
	mu   sync.Mutex
	conn map[string]*entry
	msg  map[string]*entry

	connPolicy Policy
	msgPolicy  Policy
	burst      BurstPolicy
	adaptive   AdaptiveScaler

	allow map[string]struct{}
	deny  map[string]struct{}

	log zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Limiter with the given connection and message admission policies. Call Close to stop the background
// cleanup sweep.
func New(connPolicy, msgPolicy Policy, logger zerolog.Logger) *Limiter {
	l := &Limiter{
		conn:       make(map[string]*entry),
		msg:        make(map[string]*entry),
		connPolicy: connPolicy,
		msgPolicy:  msgPolicy,
		allow:      make(map[string]struct{}),
		deny:       make(map[string]struct{}),
		log:        logger.With().Str("component", "ratelimit").Logger(),
		stopCh:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.cleanupLoop()
	return l
}

// SetBurstPolicy enables burst detection: reject admission when the count observed within SubWindowMS exceeds
// Threshold, even inside an otherwise-open window. Disabled by default.
func (l *Limiter) SetBurstPolicy(p BurstPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.burst = p
}

// SetAdaptiveScaler enables adaptive scaling: once LoadSignal() exceeds Threshold, admission limits are scaled down
// to ScaleTo of their configured value. Disabled by default.
func (l *Limiter) SetAdaptiveScaler(s AdaptiveScaler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adaptive = s
}

// Allow adds key to the allow list. Allow-listed keys bypass counting entirely but are still logged.
func (l *Limiter) Allow(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allow[key] = struct{}{}
}

// Deny adds key to the deny list. Deny-listed keys are rejected before any counting occurs.
func (l *Limiter) Deny(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deny[key] = struct{}{}
}

// RemoveDeny removes key from the deny list.
func (l *Limiter) RemoveDeny(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.deny, key)
}

// AdmitConnection consumes one unit against the connection-admission window for source key.
func (l *Limiter) AdmitConnection(sourceKey string) bool {
	return l.admit(l.conn, sourceKey, l.connPolicy)
}

// AdmitMessage consumes one unit against the message-admission window for connID.
func (l *Limiter) AdmitMessage(connID string) bool {
	return l.admit(l.msg, connID, l.msgPolicy)
}

func (l *Limiter) admit(table map[string]*entry, key string, policy Policy) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, denied := l.deny[key]; denied {
		l.log.Warn().Str("key", key).Msg("Rejected admission: deny-listed key")
		return false
	}
	if _, allowed := l.allow[key]; allowed {
		l.log.Debug().Str("key", key).Msg("Admitted via allow-list (uncounted)")
		return true
	}

	limit := l.effectiveLimit(policy)
	now := time.Now()

	e, ok := table[key]
	// A missing entry and time moving backwards are both treated as a fresh window. An empty key is
	// admitted subject to its own counter like any other key, never exempted from limits.
	if !ok || now.Before(e.windowStart) || now.Sub(e.windowStart) >= policy.window() {
		table[key] = &entry{count: 1, windowStart: now, lastActive: now}
		return true
	}

	if l.burst.SubWindowMS > 0 {
		sub := time.Duration(l.burst.SubWindowMS) * time.Millisecond
		if now.Sub(e.windowStart) <= sub && e.count+1 > l.burst.Threshold {
			e.lastActive = now
			l.log.Warn().Str("key", key).Msg("Rejected admission: burst threshold exceeded")
			return false
		}
	}

	e.lastActive = now
	if e.count < limit {
		e.count++
		return true
	}
	return false
}

func (l *Limiter) effectiveLimit(policy Policy) int {
	if l.adaptive.LoadSignal == nil {
		return policy.Limit
	}
	if l.adaptive.LoadSignal() > l.adaptive.Threshold {
		scaled := int(float64(policy.Limit) * l.adaptive.ScaleTo)
		if scaled < 1 {
			scaled = 1
		}
		return scaled
	}
	return policy.Limit
}

// StatusConnection returns a non-mutating snapshot of the connection-admission window for sourceKey.
func (l *Limiter) StatusConnection(sourceKey string) Status {
	return l.status(l.conn, sourceKey, l.connPolicy)
}

// StatusMessage returns a non-mutating snapshot of the message-admission window for connID.
func (l *Limiter) StatusMessage(connID string) Status {
	return l.status(l.msg, connID, l.msgPolicy)
}

func (l *Limiter) status(table map[string]*entry, key string, policy Policy) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.effectiveLimit(policy)
	e, ok := table[key]
	now := time.Now()
	if !ok || now.Sub(e.windowStart) >= policy.window() {
		// Fresh or expired window: report full remaining capacity.
		return Status{Count: 0, Limit: limit, Remaining: limit, ResetAt: now.Add(policy.window())}
	}

	remaining := limit - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Count:     e.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   e.windowStart.Add(policy.window()),
	}
}

// Release removes message-window state for connID. Called on disconnect.
func (l *Limiter) Release(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.msg, connID)
}

// cleanupLoop runs a periodic sweep that removes entries idle longer than one window. It runs until Close is called.
func (l *Limiter) cleanupLoop() {
	defer l.wg.Done()
	interval := l.connPolicy.window()
	if msgWindow := l.msgPolicy.window(); msgWindow < interval {
		interval = msgWindow
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

// sweep removes idle entries from both tables. A panic in the sweep is recovered so one bad entry cannot kill the
// cleanup loop.
func (l *Limiter) sweep() {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("Rate limiter cleanup sweep recovered from panic")
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	sweepTable := func(table map[string]*entry, window time.Duration) {
		for k, e := range table {
			if now.Sub(e.lastActive) > window {
				delete(table, k)
			}
		}
	}
	sweepTable(l.conn, l.connPolicy.window())
	sweepTable(l.msg, l.msgPolicy.window())
}

// Close stops the background cleanup sweep. Safe to call multiple times.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}
