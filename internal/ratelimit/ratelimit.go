// Package ratelimit throttles LLM-bound requests with two independent
// windows: a global rolling window shared by all sessions and a fixed
// window per session. State is in-memory only; losing it on restart is
// acceptable.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// ReasonGlobal is returned when the shared global window is full.
	ReasonGlobal = "Too many requests. Please wait a moment."
	// ReasonSession is returned when one session exceeds its own window.
	ReasonSession = "Too many messages this session. Please slow down."
)

// Config holds the limiter caps and window lengths.
type Config struct {
	GlobalLimit   int
	GlobalWindow  time.Duration
	SessionLimit  int
	SessionWindow time.Duration
}

// DefaultConfig returns the production limits: 20 requests per rolling
// minute across all sessions, 30 per hour per session.
func DefaultConfig() Config {
	return Config{
		GlobalLimit:   20,
		GlobalWindow:  time.Minute,
		SessionLimit:  30,
		SessionWindow: time.Hour,
	}
}

type sessionWindow struct {
	count   int
	resetAt time.Time
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	global   []time.Time
	sessions map[string]*sessionWindow
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter with the given config.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*sessionWindow),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check reports whether a request for the given session may proceed.
// When it may not, reason is a client-facing message. Check does not
// consume quota; callers that proceed must call Record.
func (l *Limiter) Check(sessionID string) (allowed bool, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictGlobal(now)

	if len(l.global) >= l.cfg.GlobalLimit {
		return false, ReasonGlobal
	}
	if sw, ok := l.sessions[sessionID]; ok && now.Before(sw.resetAt) && sw.count >= l.cfg.SessionLimit {
		return false, ReasonSession
	}
	return true, ""
}

// Record registers one unit of usage for the session.
func (l *Limiter) Record(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.global = append(l.global, now)

	if sw, ok := l.sessions[sessionID]; ok && now.Before(sw.resetAt) {
		sw.count++
		return
	}
	l.sessions[sessionID] = &sessionWindow{count: 1, resetAt: now.Add(l.cfg.SessionWindow)}
}

// evictGlobal drops timestamps older than the global window. Only stale
// head entries are removed, so the cost is O(1) amortized per check.
func (l *Limiter) evictGlobal(now time.Time) {
	cutoff := now.Add(-l.cfg.GlobalWindow)
	i := 0
	for i < len(l.global) && l.global[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.global = append(l.global[:0], l.global[i:]...)
	}
}
