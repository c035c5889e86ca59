// Package audit provides a size-bounded, append-only in-memory audit trail
// for security-relevant events: capability checks, grants, and sandbox
// violations. It is exposed read-only so embedders and tests can inspect
// what the core decided and why, without the core taking on a logging
// backend or a rendering surface of its own.
package audit

import (
	"sync"
	"time"
)

// Event records one security-relevant decision.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	ContextID string            `json:"context_id,omitempty"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource,omitempty"`
	Allowed   bool              `json:"allowed"`
	Details   map[string]string `json:"details,omitempty"`
}

// Log is a thread-safe, fixed-capacity ring buffer of Events. The zero
// value is not usable; construct one with NewLog.
type Log struct {
	mu     sync.Mutex
	events []Event
	maxLen int
}

// NewLog creates a Log that retains at most maxEvents, discarding the
// oldest entries once full. maxEvents <= 0 is treated as 1000.
func NewLog(maxEvents int) *Log {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Log{events: make([]Event, 0, maxEvents), maxLen: maxEvents}
}

// Record appends event, evicting the oldest entry if the log is full.
// A nil Log is a valid no-op receiver, so callers can hold an optional
// *Log field and record unconditionally.
func (l *Log) Record(event Event) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if len(l.events) >= l.maxLen {
		copy(l.events, l.events[1:])
		l.events = l.events[:len(l.events)-1]
	}
	l.events = append(l.events, event)
}

// Recent returns the most recent limit events, oldest first. limit <= 0
// or greater than the number of stored events returns everything stored.
func (l *Log) Recent(limit int) []Event {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.events) {
		limit = len(l.events)
	}
	start := len(l.events) - limit
	out := make([]Event, limit)
	copy(out, l.events[start:])
	return out
}

// Denied returns the most recent limit events with Allowed == false,
// oldest first, scanning back through up to limit*10 stored events.
func (l *Log) Denied(limit int) []Event {
	return filter(l.Recent(scanWindow(limit)), limit, func(e Event) bool { return !e.Allowed })
}

// ByType returns the most recent limit events matching eventType, oldest
// first, scanning back through up to limit*10 stored events.
func (l *Log) ByType(eventType string, limit int) []Event {
	return filter(l.Recent(scanWindow(limit)), limit, func(e Event) bool { return e.EventType == eventType })
}

func scanWindow(limit int) int {
	if limit <= 0 {
		return 0
	}
	return limit * 10
}

func filter(events []Event, limit int, keep func(Event) bool) []Event {
	var out []Event
	for _, e := range events {
		if keep(e) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}
