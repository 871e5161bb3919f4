// Package bot runs one trading bot per account: a strategy fed by live
// quotes, a gate chain, the account's risk manager, and the order manager.
//
// Lifecycle: STOPPED → STARTING → RUNNING → STOPPING → STOPPED, with
// FAILED as the terminal state when startup or the risk manager kills the
// run. Every decision the bot makes lands in its activity log so the
// dashboard can show why a signal did or did not become an order.
package bot

import (
	"sync"
	"time"
)

// activityCapacity bounds the in-memory activity ring per bot.
const activityCapacity = 200

// Activity is one entry in a bot's decision log.
type Activity struct {
	Time    time.Time      `json:"time"`
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Activity types recorded by the bot.
const (
	ActivityStarted    = "bot_started"
	ActivityStopped    = "bot_stopped"
	ActivitySignal     = "signal"
	ActivityGateReject = "gate_reject"
	ActivityRiskReject = "risk_reject"
	ActivityOrder      = "order_placed"
	ActivityOrderError = "order_error"
	ActivityFlatten    = "flatten"
	ActivityError      = "error"
)

// ActivityLog is a fixed-size ring of recent activity. Oldest entries are
// overwritten; Recent returns newest first.
type ActivityLog struct {
	mu    sync.Mutex
	buf   []Activity
	next  int
	count int
}

// NewActivityLog creates an empty ring with the standard capacity.
func NewActivityLog() *ActivityLog {
	return &ActivityLog{buf: make([]Activity, activityCapacity)}
}

// Record appends one entry, evicting the oldest when full.
func (l *ActivityLog) Record(typ, message string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = Activity{Time: time.Now().UTC(), Type: typ, Message: message, Fields: fields}
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// Recent returns up to n entries, newest first.
func (l *ActivityLog) Recent(n int) []Activity {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.count {
		n = l.count
	}
	out := make([]Activity, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Len returns the number of stored entries.
func (l *ActivityLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
