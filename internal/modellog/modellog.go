// Package modellog keeps a bounded in-memory record of upstream invocations
// for diagnostics. Logging failures are swallowed; this sink must never
// affect the request path.
package modellog

import (
	"sync"
	"time"
)

// Entry describes one upstream invocation.
type Entry struct {
	Timestamp    string        `json:"timestamp"`
	Kind         string        `json:"kind"`
	Provider     string        `json:"provider"`
	Endpoint     string        `json:"endpoint"`
	Model        string        `json:"model"`
	Stream       bool          `json:"stream"`
	Status       string        `json:"status"`
	LatencyMs    int64         `json:"latencyMs"`
	AccountID    int64         `json:"accountId"`
	AccountEmail string        `json:"accountEmail"`
	AccountTier  string        `json:"accountTier"`
	RequestBody  interface{}   `json:"requestBody,omitempty"`
	Response     interface{}   `json:"response,omitempty"`
	Chunks       []interface{} `json:"chunks,omitempty"`
	Error        interface{}   `json:"error,omitempty"`
}

// Logger is a fixed-capacity ring of entries, oldest evicted first.
type Logger struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
}

// New creates a Logger holding at most max entries.
func New(max int) *Logger {
	if max <= 0 {
		max = 500
	}
	return &Logger{max: max}
}

// Record appends an entry, evicting the oldest when full. Never fails.
func (l *Logger) Record(e Entry) {
	defer func() {
		// A malformed entry must not take down the caller.
		_ = recover()
	}()
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// Entries returns a copy of the recorded entries, oldest first.
func (l *Logger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Clear drops all entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
