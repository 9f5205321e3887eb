package lexware

import (
	"sync"
	"time"
)

// Rolling log capacities.
const (
	MaxRequestEntries = 100
	MaxErrorEntries   = 50
)

// LogEntry is one request or error recorded by the client.
type LogEntry struct {
	ID       string        `json:"id"`
	Time     time.Time     `json:"time"`
	Method   string        `json:"method"`
	Endpoint string        `json:"endpoint"`
	Status   int           `json:"status,omitempty"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// ActivityLog keeps the most recent requests and errors, newest first.
type ActivityLog struct {
	mu       sync.Mutex
	requests []LogEntry
	errors   []LogEntry
}

// NewActivityLog returns an empty log.
func NewActivityLog() *ActivityLog {
	return &ActivityLog{}
}

func (l *ActivityLog) addRequest(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = prepend(l.requests, entry, MaxRequestEntries)
}

func (l *ActivityLog) addError(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = prepend(l.errors, entry, MaxErrorEntries)
}

// Requests returns a copy of the request entries.
func (l *ActivityLog) Requests() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(make([]LogEntry, 0, len(l.requests)), l.requests...)
}

// Errors returns a copy of the error entries.
func (l *ActivityLog) Errors() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(make([]LogEntry, 0, len(l.errors)), l.errors...)
}

// Clear drops all entries.
func (l *ActivityLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = nil
	l.errors = nil
}

func prepend(entries []LogEntry, entry LogEntry, limit int) []LogEntry {
	entries = append(entries, LogEntry{})
	copy(entries[1:], entries)
	entries[0] = entry
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
