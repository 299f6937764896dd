// ABOUTME: Fixed-capacity ring buffer of billing and settlement outcomes.
// ABOUTME: Purely observational; overflow evicts the oldest entry, never the caller.

package audit

import (
	"sync"
	"time"
)

// DefaultCapacity is used when a log is created with a non-positive capacity.
const DefaultCapacity = 512

// Severity classifies an audit entry.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Entry is a single audit record.
type Entry struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// Log is a bounded in-memory audit trail. Appends never fail: when the buffer
// is full the oldest entry is evicted. The log is never consulted for
// correctness decisions.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	start   int
	count   int
}

// NewLog creates a log holding at most capacity entries.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{entries: make([]Entry, capacity)}
}

// Append records an entry stamped with the current UTC time.
func (l *Log) Append(severity Severity, message string) {
	l.AppendEntry(Entry{Severity: severity, Message: message})
}

// AppendEntry records an entry, stamping the time if unset.
func (l *Log) AppendEntry(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idx := (l.start + l.count) % len(l.entries)
	l.entries[idx] = e
	if l.count == len(l.entries) {
		l.start = (l.start + 1) % len(l.entries)
	} else {
		l.count++
	}
}

// Recent returns up to n entries ordered oldest-first, so the most recent
// entry is last. It returns an empty slice, never nil.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n < 0 || n > l.count {
		n = l.count
	}
	out := make([]Entry, 0, n)
	for i := l.count - n; i < l.count; i++ {
		out = append(out, l.entries[(l.start+i)%len(l.entries)])
	}
	return out
}

// Len returns the number of entries currently held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Capacity returns the fixed buffer capacity.
func (l *Log) Capacity() int {
	return len(l.entries)
}

// Snapshot returns all entries oldest-first.
func (l *Log) Snapshot() []Entry {
	return l.Recent(-1)
}

// Restore replaces the log contents with the given entries, keeping only the
// newest ones when they exceed capacity.
func (l *Log) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.start = 0
	l.count = 0
	for i := range l.entries {
		l.entries[i] = Entry{}
	}

	if len(entries) > len(l.entries) {
		entries = entries[len(entries)-len(l.entries):]
	}
	copy(l.entries, entries)
	l.count = len(entries)
}
