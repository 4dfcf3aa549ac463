package autopilot

import (
	"sync"
	"time"
)

// LogLevel classifies activity log entries for display
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// DefaultLogCapacity is how many activity entries a session keeps
const DefaultLogCapacity = 100

// LogEntry is one line of a session's activity log
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Type      LogLevel  `json:"type"`
}

// activityLog is a bounded, oldest-first record of what a session did
type activityLog struct {
	mu       sync.Mutex
	entries  []LogEntry
	capacity int
}

func newActivityLog(capacity int) *activityLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &activityLog{capacity: capacity, entries: make([]LogEntry, 0, capacity)}
}

func (a *activityLog) add(e LogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == a.capacity {
		copy(a.entries, a.entries[1:])
		a.entries = a.entries[:len(a.entries)-1]
	}
	a.entries = append(a.entries, e)
}

// last returns up to n of the newest entries, oldest first. n <= 0 returns all.
func (a *activityLog) last(n int) []LogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := 0
	if n > 0 && n < len(a.entries) {
		start = len(a.entries) - n
	}
	out := make([]LogEntry, len(a.entries)-start)
	copy(out, a.entries[start:])
	return out
}
